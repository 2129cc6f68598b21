package vulkan

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/common"
	"github.com/vkngwrapper/core/core1_0"
	"github.com/vkngwrapper/extensions/khr_surface"
	"github.com/vkngwrapper/extensions/khr_swapchain"

	"github.com/bismuth-engine/bismuth/gpu"
)

type swapchain struct {
	handle khr_swapchain.Swapchain
}

func (s *swapchain) Destroy() { s.handle.Destroy(nil) }

func (s *swapchain) Images() ([]gpu.Image, error) {
	handles, _, err := s.handle.SwapchainImages()
	if err != nil {
		return nil, err
	}

	images := make([]gpu.Image, len(handles))
	for i, handle := range handles {
		images[i] = &swapchainImage{handle: handle}
	}
	return images, nil
}

func (s *swapchain) AcquireNextImage(timeout time.Duration, sem gpu.Semaphore) (int, common.VkResult, error) {
	return s.handle.AcquireNextImage(timeout, semaphoreHandles([]gpu.Semaphore{sem})[0], nil)
}

func swapchainHandle(s gpu.Swapchain) khr_swapchain.Swapchain {
	sc, ok := s.(*swapchain)
	if !ok {
		panic(errors.AssertionFailedf("swapchain %T was not created by a vulkan.Device", s))
	}
	return sc.handle
}

func (d *Device) CreateSwapchain(info gpu.SwapchainCreateInfo) (gpu.Swapchain, error) {
	// Capabilities are re-read so the transform tracks the current surface.
	capabilities, _, err := d.surface.PhysicalDeviceSurfaceCapabilities(d.physicalDevice)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query surface capabilities")
	}

	createInfo := khr_swapchain.SwapchainCreateInfo{
		Surface: d.surface,

		MinImageCount:    info.MinImageCount,
		ImageFormat:      info.SurfaceFormat.Format,
		ImageColorSpace:  info.SurfaceFormat.ColorSpace,
		ImageExtent:      info.Extent,
		ImageArrayLayers: 1,
		ImageUsage:       core1_0.ImageUsageColorAttachment,

		ImageSharingMode:   info.SharingMode,
		QueueFamilyIndices: info.QueueFamilyIndices,

		PreTransform:   capabilities.CurrentTransform,
		CompositeAlpha: khr_surface.CompositeAlphaOpaque,
		PresentMode:    info.PresentMode,
		Clipped:        true,
	}
	if info.OldSwapchain != nil {
		createInfo.OldSwapchain = swapchainHandle(info.OldSwapchain)
	}

	handle, _, err := d.swapchainExtension.CreateSwapchain(d.device, nil, createInfo)
	if err != nil {
		return nil, err
	}

	return &swapchain{handle: handle}, nil
}
