package vulkan

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/common"
	"github.com/vkngwrapper/core/core1_0"

	"github.com/bismuth-engine/bismuth/gpu"
)

type image struct {
	handle core1_0.Image
}

func (i *image) Destroy() { i.handle.Destroy(nil) }

// swapchainImage is owned by its swapchain.
type swapchainImage struct {
	handle core1_0.Image
}

func (i *swapchainImage) Destroy() {
	panic(errors.AssertionFailedf("swapchain images are destroyed with their swapchain"))
}

type imageView struct {
	handle core1_0.ImageView
}

func (v *imageView) Destroy() { v.handle.Destroy(nil) }

type deviceMemory struct {
	handle core1_0.DeviceMemory
}

func (m *deviceMemory) Free() { m.handle.Free(nil) }

type renderPass struct {
	handle core1_0.RenderPass
}

func (r *renderPass) Destroy() { r.handle.Destroy(nil) }

type framebuffer struct {
	handle core1_0.Framebuffer
}

func (f *framebuffer) Destroy() { f.handle.Destroy(nil) }

type semaphore struct {
	handle core1_0.Semaphore
}

func (s *semaphore) Destroy() { s.handle.Destroy(nil) }

type fence struct {
	device core1_0.Device
	handle core1_0.Fence
}

func (f *fence) Destroy() { f.handle.Destroy(nil) }

func (f *fence) Wait(timeout time.Duration) (common.VkResult, error) {
	return f.device.WaitForFences(true, timeout, []core1_0.Fence{f.handle})
}

func (f *fence) Reset() error {
	_, err := f.device.ResetFences([]core1_0.Fence{f.handle})
	return err
}

// RenderPass returns the handle behind a render pass created by a Device,
// for building pipelines against it.
func RenderPass(r gpu.RenderPass) core1_0.RenderPass {
	rp, ok := r.(*renderPass)
	if !ok {
		panic(errors.AssertionFailedf("render pass %T was not created by a vulkan.Device", r))
	}
	return rp.handle
}

func imageHandle(i gpu.Image) core1_0.Image {
	switch img := i.(type) {
	case *image:
		return img.handle
	case *swapchainImage:
		return img.handle
	}
	panic(errors.AssertionFailedf("image %T was not created by a vulkan.Device", i))
}

func semaphoreHandles(semaphores []gpu.Semaphore) []core1_0.Semaphore {
	handles := make([]core1_0.Semaphore, len(semaphores))
	for i, s := range semaphores {
		sem, ok := s.(*semaphore)
		if !ok {
			panic(errors.AssertionFailedf("semaphore %T was not created by a vulkan.Device", s))
		}
		handles[i] = sem.handle
	}
	return handles
}

func (d *Device) CreateImage(extent core1_0.Extent2D, format core1_0.Format, usage core1_0.ImageUsageFlags, properties core1_0.MemoryPropertyFlags) (gpu.Image, gpu.DeviceMemory, error) {
	handle, _, err := d.device.CreateImage(nil, core1_0.ImageCreateInfo{
		ImageType: core1_0.ImageType2D,
		Extent: core1_0.Extent3D{
			Width:  extent.Width,
			Height: extent.Height,
			Depth:  1,
		},
		MipLevels:     1,
		ArrayLayers:   1,
		Format:        format,
		Tiling:        core1_0.ImageTilingOptimal,
		InitialLayout: core1_0.ImageLayoutUndefined,
		Usage:         usage,
		SharingMode:   core1_0.SharingModeExclusive,
		Samples:       core1_0.Samples1,
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to create image")
	}

	memReqs := handle.MemoryRequirements()
	memoryIndex, err := d.findMemoryType(memReqs.MemoryTypeBits, properties)
	if err != nil {
		handle.Destroy(nil)
		return nil, nil, err
	}

	memory, _, err := d.device.AllocateMemory(nil, core1_0.MemoryAllocateInfo{
		AllocationSize:  memReqs.Size,
		MemoryTypeIndex: memoryIndex,
	})
	if err != nil {
		handle.Destroy(nil)
		return nil, nil, errors.Wrap(err, "failed to allocate image memory")
	}

	_, err = handle.BindImageMemory(memory, 0)
	if err != nil {
		handle.Destroy(nil)
		memory.Free(nil)
		return nil, nil, errors.Wrap(err, "failed to bind image memory")
	}

	return &image{handle: handle}, &deviceMemory{handle: memory}, nil
}

func (d *Device) findMemoryType(typeFilter uint32, properties core1_0.MemoryPropertyFlags) (int, error) {
	memProperties := d.physicalDevice.MemoryProperties()
	for i, memoryType := range memProperties.MemoryTypes {
		typeBit := uint32(1 << i)

		if (typeFilter&typeBit) != 0 && (memoryType.PropertyFlags&properties) == properties {
			return i, nil
		}
	}

	return 0, errors.Newf("failed to find a memory type with properties %s", properties)
}

func (d *Device) CreateImageView(img gpu.Image, format core1_0.Format, aspect core1_0.ImageAspectFlags) (gpu.ImageView, error) {
	handle, _, err := d.device.CreateImageView(nil, core1_0.ImageViewCreateInfo{
		Image:    imageHandle(img),
		ViewType: core1_0.ImageViewType2D,
		Format:   format,
		SubresourceRange: core1_0.ImageSubresourceRange{
			AspectMask:     aspect,
			BaseMipLevel:   0,
			LevelCount:     1,
			BaseArrayLayer: 0,
			LayerCount:     1,
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create image view")
	}
	return &imageView{handle: handle}, nil
}

func (d *Device) FindSupportedFormat(candidates []core1_0.Format, tiling core1_0.ImageTiling, features core1_0.FormatFeatureFlags) (core1_0.Format, error) {
	for _, format := range candidates {
		props := d.physicalDevice.FormatProperties(format)

		if tiling == core1_0.ImageTilingLinear && (props.LinearTilingFeatures&features) == features {
			return format, nil
		} else if tiling == core1_0.ImageTilingOptimal && (props.OptimalTilingFeatures&features) == features {
			return format, nil
		}
	}

	return 0, errors.Mark(errors.Newf("failed to find supported format for tiling %s, featureset %s", tiling, features), ErrUnsupported)
}

func (d *Device) CreateRenderPass(info core1_0.RenderPassCreateInfo) (gpu.RenderPass, error) {
	handle, _, err := d.device.CreateRenderPass(nil, info)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create render pass")
	}
	return &renderPass{handle: handle}, nil
}

func (d *Device) CreateFramebuffer(rp gpu.RenderPass, attachments []gpu.ImageView, extent core1_0.Extent2D) (gpu.Framebuffer, error) {
	views := make([]core1_0.ImageView, len(attachments))
	for i, a := range attachments {
		view, ok := a.(*imageView)
		if !ok {
			panic(errors.AssertionFailedf("image view %T was not created by a vulkan.Device", a))
		}
		views[i] = view.handle
	}

	handle, _, err := d.device.CreateFramebuffer(nil, core1_0.FramebufferCreateInfo{
		RenderPass:  RenderPass(rp),
		Layers:      1,
		Attachments: views,
		Width:       extent.Width,
		Height:      extent.Height,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create framebuffer")
	}
	return &framebuffer{handle: handle}, nil
}

func (d *Device) CreateSemaphore() (gpu.Semaphore, error) {
	handle, _, err := d.device.CreateSemaphore(nil, core1_0.SemaphoreCreateInfo{})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create semaphore")
	}
	return &semaphore{handle: handle}, nil
}

func (d *Device) CreateFence(signaled bool) (gpu.Fence, error) {
	var info core1_0.FenceCreateInfo
	if signaled {
		info.Flags = core1_0.FenceCreateSignaled
	}

	handle, _, err := d.device.CreateFence(nil, info)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fence")
	}
	return &fence{device: d.device, handle: handle}, nil
}
