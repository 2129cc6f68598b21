package swapchain

import (
	"github.com/vkngwrapper/core/core1_0"
	"github.com/vkngwrapper/extensions/khr_surface"
)

// ChooseSurfaceFormat prefers 8-bit sRGB BGRA in the sRGB nonlinear color
// space and otherwise falls back to the first format the surface reports.
func ChooseSurfaceFormat(availableFormats []khr_surface.SurfaceFormat) khr_surface.SurfaceFormat {
	for _, format := range availableFormats {
		if format.Format == core1_0.FormatB8G8R8A8SRGB && format.ColorSpace == khr_surface.ColorSpaceSRGBNonlinear {
			return format
		}
	}

	return availableFormats[0]
}

// ChoosePresentMode returns preferred if the surface supports it, then
// Mailbox, then FIFO, which every conformant implementation provides.
func ChoosePresentMode(availablePresentModes []khr_surface.PresentMode, preferred khr_surface.PresentMode) khr_surface.PresentMode {
	mailbox := false
	for _, presentMode := range availablePresentModes {
		if presentMode == preferred {
			return presentMode
		}
		if presentMode == khr_surface.PresentModeMailbox {
			mailbox = true
		}
	}

	if mailbox {
		return khr_surface.PresentModeMailbox
	}
	return khr_surface.PresentModeFIFO
}

// ChooseExtent returns the surface's current extent, or, when the surface
// lets the swapchain decide (current width of -1), the requested extent
// clamped to the supported range.
func ChooseExtent(capabilities *khr_surface.SurfaceCapabilities, requested core1_0.Extent2D) core1_0.Extent2D {
	if capabilities.CurrentExtent.Width != -1 {
		return capabilities.CurrentExtent
	}

	width := clamp(requested.Width, capabilities.MinImageExtent.Width, capabilities.MaxImageExtent.Width)
	height := clamp(requested.Height, capabilities.MinImageExtent.Height, capabilities.MaxImageExtent.Height)

	return core1_0.Extent2D{Width: width, Height: height}
}

// ChooseImageCount requests one image more than the minimum so the
// application never waits on the driver, within the surface's maximum.
// A maximum of 0 means there is none.
func ChooseImageCount(capabilities *khr_surface.SurfaceCapabilities) int {
	imageCount := capabilities.MinImageCount + 1
	if capabilities.MaxImageCount > 0 && capabilities.MaxImageCount < imageCount {
		imageCount = capabilities.MaxImageCount
	}
	return imageCount
}

func clamp(v, lo, hi int) int {
	if v < lo {
		v = lo
	}
	if v > hi {
		v = hi
	}
	return v
}

var depthFormatCandidates = []core1_0.Format{
	core1_0.FormatD32SignedFloat,
	core1_0.FormatD32SignedFloatS8UnsignedInt,
	core1_0.FormatD24UnsignedNormalizedS8UnsignedInt,
}

func hasStencilComponent(format core1_0.Format) bool {
	return format == core1_0.FormatD32SignedFloatS8UnsignedInt || format == core1_0.FormatD24UnsignedNormalizedS8UnsignedInt
}
