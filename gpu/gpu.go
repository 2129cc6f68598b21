// Package gpu defines the device, queue and surface collaborators consumed
// by the presentation core.
//
// The interfaces are deliberately narrow: they expose only what the
// swapchain and the frame coordinator need. Value types (extents, formats,
// results, create infos without handles) are vkngwrapper's own so the real
// backend in package vulkan can pass them through unchanged.
package gpu

import (
	"time"

	"github.com/vkngwrapper/core/common"
	"github.com/vkngwrapper/core/core1_0"
	"github.com/vkngwrapper/extensions/khr_surface"
)

// Destroyer is implemented by every object that owns GPU resources.
type Destroyer interface {
	Destroy()
}

// Image is a GPU image. Images returned by Swapchain.Images are owned by
// the swapchain and must not be destroyed by the caller.
type Image interface {
	Destroyer
}

// ImageView interprets an Image; it owns no memory of its own.
type ImageView interface {
	Destroyer
}

// DeviceMemory backs an Image created with Device.CreateImage.
type DeviceMemory interface {
	Free()
}

// RenderPass describes the attachments a framebuffer is rendered into.
type RenderPass interface {
	Destroyer
}

// Framebuffer binds a set of image views to a RenderPass.
type Framebuffer interface {
	Destroyer
}

// Semaphore is a GPU-side signal used to order work between queue
// operations without CPU involvement.
type Semaphore interface {
	Destroyer
}

// Fence is a CPU-observable signal that the GPU has finished a batch of
// submitted work.
type Fence interface {
	Destroyer

	// Wait blocks until the fence is signaled or the timeout elapses.
	// An elapsed timeout is reported through the result, not the error.
	Wait(timeout time.Duration) (common.VkResult, error)

	// Reset returns the fence to the unsignaled state.
	Reset() error
}

// RenderPassBeginInfo describes the draw target of a render pass instance.
type RenderPassBeginInfo struct {
	RenderPass  RenderPass
	Framebuffer Framebuffer
	RenderArea  core1_0.Rect2D
	ClearValues []core1_0.ClearValue
}

// CommandBuffer records GPU commands. Buffers are reusable: Begin resets
// any previously recorded content.
type CommandBuffer interface {
	Begin() error
	End() error
	BeginRenderPass(info RenderPassBeginInfo) error
	SetViewport(viewport core1_0.Viewport)
	SetScissor(scissor core1_0.Rect2D)
	EndRenderPass()
}

// SurfaceSupport holds what the presentation surface reports about itself.
type SurfaceSupport struct {
	Capabilities *khr_surface.SurfaceCapabilities
	Formats      []khr_surface.SurfaceFormat
	PresentModes []khr_surface.PresentMode
}

// QueueFamilyIndices identifies the queue families used for rendering and
// presentation. They may be identical.
type QueueFamilyIndices struct {
	GraphicsFamily *int
	PresentFamily  *int
}

func (i QueueFamilyIndices) IsComplete() bool {
	return i.GraphicsFamily != nil && i.PresentFamily != nil
}

// Shared reports whether rendering and presentation use the same family.
func (i QueueFamilyIndices) Shared() bool {
	return i.IsComplete() && *i.GraphicsFamily == *i.PresentFamily
}

// SwapchainCreateInfo describes a chain of presentable images.
type SwapchainCreateInfo struct {
	MinImageCount int
	SurfaceFormat khr_surface.SurfaceFormat
	Extent        core1_0.Extent2D
	PresentMode   khr_surface.PresentMode

	SharingMode        core1_0.SharingMode
	QueueFamilyIndices []int

	// OldSwapchain, when set, is handed to the platform as a hint so it can
	// reuse resources during the transition. It is not destroyed.
	OldSwapchain Swapchain
}

// Swapchain is the platform's chain of presentable images.
type Swapchain interface {
	Destroyer

	Images() ([]Image, error)

	// AcquireNextImage returns the index of the next image available for
	// rendering and arranges for semaphore to be signaled once the image is
	// ready. Stale and suboptimal surfaces are reported through the result.
	AcquireNextImage(timeout time.Duration, semaphore Semaphore) (int, common.VkResult, error)
}

// SubmitInfo describes one batch submitted to the graphics queue.
type SubmitInfo struct {
	CommandBuffers   []CommandBuffer
	WaitSemaphores   []Semaphore
	WaitDstStageMask []core1_0.PipelineStageFlags
	SignalSemaphores []Semaphore

	// Fence, if not nil, is signaled when the whole batch completes.
	Fence Fence
}

// PresentInfo describes one presentation request on the present queue.
type PresentInfo struct {
	WaitSemaphores []Semaphore
	Swapchain      Swapchain
	ImageIndex     int
}

// Device is the logical device together with its graphics and present
// queues, its command pool and the presentation surface it was created for.
type Device interface {
	SurfaceSupport() (SurfaceSupport, error)
	QueueFamilies() QueueFamilyIndices

	// WaitIdle blocks until the device has finished all submitted work.
	WaitIdle() error

	CreateSwapchain(info SwapchainCreateInfo) (Swapchain, error)

	// CreateImage creates a 2D single-sample image and binds freshly
	// allocated memory with the requested properties to it.
	CreateImage(extent core1_0.Extent2D, format core1_0.Format, usage core1_0.ImageUsageFlags, properties core1_0.MemoryPropertyFlags) (Image, DeviceMemory, error)
	CreateImageView(image Image, format core1_0.Format, aspect core1_0.ImageAspectFlags) (ImageView, error)

	// FindSupportedFormat returns the first candidate supporting features
	// with the given tiling.
	FindSupportedFormat(candidates []core1_0.Format, tiling core1_0.ImageTiling, features core1_0.FormatFeatureFlags) (core1_0.Format, error)

	CreateRenderPass(info core1_0.RenderPassCreateInfo) (RenderPass, error)
	CreateFramebuffer(renderPass RenderPass, attachments []ImageView, extent core1_0.Extent2D) (Framebuffer, error)

	CreateSemaphore() (Semaphore, error)
	CreateFence(signaled bool) (Fence, error)

	// AllocateCommandBuffers allocates primary command buffers from the
	// graphics command pool. Buffers can be re-recorded individually.
	AllocateCommandBuffers(count int) ([]CommandBuffer, error)
	FreeCommandBuffers(buffers []CommandBuffer)

	// Submit queues work on the graphics queue.
	Submit(info SubmitInfo) error

	// Present queues a presentation request on the present queue.
	Present(info PresentInfo) (common.VkResult, error)
}
