// Package renderer drives a swapchain through the per-frame lifecycle.
//
// A Renderer is either idle or recording a frame. BeginFrame moves it to
// recording and hands out the command buffer of the current frame slot;
// EndFrame submits that buffer and moves it back to idle. In between, the
// caller brackets its draw calls with BeginSwapchainRenderPass and
// EndSwapchainRenderPass. Calling any of these out of order is a bug in
// the caller and panics with an assertion failure.
//
// Window resizes are batched: the resize flag is only consulted at the end
// of a frame, so the frame in progress still presents at the old extent
// and the next one renders at the new extent.
package renderer

import (
	"github.com/cockroachdb/errors"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"
	"github.com/vkngwrapper/core/core1_0"

	"github.com/bismuth-engine/bismuth"
	"github.com/bismuth-engine/bismuth/gpu"
	"github.com/bismuth-engine/bismuth/swapchain"
)

// Window is the windowing collaborator.
type Window interface {
	// Extent returns the current drawable size in pixels. A zero width or
	// height means the window is minimized.
	Extent() core1_0.Extent2D

	// WasResized reports whether the window size changed since the flag
	// was last reset.
	WasResized() bool
	ResetResizedFlag()

	// WaitEvents blocks until the platform delivers an event.
	WaitEvents()
}

// Renderer owns a swapchain and one command buffer per frame slot.
// It is not safe for concurrent use.
type Renderer struct {
	window Window
	device gpu.Device
	cfg    Config

	swapchain      *swapchain.Swapchain
	commandBuffers []gpu.CommandBuffer

	currentImageIndex int
	currentFrameIndex int
	frameStarted      bool
	inRenderPass      bool

	// needsRecreate is set when acquisition reported a degraded surface;
	// the frame still renders and the swapchain is rebuilt after it.
	needsRecreate bool
}

// New builds the swapchain for window's current extent, waiting while the
// window is minimized, and allocates the command buffers.
func New(window Window, device gpu.Device, cfg Config) (*Renderer, error) {
	r := &Renderer{
		window: window,
		device: device,
		cfg:    cfg,
	}

	if err := r.recreateSwapchain(); err != nil {
		return nil, err
	}

	if err := r.createCommandBuffers(); err != nil {
		r.swapchain.Destroy()
		return nil, err
	}

	return r, nil
}

func (r *Renderer) createCommandBuffers() error {
	buffers, err := r.device.AllocateCommandBuffers(r.swapchain.MaxFramesInFlight())
	if err != nil {
		return errors.Wrap(err, "failed to allocate command buffers")
	}
	r.commandBuffers = buffers
	return nil
}

// recreateSwapchain builds a swapchain for the window's extent. While the
// extent is degenerate it keeps pumping window events instead.
//
// Any pending resize notification is consumed: the extent read afterwards
// already reflects it.
func (r *Renderer) recreateSwapchain() error {
	r.window.ResetResizedFlag()
	extent := r.window.Extent()
	for extent.Width <= 0 || extent.Height <= 0 {
		bismuth.Logger().Debug("window has no drawable area, waiting",
			"width", extent.Width,
			"height", extent.Height)
		r.window.WaitEvents()
		r.window.ResetResizedFlag()
		extent = r.window.Extent()
	}

	if r.swapchain == nil {
		sc, err := swapchain.New(r.device, extent, swapchain.WithPresentMode(r.cfg.PresentMode))
		if err != nil {
			return errors.Wrap(err, "failed to create swapchain")
		}
		r.swapchain = sc
		return nil
	}

	// Recreate keeps the frame slot count, so the command buffers still
	// line up one to one with the slots.
	sc, err := swapchain.Recreate(r.swapchain, extent)
	r.swapchain = sc
	if err != nil {
		return errors.Wrap(err, "failed to recreate swapchain")
	}
	return nil
}

// BeginFrame acquires the next swapchain image and starts recording the
// current slot's command buffer, which it returns.
//
// If the swapchain turned out to be stale it is rebuilt and BeginFrame
// returns a nil command buffer and a nil error; the caller skips the frame.
func (r *Renderer) BeginFrame() (gpu.CommandBuffer, error) {
	if r.frameStarted {
		panic(errors.AssertionFailedf("cannot begin a frame while one is already in progress"))
	}

	frameIndex := r.swapchain.CurrentFrame()
	imageIndex, outcome, err := r.swapchain.AcquireNextImage()
	switch outcome {
	case swapchain.OutcomeStale:
		return nil, r.recreateSwapchain()
	case swapchain.OutcomeFatal:
		return nil, errors.Wrap(err, "failed to acquire swapchain image")
	case swapchain.OutcomeDegraded:
		r.needsRecreate = true
	}

	r.currentFrameIndex = frameIndex
	r.currentImageIndex = imageIndex

	commandBuffer := r.commandBuffers[frameIndex]
	if err := commandBuffer.Begin(); err != nil {
		return nil, errors.Wrap(err, "failed to begin recording command buffer")
	}

	r.frameStarted = true
	return commandBuffer, nil
}

// EndFrame finishes recording, submits the frame and presents it. If the
// surface went stale or degraded, or the window was resized, the swapchain
// is rebuilt once the frame has been handed to the GPU.
func (r *Renderer) EndFrame() error {
	if !r.frameStarted {
		panic(errors.AssertionFailedf("cannot end a frame that is not in progress"))
	}
	if r.inRenderPass {
		panic(errors.AssertionFailedf("cannot end a frame inside the swapchain render pass"))
	}
	r.frameStarted = false

	commandBuffer := r.commandBuffers[r.currentFrameIndex]
	if err := commandBuffer.End(); err != nil {
		return errors.Wrap(err, "failed to record command buffer")
	}

	outcome, err := r.swapchain.SubmitCommandBuffers(commandBuffer, r.currentImageIndex)
	if outcome == swapchain.OutcomeFatal {
		return errors.Wrap(err, "failed to present swapchain image")
	}

	if resized := r.window.WasResized(); outcome.NeedsRecreate() || r.needsRecreate || resized {
		bismuth.Logger().Debug("swapchain out of date",
			"outcome", outcome,
			"resized", resized)
		r.needsRecreate = false
		return r.recreateSwapchain()
	}

	return nil
}

// BeginSwapchainRenderPass starts the swapchain render pass on the frame's
// command buffer, clearing color and depth, and sets the viewport and
// scissor to the current extent.
func (r *Renderer) BeginSwapchainRenderPass(commandBuffer gpu.CommandBuffer) error {
	if !r.frameStarted {
		panic(errors.AssertionFailedf("cannot begin the swapchain render pass when no frame is in progress"))
	}
	if r.inRenderPass {
		panic(errors.AssertionFailedf("swapchain render pass already begun"))
	}
	if commandBuffer != r.commandBuffers[r.currentFrameIndex] {
		panic(errors.AssertionFailedf("cannot begin the swapchain render pass on a command buffer from a different frame"))
	}

	extent := r.swapchain.Extent()
	err := commandBuffer.BeginRenderPass(gpu.RenderPassBeginInfo{
		RenderPass:  r.swapchain.RenderPass(),
		Framebuffer: r.swapchain.Framebuffer(r.currentImageIndex),
		RenderArea: core1_0.Rect2D{
			Offset: core1_0.Offset2D{X: 0, Y: 0},
			Extent: extent,
		},
		ClearValues: []core1_0.ClearValue{
			core1_0.ClearValueFloat(r.cfg.ClearColor),
			core1_0.ClearValueDepthStencil{Depth: r.cfg.ClearDepth, Stencil: 0},
		},
	})
	if err != nil {
		return errors.Wrap(err, "failed to begin swapchain render pass")
	}
	r.inRenderPass = true

	commandBuffer.SetViewport(core1_0.Viewport{
		X:        0,
		Y:        0,
		Width:    float32(extent.Width),
		Height:   float32(extent.Height),
		MinDepth: 0,
		MaxDepth: 1,
	})
	commandBuffer.SetScissor(core1_0.Rect2D{
		Offset: core1_0.Offset2D{X: 0, Y: 0},
		Extent: extent,
	})

	return nil
}

// EndSwapchainRenderPass ends the render pass begun by
// BeginSwapchainRenderPass.
func (r *Renderer) EndSwapchainRenderPass(commandBuffer gpu.CommandBuffer) {
	if !r.frameStarted {
		panic(errors.AssertionFailedf("cannot end the swapchain render pass when no frame is in progress"))
	}
	if !r.inRenderPass {
		panic(errors.AssertionFailedf("swapchain render pass not begun"))
	}
	if commandBuffer != r.commandBuffers[r.currentFrameIndex] {
		panic(errors.AssertionFailedf("cannot end the swapchain render pass on a command buffer from a different frame"))
	}

	commandBuffer.EndRenderPass()
	r.inRenderPass = false
}

// RenderPass returns the swapchain's render pass. It changes whenever the
// swapchain is rebuilt; compare Generation to detect that.
func (r *Renderer) RenderPass() gpu.RenderPass { return r.swapchain.RenderPass() }

// AspectRatio returns width/height of the current extent. It may change
// between frames.
func (r *Renderer) AspectRatio() float32 { return r.swapchain.AspectRatio() }

func (r *Renderer) Extent() core1_0.Extent2D { return r.swapchain.Extent() }

// Generation identifies the current swapchain.
func (r *Renderer) Generation() uuid.UUID { return r.swapchain.Generation() }

// MaxFramesInFlight returns the number of frame slots, the bound on
// FrameIndex.
func (r *Renderer) MaxFramesInFlight() int { return len(r.commandBuffers) }

func (r *Renderer) IsFrameInProgress() bool { return r.frameStarted }

// FrameIndex returns the frame slot of the frame in progress, for
// indexing per-slot resources.
func (r *Renderer) FrameIndex() int {
	if !r.frameStarted {
		panic(errors.AssertionFailedf("cannot get frame index when no frame is in progress"))
	}
	return r.currentFrameIndex
}

// CurrentCommandBuffer returns the command buffer of the frame in progress.
func (r *Renderer) CurrentCommandBuffer() gpu.CommandBuffer {
	if !r.frameStarted {
		panic(errors.AssertionFailedf("cannot get command buffer when no frame is in progress"))
	}
	return r.commandBuffers[r.currentFrameIndex]
}

// SetClearColor changes the clear color used from the next render pass on.
func (r *Renderer) SetClearColor(color mgl32.Vec4) { r.cfg.ClearColor = color }

// Close waits for the GPU to finish and releases the command buffers and
// the swapchain.
func (r *Renderer) Close() error {
	err := r.device.WaitIdle()

	if r.commandBuffers != nil {
		r.device.FreeCommandBuffers(r.commandBuffers)
		r.commandBuffers = nil
	}

	if r.swapchain != nil {
		r.swapchain.Destroy()
		r.swapchain = nil
	}

	return errors.Wrap(err, "failed to wait for device idle")
}
