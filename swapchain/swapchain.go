// Package swapchain owns the chain of presentable images and everything
// that must be rebuilt with it: one depth target and one framebuffer per
// image, the render pass, and the pool of per-frame synchronization
// objects.
//
// A Swapchain exposes two synchronizing operations, AcquireNextImage and
// SubmitCommandBuffers. Together they bound the number of frames the CPU
// can record ahead of the GPU to MaxFramesInFlight and guarantee that
//
//   - a command buffer never executes before its target image is acquired,
//   - an image is never presented before rendering into it completes,
//   - a frame slot is never reused until the GPU has retired its last use.
//
// A Swapchain is not safe for concurrent use.
package swapchain

import (
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/vkngwrapper/core/core1_0"
	"github.com/vkngwrapper/extensions/khr_surface"
	"github.com/vkngwrapper/extensions/khr_swapchain"

	"github.com/bismuth-engine/bismuth"
	"github.com/bismuth-engine/bismuth/gpu"
)

// Option configures a Swapchain during creation.
type Option func(*options)

type options struct {
	presentMode    khr_surface.PresentMode
	framesInFlight int
}

func defaultOptions() options {
	return options{
		presentMode: khr_surface.PresentModeMailbox,
	}
}

// WithPresentMode sets the preferred present mode. If the surface does not
// support it, Mailbox and then FIFO are used instead.
func WithPresentMode(mode khr_surface.PresentMode) Option {
	return func(o *options) {
		o.presentMode = mode
	}
}

// WithFramesInFlight fixes the number of frame slots. By default it equals
// the number of presentable images.
func WithFramesInFlight(n int) Option {
	return func(o *options) {
		o.framesInFlight = n
	}
}

type depthTarget struct {
	image  gpu.Image
	memory gpu.DeviceMemory
	view   gpu.ImageView
}

func (t *depthTarget) destroy() {
	if t.view != nil {
		t.view.Destroy()
		t.view = nil
	}
	if t.image != nil {
		t.image.Destroy()
		t.image = nil
	}
	if t.memory != nil {
		t.memory.Free()
		t.memory = nil
	}
}

// frameSync is one frame slot's set of synchronization objects.
type frameSync struct {
	imageAvailable gpu.Semaphore
	renderFinished gpu.Semaphore
	inFlight       gpu.Fence
}

func (f *frameSync) destroy() {
	if f.inFlight != nil {
		f.inFlight.Destroy()
		f.inFlight = nil
	}
	if f.renderFinished != nil {
		f.renderFinished.Destroy()
		f.renderFinished = nil
	}
	if f.imageAvailable != nil {
		f.imageAvailable.Destroy()
		f.imageAvailable = nil
	}
}

// Swapchain is the presentation engine for one surface.
type Swapchain struct {
	device gpu.Device
	opts   options
	id     uuid.UUID

	windowExtent core1_0.Extent2D

	swapchain   gpu.Swapchain
	imageFormat core1_0.Format
	depthFormat core1_0.Format
	extent      core1_0.Extent2D

	images       []gpu.Image
	imageViews   []gpu.ImageView
	depthTargets []depthTarget
	framebuffers []gpu.Framebuffer
	renderPass   gpu.RenderPass

	frames         []frameSync
	imagesInFlight []gpu.Fence
	currentFrame   int
}

// New creates a swapchain for the device's surface. The extent is used
// only when the surface leaves the choice to the swapchain.
func New(device gpu.Device, extent core1_0.Extent2D, opts ...Option) (*Swapchain, error) {
	return create(device, extent, nil, opts)
}

// Recreate waits for the device to go idle, builds a replacement for old
// against the new extent and destroys old. old's native chain is handed to
// the platform as a hint, and its frame slot count is kept.
//
// If the new swapchain's image or depth format differs from old's, both
// are destroyed and an error marked with ErrFormatChanged is returned.
// old must not be used after Recreate returns, whatever the result.
func Recreate(old *Swapchain, extent core1_0.Extent2D) (*Swapchain, error) {
	if err := old.device.WaitIdle(); err != nil {
		old.Destroy()
		return nil, errors.Wrap(err, "failed to wait for device idle before recreating swapchain")
	}

	opts := []Option{
		WithPresentMode(old.opts.presentMode),
		WithFramesInFlight(len(old.frames)),
	}
	sc, err := create(old.device, extent, old, opts)
	old.Destroy()
	if err != nil {
		return nil, err
	}

	if !sc.CompareFormats(old) {
		err := errors.Wrapf(ErrFormatChanged, "color %s -> %s, depth %s -> %s",
			old.imageFormat, sc.imageFormat, old.depthFormat, sc.depthFormat)
		sc.Destroy()
		return nil, err
	}

	bismuth.Logger().Info("swapchain recreated",
		"generation", sc.id,
		"previous", old.id,
		"width", sc.extent.Width,
		"height", sc.extent.Height)
	return sc, nil
}

func create(device gpu.Device, extent core1_0.Extent2D, old *Swapchain, opts []Option) (*Swapchain, error) {
	sc := &Swapchain{
		device:       device,
		opts:         defaultOptions(),
		id:           uuid.New(),
		windowExtent: extent,
	}
	for _, opt := range opts {
		opt(&sc.opts)
	}

	if err := sc.init(old); err != nil {
		sc.Destroy()
		return nil, err
	}

	bismuth.Logger().Debug("swapchain created",
		"generation", sc.id,
		"images", len(sc.images),
		"framesInFlight", len(sc.frames),
		"format", sc.imageFormat,
		"depthFormat", sc.depthFormat,
		"width", sc.extent.Width,
		"height", sc.extent.Height)
	return sc, nil
}

func (s *Swapchain) init(old *Swapchain) error {
	if err := s.createSwapchain(old); err != nil {
		return err
	}

	if err := s.createImageViews(); err != nil {
		return err
	}

	if err := s.createRenderPass(); err != nil {
		return err
	}

	if err := s.createDepthResources(); err != nil {
		return err
	}

	if err := s.createFramebuffers(); err != nil {
		return err
	}

	return s.createSyncObjects()
}

func (s *Swapchain) createSwapchain(old *Swapchain) error {
	support, err := s.device.SurfaceSupport()
	if err != nil {
		return errors.Wrap(err, "failed to query surface support")
	}
	if support.Capabilities == nil || len(support.Formats) == 0 || len(support.PresentModes) == 0 {
		return ErrSurfaceUnavailable
	}

	surfaceFormat := ChooseSurfaceFormat(support.Formats)
	presentMode := ChoosePresentMode(support.PresentModes, s.opts.presentMode)
	extent := ChooseExtent(support.Capabilities, s.windowExtent)
	imageCount := ChooseImageCount(support.Capabilities)

	sharingMode := core1_0.SharingModeExclusive
	var queueFamilyIndices []int

	indices := s.device.QueueFamilies()
	if !indices.IsComplete() {
		return errors.New("device reports no graphics or present queue family")
	}

	if !indices.Shared() {
		sharingMode = core1_0.SharingModeConcurrent
		queueFamilyIndices = append(queueFamilyIndices, *indices.GraphicsFamily, *indices.PresentFamily)
	}

	info := gpu.SwapchainCreateInfo{
		MinImageCount: imageCount,
		SurfaceFormat: surfaceFormat,
		Extent:        extent,
		PresentMode:   presentMode,

		SharingMode:        sharingMode,
		QueueFamilyIndices: queueFamilyIndices,
	}
	if old != nil {
		info.OldSwapchain = old.swapchain
	}

	swapchain, err := s.device.CreateSwapchain(info)
	if err != nil {
		return errors.Wrap(err, "failed to create swapchain")
	}

	s.swapchain = swapchain
	s.extent = extent
	s.imageFormat = surfaceFormat.Format

	return nil
}

func (s *Swapchain) createImageViews() error {
	images, err := s.swapchain.Images()
	if err != nil {
		return errors.Wrap(err, "failed to get swapchain images")
	}
	s.images = images

	for _, image := range images {
		view, err := s.device.CreateImageView(image, s.imageFormat, core1_0.ImageAspectColor)
		if err != nil {
			return errors.Wrap(err, "failed to create swapchain image view")
		}

		s.imageViews = append(s.imageViews, view)
	}

	return nil
}

func (s *Swapchain) createRenderPass() error {
	depthFormat, err := s.device.FindSupportedFormat(depthFormatCandidates,
		core1_0.ImageTilingOptimal,
		core1_0.FormatFeatureDepthStencilAttachment)
	if err != nil {
		return errors.Wrap(err, "failed to find depth format")
	}
	s.depthFormat = depthFormat

	renderPass, err := s.device.CreateRenderPass(core1_0.RenderPassCreateInfo{
		Attachments: []core1_0.AttachmentDescription{
			{
				Format:         s.imageFormat,
				Samples:        core1_0.Samples1,
				LoadOp:         core1_0.AttachmentLoadOpClear,
				StoreOp:        core1_0.AttachmentStoreOpStore,
				StencilLoadOp:  core1_0.AttachmentLoadOpDontCare,
				StencilStoreOp: core1_0.AttachmentStoreOpDontCare,
				InitialLayout:  core1_0.ImageLayoutUndefined,
				FinalLayout:    khr_swapchain.ImageLayoutPresentSrc,
			},
			{
				Format:         depthFormat,
				Samples:        core1_0.Samples1,
				LoadOp:         core1_0.AttachmentLoadOpClear,
				StoreOp:        core1_0.AttachmentStoreOpDontCare,
				StencilLoadOp:  core1_0.AttachmentLoadOpDontCare,
				StencilStoreOp: core1_0.AttachmentStoreOpDontCare,
				InitialLayout:  core1_0.ImageLayoutUndefined,
				FinalLayout:    core1_0.ImageLayoutDepthStencilAttachmentOptimal,
			},
		},
		Subpasses: []core1_0.SubpassDescription{
			{
				PipelineBindPoint: core1_0.PipelineBindPointGraphics,
				ColorAttachments: []core1_0.AttachmentReference{
					{
						Attachment: 0,
						Layout:     core1_0.ImageLayoutColorAttachmentOptimal,
					},
				},
				DepthStencilAttachment: &core1_0.AttachmentReference{
					Attachment: 1,
					Layout:     core1_0.ImageLayoutDepthStencilAttachmentOptimal,
				},
			},
		},
		SubpassDependencies: []core1_0.SubpassDependency{
			{
				SrcSubpass: core1_0.SubpassExternal,
				DstSubpass: 0,

				SrcStageMask:  core1_0.PipelineStageColorAttachmentOutput | core1_0.PipelineStageEarlyFragmentTests,
				SrcAccessMask: 0,

				DstStageMask:  core1_0.PipelineStageColorAttachmentOutput | core1_0.PipelineStageEarlyFragmentTests,
				DstAccessMask: core1_0.AccessColorAttachmentWrite | core1_0.AccessDepthStencilAttachmentWrite,
			},
		},
	})
	if err != nil {
		return errors.Wrap(err, "failed to create render pass")
	}

	s.renderPass = renderPass

	return nil
}

// createDepthResources builds one depth target per image. Two frames in
// flight may render into two different images at once, so a shared depth
// buffer would race.
func (s *Swapchain) createDepthResources() error {
	aspect := core1_0.ImageAspectDepth
	if hasStencilComponent(s.depthFormat) {
		aspect |= core1_0.ImageAspectStencil
	}

	s.depthTargets = make([]depthTarget, len(s.images))
	for i := range s.depthTargets {
		target := &s.depthTargets[i]

		var err error
		target.image, target.memory, err = s.device.CreateImage(s.extent,
			s.depthFormat,
			core1_0.ImageUsageDepthStencilAttachment,
			core1_0.MemoryPropertyDeviceLocal)
		if err != nil {
			return errors.Wrapf(err, "failed to create depth image %d", i)
		}

		target.view, err = s.device.CreateImageView(target.image, s.depthFormat, aspect)
		if err != nil {
			return errors.Wrapf(err, "failed to create depth image view %d", i)
		}
	}

	return nil
}

func (s *Swapchain) createFramebuffers() error {
	for i, imageView := range s.imageViews {
		framebuffer, err := s.device.CreateFramebuffer(s.renderPass,
			[]gpu.ImageView{
				imageView,
				s.depthTargets[i].view,
			},
			s.extent)
		if err != nil {
			return errors.Wrapf(err, "failed to create framebuffer %d", i)
		}

		s.framebuffers = append(s.framebuffers, framebuffer)
	}

	return nil
}

func (s *Swapchain) createSyncObjects() error {
	count := s.opts.framesInFlight
	if count <= 0 {
		count = len(s.images)
	} else if count != len(s.images) {
		bismuth.Logger().Warn("frame slot count differs from swapchain image count",
			"framesInFlight", count,
			"images", len(s.images))
	}

	s.frames = make([]frameSync, count)
	for i := range s.frames {
		frame := &s.frames[i]

		var err error
		frame.imageAvailable, err = s.device.CreateSemaphore()
		if err != nil {
			return errors.Wrap(err, "failed to create image-available semaphore")
		}

		frame.renderFinished, err = s.device.CreateSemaphore()
		if err != nil {
			return errors.Wrap(err, "failed to create render-finished semaphore")
		}

		// Signaled so the first wait on each slot returns immediately.
		frame.inFlight, err = s.device.CreateFence(true)
		if err != nil {
			return errors.Wrap(err, "failed to create in-flight fence")
		}
	}

	s.imagesInFlight = make([]gpu.Fence, len(s.images))

	return nil
}

// Destroy releases everything the swapchain owns. The device must not be
// using any of it; callers wait for device idle first. Destroy is safe to
// call on a partially constructed or already destroyed Swapchain.
func (s *Swapchain) Destroy() {
	for i := range s.frames {
		s.frames[i].destroy()
	}
	s.frames = nil
	s.imagesInFlight = nil

	for _, framebuffer := range s.framebuffers {
		framebuffer.Destroy()
	}
	s.framebuffers = nil

	for i := range s.depthTargets {
		s.depthTargets[i].destroy()
	}
	s.depthTargets = nil

	if s.renderPass != nil {
		s.renderPass.Destroy()
		s.renderPass = nil
	}

	for _, imageView := range s.imageViews {
		imageView.Destroy()
	}
	s.imageViews = nil
	s.images = nil

	if s.swapchain != nil {
		s.swapchain.Destroy()
		s.swapchain = nil
	}
}

// CompareFormats reports whether s and other use the same image and depth
// formats, i.e. whether their render passes are compatible.
func (s *Swapchain) CompareFormats(other *Swapchain) bool {
	return s.imageFormat == other.imageFormat && s.depthFormat == other.depthFormat
}

// Generation uniquely identifies this swapchain. It changes on every
// recreation, and with it the render pass.
func (s *Swapchain) Generation() uuid.UUID { return s.id }

func (s *Swapchain) RenderPass() gpu.RenderPass { return s.renderPass }

// Framebuffer returns the draw target for the image at index.
func (s *Swapchain) Framebuffer(index int) gpu.Framebuffer { return s.framebuffers[index] }

func (s *Swapchain) Extent() core1_0.Extent2D { return s.extent }

func (s *Swapchain) Width() int { return s.extent.Width }

func (s *Swapchain) Height() int { return s.extent.Height }

// AspectRatio returns width/height of the live extent.
func (s *Swapchain) AspectRatio() float32 {
	return float32(s.extent.Width) / float32(s.extent.Height)
}

func (s *Swapchain) ImageFormat() core1_0.Format { return s.imageFormat }

func (s *Swapchain) DepthFormat() core1_0.Format { return s.depthFormat }

// ImageCount returns the number of presentable images.
func (s *Swapchain) ImageCount() int { return len(s.images) }

// DepthTargetCount returns the number of depth targets, which always
// equals ImageCount for a successfully constructed Swapchain.
func (s *Swapchain) DepthTargetCount() int { return len(s.depthTargets) }

// MaxFramesInFlight returns the number of frame slots.
func (s *Swapchain) MaxFramesInFlight() int { return len(s.frames) }

// CurrentFrame returns the index of the frame slot the next
// AcquireNextImage will use.
func (s *Swapchain) CurrentFrame() int { return s.currentFrame }
