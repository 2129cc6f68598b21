// Package gputest provides an in-memory gpu.Device whose GPU timeline
// completes work instantly and records every queue and synchronization
// operation in an ordered event log.
//
// The fake enforces the ordering rules of the real API where it can: a
// submission waiting on an unsignaled semaphore or a presentation waiting
// on a semaphore nothing will signal is recorded as a violation, and a
// fence wait that could never complete reports core1_0.VKTimeout.
package gputest

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/common"
	"github.com/vkngwrapper/core/core1_0"
	"github.com/vkngwrapper/extensions/khr_surface"
	"github.com/vkngwrapper/extensions/khr_swapchain"

	"github.com/bismuth-engine/bismuth/gpu"
)

// EventKind identifies a recorded operation.
type EventKind int

const (
	CreateSwapchain EventKind = iota
	CreateImage
	CreateRenderPass
	CreateFramebuffer
	Destroy
	WaitIdle
	WaitFence
	ResetFence
	Acquire
	BeginCommandBuffer
	EndCommandBuffer
	BeginRenderPass
	SetViewport
	SetScissor
	EndRenderPass
	Submit
	Present
	FreeCommandBuffers
)

var eventNames = [...]string{
	CreateSwapchain:    "CreateSwapchain",
	CreateImage:        "CreateImage",
	CreateRenderPass:   "CreateRenderPass",
	CreateFramebuffer:  "CreateFramebuffer",
	Destroy:            "Destroy",
	WaitIdle:           "WaitIdle",
	WaitFence:          "WaitFence",
	ResetFence:         "ResetFence",
	Acquire:            "Acquire",
	BeginCommandBuffer: "BeginCommandBuffer",
	EndCommandBuffer:   "EndCommandBuffer",
	BeginRenderPass:    "BeginRenderPass",
	SetViewport:        "SetViewport",
	SetScissor:         "SetScissor",
	EndRenderPass:      "EndRenderPass",
	Submit:             "Submit",
	Present:            "Present",
	FreeCommandBuffers: "FreeCommandBuffers",
}

func (k EventKind) String() string {
	if int(k) < len(eventNames) {
		return eventNames[k]
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is one entry of the device's event log.
type Event struct {
	Kind EventKind

	// Object is the ID of the object the operation acted on: the fence for
	// WaitFence/ResetFence, the command buffer for Submit and the command
	// buffer events, the swapchain for CreateSwapchain/Acquire/Present.
	Object int

	// Fence is the fence signaled by a Submit, or 0.
	Fence int

	// Image is the swapchain image index for Acquire and Present.
	Image int

	// Extent is the swapchain extent for CreateSwapchain and Present, the
	// image extent for CreateImage, the render area for BeginRenderPass and
	// the viewport/scissor size for SetViewport/SetScissor.
	Extent core1_0.Extent2D

	// Kind of the destroyed object for Destroy events.
	What string
}

func (e Event) String() string {
	return fmt.Sprintf("%s(obj=%d fence=%d image=%d extent=%dx%d %s)",
		e.Kind, e.Object, e.Fence, e.Image, e.Extent.Width, e.Extent.Height, e.What)
}

// Device is a fake gpu.Device. The exported fields script its behavior and
// may be changed between calls.
type Device struct {
	Support  gpu.SurfaceSupport
	Families gpu.QueueFamilyIndices

	// DepthFormats are the formats FindSupportedFormat accepts.
	DepthFormats []core1_0.Format

	// ImageCount, if positive, overrides the number of images a new
	// swapchain gets. Otherwise MinImageCount from the create info is used.
	ImageCount int

	// AcquireResults and PresentResults are consumed front to back; once
	// empty every call succeeds.
	AcquireResults []common.VkResult
	PresentResults []common.VkResult

	// AcquireImages, if not empty, scripts the image indices handed out by
	// AcquireNextImage. Otherwise images are handed out round-robin.
	AcquireImages []int

	// Failures make the named operation fail once with the given error.
	SwapchainErr error
	SubmitErr    error

	Events          []Event
	SwapchainInfos  []gpu.SwapchainCreateInfo
	RenderPassInfos []core1_0.RenderPassCreateInfo

	// Violations lists ordering rules broken by the caller.
	Violations []string

	nextID int
	live   map[int]string
}

var _ gpu.Device = (*Device)(nil)

// NewDevice returns a device for an 800x600 surface whose capabilities
// yield three presentable images, with a shared graphics/present family.
func NewDevice() *Device {
	family := 0
	return &Device{
		Support: gpu.SurfaceSupport{
			Capabilities: &khr_surface.SurfaceCapabilities{
				MinImageCount:  2,
				MaxImageCount:  3,
				CurrentExtent:  core1_0.Extent2D{Width: -1, Height: -1},
				MinImageExtent: core1_0.Extent2D{Width: 1, Height: 1},
				MaxImageExtent: core1_0.Extent2D{Width: 4096, Height: 4096},
			},
			Formats: []khr_surface.SurfaceFormat{
				{Format: core1_0.FormatB8G8R8A8UnsignedNormalized, ColorSpace: khr_surface.ColorSpaceSRGBNonlinear},
				{Format: core1_0.FormatB8G8R8A8SRGB, ColorSpace: khr_surface.ColorSpaceSRGBNonlinear},
			},
			PresentModes: []khr_surface.PresentMode{khr_surface.PresentModeFIFO, khr_surface.PresentModeMailbox},
		},
		Families:     gpu.QueueFamilyIndices{GraphicsFamily: &family, PresentFamily: &family},
		DepthFormats: []core1_0.Format{core1_0.FormatD32SignedFloat},
		live:         make(map[int]string),
	}
}

// LiveObjects returns the number of created objects not yet destroyed.
// Swapchain images are owned by their swapchain and are not counted.
func (d *Device) LiveObjects() int {
	return len(d.live)
}

// Live returns a description of every live object, for failure messages.
func (d *Device) Live() []string {
	var s []string
	for id, what := range d.live {
		s = append(s, fmt.Sprintf("%s#%d", what, id))
	}
	return s
}

// Count returns the number of recorded events of the given kind.
func (d *Device) Count(kind EventKind) int {
	n := 0
	for _, e := range d.Events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// Filter returns the recorded events of the given kind, in order.
func (d *Device) Filter(kind EventKind) []Event {
	var events []Event
	for _, e := range d.Events {
		if e.Kind == kind {
			events = append(events, e)
		}
	}
	return events
}

// Index returns the position of the n-th (0-based) event of the given
// kind in the log, or -1.
func (d *Device) Index(kind EventKind, n int) int {
	for i, e := range d.Events {
		if e.Kind == kind {
			if n == 0 {
				return i
			}
			n--
		}
	}
	return -1
}

// ClearEvents drops the recorded events and violations.
func (d *Device) ClearEvents() {
	d.Events = nil
	d.Violations = nil
}

func (d *Device) record(e Event) {
	d.Events = append(d.Events, e)
}

func (d *Device) violate(format string, args ...any) {
	d.Violations = append(d.Violations, fmt.Sprintf(format, args...))
}

func (d *Device) newObject(what string, tracked bool) object {
	d.nextID++
	if tracked {
		d.live[d.nextID] = what
	}
	return object{d: d, id: d.nextID, what: what, tracked: tracked}
}

func (d *Device) SurfaceSupport() (gpu.SurfaceSupport, error) {
	return d.Support, nil
}

func (d *Device) QueueFamilies() gpu.QueueFamilyIndices {
	return d.Families
}

func (d *Device) WaitIdle() error {
	d.record(Event{Kind: WaitIdle})
	return nil
}

func (d *Device) CreateSwapchain(info gpu.SwapchainCreateInfo) (gpu.Swapchain, error) {
	if err := d.SwapchainErr; err != nil {
		d.SwapchainErr = nil
		return nil, err
	}

	count := info.MinImageCount
	if d.ImageCount > 0 {
		count = d.ImageCount
	}

	sc := &Swapchain{object: d.newObject("swapchain", true), Info: info}
	for i := 0; i < count; i++ {
		sc.images = append(sc.images, &Image{object: d.newObject("swapchain image", false)})
	}

	d.SwapchainInfos = append(d.SwapchainInfos, info)
	d.record(Event{Kind: CreateSwapchain, Object: sc.id, Extent: info.Extent})
	return sc, nil
}

func (d *Device) CreateImage(extent core1_0.Extent2D, format core1_0.Format, usage core1_0.ImageUsageFlags, properties core1_0.MemoryPropertyFlags) (gpu.Image, gpu.DeviceMemory, error) {
	img := &Image{object: d.newObject("image", true), Format: format, Extent: extent}
	mem := &Memory{object: d.newObject("memory", true)}
	d.record(Event{Kind: CreateImage, Object: img.id, Extent: extent})
	return img, mem, nil
}

func (d *Device) CreateImageView(image gpu.Image, format core1_0.Format, aspect core1_0.ImageAspectFlags) (gpu.ImageView, error) {
	img, ok := image.(*Image)
	if !ok {
		return nil, errors.Newf("gputest: foreign image %T", image)
	}
	if img.destroyed {
		d.violate("view created for destroyed image #%d", img.id)
	}
	return &ImageView{object: d.newObject("image view", true), Image: img, Format: format, Aspect: aspect}, nil
}

func (d *Device) FindSupportedFormat(candidates []core1_0.Format, tiling core1_0.ImageTiling, features core1_0.FormatFeatureFlags) (core1_0.Format, error) {
	for _, c := range candidates {
		for _, f := range d.DepthFormats {
			if c == f {
				return c, nil
			}
		}
	}
	return 0, errors.Newf("gputest: no supported format among %v", candidates)
}

func (d *Device) CreateRenderPass(info core1_0.RenderPassCreateInfo) (gpu.RenderPass, error) {
	rp := &RenderPass{object: d.newObject("render pass", true), Info: info}
	d.RenderPassInfos = append(d.RenderPassInfos, info)
	d.record(Event{Kind: CreateRenderPass, Object: rp.id})
	return rp, nil
}

func (d *Device) CreateFramebuffer(renderPass gpu.RenderPass, attachments []gpu.ImageView, extent core1_0.Extent2D) (gpu.Framebuffer, error) {
	fb := &Framebuffer{object: d.newObject("framebuffer", true), Extent: extent}
	for _, a := range attachments {
		v, ok := a.(*ImageView)
		if !ok {
			return nil, errors.Newf("gputest: foreign image view %T", a)
		}
		fb.Attachments = append(fb.Attachments, v)
	}
	d.record(Event{Kind: CreateFramebuffer, Object: fb.id, Extent: extent})
	return fb, nil
}

func (d *Device) CreateSemaphore() (gpu.Semaphore, error) {
	return &Semaphore{object: d.newObject("semaphore", true)}, nil
}

func (d *Device) CreateFence(signaled bool) (gpu.Fence, error) {
	return &Fence{object: d.newObject("fence", true), signaled: signaled}, nil
}

func (d *Device) AllocateCommandBuffers(count int) ([]gpu.CommandBuffer, error) {
	buffers := make([]gpu.CommandBuffer, count)
	for i := range buffers {
		buffers[i] = &CommandBuffer{object: d.newObject("command buffer", true)}
	}
	return buffers, nil
}

func (d *Device) FreeCommandBuffers(buffers []gpu.CommandBuffer) {
	for _, b := range buffers {
		cb := b.(*CommandBuffer)
		cb.release()
	}
	d.record(Event{Kind: FreeCommandBuffers})
}

func (d *Device) Submit(info gpu.SubmitInfo) error {
	if err := d.SubmitErr; err != nil {
		d.SubmitErr = nil
		return err
	}

	if len(info.WaitSemaphores) != len(info.WaitDstStageMask) {
		d.violate("submit with %d wait semaphores and %d stage masks", len(info.WaitSemaphores), len(info.WaitDstStageMask))
	}
	for _, s := range info.WaitSemaphores {
		sem := s.(*Semaphore)
		if !sem.signaled {
			d.violate("submit waits on semaphore #%d that nothing signaled", sem.id)
		}
		sem.signaled = false
	}

	e := Event{Kind: Submit}
	for _, b := range info.CommandBuffers {
		cb := b.(*CommandBuffer)
		if cb.recording {
			d.violate("command buffer #%d submitted while recording", cb.id)
		}
		e.Object = cb.id
	}

	// The GPU finishes instantly.
	for _, s := range info.SignalSemaphores {
		s.(*Semaphore).signaled = true
	}
	if info.Fence != nil {
		f := info.Fence.(*Fence)
		if f.signaled {
			d.violate("submit signals fence #%d that is already signaled", f.id)
		}
		f.signaled = true
		e.Fence = f.id
	}

	d.record(e)
	return nil
}

func (d *Device) Present(info gpu.PresentInfo) (common.VkResult, error) {
	for _, s := range info.WaitSemaphores {
		sem := s.(*Semaphore)
		if !sem.signaled {
			d.violate("present waits on semaphore #%d that nothing signaled", sem.id)
		}
		sem.signaled = false
	}

	sc := info.Swapchain.(*Swapchain)
	if sc.destroyed {
		d.violate("present on destroyed swapchain #%d", sc.id)
	}
	d.record(Event{Kind: Present, Object: sc.id, Image: info.ImageIndex, Extent: sc.Info.Extent})

	var res common.VkResult = core1_0.VKSuccess
	if len(d.PresentResults) > 0 {
		res = d.PresentResults[0]
		d.PresentResults = d.PresentResults[1:]
	}
	if res == khr_swapchain.VKErrorOutOfDate {
		return res, errors.New("gputest: surface out of date")
	}
	return res, nil
}

type object struct {
	d         *Device
	id        int
	what      string
	tracked   bool
	destroyed bool
}

// ID returns the object's unique identifier.
func (o *object) ID() int { return o.id }

// Destroyed reports whether the object was released.
func (o *object) Destroyed() bool { return o.destroyed }

func (o *object) release() {
	if !o.tracked {
		o.d.violate("%s #%d is not owned by the caller", o.what, o.id)
		return
	}
	if o.destroyed {
		o.d.violate("%s #%d released twice", o.what, o.id)
		return
	}
	o.destroyed = true
	delete(o.d.live, o.id)
	o.d.record(Event{Kind: Destroy, Object: o.id, What: o.what})
}

func (o *object) Destroy() { o.release() }

type Image struct {
	object
	Format core1_0.Format
	Extent core1_0.Extent2D
}

type ImageView struct {
	object
	Image  *Image
	Format core1_0.Format
	Aspect core1_0.ImageAspectFlags
}

type Memory struct {
	object
}

func (m *Memory) Free() { m.release() }

type RenderPass struct {
	object
	Info core1_0.RenderPassCreateInfo
}

type Framebuffer struct {
	object
	Extent      core1_0.Extent2D
	Attachments []*ImageView
}

type Semaphore struct {
	object
	signaled bool
}

type Fence struct {
	object
	signaled bool
}

// Signaled reports whether the fence is currently signaled.
func (f *Fence) Signaled() bool { return f.signaled }

func (f *Fence) Wait(timeout time.Duration) (common.VkResult, error) {
	f.d.record(Event{Kind: WaitFence, Object: f.id})
	if f.destroyed {
		f.d.violate("wait on destroyed fence #%d", f.id)
	}
	if !f.signaled {
		// Nothing pending will ever signal it.
		return core1_0.VKTimeout, nil
	}
	return core1_0.VKSuccess, nil
}

func (f *Fence) Reset() error {
	f.d.record(Event{Kind: ResetFence, Object: f.id})
	f.signaled = false
	return nil
}

type CommandBuffer struct {
	object
	recording    bool
	inRenderPass bool
}

func (c *CommandBuffer) Destroy() {
	c.d.violate("command buffer #%d must be freed through the device", c.id)
}

func (c *CommandBuffer) Begin() error {
	if c.destroyed {
		c.d.violate("begin on freed command buffer #%d", c.id)
	}
	c.recording = true
	c.d.record(Event{Kind: BeginCommandBuffer, Object: c.id})
	return nil
}

func (c *CommandBuffer) End() error {
	if !c.recording {
		c.d.violate("end on command buffer #%d that is not recording", c.id)
	}
	if c.inRenderPass {
		c.d.violate("end on command buffer #%d inside a render pass", c.id)
	}
	c.recording = false
	c.d.record(Event{Kind: EndCommandBuffer, Object: c.id})
	return nil
}

func (c *CommandBuffer) BeginRenderPass(info gpu.RenderPassBeginInfo) error {
	if !c.recording {
		c.d.violate("render pass begun on command buffer #%d that is not recording", c.id)
	}
	if fb, ok := info.Framebuffer.(*Framebuffer); !ok || fb.destroyed {
		c.d.violate("render pass begun with an invalid framebuffer")
	}
	c.inRenderPass = true
	c.d.record(Event{Kind: BeginRenderPass, Object: c.id, Extent: info.RenderArea.Extent})
	return nil
}

func (c *CommandBuffer) SetViewport(viewport core1_0.Viewport) {
	c.d.record(Event{Kind: SetViewport, Object: c.id, Extent: core1_0.Extent2D{
		Width:  int(viewport.Width),
		Height: int(viewport.Height),
	}})
}

func (c *CommandBuffer) SetScissor(scissor core1_0.Rect2D) {
	c.d.record(Event{Kind: SetScissor, Object: c.id, Extent: scissor.Extent})
}

func (c *CommandBuffer) EndRenderPass() {
	if !c.inRenderPass {
		c.d.violate("render pass ended on command buffer #%d outside a render pass", c.id)
	}
	c.inRenderPass = false
	c.d.record(Event{Kind: EndRenderPass, Object: c.id})
}

type Swapchain struct {
	object
	Info   gpu.SwapchainCreateInfo
	images []*Image
	next   int
}

func (s *Swapchain) Images() ([]gpu.Image, error) {
	images := make([]gpu.Image, len(s.images))
	for i, img := range s.images {
		images[i] = img
	}
	return images, nil
}

func (s *Swapchain) AcquireNextImage(timeout time.Duration, semaphore gpu.Semaphore) (int, common.VkResult, error) {
	d := s.d
	if s.destroyed {
		d.violate("acquire on destroyed swapchain #%d", s.id)
	}

	var res common.VkResult = core1_0.VKSuccess
	if len(d.AcquireResults) > 0 {
		res = d.AcquireResults[0]
		d.AcquireResults = d.AcquireResults[1:]
	}
	switch res {
	case khr_swapchain.VKErrorOutOfDate:
		d.record(Event{Kind: Acquire, Object: s.id, Image: -1})
		return 0, res, errors.New("gputest: surface out of date")
	case core1_0.VKTimeout, core1_0.VKNotReady:
		d.record(Event{Kind: Acquire, Object: s.id, Image: -1})
		return 0, res, nil
	}

	idx := s.next % len(s.images)
	if len(d.AcquireImages) > 0 {
		idx = d.AcquireImages[0]
		d.AcquireImages = d.AcquireImages[1:]
	} else {
		s.next++
	}

	sem := semaphore.(*Semaphore)
	if sem.signaled {
		d.violate("acquire signals semaphore #%d that is already signaled", sem.id)
	}
	sem.signaled = true

	d.record(Event{Kind: Acquire, Object: s.id, Image: idx})
	return idx, res, nil
}

// Window is a fake windowing collaborator.
type Window struct {
	// Extents is consumed front to back by Extent; the last entry sticks.
	Extents []core1_0.Extent2D

	resized bool

	ExtentCalls int
	WaitCalls   int
}

// NewWindow returns a window with a fixed drawable extent.
func NewWindow(width, height int) *Window {
	return &Window{Extents: []core1_0.Extent2D{{Width: width, Height: height}}}
}

func (w *Window) Extent() core1_0.Extent2D {
	w.ExtentCalls++
	e := w.Extents[0]
	if len(w.Extents) > 1 {
		w.Extents = w.Extents[1:]
	}
	return e
}

// Resize changes the drawable extent and raises the resize flag, as a
// window-size-changed notification would.
func (w *Window) Resize(width, height int) {
	w.Extents = []core1_0.Extent2D{{Width: width, Height: height}}
	w.resized = true
}

func (w *Window) WasResized() bool { return w.resized }

func (w *Window) ResetResizedFlag() { w.resized = false }

func (w *Window) WaitEvents() { w.WaitCalls++ }

// FenceReuseViolations scans the event log and reports every command
// buffer that began recording again before the fence signaled by its
// previous submission was waited on, either directly or by a WaitIdle.
func (d *Device) FenceReuseViolations() []string {
	var violations []string
	pending := make(map[int]int) // command buffer -> fence of its last submission
	for i, e := range d.Events {
		switch e.Kind {
		case WaitIdle:
			clear(pending)
		case WaitFence:
			for cb, fence := range pending {
				if fence == e.Object {
					delete(pending, cb)
				}
			}
		case BeginCommandBuffer:
			if fence, ok := pending[e.Object]; ok {
				violations = append(violations, fmt.Sprintf("event %d: command buffer #%d reused before fence #%d was waited on", i, e.Object, fence))
			}
		case Submit:
			if e.Fence != 0 {
				pending[e.Object] = e.Fence
			}
		}
	}
	return violations
}
