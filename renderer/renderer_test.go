package renderer

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/vkngwrapper/core/common"
	"github.com/vkngwrapper/core/core1_0"
	"github.com/vkngwrapper/extensions/khr_surface"
	"github.com/vkngwrapper/extensions/khr_swapchain"

	"github.com/bismuth-engine/bismuth/gpu"
	"github.com/bismuth-engine/bismuth/gpu/gputest"
	"github.com/bismuth-engine/bismuth/swapchain"
)

func newTestRenderer(t *testing.T, d *gputest.Device, w *gputest.Window) *Renderer {
	t.Helper()
	r, err := New(w, d, DefaultConfig())
	if err != nil {
		t.Fatalf("New: %+v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

// drawFrame runs one complete frame with an empty render pass. It reports
// whether the frame was recorded.
func drawFrame(t *testing.T, r *Renderer) bool {
	t.Helper()
	cb, err := r.BeginFrame()
	if err != nil {
		t.Fatalf("BeginFrame: %+v", err)
	}
	if cb == nil {
		return false
	}
	if err := r.BeginSwapchainRenderPass(cb); err != nil {
		t.Fatalf("BeginSwapchainRenderPass: %+v", err)
	}
	r.EndSwapchainRenderPass(cb)
	if err := r.EndFrame(); err != nil {
		t.Fatalf("EndFrame: %+v", err)
	}
	return true
}

func checkTimeline(t *testing.T, d *gputest.Device) {
	t.Helper()
	for _, v := range d.FenceReuseViolations() {
		t.Error(v)
	}
	if len(d.Violations) != 0 {
		t.Errorf("violations:\n%v", d.Violations)
	}
}

func expectAssertion(t *testing.T, name string, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.HasAssertionFailure(err) {
			t.Errorf("%s: recovered %v, want an assertion failure", name, r)
		}
	}()
	fn()
}

func TestSlotRotation(t *testing.T) {
	d := gputest.NewDevice()
	r := newTestRenderer(t, d, gputest.NewWindow(800, 600))

	if n := r.MaxFramesInFlight(); n != 3 {
		t.Fatalf("MaxFramesInFlight: have %d, want 3", n)
	}

	for i := 0; i < 3; i++ {
		cb, err := r.BeginFrame()
		if err != nil || cb == nil {
			t.Fatalf("frame %d: BeginFrame: %v %v", i, cb, err)
		}
		if !r.IsFrameInProgress() {
			t.Fatalf("frame %d: no frame in progress after BeginFrame", i)
		}
		if have := r.FrameIndex(); have != i {
			t.Fatalf("frame %d: FrameIndex: have %d, want %d", i, have, i)
		}
		if r.CurrentCommandBuffer() != cb {
			t.Fatalf("frame %d: CurrentCommandBuffer differs from the buffer BeginFrame returned", i)
		}
		if err := r.BeginSwapchainRenderPass(cb); err != nil {
			t.Fatalf("BeginSwapchainRenderPass: %+v", err)
		}
		r.EndSwapchainRenderPass(cb)
		if err := r.EndFrame(); err != nil {
			t.Fatalf("frame %d: EndFrame: %+v", i, err)
		}
		if r.IsFrameInProgress() {
			t.Fatalf("frame %d: frame still in progress after EndFrame", i)
		}
	}

	if have := r.swapchain.CurrentFrame(); have != 0 {
		t.Errorf("slot after 3 frames: have %d, want 0", have)
	}
	if n := d.Count(gputest.Present); n != 3 {
		t.Errorf("presents: have %d, want 3", n)
	}
	if n := d.Count(gputest.CreateSwapchain); n != 1 {
		t.Errorf("swapchains created: have %d, want 1", n)
	}
	checkTimeline(t, d)
}

func TestResizeDuringFrame(t *testing.T) {
	d := gputest.NewDevice()
	w := gputest.NewWindow(800, 600)
	r := newTestRenderer(t, d, w)
	old := extent(800, 600)
	resized := extent(400, 300)

	drawFrame(t, r)
	d.ClearEvents()

	cb, err := r.BeginFrame()
	if err != nil || cb == nil {
		t.Fatalf("BeginFrame: %v %v", cb, err)
	}
	w.Resize(400, 300)

	if err := r.BeginSwapchainRenderPass(cb); err != nil {
		t.Fatalf("BeginSwapchainRenderPass: %+v", err)
	}
	r.EndSwapchainRenderPass(cb)
	if n := d.Count(gputest.CreateSwapchain); n != 0 {
		t.Fatalf("swapchain recreated before EndFrame")
	}
	if err := r.EndFrame(); err != nil {
		t.Fatalf("EndFrame: %+v", err)
	}

	if v := d.Filter(gputest.SetViewport)[0].Extent; v != old {
		t.Errorf("frame 2 viewport: have %+v, want %+v", v, old)
	}
	present := d.Index(gputest.Present, 0)
	if e := d.Events[present].Extent; e != old {
		t.Errorf("frame 2 presented at %+v, want %+v", e, old)
	}
	create := d.Index(gputest.CreateSwapchain, 0)
	if create < 0 || create < present {
		t.Fatalf("CreateSwapchain at %d, frame 2 presented at %d", create, present)
	}
	if n := d.Count(gputest.CreateSwapchain); n != 1 {
		t.Errorf("swapchains created: have %d, want 1", n)
	}
	if e := r.Extent(); e != resized {
		t.Errorf("Extent: have %+v, want %+v", e, resized)
	}
	if w.WasResized() {
		t.Error("resize flag not reset")
	}

	d.ClearEvents()
	drawFrame(t, r)
	if v := d.Filter(gputest.SetViewport)[0].Extent; v != resized {
		t.Errorf("frame 3 viewport: have %+v, want %+v", v, resized)
	}
	if s := d.Filter(gputest.SetScissor)[0].Extent; s != resized {
		t.Errorf("frame 3 scissor: have %+v, want %+v", s, resized)
	}
	if e := d.Filter(gputest.Present)[0].Extent; e != resized {
		t.Errorf("frame 3 presented at %+v, want %+v", e, resized)
	}
	checkTimeline(t, d)
}

func TestResizesBatchedPerFrame(t *testing.T) {
	d := gputest.NewDevice()
	w := gputest.NewWindow(800, 600)
	r := newTestRenderer(t, d, w)
	d.ClearEvents()

	cb, _ := r.BeginFrame()
	w.Resize(700, 500)
	w.Resize(600, 400)
	w.Resize(500, 300)
	r.BeginSwapchainRenderPass(cb)
	r.EndSwapchainRenderPass(cb)
	if err := r.EndFrame(); err != nil {
		t.Fatalf("EndFrame: %+v", err)
	}

	if n := d.Count(gputest.CreateSwapchain); n != 1 {
		t.Fatalf("swapchains created: have %d, want 1", n)
	}
	if e := r.Extent(); e != extent(500, 300) {
		t.Errorf("Extent: have %+v, want 500x300", e)
	}
}

func TestStaleAcquireSkipsFrame(t *testing.T) {
	d := gputest.NewDevice()
	r := newTestRenderer(t, d, gputest.NewWindow(800, 600))
	generation := r.Generation()
	d.ClearEvents()

	d.AcquireResults = []common.VkResult{khr_swapchain.VKErrorOutOfDate}
	cb, err := r.BeginFrame()
	if err != nil {
		t.Fatalf("BeginFrame: %+v", err)
	}
	if cb != nil {
		t.Fatal("BeginFrame returned a command buffer for a stale surface")
	}
	if r.IsFrameInProgress() {
		t.Fatal("frame in progress after a skipped frame")
	}
	if n := d.Count(gputest.BeginCommandBuffer); n != 0 {
		t.Errorf("command buffers begun: have %d, want 0", n)
	}
	if n := d.Count(gputest.CreateSwapchain); n != 1 {
		t.Errorf("swapchains created: have %d, want 1", n)
	}
	if r.Generation() == generation {
		t.Error("Generation did not change")
	}

	if !drawFrame(t, r) {
		t.Fatal("frame after recreation was skipped")
	}
	checkTimeline(t, d)
}

// A resize usually arrives as both a resize notification and an out of
// date acquire. The rebuild after the acquire must consume the notification.
func TestResizeWithStaleAcquire(t *testing.T) {
	d := gputest.NewDevice()
	w := gputest.NewWindow(800, 600)
	r := newTestRenderer(t, d, w)
	d.ClearEvents()

	w.Resize(400, 300)
	d.AcquireResults = []common.VkResult{khr_swapchain.VKErrorOutOfDate}
	if drawFrame(t, r) {
		t.Fatal("frame with a stale acquire was recorded")
	}
	if w.WasResized() {
		t.Error("resize flag still set after recreation")
	}
	for i := 0; i < 3; i++ {
		if !drawFrame(t, r) {
			t.Fatalf("frame %d skipped", i)
		}
	}

	if n := d.Count(gputest.CreateSwapchain); n != 1 {
		t.Errorf("swapchains created for one resize: have %d, want 1", n)
	}
	if n := d.Count(gputest.WaitIdle); n != 1 {
		t.Errorf("WaitIdle calls: have %d, want 1", n)
	}
	if e := r.Extent(); e != extent(400, 300) {
		t.Errorf("Extent: have %+v, want 400x300", e)
	}
	checkTimeline(t, d)
}

func TestRecreateAfterPresent(t *testing.T) {
	for _, c := range [...]struct {
		name  string
		setup func(d *gputest.Device)
	}{
		{"suboptimal acquire", func(d *gputest.Device) {
			d.AcquireResults = []common.VkResult{khr_swapchain.VKSuboptimal}
		}},
		{"suboptimal present", func(d *gputest.Device) {
			d.PresentResults = []common.VkResult{khr_swapchain.VKSuboptimal}
		}},
		{"stale present", func(d *gputest.Device) {
			d.PresentResults = []common.VkResult{khr_swapchain.VKErrorOutOfDate}
		}},
	} {
		t.Run(c.name, func(t *testing.T) {
			d := gputest.NewDevice()
			r := newTestRenderer(t, d, gputest.NewWindow(800, 600))
			d.ClearEvents()

			c.setup(d)
			if !drawFrame(t, r) {
				t.Fatal("frame was skipped")
			}

			present := d.Index(gputest.Present, 0)
			create := d.Index(gputest.CreateSwapchain, 0)
			if present < 0 || create < present {
				t.Fatalf("CreateSwapchain at %d, Present at %d", create, present)
			}
			if n := d.Count(gputest.CreateSwapchain); n != 1 {
				t.Fatalf("swapchains created: have %d, want 1", n)
			}

			// The condition is consumed by the recreation.
			d.ClearEvents()
			drawFrame(t, r)
			if n := d.Count(gputest.CreateSwapchain); n != 0 {
				t.Fatalf("swapchain recreated again")
			}
			checkTimeline(t, d)
		})
	}
}

func TestDegenerateExtentAtStartup(t *testing.T) {
	d := gputest.NewDevice()
	w := &gputest.Window{Extents: []core1_0.Extent2D{
		{Width: 0, Height: 600},
		{Width: 800, Height: 0},
		{Width: 0, Height: 0},
		{Width: 640, Height: 480},
	}}
	r := newTestRenderer(t, d, w)

	if n := d.Count(gputest.CreateSwapchain); n != 1 {
		t.Fatalf("swapchains created: have %d, want 1", n)
	}
	if e := d.SwapchainInfos[0].Extent; e != extent(640, 480) {
		t.Errorf("swapchain extent: have %+v, want 640x480", e)
	}
	if w.WaitCalls != 3 {
		t.Errorf("WaitEvents calls: have %d, want 3", w.WaitCalls)
	}
	if e := r.Extent(); e != extent(640, 480) {
		t.Errorf("Extent: have %+v, want 640x480", e)
	}
}

func TestMinimizeDuringFrame(t *testing.T) {
	d := gputest.NewDevice()
	w := gputest.NewWindow(800, 600)
	r := newTestRenderer(t, d, w)
	d.ClearEvents()

	cb, _ := r.BeginFrame()
	w.Resize(0, 0)
	w.Extents = []core1_0.Extent2D{{}, {}, {Width: 1024, Height: 768}}
	r.BeginSwapchainRenderPass(cb)
	r.EndSwapchainRenderPass(cb)
	if err := r.EndFrame(); err != nil {
		t.Fatalf("EndFrame: %+v", err)
	}

	if n := d.Count(gputest.CreateSwapchain); n != 1 {
		t.Fatalf("swapchains created: have %d, want 1", n)
	}
	if e := d.SwapchainInfos[1].Extent; e != extent(1024, 768) {
		t.Errorf("swapchain extent: have %+v, want 1024x768", e)
	}
	if w.WaitCalls != 2 {
		t.Errorf("WaitEvents calls: have %d, want 2", w.WaitCalls)
	}
	checkTimeline(t, d)
}

func TestRecreationKeepsCommandBuffers(t *testing.T) {
	d := gputest.NewDevice()
	w := gputest.NewWindow(800, 600)
	r := newTestRenderer(t, d, w)

	buffers := append([]gpu.CommandBuffer(nil), r.commandBuffers...)
	renderPass := r.RenderPass()

	drawFrame(t, r)
	w.Resize(1280, 720)
	drawFrame(t, r)

	if r.RenderPass() == renderPass {
		t.Error("render pass not rebuilt")
	}
	if len(r.commandBuffers) != len(buffers) {
		t.Fatalf("command buffers: have %d, want %d", len(r.commandBuffers), len(buffers))
	}
	for i := range buffers {
		if r.commandBuffers[i] != buffers[i] {
			t.Errorf("command buffer %d was reallocated", i)
		}
	}
	if r.swapchain.DepthTargetCount() != r.swapchain.ImageCount() {
		t.Errorf("depth targets: have %d, want %d", r.swapchain.DepthTargetCount(), r.swapchain.ImageCount())
	}
	if r.AspectRatio() != float32(1280)/720 {
		t.Errorf("AspectRatio: have %f, want %f", r.AspectRatio(), float32(1280)/720)
	}
}

func TestFenceWaitedBeforeReuse(t *testing.T) {
	d := gputest.NewDevice()
	w := gputest.NewWindow(800, 600)
	r := newTestRenderer(t, d, w)

	for i := 0; i < 30; i++ {
		switch i {
		case 7:
			w.Resize(1024, 768)
		case 15:
			d.PresentResults = []common.VkResult{khr_swapchain.VKErrorOutOfDate}
		case 22:
			d.AcquireResults = []common.VkResult{khr_swapchain.VKErrorOutOfDate}
		}
		drawFrame(t, r)
	}

	if n := d.Count(gputest.CreateSwapchain); n != 4 {
		t.Errorf("swapchains created: have %d, want 4", n)
	}
	checkTimeline(t, d)
}

func TestRenderPassBracket(t *testing.T) {
	d := gputest.NewDevice()
	r := newTestRenderer(t, d, gputest.NewWindow(800, 600))
	r.SetClearColor(mgl32.Vec4{0.2, 0.4, 0.6, 1})
	d.ClearEvents()

	cb, _ := r.BeginFrame()
	if err := r.BeginSwapchainRenderPass(cb); err != nil {
		t.Fatalf("BeginSwapchainRenderPass: %+v", err)
	}
	r.EndSwapchainRenderPass(cb)
	// A second pass in the same frame sets the dynamic state again.
	if err := r.BeginSwapchainRenderPass(cb); err != nil {
		t.Fatalf("BeginSwapchainRenderPass: %+v", err)
	}
	r.EndSwapchainRenderPass(cb)
	if err := r.EndFrame(); err != nil {
		t.Fatalf("EndFrame: %+v", err)
	}

	if n := d.Count(gputest.SetViewport); n != 2 {
		t.Errorf("SetViewport calls: have %d, want 2", n)
	}
	if n := d.Count(gputest.SetScissor); n != 2 {
		t.Errorf("SetScissor calls: have %d, want 2", n)
	}
	for _, e := range d.Filter(gputest.BeginRenderPass) {
		if e.Extent != extent(800, 600) {
			t.Errorf("render area: have %+v, want 800x600", e.Extent)
		}
	}
	if d.Index(gputest.BeginRenderPass, 0) > d.Index(gputest.SetViewport, 0) {
		t.Error("viewport set before the render pass began")
	}
	checkTimeline(t, d)
}

func TestStateMachineAssertions(t *testing.T) {
	d := gputest.NewDevice()
	r := newTestRenderer(t, d, gputest.NewWindow(800, 600))

	expectAssertion(t, "EndFrame while idle", func() { r.EndFrame() })
	expectAssertion(t, "FrameIndex while idle", func() { r.FrameIndex() })
	expectAssertion(t, "CurrentCommandBuffer while idle", func() { r.CurrentCommandBuffer() })
	expectAssertion(t, "BeginSwapchainRenderPass while idle", func() { r.BeginSwapchainRenderPass(r.commandBuffers[0]) })
	expectAssertion(t, "EndSwapchainRenderPass while idle", func() { r.EndSwapchainRenderPass(r.commandBuffers[0]) })

	cb, err := r.BeginFrame()
	if err != nil || cb == nil {
		t.Fatalf("BeginFrame: %v %v", cb, err)
	}
	foreign := r.commandBuffers[(r.FrameIndex()+1)%len(r.commandBuffers)]

	expectAssertion(t, "BeginFrame twice", func() { r.BeginFrame() })
	expectAssertion(t, "EndSwapchainRenderPass before begin", func() { r.EndSwapchainRenderPass(cb) })
	expectAssertion(t, "BeginSwapchainRenderPass on a foreign buffer", func() { r.BeginSwapchainRenderPass(foreign) })

	if err := r.BeginSwapchainRenderPass(cb); err != nil {
		t.Fatalf("BeginSwapchainRenderPass: %+v", err)
	}
	expectAssertion(t, "BeginSwapchainRenderPass twice", func() { r.BeginSwapchainRenderPass(cb) })
	expectAssertion(t, "EndFrame inside the render pass", func() { r.EndFrame() })
	expectAssertion(t, "EndSwapchainRenderPass on a foreign buffer", func() { r.EndSwapchainRenderPass(foreign) })

	r.EndSwapchainRenderPass(cb)
	if err := r.EndFrame(); err != nil {
		t.Fatalf("EndFrame: %+v", err)
	}
	if !drawFrame(t, r) {
		t.Fatal("frame after assertions was skipped")
	}
	checkTimeline(t, d)
}

func TestFatalErrors(t *testing.T) {
	t.Run("acquire timeout", func(t *testing.T) {
		d := gputest.NewDevice()
		r := newTestRenderer(t, d, gputest.NewWindow(800, 600))

		d.AcquireResults = []common.VkResult{core1_0.VKTimeout}
		cb, err := r.BeginFrame()
		if !errors.Is(err, swapchain.ErrTimeout) {
			t.Fatalf("BeginFrame: have %v, want %v", err, swapchain.ErrTimeout)
		}
		if cb != nil || r.IsFrameInProgress() {
			t.Fatal("frame started despite a fatal acquire")
		}
	})

	t.Run("submit", func(t *testing.T) {
		d := gputest.NewDevice()
		r := newTestRenderer(t, d, gputest.NewWindow(800, 600))

		cb, _ := r.BeginFrame()
		r.BeginSwapchainRenderPass(cb)
		r.EndSwapchainRenderPass(cb)
		d.SubmitErr = errors.New("device lost")
		if err := r.EndFrame(); err == nil {
			t.Fatal("EndFrame: unexpected success")
		}
		if r.IsFrameInProgress() {
			t.Fatal("frame still in progress after a fatal submit")
		}
	})

	t.Run("format change", func(t *testing.T) {
		d := gputest.NewDevice()
		w := gputest.NewWindow(800, 600)
		r := newTestRenderer(t, d, w)

		d.Support.Formats = []khr_surface.SurfaceFormat{
			{Format: core1_0.FormatR8G8B8A8SRGB, ColorSpace: khr_surface.ColorSpaceSRGBNonlinear},
		}
		w.Resize(1024, 768)

		cb, _ := r.BeginFrame()
		r.BeginSwapchainRenderPass(cb)
		r.EndSwapchainRenderPass(cb)
		if err := r.EndFrame(); !errors.Is(err, swapchain.ErrFormatChanged) {
			t.Fatalf("EndFrame: have %v, want %v", err, swapchain.ErrFormatChanged)
		}

		if err := r.Close(); err != nil {
			t.Fatalf("Close: %+v", err)
		}
		if n := d.LiveObjects(); n != 0 {
			t.Errorf("LiveObjects: have %d, want 0\n%v", n, d.Live())
		}
	})
}

func TestClose(t *testing.T) {
	d := gputest.NewDevice()
	w := gputest.NewWindow(800, 600)
	r, err := New(w, d, DefaultConfig())
	if err != nil {
		t.Fatalf("New: %+v", err)
	}

	for i := 0; i < 5; i++ {
		if i == 2 {
			w.Resize(1024, 768)
		}
		drawFrame(t, r)
	}
	d.ClearEvents()

	if err := r.Close(); err != nil {
		t.Fatalf("Close: %+v", err)
	}
	if idle, destroy := d.Index(gputest.WaitIdle, 0), d.Index(gputest.Destroy, 0); idle < 0 || idle > destroy {
		t.Errorf("WaitIdle at %d, first Destroy at %d", idle, destroy)
	}
	if n := d.LiveObjects(); n != 0 {
		t.Errorf("LiveObjects: have %d, want 0\n%v", n, d.Live())
	}
	if len(d.Violations) != 0 {
		t.Errorf("violations:\n%v", d.Violations)
	}

	// A second Close only waits.
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %+v", err)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.ClearColor != (mgl32.Vec4{0.01, 0.01, 0.01, 1}) {
		t.Errorf("ClearColor: have %v", cfg.ClearColor)
	}
	if cfg.ClearDepth != 1 {
		t.Errorf("ClearDepth: have %f, want 1", cfg.ClearDepth)
	}
	if cfg.PresentMode != khr_surface.PresentModeMailbox {
		t.Errorf("PresentMode: have %v, want %v", cfg.PresentMode, khr_surface.PresentModeMailbox)
	}
}

func extent(width, height int) core1_0.Extent2D {
	return core1_0.Extent2D{Width: width, Height: height}
}
