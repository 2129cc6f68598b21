// Package window provides an SDL2 window that renderer.Renderer and
// vulkan.Device can present to.
package window

import (
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/veandco/go-sdl2/sdl"
	"github.com/vkngwrapper/core/core1_0"
	"github.com/vkngwrapper/extensions/khr_surface"
	vkng_sdl2 "github.com/vkngwrapper/integrations/sdl2"

	"github.com/bismuth-engine/bismuth"
)

// Window is a resizable SDL2 window with Vulkan support. Its methods must
// be called from the thread that created it.
type Window struct {
	window *sdl.Window
	watch  sdl.EventWatchHandle

	// Set from the event watch, which SDL may run outside PollEvents,
	// e.g. while the platform blocks the event loop in a modal resize.
	resized     atomic.Bool
	shouldClose bool
}

// New initializes SDL's video subsystem and opens a window.
func New(title string, width, height int) (*Window, error) {
	if err := sdl.Init(sdl.INIT_VIDEO); err != nil {
		return nil, errors.Wrap(err, "failed to initialize SDL")
	}

	window, err := sdl.CreateWindow(title, sdl.WINDOWPOS_UNDEFINED, sdl.WINDOWPOS_UNDEFINED, int32(width), int32(height), sdl.WINDOW_SHOWN|sdl.WINDOW_VULKAN|sdl.WINDOW_RESIZABLE)
	if err != nil {
		sdl.Quit()
		return nil, errors.Wrap(err, "failed to create window")
	}

	w := &Window{window: window}
	w.watch = sdl.AddEventWatchFunc(w.watchResize, nil)
	return w, nil
}

// Destroy closes the window and shuts SDL down.
func (w *Window) Destroy() {
	if w.window != nil {
		sdl.DelEventWatch(w.watch)
		w.window.Destroy()
		w.window = nil
	}
	sdl.Quit()
}

// Extent returns the drawable size in pixels, or a zero extent while the
// window is minimized.
func (w *Window) Extent() core1_0.Extent2D {
	if (w.window.GetFlags() & sdl.WINDOW_MINIMIZED) != 0 {
		return core1_0.Extent2D{}
	}

	width, height := w.window.VulkanGetDrawableSize()
	return core1_0.Extent2D{Width: int(width), Height: int(height)}
}

func (w *Window) WasResized() bool { return w.resized.Load() }

func (w *Window) ResetResizedFlag() { w.resized.Store(false) }

func (w *Window) ShouldClose() bool { return w.shouldClose }

// PollEvents handles every pending event without blocking.
func (w *Window) PollEvents() {
	for event := sdl.PollEvent(); event != nil; event = sdl.PollEvent() {
		w.handleEvent(event)
	}
}

// WaitEvents blocks until at least one event arrives, then handles every
// pending event. The wait is bounded so a window that stays minimized
// still lets the caller observe ShouldClose.
func (w *Window) WaitEvents() {
	if event := sdl.WaitEventTimeout(100); event != nil {
		w.handleEvent(event)
	}
	w.PollEvents()
}

// watchResize raises the resize flag as soon as SDL queues a size change.
func (w *Window) watchResize(event sdl.Event, _ interface{}) bool {
	if e, ok := event.(*sdl.WindowEvent); ok && isSizeEvent(e.Event) {
		w.resized.Store(true)
	}
	return true
}

func isSizeEvent(event uint8) bool {
	switch event {
	case sdl.WINDOWEVENT_RESIZED, sdl.WINDOWEVENT_SIZE_CHANGED, sdl.WINDOWEVENT_MINIMIZED, sdl.WINDOWEVENT_RESTORED:
		return true
	}
	return false
}

func (w *Window) handleEvent(event sdl.Event) {
	switch e := event.(type) {
	case *sdl.QuitEvent:
		w.shouldClose = true
	case *sdl.WindowEvent:
		switch {
		case isSizeEvent(e.Event):
			bismuth.Logger().Debug("window size changed",
				"event", e.Event,
				"width", e.Data1,
				"height", e.Data2)
		case e.Event == sdl.WINDOWEVENT_CLOSE:
			w.shouldClose = true
		}
	}
}

// ProcAddr returns SDL's vkGetInstanceProcAddr.
func (w *Window) ProcAddr() unsafe.Pointer {
	return sdl.VulkanGetVkGetInstanceProcAddr()
}

func (w *Window) VulkanInstanceExtensions() []string {
	return w.window.VulkanGetInstanceExtensions()
}

func (w *Window) CreateSurface(instance core1_0.Instance) (khr_surface.Surface, error) {
	surfaceLoader := khr_surface.CreateExtensionFromInstance(instance)

	surface, err := vkng_sdl2.CreateSurface(instance, surfaceLoader, w.window)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create SDL vulkan surface")
	}
	return surface, nil
}
