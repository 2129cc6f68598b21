package window

import (
	"testing"

	"github.com/veandco/go-sdl2/sdl"
)

func TestWatchResize(t *testing.T) {
	for _, c := range [...]struct {
		event sdl.Event
		want  bool
	}{
		{&sdl.WindowEvent{Event: sdl.WINDOWEVENT_RESIZED}, true},
		{&sdl.WindowEvent{Event: sdl.WINDOWEVENT_SIZE_CHANGED}, true},
		{&sdl.WindowEvent{Event: sdl.WINDOWEVENT_MINIMIZED}, true},
		{&sdl.WindowEvent{Event: sdl.WINDOWEVENT_RESTORED}, true},
		{&sdl.WindowEvent{Event: sdl.WINDOWEVENT_MOVED}, false},
		{&sdl.WindowEvent{Event: sdl.WINDOWEVENT_CLOSE}, false},
		{&sdl.QuitEvent{}, false},
	} {
		var w Window
		w.watchResize(c.event, nil)
		if have := w.WasResized(); have != c.want {
			t.Errorf("watchResize(%#v): WasResized\nhave %t\nwant %t", c.event, have, c.want)
		}
		w.ResetResizedFlag()
		if w.WasResized() {
			t.Error("ResetResizedFlag: flag still set")
		}
	}
}

func TestHandleEvent(t *testing.T) {
	for _, c := range [...]struct {
		event sdl.Event
		close bool
	}{
		{&sdl.QuitEvent{}, true},
		{&sdl.WindowEvent{Event: sdl.WINDOWEVENT_CLOSE}, true},
		{&sdl.WindowEvent{Event: sdl.WINDOWEVENT_RESIZED}, false},
	} {
		var w Window
		w.handleEvent(c.event)
		if w.ShouldClose() != c.close {
			t.Errorf("handleEvent(%#v): ShouldClose\nhave %t\nwant %t", c.event, w.ShouldClose(), c.close)
		}
		// Size changes are flagged by the event watch alone.
		if w.WasResized() {
			t.Errorf("handleEvent(%#v) raised the resize flag", c.event)
		}
	}
}
