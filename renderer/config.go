package renderer

import (
	"github.com/go-gl/mathgl/mgl32"
	"github.com/vkngwrapper/extensions/khr_surface"
)

// Config holds the renderer's tunables.
type Config struct {
	// ClearColor is the RGBA value the color attachment is cleared to at
	// the start of every swapchain render pass.
	ClearColor mgl32.Vec4

	// ClearDepth is the value the depth attachment is cleared to.
	ClearDepth float32

	// PresentMode is the preferred present mode. Unsupported modes fall
	// back to Mailbox, then FIFO.
	PresentMode khr_surface.PresentMode
}

// DefaultConfig returns a near-black clear color, a far-plane depth clear
// and Mailbox presentation.
func DefaultConfig() Config {
	return Config{
		ClearColor:  mgl32.Vec4{0.01, 0.01, 0.01, 1},
		ClearDepth:  1,
		PresentMode: khr_surface.PresentModeMailbox,
	}
}
