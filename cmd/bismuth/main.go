// Command bismuth opens a window and runs the frame loop, clearing the
// swapchain every frame. It exercises resizing, minimization and
// swapchain recreation end to end.
package main

import (
	"flag"
	"log"
	"log/slog"
	"math"
	"os"
	"runtime"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/loov/hrtime"
	"github.com/vkngwrapper/extensions/khr_surface"

	"github.com/bismuth-engine/bismuth"
	"github.com/bismuth-engine/bismuth/renderer"
	"github.com/bismuth-engine/bismuth/vulkan"
	"github.com/bismuth-engine/bismuth/window"
)

// Simulation steps never see more than this, however long a frame took.
const maxFrameTime = time.Second

var presentModes = map[string]khr_surface.PresentMode{
	"fifo":      khr_surface.PresentModeFIFO,
	"mailbox":   khr_surface.PresentModeMailbox,
	"immediate": khr_surface.PresentModeImmediate,
}

var (
	width       = flag.Int("width", 800, "initial window width")
	height      = flag.Int("height", 600, "initial window height")
	title       = flag.String("title", "Bismuth", "window title")
	validation  = flag.Bool("validation", false, "enable the Vulkan validation layer")
	logLevel    = flag.String("log-level", "info", "log level: debug, info, warn or error")
	presentMode = flag.String("present-mode", "mailbox", "preferred present mode: fifo, mailbox or immediate")
)

func init() {
	// SDL must be driven from the main thread.
	runtime.LockOSThread()
}

func main() {
	flag.Parse()

	if err := run(); err != nil {
		log.Fatalf("%+v\n", err)
	}
}

func run() error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		return errors.Wrapf(err, "invalid -log-level %q", *logLevel)
	}
	bismuth.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg := renderer.DefaultConfig()
	mode, ok := presentModes[*presentMode]
	if !ok {
		return errors.Newf("invalid -present-mode %q", *presentMode)
	}
	cfg.PresentMode = mode

	win, err := window.New(*title, *width, *height)
	if err != nil {
		return err
	}
	defer win.Destroy()

	device, err := vulkan.New(win,
		vulkan.WithApplicationName(*title),
		vulkan.WithValidation(*validation))
	if err != nil {
		return err
	}
	defer device.Destroy()

	r, err := renderer.New(win, device, cfg)
	if err != nil {
		return err
	}

	err = mainLoop(win, r, cfg.ClearColor)
	if closeErr := r.Close(); err == nil {
		err = closeErr
	}
	return err
}

func mainLoop(win *window.Window, r *renderer.Renderer, baseColor mgl32.Vec4) error {
	var stats frameStats
	generation := r.Generation()

	currentTime := hrtime.Now()
	var elapsed time.Duration

	for !win.ShouldClose() {
		win.PollEvents()

		newTime := hrtime.Now()
		frameTime := newTime - currentTime
		currentTime = newTime
		if frameTime > maxFrameTime {
			frameTime = maxFrameTime
		}
		elapsed += frameTime

		r.SetClearColor(pulse(baseColor, elapsed))

		commandBuffer, err := r.BeginFrame()
		if err != nil {
			return err
		}
		if commandBuffer == nil {
			continue
		}

		if err := r.BeginSwapchainRenderPass(commandBuffer); err != nil {
			return err
		}
		r.EndSwapchainRenderPass(commandBuffer)

		if err := r.EndFrame(); err != nil {
			return err
		}

		if g := r.Generation(); g != generation {
			generation = g
			bismuth.Logger().Info("render pass replaced", "generation", g, "aspect", r.AspectRatio())
		}
		stats.add(frameTime, r)
	}

	return nil
}

// pulse slowly modulates the blue channel of base over time.
func pulse(base mgl32.Vec4, elapsed time.Duration) mgl32.Vec4 {
	t := float32(math.Sin(elapsed.Seconds()*2)*0.5 + 0.5)
	return base.Add(mgl32.Vec4{0, 0.02 * t, 0.08 * t, 0})
}

// frameStats logs the frame rate about once per second.
type frameStats struct {
	frames int
	total  time.Duration
}

func (s *frameStats) add(frameTime time.Duration, r *renderer.Renderer) {
	s.frames++
	s.total += frameTime
	if s.total < time.Second {
		return
	}

	extent := r.Extent()
	bismuth.Logger().Debug("frame stats",
		"fps", float64(s.frames)/s.total.Seconds(),
		"width", extent.Width,
		"height", extent.Height,
		"aspect", r.AspectRatio())
	*s = frameStats{}
}
