// Package bismuth is the presentation and frame-synchronization core of the
// Bismuth renderer.
//
// The core is split in two layers. Package swapchain owns the chain of
// presentable images, their depth targets and framebuffers, the render pass
// and the fixed pool of per-frame synchronization objects. Package renderer
// drives it through a begin/end frame state machine, owns the per-frame
// command buffers and rebuilds the swapchain when the surface goes stale or
// the window is resized.
//
// Both layers talk to the GPU exclusively through the interfaces in package
// gpu. Package vulkan implements them on top of vkngwrapper, and package
// gpu/gputest provides a scriptable fake used by the tests.
//
// A typical render loop looks like this:
//
//	for !win.ShouldClose() {
//		win.PollEvents()
//		cb, err := r.BeginFrame()
//		if err != nil {
//			return err
//		}
//		if cb == nil {
//			continue // swapchain was rebuilt, skip this frame
//		}
//		if err := r.BeginSwapchainRenderPass(cb); err != nil {
//			return err
//		}
//		// record draw calls into cb
//		r.EndSwapchainRenderPass(cb)
//		if err := r.EndFrame(); err != nil {
//			return err
//		}
//	}
package bismuth
