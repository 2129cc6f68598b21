package vulkan

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/common"
	"github.com/vkngwrapper/core/core1_0"
	"github.com/vkngwrapper/extensions/khr_swapchain"

	"github.com/bismuth-engine/bismuth/gpu"
)

type commandBuffer struct {
	handle core1_0.CommandBuffer
}

func (c *commandBuffer) Begin() error {
	_, err := c.handle.Begin(core1_0.CommandBufferBeginInfo{})
	return err
}

func (c *commandBuffer) End() error {
	_, err := c.handle.End()
	return err
}

func (c *commandBuffer) BeginRenderPass(info gpu.RenderPassBeginInfo) error {
	fb, ok := info.Framebuffer.(*framebuffer)
	if !ok {
		panic(errors.AssertionFailedf("framebuffer %T was not created by a vulkan.Device", info.Framebuffer))
	}

	return c.handle.CmdBeginRenderPass(core1_0.SubpassContentsInline,
		core1_0.RenderPassBeginInfo{
			RenderPass:  RenderPass(info.RenderPass),
			Framebuffer: fb.handle,
			RenderArea:  info.RenderArea,
			ClearValues: info.ClearValues,
		})
}

func (c *commandBuffer) SetViewport(viewport core1_0.Viewport) {
	c.handle.CmdSetViewport([]core1_0.Viewport{viewport})
}

func (c *commandBuffer) SetScissor(scissor core1_0.Rect2D) {
	c.handle.CmdSetScissor([]core1_0.Rect2D{scissor})
}

func (c *commandBuffer) EndRenderPass() { c.handle.CmdEndRenderPass() }

// CommandBuffer returns the handle behind a command buffer allocated by a
// Device, for recording draw calls into it.
func CommandBuffer(c gpu.CommandBuffer) core1_0.CommandBuffer {
	cb, ok := c.(*commandBuffer)
	if !ok {
		panic(errors.AssertionFailedf("command buffer %T was not allocated by a vulkan.Device", c))
	}
	return cb.handle
}

func commandBufferHandles(buffers []gpu.CommandBuffer) []core1_0.CommandBuffer {
	handles := make([]core1_0.CommandBuffer, len(buffers))
	for i, b := range buffers {
		handles[i] = CommandBuffer(b)
	}
	return handles
}

func (d *Device) AllocateCommandBuffers(count int) ([]gpu.CommandBuffer, error) {
	handles, _, err := d.device.AllocateCommandBuffers(core1_0.CommandBufferAllocateInfo{
		CommandPool:        d.commandPool,
		Level:              core1_0.CommandBufferLevelPrimary,
		CommandBufferCount: count,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to allocate command buffers")
	}

	buffers := make([]gpu.CommandBuffer, len(handles))
	for i, handle := range handles {
		buffers[i] = &commandBuffer{handle: handle}
	}
	return buffers, nil
}

func (d *Device) FreeCommandBuffers(buffers []gpu.CommandBuffer) {
	d.device.FreeCommandBuffers(commandBufferHandles(buffers))
}

func (d *Device) Submit(info gpu.SubmitInfo) error {
	var inFlight core1_0.Fence
	if info.Fence != nil {
		f, ok := info.Fence.(*fence)
		if !ok {
			panic(errors.AssertionFailedf("fence %T was not created by a vulkan.Device", info.Fence))
		}
		inFlight = f.handle
	}

	_, err := d.graphicsQueue.Submit(inFlight, []core1_0.SubmitInfo{
		{
			WaitSemaphores:   semaphoreHandles(info.WaitSemaphores),
			WaitDstStageMask: info.WaitDstStageMask,
			CommandBuffers:   commandBufferHandles(info.CommandBuffers),
			SignalSemaphores: semaphoreHandles(info.SignalSemaphores),
		},
	})
	return err
}

func (d *Device) Present(info gpu.PresentInfo) (common.VkResult, error) {
	return d.swapchainExtension.QueuePresent(d.presentQueue, khr_swapchain.PresentInfo{
		WaitSemaphores: semaphoreHandles(info.WaitSemaphores),
		Swapchains:     []khr_swapchain.Swapchain{swapchainHandle(info.Swapchain)},
		ImageIndices:   []int{info.ImageIndex},
	})
}
