package swapchain

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/common"
	"github.com/vkngwrapper/core/core1_0"

	"github.com/bismuth-engine/bismuth/gpu"
)

// AcquireNextImage waits until the GPU has retired the work last submitted
// from the current frame slot, then acquires the next presentable image.
// The slot's image-available semaphore is signaled once the image can be
// rendered into.
//
// On OutcomeStale nothing was acquired and the swapchain must be
// recreated. On OutcomeDegraded the image is usable for this frame. On
// OutcomeFatal the error is non-nil.
func (s *Swapchain) AcquireNextImage() (int, Outcome, error) {
	frame := &s.frames[s.currentFrame]

	if err := waitForFence(frame.inFlight); err != nil {
		return 0, OutcomeFatal, errors.Wrapf(err, "frame slot %d", s.currentFrame)
	}

	imageIndex, res, err := s.swapchain.AcquireNextImage(common.NoTimeout, frame.imageAvailable)
	outcome, err := classify(res, err, "acquire swapchain image")
	if outcome == OutcomeStale || outcome == OutcomeFatal {
		return 0, outcome, err
	}

	return imageIndex, outcome, nil
}

// SubmitCommandBuffers submits buffer for execution against the image at
// imageIndex and queues that image for presentation.
//
// The submission waits on the current slot's image-available semaphore and
// signals its render-finished semaphore and in-flight fence; presentation
// waits on the render-finished semaphore. If another slot's work still
// targets the same image, that work is waited on first.
//
// The frame slot advances exactly once per call, whatever the outcome.
func (s *Swapchain) SubmitCommandBuffers(buffer gpu.CommandBuffer, imageIndex int) (Outcome, error) {
	if imageIndex < 0 || imageIndex >= len(s.images) {
		panic(errors.AssertionFailedf("image index %d out of range [0, %d)", imageIndex, len(s.images)))
	}

	defer func() {
		s.currentFrame = (s.currentFrame + 1) % len(s.frames)
	}()

	frame := &s.frames[s.currentFrame]

	if fence := s.imagesInFlight[imageIndex]; fence != nil {
		if err := waitForFence(fence); err != nil {
			return OutcomeFatal, errors.Wrapf(err, "image %d", imageIndex)
		}
	}
	s.imagesInFlight[imageIndex] = frame.inFlight

	if err := frame.inFlight.Reset(); err != nil {
		return OutcomeFatal, errors.Wrap(err, "failed to reset in-flight fence")
	}

	err := s.device.Submit(gpu.SubmitInfo{
		CommandBuffers:   []gpu.CommandBuffer{buffer},
		WaitSemaphores:   []gpu.Semaphore{frame.imageAvailable},
		WaitDstStageMask: []core1_0.PipelineStageFlags{core1_0.PipelineStageColorAttachmentOutput},
		SignalSemaphores: []gpu.Semaphore{frame.renderFinished},
		Fence:            frame.inFlight,
	})
	if err != nil {
		return OutcomeFatal, errors.Wrap(err, "failed to submit draw command buffer")
	}

	res, err := s.device.Present(gpu.PresentInfo{
		WaitSemaphores: []gpu.Semaphore{frame.renderFinished},
		Swapchain:      s.swapchain,
		ImageIndex:     imageIndex,
	})
	return classify(res, err, "present swapchain image")
}

// waitForFence blocks with the maximum timeout. If that ever elapses the
// device is considered lost.
func waitForFence(fence gpu.Fence) error {
	res, err := fence.Wait(common.NoTimeout)
	if err != nil {
		return errors.Wrap(err, "failed to wait for in-flight fence")
	}
	if res == core1_0.VKTimeout {
		return errors.Wrap(ErrTimeout, "in-flight fence")
	}
	return nil
}
