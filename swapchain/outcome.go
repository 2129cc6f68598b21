package swapchain

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/common"
	"github.com/vkngwrapper/core/core1_0"
	"github.com/vkngwrapper/extensions/khr_swapchain"
)

// Outcome classifies the result of acquiring or presenting an image.
type Outcome int

const (
	// OutcomeSuccess means the operation completed normally.
	OutcomeSuccess Outcome = iota
	// OutcomeStale means the surface no longer matches the display and the
	// swapchain must be recreated before it can be used again.
	OutcomeStale
	// OutcomeDegraded means the swapchain is still usable but no longer
	// matches the surface exactly; it should be recreated after this frame.
	OutcomeDegraded
	// OutcomeFatal means the operation failed; the accompanying error
	// describes why. Rendering cannot continue.
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeStale:
		return "stale"
	case OutcomeDegraded:
		return "degraded"
	case OutcomeFatal:
		return "fatal"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// NeedsRecreate reports whether the swapchain should be rebuilt.
func (o Outcome) NeedsRecreate() bool {
	return o == OutcomeStale || o == OutcomeDegraded
}

var (
	// ErrSurfaceUnavailable is returned when the surface reports no usable
	// formats or present modes, as happens for a closed surface.
	ErrSurfaceUnavailable = errors.New("swapchain: surface reports no formats or present modes")

	// ErrFormatChanged is returned by Recreate when the new color or depth
	// format differs from the old one. Pipelines built against the old
	// render pass are no longer compatible and must be rebuilt.
	ErrFormatChanged = errors.New("swapchain: image or depth format has changed")

	// ErrTimeout is returned when a GPU wait exceeds the maximum timeout.
	// It indicates a lost or hung device.
	ErrTimeout = errors.New("swapchain: timed out waiting for the GPU")
)

// classify maps the result of an acquire or present call to an Outcome.
// Stale surfaces come back with a non-nil err from the driver, so the
// result is inspected before the error.
func classify(res common.VkResult, err error, op string) (Outcome, error) {
	switch {
	case res == khr_swapchain.VKErrorOutOfDate:
		return OutcomeStale, nil
	case err != nil:
		return OutcomeFatal, errors.Wrapf(err, "failed to %s", op)
	case res == core1_0.VKTimeout || res == core1_0.VKNotReady:
		return OutcomeFatal, errors.Wrapf(ErrTimeout, "failed to %s", op)
	case res == khr_swapchain.VKSuboptimal:
		return OutcomeDegraded, nil
	}
	return OutcomeSuccess, nil
}
