package fake

import (
	"time"

	"github.com/nvr-ai/go-ml-scheduler/inference"
)

// Degrading simulates an accelerator that runs at accel until call after, and
// at degraded from then on. General workers always take general.
func Degrading(accel, degraded, general time.Duration, after int) LatencyFunc {
	return func(kind inference.ResourceKind, n int) time.Duration {
		if kind == inference.General {
			return general
		}
		if after > 0 && n >= after {
			return degraded
		}
		return accel
	}
}
