package inference

import (
	"fmt"
	"strings"
	"time"
)

// Detection is a single labelled box found in a frame.
type Detection struct {
	Label      string
	Confidence float32
	Box        Box
}

// Result is the output of one inference call.
type Result struct {
	// Seq is the sequence number of the frame the result belongs to.
	Seq uint64
	// Detections are sorted by descending confidence.
	Detections []Detection
	// Duration is the wall time of the inference call.
	Duration time.Duration
	// Resource is the kind of compute that produced the result.
	Resource ResourceKind
	// WorkerID identifies the worker that produced the result.
	WorkerID string
	// PoolID identifies the pool the worker belonged to.
	PoolID string
	// Rotation of the source frame, for display.
	Rotation int
	// Timestamp is the capture time of the source frame.
	Timestamp time.Time
}

// Has reports whether any detection carries label.
func (r *Result) Has(label string) bool {
	for _, d := range r.Detections {
		if d.Label == label {
			return true
		}
	}
	return false
}

// Labels returns the distinct labels in detection order.
func (r *Result) Labels() []string {
	seen := make(map[string]struct{}, len(r.Detections))
	labels := make([]string, 0, len(r.Detections))
	for _, d := range r.Detections {
		if _, ok := seen[d.Label]; ok {
			continue
		}
		seen[d.Label] = struct{}{}
		labels = append(labels, d.Label)
	}
	return labels
}

func (r *Result) String() string {
	return fmt.Sprintf("frame %d: %d detections [%s] in %s on %s",
		r.Seq, len(r.Detections), strings.Join(r.Labels(), ","), r.Duration, r.Resource)
}
