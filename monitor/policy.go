// Package monitor - Inference latency tracking and failover policies.
package monitor

import (
	"time"

	"github.com/nvr-ai/go-ml-scheduler/inference"
)

// DefaultThreshold is the latency above which the accelerator is considered degraded.
const DefaultThreshold = 300 * time.Millisecond

// Sample is one recorded inference duration.
type Sample struct {
	Seq      uint64
	Duration time.Duration
	Kind     inference.ResourceKind
	At       time.Time
}

// Policy decides when to leave the active resource.
type Policy interface {
	// Size is the number of most recent samples Evaluate wants to see.
	Size() int
	// Evaluate reports whether failover is due, given the most recent samples
	// recorded on the active resource kind, oldest first.
	Evaluate(window []Sample, active inference.ResourceKind) bool
}

// ThresholdPolicy trips when at least MinExceed of the last Window samples
// taken on kind On are strictly slower than Threshold.
type ThresholdPolicy struct {
	Threshold time.Duration
	Window    int
	MinExceed int
	On        inference.ResourceKind
}

// DefaultPolicy trips on the first accelerated sample slower than DefaultThreshold.
func DefaultPolicy() ThresholdPolicy {
	return ThresholdPolicy{
		Threshold: DefaultThreshold,
		Window:    1,
		MinExceed: 1,
		On:        inference.Accelerated,
	}
}

// Size returns the window length, at least 1.
func (p ThresholdPolicy) Size() int {
	if p.Window < 1 {
		return 1
	}
	return p.Window
}

// Evaluate counts the samples above the threshold.
//
// Arguments:
//   - window: The most recent samples of the active kind, oldest first.
//   - active: The kind currently serving frames.
//
// Returns:
//   - bool: True if failover should start.
func (p ThresholdPolicy) Evaluate(window []Sample, active inference.ResourceKind) bool {
	on := p.On
	if on == "" {
		on = inference.Accelerated
	}
	if active != on {
		return false
	}

	need := p.MinExceed
	if need < 1 {
		need = 1
	}

	exceeded := 0
	for _, s := range window {
		if s.Kind == on && s.Duration > p.Threshold {
			exceeded++
		}
	}
	return exceeded >= need
}
