package config

import (
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-ml-scheduler/frames"
	"github.com/nvr-ai/go-ml-scheduler/inference"
	"github.com/nvr-ai/go-ml-scheduler/pool"
	"github.com/nvr-ai/go-ml-scheduler/scheduler"
)

// ErrInvalid matches every validation error.
var ErrInvalid = errors.New("invalid configuration")

func invalid(format string, args ...any) error {
	return errors.Wrapf(ErrInvalid, format, args...)
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// Validate returns the first invalid value.
func (c *Config) Validate() error {
	switch {
	case c.LatencyThresholdMS <= 0:
		return invalid("latency_threshold_ms must be positive, got %d", c.LatencyThresholdMS)
	case c.LatencyWindow < 1:
		return invalid("latency_window must be at least 1, got %d", c.LatencyWindow)
	case c.LatencyMinExceed < 1 || c.LatencyMinExceed > c.LatencyWindow:
		return invalid("latency_min_exceed must be in [1, %d], got %d", c.LatencyWindow, c.LatencyMinExceed)
	case c.WorkerCount < 1:
		return invalid("worker_count must be at least 1, got %d", c.WorkerCount)
	case c.WorkerThreads < 1:
		return invalid("worker_threads must be at least 1, got %d", c.WorkerThreads)
	case !inference.ResourceKind(c.ResourceKind).Valid():
		return invalid("resource_kind must be accelerated or general, got %q", c.ResourceKind)
	case !oneOf(c.AcceleratorBackend, "cuda", "coreml", "openvino"):
		return invalid("accelerator_backend must be cuda, coreml or openvino, got %q", c.AcceleratorBackend)
	case !oneOf(c.BufferPolicy, string(pool.PrivateBuffers), string(pool.SharedBuffer)):
		return invalid("buffer_policy must be private or shared, got %q", c.BufferPolicy)
	case !oneOf(c.BufferMismatch, string(frames.MismatchReject), string(frames.MismatchResize)):
		return invalid("buffer_mismatch must be reject or resize, got %q", c.BufferMismatch)
	case !oneOf(c.Backpressure, string(pool.QueueBackpressure), string(pool.RejectBackpressure)):
		return invalid("backpressure must be queue or reject, got %q", c.Backpressure)
	case c.MaxQueue < 0:
		return invalid("max_queue must not be negative, got %d", c.MaxQueue)
	case !oneOf(c.FailoverHold, string(scheduler.HoldLatest), string(scheduler.HoldDrop)):
		return invalid("failover_hold must be latest or drop, got %q", c.FailoverHold)
	case c.DrainTimeoutMS <= 0:
		return invalid("drain_timeout_ms must be positive, got %d", c.DrainTimeoutMS)
	case c.ReportIntervalMS < 0:
		return invalid("report_interval_ms must not be negative, got %d", c.ReportIntervalMS)
	}

	if err := c.Model.validate(); err != nil {
		return err
	}
	if err := c.Source.validate(); err != nil {
		return err
	}
	if !oneOf(c.Log.Format, "text", "json") {
		return invalid("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

func (m *ModelConfig) validate() error {
	switch {
	case m.InputSize < 32 || m.InputSize%32 != 0:
		return invalid("model.input_size must be a positive multiple of 32, got %d", m.InputSize)
	case m.Confidence <= 0 || m.Confidence > 1:
		return invalid("model.confidence must be in (0, 1], got %v", m.Confidence)
	case m.IoU <= 0 || m.IoU > 1:
		return invalid("model.iou must be in (0, 1], got %v", m.IoU)
	}
	return nil
}

func (s *SourceConfig) validate() error {
	switch {
	case !oneOf(s.Kind, "synthetic", "webcam", "replay"):
		return invalid("source.kind must be synthetic, webcam or replay, got %q", s.Kind)
	case s.Kind == "replay" && s.Dir == "":
		return invalid("source.dir is required for a replay source")
	case s.FPS <= 0:
		return invalid("source.fps must be positive, got %d", s.FPS)
	case s.Width <= 0 || s.Height <= 0:
		return invalid("source dimensions must be positive, got %dx%d", s.Width, s.Height)
	case s.Rotation%90 != 0:
		return invalid("source.rotation must be a multiple of 90, got %d", s.Rotation)
	}
	return nil
}
