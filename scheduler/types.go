package scheduler

import (
	"time"

	"github.com/nvr-ai/go-ml-scheduler/frames"
	"github.com/nvr-ai/go-ml-scheduler/inference"
	"github.com/nvr-ai/go-ml-scheduler/monitor"
	"github.com/nvr-ai/go-ml-scheduler/pool"
)

// State is the scheduler lifecycle state.
type State string

const (
	// Idle is the state before Start.
	Idle State = "idle"
	// RunningAccelerated dispatches to the dedicated accelerator worker.
	RunningAccelerated State = "running_accelerated"
	// FailingOver is the window between detaching the accelerator pool and
	// attaching the general purpose pool.
	FailingOver State = "failing_over"
	// RunningGeneral dispatches to the general purpose worker pool.
	RunningGeneral State = "running_general_pool"
	// Halted means no resource configuration could be initialized.
	Halted State = "halted"
	// Stopped is terminal.
	Stopped State = "stopped"
)

func runningState(kind inference.ResourceKind) State {
	if kind == inference.Accelerated {
		return RunningAccelerated
	}
	return RunningGeneral
}

// HoldPolicy decides what happens to frames that arrive while failing over.
type HoldPolicy string

const (
	// HoldLatest keeps the newest frame and dispatches it to the new pool.
	HoldLatest HoldPolicy = "latest"
	// HoldDrop drops every frame that arrives while failing over.
	HoldDrop HoldPolicy = "drop"
)

// ErrorInfo describes a per frame or scheduler level failure.
type ErrorInfo struct {
	// Seq is the frame sequence number, 0 for scheduler level errors.
	Seq uint64
	// Resource is the kind of compute involved.
	Resource inference.ResourceKind
	// PoolID identifies the pool involved, if any.
	PoolID string
	// Err is the cause.
	Err error
	// Fatal is true when the scheduler can no longer process frames.
	Fatal bool
	// At is when the error was observed.
	At time.Time
}

// Sink receives results and errors. Methods are called from several
// goroutines and must be safe for concurrent use.
type Sink interface {
	OnResult(r *inference.Result)
	OnError(e ErrorInfo)
}

// SinkFuncs adapts plain functions to a Sink. Nil functions are skipped.
type SinkFuncs struct {
	Result func(r *inference.Result)
	Error  func(e ErrorInfo)
}

// OnResult calls Result.
func (f SinkFuncs) OnResult(r *inference.Result) {
	if f.Result != nil {
		f.Result(r)
	}
}

// OnError calls Error.
func (f SinkFuncs) OnError(e ErrorInfo) {
	if f.Error != nil {
		f.Error(e)
	}
}

// Config tunes the scheduler.
type Config struct {
	// Preferred is the resource kind tried first.
	Preferred inference.ResourceKind
	// AcceleratorThreads is the thread count of the accelerator worker.
	AcceleratorThreads int
	// Workers is the size of the general purpose pool.
	Workers int
	// WorkerThreads is the thread count of each general purpose worker.
	WorkerThreads int
	// Policy decides when to leave the accelerator.
	Policy monitor.Policy
	// Buffer is the general purpose pool decode buffer policy.
	Buffer pool.BufferPolicy
	// Mismatch is the decode buffer mismatch policy.
	Mismatch frames.MismatchPolicy
	// Backpressure is the general purpose pool backpressure mode.
	Backpressure pool.Backpressure
	// MaxQueue bounds the general purpose pool queue.
	MaxQueue int
	// Hold is the failover frame policy.
	Hold HoldPolicy
	// DrainTimeout bounds waiting for in-flight work of a retired pool.
	DrainTimeout time.Duration
}

// DefaultConfig mirrors the deployed defaults: a 300ms threshold on the
// accelerator and two general purpose workers.
func DefaultConfig() Config {
	return Config{
		Preferred:          inference.Accelerated,
		AcceleratorThreads: 1,
		Workers:            2,
		WorkerThreads:      1,
		Policy:             monitor.DefaultPolicy(),
		Buffer:             pool.PrivateBuffers,
		Mismatch:           frames.MismatchReject,
		Backpressure:       pool.QueueBackpressure,
		Hold:               HoldLatest,
		DrainTimeout:       2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if !c.Preferred.Valid() {
		c.Preferred = def.Preferred
	}
	if c.AcceleratorThreads < 1 {
		c.AcceleratorThreads = def.AcceleratorThreads
	}
	if c.Workers < 1 {
		c.Workers = def.Workers
	}
	if c.WorkerThreads < 1 {
		c.WorkerThreads = def.WorkerThreads
	}
	if c.Policy == nil {
		c.Policy = def.Policy
	}
	if c.Hold == "" {
		c.Hold = def.Hold
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = def.DrainTimeout
	}
	return c
}

// Stats is a snapshot of scheduler counters. Once quiescent,
// Dispatched == Completed + Failed + Dropped.
type Stats struct {
	State     State
	Active    inference.ResourceKind
	PoolID    string
	Held      bool
	Failovers uint64

	Dispatched uint64
	Completed  uint64
	Failed     uint64
	Dropped    uint64

	Latency map[inference.ResourceKind]monitor.KindStats
}
