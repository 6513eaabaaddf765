// Package pool - Worker pools that run inference workers on frames.
//
// A pool owns every frame passed to Dispatch. Each accepted frame yields
// exactly one Completion on the returned channel and is released exactly once,
// whether it completed, failed or was dropped.
package pool

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-ml-scheduler/frames"
	"github.com/nvr-ai/go-ml-scheduler/inference"
	"github.com/nvr-ai/go-ml-scheduler/lgr"
)

// Kind identifies a pool implementation.
type Kind string

const (
	// SingleKind is one dedicated worker with a keep-only-latest mailbox.
	SingleKind Kind = "single"
	// FixedKind is a fixed number of workers running concurrently.
	FixedKind Kind = "fixed"
)

var (
	// ErrPoolClosed is returned by Dispatch after Drain, and carried by
	// completions of frames discarded by Drain.
	ErrPoolClosed = errors.New("pool closed")
	// ErrSuperseded is carried by completions of frames replaced by a newer frame.
	ErrSuperseded = errors.New("frame superseded by a newer frame")
	// ErrDrainTimeout is returned by Drain when in-flight work outlives its context.
	ErrDrainTimeout = errors.New("drain timed out")
)

// Completion is the outcome of one dispatched frame.
type Completion struct {
	// Seq is the sequence number of the frame.
	Seq uint64
	// Result is set on success.
	Result *inference.Result
	// Err is set on failure or drop.
	Err error
	// Dropped is true when the frame never reached a worker.
	Dropped bool
}

// Stats is a snapshot of pool counters. Once a pool is quiescent,
// Submitted == Completed + Failed + Dropped.
type Stats struct {
	Workers     int
	Submitted   uint64
	Completed   uint64
	Failed      uint64
	Dropped     uint64
	Rejected    uint64
	InFlight    int
	Queued      int
	MaxInFlight int
}

// Pool runs frames on inference workers.
type Pool interface {
	// ID identifies the pool.
	ID() string
	// Kind returns the pool implementation.
	Kind() Kind
	// Resource returns the resource each worker runs on.
	Resource() inference.Resource
	// Dispatch takes ownership of f. On error the frame has been released and
	// no completion will be delivered. Otherwise exactly one Completion is
	// sent on the returned channel, which is never closed.
	Dispatch(f *frames.Frame) (<-chan Completion, error)
	// Drain stops accepting frames, discards frames that have not started and
	// waits for in-flight work until ctx is done. Workers and buffers are
	// released once they are idle, even when Drain returns ErrDrainTimeout.
	Drain(ctx context.Context) error
	// Stats returns a snapshot of the pool counters.
	Stats() Stats
}

// Options are shared by every pool.
type Options struct {
	// ID overrides the generated pool id.
	ID string
	// Mismatch is the decode buffer mismatch policy.
	Mismatch frames.MismatchPolicy
	// Logger defaults to lgr.Logger.
	Logger *slog.Logger
}

func (o Options) id(kind Kind) string {
	if o.ID != "" {
		return o.ID
	}
	return string(kind) + "-" + uuid.NewString()[:8]
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return lgr.Logger
}

// newWorker calls factory and guarantees failures are *inference.InitError.
func newWorker(ctx context.Context, factory inference.Factory, res inference.Resource,
	buf *frames.DecodeBuffer,
) (inference.Worker, error) {
	w, err := factory(ctx, res, buf)
	if err != nil {
		if errors.Is(err, inference.ErrInit) {
			return nil, err
		}
		return nil, inference.NewInitError(res, err)
	}
	return w, nil
}

// infer runs one frame on w, releases it and builds the completion.
func infer(ctx context.Context, w inference.Worker, poolID string, f *frames.Frame) Completion {
	seq := f.Seq
	res, err := w.Infer(ctx, f)
	f.Release()

	if err != nil {
		if !errors.Is(err, inference.ErrInfer) {
			err = inference.NewInferError(seq, w.ID(), err)
		}
		return Completion{Seq: seq, Err: err}
	}

	res.Seq = seq
	res.PoolID = poolID
	res.Resource = w.Resource().Kind
	if res.WorkerID == "" {
		res.WorkerID = w.ID()
	}
	return Completion{Seq: seq, Result: res}
}

// drop releases f and completes it as dropped with cause.
func drop(f *frames.Frame, ch chan<- Completion, cause error) {
	seq := f.Seq
	f.Release()
	ch <- Completion{Seq: seq, Err: cause, Dropped: true}
}

func (s *Stats) record(c Completion) {
	switch {
	case c.Dropped:
		s.Dropped++
	case c.Err != nil:
		s.Failed++
	default:
		s.Completed++
	}
}
