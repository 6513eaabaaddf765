// Package fake - Scripted inference workers for simulation and tests.
package fake

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-ml-scheduler/frames"
	"github.com/nvr-ai/go-ml-scheduler/inference"
)

// ErrInjected is the default cause of scripted failures.
var ErrInjected = errors.New("injected failure")

// LatencyFunc returns the simulated duration of the n-th call (1-based) on kind.
type LatencyFunc func(kind inference.ResourceKind, n int) time.Duration

// Script drives every worker created by its Factory. Fields must be set before
// the first worker is created.
type Script struct {
	// Latency lists per kind durations consumed in call order. When the list is
	// exhausted the last entry repeats. Ignored when LatencyFn is set.
	Latency map[inference.ResourceKind][]time.Duration
	// LatencyFn computes call durations.
	LatencyFn LatencyFunc
	// FailSeqs are frame sequence numbers whose inference fails.
	FailSeqs map[uint64]bool
	// InitErr makes worker creation fail for a kind.
	InitErr map[inference.ResourceKind]error
	// Detections are returned in every successful result.
	Detections []inference.Detection
	// Block, when non-nil, makes every call wait for a receive (or a close)
	// after the frame has been decoded.
	Block <-chan struct{}
	// Sleep waits for d or until ctx is done. Defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error

	mu          sync.Mutex
	calls       map[inference.ResourceKind]int
	inits       map[inference.ResourceKind]int
	closed      int
	inFlight    int
	maxInFlight int
	seqs        []uint64
}

// Stats is a snapshot of a script's counters.
type Stats struct {
	Calls       map[inference.ResourceKind]int
	Inits       map[inference.ResourceKind]int
	Closed      int
	InFlight    int
	MaxInFlight int
	// Seqs are the sequence numbers of started calls, in start order.
	Seqs []uint64
}

// Factory returns an inference.Factory creating workers driven by s.
func (s *Script) Factory() inference.Factory {
	return func(ctx context.Context, res inference.Resource, buf *frames.DecodeBuffer) (inference.Worker, error) {
		if err := ctx.Err(); err != nil {
			return nil, inference.NewInitError(res, err)
		}
		if buf == nil {
			return nil, inference.NewInitError(res, errors.New("nil decode buffer"))
		}

		s.mu.Lock()
		defer s.mu.Unlock()

		if err := s.InitErr[res.Kind]; err != nil {
			return nil, inference.NewInitError(res, err)
		}
		if s.inits == nil {
			s.inits = make(map[inference.ResourceKind]int)
		}
		s.inits[res.Kind]++

		return &Worker{
			id:     string(res.Kind) + "-" + uuid.NewString()[:8],
			res:    res,
			buf:    buf,
			script: s,
		}, nil
	}
}

// Stats returns a snapshot of the script counters.
func (s *Script) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Calls:       make(map[inference.ResourceKind]int, len(s.calls)),
		Inits:       make(map[inference.ResourceKind]int, len(s.inits)),
		Closed:      s.closed,
		InFlight:    s.inFlight,
		MaxInFlight: s.maxInFlight,
		Seqs:        append([]uint64(nil), s.seqs...),
	}
	for k, v := range s.calls {
		st.Calls[k] = v
	}
	for k, v := range s.inits {
		st.Inits[k] = v
	}
	return st
}

func (s *Script) begin(kind inference.ResourceKind, seq uint64) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.calls == nil {
		s.calls = make(map[inference.ResourceKind]int)
	}
	s.calls[kind]++
	n := s.calls[kind]

	s.inFlight++
	if s.inFlight > s.maxInFlight {
		s.maxInFlight = s.inFlight
	}
	s.seqs = append(s.seqs, seq)

	return s.latency(kind, n), s.FailSeqs[seq]
}

func (s *Script) end() {
	s.mu.Lock()
	s.inFlight--
	s.mu.Unlock()
}

func (s *Script) latency(kind inference.ResourceKind, n int) time.Duration {
	if s.LatencyFn != nil {
		return s.LatencyFn(kind, n)
	}
	list := s.Latency[kind]
	if len(list) == 0 {
		return 0
	}
	if n > len(list) {
		return list[len(list)-1]
	}
	return list[n-1]
}

func (s *Script) sleep(ctx context.Context, d time.Duration) error {
	if s.Sleep != nil {
		return s.Sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Worker is a scripted inference.Worker.
type Worker struct {
	id     string
	res    inference.Resource
	buf    *frames.DecodeBuffer
	script *Script

	closeOnce sync.Once
}

// ID returns the worker id.
func (w *Worker) ID() string { return w.id }

// Resource returns the resource the worker was created on.
func (w *Worker) Resource() inference.Resource { return w.res }

// Infer decodes the frame into the buffer, then waits for the scripted
// latency. The reported duration is the scripted one, not wall time.
func (w *Worker) Infer(ctx context.Context, f *frames.Frame) (*inference.Result, error) {
	seq := f.Seq
	rotation, ts := f.Rotation, f.Timestamp

	d, fail := w.script.begin(w.res.Kind, seq)
	defer w.script.end()

	err := w.buf.With(f, func(*image.RGBA) error { return nil })
	if err != nil {
		return nil, inference.NewInferError(seq, w.id, err)
	}

	if w.script.Block != nil {
		select {
		case <-w.script.Block:
		case <-ctx.Done():
			return nil, inference.NewInferError(seq, w.id, ctx.Err())
		}
	}

	if err := w.script.sleep(ctx, d); err != nil {
		return nil, inference.NewInferError(seq, w.id, err)
	}
	if fail {
		return nil, inference.NewInferError(seq, w.id, ErrInjected)
	}

	return &inference.Result{
		Seq:        seq,
		Detections: append([]inference.Detection(nil), w.script.Detections...),
		Duration:   d,
		Resource:   w.res.Kind,
		WorkerID:   w.id,
		Rotation:   rotation,
		Timestamp:  ts,
	}, nil
}

// Close marks the worker closed. It is idempotent.
func (w *Worker) Close() error {
	w.closeOnce.Do(func() {
		w.script.mu.Lock()
		w.script.closed++
		w.script.mu.Unlock()
	})
	return nil
}
