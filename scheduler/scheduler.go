// Package scheduler - Routes camera frames to inference pools and fails over
// from the accelerator to a general purpose pool when latency degrades.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/nvr-ai/go-ml-scheduler/frames"
	"github.com/nvr-ai/go-ml-scheduler/inference"
	"github.com/nvr-ai/go-ml-scheduler/lgr"
	"github.com/nvr-ai/go-ml-scheduler/monitor"
	"github.com/nvr-ai/go-ml-scheduler/pool"
)

const tracerName = "github.com/nvr-ai/go-ml-scheduler/scheduler"

var (
	// ErrNotIdle is returned by Start when the scheduler was already started.
	ErrNotIdle = errors.New("scheduler is not idle")
	// ErrStopped is returned by Start when Stop ran concurrently.
	ErrStopped = errors.New("scheduler stopped")
)

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger. Defaults to lgr.Logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// WithTracerProvider sets the provider of dispatch spans. Defaults to a no-op provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Scheduler) { s.tracer = tp.Tracer(tracerName) }
}

// WithClock sets the time source of error timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler owns the active pool and the latency monitor.
//
// OnFrame never blocks on inference. Results and errors reach the Sink from
// per dispatch goroutines. When the monitor trips while the accelerator is
// active, the accelerator pool is detached, a general purpose pool is built
// off the dispatch path, attached, and only then is the old pool drained.
// There is no fail-back.
type Scheduler struct {
	cfg     Config
	factory inference.Factory
	sink    Sink
	log     *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time
	monitor *monitor.Monitor
	runID   string

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	state  State
	active pool.Pool
	held   *frames.Frame
	stats  Stats

	// inflight tracks completion waiters and the failover goroutine.
	inflight sync.WaitGroup
}

// New creates an idle scheduler.
//
// Arguments:
//   - cfg: The scheduler configuration; zero fields take DefaultConfig values.
//   - factory: Creates inference workers.
//   - sink: Receives results and errors; nil discards them.
//   - opts: Optional settings.
//
// Returns:
//   - *Scheduler: The idle scheduler.
func New(cfg Config, factory inference.Factory, sink Sink, opts ...Option) *Scheduler {
	cfg = cfg.withDefaults()
	if sink == nil {
		sink = SinkFuncs{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:     cfg,
		factory: factory,
		sink:    sink,
		log:     lgr.Logger,
		tracer:  noop.NewTracerProvider().Tracer(tracerName),
		now:     time.Now,
		monitor: monitor.New(cfg.Policy, cfg.Preferred),
		runID:   uuid.NewString(),
		ctx:     ctx,
		cancel:  cancel,
		state:   Idle,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(slog.String("component", "scheduler"), slog.String("run", s.runID[:8]))
	return s
}

// Start initializes the preferred resource configuration, falling back to the
// general purpose pool when the accelerator cannot be initialized. If every
// configuration fails, the scheduler halts and a fatal error reaches the sink.
//
// Arguments:
//   - ctx: Bounds worker initialization.
//
// Returns:
//   - error: ErrNotIdle, ErrStopped, or inference.ErrExhausted wrapping the causes.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Idle {
		s.mu.Unlock()
		return ErrNotIdle
	}
	s.mu.Unlock()

	order := []inference.ResourceKind{inference.Accelerated, inference.General}
	if s.cfg.Preferred == inference.General {
		order = order[1:]
	}

	var causes []error
	for _, kind := range order {
		p, err := s.build(ctx, kind)
		if err != nil {
			s.log.Warn("resource initialization failed",
				slog.String("resource", string(kind)), slog.Any("error", err))
			causes = append(causes, err)
			continue
		}

		s.mu.Lock()
		if s.state != Idle {
			s.mu.Unlock()
			s.drain(p)
			return ErrStopped
		}
		s.active = p
		s.state = runningState(kind)
		s.monitor.SetActive(kind)
		s.mu.Unlock()

		s.log.Info("scheduler started",
			slog.String("state", string(runningState(kind))),
			slog.String("pool", p.ID()))
		return nil
	}

	err := errors.Wrapf(inference.ErrExhausted, "%v", causes)

	s.mu.Lock()
	if s.state == Idle {
		s.state = Halted
	}
	s.mu.Unlock()

	s.log.Error("scheduler halted", slog.Any("error", err))
	s.sink.OnError(ErrorInfo{Err: err, Fatal: true, At: s.now()})
	return err
}

// build creates the pool of kind.
func (s *Scheduler) build(ctx context.Context, kind inference.ResourceKind) (pool.Pool, error) {
	opts := pool.Options{Mismatch: s.cfg.Mismatch, Logger: s.log}

	if kind == inference.Accelerated {
		res := inference.Resource{Kind: inference.Accelerated, Threads: s.cfg.AcceleratorThreads}
		p, err := pool.NewSingle(ctx, s.factory, res, opts)
		if err != nil {
			return nil, err
		}
		return p, nil
	}

	res := inference.Resource{Kind: inference.General, Threads: s.cfg.WorkerThreads}
	p, err := pool.NewFixed(ctx, s.factory, res, pool.FixedOptions{
		Options:      opts,
		Workers:      s.cfg.Workers,
		Buffer:       s.cfg.Buffer,
		Backpressure: s.cfg.Backpressure,
		MaxQueue:     s.cfg.MaxQueue,
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// OnFrame takes ownership of f and routes it to the active pool. It never
// blocks on inference.
func (s *Scheduler) OnFrame(f *frames.Frame) {
	if f == nil {
		return
	}

	s.mu.Lock()
	s.stats.Dispatched++

	var (
		rejected error
		from     pool.Pool
	)
	switch s.state {
	case RunningAccelerated, RunningGeneral:
		from = s.active
		rejected = s.dispatchLocked(from, f)
	case FailingOver:
		if s.cfg.Hold == HoldLatest {
			if old := s.held; old != nil {
				s.stats.Dropped++
				old.Release()
			}
			s.held = f
		} else {
			s.stats.Dropped++
			f.Release()
		}
	default:
		s.stats.Dropped++
		f.Release()
	}
	s.mu.Unlock()

	if rejected != nil {
		s.reportRejected(from, rejected)
	}
}

// dispatchLocked hands f to p and starts its completion waiter. The returned
// error means the pool refused the frame, which it has already released.
// Caller holds mu.
func (s *Scheduler) dispatchLocked(p pool.Pool, f *frames.Frame) error {
	seq := f.Seq
	_, span := s.tracer.Start(s.ctx, "scheduler.dispatch", trace.WithAttributes(
		attribute.Int64("frame.seq", int64(seq)),
		attribute.String("pool.kind", string(p.Kind())),
		attribute.String("pool.id", p.ID()),
		attribute.String("resource.kind", string(p.Resource().Kind)),
	))

	ch, err := p.Dispatch(f)
	if err != nil {
		s.stats.Dropped++
		span.SetAttributes(attribute.String("outcome", "rejected"))
		span.RecordError(err)
		span.SetStatus(codes.Error, "rejected")
		span.End()
		return errors.WithMessagef(err, "frame %d", seq)
	}

	s.inflight.Add(1)
	go s.await(p, ch, span)
	return nil
}

func (s *Scheduler) reportRejected(p pool.Pool, err error) {
	s.log.Debug("frame rejected", slog.String("pool", p.ID()), slog.Any("error", err))
	s.sink.OnError(ErrorInfo{
		Resource: p.Resource().Kind,
		PoolID:   p.ID(),
		Err:      err,
		At:       s.now(),
	})
}

// await delivers one completion.
func (s *Scheduler) await(p pool.Pool, ch <-chan pool.Completion, span trace.Span) {
	defer s.inflight.Done()
	defer span.End()

	c := <-ch

	switch {
	case c.Dropped:
		s.mu.Lock()
		s.stats.Dropped++
		s.mu.Unlock()
		span.SetAttributes(attribute.String("outcome", "dropped"))

	case c.Err != nil:
		s.mu.Lock()
		s.stats.Failed++
		s.mu.Unlock()
		span.SetAttributes(attribute.String("outcome", "failed"))
		span.RecordError(c.Err)
		span.SetStatus(codes.Error, "inference failed")
		s.sink.OnError(ErrorInfo{
			Seq:      c.Seq,
			Resource: p.Resource().Kind,
			PoolID:   p.ID(),
			Err:      c.Err,
			At:       s.now(),
		})

	default:
		r := c.Result
		tripped := s.monitor.Observe(monitor.Sample{Seq: r.Seq, Duration: r.Duration, Kind: r.Resource})

		s.mu.Lock()
		s.stats.Completed++
		s.mu.Unlock()
		span.SetAttributes(
			attribute.String("outcome", "completed"),
			attribute.Int64("latency.ms", r.Duration.Milliseconds()),
		)

		// Detach before the result is published so that frames submitted in
		// reaction to it never reach the degraded pool.
		if tripped {
			s.failover(p, r)
		}
		s.sink.OnResult(r)
	}
}

// failover detaches from and starts building the general purpose pool.
func (s *Scheduler) failover(from pool.Pool, trigger *inference.Result) {
	s.mu.Lock()
	if s.state != RunningAccelerated || s.active != from {
		s.mu.Unlock()
		return
	}
	s.state = FailingOver
	s.active = nil
	s.inflight.Add(1)
	s.mu.Unlock()

	s.log.Warn("accelerator latency above threshold, failing over",
		slog.Uint64("seq", trigger.Seq),
		slog.Duration("latency", trigger.Duration),
		slog.String("from", from.ID()))

	go s.attach(from)
}

// attach builds the general purpose pool, attaches it and retires old. If the
// new pool cannot be built, old is attached again.
func (s *Scheduler) attach(old pool.Pool) {
	defer s.inflight.Done()

	next, err := s.build(s.ctx, inference.General)

	s.mu.Lock()
	if s.state == Stopped {
		s.mu.Unlock()
		if next != nil {
			s.drain(next)
		}
		s.drain(old)
		return
	}

	target := next
	if err != nil {
		target = old
		s.state = RunningAccelerated
		s.monitor.Reset()
	} else {
		s.state = RunningGeneral
		s.monitor.SetActive(inference.General)
		s.stats.Failovers++
	}
	s.active = target

	var rejected error
	if held := s.held; held != nil {
		s.held = nil
		rejected = s.dispatchLocked(target, held)
	}
	s.mu.Unlock()

	if rejected != nil {
		s.reportRejected(target, rejected)
	}

	if err != nil {
		s.log.Error("failover aborted, keeping accelerator", slog.Any("error", err))
		s.sink.OnError(ErrorInfo{
			Resource: inference.General,
			Err:      errors.WithMessage(err, "failover"),
			At:       s.now(),
		})
		return
	}

	s.log.Info("failover complete",
		slog.String("state", string(RunningGeneral)),
		slog.String("pool", next.ID()),
		slog.Int("workers", s.cfg.Workers))
	s.drain(old)
}

// drain retires p within the configured timeout.
func (s *Scheduler) drain(p pool.Pool) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DrainTimeout)
	defer cancel()

	if err := p.Drain(ctx); err != nil {
		s.log.Warn("pool drain incomplete", slog.String("pool", p.ID()), slog.Any("error", err))
	}
}

// Stop drains the active pool, drops a held frame and waits for pending
// completions. The scheduler cannot be restarted.
//
// Arguments:
//   - ctx: Bounds the wait. Without a deadline the configured drain timeout applies.
//
// Returns:
//   - error: pool.ErrDrainTimeout when work was still running at the deadline.
func (s *Scheduler) Stop(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.DrainTimeout)
		defer cancel()
	}

	s.mu.Lock()
	if s.state == Stopped {
		s.mu.Unlock()
		return nil
	}
	prev := s.state
	s.state = Stopped
	active := s.active
	s.active = nil
	held := s.held
	s.held = nil
	if held != nil {
		s.stats.Dropped++
	}
	s.mu.Unlock()

	s.cancel()
	if held != nil {
		held.Release()
	}

	var err error
	if active != nil {
		err = active.Drain(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = errors.Wrap(pool.ErrDrainTimeout, "waiting for completions")
		}
	}

	st := s.Stats()
	s.log.Info("scheduler stopped",
		slog.String("from", string(prev)),
		slog.Uint64("dispatched", st.Dispatched),
		slog.Uint64("completed", st.Completed),
		slog.Uint64("failed", st.Failed),
		slog.Uint64("dropped", st.Dropped),
		slog.Uint64("failovers", st.Failovers))
	return err
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns a snapshot of the scheduler counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	st := s.stats
	st.State = s.state
	st.Held = s.held != nil
	if s.active != nil {
		st.Active = s.active.Resource().Kind
		st.PoolID = s.active.ID()
	}
	s.mu.Unlock()

	st.Latency = s.monitor.Stats()
	return st
}
