package pool

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gammazero/workerpool"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-ml-scheduler/frames"
	"github.com/nvr-ai/go-ml-scheduler/inference"
)

// BufferPolicy decides how workers of a fixed pool obtain a decode buffer.
type BufferPolicy string

const (
	// PrivateBuffers gives every worker its own decode buffer.
	PrivateBuffers BufferPolicy = "private"
	// SharedBuffer makes every worker copy through one locked decode buffer.
	SharedBuffer BufferPolicy = "shared"
)

// Backpressure decides what Dispatch does when every worker is busy.
type Backpressure string

const (
	// QueueBackpressure queues frames until a worker is free, up to MaxQueue.
	QueueBackpressure Backpressure = "queue"
	// RejectBackpressure fails Dispatch with inference.ErrResourceUnavailable.
	RejectBackpressure Backpressure = "reject"
)

// FixedOptions configures a Fixed pool.
type FixedOptions struct {
	Options
	// Workers is the number of workers and goroutines, at least 1.
	Workers int
	// Buffer is the decode buffer policy, PrivateBuffers by default.
	Buffer BufferPolicy
	// Backpressure is QueueBackpressure by default.
	Backpressure Backpressure
	// MaxQueue bounds frames waiting for a worker; 0 means unbounded.
	MaxQueue int
}

// Fixed runs a fixed number of workers concurrently. Each running frame holds
// one worker exclusively; frames beyond the worker count wait in FIFO order.
type Fixed struct {
	id    string
	res   inference.Resource
	opts  FixedOptions
	log   *slog.Logger
	wp    *workerpool.WorkerPool
	idle  chan inference.Worker
	bufs  []*frames.DecodeBuffer
	inUse sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	draining bool
	open     int
	stats    Stats
}

var _ Pool = (*Fixed)(nil)

// NewFixed initializes opts.Workers workers on res and starts the executor.
// If any worker fails to initialize, the ones already created are closed.
//
// Arguments:
//   - ctx: Bounds worker initialization only.
//   - factory: Creates the workers.
//   - res: The resource each worker runs on.
//   - opts: Pool options.
//
// Returns:
//   - *Fixed: The running pool.
//   - error: An *inference.InitError if a worker could not be created.
func NewFixed(ctx context.Context, factory inference.Factory, res inference.Resource, opts FixedOptions) (*Fixed, error) {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if res.Threads < 1 {
		res.Threads = 1
	}
	if opts.Buffer == "" {
		opts.Buffer = PrivateBuffers
	}
	if opts.Backpressure == "" {
		opts.Backpressure = QueueBackpressure
	}

	var (
		bufs   []*frames.DecodeBuffer
		shared *frames.DecodeBuffer
	)
	if opts.Buffer == SharedBuffer {
		shared = frames.NewDecodeBuffer(opts.Mismatch)
		bufs = append(bufs, shared)
	}

	workers := make([]inference.Worker, 0, opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		buf := shared
		if buf == nil {
			buf = frames.NewDecodeBuffer(opts.Mismatch)
			bufs = append(bufs, buf)
		}

		w, err := newWorker(ctx, factory, res, buf)
		if err != nil {
			for _, created := range workers {
				_ = created.Close()
			}
			for _, b := range bufs {
				b.Release()
			}
			return nil, errors.WithMessagef(err, "worker %d of %d", i+1, opts.Workers)
		}
		workers = append(workers, w)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p := &Fixed{
		id:     opts.id(FixedKind),
		res:    res,
		opts:   opts,
		wp:     workerpool.New(opts.Workers),
		idle:   make(chan inference.Worker, opts.Workers),
		bufs:   bufs,
		ctx:    runCtx,
		cancel: cancel,
		open:   len(workers),
	}
	p.log = opts.logger().With(slog.String("pool", p.id), slog.String("resource", res.String()))
	p.stats.Workers = len(workers)
	for _, w := range workers {
		p.idle <- w
	}

	p.log.Info("fixed pool started",
		slog.Int("workers", len(workers)),
		slog.String("buffer", string(opts.Buffer)),
		slog.String("backpressure", string(opts.Backpressure)))
	return p, nil
}

// ID returns the pool id.
func (p *Fixed) ID() string { return p.id }

// Kind returns FixedKind.
func (p *Fixed) Kind() Kind { return FixedKind }

// Resource returns the resource each worker runs on.
func (p *Fixed) Resource() inference.Resource { return p.res }

// Size returns the number of workers.
func (p *Fixed) Size() int { return p.opts.Workers }

// Dispatch queues f for the next free worker.
func (p *Fixed) Dispatch(f *frames.Frame) (<-chan Completion, error) {
	if f == nil {
		return nil, errors.Wrap(frames.ErrInvalidFrame, "nil frame")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		p.stats.Rejected++
		f.Release()
		return nil, ErrPoolClosed
	}

	limit := p.opts.Workers
	if p.opts.Backpressure == QueueBackpressure {
		limit = -1
		if p.opts.MaxQueue > 0 {
			limit = p.opts.Workers + p.opts.MaxQueue
		}
	}
	if limit >= 0 && p.stats.InFlight+p.stats.Queued >= limit {
		p.stats.Rejected++
		f.Release()
		return nil, errors.Wrapf(inference.ErrResourceUnavailable,
			"pool %s: %d running, %d queued", p.id, p.stats.InFlight, p.stats.Queued)
	}

	ch := make(chan Completion, 1)
	p.stats.Submitted++
	p.stats.Queued++
	p.inUse.Add(1)
	// Submitted under mu so that Drain cannot stop the executor in between.
	p.wp.Submit(func() { p.run(f, ch) })
	return ch, nil
}

func (p *Fixed) run(f *frames.Frame, ch chan<- Completion) {
	defer p.inUse.Done()

	p.mu.Lock()
	p.stats.Queued--
	if p.closed {
		p.stats.Dropped++
		p.mu.Unlock()
		drop(f, ch, ErrPoolClosed)
		return
	}
	// The executor runs at most Workers tasks at once and workers are put
	// back before a task returns, so one is idle unless the pool is draining.
	var w inference.Worker
	select {
	case w = <-p.idle:
	default:
		p.stats.Dropped++
		p.mu.Unlock()
		drop(f, ch, errors.Wrapf(inference.ErrResourceUnavailable, "pool %s: no idle worker", p.id))
		return
	}
	p.stats.InFlight++
	if p.stats.InFlight > p.stats.MaxInFlight {
		p.stats.MaxInFlight = p.stats.InFlight
	}
	p.mu.Unlock()

	c := infer(p.ctx, w, p.id, f)
	p.putWorker(w)

	p.mu.Lock()
	p.stats.InFlight--
	p.stats.record(c)
	p.mu.Unlock()

	ch <- c
}

// putWorker returns w to the idle set, or closes it once the pool is draining.
func (p *Fixed) putWorker(w inference.Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.draining {
		p.closeWorker(w)
		return
	}
	p.idle <- w
}

// closeWorker closes w and releases the pool resources after the last one.
// Caller holds mu.
func (p *Fixed) closeWorker(w inference.Worker) {
	if err := w.Close(); err != nil {
		p.log.Warn("closing worker", slog.String("worker", w.ID()), slog.Any("error", err))
	}
	p.open--
	if p.open > 0 {
		return
	}
	for _, b := range p.bufs {
		b.Release()
	}
	p.cancel()
	p.log.Info("fixed pool released")
}

// shutdown closes idle workers; busy ones are closed by putWorker.
func (p *Fixed) shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.draining {
		return
	}
	p.draining = true
	for {
		select {
		case w := <-p.idle:
			p.closeWorker(w)
		default:
			return
		}
	}
}

// Drain discards queued frames and waits for running ones.
func (p *Fixed) Drain(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.inUse.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.shutdown()
		p.wp.StopWait()
		p.log.Info("fixed pool drained")
		return nil
	case <-ctx.Done():
		p.cancel()
		p.shutdown()
		// Queued tasks still run and drop their frames.
		go p.wp.StopWait()
		p.log.Warn("fixed pool drain timed out")
		return errors.Wrapf(ErrDrainTimeout, "pool %s", p.id)
	}
}

// Stats returns a snapshot of the pool counters.
func (p *Fixed) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
