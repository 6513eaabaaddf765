package pool

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-ml-scheduler/frames"
	"github.com/nvr-ai/go-ml-scheduler/inference"
)

type task struct {
	frame *frames.Frame
	ch    chan Completion
}

// Single runs one worker on one goroutine. Its mailbox holds at most one
// pending frame: a newer frame replaces the pending one, which completes as
// dropped with ErrSuperseded. Frames are started in submission order.
type Single struct {
	id     string
	res    inference.Resource
	worker inference.Worker
	buf    *frames.DecodeBuffer
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	cond    *sync.Cond
	pending *task
	closed  bool
	stats   Stats
	done    chan struct{}
}

var _ Pool = (*Single)(nil)

// NewSingle initializes one worker on res and starts its goroutine.
//
// Arguments:
//   - ctx: Bounds worker initialization only.
//   - factory: Creates the worker.
//   - res: The resource the worker runs on.
//   - opts: Pool options.
//
// Returns:
//   - *Single: The running pool.
//   - error: An *inference.InitError if the worker could not be created.
func NewSingle(ctx context.Context, factory inference.Factory, res inference.Resource, opts Options) (*Single, error) {
	if res.Threads < 1 {
		res.Threads = 1
	}

	buf := frames.NewDecodeBuffer(opts.Mismatch)
	w, err := newWorker(ctx, factory, res, buf)
	if err != nil {
		buf.Release()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p := &Single{
		id:     opts.id(SingleKind),
		res:    res,
		worker: w,
		buf:    buf,
		ctx:    runCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	p.log = opts.logger().With(slog.String("pool", p.id), slog.String("resource", res.String()))
	p.cond = sync.NewCond(&p.mu)
	p.stats.Workers = 1

	go p.loop()

	p.log.Info("single pool started", slog.String("worker", w.ID()))
	return p, nil
}

// ID returns the pool id.
func (p *Single) ID() string { return p.id }

// Kind returns SingleKind.
func (p *Single) Kind() Kind { return SingleKind }

// Resource returns the worker's resource.
func (p *Single) Resource() inference.Resource { return p.res }

// Dispatch replaces the pending frame with f. It never blocks on inference.
func (p *Single) Dispatch(f *frames.Frame) (<-chan Completion, error) {
	if f == nil {
		return nil, errors.Wrap(frames.ErrInvalidFrame, "nil frame")
	}

	p.mu.Lock()
	if p.closed {
		p.stats.Rejected++
		p.mu.Unlock()
		f.Release()
		return nil, ErrPoolClosed
	}

	t := &task{frame: f, ch: make(chan Completion, 1)}
	old := p.pending
	p.pending = t
	p.stats.Submitted++
	p.stats.Queued = 1
	if old != nil {
		p.stats.Dropped++
	}
	p.cond.Signal()
	p.mu.Unlock()

	if old != nil {
		p.log.Debug("pending frame superseded",
			slog.Uint64("seq", old.frame.Seq), slog.Uint64("by", f.Seq))
		drop(old.frame, old.ch, ErrSuperseded)
	}
	return t.ch, nil
}

func (p *Single) loop() {
	defer func() {
		if err := p.worker.Close(); err != nil {
			p.log.Warn("closing worker", slog.Any("error", err))
		}
		p.buf.Release()
		p.cancel()
		close(p.done)
	}()

	for {
		p.mu.Lock()
		for p.pending == nil && !p.closed {
			p.cond.Wait()
		}
		if p.pending == nil {
			p.mu.Unlock()
			return
		}
		t := p.pending
		p.pending = nil
		p.stats.Queued = 0
		p.stats.InFlight = 1
		p.stats.MaxInFlight = 1
		p.mu.Unlock()

		c := infer(p.ctx, p.worker, p.id, t.frame)

		p.mu.Lock()
		p.stats.InFlight = 0
		p.stats.record(c)
		p.mu.Unlock()

		t.ch <- c
	}
}

// Drain discards the pending frame and waits for the in-flight one.
func (p *Single) Drain(ctx context.Context) error {
	p.mu.Lock()
	var pending *task
	if !p.closed {
		p.closed = true
		pending = p.pending
		p.pending = nil
		p.stats.Queued = 0
		if pending != nil {
			p.stats.Dropped++
		}
		p.cond.Broadcast()
	}
	p.mu.Unlock()

	if pending != nil {
		drop(pending.frame, pending.ch, ErrPoolClosed)
	}

	select {
	case <-p.done:
		p.log.Info("single pool drained")
		return nil
	case <-ctx.Done():
		// The worker is closed by the loop once the in-flight call returns.
		p.cancel()
		p.log.Warn("single pool drain timed out")
		return errors.Wrapf(ErrDrainTimeout, "pool %s", p.id)
	}
}

// Stats returns a snapshot of the pool counters.
func (p *Single) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
