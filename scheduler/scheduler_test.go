package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/nvr-ai/go-ml-scheduler/frames"
	"github.com/nvr-ai/go-ml-scheduler/inference"
	"github.com/nvr-ai/go-ml-scheduler/inference/fake"
	"github.com/nvr-ai/go-ml-scheduler/lgr"
	"github.com/nvr-ai/go-ml-scheduler/monitor"
)

const waitFor = 2 * time.Second

func ms(v ...int) []time.Duration {
	out := make([]time.Duration, len(v))
	for i, x := range v {
		out[i] = time.Duration(x) * time.Millisecond
	}
	return out
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

// collector is a Sink recording everything it receives.
type collector struct {
	results chan *inference.Result
	errs    chan ErrorInfo
}

func newCollector() *collector {
	return &collector{
		results: make(chan *inference.Result, 512),
		errs:    make(chan ErrorInfo, 512),
	}
}

func (c *collector) OnResult(r *inference.Result) { c.results <- r }
func (c *collector) OnError(e ErrorInfo)          { c.errs <- e }

func (c *collector) result(t *testing.T) *inference.Result {
	t.Helper()
	select {
	case r := <-c.results:
		return r
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a result")
		return nil
	}
}

func (c *collector) err(t *testing.T) ErrorInfo {
	t.Helper()
	select {
	case e := <-c.errs:
		return e
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for an error")
		return ErrorInfo{}
	}
}

type frameSource struct {
	released atomic.Int32
	seq      atomic.Uint64
}

func (s *frameSource) next() *frames.Frame {
	return frames.New(s.seq.Add(1), 4, 4, frames.RGBA8888, make([]byte, 64),
		func(*frames.Frame) { s.released.Add(1) })
}

func newScheduler(cfg Config, factory inference.Factory, sink Sink, opts ...Option) *Scheduler {
	return New(cfg, factory, sink, append([]Option{WithLogger(lgr.Discard())}, opts...)...)
}

func stop(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestFailoverOnSlowAccelerator(t *testing.T) {
	script := &fake.Script{
		Latency: map[inference.ResourceKind][]time.Duration{
			inference.Accelerated: ms(80, 90, 310),
			inference.General:     ms(150),
		},
		Sleep: noSleep,
	}
	sink := newCollector()
	src := &frameSource{}
	s := newScheduler(Config{}, script.Factory(), sink)

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, RunningAccelerated, s.State())

	for i, want := range ms(80, 90, 310) {
		s.OnFrame(src.next())
		r := sink.result(t)
		assert.Equal(t, uint64(i+1), r.Seq)
		assert.Equal(t, want, r.Duration)
		assert.Equal(t, inference.Accelerated, r.Resource)
	}

	require.Eventually(t, func() bool { return s.State() == RunningGeneral }, waitFor, time.Millisecond)

	for i := 0; i < 3; i++ {
		s.OnFrame(src.next())
		r := sink.result(t)
		assert.Equal(t, inference.General, r.Resource, "frames after failover go to the general pool")
	}

	st := s.Stats()
	assert.Equal(t, uint64(1), st.Failovers)
	assert.Equal(t, inference.General, st.Active)
	assert.Equal(t, int64(3), st.Latency[inference.Accelerated].Count)

	stop(t, s)
	st = s.Stats()
	assert.Equal(t, Stopped, st.State)
	assert.Equal(t, uint64(6), st.Completed)
	assert.Equal(t, st.Dispatched, st.Completed+st.Failed+st.Dropped)
	assert.Equal(t, int32(6), src.released.Load())
	assert.Equal(t, 1, script.Stats().Inits[inference.Accelerated])
	assert.Equal(t, 2, script.Stats().Inits[inference.General])
	assert.Equal(t, 3, script.Stats().Closed)
}

func TestNoFailoverBelowThreshold(t *testing.T) {
	script := &fake.Script{
		Latency: map[inference.ResourceKind][]time.Duration{inference.Accelerated: ms(80, 300, 120)},
		Sleep:   noSleep,
	}
	sink := newCollector()
	src := &frameSource{}
	s := newScheduler(Config{}, script.Factory(), sink)
	require.NoError(t, s.Start(context.Background()))

	for i := 0; i < 5; i++ {
		s.OnFrame(src.next())
		assert.Equal(t, inference.Accelerated, sink.result(t).Resource)
	}
	assert.Equal(t, RunningAccelerated, s.State())
	assert.Zero(t, s.Stats().Failovers)
	stop(t, s)
}

func TestFailoverHappensOnce(t *testing.T) {
	script := &fake.Script{
		Latency: map[inference.ResourceKind][]time.Duration{
			inference.Accelerated: ms(400),
			inference.General:     ms(900),
		},
		Sleep: noSleep,
	}
	sink := newCollector()
	src := &frameSource{}
	s := newScheduler(Config{}, script.Factory(), sink)
	require.NoError(t, s.Start(context.Background()))

	s.OnFrame(src.next())
	sink.result(t)
	require.Eventually(t, func() bool { return s.State() == RunningGeneral }, waitFor, time.Millisecond)

	for i := 0; i < 4; i++ {
		s.OnFrame(src.next())
		sink.result(t)
	}
	assert.Equal(t, RunningGeneral, s.State(), "no fail-back and no second failover")
	assert.Equal(t, uint64(1), s.Stats().Failovers)
	stop(t, s)
}

func TestStartFallsBackWhenAcceleratorUnavailable(t *testing.T) {
	script := &fake.Script{
		InitErr: map[inference.ResourceKind]error{inference.Accelerated: errors.New("no accelerator")},
		Sleep:   noSleep,
	}
	sink := newCollector()
	src := &frameSource{}
	s := newScheduler(Config{Workers: 3}, script.Factory(), sink)

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, RunningGeneral, s.State())
	assert.Equal(t, 3, script.Stats().Inits[inference.General])

	s.OnFrame(src.next())
	assert.Equal(t, inference.General, sink.result(t).Resource)
	stop(t, s)
}

func TestStartPreferGeneral(t *testing.T) {
	script := &fake.Script{Sleep: noSleep}
	s := newScheduler(Config{Preferred: inference.General}, script.Factory(), nil)

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, RunningGeneral, s.State())
	assert.Zero(t, script.Stats().Inits[inference.Accelerated])
	stop(t, s)
}

func TestStartHaltsWhenEverythingFails(t *testing.T) {
	script := &fake.Script{
		InitErr: map[inference.ResourceKind]error{
			inference.Accelerated: errors.New("no accelerator"),
			inference.General:     errors.New("no memory"),
		},
	}
	sink := newCollector()
	src := &frameSource{}
	s := newScheduler(Config{}, script.Factory(), sink)

	err := s.Start(context.Background())
	assert.True(t, errors.Is(err, inference.ErrExhausted))
	assert.Equal(t, Halted, s.State())

	fatal := sink.err(t)
	assert.True(t, fatal.Fatal)
	assert.True(t, errors.Is(fatal.Err, inference.ErrExhausted))

	s.OnFrame(src.next())
	assert.Equal(t, int32(1), src.released.Load(), "frames are released while halted")
	assert.Equal(t, uint64(1), s.Stats().Dropped)

	stop(t, s)
	assert.Equal(t, ErrNotIdle, s.Start(context.Background()))
}

func TestStartTwice(t *testing.T) {
	script := &fake.Script{Sleep: noSleep}
	s := newScheduler(Config{}, script.Factory(), nil)
	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, ErrNotIdle, s.Start(context.Background()))
	stop(t, s)
}

func TestFramesBeforeStartAreDropped(t *testing.T) {
	src := &frameSource{}
	s := newScheduler(Config{}, (&fake.Script{}).Factory(), nil)

	s.OnFrame(src.next())
	s.OnFrame(nil)
	assert.Equal(t, int32(1), src.released.Load())
	st := s.Stats()
	assert.Equal(t, uint64(1), st.Dispatched)
	assert.Equal(t, uint64(1), st.Dropped)
	assert.Equal(t, Idle, st.State)
}

func TestFailedFailoverKeepsAccelerator(t *testing.T) {
	script := &fake.Script{
		Latency: map[inference.ResourceKind][]time.Duration{inference.Accelerated: ms(350, 100)},
		InitErr: map[inference.ResourceKind]error{inference.General: errors.New("no memory")},
		Sleep:   noSleep,
	}
	sink := newCollector()
	src := &frameSource{}
	s := newScheduler(Config{}, script.Factory(), sink)
	require.NoError(t, s.Start(context.Background()))

	s.OnFrame(src.next())
	assert.Equal(t, inference.Accelerated, sink.result(t).Resource)

	e := sink.err(t)
	assert.False(t, e.Fatal)
	assert.True(t, errors.Is(e.Err, inference.ErrInit))
	require.Eventually(t, func() bool { return s.State() == RunningAccelerated }, waitFor, time.Millisecond)

	s.OnFrame(src.next())
	assert.Equal(t, inference.Accelerated, sink.result(t).Resource)
	assert.Zero(t, s.Stats().Failovers)
	stop(t, s)
}

// gatedFactory blocks general purpose worker creation until open is closed.
func gatedFactory(script *fake.Script, open <-chan struct{}) inference.Factory {
	next := script.Factory()
	return func(ctx context.Context, res inference.Resource, buf *frames.DecodeBuffer) (inference.Worker, error) {
		if res.Kind == inference.General {
			select {
			case <-open:
			case <-ctx.Done():
				return nil, inference.NewInitError(res, ctx.Err())
			}
		}
		return next(ctx, res, buf)
	}
}

func TestFramesDuringFailover(t *testing.T) {
	tests := []struct {
		name        string
		hold        HoldPolicy
		wantDropped uint64
		wantResult  bool
	}{
		{"keep only latest", HoldLatest, 2, true},
		{"drop", HoldDrop, 3, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			script := &fake.Script{
				Latency: map[inference.ResourceKind][]time.Duration{inference.Accelerated: ms(500)},
				Sleep:   noSleep,
			}
			open := make(chan struct{})
			sink := newCollector()
			src := &frameSource{}
			s := newScheduler(Config{Hold: tt.hold}, gatedFactory(script, open), sink)
			require.NoError(t, s.Start(context.Background()))

			s.OnFrame(src.next())
			sink.result(t)
			require.Equal(t, FailingOver, s.State(), "detached before the result is published")

			for i := 0; i < 3; i++ {
				s.OnFrame(src.next())
			}
			st := s.Stats()
			assert.Equal(t, tt.wantDropped, st.Dropped)
			assert.Equal(t, tt.wantResult, st.Held)
			assert.Equal(t, int32(1+tt.wantDropped), src.released.Load())

			close(open)
			require.Eventually(t, func() bool { return s.State() == RunningGeneral }, waitFor, time.Millisecond)

			if tt.wantResult {
				r := sink.result(t)
				assert.Equal(t, uint64(4), r.Seq, "the newest held frame reaches the new pool")
				assert.Equal(t, inference.General, r.Resource)
			}

			stop(t, s)
			st = s.Stats()
			assert.Equal(t, st.Dispatched, st.Completed+st.Failed+st.Dropped)
			assert.Equal(t, int32(4), src.released.Load())
		})
	}
}

func TestStopDuringFailover(t *testing.T) {
	script := &fake.Script{
		Latency: map[inference.ResourceKind][]time.Duration{inference.Accelerated: ms(500)},
		Sleep:   noSleep,
	}
	open := make(chan struct{})
	sink := newCollector()
	src := &frameSource{}
	s := newScheduler(Config{}, gatedFactory(script, open), sink)
	require.NoError(t, s.Start(context.Background()))

	s.OnFrame(src.next())
	sink.result(t)
	s.OnFrame(src.next())
	require.True(t, s.Stats().Held)

	stop(t, s)
	assert.Equal(t, Stopped, s.State())
	assert.Equal(t, int32(2), src.released.Load())
	assert.Equal(t, 1, script.Stats().Closed, "the retired accelerator worker is closed")

	st := s.Stats()
	assert.Equal(t, st.Dispatched, st.Completed+st.Failed+st.Dropped)
}

func TestStopWaitsForInFlight(t *testing.T) {
	block := make(chan struct{})
	script := &fake.Script{Block: block, Sleep: noSleep}
	sink := newCollector()
	src := &frameSource{}
	s := newScheduler(Config{}, script.Factory(), sink)
	require.NoError(t, s.Start(context.Background()))

	s.OnFrame(src.next())
	require.Eventually(t, func() bool { return script.Stats().InFlight == 1 }, waitFor, time.Millisecond)

	stopped := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		stopped <- s.Stop(ctx)
	}()

	select {
	case <-stopped:
		t.Fatal("stop returned while a frame was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(block)
	require.NoError(t, <-stopped)
	assert.Equal(t, uint64(1), sink.result(t).Seq)

	s.OnFrame(src.next())
	assert.Equal(t, int32(2), src.released.Load())
	require.NoError(t, s.Stop(context.Background()), "stop is idempotent")
}

func TestInferErrorsReachSink(t *testing.T) {
	script := &fake.Script{FailSeqs: map[uint64]bool{2: true}, Sleep: noSleep}
	sink := newCollector()
	src := &frameSource{}
	s := newScheduler(Config{}, script.Factory(), sink)
	require.NoError(t, s.Start(context.Background()))

	s.OnFrame(src.next())
	sink.result(t)
	s.OnFrame(src.next())
	e := sink.err(t)
	assert.Equal(t, uint64(2), e.Seq)
	assert.Equal(t, inference.Accelerated, e.Resource)
	assert.True(t, errors.Is(e.Err, inference.ErrInfer))
	assert.False(t, e.Fatal)

	s.OnFrame(src.next())
	assert.Equal(t, uint64(3), sink.result(t).Seq)

	stop(t, s)
	assert.Equal(t, uint64(1), s.Stats().Failed)
}

func TestRejectedFramesAreReported(t *testing.T) {
	block := make(chan struct{})
	script := &fake.Script{Block: block, Sleep: noSleep}
	sink := newCollector()
	src := &frameSource{}
	s := newScheduler(Config{Preferred: inference.General, Workers: 1, Backpressure: "reject"},
		script.Factory(), sink)
	require.NoError(t, s.Start(context.Background()))

	s.OnFrame(src.next())
	s.OnFrame(src.next())

	e := sink.err(t)
	assert.True(t, errors.Is(e.Err, inference.ErrResourceUnavailable))
	assert.Equal(t, uint64(1), s.Stats().Dropped)

	close(block)
	sink.result(t)
	stop(t, s)
	assert.Equal(t, int32(2), src.released.Load())
}

func TestAccountingUnderLoad(t *testing.T) {
	script := &fake.Script{
		LatencyFn: fake.Degrading(50*time.Millisecond, 400*time.Millisecond, 100*time.Millisecond, 10),
		FailSeqs:  map[uint64]bool{5: true, 77: true},
		Sleep: func(ctx context.Context, _ time.Duration) error {
			time.Sleep(100 * time.Microsecond)
			return ctx.Err()
		},
	}
	sink := newCollector()
	src := &frameSource{}
	policy := monitor.ThresholdPolicy{Threshold: 300 * time.Millisecond, Window: 2, MinExceed: 1}
	s := newScheduler(Config{Policy: policy, Workers: 2}, script.Factory(), sink)
	require.NoError(t, s.Start(context.Background()))

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				s.OnFrame(src.next())
				time.Sleep(50 * time.Microsecond)
			}
		}()
	}
	wg.Wait()

	stop(t, s)
	st := s.Stats()
	assert.Equal(t, uint64(200), st.Dispatched)
	assert.Equal(t, st.Dispatched, st.Completed+st.Failed+st.Dropped)
	assert.Equal(t, int32(200), src.released.Load())
	assert.Equal(t, int(st.Completed), len(sink.results))
	assert.LessOrEqual(t, st.Failovers, uint64(1))
}

// recordingTracer remembers the attributes of every started span.
type recordingTracer struct {
	noop.Tracer
	mu    sync.Mutex
	spans [][]attribute.KeyValue
}

func (r *recordingTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	cfg := trace.NewSpanStartConfig(opts...)
	r.mu.Lock()
	r.spans = append(r.spans, cfg.Attributes())
	r.mu.Unlock()
	return r.Tracer.Start(ctx, name, opts...)
}

type recordingProvider struct {
	noop.TracerProvider
	tracer *recordingTracer
}

func (p recordingProvider) Tracer(string, ...trace.TracerOption) trace.Tracer { return p.tracer }

func TestDispatchSpans(t *testing.T) {
	tracer := &recordingTracer{}
	script := &fake.Script{Sleep: noSleep}
	sink := newCollector()
	src := &frameSource{}
	s := newScheduler(Config{}, script.Factory(), sink,
		WithTracerProvider(recordingProvider{tracer: tracer}))
	require.NoError(t, s.Start(context.Background()))

	s.OnFrame(src.next())
	sink.result(t)
	stop(t, s)

	tracer.mu.Lock()
	defer tracer.mu.Unlock()
	require.Len(t, tracer.spans, 1)
	assert.Contains(t, tracer.spans[0], attribute.Int64("frame.seq", 1))
	assert.Contains(t, tracer.spans[0], attribute.String("resource.kind", "accelerated"))
	assert.Contains(t, tracer.spans[0], attribute.String("pool.kind", "single"))
}
