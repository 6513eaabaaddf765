package fake

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-ml-scheduler/frames"
	"github.com/nvr-ai/go-ml-scheduler/inference"
)

func frame(seq uint64) *frames.Frame {
	return frames.New(seq, 2, 2, frames.RGBA8888, make([]byte, 16), nil)
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func TestScriptedLatencyAndFailures(t *testing.T) {
	s := &Script{
		Latency: map[inference.ResourceKind][]time.Duration{
			inference.Accelerated: {80 * time.Millisecond, 90 * time.Millisecond, 310 * time.Millisecond},
		},
		FailSeqs:   map[uint64]bool{2: true},
		Detections: []inference.Detection{{Label: inference.PersonLabel, Confidence: 0.9}},
		Sleep:      noSleep,
	}
	ctx := context.Background()
	buf := frames.NewDecodeBuffer(frames.MismatchReject)

	w, err := s.Factory()(ctx, inference.Resource{Kind: inference.Accelerated, Threads: 1}, buf)
	require.NoError(t, err)

	r, err := w.Infer(ctx, frame(1))
	require.NoError(t, err)
	assert.Equal(t, 80*time.Millisecond, r.Duration)
	assert.Equal(t, inference.Accelerated, r.Resource)
	assert.Equal(t, w.ID(), r.WorkerID)
	assert.True(t, r.Has(inference.PersonLabel))

	_, err = w.Infer(ctx, frame(2))
	assert.True(t, errors.Is(err, inference.ErrInfer))
	assert.True(t, errors.Is(err, ErrInjected))

	r, err = w.Infer(ctx, frame(3))
	require.NoError(t, err, "worker stays usable after an inference error")
	assert.Equal(t, 310*time.Millisecond, r.Duration)

	r, err = w.Infer(ctx, frame(4))
	require.NoError(t, err)
	assert.Equal(t, 310*time.Millisecond, r.Duration, "last latency repeats")

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	st := s.Stats()
	assert.Equal(t, 4, st.Calls[inference.Accelerated])
	assert.Equal(t, 1, st.Inits[inference.Accelerated])
	assert.Equal(t, 1, st.Closed)
	assert.Equal(t, []uint64{1, 2, 3, 4}, st.Seqs)
	assert.Equal(t, uint64(4), buf.Stats().Copies)
}

func TestScriptInitError(t *testing.T) {
	cause := errors.New("no gpu")
	s := &Script{InitErr: map[inference.ResourceKind]error{inference.Accelerated: cause}}

	_, err := s.Factory()(context.Background(), inference.Resource{Kind: inference.Accelerated, Threads: 1},
		frames.NewDecodeBuffer(""))
	assert.True(t, errors.Is(err, inference.ErrInit))
	assert.True(t, errors.Is(err, cause))

	_, err = s.Factory()(context.Background(), inference.Resource{Kind: inference.General, Threads: 2},
		frames.NewDecodeBuffer(""))
	assert.NoError(t, err)
}

func TestBufferMismatchIsInferError(t *testing.T) {
	s := &Script{Sleep: noSleep}
	buf := frames.NewDecodeBuffer(frames.MismatchReject)
	w, err := s.Factory()(context.Background(), inference.Resource{Kind: inference.General, Threads: 1}, buf)
	require.NoError(t, err)

	_, err = w.Infer(context.Background(), frame(1))
	require.NoError(t, err)

	big := frames.New(2, 4, 4, frames.RGBA8888, make([]byte, 64), nil)
	_, err = w.Infer(context.Background(), big)
	assert.True(t, errors.Is(err, inference.ErrInfer))
	assert.True(t, errors.Is(err, frames.ErrBufferMismatch))
}

func TestBlockHonoursContext(t *testing.T) {
	block := make(chan struct{})
	s := &Script{Block: block, Sleep: noSleep}
	w, err := s.Factory()(context.Background(), inference.Resource{Kind: inference.General, Threads: 1},
		frames.NewDecodeBuffer(""))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = w.Infer(ctx, frame(1))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, s.Stats().InFlight)
}

func TestDegrading(t *testing.T) {
	fn := Degrading(100*time.Millisecond, 400*time.Millisecond, 150*time.Millisecond, 3)
	assert.Equal(t, 100*time.Millisecond, fn(inference.Accelerated, 1))
	assert.Equal(t, 100*time.Millisecond, fn(inference.Accelerated, 2))
	assert.Equal(t, 400*time.Millisecond, fn(inference.Accelerated, 3))
	assert.Equal(t, 150*time.Millisecond, fn(inference.General, 10))
}
