package capture

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-ml-scheduler/frames"
	"github.com/nvr-ai/go-ml-scheduler/lgr"
)

// Synthetic generates moving gradient frames at a fixed rate. It stands in
// for a camera when none is attached.
type Synthetic struct {
	// Width and Height of generated frames.
	Width, Height int
	// FPS is the delivery rate.
	FPS int
	// Rotation is reported with every frame.
	Rotation int
	// Limit stops the source after that many frames, 0 for no limit.
	Limit uint64

	pool *DataPool

	mu    sync.Mutex
	stats Stats
}

// NewSynthetic returns a synthetic source.
func NewSynthetic(width, height, fps int) *Synthetic {
	return &Synthetic{
		Width:  width,
		Height: height,
		FPS:    fps,
		pool:   NewDataPool(),
		stats:  Stats{Name: "synthetic"},
	}
}

// Run delivers frames to h on every tick until ctx is done or Limit is reached.
func (s *Synthetic) Run(ctx context.Context, h Handler) error {
	if s.Width <= 0 || s.Height <= 0 || s.FPS <= 0 {
		return errors.Errorf("invalid synthetic source %dx%d@%d", s.Width, s.Height, s.FPS)
	}

	ticker := time.NewTicker(time.Second / time.Duration(s.FPS))
	defer ticker.Stop()

	start := time.Now()
	defer func() {
		s.mu.Lock()
		s.stats.Uptime = time.Since(start)
		stats := s.stats
		s.mu.Unlock()

		lgr.Logger.Info("synthetic source stopped",
			"frames", stats.Frames, "uptime", stats.Uptime, "fps", stats.FPS())
	}()

	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		seq++
		f := frames.New(seq, s.Width, s.Height, frames.RGBA8888, s.render(seq), s.pool.Release)
		f.Rotation = s.Rotation

		s.mu.Lock()
		s.stats.Frames++
		s.mu.Unlock()

		h(f)

		if s.Limit > 0 && seq >= s.Limit {
			return nil
		}
	}
}

// render draws a diagonal gradient shifted by seq.
func (s *Synthetic) render(seq uint64) []byte {
	data := s.pool.Get(s.Width * s.Height * 4)
	shift := int(seq % 256)

	i := 0
	for y := 0; y < s.Height; y++ {
		for x := 0; x < s.Width; x++ {
			data[i] = byte((x + shift) % 256)
			data[i+1] = byte((y + shift) % 256)
			data[i+2] = byte((x + y) % 256)
			data[i+3] = 0xff
			i += 4
		}
	}
	return data
}

// Stats returns the source counters.
func (s *Synthetic) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
