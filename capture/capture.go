// Package capture - Frame sources and the pool their pixel data is recycled through.
package capture

import (
	"context"
	"sync"
	"time"

	"github.com/nvr-ai/go-ml-scheduler/frames"
)

// Handler receives each captured frame and takes ownership of it.
type Handler func(f *frames.Frame)

// Source produces frames until its context is canceled.
type Source interface {
	// Run delivers frames to h until ctx is done. It returns nil on
	// cancellation and an error when the source fails.
	Run(ctx context.Context, h Handler) error
	// Stats returns the source counters.
	Stats() Stats
}

// Stats counts what a source produced.
type Stats struct {
	Name   string
	Frames uint64
	Errors uint64
	Uptime time.Duration
}

// FPS returns the average delivered frame rate.
func (s Stats) FPS() float64 {
	if s.Uptime <= 0 {
		return 0
	}
	return float64(s.Frames) / s.Uptime.Seconds()
}

// DataPool recycles frame pixel buffers. Use Release as the frame release hook.
type DataPool struct {
	pool sync.Pool
}

// NewDataPool returns an empty pool.
func NewDataPool() *DataPool {
	return &DataPool{}
}

// Get returns a buffer of length n, reusing a released one when large enough.
func (p *DataPool) Get(n int) []byte {
	if v, ok := p.pool.Get().(*[]byte); ok && cap(*v) >= n {
		return (*v)[:n]
	}
	return make([]byte, n)
}

// Put returns b to the pool.
func (p *DataPool) Put(b []byte) {
	if cap(b) == 0 {
		return
	}
	b = b[:0]
	p.pool.Put(&b)
}

// Release returns a frame's data to the pool.
func (p *DataPool) Release(f *frames.Frame) {
	p.Put(f.Data)
}
