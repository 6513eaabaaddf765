// Package profiler - Periodic runtime and pipeline status reports.
package profiler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/nvr-ai/go-ml-scheduler/lgr"
)

// DefaultInterval is the report period used when none is given.
const DefaultInterval = 10 * time.Second

// MetricsCollector defines the interface for collecting custom metrics.
type MetricsCollector interface {
	CollectMetrics() map[string]float64
}

// CollectorFunc adapts a function to MetricsCollector.
type CollectorFunc func() map[string]float64

// CollectMetrics calls f.
func (f CollectorFunc) CollectMetrics() map[string]float64 {
	return f()
}

// MetricTracker tracks statistics for one named metric.
type MetricTracker struct {
	Last  float64
	Min   float64
	Max   float64
	Sum   float64
	Count int64
}

func (t *MetricTracker) record(v float64) {
	if t.Count == 0 || v < t.Min {
		t.Min = v
	}
	if t.Count == 0 || v > t.Max {
		t.Max = v
	}
	t.Last = v
	t.Sum += v
	t.Count++
}

// Mean returns the average of the recorded values, or 0 without values.
func (t MetricTracker) Mean() float64 {
	if t.Count == 0 {
		return 0
	}
	return t.Sum / float64(t.Count)
}

// Options configures a Reporter.
type Options struct {
	// Interval between reports, DefaultInterval when zero.
	Interval time.Duration
	// Logger receives the reports, lgr.Logger when nil.
	Logger *slog.Logger
}

// Reporter samples the Go runtime and registered collectors and logs a
// status report on every tick.
type Reporter struct {
	interval time.Duration
	log      *slog.Logger

	mu         sync.Mutex
	start      time.Time
	collectors []MetricsCollector
	metrics    map[string]*MetricTracker
	memStats   runtime.MemStats
	lastGC     uint32
}

// New creates a reporter.
//
// Arguments:
//   - opts: Configuration options for the reporter.
//
// Returns:
//   - *Reporter: A reporter with no collectors.
func New(opts Options) *Reporter {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Logger == nil {
		opts.Logger = lgr.Logger
	}
	return &Reporter{
		interval: opts.Interval,
		log:      opts.Logger,
		start:    time.Now(),
		metrics:  make(map[string]*MetricTracker),
	}
}

// Add registers a collector sampled on every report.
func (r *Reporter) Add(c MetricsCollector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collectors = append(r.collectors, c)
}

// Record records one value of a named metric.
func (r *Reporter) Record(name string, v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recordLocked(name, v)
}

func (r *Reporter) recordLocked(name string, v float64) {
	t, ok := r.metrics[name]
	if !ok {
		t = &MetricTracker{}
		r.metrics[name] = t
	}
	t.record(v)
}

// Sample reads the runtime counters and every collector once.
func (r *Reporter) Sample() {
	r.mu.Lock()
	collectors := append([]MetricsCollector(nil), r.collectors...)
	r.mu.Unlock()

	// Collectors may take their own locks; call them unlocked.
	samples := make([]map[string]float64, 0, len(collectors))
	for _, c := range collectors {
		samples = append(samples, c.CollectMetrics())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	runtime.ReadMemStats(&r.memStats)
	r.recordLocked("runtime.goroutines", float64(runtime.NumGoroutine()))
	r.recordLocked("runtime.cgo_calls", float64(runtime.NumCgoCall()))
	r.recordLocked("runtime.heap_alloc_bytes", float64(r.memStats.HeapAlloc))
	r.recordLocked("runtime.gc_cycles", float64(r.memStats.NumGC))

	for _, m := range samples {
		for name, v := range m {
			r.recordLocked(name, v)
		}
	}
}

// Snapshot returns a copy of every tracked metric.
func (r *Reporter) Snapshot() map[string]MetricTracker {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]MetricTracker, len(r.metrics))
	for name, t := range r.metrics {
		out[name] = *t
	}
	return out
}

// Report samples and logs one status report.
func (r *Reporter) Report() {
	r.Sample()

	r.mu.Lock()
	uptime := time.Since(r.start)
	heap := r.memStats.HeapAlloc
	sys := r.memStats.Sys
	gc := r.memStats.NumGC
	newGC := gc - r.lastGC
	r.lastGC = gc

	names := make([]string, 0, len(r.metrics))
	for name := range r.metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	attrs := make([]any, 0, len(names))
	for _, name := range names {
		attrs = append(attrs, slog.Float64(name, r.metrics[name].Last))
	}
	r.mu.Unlock()

	r.log.Info("status report",
		slog.Duration("uptime", uptime.Truncate(time.Millisecond)),
		slog.String("heap", formatBytes(heap)),
		slog.String("sys", formatBytes(sys)),
		slog.Uint64("gc_new", uint64(newGC)),
		slog.Group("metrics", attrs...),
	)
}

// Run reports on every interval until ctx is done.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Report()
		}
	}
}

// formatBytes formats byte counts in human-readable format.
func formatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
