package monitor

import (
	"sync"
	"time"

	"github.com/nvr-ai/go-ml-scheduler/inference"
)

// ewmaAlpha weights the newest sample in KindStats.EWMA.
const ewmaAlpha = 0.2

// KindStats summarizes the samples recorded for one resource kind.
type KindStats struct {
	Count int64
	Total time.Duration
	Min   time.Duration
	Max   time.Duration
	Last  time.Duration
	// EWMA is an exponentially weighted moving average of the durations.
	EWMA time.Duration
}

// Mean returns the average duration, or 0 without samples.
func (s KindStats) Mean() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

func (s *KindStats) add(d time.Duration) {
	if s.Count == 0 || d < s.Min {
		s.Min = d
	}
	if d > s.Max {
		s.Max = d
	}
	if s.Count == 0 {
		s.EWMA = d
	} else {
		s.EWMA = time.Duration(ewmaAlpha*float64(d) + (1-ewmaAlpha)*float64(s.EWMA))
	}
	s.Count++
	s.Total += d
	s.Last = d
}

// Monitor records inference latencies and evaluates a Policy against the
// samples of the active resource kind.
//
// Once the policy trips the monitor latches: ShouldFailover keeps returning
// true while the tripped kind is active, and later samples cannot clear it.
// There is no fail-back; a policy only ever moves away from its kind.
type Monitor struct {
	mu      sync.Mutex
	policy  Policy
	active  inference.ResourceKind
	window  []Sample
	tripped bool
	stats   map[inference.ResourceKind]*KindStats
	now     func() time.Time
}

// New creates a monitor for policy, with active as the initial resource kind.
func New(policy Policy, active inference.ResourceKind) *Monitor {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Monitor{
		policy: policy,
		active: active,
		stats:  make(map[inference.ResourceKind]*KindStats),
		now:    time.Now,
	}
}

// Record adds a duration measured on kind.
func (m *Monitor) Record(d time.Duration, kind inference.ResourceKind) {
	m.Observe(Sample{Duration: d, Kind: kind})
}

// Observe adds a sample. Samples of a kind other than the active one are
// counted in Stats but never evaluated.
//
// Arguments:
//   - s: The sample. A zero At is stamped with the current time.
//
// Returns:
//   - bool: True if this sample tripped the policy.
func (m *Monitor) Observe(s Sample) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.At.IsZero() {
		s.At = m.now()
	}

	ks, ok := m.stats[s.Kind]
	if !ok {
		ks = &KindStats{}
		m.stats[s.Kind] = ks
	}
	ks.add(s.Duration)

	if s.Kind != m.active || m.tripped {
		return false
	}

	m.window = append(m.window, s)
	if n := m.policy.Size(); len(m.window) > n {
		m.window = append(m.window[:0], m.window[len(m.window)-n:]...)
	}

	if m.policy.Evaluate(m.window, m.active) {
		m.tripped = true
		return true
	}
	return false
}

// ShouldFailover reports whether the policy has tripped for the active kind.
func (m *Monitor) ShouldFailover() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tripped
}

// SetActive switches the evaluated kind, clearing the window and the latch.
func (m *Monitor) SetActive(kind inference.ResourceKind) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.active = kind
	m.window = m.window[:0]
	m.tripped = false
}

// Reset clears the window and the latch without changing the active kind.
func (m *Monitor) Reset() {
	m.SetActive(m.Active())
}

// Active returns the kind currently evaluated.
func (m *Monitor) Active() inference.ResourceKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Samples returns the current evaluation window, oldest first.
func (m *Monitor) Samples() []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Sample(nil), m.window...)
}

// Stats returns per kind latency statistics.
func (m *Monitor) Stats() map[inference.ResourceKind]KindStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[inference.ResourceKind]KindStats, len(m.stats))
	for k, v := range m.stats {
		out[k] = *v
	}
	return out
}
