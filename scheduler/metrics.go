package scheduler

import (
	"time"
)

// CollectMetrics flattens Stats into named values for periodic reports.
// Latency values are reported in milliseconds per resource kind.
func (s *Scheduler) CollectMetrics() map[string]float64 {
	st := s.Stats()

	m := map[string]float64{
		"scheduler.dispatched": float64(st.Dispatched),
		"scheduler.completed":  float64(st.Completed),
		"scheduler.failed":     float64(st.Failed),
		"scheduler.dropped":    float64(st.Dropped),
		"scheduler.failovers":  float64(st.Failovers),
	}
	for kind, ks := range st.Latency {
		if ks.Count == 0 {
			continue
		}
		prefix := "latency." + string(kind) + "."
		m[prefix+"last_ms"] = millis(ks.Last)
		m[prefix+"mean_ms"] = millis(ks.Mean())
		m[prefix+"ewma_ms"] = millis(ks.EWMA)
		m[prefix+"max_ms"] = millis(ks.Max)
	}
	return m
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
