package sink

import (
	"github.com/nvr-ai/go-ml-scheduler/inference"
	"github.com/nvr-ai/go-ml-scheduler/scheduler"
)

// Multi forwards every notification to each sink in order.
type Multi []scheduler.Sink

// OnResult forwards r.
func (m Multi) OnResult(r *inference.Result) {
	for _, s := range m {
		s.OnResult(r)
	}
}

// OnError forwards e.
func (m Multi) OnError(e scheduler.ErrorInfo) {
	for _, s := range m {
		s.OnError(e)
	}
}
