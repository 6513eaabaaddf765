// Package sink - Result consumers: a coloured console display, a rotating
// JSON lines log and a fan-out.
package sink

import (
	"io"
	"sync"

	"github.com/fatih/color"

	"github.com/nvr-ai/go-ml-scheduler/inference"
	"github.com/nvr-ai/go-ml-scheduler/scheduler"
)

// Console prints one line per result and highlights frames containing the
// alert label. It is safe for concurrent use.
type Console struct {
	mu    sync.Mutex
	w     io.Writer
	alert string

	timing *color.Color
	found  *color.Color
	warn   *color.Color
	fatal  *color.Color
}

// NewConsole returns a console sink writing to w that alerts on people.
func NewConsole(w io.Writer) *Console {
	return &Console{
		w:      w,
		alert:  inference.PersonLabel,
		timing: color.New(color.FgCyan),
		found:  color.New(color.FgRed, color.Bold),
		warn:   color.New(color.FgYellow),
		fatal:  color.New(color.FgRed),
	}
}

// WithAlert changes the label that triggers the alert line.
func (c *Console) WithAlert(label string) *Console {
	c.alert = label
	return c
}

// OnResult prints the inference time and resource, plus an alert line when
// the alert label was detected.
func (c *Console) OnResult(r *inference.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.timing.Fprintf(c.w, "inference time %d ms [%s]\n", r.Duration.Milliseconds(), r.Resource)
	if r.Has(c.alert) {
		if c.alert == inference.PersonLabel {
			c.found.Fprintln(c.w, "human detected")
		} else {
			c.found.Fprintf(c.w, "%s detected\n", c.alert)
		}
	}
}

// OnError prints the error, in red when fatal.
func (c *Console) OnError(e scheduler.ErrorInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e.Fatal {
		c.fatal.Fprintf(c.w, "fatal: %v\n", e.Err)
		return
	}
	c.warn.Fprintf(c.w, "frame %d [%s]: %v\n", e.Seq, e.Resource, e.Err)
}
