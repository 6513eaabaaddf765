package sink

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/natefinch/lumberjack"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-ml-scheduler/inference"
	"github.com/nvr-ai/go-ml-scheduler/lgr"
	"github.com/nvr-ai/go-ml-scheduler/scheduler"
)

// Record is one line of the results log.
type Record struct {
	Type       string            `json:"type"`
	Seq        uint64            `json:"seq"`
	Resource   string            `json:"resource,omitempty"`
	PoolID     string            `json:"pool_id,omitempty"`
	WorkerID   string            `json:"worker_id,omitempty"`
	DurationMS float64           `json:"duration_ms,omitempty"`
	Detections []RecordDetection `json:"detections,omitempty"`
	Error      string            `json:"error,omitempty"`
	Fatal      bool              `json:"fatal,omitempty"`
	At         time.Time         `json:"at"`
}

// RecordDetection is a detection in a Record.
type RecordDetection struct {
	Label      string     `json:"label"`
	Confidence float32    `json:"confidence"`
	Box        [4]float32 `json:"box"`
}

// Log writes results and errors as JSON lines. It is safe for concurrent use.
type Log struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time
}

// NewLog returns a sink writing to a rotating file at path.
//
// Arguments:
//   - path: The log file.
//
// Returns:
//   - *Log: The sink. Close it to flush the file.
func NewLog(path string) *Log {
	return NewLogWriter(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // MB
		MaxBackups: 5,
		MaxAge:     7, // days
		Compress:   true,
	})
}

// NewLogWriter returns a sink writing to w.
func NewLogWriter(w io.Writer) *Log {
	return &Log{w: w, now: time.Now}
}

// OnResult appends a result record.
func (l *Log) OnResult(r *inference.Result) {
	rec := Record{
		Type:       "result",
		Seq:        r.Seq,
		Resource:   string(r.Resource),
		PoolID:     r.PoolID,
		WorkerID:   r.WorkerID,
		DurationMS: float64(r.Duration.Microseconds()) / 1000,
		At:         r.Timestamp,
	}
	for _, d := range r.Detections {
		rec.Detections = append(rec.Detections, RecordDetection{
			Label:      d.Label,
			Confidence: d.Confidence,
			Box:        [4]float32{d.Box.X1, d.Box.Y1, d.Box.X2, d.Box.Y2},
		})
	}
	if rec.At.IsZero() {
		rec.At = l.now()
	}
	l.write(rec)
}

// OnError appends an error record.
func (l *Log) OnError(e scheduler.ErrorInfo) {
	rec := Record{
		Type:     "error",
		Seq:      e.Seq,
		Resource: string(e.Resource),
		PoolID:   e.PoolID,
		Fatal:    e.Fatal,
		At:       e.At,
	}
	if e.Err != nil {
		rec.Error = e.Err.Error()
	}
	if rec.At.IsZero() {
		rec.At = l.now()
	}
	l.write(rec)
}

func (l *Log) write(rec Record) {
	data, err := json.Marshal(rec)
	if err != nil {
		lgr.Logger.Error("encode result record", "seq", rec.Seq, "error", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.w.Write(append(data, '\n')); err != nil {
		lgr.Logger.Error("write result record", "seq", rec.Seq, "error", err)
	}
}

// Close closes the underlying writer if it is closable.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if c, ok := l.w.(io.Closer); ok {
		return errors.Wrap(c.Close(), "close results log")
	}
	return nil
}
