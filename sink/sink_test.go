package sink

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-ml-scheduler/inference"
	"github.com/nvr-ai/go-ml-scheduler/scheduler"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	m.Run()
}

func personResult(seq uint64) *inference.Result {
	return &inference.Result{
		Seq:      seq,
		Duration: 42 * time.Millisecond,
		Resource: inference.Accelerated,
		Detections: []inference.Detection{
			{Label: "person", Confidence: 0.9, Box: inference.Box{X1: 1, Y1: 2, X2: 3, Y2: 4}},
		},
		Timestamp: time.Unix(1700000000, 0).UTC(),
	}
}

func TestConsoleResult(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf)

	c.OnResult(personResult(1))
	c.OnResult(&inference.Result{Seq: 2, Duration: 310 * time.Millisecond, Resource: inference.General})

	assert.Equal(t,
		"inference time 42 ms [accelerated]\nhuman detected\ninference time 310 ms [general]\n",
		buf.String(),
	)
}

func TestConsoleCustomAlert(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf).WithAlert("car")

	c.OnResult(&inference.Result{
		Duration:   time.Millisecond,
		Resource:   inference.General,
		Detections: []inference.Detection{{Label: "car"}},
	})
	assert.Contains(t, buf.String(), "car detected")
}

func TestConsoleErrors(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf)

	c.OnError(scheduler.ErrorInfo{Seq: 7, Resource: inference.General, Err: errors.New("boom")})
	c.OnError(scheduler.ErrorInfo{Err: errors.New("exhausted"), Fatal: true})

	assert.Equal(t, "frame 7 [general]: boom\nfatal: exhausted\n", buf.String())
}

func decodeRecords(t *testing.T, data []byte) []Record {
	t.Helper()
	var records []Record
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		var rec Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		records = append(records, rec)
	}
	require.NoError(t, scanner.Err())
	return records
}

func TestLogRecords(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogWriter(&buf)
	now := time.Unix(1700000100, 0).UTC()
	l.now = func() time.Time { return now }

	r := personResult(3)
	r.PoolID = "single-1"
	r.WorkerID = "accelerated-1"
	l.OnResult(r)
	l.OnError(scheduler.ErrorInfo{Seq: 4, Resource: inference.General, PoolID: "fixed-1", Err: errors.New("boom")})

	records := decodeRecords(t, buf.Bytes())
	require.Len(t, records, 2)

	assert.Equal(t, "result", records[0].Type)
	assert.Equal(t, uint64(3), records[0].Seq)
	assert.Equal(t, "accelerated", records[0].Resource)
	assert.Equal(t, "single-1", records[0].PoolID)
	assert.InDelta(t, 42.0, records[0].DurationMS, 1e-9)
	require.Len(t, records[0].Detections, 1)
	assert.Equal(t, [4]float32{1, 2, 3, 4}, records[0].Detections[0].Box)
	assert.True(t, r.Timestamp.Equal(records[0].At))

	assert.Equal(t, "error", records[1].Type)
	assert.Equal(t, "boom", records[1].Error)
	assert.Equal(t, "fixed-1", records[1].PoolID)
	assert.True(t, now.Equal(records[1].At))
}

func TestLogConcurrentWritesStayWhole(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogWriter(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				l.OnResult(personResult(uint64(i*100 + j)))
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, decodeRecords(t, buf.Bytes()), 200)
}

func TestLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.log")
	l := NewLog(path)
	l.OnResult(personResult(1))
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, decodeRecords(t, data), 1)
}

func TestMulti(t *testing.T) {
	var results, errs int
	counter := scheduler.SinkFuncs{
		Result: func(*inference.Result) { results++ },
		Error:  func(scheduler.ErrorInfo) { errs++ },
	}

	m := Multi{counter, counter}
	m.OnResult(personResult(1))
	m.OnError(scheduler.ErrorInfo{Err: errors.New("boom")})

	assert.Equal(t, 2, results)
	assert.Equal(t, 2, errs)
}
