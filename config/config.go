// Package config - Process configuration from defaults, a YAML file and the environment.
package config

import (
	"bytes"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/nvr-ai/go-ml-scheduler/frames"
	"github.com/nvr-ai/go-ml-scheduler/inference"
	"github.com/nvr-ai/go-ml-scheduler/monitor"
	"github.com/nvr-ai/go-ml-scheduler/pool"
	"github.com/nvr-ai/go-ml-scheduler/scheduler"
)

// Config holds the complete process configuration.
type Config struct {
	// LatencyThresholdMS triggers failover above this value.
	LatencyThresholdMS int `yaml:"latency_threshold_ms"`
	// LatencyWindow is the number of recent samples evaluated.
	LatencyWindow int `yaml:"latency_window"`
	// LatencyMinExceed is how many samples in the window must exceed the threshold.
	LatencyMinExceed int `yaml:"latency_min_exceed"`
	// WorkerCount is the degree of parallelism of the fallback pool.
	WorkerCount int `yaml:"worker_count"`
	// WorkerThreads is the thread count of each fallback worker.
	WorkerThreads int `yaml:"worker_threads"`
	// ResourceKind is the preferred initial resource.
	ResourceKind string `yaml:"resource_kind"`
	// AcceleratorAvailable, when false, makes accelerator initialization fail.
	AcceleratorAvailable bool `yaml:"accelerator_available"`
	// AcceleratorBackend is cuda, coreml or openvino.
	AcceleratorBackend string `yaml:"accelerator_backend"`
	// BufferPolicy is private or shared.
	BufferPolicy string `yaml:"buffer_policy"`
	// BufferMismatch is reject or resize.
	BufferMismatch string `yaml:"buffer_mismatch"`
	// Backpressure is queue or reject.
	Backpressure string `yaml:"backpressure"`
	// MaxQueue bounds the fallback pool queue, 0 for unbounded.
	MaxQueue int `yaml:"max_queue"`
	// FailoverHold is latest or drop.
	FailoverHold string `yaml:"failover_hold"`
	// DrainTimeoutMS bounds waiting for a retired pool.
	DrainTimeoutMS int `yaml:"drain_timeout_ms"`

	Model  ModelConfig  `yaml:"model"`
	Source SourceConfig `yaml:"source"`
	Log    LogConfig    `yaml:"log"`

	// ResultsLog, when set, receives every result as a JSON line.
	ResultsLog string `yaml:"results_log"`
	// ReportIntervalMS is the period of status reports, 0 disables them.
	ReportIntervalMS int `yaml:"report_interval_ms"`
}

// ModelConfig describes the detection model.
type ModelConfig struct {
	// Path to the ONNX model. Empty runs simulated workers.
	Path string `yaml:"path"`
	// LibraryPath is the ONNX Runtime shared library.
	LibraryPath string `yaml:"library_path"`
	// InputSize is the square model input resolution.
	InputSize int `yaml:"input_size"`
	// Confidence is the minimum detection score.
	Confidence float32 `yaml:"confidence"`
	// IoU is the non maximum suppression overlap threshold.
	IoU float32 `yaml:"iou"`
	// Labels overrides the COCO class names.
	Labels []string `yaml:"labels,omitempty"`
}

// SourceConfig describes the frame source.
type SourceConfig struct {
	// Kind is synthetic, webcam or replay.
	Kind string `yaml:"kind"`
	// Device is the camera index.
	Device int `yaml:"device"`
	// FPS is the frame rate.
	FPS int `yaml:"fps"`
	// Width of delivered frames.
	Width int `yaml:"width"`
	// Height of delivered frames.
	Height int `yaml:"height"`
	// Mirror flips frames horizontally, as front cameras do.
	Mirror bool `yaml:"mirror"`
	// Rotation in degrees reported with each frame.
	Rotation int `yaml:"rotation"`
	// Dir holds the recorded frames of a replay source.
	Dir string `yaml:"dir"`
	// Loop restarts a replay after its last frame.
	Loop bool `yaml:"loop"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		LatencyThresholdMS:   int(monitor.DefaultThreshold / time.Millisecond),
		LatencyWindow:        1,
		LatencyMinExceed:     1,
		WorkerCount:          2,
		WorkerThreads:        1,
		ResourceKind:         string(inference.Accelerated),
		AcceleratorAvailable: true,
		AcceleratorBackend:   "cuda",
		BufferPolicy:         string(pool.PrivateBuffers),
		BufferMismatch:       string(frames.MismatchReject),
		Backpressure:         string(pool.QueueBackpressure),
		MaxQueue:             4,
		FailoverHold:         string(scheduler.HoldLatest),
		DrainTimeoutMS:       2000,
		ReportIntervalMS:     10000,
		Model: ModelConfig{
			InputSize:  640,
			Confidence: 0.5,
			IoU:        0.45,
		},
		Source: SourceConfig{
			Kind:   "synthetic",
			FPS:    30,
			Width:  640,
			Height: 480,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is not empty) and INFERD_* environment variables, then validates it.
//
// Arguments:
//   - path: The YAML file path, or "".
//
// Returns:
//   - *Config: The validated configuration.
//   - error: An error if the file cannot be decoded or a value is invalid.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "read config file")
		}
		if err := cfg.decode(data); err != nil {
			return nil, err
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// decode overlays YAML data on c, rejecting unknown fields.
func (c *Config) decode(data []byte) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	if err := decoder.Decode(c); err != nil {
		return errors.Wrap(err, "decode config")
	}
	return nil
}

// LoadDotEnv loads variables from the given .env files (".env" when none are
// given) without overriding variables already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return errors.Wrapf(err, "load %s", f)
		}
	}
	return nil
}

// Scheduler converts c into a scheduler configuration.
func (c *Config) Scheduler() scheduler.Config {
	return scheduler.Config{
		Preferred:          inference.ResourceKind(c.ResourceKind),
		AcceleratorThreads: 1,
		Workers:            c.WorkerCount,
		WorkerThreads:      c.WorkerThreads,
		Policy: monitor.ThresholdPolicy{
			Threshold: c.LatencyThreshold(),
			Window:    c.LatencyWindow,
			MinExceed: c.LatencyMinExceed,
			On:        inference.Accelerated,
		},
		Buffer:       pool.BufferPolicy(c.BufferPolicy),
		Mismatch:     frames.MismatchPolicy(c.BufferMismatch),
		Backpressure: pool.Backpressure(c.Backpressure),
		MaxQueue:     c.MaxQueue,
		Hold:         scheduler.HoldPolicy(c.FailoverHold),
		DrainTimeout: c.DrainTimeout(),
	}
}

// LatencyThreshold returns the failover threshold as a duration.
func (c *Config) LatencyThreshold() time.Duration {
	return time.Duration(c.LatencyThresholdMS) * time.Millisecond
}

// ReportInterval returns the status report period, 0 when disabled.
func (c *Config) ReportInterval() time.Duration {
	return time.Duration(c.ReportIntervalMS) * time.Millisecond
}

// DrainTimeout returns the drain timeout as a duration.
func (c *Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutMS) * time.Millisecond
}
