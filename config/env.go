package config

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// EnvPrefix prefixes every recognized environment variable.
const EnvPrefix = "INFERD_"

// LookupFunc has the signature of os.LookupEnv.
type LookupFunc func(key string) (string, bool)

type envBinding struct {
	key string
	set func(c *Config, v string) error
}

func intVar(ptr func(c *Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*ptr(c) = n
		return nil
	}
}

func boolVar(ptr func(c *Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*ptr(c) = b
		return nil
	}
}

func floatVar(ptr func(c *Config) *float32) func(*Config, string) error {
	return func(c *Config, v string) error {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 32)
		if err != nil {
			return err
		}
		*ptr(c) = float32(f)
		return nil
	}
}

func stringVar(ptr func(c *Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*ptr(c) = strings.TrimSpace(v)
		return nil
	}
}

var envBindings = []envBinding{
	{"LATENCY_THRESHOLD_MS", intVar(func(c *Config) *int { return &c.LatencyThresholdMS })},
	{"LATENCY_WINDOW", intVar(func(c *Config) *int { return &c.LatencyWindow })},
	{"LATENCY_MIN_EXCEED", intVar(func(c *Config) *int { return &c.LatencyMinExceed })},
	{"WORKER_COUNT", intVar(func(c *Config) *int { return &c.WorkerCount })},
	{"WORKER_THREADS", intVar(func(c *Config) *int { return &c.WorkerThreads })},
	{"RESOURCE_KIND", stringVar(func(c *Config) *string { return &c.ResourceKind })},
	{"ACCELERATOR_AVAILABLE", boolVar(func(c *Config) *bool { return &c.AcceleratorAvailable })},
	{"ACCELERATOR_BACKEND", stringVar(func(c *Config) *string { return &c.AcceleratorBackend })},
	{"BUFFER_POLICY", stringVar(func(c *Config) *string { return &c.BufferPolicy })},
	{"BUFFER_MISMATCH", stringVar(func(c *Config) *string { return &c.BufferMismatch })},
	{"BACKPRESSURE", stringVar(func(c *Config) *string { return &c.Backpressure })},
	{"MAX_QUEUE", intVar(func(c *Config) *int { return &c.MaxQueue })},
	{"FAILOVER_HOLD", stringVar(func(c *Config) *string { return &c.FailoverHold })},
	{"DRAIN_TIMEOUT_MS", intVar(func(c *Config) *int { return &c.DrainTimeoutMS })},
	{"MODEL_PATH", stringVar(func(c *Config) *string { return &c.Model.Path })},
	{"ORT_LIBRARY", stringVar(func(c *Config) *string { return &c.Model.LibraryPath })},
	{"MODEL_INPUT_SIZE", intVar(func(c *Config) *int { return &c.Model.InputSize })},
	{"MODEL_CONFIDENCE", floatVar(func(c *Config) *float32 { return &c.Model.Confidence })},
	{"MODEL_IOU", floatVar(func(c *Config) *float32 { return &c.Model.IoU })},
	{"SOURCE", stringVar(func(c *Config) *string { return &c.Source.Kind })},
	{"SOURCE_DEVICE", intVar(func(c *Config) *int { return &c.Source.Device })},
	{"SOURCE_FPS", intVar(func(c *Config) *int { return &c.Source.FPS })},
	{"SOURCE_WIDTH", intVar(func(c *Config) *int { return &c.Source.Width })},
	{"SOURCE_HEIGHT", intVar(func(c *Config) *int { return &c.Source.Height })},
	{"SOURCE_MIRROR", boolVar(func(c *Config) *bool { return &c.Source.Mirror })},
	{"SOURCE_ROTATION", intVar(func(c *Config) *int { return &c.Source.Rotation })},
	{"SOURCE_DIR", stringVar(func(c *Config) *string { return &c.Source.Dir })},
	{"SOURCE_LOOP", boolVar(func(c *Config) *bool { return &c.Source.Loop })},
	{"LOG_LEVEL", stringVar(func(c *Config) *string { return &c.Log.Level })},
	{"LOG_FORMAT", stringVar(func(c *Config) *string { return &c.Log.Format })},
	{"LOG_FILE", stringVar(func(c *Config) *string { return &c.Log.File })},
	{"RESULTS_LOG", stringVar(func(c *Config) *string { return &c.ResultsLog })},
	{"REPORT_INTERVAL_MS", intVar(func(c *Config) *int { return &c.ReportIntervalMS })},
}

// ApplyEnv overrides fields from INFERD_* variables found by lookup.
//
// Arguments:
//   - lookup: Usually os.LookupEnv.
//
// Returns:
//   - error: The first variable that could not be parsed.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	for _, b := range envBindings {
		v, ok := lookup(EnvPrefix + b.key)
		if !ok {
			continue
		}
		if err := b.set(c, v); err != nil {
			return errors.Wrapf(err, "%s%s=%q", EnvPrefix, b.key, v)
		}
	}
	return nil
}
