package providers

import "strconv"

// OpenVINOOptions contains arguments for the OpenVINO provider.
// See:
// https://onnxruntime.ai/docs/execution-providers/OpenVINO-ExecutionProvider.html#summary-of-options
type OpenVINOOptions struct {
	// Accelerator hardware type, e.g. CPU, GPU or NPU.
	DeviceType string `yaml:"device_type"`
	// FP32, FP16 or ACCURACY.
	Precision string `yaml:"precision"`
	// Number of inference threads. 0 leaves the build default.
	NumOfThreads int `yaml:"num_of_threads"`
	// Number of streams. 0 leaves the build default.
	NumStreams int `yaml:"num_streams"`
	// Rewrite dynamic shaped models to static shape at runtime.
	DisableDynamicShapes bool `yaml:"disable_dynamic_shapes"`
}

// DefaultOpenVINOOptions returns the options used when none are configured.
func DefaultOpenVINOOptions() OpenVINOOptions {
	return OpenVINOOptions{DeviceType: "GPU", Precision: "FP16"}
}

// providerMap renders o as the key/value form ONNX Runtime expects.
func (o OpenVINOOptions) providerMap() map[string]string {
	m := map[string]string{}
	if o.DeviceType != "" {
		m["device_type"] = o.DeviceType
	}
	if o.Precision != "" {
		m["precision"] = o.Precision
	}
	if o.NumOfThreads > 0 {
		m["num_of_threads"] = strconv.Itoa(o.NumOfThreads)
	}
	if o.NumStreams > 0 {
		m["num_streams"] = strconv.Itoa(o.NumStreams)
	}
	if o.DisableDynamicShapes {
		m["disable_dynamic_shapes"] = "true"
	}
	return m
}
