package providers

import (
	"strconv"

	ort "github.com/yalue/onnxruntime_go"
)

// CUDAOptions contains arguments for the CUDA provider.
// See:
// https://onnxruntime.ai/docs/execution-providers/CUDA-ExecutionProvider.html#configuration-options
type CUDAOptions struct {
	// The device ID.
	DeviceID int `yaml:"device_id"`
	// The size limit of the device memory arena in bytes. 0 leaves the default.
	GPUMemLimit int64 `yaml:"gpu_mem_limit"`
	// The strategy for extending the device memory arena.
	// 0: kNextPowerOfTwo, 1: kSameAsRequested.
	ArenaExtendStrategy int `yaml:"arena_extend_strategy"`
	// The type of search done for cuDNN convolution algorithms.
	// 0: EXHAUSTIVE, 1: HEURISTIC, 2: DEFAULT.
	CudnnConvAlgoSearch int `yaml:"cudnn_conv_algo_search"`
	// Whether to do copies in the default stream or use separate streams.
	DoCopyInDefaultStream bool `yaml:"do_copy_in_default_stream"`
	// Allow TF32 math on Ampere and later.
	UseTF32 bool `yaml:"use_tf32"`
}

// DefaultCUDAOptions returns the options used when none are configured.
func DefaultCUDAOptions() CUDAOptions {
	return CUDAOptions{
		CudnnConvAlgoSearch:   2,
		DoCopyInDefaultStream: true,
		UseTF32:               true,
	}
}

// providerMap renders o as the key/value form ONNX Runtime expects.
func (o CUDAOptions) providerMap() map[string]string {
	m := map[string]string{
		"device_id":                 strconv.Itoa(o.DeviceID),
		"arena_extend_strategy":     arenaStrategy(o.ArenaExtendStrategy),
		"cudnn_conv_algo_search":    convAlgoSearch(o.CudnnConvAlgoSearch),
		"do_copy_in_default_stream": boolFlag(o.DoCopyInDefaultStream),
		"use_tf32":                  boolFlag(o.UseTF32),
	}
	if o.GPUMemLimit > 0 {
		m["gpu_mem_limit"] = strconv.FormatInt(o.GPUMemLimit, 10)
	}
	return m
}

// ToNativeProviderOptions converts the CUDA options to native provider options.
// The caller destroys the returned options.
func (o CUDAOptions) ToNativeProviderOptions() (*ort.CUDAProviderOptions, error) {
	opts, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return nil, err
	}
	if err := opts.Update(o.providerMap()); err != nil {
		opts.Destroy()
		return nil, err
	}
	return opts, nil
}

func arenaStrategy(v int) string {
	if v == 1 {
		return "kSameAsRequested"
	}
	return "kNextPowerOfTwo"
}

func convAlgoSearch(v int) string {
	switch v {
	case 0:
		return "EXHAUSTIVE"
	case 1:
		return "HEURISTIC"
	default:
		return "DEFAULT"
	}
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
