package providers

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-ml-scheduler/inference"
)

func TestParseBackend(t *testing.T) {
	for _, name := range []string{"cpu", "cuda", "coreml", "openvino"} {
		b, err := ParseBackend(name)
		require.NoError(t, err)
		assert.Equal(t, Backend(name), b)
	}

	_, err := ParseBackend("tensorrt")
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestForResource(t *testing.T) {
	tests := []struct {
		name    string
		kind    inference.ResourceKind
		accel   Backend
		want    Backend
		wantErr bool
	}{
		{"general ignores accelerator", inference.General, CUDABackend, CPUBackend, false},
		{"accelerated uses cuda", inference.Accelerated, CUDABackend, CUDABackend, false},
		{"accelerated uses coreml", inference.Accelerated, CoreMLBackend, CoreMLBackend, false},
		{"accelerated on cpu", inference.Accelerated, CPUBackend, "", true},
		{"accelerated unset", inference.Accelerated, "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ForResource(inference.Resource{Kind: tt.kind, Threads: 1}, tt.accel)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnknownBackend)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCUDAProviderMap(t *testing.T) {
	m := DefaultCUDAOptions().providerMap()
	assert.Equal(t, "0", m["device_id"])
	assert.Equal(t, "DEFAULT", m["cudnn_conv_algo_search"])
	assert.Equal(t, "kNextPowerOfTwo", m["arena_extend_strategy"])
	assert.Equal(t, "1", m["do_copy_in_default_stream"])
	assert.NotContains(t, m, "gpu_mem_limit")

	m = CUDAOptions{DeviceID: 1, GPUMemLimit: 1 << 30, ArenaExtendStrategy: 1, CudnnConvAlgoSearch: 1}.providerMap()
	assert.Equal(t, "1", m["device_id"])
	assert.Equal(t, "1073741824", m["gpu_mem_limit"])
	assert.Equal(t, "kSameAsRequested", m["arena_extend_strategy"])
	assert.Equal(t, "HEURISTIC", m["cudnn_conv_algo_search"])
	assert.Equal(t, "0", m["use_tf32"])
}

func TestCoreMLFlags(t *testing.T) {
	assert.Equal(t, uint32(0), CoreMLOptions{}.Flags())
	assert.Equal(t, coreMLOnlyStaticInputShape, DefaultCoreMLOptions().Flags())
	assert.Equal(t,
		coreMLUseCPUOnly|coreMLCreateMLProgram,
		CoreMLOptions{CPUOnly: true, MLProgram: true}.Flags(),
	)
}

func TestOpenVINOProviderMap(t *testing.T) {
	m := DefaultOpenVINOOptions().providerMap()
	assert.Equal(t, map[string]string{"device_type": "GPU", "precision": "FP16"}, m)

	m = OpenVINOOptions{NumOfThreads: 4, DisableDynamicShapes: true}.providerMap()
	assert.Equal(t, "4", m["num_of_threads"])
	assert.Equal(t, "true", m["disable_dynamic_shapes"])
	assert.NotContains(t, m, "device_type")
}

func TestLibraryPath(t *testing.T) {
	t.Setenv(LibraryEnv, "/opt/onnxruntime/lib/libonnxruntime.so")
	p, err := LibraryPath()
	require.NoError(t, err)
	assert.Equal(t, "/opt/onnxruntime/lib/libonnxruntime.so", p)

	p, err = defaultLibraryPath("linux", "arm64")
	require.NoError(t, err)
	assert.Equal(t, "onnxruntime_arm64.so", filepath.Base(p))

	_, err = defaultLibraryPath("plan9", "386")
	assert.ErrorIs(t, err, ErrUnsupportedPlatform)
}

func TestInitRuntimeMissingLibrary(t *testing.T) {
	err := InitRuntime(filepath.Join(t.TempDir(), "libonnxruntime.so"))
	require.Error(t, err)
}
