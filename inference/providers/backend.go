// Package providers - ONNX Runtime execution providers and session options per resource kind.
package providers

import (
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-ml-scheduler/inference"
)

// Backend names an ONNX Runtime execution provider.
type Backend string

const (
	// CPUBackend runs on the default CPU execution provider.
	CPUBackend Backend = "cpu"
	// CUDABackend uses NVIDIA CUDA for GPU acceleration.
	CUDABackend Backend = "cuda"
	// CoreMLBackend uses Apple CoreML for macOS/iOS acceleration.
	CoreMLBackend Backend = "coreml"
	// OpenVINOBackend uses Intel OpenVINO.
	OpenVINOBackend Backend = "openvino"
)

// ErrUnknownBackend is returned for backend names that are not recognized.
var ErrUnknownBackend = errors.New("unknown execution provider backend")

// ParseBackend converts a configured name into a Backend.
func ParseBackend(name string) (Backend, error) {
	switch b := Backend(name); b {
	case CPUBackend, CUDABackend, CoreMLBackend, OpenVINOBackend:
		return b, nil
	default:
		return "", errors.Wrapf(ErrUnknownBackend, "%q", name)
	}
}

// Accelerated reports whether b runs on an accelerator.
func (b Backend) Accelerated() bool {
	return b != CPUBackend && b != ""
}

// ForResource picks the backend a worker on res should use. General purpose
// resources always run on the CPU provider, accelerated ones on accel.
//
// Arguments:
//   - res: The resource the worker is bound to.
//   - accel: The configured accelerator backend.
//
// Returns:
//   - Backend: The backend for the session.
//   - error: ErrUnknownBackend if accel is not an accelerator backend.
func ForResource(res inference.Resource, accel Backend) (Backend, error) {
	if res.Kind == inference.General {
		return CPUBackend, nil
	}
	if !accel.Accelerated() {
		return "", errors.Wrapf(ErrUnknownBackend, "%q is not an accelerator", accel)
	}
	return accel, nil
}
