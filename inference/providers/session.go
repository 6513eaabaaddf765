package providers

import (
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/nvr-ai/go-ml-scheduler/inference"
)

// Options selects per backend provider settings.
type Options struct {
	CUDA     CUDAOptions
	CoreML   CoreMLOptions
	OpenVINO OpenVINOOptions
}

// DefaultOptions returns the default settings for every backend.
func DefaultOptions() Options {
	return Options{
		CUDA:     DefaultCUDAOptions(),
		CoreML:   DefaultCoreMLOptions(),
		OpenVINO: DefaultOpenVINOOptions(),
	}
}

// SessionOptions builds ONNX Runtime session options for a worker bound to res.
// The runtime must be initialized. The caller destroys the returned options.
//
// Arguments:
//   - backend: The execution provider backend.
//   - res: The resource, whose Threads bounds intra-op parallelism.
//   - opts: Provider specific settings.
//
// Returns:
//   - *ort.SessionOptions: The configured options.
//   - error: An error if the provider cannot be appended.
func SessionOptions(backend Backend, res inference.Resource, opts Options) (*ort.SessionOptions, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "create session options")
	}

	if err := configure(options, backend, res, opts); err != nil {
		options.Destroy()
		return nil, err
	}
	return options, nil
}

func configure(options *ort.SessionOptions, backend Backend, res inference.Resource, opts Options) error {
	threads := res.Threads
	if threads < 1 {
		threads = 1
	}

	// One worker is one unit of parallelism, so keep graph execution on a
	// single inter-op thread and give the resource threads to each node.
	if err := options.SetIntraOpNumThreads(threads); err != nil {
		return errors.Wrap(err, "set intra op threads")
	}
	if err := options.SetInterOpNumThreads(1); err != nil {
		return errors.Wrap(err, "set inter op threads")
	}
	if err := options.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableExtended); err != nil {
		return errors.Wrap(err, "set graph optimization level")
	}

	switch backend {
	case CPUBackend:
		return nil

	case CUDABackend:
		cuda, err := opts.CUDA.ToNativeProviderOptions()
		if err != nil {
			return errors.Wrap(err, "create CUDA provider options")
		}
		defer cuda.Destroy()

		if err := options.AppendExecutionProviderCUDA(cuda); err != nil {
			return errors.Wrap(err, "enable CUDA")
		}

	case CoreMLBackend:
		if err := options.AppendExecutionProviderCoreML(opts.CoreML.Flags()); err != nil {
			return errors.Wrap(err, "enable CoreML")
		}

	case OpenVINOBackend:
		if err := options.AppendExecutionProviderOpenVINO(opts.OpenVINO.providerMap()); err != nil {
			return errors.Wrap(err, "enable OpenVINO")
		}

	default:
		return errors.Wrapf(ErrUnknownBackend, "%q", backend)
	}
	return nil
}
