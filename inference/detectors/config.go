// Package detectors - ONNX Runtime object detection workers.
package detectors

import (
	"github.com/nfnt/resize"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-ml-scheduler/inference"
	"github.com/nvr-ai/go-ml-scheduler/inference/providers"
)

// Config configures YOLO style ONNX detection workers.
type Config struct {
	// ModelPath is the ONNX model file.
	ModelPath string
	// LibraryPath is the ONNX Runtime shared library, "" for the platform default.
	LibraryPath string
	// InputSize is the square model input resolution.
	InputSize int
	// InputName and OutputName are the model's tensor names.
	InputName  string
	OutputName string
	// Confidence filters detections below this score.
	Confidence float32
	// IoU is the non maximum suppression overlap threshold.
	IoU float32
	// Labels are the class names, indexed by class id.
	Labels []string
	// Accelerator is the backend used for accelerated resources.
	Accelerator providers.Backend
	// AcceleratorAvailable, when false, fails accelerated worker initialization.
	AcceleratorAvailable bool
	// Providers holds per backend settings.
	Providers providers.Options
	// Interpolation is used to scale frames to the input size.
	Interpolation resize.InterpolationFunction
}

// DefaultConfig returns a configuration for a 640x640 COCO model.
func DefaultConfig() Config {
	return Config{
		InputSize:            640,
		InputName:            "images",
		OutputName:           "output0",
		Confidence:           0.5,
		IoU:                  0.45,
		Labels:               inference.COCOLabels,
		Accelerator:          providers.CUDABackend,
		AcceleratorAvailable: true,
		Providers:            providers.DefaultOptions(),
		Interpolation:        resize.Bilinear,
	}
}

func (c Config) validate() error {
	switch {
	case c.ModelPath == "":
		return errors.New("model path is required")
	case c.InputSize < 32 || c.InputSize%32 != 0:
		return errors.Errorf("input size must be a positive multiple of 32, got %d", c.InputSize)
	case len(c.Labels) == 0:
		return errors.New("at least one label is required")
	case c.InputName == "" || c.OutputName == "":
		return errors.New("input and output tensor names are required")
	}
	return nil
}

// anchors returns the number of candidate boxes a YOLOv8 head produces for a
// square input: one per cell of the stride 8, 16 and 32 feature maps.
func anchors(size int) int {
	n := 0
	for _, stride := range []int{8, 16, 32} {
		cells := size / stride
		n += cells * cells
	}
	return n
}
