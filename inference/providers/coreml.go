package providers

// CoreML provider flags.
// See: https://onnxruntime.ai/docs/execution-providers/CoreML-ExecutionProvider.html
const (
	coreMLUseCPUOnly           uint32 = 0x001
	coreMLEnableOnSubgraph     uint32 = 0x002
	coreMLOnlyANEDevices       uint32 = 0x004
	coreMLOnlyStaticInputShape uint32 = 0x008
	coreMLCreateMLProgram      uint32 = 0x010
)

// CoreMLOptions contains arguments for the CoreML provider.
type CoreMLOptions struct {
	// Limit CoreML to running on CPU only.
	CPUOnly bool `yaml:"cpu_only"`
	// Only run on devices with a compatible Apple Neural Engine.
	ANEOnly bool `yaml:"ane_only"`
	// Enable CoreML on subgraphs of control flow operators.
	EnableOnSubgraphs bool `yaml:"enable_on_subgraphs"`
	// Only take nodes with static input shapes.
	RequireStaticInputShapes bool `yaml:"require_static_input_shapes"`
	// Create an MLProgram format model. Requires Core ML 5 or later.
	MLProgram bool `yaml:"ml_program"`
}

// DefaultCoreMLOptions returns the options used when none are configured.
func DefaultCoreMLOptions() CoreMLOptions {
	return CoreMLOptions{RequireStaticInputShapes: true}
}

// Flags packs o into the bit set accepted by the CoreML provider.
func (o CoreMLOptions) Flags() uint32 {
	var flags uint32
	if o.CPUOnly {
		flags |= coreMLUseCPUOnly
	}
	if o.EnableOnSubgraphs {
		flags |= coreMLEnableOnSubgraph
	}
	if o.ANEOnly {
		flags |= coreMLOnlyANEDevices
	}
	if o.RequireStaticInputShapes {
		flags |= coreMLOnlyStaticInputShape
	}
	if o.MLProgram {
		flags |= coreMLCreateMLProgram
	}
	return flags
}
