package providers

import (
	"os"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// LibraryEnv overrides the shared library location.
const LibraryEnv = "ONNXRUNTIME_SHARED_LIBRARY_PATH"

// ErrUnsupportedPlatform is returned when no default library exists for the platform.
var ErrUnsupportedPlatform = errors.New("no onnxruntime library for this platform")

var runtimeMu sync.Mutex

// LibraryPath returns the ONNX Runtime shared library path for the current platform.
//
// Returns:
//   - string: The path to the shared library.
//   - error: ErrUnsupportedPlatform when no default is known.
func LibraryPath() (string, error) {
	if p := os.Getenv(LibraryEnv); p != "" {
		return p, nil
	}
	return defaultLibraryPath(runtime.GOOS, runtime.GOARCH)
}

func defaultLibraryPath(goos, goarch string) (string, error) {
	switch goos {
	case "windows":
		if goarch == "amd64" {
			return "./third_party/onnxruntime.dll", nil
		}
	case "darwin":
		return "./third_party/libonnxruntime.dylib", nil
	case "linux":
		if goarch == "arm64" {
			return "./third_party/onnxruntime_arm64.so", nil
		}
		return "./third_party/onnxruntime.so", nil
	}
	return "", errors.Wrapf(ErrUnsupportedPlatform, "%s/%s", goos, goarch)
}

// InitRuntime loads the ONNX Runtime shared library once per process.
// An empty path uses LibraryPath. Later calls are no-ops.
func InitRuntime(path string) error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}

	if path == "" {
		p, err := LibraryPath()
		if err != nil {
			return err
		}
		path = p
	}
	if _, err := os.Stat(path); err != nil {
		return errors.Wrapf(err, "onnxruntime library %s", path)
	}

	ort.SetSharedLibraryPath(path)
	if err := ort.InitializeEnvironment(); err != nil {
		return errors.Wrap(err, "initialize onnxruntime environment")
	}
	return nil
}

// ShutdownRuntime releases the ONNX Runtime environment if it was initialized.
func ShutdownRuntime() error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}
