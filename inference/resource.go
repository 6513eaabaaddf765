// Package inference - Inference workers, the resources they run on and their results.
package inference

import (
	"context"
	"fmt"

	"github.com/nvr-ai/go-ml-scheduler/frames"
)

// ResourceKind identifies the class of compute an inference worker is bound to.
type ResourceKind string

const (
	// Accelerated is a dedicated accelerator such as a GPU or NPU.
	Accelerated ResourceKind = "accelerated"
	// General is the general purpose CPU.
	General ResourceKind = "general"
)

// Valid reports whether k is a known resource kind.
func (k ResourceKind) Valid() bool {
	return k == Accelerated || k == General
}

// Resource describes where a worker executes.
type Resource struct {
	// Kind is the compute class.
	Kind ResourceKind
	// Threads is the number of threads the worker may use, at least 1.
	Threads int
}

func (r Resource) String() string {
	return fmt.Sprintf("%s/%d", r.Kind, r.Threads)
}

// Worker is a stateful model runner bound to one resource.
//
// A Worker is not safe for concurrent use; a pool hands it to one caller at a
// time. Infer never retains or releases the frame it is given.
type Worker interface {
	// ID identifies the worker in results and logs.
	ID() string
	// Resource returns the resource the worker was initialized on.
	Resource() Resource
	// Infer runs the model on the frame. A returned *InferError leaves the
	// worker usable for subsequent frames.
	Infer(ctx context.Context, f *frames.Frame) (*Result, error)
	// Close releases the worker's native resources.
	Close() error
}

// Factory initializes a worker on the given resource. buf is the decode buffer
// the worker must copy frames into; it may be shared with other workers.
// Failures are reported as *InitError.
type Factory func(ctx context.Context, res Resource, buf *frames.DecodeBuffer) (Worker, error)
