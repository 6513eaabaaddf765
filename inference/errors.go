package inference

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrInit matches every *InitError.
	ErrInit = errors.New("worker initialization failed")
	// ErrInfer matches every *InferError.
	ErrInfer = errors.New("inference failed")
	// ErrResourceUnavailable is returned when no worker can accept a frame.
	ErrResourceUnavailable = errors.New("resource unavailable")
	// ErrExhausted is returned when every configured resource failed to initialize.
	ErrExhausted = errors.New("all resource configurations failed")
)

// InitError is returned by a Factory when a worker cannot be created on a resource.
type InitError struct {
	Resource Resource
	Err      error
}

// NewInitError wraps err as a failure to initialize on res.
func NewInitError(res Resource, err error) *InitError {
	return &InitError{Resource: res, Err: err}
}

func (e *InitError) Error() string {
	return fmt.Sprintf("init %s worker: %v", e.Resource, e.Err)
}

// Unwrap returns the underlying cause.
func (e *InitError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrInit) match.
func (e *InitError) Is(target error) bool { return target == ErrInit }

// InferError is returned when the model fails on one frame.
type InferError struct {
	Seq      uint64
	WorkerID string
	Err      error
}

// NewInferError wraps err as a failure of worker on frame seq.
func NewInferError(seq uint64, workerID string, err error) *InferError {
	return &InferError{Seq: seq, WorkerID: workerID, Err: err}
}

func (e *InferError) Error() string {
	return fmt.Sprintf("infer frame %d on %s: %v", e.Seq, e.WorkerID, e.Err)
}

// Unwrap returns the underlying cause.
func (e *InferError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrInfer) match.
func (e *InferError) Is(target error) bool { return target == ErrInfer }
