package frames

import (
	"image"
	"sync"

	"github.com/pkg/errors"
)

var (
	// ErrBufferMismatch is returned when a frame's dimensions differ from the
	// established buffer dimensions and the buffer rejects mismatches.
	ErrBufferMismatch = errors.New("decode buffer mismatch")
	// ErrBufferReleased is returned when a released buffer is used.
	ErrBufferReleased = errors.New("decode buffer released")
)

// MismatchPolicy decides what a DecodeBuffer does with a frame whose
// dimensions differ from the established ones.
type MismatchPolicy string

const (
	// MismatchReject fails the copy with ErrBufferMismatch.
	MismatchReject MismatchPolicy = "reject"
	// MismatchResize reallocates the buffer to the new dimensions.
	MismatchResize MismatchPolicy = "resize"
)

// BufferStats is a snapshot of DecodeBuffer counters.
type BufferStats struct {
	Width      int
	Height     int
	Copies     uint64
	Mismatches uint64
	Resizes    uint64
}

// DecodeBuffer is a reusable RGBA image that frames are decoded into before
// inference. Its dimensions are taken from the first frame copied into it.
//
// Every access to the pixels happens inside With while the buffer's lock is
// held, so one DecodeBuffer may be shared by several workers.
type DecodeBuffer struct {
	mu       sync.Mutex
	img      *image.RGBA
	policy   MismatchPolicy
	released bool
	stats    BufferStats
}

// NewDecodeBuffer creates an unsized buffer. An empty policy means MismatchReject.
func NewDecodeBuffer(policy MismatchPolicy) *DecodeBuffer {
	if policy == "" {
		policy = MismatchReject
	}
	return &DecodeBuffer{policy: policy}
}

// With copies the frame into the buffer and calls fn with the decoded image,
// all under the buffer's lock. fn must not retain img after returning.
//
// The frame is not released; ownership stays with the caller.
//
// Arguments:
//   - f: The frame to decode.
//   - fn: The callback reading the decoded pixels.
//
// Returns:
//   - error: ErrBufferReleased, ErrBufferMismatch, ErrInvalidFrame or the error of fn.
func (b *DecodeBuffer) With(f *Frame, fn func(img *image.RGBA) error) error {
	if err := f.Validate(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.released {
		return ErrBufferReleased
	}

	if err := b.ensure(f.Width, f.Height); err != nil {
		return err
	}

	copyInto(b.img, f)
	b.stats.Copies++

	if fn == nil {
		return nil
	}
	return fn(b.img)
}

// ensure lazily allocates the image or applies the mismatch policy. Caller holds mu.
func (b *DecodeBuffer) ensure(width, height int) error {
	if b.img == nil {
		b.img = image.NewRGBA(image.Rect(0, 0, width, height))
		b.stats.Width, b.stats.Height = width, height
		return nil
	}

	bounds := b.img.Bounds()
	if bounds.Dx() == width && bounds.Dy() == height {
		return nil
	}

	b.stats.Mismatches++
	if b.policy != MismatchResize {
		return errors.Wrapf(ErrBufferMismatch, "frame %dx%d, buffer %dx%d",
			width, height, bounds.Dx(), bounds.Dy())
	}

	b.img = image.NewRGBA(image.Rect(0, 0, width, height))
	b.stats.Width, b.stats.Height = width, height
	b.stats.Resizes++
	return nil
}

// copyInto converts the frame pixels into img, which has the frame's dimensions.
func copyInto(img *image.RGBA, f *Frame) {
	switch f.Format {
	case RGBA8888:
		n := f.Width * 4
		for y := 0; y < f.Height; y++ {
			copy(img.Pix[y*img.Stride:y*img.Stride+n], f.Data[y*n:(y+1)*n])
		}
	case BGR888:
		for y := 0; y < f.Height; y++ {
			src := f.Data[y*f.Width*3:]
			dst := img.Pix[y*img.Stride:]
			for x := 0; x < f.Width; x++ {
				dst[x*4+0] = src[x*3+2]
				dst[x*4+1] = src[x*3+1]
				dst[x*4+2] = src[x*3+0]
				dst[x*4+3] = 0xff
			}
		}
	}
}

// Size returns the established dimensions, or false if no frame has been copied yet.
func (b *DecodeBuffer) Size() (width, height int, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.img == nil {
		return 0, 0, false
	}
	return b.stats.Width, b.stats.Height, true
}

// Stats returns a snapshot of the buffer counters.
func (b *DecodeBuffer) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Release frees the pixels. It waits for an in-progress With to finish.
func (b *DecodeBuffer) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.released = true
	b.img = nil
}

// Released reports whether Release has been called.
func (b *DecodeBuffer) Released() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.released
}
