// Package frames - Camera frames, their ownership and the shared decode buffer.
package frames

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// PixelFormat describes the layout of Frame.Data.
type PixelFormat string

const (
	// RGBA8888 is four bytes per pixel, the analysis format delivered by camera sources.
	RGBA8888 PixelFormat = "rgba8888"
	// BGR888 is three bytes per pixel, the native OpenCV layout.
	BGR888 PixelFormat = "bgr888"
)

// BytesPerPixel returns the pixel stride of the format, or 0 for an unknown format.
func (p PixelFormat) BytesPerPixel() int {
	switch p {
	case RGBA8888:
		return 4
	case BGR888:
		return 3
	default:
		return 0
	}
}

// ErrInvalidFrame is returned when a frame's metadata does not describe its data.
var ErrInvalidFrame = errors.New("invalid frame")

// Frame is one image delivered by a frame source.
//
// A Frame is owned by exactly one party at a time. Whoever holds it last must
// call Release, which returns the underlying data to the source. Release is
// idempotent; only the first call has an effect.
type Frame struct {
	// Seq is the source assigned sequence number.
	Seq uint64
	// Width of the image in pixels.
	Width int
	// Height of the image in pixels.
	Height int
	// Rotation in degrees clockwise that must be applied for display.
	Rotation int
	// Format of Data.
	Format PixelFormat
	// Data holds Height rows of Width pixels.
	Data []byte
	// Timestamp is the capture time.
	Timestamp time.Time

	release  func(*Frame)
	released atomic.Bool
}

// New creates a frame. onRelease, when non-nil, is invoked once by Release.
//
// Arguments:
//   - seq: The sequence number.
//   - width: The width in pixels.
//   - height: The height in pixels.
//   - format: The pixel format of data.
//   - data: The pixel data.
//   - onRelease: The hook returning data to its owner.
//
// Returns:
//   - *Frame: The frame.
func New(seq uint64, width, height int, format PixelFormat, data []byte, onRelease func(*Frame)) *Frame {
	return &Frame{
		Seq:       seq,
		Width:     width,
		Height:    height,
		Format:    format,
		Data:      data,
		Timestamp: time.Now(),
		release:   onRelease,
	}
}

// Release hands the frame back to its source. It reports whether this call
// performed the release.
func (f *Frame) Release() bool {
	if f == nil || !f.released.CompareAndSwap(false, true) {
		return false
	}
	if f.release != nil {
		f.release(f)
	}
	f.Data = nil
	return true
}

// Released reports whether Release has been called.
func (f *Frame) Released() bool {
	return f.released.Load()
}

// Validate checks that Data is large enough for the declared geometry.
func (f *Frame) Validate() error {
	if f.Released() {
		return errors.Wrapf(ErrInvalidFrame, "frame %d already released", f.Seq)
	}
	bpp := f.Format.BytesPerPixel()
	if bpp == 0 {
		return errors.Wrapf(ErrInvalidFrame, "unsupported pixel format %q", f.Format)
	}
	if f.Width <= 0 || f.Height <= 0 {
		return errors.Wrapf(ErrInvalidFrame, "bad dimensions %dx%d", f.Width, f.Height)
	}
	if want := f.Width * f.Height * bpp; len(f.Data) < want {
		return errors.Wrapf(ErrInvalidFrame, "have %d bytes, need %d", len(f.Data), want)
	}
	return nil
}

func (f *Frame) String() string {
	return fmt.Sprintf("frame %d (%dx%d %s rot=%d)", f.Seq, f.Width, f.Height, f.Format, f.Rotation)
}
