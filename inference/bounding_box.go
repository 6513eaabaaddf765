package inference

import (
	"fmt"
	"image"

	"github.com/chewxy/math32"
)

// Box is an axis aligned rectangle in frame pixel coordinates.
type Box struct {
	X1, Y1, X2, Y2 float32
}

func (b Box) String() string {
	return fmt.Sprintf("(%.1f, %.1f), (%.1f, %.1f)", b.X1, b.Y1, b.X2, b.Y2)
}

// Area returns the area of the box, zero for a degenerate box.
func (b Box) Area() float32 {
	return math32.Max(0, b.X2-b.X1) * math32.Max(0, b.Y2-b.Y1)
}

// Intersection returns the overlapping area of b and other.
func (b Box) Intersection(other Box) float32 {
	w := math32.Min(b.X2, other.X2) - math32.Max(b.X1, other.X1)
	h := math32.Min(b.Y2, other.Y2) - math32.Max(b.Y1, other.Y1)
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// IoU returns the intersection over union of b and other.
//
// Arguments:
//   - other: The box to compare with.
//
// Returns:
//   - float32: A value in [0, 1]; 0 when both boxes are empty.
func (b Box) IoU(other Box) float32 {
	inter := b.Intersection(other)
	union := b.Area() + other.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Clamp limits the box to a width x height frame.
func (b Box) Clamp(width, height int) Box {
	w, h := float32(width), float32(height)
	return Box{
		X1: math32.Min(math32.Max(b.X1, 0), w),
		Y1: math32.Min(math32.Max(b.Y1, 0), h),
		X2: math32.Min(math32.Max(b.X2, 0), w),
		Y2: math32.Min(math32.Max(b.Y2, 0), h),
	}
}

// Rect converts the box to integer pixel coordinates.
func (b Box) Rect() image.Rectangle {
	return image.Rect(
		int(math32.Floor(b.X1)), int(math32.Floor(b.Y1)),
		int(math32.Ceil(b.X2)), int(math32.Ceil(b.Y2)),
	).Canon()
}
