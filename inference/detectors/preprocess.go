package detectors

import (
	"image"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
)

// preprocess scales img to size x size and writes it into dst as planar
// RGB floats in [0, 1], the [1, 3, size, size] layout the model expects.
//
// Arguments:
//   - img: The decoded frame.
//   - size: The model input resolution.
//   - interp: The scaling interpolation.
//   - dst: The input tensor data.
//
// Returns:
//   - error: An error if dst is too small.
func preprocess(img *image.RGBA, size int, interp resize.InterpolationFunction, dst []float32) error {
	plane := size * size
	if len(dst) < 3*plane {
		return errors.Errorf("destination tensor only holds %d floats, needs %d", len(dst), 3*plane)
	}
	red := dst[0:plane]
	green := dst[plane : 2*plane]
	blue := dst[2*plane : 3*plane]

	var src image.Image = img
	if b := img.Bounds(); b.Dx() != size || b.Dy() != size {
		src = resize.Resize(uint(size), uint(size), img, interp)
	}

	if rgba, ok := src.(*image.RGBA); ok {
		b := rgba.Bounds()
		i := 0
		for y := 0; y < size; y++ {
			p := rgba.PixOffset(b.Min.X, b.Min.Y+y)
			for x := 0; x < size; x++ {
				red[i] = float32(rgba.Pix[p]) / 255.0
				green[i] = float32(rgba.Pix[p+1]) / 255.0
				blue[i] = float32(rgba.Pix[p+2]) / 255.0
				p += 4
				i++
			}
		}
		return nil
	}

	b := src.Bounds()
	i := 0
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, bl, _ := src.At(b.Min.X+x, b.Min.Y+y).RGBA()
			red[i] = float32(r>>8) / 255.0
			green[i] = float32(g>>8) / 255.0
			blue[i] = float32(bl>>8) / 255.0
			i++
		}
	}
	return nil
}
