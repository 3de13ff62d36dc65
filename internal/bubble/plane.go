package bubble

import (
	"image"

	"omr-scanner/pkg/colorutil"

	"gonum.org/v1/gonum/mat"
)

// Plane is the luminance of one scanned sheet, computed once and shared
// read-only by every bubble sample.
type Plane struct {
	data          *mat.Dense // rows = y, cols = x
	width, height int
}

// NewPlane converts img to 0-255 luminance. Gray images are copied as-is;
// colour images use the BT.601 weights on 8-bit channels.
func NewPlane(img image.Image) *Plane {
	if img == nil {
		return &Plane{}
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return &Plane{}
	}

	values := make([]float64, w*h)
	switch src := img.(type) {
	case *image.Gray:
		for y := 0; y < h; y++ {
			row := src.Pix[y*src.Stride : y*src.Stride+w]
			for x, v := range row {
				values[y*w+x] = float64(v)
			}
		}
	default:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
				values[y*w+x] = colorutil.Luminance16(r, g, bl)
			}
		}
	}

	return &Plane{data: mat.NewDense(h, w, values), width: w, height: h}
}

// Width returns the plane width in pixels.
func (p *Plane) Width() int { return p.width }

// Height returns the plane height in pixels.
func (p *Plane) Height() int { return p.height }

// At returns the luminance at x, y.
func (p *Plane) At(x, y int) float64 {
	return p.data.At(y, x)
}

func (p *Plane) empty() bool {
	return p == nil || p.data == nil
}
