package rimage

import (
	"image"
	"math"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	"go.viam.com/dso/utils"
)

// FloatImage is a single channel image of irradiance or intensity values stored row-major.
type FloatImage struct {
	width  int
	height int
	data   []float32
}

// NewFloatImage returns a zeroed image.
func NewFloatImage(width, height int) *FloatImage {
	return &FloatImage{width: width, height: height, data: make([]float32, width*height)}
}

// NewFloatImageFromData wraps data, which must hold width*height values.
func NewFloatImageFromData(width, height int, data []float32) (*FloatImage, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("invalid image size %dx%d", width, height)
	}
	if len(data) != width*height {
		return nil, errors.Errorf("image data has %d values, expected %d", len(data), width*height)
	}
	return &FloatImage{width: width, height: height, data: data}, nil
}

// NewFloatImageFromStdImage converts any image to luminance values in [0, 255].
func NewFloatImageFromStdImage(img image.Image) *FloatImage {
	gray := imaging.Grayscale(img)
	b := gray.Bounds()
	out := NewFloatImage(b.Dx(), b.Dy())
	for y := 0; y < b.Dy(); y++ {
		row := gray.Pix[y*gray.Stride:]
		for x := 0; x < b.Dx(); x++ {
			// Grayscale output keeps R=G=B.
			out.data[y*out.width+x] = float32(row[4*x])
		}
	}
	return out
}

// Width returns the width.
func (f *FloatImage) Width() int {
	return f.width
}

// Height returns the height.
func (f *FloatImage) Height() int {
	return f.height
}

// Data returns the backing slice.
func (f *FloatImage) Data() []float32 {
	return f.data
}

// At returns the value at (x, y).
func (f *FloatImage) At(x, y int) float32 {
	return f.data[y*f.width+x]
}

// Set sets the value at (x, y).
func (f *FloatImage) Set(x, y int, v float32) {
	f.data[y*f.width+x] = v
}

// Clone returns a deep copy.
func (f *FloatImage) Clone() *FloatImage {
	data := make([]float32, len(f.data))
	copy(data, f.data)
	return &FloatImage{width: f.width, height: f.height, data: data}
}

// Bilinear returns the bilinearly interpolated value at (x, y). ok is false when the 2x2
// neighbourhood leaves the image.
func (f *FloatImage) Bilinear(x, y float64) (float64, bool) {
	ix, iy := int(math.Floor(x)), int(math.Floor(y))
	if ix < 0 || iy < 0 || ix+1 >= f.width || iy+1 >= f.height {
		return 0, false
	}
	dx, dy := x-float64(ix), y-float64(iy)
	i := iy*f.width + ix
	v := (1-dy)*((1-dx)*float64(f.data[i])+dx*float64(f.data[i+1])) +
		dy*((1-dx)*float64(f.data[i+f.width])+dx*float64(f.data[i+f.width+1]))
	return v, true
}

// ToGray converts to an 8 bit image, clamping values to [0, 255].
func (f *FloatImage) ToGray() *image.Gray {
	out := image.NewGray(image.Rect(0, 0, f.width, f.height))
	for i, v := range f.data {
		out.Pix[i] = uint8(utils.Clamp(math.Round(float64(v)), 0, 255))
	}
	return out
}

// Bounds returns the image rectangle.
func (f *FloatImage) Bounds() image.Rectangle {
	return image.Rect(0, 0, f.width, f.height)
}
