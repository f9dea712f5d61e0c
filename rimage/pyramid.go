package rimage

import (
	"math"

	"github.com/pkg/errors"

	"go.viam.com/dso/utils"
)

// MaxPyramidLevels bounds the depth of an image pyramid.
const MaxPyramidLevels = 6

// PyramidLevel holds the intensity of one pyramid level together with its central difference
// gradients and squared gradient magnitude.
type PyramidLevel struct {
	Width, Height int
	Intensity     []float32
	DX, DY        []float32
	GradSq        []float32
}

// Idx returns the flat index of (x, y).
func (l *PyramidLevel) Idx(x, y int) int {
	return y*l.Width + x
}

// InBounds reports whether (x, y) has at least margin pixels of image around it.
func (l *PyramidLevel) InBounds(x, y, margin float64) bool {
	return x >= margin && y >= margin && x < float64(l.Width)-margin-1 && y < float64(l.Height)-margin-1
}

// Interpolate returns the bilinearly interpolated intensity and gradient at (x, y). ok is false
// when the 2x2 neighbourhood leaves the level.
func (l *PyramidLevel) Interpolate(x, y float64) (value, gx, gy float64, ok bool) {
	ix, iy := int(math.Floor(x)), int(math.Floor(y))
	if ix < 0 || iy < 0 || ix+1 >= l.Width || iy+1 >= l.Height {
		return 0, 0, 0, false
	}
	dx, dy := x-float64(ix), y-float64(iy)
	w00 := (1 - dx) * (1 - dy)
	w10 := dx * (1 - dy)
	w01 := (1 - dx) * dy
	w11 := dx * dy
	i := iy*l.Width + ix
	j := i + l.Width
	blend := func(a []float32) float64 {
		return w00*float64(a[i]) + w10*float64(a[i+1]) + w01*float64(a[j]) + w11*float64(a[j+1])
	}
	return blend(l.Intensity), blend(l.DX), blend(l.DY), true
}

// Pyramid is a coarse-to-fine stack of images; level 0 is full resolution and each further
// level halves both dimensions.
type Pyramid struct {
	Levels []*PyramidLevel
}

// NewPyramid builds a pyramid with the given number of levels from img.
func NewPyramid(img *FloatImage, levels int) (*Pyramid, error) {
	if levels < 1 || levels > MaxPyramidLevels {
		return nil, errors.Errorf("pyramid levels must be in [1, %d], got %d", MaxPyramidLevels, levels)
	}
	w, h := img.Width(), img.Height()
	if w>>(levels-1) < 2 || h>>(levels-1) < 2 {
		return nil, errors.Errorf("image %dx%d too small for %d pyramid levels", w, h, levels)
	}
	pyr := &Pyramid{Levels: make([]*PyramidLevel, levels)}
	base := make([]float32, len(img.Data()))
	copy(base, img.Data())
	pyr.Levels[0] = newPyramidLevel(w, h, base)
	for lvl := 1; lvl < levels; lvl++ {
		prev := pyr.Levels[lvl-1]
		pyr.Levels[lvl] = newPyramidLevel(prev.Width/2, prev.Height/2, downsample(prev))
	}
	return pyr, nil
}

// NumLevels returns the number of levels.
func (p *Pyramid) NumLevels() int {
	return len(p.Levels)
}

// Level returns level lvl.
func (p *Pyramid) Level(lvl int) *PyramidLevel {
	return p.Levels[lvl]
}

func newPyramidLevel(w, h int, intensity []float32) *PyramidLevel {
	l := &PyramidLevel{
		Width:     w,
		Height:    h,
		Intensity: intensity,
		DX:        make([]float32, w*h),
		DY:        make([]float32, w*h),
		GradSq:    make([]float32, w*h),
	}
	utils.ParallelForEachRow(h, func(y int) {
		if y == 0 || y == h-1 {
			return
		}
		for x := 1; x < w-1; x++ {
			i := y*w + x
			dx := 0.5 * (intensity[i+1] - intensity[i-1])
			dy := 0.5 * (intensity[i+w] - intensity[i-w])
			l.DX[i] = dx
			l.DY[i] = dy
			l.GradSq[i] = dx*dx + dy*dy
		}
	})
	return l
}

// downsample averages 2x2 blocks.
func downsample(src *PyramidLevel) []float32 {
	w, h := src.Width/2, src.Height/2
	out := make([]float32, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := 2*y*src.Width + 2*x
			out[y*w+x] = 0.25 * (src.Intensity[i] + src.Intensity[i+1] +
				src.Intensity[i+src.Width] + src.Intensity[i+src.Width+1])
		}
	}
	return out
}
