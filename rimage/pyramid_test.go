package rimage

import (
	"testing"

	"go.viam.com/test"
)

func rampImage(w, h int) *FloatImage {
	img := NewFloatImage(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, float32(2*x+3*y))
		}
	}
	return img
}

func TestPyramid(t *testing.T) {
	pyr, err := NewPyramid(rampImage(64, 48), 3)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pyr.NumLevels(), test.ShouldEqual, 3)
	test.That(t, pyr.Level(1).Width, test.ShouldEqual, 32)
	test.That(t, pyr.Level(2).Height, test.ShouldEqual, 12)

	// A linear ramp has constant gradient in the interior of every level, doubling per level.
	l0 := pyr.Level(0)
	test.That(t, l0.DX[l0.Idx(10, 10)], test.ShouldAlmostEqual, 2)
	test.That(t, l0.DY[l0.Idx(10, 10)], test.ShouldAlmostEqual, 3)
	test.That(t, l0.GradSq[l0.Idx(10, 10)], test.ShouldAlmostEqual, 13)
	l1 := pyr.Level(1)
	test.That(t, l1.DX[l1.Idx(5, 5)], test.ShouldAlmostEqual, 4)
	test.That(t, l1.DY[l1.Idx(5, 5)], test.ShouldAlmostEqual, 6)
	// Borders carry no gradient.
	test.That(t, l0.DX[l0.Idx(0, 5)], test.ShouldEqual, 0)

	// Averaging 2x2 blocks of a ramp samples it at the block center.
	test.That(t, l1.Intensity[l1.Idx(3, 4)], test.ShouldAlmostEqual, 2*6.5+3*8.5)
}

func TestPyramidInterpolate(t *testing.T) {
	pyr, err := NewPyramid(rampImage(32, 32), 1)
	test.That(t, err, test.ShouldBeNil)
	l0 := pyr.Level(0)

	v, gx, gy, ok := l0.Interpolate(10.25, 12.5)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, v, test.ShouldAlmostEqual, 2*10.25+3*12.5, 1e-5)
	test.That(t, gx, test.ShouldAlmostEqual, 2, 1e-5)
	test.That(t, gy, test.ShouldAlmostEqual, 3, 1e-5)

	_, _, _, ok = l0.Interpolate(31.5, 3)
	test.That(t, ok, test.ShouldBeFalse)
	_, _, _, ok = l0.Interpolate(-0.1, 3)
	test.That(t, ok, test.ShouldBeFalse)

	test.That(t, l0.InBounds(2, 2, 2), test.ShouldBeTrue)
	test.That(t, l0.InBounds(29.5, 2, 2), test.ShouldBeFalse)
}

func TestPyramidErrors(t *testing.T) {
	_, err := NewPyramid(rampImage(8, 8), 0)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = NewPyramid(rampImage(8, 8), 4)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = NewFloatImageFromData(2, 2, []float32{1, 2, 3})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestFloatImage(t *testing.T) {
	img := rampImage(4, 4)
	v, ok := img.Bilinear(1.5, 1.5)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, v, test.ShouldAlmostEqual, 7.5)
	_, ok = img.Bilinear(3, 0)
	test.That(t, ok, test.ShouldBeFalse)

	c := img.Clone()
	c.Set(0, 0, 99)
	test.That(t, img.At(0, 0), test.ShouldEqual, float32(0))
	test.That(t, img.ToGray().GrayAt(1, 1).Y, test.ShouldEqual, uint8(5))

	round := NewFloatImageFromStdImage(img.ToGray())
	test.That(t, round.At(2, 3), test.ShouldEqual, float32(13))
}
