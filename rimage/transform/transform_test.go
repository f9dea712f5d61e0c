package transform

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/dso/rimage"
)

func testIntrinsics() *PinholeCameraIntrinsics {
	return &PinholeCameraIntrinsics{Width: 640, Height: 480, Fx: 500, Fy: 500, Ppx: 319.5, Ppy: 239.5}
}

func TestCheckValid(t *testing.T) {
	var nilIntrinsics *PinholeCameraIntrinsics
	test.That(t, nilIntrinsics.CheckValid(), test.ShouldBeError)
	test.That(t, testIntrinsics().CheckValid(), test.ShouldBeNil)
	bad := testIntrinsics()
	bad.Fx = 0
	test.That(t, bad.CheckValid(), test.ShouldNotBeNil)
}

func TestIntrinsicsFromJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "intrinsics.json")
	err := os.WriteFile(path, []byte(`{"width_px":640,"height_px":480,"fx":500,"fy":501,"ppx":320,"ppy":240}`), 0o600)
	test.That(t, err, test.ShouldBeNil)
	intr, err := NewPinholeCameraIntrinsicsFromJSONFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, intr.Fy, test.ShouldEqual, 501)

	_, err = NewPinholeCameraIntrinsicsFromJSONFile(filepath.Join(t.TempDir(), "missing.json"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestNumPyramidLevels(t *testing.T) {
	test.That(t, testIntrinsics().NumPyramidLevels(), test.ShouldEqual, 4)
	small := &PinholeCameraIntrinsics{Width: 424, Height: 320, Fx: 1, Fy: 1}
	test.That(t, small.NumPyramidLevels(), test.ShouldEqual, 4)
	odd := &PinholeCameraIntrinsics{Width: 641, Height: 480, Fx: 1, Fy: 1}
	test.That(t, odd.NumPyramidLevels(), test.ShouldEqual, 1)
}

func TestLevelIntrinsicsProjection(t *testing.T) {
	levels := testIntrinsics().Levels(3)
	pt := r3.Vector{X: 0.3, Y: -0.2, Z: 2}
	u0, v0, ok := levels[0].Project(pt)
	test.That(t, ok, test.ShouldBeTrue)
	u1, v1, _ := levels[1].Project(pt)
	// Pixel (x, y) at level 0 is ((x+0.5)/2-0.5, (y+0.5)/2-0.5) at level 1.
	test.That(t, u1, test.ShouldAlmostEqual, (u0+0.5)/2-0.5)
	test.That(t, v1, test.ShouldAlmostEqual, (v0+0.5)/2-0.5)

	ray := levels[2].Ray(17, 33)
	u2, v2, _ := levels[2].Project(ray.Mul(4))
	test.That(t, u2, test.ShouldAlmostEqual, 17)
	test.That(t, v2, test.ShouldAlmostEqual, 33)

	_, _, ok = levels[0].Project(r3.Vector{Z: -1})
	test.That(t, ok, test.ShouldBeFalse)
}

func TestFromToExposure(t *testing.T) {
	a, b := FromToExposure(1, 1, AffLight{}, AffLight{})
	test.That(t, a, test.ShouldEqual, 1)
	test.That(t, b, test.ShouldEqual, 0)

	a, b = FromToExposure(10, 20, AffLight{A: 0.1, B: 2}, AffLight{A: 0.3, B: 5})
	test.That(t, a, test.ShouldAlmostEqual, math.Exp(0.2)*2)
	test.That(t, b, test.ShouldAlmostEqual, 5-a*2)

	// Unknown exposure falls back to unit exposure on both sides.
	a, _ = FromToExposure(0, 20, AffLight{}, AffLight{})
	test.That(t, a, test.ShouldEqual, 1)
}

func TestPhotometricResponse(t *testing.T) {
	table := make([]float64, ResponseSize)
	for i := range table {
		table[i] = math.Pow(float64(i)/255, 2.2) * 1000
	}
	resp, err := NewPhotometricResponse(table)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp.Irradiance(0), test.ShouldEqual, 0)
	test.That(t, resp.Irradiance(255), test.ShouldAlmostEqual, 255)
	test.That(t, resp.Irradiance(128), test.ShouldBeLessThan, 128)

	_, err = NewPhotometricResponse(table[:10])
	test.That(t, err, test.ShouldNotBeNil)
	table[50] = -1
	_, err = NewPhotometricResponse(table)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestCalibrationUndistort(t *testing.T) {
	intr := &PinholeCameraIntrinsics{Width: 8, Height: 6, Fx: 10, Fy: 10, Ppx: 3.5, Ppy: 2.5}
	vigImg := rimage.NewFloatImage(8, 6)
	for i := range vigImg.Data() {
		vigImg.Data()[i] = 200
	}
	vigImg.Set(0, 0, 100)
	vig, err := NewVignette(vigImg)
	test.That(t, err, test.ShouldBeNil)

	calib, err := NewCalibration(intr, nil, nil, vig)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, calib.Photometric(), test.ShouldBeTrue)

	raw := rimage.NewFloatImage(8, 6)
	for i := range raw.Data() {
		raw.Data()[i] = 40
	}
	irr, exposure, err := calib.Undistort(raw, 12)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, exposure, test.ShouldEqual, 12)
	test.That(t, irr.At(3, 3), test.ShouldAlmostEqual, 40)
	// Half the light reached the corner, so its irradiance doubles.
	test.That(t, irr.At(0, 0), test.ShouldAlmostEqual, 80)

	plain := calib.WithoutPhotometric()
	irr, exposure, err = plain.Undistort(raw, 12)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, exposure, test.ShouldEqual, 1)
	test.That(t, irr.At(0, 0), test.ShouldAlmostEqual, 40)

	_, _, err = calib.Undistort(rimage.NewFloatImage(4, 4), 1)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestCalibrationDistortion(t *testing.T) {
	intr := &PinholeCameraIntrinsics{Width: 64, Height: 48, Fx: 60, Fy: 60, Ppx: 31.5, Ppy: 23.5}
	noop, err := NewDistorter(BrownConradyDistortionType, nil)
	test.That(t, err, test.ShouldBeNil)
	calib, err := NewCalibration(intr, noop, nil, nil)
	test.That(t, err, test.ShouldBeNil)

	raw := rimage.NewFloatImage(64, 48)
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			raw.Set(x, y, float32(x+y))
		}
	}
	// Zero distortion is an identity remap away from the last row and column.
	out, _, err := calib.Undistort(raw, 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out.At(10, 20), test.ShouldAlmostEqual, 30, 1e-4)

	barrel, err := NewDistorter(BrownConradyDistortionType, []float64{-0.2})
	test.That(t, err, test.ShouldBeNil)
	x, y := barrel.Transform(0.5, 0)
	test.That(t, x, test.ShouldBeLessThan, 0.5)
	test.That(t, y, test.ShouldEqual, 0)

	_, err = NewDistorter("fisheye", nil)
	test.That(t, err, test.ShouldNotBeNil)
	d, err := NewDistorter(NoDistortionType, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, d, test.ShouldBeNil)
}
