package testutils

import (
	"math"

	"github.com/golang/geo/r3"

	"go.viam.com/dso/rimage"
	"go.viam.com/dso/rimage/transform"
	"go.viam.com/dso/spatialmath"
)

// SceneIntrinsics returns a small camera suitable for fast tests.
func SceneIntrinsics() *transform.PinholeCameraIntrinsics {
	return &transform.PinholeCameraIntrinsics{Width: 320, Height: 240, Fx: 260, Fy: 260, Ppx: 159.5, Ppy: 119.5}
}

// SceneCalibration returns a calibration for SceneIntrinsics without distortion or photometric
// calibration.
func SceneCalibration() *transform.Calibration {
	calib, err := transform.NewCalibration(SceneIntrinsics(), nil, nil, nil)
	if err != nil {
		panic(err)
	}
	return calib
}

// PlaneScene is a textured plane z = Depth in world coordinates.
type PlaneScene struct {
	Depth float64
	// Gain and Offset apply an affine brightness change to rendered images.
	Gain, Offset float64
}

// NewPlaneScene returns a plane two units in front of the world origin.
func NewPlaneScene() *PlaneScene {
	return &PlaneScene{Depth: 2, Gain: 1}
}

// Texture returns the plane intensity at world coordinates (x, y).
func Texture(x, y float64) float64 {
	v := 128 +
		38*math.Sin(7*x+1.3)*math.Cos(5*y) +
		30*math.Sin(11*x+13*y) +
		24*math.Cos(3*x-17*y+0.5) +
		18*math.Sin(23*x)*math.Sin(19*y+0.7)
	return math.Max(0, math.Min(255, v))
}

// Render draws the plane seen from a camera with world-to-camera pose worldToCam.
func (s *PlaneScene) Render(intr *transform.PinholeCameraIntrinsics, worldToCam spatialmath.SE3) *rimage.FloatImage {
	img := rimage.NewFloatImage(intr.Width, intr.Height)
	camToWorld := worldToCam.Inverse()
	center := camToWorld.Translation()
	rot := camToWorld.RotationMatrix()
	for v := 0; v < intr.Height; v++ {
		for u := 0; u < intr.Width; u++ {
			dir := rot.MulVec(intr.PixelToRay(float64(u), float64(v)))
			if dir.Z <= 1e-9 {
				continue
			}
			lambda := (s.Depth - center.Z) / dir.Z
			if lambda <= 0 {
				continue
			}
			hit := center.Add(dir.Mul(lambda))
			img.Set(u, v, float32(s.Gain*Texture(hit.X, hit.Y)+s.Offset))
		}
	}
	return img
}

// UniformImage returns an image with every pixel set to value.
func UniformImage(w, h int, value float32) *rimage.FloatImage {
	img := rimage.NewFloatImage(w, h)
	for i := range img.Data() {
		img.Data()[i] = value
	}
	return img
}

// SidewaysTrajectory returns n world-to-camera poses of a camera translating along +x by step per
// frame while looking at the plane.
func SidewaysTrajectory(n int, step float64) []spatialmath.SE3 {
	poses := make([]spatialmath.SE3, n)
	for i := range poses {
		camCenter := r3.Vector{X: step * float64(i)}
		poses[i] = spatialmath.NewSE3(spatialmath.IdentitySE3().Rotation(), camCenter.Mul(-1))
	}
	return poses
}

// PyramidFor builds the pyramid of img with the depth of calib.
func PyramidFor(calib *transform.Calibration, img *rimage.FloatImage) *rimage.Pyramid {
	pyr, err := calib.NewPyramid(img)
	if err != nil {
		panic(err)
	}
	return pyr
}
