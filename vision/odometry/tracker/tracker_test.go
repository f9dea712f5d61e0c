package tracker

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/dso/config"
	"go.viam.com/dso/logging"
	"go.viam.com/dso/rimage/transform"
	"go.viam.com/dso/spatialmath"
	"go.viam.com/dso/testutils"
	"go.viam.com/dso/vision/odometry/lifecycle"
	"go.viam.com/dso/vision/odometry/window"
)

func sideways(x float64) spatialmath.SE3 {
	return spatialmath.NewSE3(spatialmath.IdentitySE3().Rotation(), r3.Vector{X: -x})
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.ImmatureDensity = 800
	cfg.PointDensity = 800
	return cfg
}

// referenceWindow returns a window whose only keyframe sees the plane from the origin with
// active points at their true inverse depth.
func referenceWindow(t *testing.T, cfg *config.Config, calib *transform.Calibration) *window.Window {
	t.Helper()
	w := window.New(cfg.MaxFrames)
	img := testutils.NewPlaneScene().Render(calib.Intrinsics(), spatialmath.IdentitySE3())
	kf := window.NewKeyframe(window.NewFrame(0, 0, 1, testutils.PyramidFor(calib, img)), 0,
		spatialmath.IdentitySE3(), transform.AffLight{})
	test.That(t, w.Insert(kf), test.ShouldBeNil)
	mgr := lifecycle.NewManager(cfg, calib, logging.NewTestLogger(t))
	test.That(t, mgr.MakeNewPoints(kf), test.ShouldBeGreaterThan, 200)
	for _, p := range kf.Points {
		p.State = window.Active
		p.Idepth = 0.5
	}
	return w
}

func renderFrame(calib *transform.Calibration, scene *testutils.PlaneScene, id int, pose spatialmath.SE3) *window.Frame {
	img := scene.Render(calib.Intrinsics(), pose)
	return window.NewFrame(id, float64(id)*0.05, 1, testutils.PyramidFor(calib, img))
}

func newTracker(t *testing.T, cfg *config.Config, calib *transform.Calibration) *Tracker {
	t.Helper()
	tr := New(cfg, calib, logging.NewTestLogger(t))
	tr.SetReference(NewReference(referenceWindow(t, cfg, calib), calib))
	return tr
}

func TestNewReference(t *testing.T) {
	cfg := testConfig()
	calib := testutils.SceneCalibration()
	w := referenceWindow(t, cfg, calib)
	ref := NewReference(w, calib)
	test.That(t, ref.KFID, test.ShouldEqual, 0)
	test.That(t, ref.NumPoints(0), test.ShouldBeGreaterThan, 200)
	for lvl := 1; lvl < ref.Pyramid.NumLevels(); lvl++ {
		test.That(t, ref.NumPoints(lvl), test.ShouldBeLessThanOrEqualTo, ref.NumPoints(lvl-1))
		test.That(t, ref.NumPoints(lvl), test.ShouldBeGreaterThan, 0)
	}
	for _, lvl := range ref.levels {
		for _, p := range lvl {
			test.That(t, p.idepth, test.ShouldAlmostEqual, 0.5, 1e-9)
		}
	}
	test.That(t, NewReference(window.New(3), calib), test.ShouldBeNil)
}

func TestReferenceProjectsOtherHosts(t *testing.T) {
	cfg := testConfig()
	calib := testutils.SceneCalibration()
	w := referenceWindow(t, cfg, calib)
	img := testutils.NewPlaneScene().Render(calib.Intrinsics(), spatialmath.IdentitySE3())
	// The newest keyframe is one unit closer to the plane.
	closer := spatialmath.NewSE3(spatialmath.IdentitySE3().Rotation(), r3.Vector{Z: -1})
	newest := window.NewKeyframe(window.NewFrame(1, 0, 1, testutils.PyramidFor(calib, img)), 1, closer, transform.AffLight{})
	test.That(t, w.Insert(newest), test.ShouldBeNil)

	ref := NewReference(w, calib)
	test.That(t, ref.KFID, test.ShouldEqual, 1)
	test.That(t, ref.NumPoints(0), test.ShouldBeGreaterThan, 0)
	for _, p := range ref.levels[0] {
		test.That(t, p.idepth, test.ShouldAlmostEqual, 1, 1e-9)
	}
}

// Identical frames track to the reference pose with identity brightness.
func TestTrackIdenticalFrame(t *testing.T) {
	cfg := testConfig()
	calib := testutils.SceneCalibration()
	tr := newTracker(t, cfg, calib)
	frame := renderFrame(calib, testutils.NewPlaneScene(), 1, spatialmath.IdentitySE3())
	ref := spatialmath.IdentitySE3()

	res, err := tr.Track(frame, MotionHypotheses(&ref, nil, ref), transform.AffLight{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, spatialmath.AlmostEqual(res.Pose, spatialmath.IdentitySE3(), 1e-4), test.ShouldBeTrue)
	test.That(t, res.Affine.A, test.ShouldAlmostEqual, 0, 1e-3)
	test.That(t, res.Affine.B, test.ShouldAlmostEqual, 0, 0.1)
	test.That(t, res.RMSE, test.ShouldBeLessThan, 0.5)
	test.That(t, res.FlowT, test.ShouldAlmostEqual, 0, 1e-4)
	test.That(t, res.FlowRT, test.ShouldAlmostEqual, 0, 1e-4)
	test.That(t, res.FirstRMSE, test.ShouldEqual, res.RMSE)
	test.That(t, res.NumPoints, test.ShouldBeGreaterThan, 200)
}

func TestTrackSidewaysMotion(t *testing.T) {
	cfg := testConfig()
	calib := testutils.SceneCalibration()
	tr := newTracker(t, cfg, calib)
	truth := sideways(0.02)
	frame := renderFrame(calib, testutils.NewPlaneScene(), 1, truth)
	ref := spatialmath.IdentitySE3()

	res, err := tr.Track(frame, MotionHypotheses(&ref, nil, ref), transform.AffLight{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, spatialmath.AlmostEqual(res.Pose, truth, 5e-3), test.ShouldBeTrue)
	test.That(t, spatialmath.AlmostEqual(res.RelToRef, res.Pose, 1e-12), test.ShouldBeTrue)
	// 0.02 sideways at depth 2 shifts every point by 2.6 pixels.
	test.That(t, math.Sqrt(res.FlowRT), test.ShouldAlmostEqual, 2.6, 0.3)
	test.That(t, res.FlowT, test.ShouldBeGreaterThan, 0)
}

func TestTrackBrightnessChange(t *testing.T) {
	cfg := testConfig()
	calib := testutils.SceneCalibration()
	tr := newTracker(t, cfg, calib)
	scene := testutils.NewPlaneScene()
	scene.Gain = 1.2
	frame := renderFrame(calib, scene, 1, spatialmath.IdentitySE3())
	ref := spatialmath.IdentitySE3()

	res, err := tr.Track(frame, MotionHypotheses(&ref, nil, ref), transform.AffLight{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Affine.A, test.ShouldAlmostEqual, math.Log(1.2), 0.02)
	test.That(t, spatialmath.AlmostEqual(res.Pose, spatialmath.IdentitySE3(), 2e-3), test.ShouldBeTrue)

	cfg.PhotometricMode = config.PhotometricFixed
	fixed := newTracker(t, cfg, calib)
	res, err = fixed.Track(frame, MotionHypotheses(&ref, nil, ref), transform.AffLight{})
	if err == nil {
		test.That(t, res.Affine, test.ShouldResemble, transform.AffLight{})
	}
}

func TestTrackFailures(t *testing.T) {
	cfg := testConfig()
	calib := testutils.SceneCalibration()
	tr := New(cfg, calib, logging.NewTestLogger(t))
	frame := renderFrame(calib, testutils.NewPlaneScene(), 1, spatialmath.IdentitySE3())
	ref := spatialmath.IdentitySE3()

	_, err := tr.Track(frame, MotionHypotheses(&ref, nil, ref), transform.AffLight{})
	test.That(t, errors.Is(err, ErrTrackingFailed), test.ShouldBeTrue)

	w := window.New(3)
	uniform := testutils.UniformImage(320, 240, 90)
	kf := window.NewKeyframe(window.NewFrame(0, 0, 1, testutils.PyramidFor(calib, uniform)), 0, ref, transform.AffLight{})
	test.That(t, w.Insert(kf), test.ShouldBeNil)
	tr.SetReference(NewReference(w, calib))
	_, err = tr.Track(frame, MotionHypotheses(&ref, nil, ref), transform.AffLight{})
	test.That(t, errors.Is(err, ErrTrackingFailed), test.ShouldBeTrue)

	tr.Reset()
	test.That(t, tr.Reference(), test.ShouldBeNil)
}

func TestMotionHypotheses(t *testing.T) {
	ref := spatialmath.IdentitySE3()
	test.That(t, len(MotionHypotheses(nil, nil, ref)), test.ShouldEqual, 1)
	last := sideways(0.1)
	test.That(t, len(MotionHypotheses(&last, nil, ref)), test.ShouldEqual, 2)

	prev := sideways(0.05)
	hyps := MotionHypotheses(&last, &prev, ref)
	test.That(t, len(hyps), test.ShouldEqual, 5+18)
	test.That(t, spatialmath.AlmostEqual(hyps[0], sideways(0.15), 1e-9), test.ShouldBeTrue)
	test.That(t, spatialmath.AlmostEqual(hyps[1], sideways(0.2), 1e-9), test.ShouldBeTrue)
	test.That(t, spatialmath.AlmostEqual(hyps[2], sideways(0.125), 1e-9), test.ShouldBeTrue)
	test.That(t, spatialmath.AlmostEqual(hyps[3], last, 1e-12), test.ShouldBeTrue)
	test.That(t, spatialmath.AlmostEqual(hyps[4], ref, 1e-12), test.ShouldBeTrue)
	for _, h := range hyps[5:] {
		angle := h.Compose(hyps[0].Inverse()).RotationAngle()
		test.That(t, angle, test.ShouldBeGreaterThan, 0.019)
		test.That(t, angle, test.ShouldBeLessThan, 0.03)
	}
}
