package lifecycle

import (
	"context"
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/dso/config"
	"go.viam.com/dso/logging"
	"go.viam.com/dso/rimage/transform"
	"go.viam.com/dso/spatialmath"
	"go.viam.com/dso/testutils"
	"go.viam.com/dso/vision/odometry/window"
)

func sceneKeyframe(calib *transform.Calibration, id int, pose spatialmath.SE3) *window.Keyframe {
	img := testutils.NewPlaneScene().Render(calib.Intrinsics(), pose)
	frame := window.NewFrame(id, float64(id)*0.05, 1, testutils.PyramidFor(calib, img))
	return window.NewKeyframe(frame, id, pose, transform.AffLight{})
}

func sideways(x float64) spatialmath.SE3 {
	return spatialmath.NewSE3(spatialmath.IdentitySE3().Rotation(), r3.Vector{X: -x})
}

// twoKeyframeWindow returns a window with a host at the origin carrying immature points and a
// second keyframe moved sideways by baseline.
func twoKeyframeWindow(t *testing.T, m *Manager, baseline float64) (*window.Window, *window.Keyframe, *window.Keyframe) {
	t.Helper()
	calib := m.calib
	w := window.New(m.cfg.MaxFrames)
	host := sceneKeyframe(calib, w.NextKeyframeID(), spatialmath.IdentitySE3())
	test.That(t, w.Insert(host), test.ShouldBeNil)
	test.That(t, m.MakeNewPoints(host), test.ShouldBeGreaterThan, 100)
	other := sceneKeyframe(calib, w.NextKeyframeID(), sideways(baseline))
	test.That(t, w.Insert(other), test.ShouldBeNil)
	return w, host, other
}

func newTestManager(t *testing.T) *Manager {
	cfg := config.Default()
	cfg.ImmatureDensity = 600
	cfg.PointDensity = 800
	return NewManager(cfg, testutils.SceneCalibration(), logging.NewTestLogger(t))
}

func TestMakeNewPoints(t *testing.T) {
	m := newTestManager(t)
	kf := sceneKeyframe(m.calib, 0, spatialmath.IdentitySE3())
	n := m.MakeNewPoints(kf)
	test.That(t, n, test.ShouldBeGreaterThan, 100)
	test.That(t, len(kf.Points), test.ShouldEqual, n)
	for _, p := range kf.Points {
		test.That(t, p.State, test.ShouldEqual, window.Immature)
		test.That(t, p.Host, test.ShouldEqual, kf)
		test.That(t, p.Trace.EnergyTH, test.ShouldAlmostEqual, 8*144.0)
	}

	flat := window.NewKeyframe(window.NewFrame(1, 0, 1,
		testutils.PyramidFor(m.calib, testutils.UniformImage(320, 240, 90))), 1, spatialmath.IdentitySE3(), transform.AffLight{})
	test.That(t, m.MakeNewPoints(flat), test.ShouldEqual, 0)
}

func TestTraceFrameBracketsTrueDepth(t *testing.T) {
	m := newTestManager(t)
	w, host, other := twoKeyframeWindow(t, m, 0.05)

	stats, err := m.TraceFrame(context.Background(), w, other.Frame, other.Pose, other.Affine)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, stats.Traced, test.ShouldEqual, len(host.Points))
	test.That(t, stats.Good, test.ShouldBeGreaterThan, stats.Traced/3)

	good, bracketed := 0, 0
	for _, p := range host.Points {
		if p.Trace.LastStatus != window.TraceGood {
			continue
		}
		good++
		if p.Trace.IdepthMin-0.05 <= 0.5 && 0.5 <= p.Trace.IdepthMax+0.05 {
			bracketed++
		}
	}
	test.That(t, float64(bracketed), test.ShouldBeGreaterThan, 0.7*float64(good))
}

func TestTraceWithoutBaseline(t *testing.T) {
	m := newTestManager(t)
	w, host, _ := twoKeyframeWindow(t, m, 0.05)
	same := window.NewFrame(7, 1, 1, host.Pyramid)

	stats, err := m.TraceFrame(context.Background(), w, same, host.Pose, host.Affine)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, stats.BadCondition+stats.OOB, test.ShouldEqual, stats.Traced)
	test.That(t, stats.BadCondition, test.ShouldBeGreaterThan, stats.Traced*9/10)
	for _, p := range host.Points {
		test.That(t, p.Trace.HasMaxIdepth(), test.ShouldBeFalse)
	}
}

func TestActivate(t *testing.T) {
	m := newTestManager(t)
	w, host, other := twoKeyframeWindow(t, m, 0.05)
	_, err := m.TraceFrame(context.Background(), w, other.Frame, other.Pose, other.Affine)
	test.That(t, err, test.ShouldBeNil)

	stats, err := m.Activate(context.Background(), w)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, stats.Activated, test.ShouldBeGreaterThan, 50)
	test.That(t, stats.MinDistance, test.ShouldAlmostEqual, 1.2)

	active := host.ActivePoints()
	test.That(t, len(active), test.ShouldEqual, stats.Activated)
	close := 0
	for _, p := range active {
		test.That(t, len(p.Residuals), test.ShouldEqual, 1)
		test.That(t, p.Residuals[0].Target, test.ShouldEqual, other)
		test.That(t, p.IdepthHessian, test.ShouldBeGreaterThanOrEqualTo, m.cfg.Thresholds.ActivationMinHessian)
		if math.Abs(p.Idepth-0.5) < 0.05 {
			close++
		}
	}
	test.That(t, float64(close), test.ShouldBeGreaterThan, 0.8*float64(len(active)))
	test.That(t, w.CheckInvariants(), test.ShouldBeNil)
	for _, p := range host.Points {
		test.That(t, p.State, test.ShouldNotEqual, window.Outlier)
	}
}

func TestAdaptMinDistance(t *testing.T) {
	m := newTestManager(t)
	m.adaptMinDistance(0)
	test.That(t, m.MinActivationDistance(), test.ShouldAlmostEqual, 1.2)
	m.adaptMinDistance(0)
	m.adaptMinDistance(0)
	test.That(t, m.MinActivationDistance(), test.ShouldAlmostEqual, 0)

	m.adaptMinDistance(2000)
	test.That(t, m.MinActivationDistance(), test.ShouldAlmostEqual, 0.8)
	m.adaptMinDistance(1000)
	test.That(t, m.MinActivationDistance(), test.ShouldAlmostEqual, 1.3)
	for i := 0; i < 10; i++ {
		m.adaptMinDistance(100000)
	}
	test.That(t, m.MinActivationDistance(), test.ShouldAlmostEqual, 4)
	m.adaptMinDistance(800)
	test.That(t, m.MinActivationDistance(), test.ShouldAlmostEqual, 4)
}

func TestDistanceMap(t *testing.T) {
	dm := newDistanceMap(20, 10)
	dm.seed(2, 2)
	dm.grow()
	test.That(t, dm.at(2, 2), test.ShouldEqual, 0)
	test.That(t, dm.at(3, 3), test.ShouldEqual, 1)
	test.That(t, dm.at(7, 4), test.ShouldEqual, 5)
	dm.add(8, 4)
	test.That(t, dm.at(7, 4), test.ShouldEqual, 1)
	test.That(t, dm.at(19, 9), test.ShouldEqual, 11)
}

func activePoint(t *testing.T, host *window.Keyframe, u float64, targets ...*window.Keyframe) *window.Point {
	t.Helper()
	p, ok := window.NewImmaturePoint(host, u, 100, 1, 2500)
	test.That(t, ok, test.ShouldBeTrue)
	p.State = window.Active
	p.Idepth = 0.5
	for _, target := range targets {
		r := window.NewResidual(p, target)
		r.State = window.ResidualIn
		p.Residuals = append(p.Residuals, r)
	}
	host.Points = append(host.Points, p)
	return p
}

func TestConnectAndRemoveOutliers(t *testing.T) {
	m := newTestManager(t)
	w := window.New(4)
	a := sceneKeyframe(m.calib, 0, spatialmath.IdentitySE3())
	b := sceneKeyframe(m.calib, 1, sideways(0.02))
	c := sceneKeyframe(m.calib, 2, sideways(0.04))
	test.That(t, w.Insert(a), test.ShouldBeNil)
	test.That(t, w.Insert(b), test.ShouldBeNil)

	p1 := activePoint(t, a, 50, b)
	p2 := activePoint(t, a, 80, b)
	p3 := activePoint(t, b, 110, a)
	test.That(t, w.Insert(c), test.ShouldBeNil)
	test.That(t, ConnectNewKeyframe(w, c), test.ShouldEqual, 3)
	test.That(t, len(p1.Residuals), test.ShouldEqual, 2)
	test.That(t, w.CheckInvariants(), test.ShouldBeNil)

	p1.Residuals[1].State = window.ResidualOOB
	p2.Residuals[0].State = window.ResidualOutlier
	p2.Residuals[1].State = window.ResidualOutlier
	p3.Idepth = -0.1
	for _, r := range p3.Residuals {
		r.State = window.ResidualIn
	}
	test.That(t, RemoveOutliers(w), test.ShouldEqual, 2)
	test.That(t, len(p1.Residuals), test.ShouldEqual, 1)
	test.That(t, p1.State, test.ShouldEqual, window.Active)
	test.That(t, p2.State, test.ShouldEqual, window.Outlier)
	test.That(t, p3.State, test.ShouldEqual, window.Outlier)
	test.That(t, a.NumOutliers, test.ShouldEqual, 1)
	test.That(t, len(a.Points), test.ShouldEqual, 1)
}

func TestMarginalizeHosted(t *testing.T) {
	m := newTestManager(t)
	w := window.New(3)
	a := sceneKeyframe(m.calib, 0, spatialmath.IdentitySE3())
	b := sceneKeyframe(m.calib, 1, sideways(0.02))
	test.That(t, w.Insert(a), test.ShouldBeNil)
	test.That(t, w.Insert(b), test.ShouldBeNil)
	hosted := activePoint(t, a, 50, b)
	observer := activePoint(t, b, 80, a)
	immature, ok := window.NewImmaturePoint(a, 120, 100, 1, 2500)
	test.That(t, ok, test.ShouldBeTrue)
	a.Points = append(a.Points, immature)

	MarginalizeHosted(w, a)
	test.That(t, hosted.State, test.ShouldEqual, window.Marginalized)
	test.That(t, hosted.Residuals, test.ShouldBeEmpty)
	test.That(t, immature.State, test.ShouldEqual, window.Marginalized)
	test.That(t, a.Points, test.ShouldBeEmpty)
	test.That(t, a.Marginalized, test.ShouldResemble, []*window.Point{hosted, immature})
	test.That(t, a.NumOutliers, test.ShouldEqual, 0)
	test.That(t, observer.Residuals, test.ShouldBeEmpty)

	test.That(t, w.Remove(a), test.ShouldBeNil)
	test.That(t, RemoveOutliers(w), test.ShouldEqual, 1)
	test.That(t, w.CheckInvariants(), test.ShouldBeNil)
}

func TestDiscardStale(t *testing.T) {
	m := newTestManager(t)
	w := window.New(3)
	a := sceneKeyframe(m.calib, 0, spatialmath.IdentitySE3())
	test.That(t, w.Insert(a), test.ShouldBeNil)
	m.MakeNewPoints(a)
	n := len(a.Points)
	test.That(t, n, test.ShouldBeGreaterThan, 3)
	a.Points[0].Trace.LastStatus = window.TraceOOB
	a.Points[1].Trace.NumTraces = 41
	a.Points[2].Trace.NumTraces = 40
	test.That(t, DiscardStale(w, 40), test.ShouldEqual, 2)
	test.That(t, len(a.Points), test.ShouldEqual, n-2)
	test.That(t, DiscardStale(w, 40), test.ShouldEqual, 0)
}
