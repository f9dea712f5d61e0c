package optimizer

import (
	"context"
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

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

type fixture struct {
	cfg   *config.Config
	calib *transform.Calibration
	w     *window.Window
	opt   *Optimizer
	mgr   *lifecycle.Manager
}

func newFixture(t *testing.T, maxFrames int) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.ImmatureDensity = 400
	cfg.PointDensity = 600
	cfg.MinFrames = 2
	cfg.MaxFrames = maxFrames
	cfg.MaxOptIterations = 4
	calib := testutils.SceneCalibration()
	logger := logging.NewTestLogger(t)
	w := window.New(maxFrames)
	return &fixture{
		cfg:   cfg,
		calib: calib,
		w:     w,
		opt:   New(cfg, calib, w, logger),
		mgr:   lifecycle.NewManager(cfg, calib, logger),
	}
}

// keyframe renders the plane from pose, inserts the keyframe and gives it active points at the
// true inverse depth connected to every other resident keyframe.
func (f *fixture) keyframe(t *testing.T, pose spatialmath.SE3) *window.Keyframe {
	t.Helper()
	kf, _ := f.insert(t, pose)
	return kf
}

// insert is keyframe, also returning the keyframe evicted to make room.
func (f *fixture) insert(t *testing.T, pose spatialmath.SE3) (*window.Keyframe, *window.Keyframe) {
	t.Helper()
	img := testutils.NewPlaneScene().Render(f.calib.Intrinsics(), pose)
	id := f.w.NextKeyframeID()
	frame := window.NewFrame(id, float64(id)*0.05, 1, testutils.PyramidFor(f.calib, img))
	kf := window.NewKeyframe(frame, id, pose, transform.AffLight{})
	evicted, err := f.opt.Insert(context.Background(), kf)
	test.That(t, err, test.ShouldBeNil)
	lifecycle.ConnectNewKeyframe(f.w, kf)
	test.That(t, f.mgr.MakeNewPoints(kf), test.ShouldBeGreaterThan, 50)
	for _, p := range kf.Points {
		p.State = window.Active
		p.Idepth = 0.5
		for _, target := range f.w.Keyframes() {
			if target != kf {
				p.Residuals = append(p.Residuals, window.NewResidual(p, target))
			}
		}
	}
	return kf, evicted
}

func TestOptimizeAtTruth(t *testing.T) {
	f := newFixture(t, 5)
	for i := 0; i < 3; i++ {
		f.keyframe(t, sideways(0.03*float64(i)))
	}
	test.That(t, f.w.CheckInvariants(), test.ShouldBeNil)

	res, err := f.opt.Optimize(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Accepted, test.ShouldBeGreaterThan, 0)
	test.That(t, res.NumResiduals, test.ShouldBeGreaterThan, 100)
	test.That(t, res.RMSE, test.ShouldBeLessThan, 4)
	for i, kf := range f.w.Keyframes() {
		test.That(t, spatialmath.AlmostEqual(kf.Pose, sideways(0.03*float64(i)), 2e-3), test.ShouldBeTrue)
	}
}

func TestOptimizeReducesPerturbation(t *testing.T) {
	f := newFixture(t, 5)
	for i := 0; i < 2; i++ {
		f.keyframe(t, sideways(0.03*float64(i)))
	}
	last := f.keyframe(t, sideways(0.06))
	truth := last.Pose
	last.Pose = spatialmath.ExpSE3(spatialmath.Tangent{0, 0.004, 0, 0, 0, 0.002}).Compose(truth)
	errBefore := last.Pose.Compose(truth.Inverse()).Log()

	before, err := f.opt.Energy(context.Background())
	test.That(t, err, test.ShouldBeNil)
	res, err := f.opt.Optimize(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Energy, test.ShouldBeLessThan, before)

	errAfter := last.Pose.Compose(truth.Inverse()).Log()
	norm := func(xi spatialmath.Tangent) float64 {
		s := 0.0
		for _, v := range xi {
			s += v * v
		}
		return math.Sqrt(s)
	}
	test.That(t, norm(errAfter), test.ShouldBeLessThan, norm(errBefore))
}

func TestOptimizeSingleKeyframeIsNoop(t *testing.T) {
	f := newFixture(t, 5)
	kf := f.keyframe(t, spatialmath.IdentitySE3())
	res, err := f.opt.Optimize(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Iterations, test.ShouldEqual, 0)
	test.That(t, spatialmath.AlmostEqual(kf.Pose, spatialmath.IdentitySE3(), 1e-12), test.ShouldBeTrue)
}

func TestInsertEvictsWhenFull(t *testing.T) {
	f := newFixture(t, 3)
	var kfs []*window.Keyframe
	for i := 0; i < 3; i++ {
		kfs = append(kfs, f.keyframe(t, sideways(0.03*float64(i))))
	}
	test.That(t, f.opt.Prior().Information(), test.ShouldEqual, 0)
	active := len(kfs[1].ActivePoints())
	test.That(t, active, test.ShouldBeGreaterThan, 0)
	test.That(t, f.mgr.MakeNewPoints(kfs[1]), test.ShouldBeGreaterThan, 0)
	hosted := append([]*window.Point(nil), kfs[1].Points...)
	test.That(t, len(kfs[1].ImmaturePoints()), test.ShouldEqual, len(hosted)-active)

	img := testutils.NewPlaneScene().Render(f.calib.Intrinsics(), sideways(0.09))
	frame := window.NewFrame(3, 0.15, 1, testutils.PyramidFor(f.calib, img))
	incoming := window.NewKeyframe(frame, f.w.NextKeyframeID(), sideways(0.09), transform.AffLight{})
	evicted, err := f.opt.Insert(context.Background(), incoming)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, evicted, test.ShouldEqual, kfs[1])
	test.That(t, evicted.Resident(), test.ShouldBeFalse)
	test.That(t, f.w.Len(), test.ShouldEqual, 3)
	test.That(t, f.opt.Prior().Size(), test.ShouldEqual, 3)
	test.That(t, f.w.Keyframes(), test.ShouldResemble, []*window.Keyframe{kfs[0], kfs[2], incoming})
	for _, p := range hosted {
		test.That(t, p.State, test.ShouldEqual, window.Marginalized)
	}
	test.That(t, len(evicted.Marginalized), test.ShouldEqual, len(hosted))
	test.That(t, evicted.NumOutliers, test.ShouldEqual, 0)
	test.That(t, evicted.Points, test.ShouldBeEmpty)
	test.That(t, f.w.CheckInvariants(), test.ShouldBeNil)

	info := f.opt.Prior().Information()
	test.That(t, info, test.ShouldBeGreaterThan, 0)

	lifecycle.ConnectNewKeyframe(f.w, incoming)
	_, err = f.opt.Optimize(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f.opt.Prior().Information(), test.ShouldEqual, info)
}

// withoutFrame is the Schur complement of h on every frame block but idx.
func withoutFrame(t *testing.T, h *mat.SymDense, idx int) *mat.SymDense {
	t.Helper()
	n := h.SymmetricDim()
	m := ParamsPerFrame
	var keep []int
	for i := 0; i < n; i++ {
		if i/m != idx {
			keep = append(keep, i)
		}
	}
	hkk := mat.NewSymDense(m, nil)
	for i := 0; i < m; i++ {
		for j := i; j < m; j++ {
			hkk.SetSym(i, j, h.At(idx*m+i, idx*m+j))
		}
	}
	inv, err := invertBlock(hkk)
	test.That(t, err, test.ShouldBeNil)
	out := mat.NewSymDense(len(keep), nil)
	for i, gi := range keep {
		for j := i; j < len(keep); j++ {
			gj := keep[j]
			corr := 0.0
			for a := 0; a < m; a++ {
				for b := 0; b < m; b++ {
					corr += h.At(gi, idx*m+a) * inv.At(a, b) * h.At(idx*m+b, gj)
				}
			}
			out.SetSym(i, j, h.At(gi, gj)-corr)
		}
	}
	return out
}

func TestPriorGrowsAcrossEvictions(t *testing.T) {
	f := newFixture(t, 3)
	for i := 0; i < 3; i++ {
		f.keyframe(t, sideways(0.03*float64(i)))
	}
	evictions := 0
	for i := 3; i < 7; i++ {
		before := f.opt.Prior().Hessian()
		frames := f.w.Keyframes()
		info := f.opt.Prior().Information()

		_, evicted := f.insert(t, sideways(0.03*float64(i)))
		test.That(t, evicted, test.ShouldNotBeNil)
		evictions++
		idx := -1
		for j, kf := range frames {
			if kf == evicted {
				idx = j
			}
		}
		test.That(t, idx, test.ShouldBeGreaterThanOrEqualTo, 0)
		test.That(t, f.opt.Prior().Information(), test.ShouldBeGreaterThan, info)

		// The new prior on the surviving frames must hold at least the information the old one
		// had about them once the evicted frame is eliminated from it.
		after := f.opt.Prior().Hessian()
		r := (len(frames) - 1) * ParamsPerFrame
		var diff, neg mat.SymDense
		neg.ScaleSym(-1, withoutFrame(t, before, idx))
		diff.AddSym(after.SliceSym(0, r), &neg)
		scale := 1.0
		for k := 0; k < r; k++ {
			scale = math.Max(scale, math.Abs(after.At(k, k)))
		}
		var eig mat.EigenSym
		test.That(t, eig.Factorize(&diff, false), test.ShouldBeTrue)
		for _, v := range eig.Values(nil) {
			test.That(t, v, test.ShouldBeGreaterThanOrEqualTo, -1e-7*scale)
		}
		test.That(t, f.w.CheckInvariants(), test.ShouldBeNil)
	}
	test.That(t, evictions, test.ShouldBeGreaterThanOrEqualTo, 3)
	test.That(t, f.w.Len(), test.ShouldEqual, 3)
}

func TestEvictionCandidate(t *testing.T) {
	f := newFixture(t, 4)
	var kfs []*window.Keyframe
	for i, x := range []float64{0, 0.1, 0.11, 0.3} {
		kf := window.NewKeyframe(window.NewFrame(i, 0, 1, nil), i, sideways(x), transform.AffLight{})
		test.That(t, f.w.Insert(kf), test.ShouldBeNil)
		kfs = append(kfs, kf)
	}
	incoming := window.NewKeyframe(window.NewFrame(4, 0, 1, nil), 4, sideways(0.4), transform.AffLight{})
	test.That(t, f.opt.evictionCandidate(incoming), test.ShouldEqual, kfs[1])
}

func TestMarginalizeFlagged(t *testing.T) {
	f := newFixture(t, 5)
	a := f.keyframe(t, spatialmath.IdentitySE3())
	b := f.keyframe(t, sideways(0.03))
	c := f.keyframe(t, sideways(0.06))
	a.Affine.A = 1

	out, err := f.opt.MarginalizeFlagged(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldResemble, []*window.Keyframe{a})
	test.That(t, f.w.Keyframes(), test.ShouldResemble, []*window.Keyframe{b, c})
	test.That(t, f.opt.Prior().Size(), test.ShouldEqual, 2)
	test.That(t, f.w.CheckInvariants(), test.ShouldBeNil)

	// The window never shrinks below MinFrames.
	b.Affine.A = -1
	out, err = f.opt.MarginalizeFlagged(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldBeEmpty)
	test.That(t, f.w.Len(), test.ShouldEqual, 2)
}

func TestPriorRelinearizeKeepsGradient(t *testing.T) {
	p := NewPrior()
	kfs := []*window.Keyframe{
		window.NewKeyframe(window.NewFrame(0, 0, 1, nil), 0, spatialmath.IdentitySE3(), transform.AffLight{}),
		window.NewKeyframe(window.NewFrame(1, 0, 1, nil), 1, sideways(0.1), transform.AffLight{}),
	}
	for _, kf := range kfs {
		p.AddFrame(kf)
	}
	n := 2 * ParamsPerFrame
	h := make([]float64, n*n)
	b := make([]float64, n)
	for i := 0; i < n; i++ {
		h[i*n+i] = 4 + float64(i)
		b[i] = 0.1 * float64(i)
	}
	h[0*n+ParamsPerFrame] = 1
	h[ParamsPerFrame*n+0] = 1
	test.That(t, p.AddInformation(h, b), test.ShouldBeNil)
	info := p.Information()
	test.That(t, info, test.ShouldBeGreaterThan, 0)

	kfs[1].Pose = spatialmath.ExpSE3(spatialmath.Tangent{0.01, 0, 0, 0, 0, 0}).Compose(kfs[1].Pose)
	kfs[1].Affine.B = 0.5

	g1 := make([]float64, n)
	p.addTo(make([]float64, n*n), g1)
	p.Relinearize()
	g2 := make([]float64, n)
	energy := p.addTo(make([]float64, n*n), g2)
	test.That(t, energy, test.ShouldAlmostEqual, 0)
	for i := range g1 {
		test.That(t, g2[i], test.ShouldAlmostEqual, g1[i], 1e-9)
	}
	test.That(t, g1[ParamsPerFrame], test.ShouldAlmostEqual, 0.8+(4+8)*0.01, 1e-6)
	test.That(t, p.Information(), test.ShouldEqual, info)
}

func TestPriorMarginalizeFrameIsSchurComplement(t *testing.T) {
	p := NewPrior()
	for i := 0; i < 2; i++ {
		p.AddFrame(window.NewKeyframe(window.NewFrame(i, 0, 1, nil), i, sideways(0.1*float64(i)), transform.AffLight{}))
	}
	victim := p.frames[0]
	n := 2 * ParamsPerFrame
	m := ParamsPerFrame
	h := make([]float64, n*n)
	b := make([]float64, n)
	for i := 0; i < n; i++ {
		h[i*n+i] = 10
		b[i] = 1
	}
	for i := 0; i < m; i++ {
		h[i*n+m+i] = 2
		h[(m+i)*n+i] = 2
	}
	test.That(t, p.AddInformation(h, b), test.ShouldBeNil)
	test.That(t, p.MarginalizeFrame(victim), test.ShouldBeNil)
	test.That(t, p.Size(), test.ShouldEqual, 1)

	// Each coupled pair reduces to 10 - 2·2/10 and 1 - 2·1/10.
	got := p.Hessian()
	for i := 0; i < m; i++ {
		test.That(t, got.At(i, i), test.ShouldAlmostEqual, 9.6, 1e-9)
		test.That(t, p.b[i], test.ShouldAlmostEqual, 0.8, 1e-9)
		for j := 0; j < m; j++ {
			if i != j {
				test.That(t, got.At(i, j), test.ShouldAlmostEqual, 0, 1e-12)
			}
		}
	}
	test.That(t, p.MarginalizeFrame(victim), test.ShouldNotBeNil)
}

func TestInvertBlockFallsBackToPseudoInverse(t *testing.T) {
	a := mat.NewSymDense(2, []float64{1, 1, 1, 1})
	inv, err := invertBlock(a)
	test.That(t, err, test.ShouldBeNil)
	// The pseudo-inverse of [[1 1] [1 1]] is a quarter of it.
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			test.That(t, inv.At(i, j), test.ShouldAlmostEqual, 0.25, 1e-9)
		}
	}
}
