package tracker

import (
	"math"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/dso/config"
	"go.viam.com/dso/logging"
	"go.viam.com/dso/rimage"
	"go.viam.com/dso/rimage/transform"
	"go.viam.com/dso/spatialmath"
	"go.viam.com/dso/utils"
	"go.viam.com/dso/vision/odometry/window"
)

// ErrTrackingFailed is returned when no motion hypothesis produced a usable alignment.
var ErrTrackingFailed = errors.New("tracking failed")

const (
	numParams = 8
	// maxCutoffRepeat bounds how often the residual cutoff is doubled on one level.
	maxCutoffRepeat = 50
	// minIncrement stops the iterations of a level.
	minIncrement = 1e-3
)

// Result is the outcome of tracking one frame.
type Result struct {
	// Pose is the world-to-camera transform of the frame.
	Pose spatialmath.SE3
	// RelToRef is the frame's transform relative to the reference keyframe, Pose·Ref⁻¹.
	RelToRef spatialmath.SE3
	Affine   transform.AffLight
	RMSE     float64
	// LevelRMSE holds the final RMSE of every pyramid level.
	LevelRMSE []float64
	// FlowT and FlowRT are the mean squared pixel shifts of reference points under the
	// translation alone and under the full motion.
	FlowT, FlowRT float64
	NumPoints     int
	// FirstRMSE is the RMSE of the first frame tracked against the same reference.
	FirstRMSE float64
	RefKFID   int
	// Hypothesis is the index of the motion hypothesis the result was started from.
	Hypothesis int
}

// Tracker aligns frames against the latest published Reference. Track is called from a single
// goroutine; SetReference may be called from any.
type Tracker struct {
	cfg    *config.Config
	calib  *transform.Calibration
	logger logging.Logger

	ref atomic.Pointer[Reference]

	// State of the tracking goroutine.
	current       *Reference
	firstRMSE     float64
	lastLevelRMSE []float64
}

// New returns a tracker without reference.
func New(cfg *config.Config, calib *transform.Calibration, logger logging.Logger) *Tracker {
	return &Tracker{cfg: cfg, calib: calib, logger: logger, firstRMSE: -1}
}

// SetReference publishes a new reference for subsequent Track calls.
func (t *Tracker) SetReference(ref *Reference) {
	t.ref.Store(ref)
}

// Reference returns the latest published reference, or nil.
func (t *Tracker) Reference() *Reference {
	return t.ref.Load()
}

// levelEval holds the residuals of one pyramid level at one estimate.
type levelEval struct {
	energy       float64
	numTerms     int
	numSaturated int
	flowT        float64
	flowRT       float64
	numFlow      int

	jac [][numParams]float64
	res []float64
	hw  []float64
}

func (e *levelEval) rmse() float64 {
	if e.numTerms == 0 {
		return math.Inf(1)
	}
	return math.Sqrt(e.energy / float64(e.numTerms))
}

func (e *levelEval) saturatedRatio() float64 {
	if e.numTerms == 0 {
		return 0
	}
	return float64(e.numSaturated) / float64(e.numTerms)
}

// evaluate computes the residuals of the reference points of level lvl against frame for the
// relative pose rel (frame from reference) and brightness aff of the frame.
func (t *Tracker) evaluate(
	ref *Reference,
	frame *rimage.PyramidLevel,
	lvl int,
	rel spatialmath.SE3,
	aff transform.AffLight,
	exposure, cutoff float64,
) *levelEval {
	cam := t.calib.Level(lvl)
	huber := t.cfg.Thresholds.HuberThreshold
	maxEnergy := 2*huber*cutoff - huber*huber
	a, _ := transform.FromToExposure(ref.Exposure, exposure, ref.Affine, aff)
	rot, tr := rel.RotationMatrix(), rel.Translation()

	pts := ref.levels[lvl]
	e := &levelEval{
		jac: make([][numParams]float64, 0, len(pts)),
		res: make([]float64, 0, len(pts)),
		hw:  make([]float64, 0, len(pts)),
	}
	for _, pt := range pts {
		ray := cam.Ray(pt.u, pt.v)
		q := rot.MulVec(ray).Add(tr.Mul(pt.idepth))
		u, v, ok := cam.Project(q)
		if !ok {
			continue
		}
		if ut, vt, ok := cam.Project(ray.Add(tr.Mul(pt.idepth))); ok {
			e.flowT += (ut-pt.u)*(ut-pt.u) + (vt-pt.v)*(vt-pt.v)
			e.flowRT += (u-pt.u)*(u-pt.u) + (v-pt.v)*(v-pt.v)
			e.numFlow++
		}
		if !frame.InBounds(u, v, 2) {
			continue
		}
		c, gx, gy, ok := frame.Interpolate(u, v)
		if !ok || !utils.IsFinite(c) {
			e.energy += maxEnergy
			e.numTerms++
			e.numSaturated++
			continue
		}
		refTerm := pt.color - ref.Affine.B
		r := c - a*refTerm - aff.B
		e.numTerms++
		if math.Abs(r) > cutoff {
			e.energy += maxEnergy
			e.numSaturated++
			continue
		}
		hw := window.HuberWeight(r, huber)
		e.energy += hw * r * r * (2 - hw)

		gu, gv := gx*cam.Fx, gy*cam.Fy
		iz := 1 / q.Z
		gq0, gq1 := gu*iz, gv*iz
		gq2 := -(gu*q.X + gv*q.Y) * iz * iz
		var j [numParams]float64
		j[0] = pt.idepth * gq0
		j[1] = pt.idepth * gq1
		j[2] = pt.idepth * gq2
		j[3] = q.Y*gq2 - q.Z*gq1
		j[4] = q.Z*gq0 - q.X*gq2
		j[5] = q.X*gq1 - q.Y*gq0
		j[6] = -a * refTerm
		j[7] = -1
		e.jac = append(e.jac, j)
		e.res = append(e.res, r)
		e.hw = append(e.hw, hw)
	}
	if e.numFlow > 0 {
		e.flowT /= float64(e.numFlow)
		e.flowRT /= float64(e.numFlow)
	}
	return e
}

// normalEquations builds the Gauss-Newton system of an evaluation.
func (t *Tracker) normalEquations(e *levelEval) (*mat.SymDense, []float64) {
	h := mat.NewSymDense(numParams, nil)
	b := make([]float64, numParams)
	fixed := t.cfg.PhotometricMode == config.PhotometricFixed
	for k, j := range e.jac {
		w := e.hw[k]
		r := e.res[k]
		for a := 0; a < numParams; a++ {
			b[a] += w * j[a] * r
			for c := a; c < numParams; c++ {
				h.SetSym(a, c, h.At(a, c)+w*j[a]*j[c])
			}
		}
	}
	if fixed {
		for _, k := range []int{6, 7} {
			for c := 0; c < numParams; c++ {
				h.SetSym(k, c, 0)
			}
			h.SetSym(k, k, 1)
			b[k] = 0
		}
	}
	return h, b
}

// solveDamped returns the increment of the damped system, or nil when it cannot be solved.
func solveDamped(h *mat.SymDense, b []float64, lambda float64) []float64 {
	damped := mat.NewSymDense(numParams, nil)
	damped.CopySym(h)
	for i := 0; i < numParams; i++ {
		damped.SetSym(i, i, h.At(i, i)*(1+lambda))
	}
	var chol mat.Cholesky
	if !chol.Factorize(damped) {
		return nil
	}
	rhs := mat.NewVecDense(numParams, nil)
	for i, v := range b {
		rhs.SetVec(i, -v)
	}
	var x mat.VecDense
	if err := chol.SolveVecTo(&x, rhs); err != nil {
		return nil
	}
	inc := make([]float64, numParams)
	for i := range inc {
		inc[i] = x.AtVec(i)
	}
	return inc
}

// attempt is the state of aligning one hypothesis.
type attempt struct {
	rel       spatialmath.SE3
	aff       transform.AffLight
	levelRMSE []float64
	final     *levelEval
	ok        bool
}

// align runs coarse-to-fine Levenberg-Marquardt from one hypothesis. abortRMSE, when non-nil,
// holds per level RMSEs above which the hypothesis is abandoned early.
func (t *Tracker) align(ref *Reference, frame *window.Frame, rel spatialmath.SE3, aff transform.AffLight,
	abortRMSE []float64,
) attempt {
	th := &t.cfg.Thresholds
	levels := ref.Pyramid.NumLevels()
	at := attempt{rel: rel, aff: aff, levelRMSE: make([]float64, levels)}
	for i := range at.levelRMSE {
		at.levelRMSE[i] = math.NaN()
	}
	repeated := false
	for lvl := levels - 1; lvl >= 0; lvl-- {
		if lvl > 0 && ref.NumPoints(lvl) < th.TrackerMinPoints {
			continue
		}
		img := frame.Pyramid.Level(lvl)
		cutoffRepeat := 1.0
		cur := t.evaluate(ref, img, lvl, at.rel, at.aff, frame.Exposure, th.TrackerCutoff)
		for cur.saturatedRatio() > th.TrackerCutoffRatio && cutoffRepeat < maxCutoffRepeat {
			cutoffRepeat *= 2
			cur = t.evaluate(ref, img, lvl, at.rel, at.aff, frame.Exposure, th.TrackerCutoff*cutoffRepeat)
		}
		cutoff := th.TrackerCutoff * cutoffRepeat
		if cur.numTerms < th.TrackerMinPoints {
			return at
		}

		h, b := t.normalEquations(cur)
		lambda := 0.01
		for it := 0; it < th.TrackerIterations(lvl); it++ {
			inc := solveDamped(h, b, lambda)
			if inc == nil {
				lambda *= 4
				continue
			}
			newRel := spatialmath.ExpSE3(spatialmath.Tangent{inc[0], inc[1], inc[2], inc[3], inc[4], inc[5]}).Compose(at.rel)
			newAff := transform.AffLight{A: at.aff.A + inc[6], B: at.aff.B + inc[7]}
			next := t.evaluate(ref, img, lvl, newRel, newAff, frame.Exposure, cutoff)
			if next.numTerms >= th.TrackerMinPoints &&
				next.energy/float64(next.numTerms) < cur.energy/float64(cur.numTerms) {
				at.rel, at.aff, cur = newRel, newAff, next
				h, b = t.normalEquations(cur)
				lambda *= 0.5
			} else {
				lambda *= 4
				if lambda < 1e-4 {
					lambda = 1e-4
				}
			}
			if floats.Norm(inc, 2) < minIncrement {
				break
			}
		}
		at.levelRMSE[lvl] = cur.rmse()
		at.final = cur
		if !utils.IsFinite(at.levelRMSE[lvl]) {
			return at
		}
		if abortRMSE != nil && lvl < len(abortRMSE) && !math.IsNaN(abortRMSE[lvl]) &&
			at.levelRMSE[lvl] > th.TrackerRetrackRatio*abortRMSE[lvl] {
			return at
		}
		// A level whose cutoff had to grow is aligned once more before refining.
		if cutoffRepeat > 1 && !repeated {
			repeated = true
			lvl++
		}
	}
	at.ok = at.final != nil && isFinite(at.rel, at.aff)
	return at
}

func isFinite(rel spatialmath.SE3, aff transform.AffLight) bool {
	for _, v := range rel.Log() {
		if !utils.IsFinite(v) {
			return false
		}
	}
	return utils.IsFinite(aff.A) && utils.IsFinite(aff.B)
}

// Track aligns frame against the current reference, trying each world-to-camera pose
// hypothesis in order starting from brightness affine. Tracking stops early once a hypothesis
// reaches an RMSE close to that of the previous frame. The window is never touched.
func (t *Tracker) Track(frame *window.Frame, hypotheses []spatialmath.SE3, affine transform.AffLight) (Result, error) {
	ref := t.ref.Load()
	if ref == nil {
		return Result{}, errors.Wrap(ErrTrackingFailed, "no reference")
	}
	if ref != t.current {
		t.current = ref
		t.firstRMSE = -1
	}
	if ref.NumPoints(0) < t.cfg.Thresholds.TrackerMinPoints {
		return Result{}, errors.Wrapf(ErrTrackingFailed, "reference has only %d points", ref.NumPoints(0))
	}

	refInv := ref.Pose.Inverse()
	var best attempt
	bestIdx := -1
	var abort []float64
	for i, hyp := range hypotheses {
		at := t.align(ref, frame, hyp.Compose(refInv), affine, abort)
		if !at.ok {
			continue
		}
		if bestIdx < 0 || at.levelRMSE[0] < best.levelRMSE[0] {
			best, bestIdx = at, i
			abort = append([]float64(nil), at.levelRMSE...)
		}
		if len(t.lastLevelRMSE) > 0 &&
			best.levelRMSE[0] < t.lastLevelRMSE[0]*t.cfg.Thresholds.TrackerRetrackRatio {
			break
		}
	}
	if bestIdx < 0 {
		return Result{}, errors.Wrapf(ErrTrackingFailed, "none of %d motion hypotheses converged", len(hypotheses))
	}
	rmse := best.levelRMSE[0]
	if rmse > t.cfg.Thresholds.TrackerDivergenceRMSE {
		return Result{}, errors.Wrapf(ErrTrackingFailed, "rmse %.2f above divergence threshold", rmse)
	}

	t.lastLevelRMSE = best.levelRMSE
	if t.firstRMSE < 0 {
		t.firstRMSE = rmse
	}
	t.logger.Debugw("tracked frame", "frame", frame.ID, "ref", ref.KFID, "hypothesis", bestIdx, "rmse", rmse)
	return Result{
		Pose:       best.rel.Compose(ref.Pose),
		RelToRef:   best.rel,
		Affine:     best.aff,
		RMSE:       rmse,
		LevelRMSE:  best.levelRMSE,
		FlowT:      best.final.flowT,
		FlowRT:     best.final.flowRT,
		NumPoints:  best.final.numTerms,
		FirstRMSE:  t.firstRMSE,
		RefKFID:    ref.KFID,
		Hypothesis: bestIdx,
	}, nil
}

// Reset forgets the reference and the RMSE history.
func (t *Tracker) Reset() {
	t.ref.Store(nil)
	t.current = nil
	t.firstRMSE = -1
	t.lastLevelRMSE = nil
}
