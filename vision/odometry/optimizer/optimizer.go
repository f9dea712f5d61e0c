// Package optimizer implements the windowed photometric bundle adjustment: joint Gauss-Newton
// refinement of keyframe poses, brightness parameters and point inverse depths with the depths
// eliminated by Schur complement, and marginalization of keyframes leaving the window.
package optimizer

import (
	"context"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/dso/config"
	"go.viam.com/dso/logging"
	"go.viam.com/dso/rimage/transform"
	"go.viam.com/dso/spatialmath"
	"go.viam.com/dso/vision/odometry/lifecycle"
	"go.viam.com/dso/vision/odometry/window"
)

var (
	// ErrIllConditioned is returned when the reduced system cannot be solved reliably.
	ErrIllConditioned = errors.New("window system is ill-conditioned")
	// ErrNotConverged is returned when no optimization step decreased the energy.
	ErrNotConverged = errors.New("window optimization did not converge")
)

const (
	// minLambda keeps the damped system positive definite along the scale gauge.
	minLambda = 1e-5
	// energyTolerance absorbs summation order noise when comparing energies.
	energyTolerance = 1e-9
)

// Result summarizes an optimization pass.
type Result struct {
	Energy       float64
	RMSE         float64
	Iterations   int
	Accepted     int
	Converged    bool
	NumResiduals int
	Lambda       float64
}

// Optimizer owns the window's numerical state: the marginalization prior and the priors anchoring
// the first keyframe and the brightness parameters. It is used from the mapping goroutine only.
type Optimizer struct {
	cfg    *config.Config
	calib  *transform.Calibration
	logger logging.Logger
	w      *window.Window
	prior  *Prior
	eval   window.EvalParams

	first       *window.Keyframe
	firstPose   spatialmath.SE3
	firstAffine transform.AffLight
	// affineZero is the brightness each keyframe had when it entered the window.
	affineZero map[*window.Keyframe]transform.AffLight
}

// New returns an optimizer for w.
func New(cfg *config.Config, calib *transform.Calibration, w *window.Window, logger logging.Logger) *Optimizer {
	return &Optimizer{
		cfg:    cfg,
		calib:  calib,
		logger: logger,
		w:      w,
		prior:  NewPrior(),
		eval: window.EvalParams{
			HuberThreshold:  cfg.Thresholds.HuberThreshold,
			GradientWeightC: cfg.Thresholds.GradientWeightC,
			OutlierEnergy:   cfg.Thresholds.OutlierEnergy,
		},
		affineZero: map[*window.Keyframe]transform.AffLight{},
	}
}

// Window returns the optimized window.
func (o *Optimizer) Window() *window.Window {
	return o.w
}

// Prior returns the marginalization prior.
func (o *Optimizer) Prior() *Prior {
	return o.prior
}

// Insert adds kf to the window. When the window is full, the most redundant keyframe is
// marginalized first so that the window never holds more than its capacity. The evicted keyframe,
// if any, is returned.
func (o *Optimizer) Insert(ctx context.Context, kf *window.Keyframe) (*window.Keyframe, error) {
	var evicted *window.Keyframe
	if o.w.Full() {
		evicted = o.evictionCandidate(kf)
		if evicted == nil {
			return nil, errors.New("no keyframe can be evicted")
		}
		if err := o.marginalizeFrame(ctx, evicted); err != nil {
			return nil, err
		}
	}
	if err := o.w.Insert(kf); err != nil {
		return evicted, err
	}
	o.prior.AddFrame(kf)
	o.affineZero[kf] = kf.Affine
	if o.first == nil {
		o.first = kf
		o.firstPose = kf.Pose
		o.firstAffine = kf.Affine
	}
	return evicted, nil
}

// evictionCandidate picks the keyframe whose removal loses the least: one close to the other
// keyframes and far from the incoming one. The newest resident keyframe is never chosen.
func (o *Optimizer) evictionCandidate(incoming *window.Keyframe) *window.Keyframe {
	kfs := o.w.Keyframes()
	if len(kfs) < 2 {
		return nil
	}
	newCenter := incoming.Pose.Center()
	var best *window.Keyframe
	bestScore := math.Inf(1)
	for _, kf := range kfs[:len(kfs)-1] {
		c := kf.Pose.Center()
		score := 0.0
		for _, other := range kfs {
			if other != kf {
				score += 1 / (1e-5 + c.Sub(other.Pose.Center()).Norm())
			}
		}
		dNew := c.Sub(newCenter).Norm()
		score += 1 / (1e-5 + dNew)
		score *= -math.Sqrt(dNew)
		if score < bestScore {
			best, bestScore = kf, score
		}
	}
	return best
}

// MarginalizeFlagged marginalizes keyframes that lost most of their points or whose brightness
// differs too much from the newest keyframe, as long as more than MinFrames remain. It returns
// the marginalized keyframes.
func (o *Optimizer) MarginalizeFlagged(ctx context.Context) ([]*window.Keyframe, error) {
	newest := o.w.Newest()
	if newest == nil {
		return nil, nil
	}
	th := &o.cfg.Thresholds
	remaining := o.w.Len()
	for _, kf := range o.w.Keyframes() {
		if kf == newest {
			continue
		}
		a, _ := transform.FromToExposure(newest.Exposure, kf.Exposure, newest.Affine, kf.Affine)
		if (kf.InlierRatio() < th.MinInlierRatio || math.Abs(math.Log(a)) > th.MaxLogGainChange) &&
			remaining > o.cfg.MinFrames {
			kf.FlaggedForMarginalization = true
			remaining--
		}
	}
	var out []*window.Keyframe
	for _, kf := range append([]*window.Keyframe(nil), o.w.Keyframes()...) {
		if !kf.FlaggedForMarginalization {
			continue
		}
		if err := o.marginalizeFrame(ctx, kf); err != nil {
			return out, err
		}
		out = append(out, kf)
	}
	return out, nil
}

// marginalizeFrame folds the information of kf and of the active points it hosts into the prior,
// then removes it from the window. Its active points become marginalized in the same step.
func (o *Optimizer) marginalizeFrame(ctx context.Context, kf *window.Keyframe) error {
	o.prior.Relinearize()
	sys, err := o.linearizePoints(ctx, kf.ActivePoints())
	if err != nil {
		return err
	}
	o.addFramePriors(sys, kf)
	if err := o.prior.AddInformation(sys.h, sys.b); err != nil {
		return err
	}
	if err := o.prior.MarginalizeFrame(kf); err != nil {
		return err
	}
	lifecycle.MarginalizeHosted(o.w, kf)
	if err := o.w.Remove(kf); err != nil {
		return err
	}
	delete(o.affineZero, kf)
	if kf == o.first {
		o.first = nil
	}
	kf.Release()
	o.logger.Debugw("marginalized keyframe", "keyframe", kf.KFID, "marginalizedPoints", len(kf.Marginalized),
		"priorInformation", o.prior.Information())
	return nil
}

// addFramePriors adds the first-frame and brightness priors. When only is non-nil, only the
// priors of that keyframe are added.
func (o *Optimizer) addFramePriors(sys *system, only *window.Keyframe) {
	th := &o.cfg.Thresholds
	aPrior, bPrior, fixed := o.cfg.AffinePriors()
	n := sys.n
	add := func(i int, weight, delta float64) {
		if weight <= 0 {
			return
		}
		sys.h[i*n+i] += weight
		sys.b[i] += weight * delta
		sys.priorEnergy += weight * delta * delta
	}
	for idx, kf := range o.w.Keyframes() {
		if only != nil && kf != only {
			continue
		}
		base := idx * ParamsPerFrame
		if kf == o.first {
			d := kf.Pose.Compose(o.firstPose.Inverse()).Log()
			for k := 0; k < 3; k++ {
				add(base+k, th.FirstFrameTransPrior, d[k])
				add(base+3+k, th.FirstFrameRotPrior, d[3+k])
			}
			add(base+6, th.FirstFrameAffinePrior, kf.Affine.A-o.firstAffine.A)
			add(base+7, th.FirstFrameAffinePrior, kf.Affine.B-o.firstAffine.B)
		}
		if !fixed {
			zero := o.affineZero[kf]
			add(base+6, aPrior, kf.Affine.A-zero.A)
			add(base+7, bPrior, kf.Affine.B-zero.B)
		}
	}
}

// linearize builds the full reduced system at the current state.
func (o *Optimizer) linearize(ctx context.Context) (*system, error) {
	if o.prior.Size() != o.w.Len() {
		return nil, errors.Errorf("prior spans %d keyframes but the window holds %d", o.prior.Size(), o.w.Len())
	}
	sys, err := o.linearizePoints(ctx, o.w.ActivePoints())
	if err != nil {
		return nil, err
	}
	sys.priorEnergy += o.prior.addTo(sys.h, sys.b)
	o.addFramePriors(sys, nil)
	if _, _, fixed := o.cfg.AffinePriors(); fixed {
		for i := 0; i < o.w.Len(); i++ {
			for _, k := range []int{i*ParamsPerFrame + 6, i*ParamsPerFrame + 7} {
				for c := 0; c < sys.n; c++ {
					sys.h[k*sys.n+c] = 0
					sys.h[c*sys.n+k] = 0
				}
				sys.h[k*sys.n+k] = 1
				sys.b[k] = 0
			}
		}
	}
	return sys, nil
}

// Energy returns the total energy of the window at the current state.
func (o *Optimizer) Energy(ctx context.Context) (float64, error) {
	sys, err := o.linearize(ctx)
	if err != nil {
		return 0, err
	}
	return sys.energy(), nil
}

// solve computes the keyframe step of the damped, Jacobi-scaled system.
func (o *Optimizer) solve(sys *system, lambda float64) ([]float64, error) {
	n := sys.n
	scale := make([]float64, n)
	for i := range scale {
		scale[i] = 1 / math.Sqrt(sys.h[i*n+i]+10)
	}
	a := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := 0.5 * (sys.h[i*n+j] + sys.h[j*n+i]) * scale[i] * scale[j]
			if i == j {
				v *= 1 + lambda
			}
			a.SetSym(i, j, v)
		}
	}
	var chol mat.Cholesky
	if !chol.Factorize(a) {
		return nil, errors.Wrap(ErrIllConditioned, "reduced system is not positive definite")
	}
	if c := chol.Cond(); c > o.cfg.Thresholds.SolverConditionLimit || math.IsNaN(c) {
		return nil, errors.Wrapf(ErrIllConditioned, "condition number %g", c)
	}
	rhs := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		rhs.SetVec(i, -sys.b[i]*scale[i])
	}
	var y mat.VecDense
	if err := chol.SolveVecTo(&y, rhs); err != nil {
		return nil, errors.Wrap(ErrIllConditioned, err.Error())
	}
	step := make([]float64, n)
	for i := range step {
		step[i] = y.AtVec(i) * scale[i]
	}
	return step, nil
}

// apply updates every keyframe by the step and every eliminated point by back substitution.
func (o *Optimizer) apply(sys *system, step []float64) {
	for i, kf := range o.w.Keyframes() {
		d := step[i*ParamsPerFrame : (i+1)*ParamsPerFrame]
		kf.Pose = spatialmath.ExpSE3(spatialmath.Tangent{d[0], d[1], d[2], d[3], d[4], d[5]}).Compose(kf.Pose)
		kf.Affine.A += d[6]
		kf.Affine.B += d[7]
	}
	for _, blk := range sys.points {
		if !blk.eliminated {
			blk.point.Step = 0
			continue
		}
		dr := -(blk.br + floats.Dot(blk.hxr, step)) / blk.hrr
		blk.point.Step = dr
		blk.point.Idepth += dr
	}
}

func (o *Optimizer) backup() {
	for _, kf := range o.w.Keyframes() {
		kf.Backup()
		for _, p := range kf.Points {
			p.Backup()
		}
	}
}

func (o *Optimizer) restore() {
	for _, kf := range o.w.Keyframes() {
		kf.Restore()
		for _, p := range kf.Points {
			p.Restore()
		}
	}
}

// Optimize runs damped Gauss-Newton on the window for between MinOptIterations and
// MaxOptIterations iterations. Steps that increase the energy are undone. The residuals are left
// evaluated at the final state. A non-converged pass is reported with ErrNotConverged but still
// leaves the best state found.
func (o *Optimizer) Optimize(ctx context.Context) (Result, error) {
	res := Result{Lambda: o.cfg.Thresholds.InitialLambda}
	if o.w.Len() < 2 {
		return res, nil
	}
	sys, err := o.linearize(ctx)
	if err != nil {
		return res, err
	}
	lambda := o.cfg.Thresholds.InitialLambda
	stale := false
	for it := 0; it < o.cfg.MaxOptIterations; it++ {
		res.Iterations = it + 1
		step, err := o.solve(sys, lambda)
		if err != nil {
			if stale {
				if _, lerr := o.linearize(ctx); lerr != nil {
					return res, lerr
				}
			}
			o.fillResult(&res, sys, lambda)
			return res, err
		}
		o.backup()
		o.apply(sys, step)
		next, err := o.linearize(ctx)
		if err != nil {
			return res, err
		}
		stepNorm := floats.Norm(step, 2)
		if next.energy() <= sys.energy()*(1+energyTolerance) {
			sys = next
			stale = false
			res.Accepted++
			lambda = math.Max(lambda*0.5, minLambda)
			if stepNorm < o.cfg.Thresholds.ConvergenceStep && it+1 >= o.cfg.MinOptIterations {
				res.Converged = true
				break
			}
		} else {
			o.restore()
			stale = true
			lambda *= 4
		}
	}
	if stale {
		// Residual states must describe the restored estimate.
		if _, err := o.linearize(ctx); err != nil {
			return res, err
		}
	}
	o.fillResult(&res, sys, lambda)
	if res.Accepted == 0 {
		return res, ErrNotConverged
	}
	return res, nil
}

func (o *Optimizer) fillResult(res *Result, sys *system, lambda float64) {
	res.Energy = sys.energy()
	res.NumResiduals = sys.numIn
	res.Lambda = lambda
	if sys.numIn > 0 {
		res.RMSE = math.Sqrt(sys.resEnergy / float64(window.PatternSize*sys.numIn))
	}
}
