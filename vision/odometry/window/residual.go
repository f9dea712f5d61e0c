package window

import (
	"math"

	"github.com/golang/geo/r3"

	"go.viam.com/dso/rimage/transform"
	"go.viam.com/dso/spatialmath"
	"go.viam.com/dso/utils"
)

// ResidualState is the outcome of the last evaluation of a residual.
type ResidualState int

const (
	// ResidualIn contributes to the optimization.
	ResidualIn ResidualState = iota
	// ResidualOOB projected outside the target image.
	ResidualOOB
	// ResidualOutlier has too much energy.
	ResidualOutlier
)

func (s ResidualState) String() string {
	return [...]string{"in", "oob", "outlier"}[s]
}

// Affine parameter indices of ResidualJacobian.Aff.
const (
	AffTargetA = iota
	AffTargetB
	AffHostA
	AffHostB
)

// PairPrecalc is the relative geometry and brightness of a (host, target) keyframe pair. It is
// computed once per pair and evaluation pass.
type PairPrecalc struct {
	// HostToTarget is T_t * T_h⁻¹.
	HostToTarget spatialmath.SE3
	R            spatialmath.Mat3
	T            r3.Vector
	// A and B map host intensities into the target: I_t ≈ A·(I_h - HostB) + TargetB.
	A, HostB, TargetB float64
}

// NewPairPrecalc prepares the pair from the current estimates.
func NewPairPrecalc(host, target *Keyframe) *PairPrecalc {
	rel := target.Pose.Compose(host.Pose.Inverse())
	a, _ := transform.FromToExposure(host.Exposure, target.Exposure, host.Affine, target.Affine)
	return &PairPrecalc{
		HostToTarget: rel,
		R:            rel.RotationMatrix(),
		T:            rel.Translation(),
		A:            a,
		HostB:        host.Affine.B,
		TargetB:      target.Affine.B,
	}
}

// ResidualJacobian holds per pattern pixel residuals, weights and derivatives. Rel is the
// derivative with respect to a left perturbation of HostToTarget in (υ, ω) order.
type ResidualJacobian struct {
	Res    [PatternSize]float64
	Weight [PatternSize]float64
	Rel    [PatternSize][6]float64
	Aff    [PatternSize][4]float64
	Idepth [PatternSize]float64
}

// Residual is the photometric error of a point observed in a target keyframe.
type Residual struct {
	Point  *Point
	Target *Keyframe
	State  ResidualState
	Energy float64
	// Jac is valid when State is ResidualIn.
	Jac ResidualJacobian
	// Projected is the pattern center in the target at the last evaluation.
	ProjectedU, ProjectedV float64
}

// NewResidual connects p to target.
func NewResidual(p *Point, target *Keyframe) *Residual {
	return &Residual{Point: p, Target: target}
}

// EvalParams are the weighting constants of residual evaluation.
type EvalParams struct {
	HuberThreshold  float64
	GradientWeightC float64
	OutlierEnergy   float64
}

// HuberWeight returns the Huber weight of a residual r with threshold k.
func HuberWeight(r, k float64) float64 {
	if a := math.Abs(r); a > k {
		return k / a
	}
	return 1
}

// Evaluate recomputes the residual, its weights and its Jacobians at the current estimates of
// the host, target and point. The pattern is evaluated at full resolution.
func (r *Residual) Evaluate(calib *transform.Calibration, pre *PairPrecalc, params EvalParams) ResidualState {
	p := r.Point
	lvl := calib.Level(0)
	target := r.Target.Pyramid.Level(0)

	energy := 0.0
	gradInfo := 0.0
	var jac ResidualJacobian
	for i, off := range Pattern {
		ray := lvl.Ray(p.U+float64(off[0]), p.V+float64(off[1]))
		q := pre.R.MulVec(ray).Add(pre.T.Mul(p.Idepth))
		u, v, ok := lvl.Project(q)
		if !ok || !target.InBounds(u, v, 1) {
			r.State = ResidualOOB
			r.Energy = 0
			return r.State
		}
		if i == 4 {
			r.ProjectedU, r.ProjectedV = u, v
		}
		it, gx, gy, ok := target.Interpolate(u, v)
		if !ok || !utils.IsFinite(it) {
			r.State = ResidualOOB
			r.Energy = 0
			return r.State
		}
		hostTerm := float64(p.Colors[i]) - pre.HostB
		res := it - pre.A*hostTerm - pre.TargetB

		w := math.Sqrt(params.GradientWeightC / (params.GradientWeightC + gx*gx + gy*gy))
		w = 0.5 * (w + float64(p.Weights[i]))
		hw := HuberWeight(res, params.HuberThreshold)
		energy += w * w * hw * res * res * (2 - hw)

		gq := r3.Vector{
			X: gx * lvl.Fx / q.Z,
			Y: gy * lvl.Fy / q.Z,
			Z: -(gx*lvl.Fx*q.X + gy*lvl.Fy*q.Y) / (q.Z * q.Z),
		}
		dOmega := q.Cross(gq)
		jac.Res[i] = res
		jac.Weight[i] = w * w * hw
		jac.Rel[i] = [6]float64{
			p.Idepth * gq.X, p.Idepth * gq.Y, p.Idepth * gq.Z,
			dOmega.X, dOmega.Y, dOmega.Z,
		}
		jac.Idepth[i] = gq.Dot(pre.T)
		jac.Aff[i][AffTargetA] = -pre.A * hostTerm
		jac.Aff[i][AffTargetB] = -1
		jac.Aff[i][AffHostA] = pre.A * hostTerm
		jac.Aff[i][AffHostB] = pre.A
		gradInfo += w * w * (gx*gx + gy*gy)
	}
	r.Energy = energy
	if energy > PatternSize*params.OutlierEnergy || gradInfo < 2 {
		r.State = ResidualOutlier
		return r.State
	}
	r.Jac = jac
	r.State = ResidualIn
	return r.State
}
