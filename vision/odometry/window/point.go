package window

import (
	"math"

	"go.viam.com/dso/utils"
)

// PatternSize is the number of pixels in the residual pattern.
const PatternSize = 8

// Pattern is the sparse 8 pixel neighbourhood evaluated around every point.
var Pattern = [PatternSize][2]int{
	{0, -2}, {-1, -1}, {1, -1}, {-2, 0}, {0, 0}, {2, 0}, {-1, 1}, {0, 2},
}

// PointState is the lifecycle state of a point.
type PointState int

const (
	// Immature points have an inverse depth interval refined by epipolar tracing.
	Immature PointState = iota
	// Active points take part in the window optimization.
	Active
	// Outlier points were rejected and are dropped.
	Outlier
	// Marginalized points have their information folded into the prior.
	Marginalized
)

func (s PointState) String() string {
	switch s {
	case Immature:
		return "immature"
	case Active:
		return "active"
	case Outlier:
		return "outlier"
	case Marginalized:
		return "marginalized"
	}
	return "unknown"
}

// TraceStatus is the outcome of the last epipolar search of an immature point.
type TraceStatus int

const (
	// TraceUninitialized means the point has not been traced yet.
	TraceUninitialized TraceStatus = iota
	// TraceGood means a match was found and the interval was updated.
	TraceGood
	// TraceOOB means the search left the image; the point is discarded.
	TraceOOB
	// TraceOutlier means the best match had too much energy.
	TraceOutlier
	// TraceSkipped means the search interval was already small enough.
	TraceSkipped
	// TraceBadCondition means the epipolar line is orthogonal to the gradient.
	TraceBadCondition
)

func (s TraceStatus) String() string {
	return [...]string{"uninitialized", "good", "oob", "outlier", "skipped", "badcondition"}[s]
}

// Trace is the epipolar search state of an immature point.
type Trace struct {
	IdepthMin, IdepthMax float64
	Quality              float64
	LastStatus           TraceStatus
	LastPixelInterval    float64
	NumTraces            int
	NumOutliers          int
	// GradH is the 2x2 structure tensor of the host gradient over the pattern, stored row-major.
	GradH [4]float64
	// EnergyTH is the outlier energy of a match.
	EnergyTH float64
}

// Point is a pixel of a host keyframe with an inverse depth estimate.
type Point struct {
	Host  *Keyframe
	U, V  float64
	State PointState
	// Scale is the selection scale (1, 2 or 4) the point was picked at.
	Scale int

	Idepth        float64
	IdepthHessian float64
	// IdepthPrior is the inverse depth the point is anchored to when HasDepthPrior is set.
	IdepthPrior   float64
	HasDepthPrior bool

	// Colors are host intensities over the pattern; Weights their gradient weights.
	Colors  [PatternSize]float32
	Weights [PatternSize]float32

	Trace Trace

	// Residuals connect an active point to every other resident keyframe.
	Residuals []*Residual

	idepthBackup float64
	// Step is the last inverse depth update computed by the optimizer.
	Step float64
}

// NewImmaturePoint samples the host pattern at (u, v). ok is false when the pattern leaves the
// image or has non-finite values.
func NewImmaturePoint(host *Keyframe, u, v float64, scale int, gradC float64) (*Point, bool) {
	l0 := host.Pyramid.Level(0)
	p := &Point{Host: host, U: u, V: v, State: Immature, Scale: scale}
	for i, off := range Pattern {
		c, gx, gy, ok := l0.Interpolate(u+float64(off[0]), v+float64(off[1]))
		if !ok || !utils.IsFinite(c) {
			return nil, false
		}
		p.Colors[i] = float32(c)
		p.Weights[i] = float32(math.Sqrt(gradC / (gradC + gx*gx + gy*gy)))
		p.Trace.GradH[0] += gx * gx
		p.Trace.GradH[1] += gx * gy
		p.Trace.GradH[2] += gx * gy
		p.Trace.GradH[3] += gy * gy
	}
	p.Trace.IdepthMin = 0
	p.Trace.IdepthMax = math.NaN()
	p.Trace.Quality = 10000
	p.Trace.LastStatus = TraceUninitialized
	return p, true
}

// HasMaxIdepth reports whether the trace interval is bounded above.
func (t *Trace) HasMaxIdepth() bool {
	return utils.IsFinite(t.IdepthMax)
}

// MidIdepth returns the center of the inverse depth interval.
func (t *Trace) MidIdepth() float64 {
	return 0.5 * (t.IdepthMin + t.IdepthMax)
}

// Backup saves the inverse depth.
func (p *Point) Backup() {
	p.idepthBackup = p.Idepth
}

// Restore reverts the inverse depth to the last backup.
func (p *Point) Restore() {
	p.Idepth = p.idepthBackup
}

// RemoveResidual detaches r from the point.
func (p *Point) RemoveResidual(r *Residual) {
	for i, x := range p.Residuals {
		if x == r {
			p.Residuals[i] = p.Residuals[len(p.Residuals)-1]
			p.Residuals[len(p.Residuals)-1] = nil
			p.Residuals = p.Residuals[:len(p.Residuals)-1]
			return
		}
	}
}

