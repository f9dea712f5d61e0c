package lifecycle

import (
	"context"
	"math"

	"github.com/golang/geo/r3"

	"go.viam.com/dso/rimage"
	"go.viam.com/dso/rimage/transform"
	"go.viam.com/dso/spatialmath"
	"go.viam.com/dso/utils"
	"go.viam.com/dso/vision/odometry/window"
)

// traceBorder is the distance to the image border an epipolar search must keep.
const traceBorder = 4

// maxTraceSteps bounds the discrete epipolar search.
const maxTraceSteps = 99

// minTraceTestRadius is the distance, in steps, the second best match must keep from the best.
const minTraceTestRadius = 2

// TraceStats counts the outcome of tracing a frame.
type TraceStats struct {
	Traced       int
	Good         int
	OOB          int
	Outlier      int
	Skipped      int
	BadCondition int
}

func (s *TraceStats) add(status window.TraceStatus) {
	s.Traced++
	switch status {
	case window.TraceGood:
		s.Good++
	case window.TraceOOB:
		s.OOB++
	case window.TraceOutlier:
		s.Outlier++
	case window.TraceSkipped:
		s.Skipped++
	case window.TraceBadCondition:
		s.BadCondition++
	case window.TraceUninitialized:
	}
}

// hostToFrame is the projective relation between a host keyframe and a traced frame at full
// resolution: a host pixel (u, v) with inverse depth ρ maps to KRKi·(u, v, 1) + ρ·Kt.
type hostToFrame struct {
	KRKi spatialmath.Mat3
	Kt   r3.Vector
	// a and b map host intensities into the frame.
	a, b float64
}

func newHostToFrame(l0 transform.LevelIntrinsics, host *window.Keyframe, frame *window.Frame,
	framePose spatialmath.SE3, frameAffine transform.AffLight,
) hostToFrame {
	rel := framePose.Compose(host.Pose.Inverse())
	k := spatialmath.Mat3{l0.Fx, 0, l0.Cx, 0, l0.Fy, l0.Cy, 0, 0, 1}
	ki := spatialmath.Mat3{l0.FxInv, 0, l0.CxInv, 0, l0.FyInv, l0.CyInv, 0, 0, 1}
	a, b := transform.FromToExposure(host.Exposure, frame.Exposure, host.Affine, frameAffine)
	return hostToFrame{
		KRKi: k.Mul(rel.RotationMatrix()).Mul(ki),
		Kt:   k.MulVec(rel.Translation()),
		a:    a,
		b:    b,
	}
}

// TraceFrame runs one epipolar search for every immature point of the window in frame, which has
// the world-to-camera pose framePose and brightness frameAffine. Points hosted by frame itself
// are skipped.
func (m *Manager) TraceFrame(ctx context.Context, w *window.Window, frame *window.Frame,
	framePose spatialmath.SE3, frameAffine transform.AffLight,
) (TraceStats, error) {
	l0 := m.calib.Level(0)
	type job struct {
		p   *window.Point
		rel *hostToFrame
	}
	var jobs []job
	for _, host := range w.Keyframes() {
		if host.Frame == frame || host.ID == frame.ID {
			continue
		}
		rel := newHostToFrame(l0, host, frame, framePose, frameAffine)
		for _, p := range host.Points {
			if p.State == window.Immature {
				jobs = append(jobs, job{p: p, rel: &rel})
			}
		}
	}
	statuses := make([]window.TraceStatus, len(jobs))
	target := frame.Pyramid.Level(0)
	err := m.forEach(ctx, len(jobs), func(i int) {
		statuses[i] = m.tracePoint(jobs[i].p, target, jobs[i].rel)
	})
	var stats TraceStats
	for _, s := range statuses {
		stats.add(s)
	}
	return stats, err
}

// tracePoint searches the epipolar segment of p in target for the best match of its pattern and
// narrows the inverse depth interval accordingly.
func (m *Manager) tracePoint(p *window.Point, target *rimage.PyramidLevel, rel *hostToFrame) window.TraceStatus {
	th := &m.cfg.Thresholds
	tr := &p.Trace
	if tr.LastStatus == window.TraceOOB {
		return tr.LastStatus
	}
	tr.NumTraces++
	setStatus := func(s window.TraceStatus, interval float64) window.TraceStatus {
		tr.LastStatus = s
		tr.LastPixelInterval = interval
		return s
	}

	maxPixSearch := float64(target.Width+target.Height) * th.TraceMaxPixSearch
	pr := rel.KRKi.MulVec(r3.Vector{X: p.U, Y: p.V, Z: 1})
	ptpMin := pr.Add(rel.Kt.Mul(tr.IdepthMin))
	uMin, vMin := ptpMin.X/ptpMin.Z, ptpMin.Y/ptpMin.Z
	if !(ptpMin.Z > 0) || !target.InBounds(uMin, vMin, traceBorder) {
		return setStatus(window.TraceOOB, 0)
	}

	var uMax, vMax, dist float64
	if tr.HasMaxIdepth() {
		ptpMax := pr.Add(rel.Kt.Mul(tr.IdepthMax))
		uMax, vMax = ptpMax.X/ptpMax.Z, ptpMax.Y/ptpMax.Z
		if !(ptpMax.Z > 0) || !target.InBounds(uMax, vMax, traceBorder) {
			return setStatus(window.TraceOOB, 0)
		}
		dist = math.Hypot(uMin-uMax, vMin-vMax)
		if dist < th.TraceSlackInterval {
			return setStatus(window.TraceSkipped, dist)
		}
	} else {
		dist = maxPixSearch
		ptpMax := pr.Add(rel.Kt.Mul(0.01))
		dx, dy := ptpMax.X/ptpMax.Z-uMin, ptpMax.Y/ptpMax.Z-vMin
		n := math.Hypot(dx, dy)
		if !(n > 1e-9) || math.IsNaN(n) {
			// No baseline: the frame carries no depth information for this point.
			return setStatus(window.TraceBadCondition, tr.LastPixelInterval)
		}
		uMax, vMax = uMin+dist*dx/n, vMin+dist*dy/n
		if !target.InBounds(uMax, vMax, traceBorder) {
			return setStatus(window.TraceOOB, 0)
		}
	}

	// A pattern that rotates or scales too much between host and frame cannot be matched.
	if !(tr.IdepthMin < 0 || (ptpMin.Z > 0.75 && ptpMin.Z < 1.5)) {
		return setStatus(window.TraceOOB, 0)
	}

	dx := th.TraceStepSize * (uMax - uMin)
	dy := th.TraceStepSize * (vMax - vMin)
	g := tr.GradH
	along := dx*(g[0]*dx+g[1]*dy) + dy*(g[2]*dx+g[3]*dy)
	across := dy*(g[0]*dy-g[1]*dx) - dx*(g[2]*dy-g[3]*dx)
	errorInPixel := 0.2 + 0.2*(along+across)/along
	if errorInPixel*th.TraceMinImprovementFactor > dist && tr.HasMaxIdepth() {
		return setStatus(window.TraceBadCondition, dist)
	}
	if !(errorInPixel <= 10) {
		errorInPixel = 10
	}

	dx /= dist
	dy /= dist
	if dist > maxPixSearch {
		uMax = uMin + maxPixSearch*dx
		vMax = vMin + maxPixSearch*dy
		dist = maxPixSearch
	}
	if !utils.IsFinite(dx) || !utils.IsFinite(dy) {
		return setStatus(window.TraceOOB, 0)
	}
	numSteps := int(1.9999 + dist/th.TraceStepSize)
	if numSteps > maxTraceSteps {
		numSteps = maxTraceSteps
	}

	var rotated [window.PatternSize][2]float64
	for i, off := range window.Pattern {
		ox, oy := float64(off[0]), float64(off[1])
		rotated[i][0] = rel.KRKi[0]*ox + rel.KRKi[1]*oy
		rotated[i][1] = rel.KRKi[3]*ox + rel.KRKi[4]*oy
	}

	// The sub-pixel start offset is a function of the start position so that repeated runs
	// search the same positions.
	shift := uMin*1000 - math.Floor(uMin*1000)
	ptx, pty := uMin-shift*dx, vMin-shift*dy

	errors := make([]float64, numSteps)
	bestU, bestV, bestEnergy, bestIdx := 0.0, 0.0, 1e10, -1
	for i := 0; i < numSteps; i++ {
		energy := 0.0
		for k := range window.Pattern {
			hit, _, _, ok := target.Interpolate(ptx+rotated[k][0], pty+rotated[k][1])
			if !ok {
				energy += 1e5
				continue
			}
			res := hit - (rel.a*float64(p.Colors[k]) + rel.b)
			hw := window.HuberWeight(res, th.HuberThreshold)
			energy += hw * res * res * (2 - hw)
		}
		errors[i] = energy
		if energy < bestEnergy {
			bestU, bestV, bestEnergy, bestIdx = ptx, pty, energy, i
		}
		ptx += dx
		pty += dy
	}

	secondBest := 1e10
	for i, e := range errors {
		if (i < bestIdx-minTraceTestRadius || i > bestIdx+minTraceTestRadius) && e < secondBest {
			secondBest = e
		}
	}
	newQuality := secondBest / bestEnergy
	if newQuality < tr.Quality || numSteps > 10 {
		tr.Quality = newQuality
	}

	// Sub-pixel refinement along the epipolar direction.
	uBak, vBak, stepSize, stepBack := bestU, bestV, 1.0, 0.0
	if th.TraceGNIterations > 0 {
		bestEnergy = 1e5
	}
	for it := 0; it < th.TraceGNIterations; it++ {
		h, b, energy := 1.0, 0.0, 0.0
		for k := range window.Pattern {
			hit, gx, gy, ok := target.Interpolate(bestU+rotated[k][0], bestV+rotated[k][1])
			if !ok {
				energy += 1e5
				continue
			}
			res := hit - (rel.a*float64(p.Colors[k]) + rel.b)
			dResdDist := dx*gx + dy*gy
			hw := window.HuberWeight(res, th.HuberThreshold)
			h += hw * dResdDist * dResdDist
			b += hw * res * dResdDist
			wk := float64(p.Weights[k])
			energy += wk * wk * hw * res * res * (2 - hw)
		}
		if energy > bestEnergy {
			stepSize *= 0.5
			bestU = uBak + stepSize*stepBack*dx
			bestV = vBak + stepSize*stepBack*dy
		} else {
			stepSize = 1
			step := -b / h
			switch {
			case math.IsNaN(step) || math.IsInf(step, 0):
				step = 0
			case step < -0.5:
				step = -0.5
			case step > 0.5:
				step = 0.5
			}
			uBak, vBak, stepBack = bestU, bestV, step
			bestU += step * dx
			bestV += step * dy
			bestEnergy = energy
		}
		if math.Abs(stepBack) < th.TraceGNThreshold {
			break
		}
	}

	energyTH := tr.EnergyTH
	if energyTH <= 0 {
		energyTH = float64(window.PatternSize) * th.OutlierEnergy
	}
	if !(bestEnergy < energyTH*th.TraceExtraSlackOnTH) {
		tr.NumOutliers++
		if tr.NumOutliers >= th.TraceMaxOutliers {
			return setStatus(window.TraceOOB, 0)
		}
		return setStatus(window.TraceOutlier, 0)
	}
	tr.NumOutliers = 0

	var idMin, idMax float64
	if dx*dx > dy*dy {
		idMin = (pr.Z*(bestU-errorInPixel*dx) - pr.X) / (rel.Kt.X - rel.Kt.Z*(bestU-errorInPixel*dx))
		idMax = (pr.Z*(bestU+errorInPixel*dx) - pr.X) / (rel.Kt.X - rel.Kt.Z*(bestU+errorInPixel*dx))
	} else {
		idMin = (pr.Z*(bestV-errorInPixel*dy) - pr.Y) / (rel.Kt.Y - rel.Kt.Z*(bestV-errorInPixel*dy))
		idMax = (pr.Z*(bestV+errorInPixel*dy) - pr.Y) / (rel.Kt.Y - rel.Kt.Z*(bestV+errorInPixel*dy))
	}
	if idMin > idMax {
		idMin, idMax = idMax, idMin
	}
	if math.IsNaN(idMin) || math.IsNaN(idMax) || math.IsInf(idMin, 0) || math.IsInf(idMax, 0) || idMax < 0 {
		return setStatus(window.TraceOutlier, 0)
	}
	tr.IdepthMin, tr.IdepthMax = idMin, idMax
	return setStatus(window.TraceGood, 2*errorInPixel)
}
