package lifecycle

import (
	"context"
	"math"

	"github.com/golang/geo/r3"

	"go.viam.com/dso/vision/odometry/window"
)

// ActivationStats summarizes an activation pass.
type ActivationStats struct {
	Candidates  int
	Activated   int
	Discarded   int
	MinDistance float64
}

type activationOutcome int

const (
	keepImmature activationOutcome = iota
	activated
	discarded
)

type activationResult struct {
	outcome   activationOutcome
	idepth    float64
	hessian   float64
	residuals []*window.Residual
}

// adaptMinDistance steers the activation distance so the number of active points approaches the
// configured density: fewer points than wanted shrink it, more grow it.
func (m *Manager) adaptMinDistance(numActive int) {
	n := float64(numActive)
	want := m.cfg.PointDensity
	switch {
	case n < want*0.66:
		m.minActDist -= 0.8
	case n < want*0.8:
		m.minActDist -= 0.5
	case n < want*0.9:
		m.minActDist -= 0.2
	case n < want:
		m.minActDist -= 0.1
	}
	switch {
	case n > want*1.5:
		m.minActDist += 0.8
	case n > want*1.3:
		m.minActDist += 0.5
	case n > want*1.15:
		m.minActDist += 0.2
	case n > want:
		m.minActDist += 0.1
	}
	m.minActDist = math.Max(0, math.Min(4, m.minActDist))
}

// Activate promotes converged immature points of every keyframe but the newest. Candidates must
// be far enough, in the newest keyframe, from the points already active; each is refined by
// Gauss-Newton on its inverse depth against every other resident keyframe before it becomes
// active.
func (m *Manager) Activate(ctx context.Context, w *window.Window) (ActivationStats, error) {
	newest := w.Newest()
	stats := ActivationStats{}
	if newest == nil || w.Len() < 2 {
		return stats, nil
	}
	th := &m.cfg.Thresholds
	m.adaptMinDistance(w.NumActivePoints())
	stats.MinDistance = m.minActDist

	l0 := m.calib.Level(0)
	l1 := m.calib.Level(1)
	dm := newDistanceMap(l1.Width, l1.Height)
	project := func(rel *hostToFrame, p *window.Point, idepth float64) (int, int, bool) {
		q := rel.KRKi.MulVec(pointRay(p)).Add(rel.Kt.Mul(idepth))
		if !(q.Z > 0) {
			return 0, 0, false
		}
		u := (q.X/q.Z+0.5)*0.5 - 0.5
		v := (q.Y/q.Z+0.5)*0.5 - 0.5
		x, y := int(math.Floor(u+0.5)), int(math.Floor(v+0.5))
		return x, y, x > 0 && y > 0 && x < l1.Width && y < l1.Height
	}

	rels := make(map[*window.Keyframe]*hostToFrame, w.Len())
	for _, host := range w.Keyframes() {
		if host == newest {
			continue
		}
		rel := newHostToFrame(l0, host, newest.Frame, newest.Pose, newest.Affine)
		rels[host] = &rel
		for _, p := range host.Points {
			if p.State != window.Active {
				continue
			}
			if x, y, ok := project(&rel, p, p.Idepth); ok {
				dm.seed(x, y)
			}
		}
	}
	dm.grow()

	var candidates []*window.Point
	for _, host := range w.Keyframes() {
		if host == newest {
			continue
		}
		rel := rels[host]
		for _, p := range host.Points {
			if p.State != window.Immature {
				continue
			}
			tr := &p.Trace
			if !tr.HasMaxIdepth() || tr.LastStatus == window.TraceOutlier {
				p.State = window.Outlier
				stats.Discarded++
				continue
			}
			canActivate := (tr.LastStatus == window.TraceGood || tr.LastStatus == window.TraceSkipped ||
				tr.LastStatus == window.TraceBadCondition || tr.LastStatus == window.TraceOOB) &&
				tr.LastPixelInterval < th.ActivationPixelInterval &&
				tr.Quality > th.MinTraceQuality &&
				tr.IdepthMax+tr.IdepthMin > 0
			if !canActivate {
				if host.FlaggedForMarginalization || tr.LastStatus == window.TraceOOB {
					p.State = window.Outlier
					stats.Discarded++
				}
				continue
			}
			x, y, ok := project(rel, p, tr.MidIdepth())
			if !ok {
				p.State = window.Outlier
				stats.Discarded++
				continue
			}
			if float64(dm.at(x, y)) >= m.minActDist*float64(p.Scale) {
				dm.add(x, y)
				candidates = append(candidates, p)
			}
		}
	}
	stats.Candidates = len(candidates)

	pairs := newPairCache(w)
	results := make([]activationResult, len(candidates))
	err := m.forEach(ctx, len(candidates), func(i int) {
		results[i] = m.optimizeImmature(candidates[i], w.Keyframes(), pairs)
	})
	if err != nil {
		return stats, err
	}
	for i, p := range candidates {
		switch res := results[i]; res.outcome {
		case activated:
			p.State = window.Active
			p.Idepth = res.idepth
			p.IdepthHessian = res.hessian
			p.Residuals = res.residuals
			stats.Activated++
		case discarded:
			p.State = window.Outlier
			stats.Discarded++
		case keepImmature:
			if p.Trace.LastStatus == window.TraceOOB {
				p.State = window.Outlier
				stats.Discarded++
			}
		}
	}
	for _, host := range w.Keyframes() {
		host.Compact()
	}
	m.logger.Debugw("activated points", "candidates", stats.Candidates, "activated", stats.Activated,
		"discarded", stats.Discarded, "minDistance", stats.MinDistance)
	return stats, nil
}

// optimizeImmature refines the inverse depth of p against every resident keyframe except its
// host, starting from the middle of its trace interval.
func (m *Manager) optimizeImmature(p *window.Point, keyframes []*window.Keyframe, pairs *pairCache) activationResult {
	th := &m.cfg.Thresholds
	residuals := make([]*window.Residual, 0, len(keyframes)-1)
	for _, kf := range keyframes {
		if kf != p.Host {
			residuals = append(residuals, window.NewResidual(p, kf))
		}
	}
	idepth := p.Trace.MidIdepth()
	energy, hdd, bd := m.linearizeDepth(p, residuals, pairs, idepth)
	if math.IsNaN(energy) || math.IsInf(energy, 0) || hdd < th.ActivationMinHessian {
		return activationResult{outcome: keepImmature}
	}

	lambda := 0.1
	for it := 0; it < th.ActivationGNIterations; it++ {
		step := bd / (hdd * (1 + lambda))
		newIdepth := idepth - step
		newEnergy, newHdd, newBd := m.linearizeDepth(p, residuals, pairs, newIdepth)
		if math.IsNaN(newEnergy) || math.IsInf(newEnergy, 0) || newHdd < th.ActivationMinHessian {
			return activationResult{outcome: keepImmature}
		}
		if newEnergy < energy {
			idepth, energy, hdd, bd = newIdepth, newEnergy, newHdd, newBd
			lambda *= 0.5
		} else {
			lambda *= 5
		}
		if math.Abs(step) < 1e-4*idepth {
			break
		}
	}
	if math.IsNaN(idepth) || math.IsInf(idepth, 0) || !(idepth > 0) {
		return activationResult{outcome: discarded}
	}

	// Leave every residual evaluated at the accepted inverse depth.
	_, hdd, _ = m.linearizeDepth(p, residuals, pairs, idepth)
	var good []*window.Residual
	for _, r := range residuals {
		if r.State == window.ResidualIn {
			good = append(good, r)
		}
	}
	if len(good) == 0 {
		return activationResult{outcome: discarded}
	}
	return activationResult{outcome: activated, idepth: idepth, hessian: hdd, residuals: good}
}

// linearizeDepth evaluates every residual of p at inverse depth idepth and returns the energy and
// the inverse depth normal equation. Residuals that are out of bounds or outliers count with the
// outlier energy.
func (m *Manager) linearizeDepth(p *window.Point, residuals []*window.Residual, pairs *pairCache,
	idepth float64,
) (energy, hdd, bd float64) {
	p.Idepth = idepth
	capped := float64(window.PatternSize) * m.eval.OutlierEnergy
	for _, r := range residuals {
		if r.Evaluate(m.calib, pairs.get(p.Host, r.Target), m.eval) != window.ResidualIn {
			energy += capped
			continue
		}
		energy += r.Energy
		for i := 0; i < window.PatternSize; i++ {
			j := r.Jac.Idepth[i]
			hdd += r.Jac.Weight[i] * j * j
			bd += r.Jac.Weight[i] * j * r.Jac.Res[i]
		}
	}
	return energy, hdd, bd
}

// pairCache holds the precalculated geometry of every ordered pair of resident keyframes. It is
// filled before any concurrent use and read-only afterwards.
type pairCache struct {
	pairs map[[2]*window.Keyframe]*window.PairPrecalc
}

func newPairCache(w *window.Window) *pairCache {
	c := &pairCache{pairs: make(map[[2]*window.Keyframe]*window.PairPrecalc, w.Len()*w.Len())}
	for _, host := range w.Keyframes() {
		for _, target := range w.Keyframes() {
			if host != target {
				c.pairs[[2]*window.Keyframe{host, target}] = window.NewPairPrecalc(host, target)
			}
		}
	}
	return c
}

func (c *pairCache) get(host, target *window.Keyframe) *window.PairPrecalc {
	return c.pairs[[2]*window.Keyframe{host, target}]
}

func pointRay(p *window.Point) r3.Vector {
	return r3.Vector{X: p.U, Y: p.V, Z: 1}
}

// distanceMap holds, for every pixel of a half resolution image, the chessboard distance to the
// closest seed.
type distanceMap struct {
	width, height int
	dist          []int32
	queue         []int
}

const farAway = 1000

func newDistanceMap(width, height int) *distanceMap {
	dm := &distanceMap{width: width, height: height, dist: make([]int32, width*height)}
	for i := range dm.dist {
		dm.dist[i] = farAway
	}
	return dm
}

func (dm *distanceMap) seed(x, y int) {
	i := y*dm.width + x
	if dm.dist[i] != 0 {
		dm.dist[i] = 0
		dm.queue = append(dm.queue, i)
	}
}

// grow propagates the queued seeds breadth first.
func (dm *distanceMap) grow() {
	for len(dm.queue) > 0 {
		i := dm.queue[0]
		dm.queue = dm.queue[1:]
		x, y := i%dm.width, i/dm.width
		next := dm.dist[i] + 1
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				nx, ny := x+dx, y+dy
				if (dx == 0 && dy == 0) || nx < 0 || ny < 0 || nx >= dm.width || ny >= dm.height {
					continue
				}
				j := ny*dm.width + nx
				if dm.dist[j] > next {
					dm.dist[j] = next
					dm.queue = append(dm.queue, j)
				}
			}
		}
	}
}

// add seeds a single pixel and updates the distances around it.
func (dm *distanceMap) add(x, y int) {
	dm.seed(x, y)
	dm.grow()
}

func (dm *distanceMap) at(x, y int) int32 {
	return dm.dist[y*dm.width+x]
}
