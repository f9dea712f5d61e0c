package optimizer

import (
	"context"
	"sync"

	"go.viam.com/dso/utils"
	"go.viam.com/dso/vision/odometry/window"
)

// pairGeometry is the precomputed relation between a host and a target keyframe. hostAdj is
// -Adj(T_th), row-major, which maps the derivative with respect to the relative pose to the
// derivative with respect to the host pose.
type pairGeometry struct {
	pre     *window.PairPrecalc
	hostAdj [36]float64
}

type pairTable map[[2]*window.Keyframe]*pairGeometry

func newPairTable(kfs []*window.Keyframe) pairTable {
	t := make(pairTable, len(kfs)*len(kfs))
	for _, host := range kfs {
		for _, target := range kfs {
			if host == target {
				continue
			}
			pre := window.NewPairPrecalc(host, target)
			adj := pre.HostToTarget.Adjoint()
			g := &pairGeometry{pre: pre}
			for r := 0; r < 6; r++ {
				for c := 0; c < 6; c++ {
					g.hostAdj[r*6+c] = -adj.At(r, c)
				}
			}
			t[[2]*window.Keyframe{host, target}] = g
		}
	}
	return t
}

// pointBlock is what back substitution needs of an eliminated point.
type pointBlock struct {
	point *window.Point
	hxr   []float64
	hrr   float64
	br    float64
	// eliminated is false when the point carried too little depth information to be updated.
	eliminated bool
}

// system is the normal equation over the keyframe parameters of the window, with inverse depths
// eliminated by Schur complement.
type system struct {
	n      int
	h      []float64
	b      []float64
	points []pointBlock

	// resEnergy is the photometric energy, priorEnergy the energy of every prior term.
	resEnergy   float64
	priorEnergy float64
	numIn       int
}

func newSystem(n int) *system {
	return &system{n: n, h: make([]float64, n*n), b: make([]float64, n)}
}

func (s *system) energy() float64 {
	return s.resEnergy + s.priorEnergy
}

func (s *system) merge(o *system) {
	for i, v := range o.h {
		s.h[i] += v
	}
	for i, v := range o.b {
		s.b[i] += v
	}
	s.resEnergy += o.resEnergy
	s.priorEnergy += o.priorEnergy
	s.numIn += o.numIn
}

// linearizePoints evaluates every residual of points at the current state and accumulates the
// point-eliminated normal equation over the resident keyframes.
func (o *Optimizer) linearizePoints(ctx context.Context, points []*window.Point) (*system, error) {
	kfs := o.w.Keyframes()
	n := ParamsPerFrame * len(kfs)
	pairs := newPairTable(kfs)
	sys := newSystem(n)
	sys.points = make([]pointBlock, len(points))

	if !o.cfg.MultiThreading || len(points) < 64 {
		for i, p := range points {
			sys.points[i] = o.linearizePoint(p, pairs, sys)
		}
		return sys, nil
	}

	var mu sync.Mutex
	err := utils.GroupWorkParallel(
		ctx,
		len(points),
		func(group, from, to int) (utils.ItemWorkFunc, utils.GroupDoneFunc) {
			local := newSystem(n)
			return func(i int) {
					sys.points[i] = o.linearizePoint(points[i], pairs, local)
				}, func() {
					mu.Lock()
					defer mu.Unlock()
					sys.merge(local)
				}
		},
	)
	if err != nil {
		return nil, err
	}
	return sys, nil
}

// linearizePoint evaluates the residuals of p, adds their contribution with the point's inverse
// depth eliminated to acc, and returns what back substitution needs.
func (o *Optimizer) linearizePoint(p *window.Point, pairs pairTable, acc *system) pointBlock {
	n := acc.n
	blk := pointBlock{point: p, hxr: make([]float64, n)}
	capped := float64(window.PatternSize) * o.eval.OutlierEnergy
	touched := make([]int, 0, 2*ParamsPerFrame*len(p.Residuals))
	seen := make(map[int]bool, len(p.Residuals)+1)
	mark := func(frame int) {
		if !seen[frame] {
			seen[frame] = true
			for k := 0; k < ParamsPerFrame; k++ {
				touched = append(touched, frame*ParamsPerFrame+k)
			}
		}
	}

	var j [2 * ParamsPerFrame]float64
	var idx [2 * ParamsPerFrame]int
	for _, r := range p.Residuals {
		g := pairs[[2]*window.Keyframe{p.Host, r.Target}]
		if g == nil {
			continue
		}
		if r.Evaluate(o.calib, g.pre, o.eval) != window.ResidualIn {
			acc.resEnergy += capped
			continue
		}
		acc.resEnergy += r.Energy
		acc.numIn++
		hi, ti := p.Host.Index(), r.Target.Index()
		mark(hi)
		mark(ti)
		for k := 0; k < ParamsPerFrame; k++ {
			idx[k] = hi*ParamsPerFrame + k
			idx[ParamsPerFrame+k] = ti*ParamsPerFrame + k
		}
		for k := 0; k < window.PatternSize; k++ {
			rel := &r.Jac.Rel[k]
			for c := 0; c < 6; c++ {
				v := 0.0
				for m := 0; m < 6; m++ {
					v += rel[m] * g.hostAdj[m*6+c]
				}
				j[c] = v
				j[ParamsPerFrame+c] = rel[c]
			}
			j[6] = r.Jac.Aff[k][window.AffHostA]
			j[7] = r.Jac.Aff[k][window.AffHostB]
			j[ParamsPerFrame+6] = r.Jac.Aff[k][window.AffTargetA]
			j[ParamsPerFrame+7] = r.Jac.Aff[k][window.AffTargetB]

			w := r.Jac.Weight[k]
			res := r.Jac.Res[k]
			jr := r.Jac.Idepth[k]
			for a := range j {
				wa := w * j[a]
				ia := idx[a]
				acc.b[ia] += wa * res
				blk.hxr[ia] += wa * jr
				row := acc.h[ia*n:]
				for c := range j {
					row[idx[c]] += wa * j[c]
				}
			}
			blk.hrr += w * jr * jr
			blk.br += w * jr * res
		}
	}

	if p.HasDepthPrior && o.cfg.Thresholds.IdepthFixPrior > 0 {
		d := p.Idepth - p.IdepthPrior
		blk.hrr += o.cfg.Thresholds.IdepthFixPrior
		blk.br += o.cfg.Thresholds.IdepthFixPrior * d
		acc.priorEnergy += o.cfg.Thresholds.IdepthFixPrior * d * d
	}

	if blk.hrr < o.cfg.Thresholds.MinPointIdepthHessian || len(touched) == 0 {
		return blk
	}
	blk.eliminated = true
	inv := 1 / blk.hrr
	for _, a := range touched {
		ha := blk.hxr[a] * inv
		if ha == 0 {
			continue
		}
		acc.b[a] -= ha * blk.br
		row := acc.h[a*n:]
		for _, c := range touched {
			row[c] -= ha * blk.hxr[c]
		}
	}
	return blk
}
