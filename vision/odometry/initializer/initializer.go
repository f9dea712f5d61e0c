// Package initializer bootstraps a monocular session: it estimates the motion between the first
// frame and the following ones together with the inverse depth of points of the first frame,
// until the baseline is large enough to fix the scale of the map.
package initializer

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
	"go.viam.com/dso/utils"
	"go.viam.com/dso/vision/odometry/window"
	"go.viam.com/dso/vision/pixelselector"
)

// ErrInitFailed is returned when the session cannot be bootstrapped from the frames seen so far.
var ErrInitFailed = errors.New("initialization failed")

const (
	numParams = 8
	// numNeighbours is the size of the neighbourhood a point's depth is smoothed towards.
	numNeighbours = 10
	// neighbourWeight is the share of the neighbourhood in the smoothed depth.
	neighbourWeight = 0.8
	// minIdepth keeps inverse depths positive during the optimization.
	minIdepth = 1e-3
)

// iterations per pyramid level, finest first.
var levelIterations = []int{5, 5, 10, 30, 50, 50}

// Seed is a point of the first frame with its bootstrapped inverse depth.
type Seed struct {
	U, V    float64
	Idepth  float64
	Hessian float64
}

// Result is a successful bootstrap. The world frame is the camera of the first frame and the
// map is scaled to unit mean inverse depth.
type Result struct {
	First *window.Frame
	Seeds []Seed
	// Frame is the frame that completed the bootstrap; Pose is its world-to-camera transform.
	Frame  *window.Frame
	Pose   spatialmath.SE3
	Affine transform.AffLight
}

// Progress reports the state of the bootstrap after a frame.
type Progress struct {
	Done    bool
	Snapped bool
	// Pose is the estimated world-to-camera transform of the frame, not yet scaled.
	Pose   spatialmath.SE3
	Affine transform.AffLight
	RMSE   float64
}

type initPoint struct {
	u, v float64
	// colors holds the first frame intensities of the pattern on each level; valid marks the
	// levels the pattern fits in.
	colors [][window.PatternSize]float64
	valid  []bool

	idepth float64
	// iR is the depth the point is pulled towards once the scale is fixed: a blend of its own
	// and its neighbours' inverse depths.
	iR         float64
	hessian    float64
	good       bool
	neighbours []int
}

// Initializer holds the bootstrap state. It is used from a single goroutine.
type Initializer struct {
	cfg    *config.Config
	calib  *transform.Calibration
	logger logging.Logger

	first  *window.Frame
	points []*initPoint

	frames    int
	snapped   bool
	snappedAt int
	pose      spatialmath.SE3
	affine    transform.AffLight
	last      *window.Frame
}

// New returns an initializer waiting for its first frame.
func New(cfg *config.Config, calib *transform.Calibration, logger logging.Logger) *Initializer {
	return &Initializer{cfg: cfg, calib: calib, logger: logger, pose: spatialmath.IdentitySE3()}
}

// NumPoints returns the number of points selected on the first frame.
func (in *Initializer) NumPoints() int {
	return len(in.points)
}

// SetFirst selects points on the first frame. It fails with ErrInitFailed when the frame has too
// little texture.
func (in *Initializer) SetFirst(frame *window.Frame) error {
	sel := pixelselector.Select(frame.Pyramid, pixelselector.NewParams(in.cfg), in.cfg.PointDensity)
	levels := frame.Pyramid.NumLevels()
	in.first = frame
	in.points = nil
	in.frames = 0
	in.snapped = false
	in.pose = spatialmath.IdentitySE3()
	in.affine = transform.AffLight{}
	for y := 0; y < sel.Height; y++ {
		for x := 0; x < sel.Width; x++ {
			if !sel.Selected(x, y) {
				continue
			}
			p := &initPoint{
				u: float64(x), v: float64(y),
				colors: make([][window.PatternSize]float64, levels),
				valid:  make([]bool, levels),
				idepth: 1, iR: 1, good: true,
			}
			for lvl := 0; lvl < levels; lvl++ {
				p.valid[lvl] = samplePattern(frame, lvl, p.u, p.v, &p.colors[lvl])
			}
			if p.valid[0] {
				in.points = append(in.points, p)
			}
		}
	}
	if len(in.points) < in.cfg.Thresholds.InitMinPoints {
		return errors.Wrapf(ErrInitFailed, "only %d points on the first frame, need %d",
			len(in.points), in.cfg.Thresholds.InitMinPoints)
	}
	in.findNeighbours()
	in.logger.Debugw("initializer first frame", "frame", frame.ID, "points", len(in.points))
	return nil
}

// levelPixel maps a level 0 pixel to level lvl.
func levelPixel(u, v float64, lvl int) (float64, float64) {
	s := math.Ldexp(1, -lvl)
	return (u+0.5)*s - 0.5, (v+0.5)*s - 0.5
}

func samplePattern(frame *window.Frame, lvl int, u, v float64, out *[window.PatternSize]float64) bool {
	l := frame.Pyramid.Level(lvl)
	lu, lv := levelPixel(u, v, lvl)
	for i, off := range window.Pattern {
		x, y := lu+float64(off[0]), lv+float64(off[1])
		if !l.InBounds(x, y, 1) {
			return false
		}
		c, _, _, ok := l.Interpolate(x, y)
		if !ok || math.IsNaN(c) {
			return false
		}
		out[i] = c
	}
	return true
}

// findNeighbours links every point to its nearest points on the first frame.
func (in *Initializer) findNeighbours() {
	type cand struct {
		idx  int
		dist float64
	}
	for i, p := range in.points {
		best := make([]cand, 0, numNeighbours+1)
		for j, o := range in.points {
			if i == j {
				continue
			}
			d := (p.u-o.u)*(p.u-o.u) + (p.v-o.v)*(p.v-o.v)
			if len(best) == numNeighbours && d >= best[len(best)-1].dist {
				continue
			}
			k := len(best)
			best = append(best, cand{j, d})
			for k > 0 && best[k-1].dist > d {
				best[k] = best[k-1]
				k--
			}
			best[k] = cand{j, d}
			if len(best) > numNeighbours {
				best = best[:numNeighbours]
			}
		}
		p.neighbours = make([]int, len(best))
		for k, c := range best {
			p.neighbours[k] = c.idx
		}
	}
}

// pointLin is the linearization of one point's residuals.
type pointLin struct {
	used bool
	ok   bool
	hrr  float64
	br   float64
	hxr  [numParams]float64
}

type linearization struct {
	hxx       [numParams * numParams]float64
	bx        [numParams]float64
	points    []pointLin
	resEnergy float64
	regEnergy float64
	numGood   int
}

func (l *linearization) energy() float64 {
	return l.resEnergy + l.regEnergy
}

// linearize evaluates every point valid on level lvl against frame at the given estimate.
func (in *Initializer) linearize(
	frame *window.Frame,
	lvl int,
	pose spatialmath.SE3,
	aff transform.AffLight,
	idepth []float64,
) *linearization {
	th := &in.cfg.Thresholds
	cam := in.calib.Level(lvl)
	img := frame.Pyramid.Level(lvl)
	rot, t := pose.RotationMatrix(), pose.Translation()
	a, _ := transform.FromToExposure(in.first.Exposure, frame.Exposure, transform.AffLight{}, aff)
	fixedAffine := in.cfg.PhotometricMode == config.PhotometricFixed
	capped := float64(window.PatternSize) * th.OutlierEnergy

	lin := &linearization{points: make([]pointLin, len(in.points))}
	used := 0
	for i, p := range in.points {
		if !p.valid[lvl] {
			continue
		}
		used++
		pl := &lin.points[i]
		pl.used = true
		rho := idepth[i]
		lu, lv := levelPixel(p.u, p.v, lvl)

		var hxx [numParams * numParams]float64
		var bx, hxr [numParams]float64
		var hrr, br, energy float64
		ok := true
		for k, off := range window.Pattern {
			q := rot.MulVec(cam.Ray(lu+float64(off[0]), lv+float64(off[1]))).Add(t.Mul(rho))
			u, v, inFront := cam.Project(q)
			if !inFront || !img.InBounds(u, v, 1) {
				ok = false
				break
			}
			c, gx, gy, valid := img.Interpolate(u, v)
			if !valid || math.IsNaN(c) {
				ok = false
				break
			}
			r := c - a*p.colors[lvl][k] - aff.B
			hw := window.HuberWeight(r, th.HuberThreshold)
			energy += hw * r * r * (2 - hw)

			gu, gv := gx*cam.Fx, gy*cam.Fy
			iz := 1 / q.Z
			gq := [3]float64{gu * iz, gv * iz, -(gu*q.X + gv*q.Y) * iz * iz}
			var j [numParams]float64
			j[0], j[1], j[2] = rho*gq[0], rho*gq[1], rho*gq[2]
			j[3] = q.Y*gq[2] - q.Z*gq[1]
			j[4] = q.Z*gq[0] - q.X*gq[2]
			j[5] = q.X*gq[1] - q.Y*gq[0]
			if !fixedAffine {
				j[6] = -a * p.colors[lvl][k]
				j[7] = -1
			}
			jr := gq[0]*t.X + gq[1]*t.Y + gq[2]*t.Z
			for x := 0; x < numParams; x++ {
				wx := hw * j[x]
				bx[x] += wx * r
				hxr[x] += wx * jr
				for y := 0; y < numParams; y++ {
					hxx[x*numParams+y] += wx * j[y]
				}
			}
			hrr += hw * jr * jr
			br += hw * jr * r
		}
		if !ok || energy > capped {
			lin.resEnergy += capped
			continue
		}
		pl.ok = true
		lin.numGood++
		lin.resEnergy += energy
		for x := range hxx {
			lin.hxx[x] += hxx[x]
		}
		for x := range bx {
			lin.bx[x] += bx[x]
		}
		pl.hxr = hxr
		pl.hrr = hrr
		pl.br = br
	}

	// Before the scale is fixed, depths are held near 1 and translation is penalized; afterwards
	// depths are only coupled to their smoothed neighbourhood.
	for i, p := range in.points {
		pl := &lin.points[i]
		if !pl.used {
			continue
		}
		target, weight := 1.0, th.InitAlphaW
		if in.snapped {
			target, weight = p.iR, 1
		}
		d := idepth[i] - target
		pl.hrr += weight
		pl.br += weight * d
		lin.regEnergy += weight * d * d
	}
	if !in.snapped {
		wt := th.InitAlphaW * float64(used)
		for k, v := range []float64{t.X, t.Y, t.Z} {
			lin.hxx[k*numParams+k] += wt
			lin.bx[k] += wt * v
			lin.regEnergy += wt * v * v
		}
	}
	if fixedAffine {
		for _, k := range []int{6, 7} {
			lin.hxx[k*numParams+k] = 1
			lin.bx[k] = 0
		}
	}
	return lin
}

// solve returns the frame increment and the inverse depth increments of the damped system.
func (in *Initializer) solve(lin *linearization, lambda float64) ([]float64, []float64, error) {
	h := mat.NewSymDense(numParams, nil)
	b := make([]float64, numParams)
	for x := 0; x < numParams; x++ {
		b[x] = lin.bx[x]
		for y := x; y < numParams; y++ {
			v := lin.hxx[x*numParams+y]
			if x == y {
				v *= 1 + lambda
			}
			h.SetSym(x, y, v)
		}
	}
	for _, pl := range lin.points {
		if !pl.used || pl.hrr <= 0 {
			continue
		}
		inv := 1 / (pl.hrr * (1 + lambda))
		for x := 0; x < numParams; x++ {
			b[x] -= pl.hxr[x] * inv * pl.br
			for y := x; y < numParams; y++ {
				h.SetSym(x, y, h.At(x, y)-pl.hxr[x]*inv*pl.hxr[y])
			}
		}
	}
	var chol mat.Cholesky
	if !chol.Factorize(h) {
		return nil, nil, errors.New("bootstrap system is not positive definite")
	}
	rhs := mat.NewVecDense(numParams, nil)
	for i, v := range b {
		rhs.SetVec(i, -v)
	}
	var x mat.VecDense
	if err := chol.SolveVecTo(&x, rhs); err != nil {
		return nil, nil, err
	}
	inc := make([]float64, numParams)
	for i := range inc {
		inc[i] = x.AtVec(i)
	}
	dIdepth := make([]float64, len(lin.points))
	for i, pl := range lin.points {
		if !pl.used || pl.hrr <= 0 {
			continue
		}
		dIdepth[i] = -(pl.br + floats.Dot(pl.hxr[:], inc)) / (pl.hrr * (1 + lambda))
	}
	return inc, dIdepth, nil
}

// smoothDepths recomputes the neighbourhood targets of every point.
func (in *Initializer) smoothDepths(good []bool) {
	for _, p := range in.points {
		sum, n := 0.0, 0
		for _, j := range p.neighbours {
			if good[j] {
				sum += in.points[j].idepth
				n++
			}
		}
		if n == 0 {
			p.iR = p.idepth
			continue
		}
		p.iR = (1-neighbourWeight)*p.idepth + neighbourWeight*sum/float64(n)
	}
}

// AddFrame refines the bootstrap with a new frame. Progress.Done is set once the scale has been
// fixed and enough frames have followed; Result then returns the map. ErrInitFailed is returned
// when the frame budget is exhausted or the estimate diverged.
func (in *Initializer) AddFrame(ctx context.Context, frame *window.Frame) (Progress, error) {
	if in.first == nil {
		return Progress{}, errors.New("initializer has no first frame")
	}
	in.frames++
	th := &in.cfg.Thresholds

	idepth := make([]float64, len(in.points))
	for i, p := range in.points {
		idepth[i] = p.idepth
	}
	pose, aff := in.pose, in.affine
	var lin *linearization
	for lvl := frame.Pyramid.NumLevels() - 1; lvl >= 0; lvl-- {
		if err := ctx.Err(); err != nil {
			return Progress{}, err
		}
		lin = in.linearize(frame, lvl, pose, aff, idepth)
		lambda := 0.1
		iters := levelIterations[len(levelIterations)-1]
		if lvl < len(levelIterations) {
			iters = levelIterations[lvl]
		}
		for it := 0; it < iters; it++ {
			inc, dIdepth, err := in.solve(lin, lambda)
			if err != nil {
				lambda *= 4
				continue
			}
			newPose := spatialmath.ExpSE3(spatialmath.Tangent{inc[0], inc[1], inc[2], inc[3], inc[4], inc[5]}).Compose(pose)
			newAff := transform.AffLight{A: aff.A + inc[6], B: aff.B + inc[7]}
			newIdepth := make([]float64, len(idepth))
			for i := range idepth {
				newIdepth[i] = math.Max(idepth[i]+dIdepth[i], minIdepth)
			}
			next := in.linearize(frame, lvl, newPose, newAff, newIdepth)
			if next.energy() < lin.energy() {
				pose, aff, idepth, lin = newPose, newAff, newIdepth, next
				lambda = math.Max(lambda*0.5, 1e-4)
				if in.snapped {
					in.commitDepths(idepth, lin)
					in.smoothDepths(goodMask(lin))
					lin = in.linearize(frame, lvl, pose, aff, idepth)
				}
			} else {
				lambda *= 4
			}
			if floats.Norm(inc, 2)+floats.Norm(dIdepth, math.Inf(1)) < 1e-4 {
				break
			}
		}
		if !in.snapped {
			tr := pose.Translation()
			if tr.Norm2() > th.InitAlphaK/th.InitAlphaW {
				in.snapped = true
				in.snappedAt = in.frames
				in.logger.Debugw("initializer snapped", "frame", frame.ID, "translation", tr)
			}
		}
	}
	if !isFinite(pose, aff) {
		return Progress{}, errors.Wrap(ErrInitFailed, "bootstrap estimate diverged")
	}
	in.pose, in.affine, in.last = pose, aff, frame
	in.commitDepths(idepth, lin)
	in.smoothDepths(goodMask(lin))

	prog := Progress{Snapped: in.snapped, Pose: pose, Affine: aff}
	if lin.numGood > 0 {
		prog.RMSE = math.Sqrt(lin.resEnergy / float64(window.PatternSize*lin.numGood))
	}
	if in.snapped && in.frames > in.snappedAt+th.InitFramesAfterSnap {
		if lin.numGood < th.InitMinPoints {
			return prog, errors.Wrapf(ErrInitFailed, "only %d points survived the bootstrap", lin.numGood)
		}
		prog.Done = true
		return prog, nil
	}
	if in.frames >= th.InitMaxFrames {
		return prog, errors.Wrapf(ErrInitFailed, "no sufficient baseline after %d frames", in.frames)
	}
	return prog, nil
}

func goodMask(lin *linearization) []bool {
	good := make([]bool, len(lin.points))
	for i, pl := range lin.points {
		good[i] = pl.ok
	}
	return good
}

func (in *Initializer) commitDepths(idepth []float64, lin *linearization) {
	for i, p := range in.points {
		p.idepth = idepth[i]
		p.good = lin.points[i].ok
		p.hessian = lin.points[i].hrr
	}
}

func isFinite(pose spatialmath.SE3, aff transform.AffLight) bool {
	xi := pose.Log()
	vals := append(xi[:], aff.A, aff.B)
	for _, v := range vals {
		if !utils.IsFinite(v) {
			return false
		}
	}
	return true
}

// Result returns the bootstrapped map after AddFrame reported Done. Inverse depths are scaled to
// a mean of one and the translation of the last frame accordingly.
func (in *Initializer) Result() (*Result, error) {
	if in.last == nil {
		return nil, errors.New("initializer has not processed any frame")
	}
	sum, n := 0.0, 0
	for _, p := range in.points {
		if p.good && p.idepth > 0 {
			sum += p.idepth
			n++
		}
	}
	if n == 0 {
		return nil, errors.Wrap(ErrInitFailed, "no point has a valid depth")
	}
	scale := sum / float64(n)
	res := &Result{
		First:  in.first,
		Frame:  in.last,
		Pose:   spatialmath.NewSE3(in.pose.Rotation(), in.pose.Translation().Mul(scale)),
		Affine: in.affine,
	}
	for _, p := range in.points {
		if !p.good || p.idepth <= 0 {
			continue
		}
		res.Seeds = append(res.Seeds, Seed{
			U:       p.u,
			V:       p.v,
			Idepth:  p.idepth / scale,
			Hessian: p.hessian * scale * scale,
		})
	}
	return res, nil
}
