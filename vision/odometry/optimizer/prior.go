package optimizer

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/dso/rimage/transform"
	"go.viam.com/dso/spatialmath"
	"go.viam.com/dso/vision/odometry/window"
)

// ParamsPerFrame is the number of parameters of a keyframe: a left perturbation of its pose in
// (υ, ω) order followed by the brightness parameters a and b.
const ParamsPerFrame = 8

// Prior is the information form of everything marginalized out of the window. It is a quadratic
// in the parameters of the resident keyframes, linearized at a stored state:
//
//	E(x) = Δᵀ·H·Δ + 2·bᵀ·Δ, Δ = x ⊟ x0
//
// Frames are kept in the same order as the window.
type Prior struct {
	frames []*window.Keyframe
	x0Pose []spatialmath.SE3
	x0Aff  []transform.AffLight
	h      []float64
	b      []float64

	information float64
}

// NewPrior returns an empty prior.
func NewPrior() *Prior {
	return &Prior{}
}

// Size returns the number of frames the prior spans.
func (p *Prior) Size() int {
	return len(p.frames)
}

func (p *Prior) dim() int {
	return ParamsPerFrame * len(p.frames)
}

// Information is the accumulated trace of every block folded into the prior. It never decreases.
func (p *Prior) Information() float64 {
	return p.information
}

// Hessian returns a copy of the current information matrix.
func (p *Prior) Hessian() *mat.SymDense {
	n := p.dim()
	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			out.SetSym(i, j, p.h[i*n+j])
		}
	}
	return out
}

// AddFrame appends kf with no information, linearized at its current state.
func (p *Prior) AddFrame(kf *window.Keyframe) {
	oldN := p.dim()
	p.frames = append(p.frames, kf)
	p.x0Pose = append(p.x0Pose, kf.Pose)
	p.x0Aff = append(p.x0Aff, kf.Affine)
	n := p.dim()
	h := make([]float64, n*n)
	for i := 0; i < oldN; i++ {
		copy(h[i*n:i*n+oldN], p.h[i*oldN:(i+1)*oldN])
	}
	p.h = h
	p.b = append(p.b, make([]float64, ParamsPerFrame)...)
}

// delta returns x ⊟ x0 for frame i.
func (p *Prior) delta(i int) [ParamsPerFrame]float64 {
	kf := p.frames[i]
	var d [ParamsPerFrame]float64
	xi := kf.Pose.Compose(p.x0Pose[i].Inverse()).Log()
	copy(d[:6], xi[:])
	d[6] = kf.Affine.A - p.x0Aff[i].A
	d[7] = kf.Affine.B - p.x0Aff[i].B
	return d
}

func (p *Prior) deltas() []float64 {
	out := make([]float64, 0, p.dim())
	for i := range p.frames {
		d := p.delta(i)
		out = append(out, d[:]...)
	}
	return out
}

// addTo adds the prior's hessian and gradient at the current state to a system of the same
// dimension and returns the prior energy.
func (p *Prior) addTo(h, b []float64) float64 {
	n := p.dim()
	d := p.deltas()
	energy := 0.0
	for i := 0; i < n; i++ {
		hd := 0.0
		row := p.h[i*n : (i+1)*n]
		for j, v := range row {
			h[i*n+j] += v
			hd += v * d[j]
		}
		b[i] += p.b[i] + hd
		energy += d[i] * (hd + 2*p.b[i])
	}
	return energy
}

// Relinearize moves the linearization point to the current state of every frame, keeping the
// quadratic unchanged up to a constant.
func (p *Prior) Relinearize() {
	n := p.dim()
	d := p.deltas()
	for i := 0; i < n; i++ {
		hd := 0.0
		for j := 0; j < n; j++ {
			hd += p.h[i*n+j] * d[j]
		}
		p.b[i] += hd
	}
	for i, kf := range p.frames {
		p.x0Pose[i] = kf.Pose
		p.x0Aff[i] = kf.Affine
	}
}

// AddInformation folds a hessian and gradient, linearized at the current state and laid out in
// window order, into the prior. The prior must have been relinearized first.
func (p *Prior) AddInformation(h, b []float64) error {
	n := p.dim()
	if len(h) != n*n || len(b) != n {
		return errors.Errorf("information of dimension %d does not match prior of dimension %d", len(b), n)
	}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			p.h[i*n+j] += h[i*n+j]
		}
		p.b[i] += b[i]
		p.information += h[i*n+i]
	}
	return nil
}

// MarginalizeFrame removes kf from the prior by Schur complement on its block. The block is
// inverted by Cholesky decomposition, or by SVD pseudo-inverse when it is not positive definite.
func (p *Prior) MarginalizeFrame(kf *window.Keyframe) error {
	idx := -1
	for i, f := range p.frames {
		if f == kf {
			idx = i
			break
		}
	}
	if idx < 0 {
		return errors.Errorf("keyframe %d is not part of the prior", kf.KFID)
	}
	n := p.dim()
	m := ParamsPerFrame
	r := n - m
	keep := make([]int, 0, r)
	for i := 0; i < n; i++ {
		if i/m != idx {
			keep = append(keep, i)
		}
	}

	hkk := mat.NewSymDense(m, nil)
	for i := 0; i < m; i++ {
		for j := i; j < m; j++ {
			hkk.SetSym(i, j, p.h[(idx*m+i)*n+idx*m+j])
		}
	}
	inv, err := invertBlock(hkk)
	if err != nil {
		return err
	}

	newH := make([]float64, r*r)
	newB := make([]float64, r)
	if r > 0 {
		hrk := mat.NewDense(r, m, nil)
		for i, gi := range keep {
			for j := 0; j < m; j++ {
				hrk.Set(i, j, p.h[gi*n+idx*m+j])
			}
		}
		bk := mat.NewVecDense(m, append([]float64(nil), p.b[idx*m:(idx+1)*m]...))

		var gain mat.Dense
		gain.Mul(hrk, inv)
		var corr mat.Dense
		corr.Mul(&gain, hrk.T())
		var bcorr mat.VecDense
		bcorr.MulVec(&gain, bk)

		for i, gi := range keep {
			for j, gj := range keep {
				newH[i*r+j] = p.h[gi*n+gj] - corr.At(i, j)
			}
			newB[i] = p.b[gi] - bcorr.AtVec(i)
		}
		for i := 0; i < r; i++ {
			for j := i + 1; j < r; j++ {
				avg := 0.5 * (newH[i*r+j] + newH[j*r+i])
				newH[i*r+j], newH[j*r+i] = avg, avg
			}
		}
	}

	p.h, p.b = newH, newB
	p.frames = append(p.frames[:idx], p.frames[idx+1:]...)
	p.x0Pose = append(p.x0Pose[:idx], p.x0Pose[idx+1:]...)
	p.x0Aff = append(p.x0Aff[:idx], p.x0Aff[idx+1:]...)
	return nil
}

// invertBlock inverts a symmetric block, falling back to the pseudo-inverse.
func invertBlock(a *mat.SymDense) (mat.Matrix, error) {
	var chol mat.Cholesky
	if chol.Factorize(a) {
		var inv mat.SymDense
		if err := chol.InverseTo(&inv); err == nil {
			return &inv, nil
		}
	}
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return nil, errors.Wrap(ErrIllConditioned, "marginalization block could not be factorized")
	}
	values := svd.Values(nil)
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	m, _ := a.Dims()
	tol := 1e-12
	if len(values) > 0 {
		tol *= values[0] * float64(m)
	}
	sinv := mat.NewDiagDense(len(values), nil)
	for i, s := range values {
		if s > tol {
			sinv.SetDiag(i, 1/s)
		}
	}
	var tmp, inv mat.Dense
	tmp.Mul(&v, sinv)
	inv.Mul(&tmp, u.T())
	return &inv, nil
}
