package spatialmath

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
)

func TestExpLogRoundTrip(t *testing.T) {
	for _, xi := range []Tangent{
		{},
		{0.1, -0.2, 0.3, 0, 0, 0},
		{0.5, 0.1, -0.4, 0.2, -0.1, 0.3},
		{0, 0, 1, 1e-12, 0, 0},
		{1, 2, 3, 0, math.Pi - 0.1, 0},
	} {
		back := ExpSE3(xi).Log()
		for i := range xi {
			test.That(t, back[i], test.ShouldAlmostEqual, xi[i], 1e-9)
		}
	}
}

func TestComposeInverse(t *testing.T) {
	p := ExpSE3(Tangent{0.3, -0.1, 0.2, 0.1, 0.4, -0.2})
	id := p.Compose(p.Inverse())
	test.That(t, AlmostEqual(id, IdentitySE3(), 1e-12), test.ShouldBeTrue)

	x := r3.Vector{X: 1, Y: 2, Z: 3}
	back := p.Inverse().Apply(p.Apply(x))
	test.That(t, back.Sub(x).Norm(), test.ShouldBeLessThan, 1e-12)

	q := ExpSE3(Tangent{-0.2, 0.5, 0.1, 0.3, 0, 0.1})
	test.That(t, p.Compose(q).Apply(x).Sub(p.Apply(q.Apply(x))).Norm(), test.ShouldBeLessThan, 1e-12)
}

func TestCenter(t *testing.T) {
	// A camera at (1, 0, 0) looking down +z has world-to-camera translation (-1, 0, 0).
	p := NewSE3(IdentitySE3().Rotation(), r3.Vector{X: -1})
	test.That(t, p.Center().X, test.ShouldAlmostEqual, 1)
}

func TestAdjoint(t *testing.T) {
	p := ExpSE3(Tangent{0.3, -0.1, 0.2, 0.1, 0.4, -0.2})
	x := Tangent{0.01, 0.02, -0.01, 0.005, -0.01, 0.02}

	lhs := p.Compose(ExpSE3(x))

	var ax mat.VecDense
	ax.MulVec(p.Adjoint(), mat.NewVecDense(6, x[:]))
	var xa Tangent
	for i := range xa {
		xa[i] = ax.AtVec(i)
	}
	rhs := ExpSE3(xa).Compose(p)
	test.That(t, AlmostEqual(lhs, rhs, 1e-10), test.ShouldBeTrue)
}

func TestSkew(t *testing.T) {
	a := r3.Vector{X: 1, Y: -2, Z: 0.5}
	b := r3.Vector{X: 0.3, Y: 4, Z: -1}
	test.That(t, Skew(a).MulVec(b).Sub(a.Cross(b)).Norm(), test.ShouldBeLessThan, 1e-12)

	r := ExpSE3(Tangent{0, 0, 0, 0.2, 0.3, -0.4}).RotationMatrix()
	should := r.Mul(r.Transpose())
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			want := 0.0
			if i == j {
				want = 1
			}
			test.That(t, should.At(i, j), test.ShouldAlmostEqual, want, 1e-12)
		}
	}
}
