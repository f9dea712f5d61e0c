// Package spatialmath defines the rigid body transforms used by the odometry engine.
package spatialmath

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// small angles below this use series expansions.
const smallAngle = 1e-10

// Tangent is an element of se(3) ordered as (υ, ω): translation part first, then rotation.
type Tangent [6]float64

// Upsilon returns the translational part.
func (t Tangent) Upsilon() r3.Vector {
	return r3.Vector{X: t[0], Y: t[1], Z: t[2]}
}

// Omega returns the rotational part.
func (t Tangent) Omega() r3.Vector {
	return r3.Vector{X: t[3], Y: t[4], Z: t[5]}
}

// NewTangent assembles a tangent vector from its two halves.
func NewTangent(upsilon, omega r3.Vector) Tangent {
	return Tangent{upsilon.X, upsilon.Y, upsilon.Z, omega.X, omega.Y, omega.Z}
}

// Scale returns s*t.
func (t Tangent) Scale(s float64) Tangent {
	for i := range t {
		t[i] *= s
	}
	return t
}

// SE3 is a rigid transform x -> R*x + t. Poses of frames are stored world-to-camera.
type SE3 struct {
	rot   quat.Number
	trans r3.Vector
}

// NewSE3 builds a transform from a rotation quaternion and a translation. The quaternion is
// normalized; a zero quaternion is treated as identity.
func NewSE3(rot quat.Number, trans r3.Vector) SE3 {
	n := quat.Abs(rot)
	if n == 0 {
		rot = quat.Number{Real: 1}
	} else {
		rot = quat.Scale(1/n, rot)
	}
	return SE3{rot: rot, trans: trans}
}

// IdentitySE3 returns the identity transform.
func IdentitySE3() SE3 {
	return SE3{rot: quat.Number{Real: 1}}
}

// Rotation returns the rotation quaternion.
func (p SE3) Rotation() quat.Number {
	return p.rot
}

// RotationMatrix returns the rotation as a 3x3 matrix.
func (p SE3) RotationMatrix() Mat3 {
	return QuatToMat3(p.rot)
}

// Translation returns the translation.
func (p SE3) Translation() r3.Vector {
	return p.trans
}

// Apply transforms a point.
func (p SE3) Apply(x r3.Vector) r3.Vector {
	return p.RotationMatrix().MulVec(x).Add(p.trans)
}

// Compose returns p*o, the transform that applies o first and then p.
func (p SE3) Compose(o SE3) SE3 {
	return NewSE3(quat.Mul(p.rot, o.rot), p.RotationMatrix().MulVec(o.trans).Add(p.trans))
}

// Inverse returns the inverse transform.
func (p SE3) Inverse() SE3 {
	inv := quat.Conj(p.rot)
	return SE3{rot: inv, trans: QuatToMat3(inv).MulVec(p.trans).Mul(-1)}
}

// Center returns the position of the transform's origin expressed in the source frame. For a
// world-to-camera pose this is the camera center in world coordinates.
func (p SE3) Center() r3.Vector {
	return p.Inverse().trans
}

// ExpSE3 maps a tangent vector to a transform.
func ExpSE3(xi Tangent) SE3 {
	omega := xi.Omega()
	theta := omega.Norm()
	var rot quat.Number
	var v Mat3
	wx := Skew(omega)
	wx2 := wx.Mul(wx)
	if theta < smallAngle {
		rot = quat.Number{Real: 1, Imag: omega.X / 2, Jmag: omega.Y / 2, Kmag: omega.Z / 2}
		v = Identity3().Add(wx.Scale(0.5))
	} else {
		s := math.Sin(theta/2) / theta
		rot = quat.Number{Real: math.Cos(theta / 2), Imag: s * omega.X, Jmag: s * omega.Y, Kmag: s * omega.Z}
		theta2 := theta * theta
		v = Identity3().
			Add(wx.Scale((1 - math.Cos(theta)) / theta2)).
			Add(wx2.Scale((theta - math.Sin(theta)) / (theta2 * theta)))
	}
	return NewSE3(rot, v.MulVec(xi.Upsilon()))
}

// Log maps a transform to its tangent vector.
func (p SE3) Log() Tangent {
	q := p.rot
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	imag := r3.Vector{X: q.Imag, Y: q.Jmag, Z: q.Kmag}
	n := imag.Norm()
	var omega r3.Vector
	if n < smallAngle {
		omega = imag.Mul(2 / q.Real)
	} else {
		theta := 2 * math.Atan2(n, q.Real)
		omega = imag.Mul(theta / n)
	}
	theta := omega.Norm()
	wx := Skew(omega)
	wx2 := wx.Mul(wx)
	var coef float64
	if theta < 1e-5 {
		coef = 1.0 / 12
	} else {
		coef = (1 - theta*math.Sin(theta)/(2*(1-math.Cos(theta)))) / (theta * theta)
	}
	vInv := Identity3().Add(wx.Scale(-0.5)).Add(wx2.Scale(coef))
	return NewTangent(vInv.MulVec(p.trans), omega)
}

// Adjoint returns the 6x6 adjoint [[R, [t]×R], [0, R]] for the (υ, ω) tangent order, so that
// p*Exp(x) = Exp(Adj*x)*p.
func (p SE3) Adjoint() *mat.Dense {
	r := p.RotationMatrix()
	tr := Skew(p.trans).Mul(r)
	adj := mat.NewDense(6, 6, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			adj.Set(i, j, r.At(i, j))
			adj.Set(i, j+3, tr.At(i, j))
			adj.Set(i+3, j+3, r.At(i, j))
		}
	}
	return adj
}

// RotationAngle returns the magnitude of the rotation in radians.
func (p SE3) RotationAngle() float64 {
	return p.Log().Omega().Norm()
}

// AlmostEqual compares two transforms with a tolerance on translation and rotation angle.
func AlmostEqual(a, b SE3, tol float64) bool {
	d := a.Inverse().Compose(b)
	return d.trans.Norm() <= tol && d.RotationAngle() <= tol
}

// String implements fmt.Stringer.
func (p SE3) String() string {
	return fmt.Sprintf("SE3{q:(%.4f %.4f %.4f %.4f) t:(%.4f %.4f %.4f)}",
		p.rot.Real, p.rot.Imag, p.rot.Jmag, p.rot.Kmag, p.trans.X, p.trans.Y, p.trans.Z)
}
