package transform

import "math"

// AffLight is an affine brightness model. A is the log gain and B the offset, so a frame's
// irradiance relates to another's as I = exp(A)·I' + B.
type AffLight struct {
	A, B float64
}

// FromToExposure returns the multiplicative and additive brightness transfer (a, b) mapping
// intensities of frame "from" into frame "to": I_to ≈ a·I_from + b. A zero exposure is treated
// as 1 on both sides.
func FromToExposure(exposureFrom, exposureTo float64, from, to AffLight) (a, b float64) {
	if exposureFrom == 0 || exposureTo == 0 {
		exposureFrom, exposureTo = 1, 1
	}
	a = math.Exp(to.A-from.A) * exposureTo / exposureFrom
	b = to.B - a*from.B
	return a, b
}

// Gain returns exp(A).
func (al AffLight) Gain() float64 {
	return math.Exp(al.A)
}
