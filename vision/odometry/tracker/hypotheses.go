package tracker

import (
	"go.viam.com/dso/spatialmath"
)

// rotationPerturbation is the magnitude of the small rotations tried around the constant
// velocity guess.
const rotationPerturbation = 0.02

// MotionHypotheses returns the world-to-camera poses to try for a new frame, most likely first:
// constant velocity, double and half velocity, no motion from the last frame, the reference pose
// and small rotations around the constant velocity guess. prev is the pose of the frame before
// last; without it only the last and reference poses are returned.
func MotionHypotheses(last, prev *spatialmath.SE3, ref spatialmath.SE3) []spatialmath.SE3 {
	if last == nil {
		return []spatialmath.SE3{ref}
	}
	if prev == nil {
		return []spatialmath.SE3{*last, ref}
	}
	motion := last.Compose(prev.Inverse())
	constVel := motion.Compose(*last)
	hyps := []spatialmath.SE3{
		constVel,
		motion.Compose(motion).Compose(*last),
		spatialmath.ExpSE3(motion.Log().Scale(0.5)).Compose(*last),
		*last,
		ref,
	}
	d := rotationPerturbation
	var rots [][3]float64
	for axis := 0; axis < 3; axis++ {
		for _, s := range []float64{d, -d} {
			var r [3]float64
			r[axis] = s
			rots = append(rots, r)
		}
	}
	for a := 0; a < 3; a++ {
		for b := a + 1; b < 3; b++ {
			for _, sa := range []float64{d, -d} {
				for _, sb := range []float64{d, -d} {
					var r [3]float64
					r[a], r[b] = sa, sb
					rots = append(rots, r)
				}
			}
		}
	}
	for _, r := range rots {
		hyps = append(hyps, spatialmath.ExpSE3(spatialmath.Tangent{0, 0, 0, r[0], r[1], r[2]}).Compose(constVel))
	}
	return hyps
}
