// Package tracker aligns incoming frames against the newest keyframe by direct image alignment
// on a coarse-to-fine pyramid.
package tracker

import (
	"math"

	"go.viam.com/dso/rimage"
	"go.viam.com/dso/rimage/transform"
	"go.viam.com/dso/spatialmath"
	"go.viam.com/dso/vision/odometry/window"
)

// refPoint is a pixel of a reference pyramid level with a known inverse depth.
type refPoint struct {
	u, v   float64
	idepth float64
	color  float64
}

// Reference is an immutable snapshot of the newest keyframe and of the inverse depths of the
// window's active points projected into it. It is published by mapping and read by tracking.
type Reference struct {
	KFID     int
	FrameID  int
	Pose     spatialmath.SE3
	Affine   transform.AffLight
	Exposure float64
	Pyramid  *rimage.Pyramid

	levels [][]refPoint
}

// NumPoints returns the number of reference points on pyramid level lvl.
func (r *Reference) NumPoints(lvl int) int {
	if lvl >= len(r.levels) {
		return 0
	}
	return len(r.levels[lvl])
}

// NewReference builds a reference from the newest keyframe of w. Every active point of the
// window is projected into it; points landing on the same pixel are averaged with weights
// growing with their inverse depth hessian. Coarser levels sum 2x2 cells of the level below.
// It returns nil when the window is empty.
func NewReference(w *window.Window, calib *transform.Calibration) *Reference {
	ref := w.Newest()
	if ref == nil {
		return nil
	}
	pyr := ref.Pyramid
	l0 := pyr.Level(0)
	cam := calib.Level(0)
	sumID := make([]float64, l0.Width*l0.Height)
	sumW := make([]float64, l0.Width*l0.Height)

	refFromWorld := ref.Pose
	for _, host := range w.Keyframes() {
		rel := refFromWorld.Compose(host.Pose.Inverse())
		rot, t := rel.RotationMatrix(), rel.Translation()
		for _, p := range host.ActivePoints() {
			if !(p.Idepth > 0) {
				continue
			}
			u, v, idepth := p.U, p.V, p.Idepth
			if host != ref {
				q := rot.MulVec(cam.Ray(p.U, p.V)).Add(t.Mul(p.Idepth))
				var ok bool
				if u, v, ok = cam.Project(q); !ok {
					continue
				}
				idepth = p.Idepth / q.Z
			}
			x, y := int(math.Round(u)), int(math.Round(v))
			if x < 0 || y < 0 || x >= l0.Width || y >= l0.Height || !(idepth > 0) {
				continue
			}
			weight := 1.0
			if p.IdepthHessian > 0 {
				weight = math.Sqrt(p.IdepthHessian)
			}
			i := l0.Idx(x, y)
			sumID[i] += weight * idepth
			sumW[i] += weight
		}
	}

	out := &Reference{
		KFID:     ref.KFID,
		FrameID:  ref.ID,
		Pose:     ref.Pose,
		Affine:   ref.Affine,
		Exposure: ref.Exposure,
		Pyramid:  pyr,
		levels:   make([][]refPoint, pyr.NumLevels()),
	}
	width := l0.Width
	for lvl := 0; lvl < pyr.NumLevels(); lvl++ {
		lv := pyr.Level(lvl)
		if lvl > 0 {
			sumID, sumW = halve(sumID, sumW, width, lv.Width, lv.Height)
			width = lv.Width
		}
		var pts []refPoint
		for y := 0; y < lv.Height; y++ {
			for x := 0; x < lv.Width; x++ {
				i := lv.Idx(x, y)
				if sumW[i] <= 0 {
					continue
				}
				pts = append(pts, refPoint{
					u:      float64(x),
					v:      float64(y),
					idepth: sumID[i] / sumW[i],
					color:  float64(lv.Intensity[i]),
				})
			}
		}
		out.levels[lvl] = pts
	}
	return out
}

// halve sums 2x2 cells of a weighted accumulation.
func halve(sumID, sumW []float64, srcWidth, w, h int) ([]float64, []float64) {
	outID := make([]float64, w*h)
	outW := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			o := y*w + x
			for _, d := range [4][2]int{{0, 0}, {1, 0}, {0, 1}, {1, 1}} {
				s := (2*y+d[1])*srcWidth + 2*x + d[0]
				outID[o] += sumID[s]
				outW[o] += sumW[s]
			}
		}
	}
	return outID, outW
}
