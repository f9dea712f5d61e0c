// Package window holds the data model shared by the odometry components: frames, keyframes,
// points and residuals, and the bounded sliding window of keyframes.
package window

import (
	"go.viam.com/dso/rimage"
	"go.viam.com/dso/rimage/transform"
	"go.viam.com/dso/spatialmath"
)

// Frame is an undistorted image pyramid with its acquisition metadata. It is never mutated after
// creation.
type Frame struct {
	// ID is the index of the frame in the incoming stream.
	ID        int
	Timestamp float64
	Exposure  float64
	Pyramid   *rimage.Pyramid
}

// NewFrame wraps a pyramid.
func NewFrame(id int, timestamp, exposure float64, pyr *rimage.Pyramid) *Frame {
	return &Frame{ID: id, Timestamp: timestamp, Exposure: exposure, Pyramid: pyr}
}

// Keyframe is a frame retained in the window with an optimized pose and brightness.
type Keyframe struct {
	*Frame

	// KFID increases by one for every keyframe ever created in a session.
	KFID int
	// Pose is the world-to-camera transform.
	Pose   spatialmath.SE3
	Affine transform.AffLight

	// Points are the immature and active points hosted by this keyframe.
	Points []*Point
	// Marginalized are hosted points whose depth has been folded into the prior.
	Marginalized []*Point
	// NumOutliers counts hosted points dropped as outliers.
	NumOutliers int

	// FlaggedForMarginalization is set by the optimizer when the frame should leave the window.
	FlaggedForMarginalization bool

	// index is the position of the keyframe in the window, maintained by Window.
	index int

	// LM state backup.
	poseBackup   spatialmath.SE3
	affineBackup transform.AffLight
}

// NewKeyframe promotes a frame to a keyframe.
func NewKeyframe(frame *Frame, kfID int, pose spatialmath.SE3, affine transform.AffLight) *Keyframe {
	return &Keyframe{Frame: frame, KFID: kfID, Pose: pose, Affine: affine, index: -1}
}

// Index returns the position of the keyframe in its window, or -1 when not resident.
func (kf *Keyframe) Index() int {
	return kf.index
}

// Resident reports whether the keyframe is in a window.
func (kf *Keyframe) Resident() bool {
	return kf.index >= 0
}

// Backup saves the pose and brightness so a rejected step can be undone.
func (kf *Keyframe) Backup() {
	kf.poseBackup = kf.Pose
	kf.affineBackup = kf.Affine
}

// Restore reverts to the last backup.
func (kf *Keyframe) Restore() {
	kf.Pose = kf.poseBackup
	kf.Affine = kf.affineBackup
}

// ActivePoints returns hosted points in the Active state.
func (kf *Keyframe) ActivePoints() []*Point {
	var out []*Point
	for _, p := range kf.Points {
		if p.State == Active {
			out = append(out, p)
		}
	}
	return out
}

// ImmaturePoints returns hosted points in the Immature state.
func (kf *Keyframe) ImmaturePoints() []*Point {
	var out []*Point
	for _, p := range kf.Points {
		if p.State == Immature {
			out = append(out, p)
		}
	}
	return out
}

// Compact drops hosted points that became outliers or were marginalized from Points, keeping
// the marginalized ones in Marginalized and counting outliers.
func (kf *Keyframe) Compact() {
	kept := kf.Points[:0]
	for _, p := range kf.Points {
		switch p.State {
		case Immature, Active:
			kept = append(kept, p)
		case Marginalized:
			kf.Marginalized = append(kf.Marginalized, p)
		case Outlier:
			kf.NumOutliers++
		}
	}
	for i := len(kept); i < len(kf.Points); i++ {
		kf.Points[i] = nil
	}
	kf.Points = kept
}

// InlierRatio is the fraction of all points ever hosted that are still immature or active.
func (kf *Keyframe) InlierRatio() float64 {
	in := len(kf.Points)
	total := in + len(kf.Marginalized) + kf.NumOutliers
	if total == 0 {
		return 1
	}
	return float64(in) / float64(total)
}

// Release drops the image pyramid and hosted points of an evicted keyframe. The pose and
// brightness stay available for the trajectory.
func (kf *Keyframe) Release() {
	kf.Frame = &Frame{ID: kf.ID, Timestamp: kf.Timestamp, Exposure: kf.Exposure}
	for _, p := range kf.Points {
		p.Residuals = nil
	}
	kf.Points = nil
}
