package odometry

import (
	"bufio"
	"fmt"
	"io"
	"sync"

	"github.com/pkg/errors"

	"go.viam.com/dso/spatialmath"
	"go.viam.com/dso/vision/odometry/window"
)

// frameShell is the trajectory record of one incoming frame. A tracked frame keeps its pose
// relative to the keyframe it was tracked against, so its world pose follows the later
// optimization of that keyframe. A frame promoted to keyframe follows its own optimized pose.
type frameShell struct {
	id        int
	timestamp float64
	tracked   bool
	// pose is the world-to-camera transform at the time of tracking.
	pose     spatialmath.SE3
	relToRef spatialmath.SE3
	refKFID  int
	// kfID is the keyframe id of the frame, or -1.
	kfID int
}

// Trajectory is the pose history of a session.
type Trajectory struct {
	mu        sync.Mutex
	shells    []*frameShell
	keyframes map[int]*window.Keyframe
}

func newTrajectory() *Trajectory {
	return &Trajectory{keyframes: map[int]*window.Keyframe{}}
}

func (t *Trajectory) addFrame(id int, timestamp float64) *frameShell {
	s := &frameShell{id: id, timestamp: timestamp, refKFID: -1, kfID: -1}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.shells = append(t.shells, s)
	return s
}

func (t *Trajectory) setTracked(s *frameShell, pose, relToRef spatialmath.SE3, refKFID int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s.tracked = true
	s.pose = pose
	s.relToRef = relToRef
	s.refKFID = refKFID
}

// addKeyframe records kf and attaches it to the shell of its frame.
func (t *Trajectory) addKeyframe(kf *window.Keyframe, s *frameShell) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.keyframes[kf.KFID] = kf
	if s != nil {
		s.kfID = kf.KFID
		s.tracked = true
	}
}

// keyframe returns the keyframe with id kfID, resident or not.
func (t *Trajectory) keyframe(kfID int) *window.Keyframe {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.keyframes[kfID]
}

// lastTracked returns the tracking-time poses of the last two tracked frames, nil when missing.
func (t *Trajectory) lastTracked() (last, prev *spatialmath.SE3) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.shells) - 1; i >= 0 && prev == nil; i-- {
		s := t.shells[i]
		if !s.tracked {
			continue
		}
		pose := s.pose
		if last == nil {
			last = &pose
		} else {
			prev = &pose
		}
	}
	return last, prev
}

// Len returns the number of frames seen.
func (t *Trajectory) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.shells)
}

// Poses returns the current world-to-camera pose of every tracked frame, in frame order. It reads
// keyframe poses and must not race with mapping.
func (t *Trajectory) Poses() ([]int, []spatialmath.SE3) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []int
	var poses []spatialmath.SE3
	for _, s := range t.shells {
		if !s.tracked {
			continue
		}
		ids = append(ids, s.id)
		poses = append(poses, t.currentPose(s))
	}
	return ids, poses
}

func (t *Trajectory) currentPose(s *frameShell) spatialmath.SE3 {
	if kf, ok := t.keyframes[s.kfID]; ok {
		return kf.Pose
	}
	if ref, ok := t.keyframes[s.refKFID]; ok {
		return s.relToRef.Compose(ref.Pose)
	}
	return s.pose
}

// WriteTUM writes every tracked frame as "timestamp tx ty tz qx qy qz qw", the camera-to-world
// transform. Like Poses it must not race with mapping.
func (t *Trajectory) WriteTUM(w io.Writer) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	bw := bufio.NewWriter(w)
	for _, s := range t.shells {
		if !s.tracked {
			continue
		}
		camToWorld := t.currentPose(s).Inverse()
		tr, q := camToWorld.Translation(), camToWorld.Rotation()
		if _, err := fmt.Fprintf(bw, "%.6f %.9f %.9f %.9f %.9f %.9f %.9f %.9f\n",
			s.timestamp, tr.X, tr.Y, tr.Z, q.Imag, q.Jmag, q.Kmag, q.Real); err != nil {
			return errors.Wrap(err, "error writing trajectory")
		}
	}
	return errors.Wrap(bw.Flush(), "error writing trajectory")
}
