package odometry

import (
	"sync"

	"go.viam.com/dso/rimage/transform"
	"go.viam.com/dso/spatialmath"
)

// FramePose is the tracked pose of a frame as published to outputs.
type FramePose struct {
	FrameID   int
	Timestamp float64
	// Pose is the world-to-camera transform at the time of tracking.
	Pose   spatialmath.SE3
	Affine transform.AffLight
	RMSE   float64
	// RefKFID is the keyframe the frame was tracked against.
	RefKFID int
	// Keyframe is set when the frame was requested as a keyframe.
	Keyframe bool
}

// KeyframeView is a snapshot of a resident keyframe after a mapping pass.
type KeyframeView struct {
	KFID      int
	FrameID   int
	Timestamp float64
	// Pose is the optimized world-to-camera transform.
	Pose   spatialmath.SE3
	Affine transform.AffLight

	NumActive       int
	NumImmature     int
	NumMarginalized int
}

// An Output receives the results of the engine. PublishPose is called from the tracking
// goroutine and PublishKeyframes from the mapping goroutine; the OutputSet serializes them, so an
// Output never sees two calls at once.
type Output interface {
	PublishPose(pose FramePose)
	PublishKeyframes(kfs []KeyframeView)
	// Reset is called when the engine resets. The output stays attached.
	Reset()
	// Join is called once when the engine is closed.
	Join()
}

// BaseOutput implements every Output method as a no-op, to be embedded by outputs that only
// care about some notifications.
type BaseOutput struct{}

// PublishPose does nothing.
func (BaseOutput) PublishPose(FramePose) {}

// PublishKeyframes does nothing.
func (BaseOutput) PublishKeyframes([]KeyframeView) {}

// Reset does nothing.
func (BaseOutput) Reset() {}

// Join does nothing.
func (BaseOutput) Join() {}

// OutputSet fans notifications out to the attached outputs one call at a time. It survives engine
// resets.
type OutputSet struct {
	mu      sync.Mutex
	outputs []Output
	joined  bool
}

// Add attaches an output.
func (s *OutputSet) Add(o Output) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs = append(s.outputs, o)
}

// Len returns the number of attached outputs.
func (s *OutputSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outputs)
}

// PublishPose forwards pose to every output.
func (s *OutputSet) PublishPose(pose FramePose) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.outputs {
		o.PublishPose(pose)
	}
}

// PublishKeyframes forwards kfs to every output.
func (s *OutputSet) PublishKeyframes(kfs []KeyframeView) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.outputs {
		o.PublishKeyframes(kfs)
	}
}

// Reset forwards a reset to every output.
func (s *OutputSet) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.outputs {
		o.Reset()
	}
}

// Join joins and detaches every output. Later calls do nothing.
func (s *OutputSet) Join() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.joined {
		return
	}
	s.joined = true
	for _, o := range s.outputs {
		o.Join()
	}
	s.outputs = nil
}
