// Package outputs contains odometry outputs that report poses and keyframes outside the engine.
package outputs

import (
	"go.viam.com/dso/logging"
	"go.viam.com/dso/vision/odometry"
)

// LogOutput logs every tracked pose and every keyframe update.
type LogOutput struct {
	odometry.BaseOutput
	logger logging.Logger
}

// NewLogOutput returns an output logging to logger.
func NewLogOutput(logger logging.Logger) *LogOutput {
	return &LogOutput{logger: logger}
}

// PublishPose logs the camera center and brightness of a tracked frame.
func (o *LogOutput) PublishPose(pose odometry.FramePose) {
	c := pose.Pose.Center()
	o.logger.Infow("pose",
		"frame", pose.FrameID,
		"timestamp", pose.Timestamp,
		"x", c.X, "y", c.Y, "z", c.Z,
		"a", pose.Affine.A, "b", pose.Affine.B,
		"rmse", pose.RMSE,
		"keyframe", pose.Keyframe)
}

// PublishKeyframes logs one line per resident keyframe.
func (o *LogOutput) PublishKeyframes(kfs []odometry.KeyframeView) {
	for _, kf := range kfs {
		c := kf.Pose.Center()
		o.logger.Debugw("keyframe",
			"id", kf.KFID,
			"frame", kf.FrameID,
			"x", c.X, "y", c.Y, "z", c.Z,
			"active", kf.NumActive,
			"immature", kf.NumImmature,
			"marginalized", kf.NumMarginalized)
	}
}

// Reset logs the engine reset.
func (o *LogOutput) Reset() {
	o.logger.Info("odometry reset")
}
