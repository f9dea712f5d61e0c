package outputs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/dso/logging"
	"go.viam.com/dso/spatialmath"
	"go.viam.com/dso/vision/odometry"
)

func poseAt(x, z float64) spatialmath.SE3 {
	return spatialmath.NewSE3(spatialmath.IdentitySE3().Rotation(), r3.Vector{X: -x, Z: -z})
}

func TestLogOutput(t *testing.T) {
	logger, observed := logging.NewObservedTestLogger(t)
	var set odometry.OutputSet
	set.Add(NewLogOutput(logger))

	set.PublishPose(odometry.FramePose{FrameID: 3, Pose: poseAt(1, 2), Keyframe: true})
	set.PublishKeyframes([]odometry.KeyframeView{{KFID: 0}, {KFID: 1, Pose: poseAt(1, 0)}})
	set.Reset()
	set.Join()

	poses := observed.FilterMessage("pose").All()
	test.That(t, poses, test.ShouldHaveLength, 1)
	fields := poses[0].ContextMap()
	test.That(t, fields["frame"], test.ShouldEqual, int64(3))
	test.That(t, fields["x"], test.ShouldAlmostEqual, 1.0)
	test.That(t, fields["z"], test.ShouldAlmostEqual, 2.0)
	test.That(t, observed.FilterMessage("keyframe").Len(), test.ShouldEqual, 2)
	test.That(t, observed.FilterMessage("odometry reset").Len(), test.ShouldEqual, 1)
	test.That(t, set.Len(), test.ShouldEqual, 0)
}

func TestPlotOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "path.png")
	out := NewPlotOutput(path, logging.NewTestLogger(t))
	for i := 0; i < 10; i++ {
		out.PublishPose(odometry.FramePose{FrameID: i, Pose: poseAt(0.1*float64(i), 0)})
	}
	out.PublishKeyframes([]odometry.KeyframeView{{KFID: 0}, {KFID: 1, Pose: poseAt(0.5, 0)}})
	out.PublishKeyframes([]odometry.KeyframeView{{KFID: 1, Pose: poseAt(0.6, 0)}})

	p, err := out.Plot()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p.X.Max, test.ShouldBeGreaterThanOrEqualTo, 0.9)
	test.That(t, out.keyframes, test.ShouldHaveLength, 2)
	test.That(t, out.keyframes[1].X, test.ShouldAlmostEqual, 0.6)

	out.Join()
	info, err := os.Stat(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, info.Size(), test.ShouldBeGreaterThan, 0)

	out.Reset()
	test.That(t, out.track, test.ShouldBeEmpty)
	test.That(t, out.keyframes, test.ShouldBeEmpty)
}
