package odometry

import (
	"math"

	"go.viam.com/dso/config"
	"go.viam.com/dso/rimage/transform"
	"go.viam.com/dso/vision/odometry/tracker"
)

// keyframeScore combines the optical flow and brightness change of a tracked frame relative to its
// reference. A score above one asks for a new keyframe. Flow weights are given for a 640x480
// image and scaled to the actual image size.
func keyframeScore(th *config.Thresholds, width, height int, res tracker.Result,
	refExposure, frameExposure float64, refAffine transform.AffLight,
) float64 {
	size := float64(width + height)
	a, _ := transform.FromToExposure(refExposure, frameExposure, refAffine, res.Affine)
	score := th.KeyframeTransWeight*math.Sqrt(res.FlowT)/size +
		th.KeyframeRotTransWeight*math.Sqrt(res.FlowRT)/size +
		th.KeyframeAffineWeight*math.Abs(math.Log(a))
	return th.KeyframeGlobalWeight * score
}

// needsKeyframe decides whether a tracked frame becomes a keyframe: when it moved or changed
// brightness enough, or when its residual doubled relative to the first frame tracked against
// the same reference.
func needsKeyframe(th *config.Thresholds, width, height int, res tracker.Result, ref *tracker.Reference,
	frameExposure float64,
) bool {
	if keyframeScore(th, width, height, res, ref.Exposure, frameExposure, ref.Affine) > 1 {
		return true
	}
	return res.FirstRMSE > 0 && 2*res.FirstRMSE < res.RMSE
}
