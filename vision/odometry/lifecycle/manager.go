// Package lifecycle advances points through their states: immature points are traced along
// epipolar lines, promoted to active when their depth has converged, and dropped or marginalized
// when the evidence turns against them.
package lifecycle

import (
	"context"

	"go.viam.com/dso/config"
	"go.viam.com/dso/logging"
	"go.viam.com/dso/rimage/transform"
	"go.viam.com/dso/utils"
	"go.viam.com/dso/vision/odometry/window"
	"go.viam.com/dso/vision/pixelselector"
)

// Manager owns the per-session lifecycle state, which is the adaptive minimum activation
// distance. It is used from the mapping goroutine only.
type Manager struct {
	cfg       *config.Config
	calib     *transform.Calibration
	logger    logging.Logger
	selParams pixelselector.Params
	eval      window.EvalParams

	minActDist float64
}

// NewManager returns a manager for a fresh session.
func NewManager(cfg *config.Config, calib *transform.Calibration, logger logging.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		calib:     calib,
		logger:    logger,
		selParams: pixelselector.NewParams(cfg),
		eval: window.EvalParams{
			HuberThreshold:  cfg.Thresholds.HuberThreshold,
			GradientWeightC: cfg.Thresholds.GradientWeightC,
			OutlierEnergy:   cfg.Thresholds.OutlierEnergy,
		},
		minActDist: cfg.Thresholds.InitialMinActDist,
	}
}

// MinActivationDistance returns the current minimum distance, in half resolution pixels, between
// a newly activated point and the existing ones.
func (m *Manager) MinActivationDistance() float64 {
	return m.minActDist
}

// EvalParams returns the residual weighting constants.
func (m *Manager) EvalParams() window.EvalParams {
	return m.eval
}

// forEach calls f for every index in [0, n), in parallel when multi-threading is enabled. f must
// only touch state owned by item i.
func (m *Manager) forEach(ctx context.Context, n int, f func(i int)) error {
	if !m.cfg.MultiThreading || n < 64 {
		for i := 0; i < n; i++ {
			f(i)
		}
		return nil
	}
	return utils.GroupWorkParallel(ctx, n, func(_, _, _ int) (utils.ItemWorkFunc, utils.GroupDoneFunc) {
		return f, nil
	})
}

// MakeNewPoints selects candidate pixels on a new keyframe and hosts them as immature points.
// It returns how many were created.
func (m *Manager) MakeNewPoints(kf *window.Keyframe) int {
	sel := pixelselector.Select(kf.Pyramid, m.selParams, m.cfg.ImmatureDensity)
	energyTH := float64(window.PatternSize) * m.cfg.Thresholds.OutlierEnergy
	created := 0
	for y := 0; y < sel.Height; y++ {
		for x := 0; x < sel.Width; x++ {
			scale := sel.Map[y*sel.Width+x]
			if scale == pixelselector.NotSelected {
				continue
			}
			p, ok := window.NewImmaturePoint(kf, float64(x), float64(y), int(scale), m.cfg.Thresholds.GradientWeightC)
			if !ok {
				continue
			}
			p.Trace.EnergyTH = energyTH
			kf.Points = append(kf.Points, p)
			created++
		}
	}
	m.logger.Debugw("created immature points", "keyframe", kf.KFID, "count", created, "selected", sel.Count)
	return created
}

// ConnectNewKeyframe adds a residual towards kf to every active point hosted by another
// resident keyframe. It returns the number of residuals added.
func ConnectNewKeyframe(w *window.Window, kf *window.Keyframe) int {
	added := 0
	for _, host := range w.Keyframes() {
		if host == kf {
			continue
		}
		for _, p := range host.Points {
			if p.State != window.Active {
				continue
			}
			p.Residuals = append(p.Residuals, window.NewResidual(p, kf))
			added++
		}
	}
	return added
}

// RemoveOutliers drops residuals that were out of bounds or outliers at their last evaluation
// and turns points left without residuals, or with a non-positive inverse depth, into outliers.
// It returns the number of points removed.
func RemoveOutliers(w *window.Window) int {
	removed := 0
	for _, kf := range w.Keyframes() {
		for _, p := range kf.Points {
			if p.State != window.Active {
				continue
			}
			kept := p.Residuals[:0]
			for _, r := range p.Residuals {
				if r.State == window.ResidualIn {
					kept = append(kept, r)
				}
			}
			for i := len(kept); i < len(p.Residuals); i++ {
				p.Residuals[i] = nil
			}
			p.Residuals = kept
			if len(p.Residuals) == 0 || !(p.Idepth > 0) {
				p.State = window.Outlier
				p.Residuals = nil
				removed++
			}
		}
		kf.Compact()
	}
	return removed
}

// DiscardStale removes immature points that left the image or were traced too often without
// becoming activatable. It returns the number of points removed.
func DiscardStale(w *window.Window, maxTraces int) int {
	removed := 0
	for _, kf := range w.Keyframes() {
		for _, p := range kf.Points {
			if p.State != window.Immature {
				continue
			}
			if p.Trace.LastStatus == window.TraceOOB || p.Trace.NumTraces > maxTraces {
				p.State = window.Outlier
				removed++
			}
		}
		kf.Compact()
	}
	return removed
}

// MarginalizeHosted moves every active and immature point hosted by kf to the marginalized
// state. Residuals of other points that target kf are removed. The caller folds the information
// of the active points into the prior before calling this; immature points carry none.
func MarginalizeHosted(w *window.Window, kf *window.Keyframe) {
	for _, p := range kf.Points {
		switch p.State {
		case window.Active, window.Immature:
			p.State = window.Marginalized
			p.Residuals = nil
		case window.Outlier, window.Marginalized:
		}
	}
	kf.Compact()
	DropResidualsTargeting(w, kf)
}

// DropResidualsTargeting removes every residual whose target is kf. Points left without
// residuals stay active until the next outlier pass.
func DropResidualsTargeting(w *window.Window, kf *window.Keyframe) {
	for _, host := range w.Keyframes() {
		if host == kf {
			continue
		}
		for _, p := range host.Points {
			for i := 0; i < len(p.Residuals); {
				if p.Residuals[i].Target == kf {
					p.RemoveResidual(p.Residuals[i])
					continue
				}
				i++
			}
		}
	}
}
