package config

import (
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// Thresholds are the tunable constants of the engine. The defaults are those of the reference
// system; every component reads them from here rather than defining its own.
type Thresholds struct {
	// Residual weighting.
	HuberThreshold float64 `json:"huber_threshold"`
	// GradientWeightC is the constant c of the gradient weight sqrt(c/(c+|∇I|²)).
	GradientWeightC float64 `json:"gradient_weight_c"`
	// OutlierEnergy is the per-pixel weighted energy above which a residual is an outlier.
	OutlierEnergy float64 `json:"outlier_energy"`

	// Point selection.
	MinGradHistAdd        float64 `json:"min_grad_hist_add"`
	MinGradHistAddFixed   float64 `json:"min_grad_hist_add_fixed"`
	GradDownweightPerLvl  float64 `json:"grad_downweight_per_level"`
	SelectionBlockSize    int     `json:"selection_block_size"`
	InitialSelectionPot   int     `json:"initial_selection_pot"`
	SelectionMaxRecursion int     `json:"selection_max_recursion"`

	// Immature point tracing.
	TraceMaxPixSearch         float64 `json:"trace_max_pix_search"`
	TraceStepSize             float64 `json:"trace_step_size"`
	TraceSlackInterval        float64 `json:"trace_slack_interval"`
	TraceMinImprovementFactor float64 `json:"trace_min_improvement_factor"`
	TraceExtraSlackOnTH       float64 `json:"trace_extra_slack_on_th"`
	TraceGNIterations         int     `json:"trace_gn_iterations"`
	TraceGNThreshold          float64 `json:"trace_gn_threshold"`
	TraceMaxOutliers          int     `json:"trace_max_outliers"`
	// ImmatureMaxTraces bounds how many frames an immature point may be traced in without
	// becoming activatable before it is discarded.
	ImmatureMaxTraces int `json:"immature_max_traces"`

	// Activation.
	ActivationPixelInterval float64 `json:"activation_pixel_interval"`
	MinTraceQuality         float64 `json:"min_trace_quality"`
	InitialMinActDist       float64 `json:"initial_min_act_dist"`
	ActivationGNIterations  int     `json:"activation_gn_iterations"`
	// ActivationMinHessian is the inverse depth hessian a point needs to become active.
	ActivationMinHessian float64 `json:"activation_min_hessian"`

	// Keyframe promotion.
	KeyframeTransWeight    float64 `json:"keyframe_trans_weight"`
	KeyframeRotTransWeight float64 `json:"keyframe_rot_trans_weight"`
	KeyframeAffineWeight   float64 `json:"keyframe_affine_weight"`
	KeyframeGlobalWeight   float64 `json:"keyframe_global_weight"`

	// Coarse tracking.
	TrackerCutoff           float64 `json:"tracker_cutoff"`
	TrackerCutoffRatio      float64 `json:"tracker_cutoff_ratio"`
	TrackerMaxIterations    []int   `json:"tracker_max_iterations"`
	TrackerRetrackRatio     float64 `json:"tracker_retrack_ratio"`
	TrackerMinPoints        int     `json:"tracker_min_points"`
	TrackerDivergenceRMSE   float64 `json:"tracker_divergence_rmse"`
	TrackerFailureTolerance int     `json:"tracker_failure_tolerance"`

	// Initialization.
	InitAlphaW           float64   `json:"init_alpha_w"`
	InitAlphaK           float64   `json:"init_alpha_k"`
	InitFramesAfterSnap  int       `json:"init_frames_after_snap"`
	InitMaxFrames        int       `json:"init_max_frames"`
	InitMinPoints        int       `json:"init_min_points"`
	InitFailureRMSE      []float64 `json:"init_failure_rmse"`
	InitResetFrameBudget int       `json:"init_reset_frame_budget"`

	// Window optimization.
	FirstFrameRotPrior     float64 `json:"first_frame_rot_prior"`
	FirstFrameTransPrior   float64 `json:"first_frame_trans_prior"`
	FirstFrameAffinePrior  float64 `json:"first_frame_affine_prior"`
	AffineAPrior           float64 `json:"affine_a_prior"`
	AffineBPrior           float64 `json:"affine_b_prior"`
	InitialLambda          float64 `json:"initial_lambda"`
	ConvergenceStep        float64 `json:"convergence_step"`
	SolverConditionLimit   float64 `json:"solver_condition_limit"`
	SolverFailureTolerance int     `json:"solver_failure_tolerance"`
	MinPointIdepthHessian  float64 `json:"min_point_idepth_hessian"`
	// IdepthFixPrior anchors the inverse depth of bootstrap points while their host is resident.
	IdepthFixPrior float64 `json:"idepth_fix_prior"`

	// Flagged marginalization.
	MinInlierRatio   float64 `json:"min_inlier_ratio"`
	MaxLogGainChange float64 `json:"max_log_gain_change"`

	// Real-time playback.
	LateSkipSeconds float64 `json:"late_skip_seconds"`
}

// DefaultThresholds returns the default constants.
func DefaultThresholds() Thresholds {
	return Thresholds{
		HuberThreshold:  9,
		GradientWeightC: 50 * 50,
		OutlierEnergy:   12 * 12,

		MinGradHistAdd:        7,
		MinGradHistAddFixed:   3,
		GradDownweightPerLvl:  0.75,
		SelectionBlockSize:    32,
		InitialSelectionPot:   3,
		SelectionMaxRecursion: 2,

		TraceMaxPixSearch:         0.027,
		TraceStepSize:             1,
		TraceSlackInterval:        1.5,
		TraceMinImprovementFactor: 2,
		TraceExtraSlackOnTH:       1.2,
		TraceGNIterations:         3,
		TraceGNThreshold:          0.1,
		TraceMaxOutliers:          2,
		ImmatureMaxTraces:         40,

		ActivationPixelInterval: 8,
		MinTraceQuality:         3,
		InitialMinActDist:       2,
		ActivationGNIterations:  3,
		ActivationMinHessian:    100,

		KeyframeTransWeight:    0.04 * (640 + 480),
		KeyframeRotTransWeight: 0.02 * (640 + 480),
		KeyframeAffineWeight:   2,
		KeyframeGlobalWeight:   1,

		TrackerCutoff:           20,
		TrackerCutoffRatio:      0.6,
		TrackerMaxIterations:    []int{10, 20, 50, 50, 50, 50},
		TrackerRetrackRatio:     1.5,
		TrackerMinPoints:        20,
		TrackerDivergenceRMSE:   60,
		TrackerFailureTolerance: 3,

		InitAlphaW:           150 * 150,
		InitAlphaK:           2.5 * 2.5,
		InitFramesAfterSnap:  5,
		InitMaxFrames:        60,
		InitMinPoints:        50,
		InitFailureRMSE:      []float64{20, 13, 9},
		InitResetFrameBudget: 250,

		FirstFrameRotPrior:     1e11,
		FirstFrameTransPrior:   1e10,
		FirstFrameAffinePrior:  1e14,
		AffineAPrior:           1e12,
		AffineBPrior:           1e8,
		InitialLambda:          1e-1,
		ConvergenceStep:        1e-3,
		SolverConditionLimit:   1e14,
		SolverFailureTolerance: 3,
		MinPointIdepthHessian:  1e-3,
		IdepthFixPrior:         50 * 50,

		MinInlierRatio:   0.05,
		MaxLogGainChange: 0.7,

		LateSkipSeconds: 0.5,
	}
}

// Validate returns every violation found, combined, with field paths under path.
func (t *Thresholds) Validate(path string) error {
	var errs error
	positive := map[string]float64{
		"huber_threshold":           t.HuberThreshold,
		"gradient_weight_c":         t.GradientWeightC,
		"outlier_energy":            t.OutlierEnergy,
		"grad_downweight_per_level": t.GradDownweightPerLvl,
		"trace_max_pix_search":      t.TraceMaxPixSearch,
		"trace_step_size":           t.TraceStepSize,
		"activation_pixel_interval": t.ActivationPixelInterval,
		"tracker_cutoff":            t.TrackerCutoff,
		"tracker_retrack_ratio":     t.TrackerRetrackRatio,
		"init_alpha_w":              t.InitAlphaW,
		"init_alpha_k":              t.InitAlphaK,
		"initial_lambda":            t.InitialLambda,
		"solver_condition_limit":    t.SolverConditionLimit,
	}
	for name, v := range positive {
		if !(v > 0) {
			errs = multierr.Append(errs, NewConfigValidationError(path+"."+name, errors.Errorf("must be positive, got %v", v)))
		}
	}
	if t.SelectionBlockSize < 4 {
		errs = multierr.Append(errs, NewConfigValidationError(path+".selection_block_size",
			errors.Errorf("must be at least 4, got %d", t.SelectionBlockSize)))
	}
	if len(t.TrackerMaxIterations) == 0 {
		errs = multierr.Append(errs, NewConfigValidationError(path+".tracker_max_iterations", errors.New("must not be empty")))
	}
	if t.TrackerFailureTolerance < 1 {
		errs = multierr.Append(errs, NewConfigValidationError(path+".tracker_failure_tolerance",
			errors.Errorf("must be at least 1, got %d", t.TrackerFailureTolerance)))
	}
	if t.InitFramesAfterSnap < 1 || t.InitMaxFrames <= t.InitFramesAfterSnap {
		errs = multierr.Append(errs, NewConfigValidationError(path+".init_max_frames",
			errors.Errorf("must exceed init_frames_after_snap (%d), got %d", t.InitFramesAfterSnap, t.InitMaxFrames)))
	}
	if t.AffineAPrior < 0 || t.AffineBPrior < 0 {
		errs = multierr.Append(errs, NewConfigValidationError(path+".affine_a_prior", errors.New("affine priors must not be negative")))
	}
	return errs
}

// TrackerIterations returns the iteration cap of pyramid level lvl.
func (t *Thresholds) TrackerIterations(lvl int) int {
	if lvl < len(t.TrackerMaxIterations) {
		return t.TrackerMaxIterations[lvl]
	}
	return t.TrackerMaxIterations[len(t.TrackerMaxIterations)-1]
}

// InitFailureRMSEFor returns the RMSE gate applied after the n-th keyframe is optimized, or 0 when
// no gate applies.
func (t *Thresholds) InitFailureRMSEFor(numKeyframes int) float64 {
	i := numKeyframes - 2
	if i < 0 || i >= len(t.InitFailureRMSE) {
		return 0
	}
	return t.InitFailureRMSE[i]
}
