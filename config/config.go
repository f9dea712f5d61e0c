// Package config defines the options of an odometry run. A Config is built once before the
// engine starts and is never mutated afterwards.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"
)

// PhotometricMode selects how brightness is modeled.
type PhotometricMode int

const (
	// PhotometricCalibrated uses the supplied response and vignette and strongly regularizes
	// per-frame brightness.
	PhotometricCalibrated PhotometricMode = iota
	// PhotometricFree ignores calibration and estimates per-frame brightness freely.
	PhotometricFree
	// PhotometricFixed ignores calibration and keeps brightness fixed, assuming a near-ideal sensor.
	PhotometricFixed
)

func (m PhotometricMode) String() string {
	switch m {
	case PhotometricCalibrated:
		return "calibrated"
	case PhotometricFree:
		return "free"
	case PhotometricFixed:
		return "fixed"
	}
	return fmt.Sprintf("PhotometricMode(%d)", int(m))
}

// Config is the set of named options of a run.
type Config struct {
	// ImmatureDensity is the number of candidate points selected on each new keyframe.
	ImmatureDensity float64 `json:"immature_density"`
	// PointDensity is the steady-state number of active points across the window.
	PointDensity float64 `json:"point_density"`

	MinFrames int `json:"min_frames"`
	MaxFrames int `json:"max_frames"`

	MinOptIterations int `json:"min_opt_iterations"`
	MaxOptIterations int `json:"max_opt_iterations"`

	PhotometricMode PhotometricMode `json:"photometric_mode"`
	MultiThreading  bool            `json:"multi_threading"`

	// PlaybackSpeed of 0 runs as fast as possible with synchronous mapping. A positive value
	// paces frames against their timestamps at that factor and overlaps tracking with mapping.
	PlaybackSpeed float64 `json:"playback_speed"`
	// Preload decodes every frame before the run starts.
	Preload bool `json:"preload"`

	// Width and Height, when positive, are the size frames are resampled to.
	Width  int `json:"width,omitempty"`
	Height int `json:"height,omitempty"`

	Thresholds Thresholds `json:"thresholds"`
}

// Default returns the options of preset 0.
func Default() *Config {
	return &Config{
		ImmatureDensity:  1500,
		PointDensity:     2000,
		MinFrames:        5,
		MaxFrames:        7,
		MinOptIterations: 1,
		MaxOptIterations: 6,
		PhotometricMode:  PhotometricCalibrated,
		MultiThreading:   true,
		Thresholds:       DefaultThresholds(),
	}
}

// Preset returns one of the four standard option sets:
//
//	0: default density, no pacing
//	1: default density, real-time pacing
//	2: fast settings at 424x320, no pacing
//	3: fast settings at 424x320, 5x real-time pacing
func Preset(n int) (*Config, error) {
	cfg := Default()
	switch n {
	case 0:
	case 1:
		cfg.PlaybackSpeed = 1
	case 2, 3:
		cfg.ImmatureDensity = 600
		cfg.PointDensity = 800
		cfg.MinFrames = 4
		cfg.MaxFrames = 6
		cfg.MaxOptIterations = 4
		cfg.Width = 424
		cfg.Height = 320
		if n == 3 {
			cfg.PlaybackSpeed = 5
		}
	default:
		return nil, errors.Errorf("unknown preset %d, expected 0 to 3", n)
	}
	return cfg, nil
}

// FromJSONFile reads a config from path. Fields absent from the file keep the defaults.
func FromJSONFile(path string) (*Config, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "error opening config file")
	}
	defer utils.UncheckedErrorFunc(f.Close)
	return FromReader(f)
}

// FromReader decodes a config over the defaults and validates it.
func FromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, errors.Wrap(err, "error parsing config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NewConfigValidationError wraps a field level validation failure with the field path.
func NewConfigValidationError(path string, err error) error {
	return errors.Wrapf(err, "error validating %q", path)
}

// Validate returns every violation found, combined.
func (c *Config) Validate() error {
	var errs error
	check := func(ok bool, path, format string, args ...interface{}) {
		if !ok {
			errs = multierr.Append(errs, NewConfigValidationError(path, errors.Errorf(format, args...)))
		}
	}
	check(c.ImmatureDensity > 0, "immature_density", "must be positive, got %v", c.ImmatureDensity)
	check(c.PointDensity > 0, "point_density", "must be positive, got %v", c.PointDensity)
	check(c.MinFrames >= 2, "min_frames", "must be at least 2, got %d", c.MinFrames)
	check(c.MaxFrames >= c.MinFrames, "max_frames", "must be at least min_frames (%d), got %d", c.MinFrames, c.MaxFrames)
	check(c.MinOptIterations >= 0, "min_opt_iterations", "must not be negative, got %d", c.MinOptIterations)
	check(c.MaxOptIterations >= c.MinOptIterations && c.MaxOptIterations > 0,
		"max_opt_iterations", "must be positive and at least min_opt_iterations (%d), got %d",
		c.MinOptIterations, c.MaxOptIterations)
	check(c.PhotometricMode >= PhotometricCalibrated && c.PhotometricMode <= PhotometricFixed,
		"photometric_mode", "must be 0, 1 or 2, got %d", int(c.PhotometricMode))
	check(c.PlaybackSpeed >= 0, "playback_speed", "must not be negative, got %v", c.PlaybackSpeed)
	check((c.Width == 0) == (c.Height == 0) && c.Width >= 0 && c.Height >= 0,
		"width", "width and height must both be positive or both unset, got %dx%d", c.Width, c.Height)
	errs = multierr.Append(errs, c.Thresholds.Validate("thresholds"))
	return errs
}

// Linearized reports whether mapping runs synchronously after each tracked frame.
func (c *Config) Linearized() bool {
	return c.PlaybackSpeed == 0
}

// UsePhotometricCalibration reports whether the response and vignette are applied.
func (c *Config) UsePhotometricCalibration() bool {
	return c.PhotometricMode == PhotometricCalibrated
}

// AffinePriors returns the prior weights on the per-frame brightness parameters. fixed is true
// when brightness must not be estimated at all.
func (c *Config) AffinePriors() (a, b float64, fixed bool) {
	switch c.PhotometricMode {
	case PhotometricFree:
		return 0, 0, false
	case PhotometricFixed:
		return 0, 0, true
	default:
		return c.Thresholds.AffineAPrior, c.Thresholds.AffineBPrior, false
	}
}

// MinGradHistAdd returns the constant added to block gradient medians by the point selector.
func (c *Config) MinGradHistAdd() float64 {
	if c.PhotometricMode == PhotometricFixed {
		return c.Thresholds.MinGradHistAddFixed
	}
	return c.Thresholds.MinGradHistAdd
}
