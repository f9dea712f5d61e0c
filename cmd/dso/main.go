// Package main runs direct sparse odometry over a directory of images.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"go.viam.com/dso/config"
	"go.viam.com/dso/logging"
	"go.viam.com/dso/rimage/transform"
	"go.viam.com/dso/vision/odometry"
	"go.viam.com/dso/vision/odometry/outputs"
)

const (
	flagFiles        = "files"
	flagCalib        = "calib"
	flagGamma        = "gamma"
	flagVignette     = "vignette"
	flagConfig       = "config"
	flagPreset       = "preset"
	flagMode         = "mode"
	flagSpeed        = "speed"
	flagNoMT         = "nomt"
	flagStart        = "start"
	flagEnd          = "end"
	flagReverse      = "reverse"
	flagPreload      = "preload"
	flagSampleOutput = "sampleoutput"
	flagPlot         = "plot"
	flagQuiet        = "quiet"
	flagDebug        = "debug"
	flagResult       = "result"
	flagLogFile      = "log-file"
	flagRescale      = "rescale"
)

func main() {
	app := &cli.App{
		Name:  "dso",
		Usage: "direct sparse monocular visual odometry over an image sequence",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: flagFiles, Required: true, Usage: "directory of images, with times.txt next to it"},
			&cli.StringFlag{Name: flagCalib, Required: true, Usage: "camera calibration JSON `FILE`"},
			&cli.StringFlag{Name: flagGamma, Usage: "inverse response `FILE`, 256 values"},
			&cli.StringFlag{Name: flagVignette, Usage: "vignette image `FILE`"},
			&cli.StringFlag{Name: flagConfig, Usage: "JSON `FILE` with options overriding the preset"},
			&cli.IntFlag{Name: flagPreset, Usage: "option preset, 0 to 3"},
			&cli.IntFlag{Name: flagMode, Usage: "photometric mode: 0 calibrated, 1 free, 2 fixed"},
			&cli.Float64Flag{Name: flagSpeed, Value: -1, Usage: "playback speed, 0 for as fast as possible"},
			&cli.BoolFlag{Name: flagNoMT, Usage: "disable multi-threading"},
			&cli.IntFlag{Name: flagStart, Usage: "first frame index"},
			&cli.IntFlag{Name: flagEnd, Usage: "frame index to stop at, 0 for the end"},
			&cli.BoolFlag{Name: flagReverse, Usage: "play the sequence backwards"},
			&cli.BoolFlag{Name: flagPreload, Usage: "decode every frame before starting"},
			&cli.BoolFlag{Name: flagSampleOutput, Usage: "log every pose and keyframe"},
			&cli.StringFlag{Name: flagPlot, Usage: "save a top view of the camera path to `FILE`"},
			&cli.BoolFlag{Name: flagQuiet, Usage: "only log warnings and errors"},
			&cli.BoolFlag{Name: flagDebug, Usage: "enable debug logging"},
			&cli.StringFlag{Name: flagResult, Value: "result.txt", Usage: "trajectory output `FILE`"},
			&cli.StringFlag{Name: flagLogFile, Usage: "also write logs to a rotated `FILE`"},
			&cli.StringFlag{Name: flagRescale, Usage: "resample frames to `WIDTHxHEIGHT`"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(c *cli.Context) (logging.Logger, func() error) {
	var logger logging.Logger
	closeLog := func() error { return nil }
	if path := c.String(flagLogFile); path != "" {
		logger, closeLog = logging.NewFileLogger("dso", path)
	} else {
		logger = logging.NewLogger("dso")
	}
	switch {
	case c.Bool(flagDebug):
		logger.SetLevel(logging.DEBUG)
	case c.Bool(flagQuiet):
		logger.SetLevel(logging.WARN)
	}
	return logger, closeLog
}

// buildConfig applies the preset, then the config file, then the individual flags.
func buildConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Preset(c.Int(flagPreset))
	if err != nil {
		return nil, err
	}
	if path := c.String(flagConfig); path != "" {
		//nolint:gosec
		f, err := os.Open(path)
		if err != nil {
			return nil, errors.Wrap(err, "error opening config file")
		}
		defer utils.UncheckedErrorFunc(f.Close)
		dec := json.NewDecoder(f)
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, errors.Wrap(err, "error parsing config")
		}
	}
	if c.IsSet(flagMode) {
		cfg.PhotometricMode = config.PhotometricMode(c.Int(flagMode))
	}
	if c.Float64(flagSpeed) >= 0 {
		cfg.PlaybackSpeed = c.Float64(flagSpeed)
	}
	if c.Bool(flagNoMT) {
		cfg.MultiThreading = false
	}
	if c.Bool(flagPreload) {
		cfg.Preload = true
	}
	if s := c.String(flagRescale); s != "" {
		var w, h int
		if _, err := fmt.Sscanf(strings.ToLower(s), "%dx%d", &w, &h); err != nil {
			return nil, errors.Wrapf(err, "bad %s value %q", flagRescale, s)
		}
		cfg.Width, cfg.Height = w, h
	}
	return cfg, cfg.Validate()
}

// cameraFile is the calibration file layout.
type cameraFile struct {
	Intrinsics           *transform.PinholeCameraIntrinsics `json:"intrinsic_parameters"`
	DistortionModel      transform.DistortionType           `json:"distortion_model"`
	DistortionParameters []float64                          `json:"distortion_parameters"`
}

func loadCalibration(c *cli.Context, cfg *config.Config) (*transform.Calibration, error) {
	//nolint:gosec
	data, err := os.ReadFile(c.String(flagCalib))
	if err != nil {
		return nil, errors.Wrap(err, "error reading calibration")
	}
	var cam cameraFile
	if err := json.Unmarshal(data, &cam); err != nil {
		return nil, errors.Wrap(err, "error parsing calibration")
	}
	if cam.Intrinsics == nil {
		return nil, transform.NewNoIntrinsicsError("calibration has no intrinsic_parameters")
	}
	intr := cam.Intrinsics
	if cfg.Width > 0 {
		intr = intr.Rescaled(cfg.Width, cfg.Height)
	}
	distortion, err := transform.NewDistorter(cam.DistortionModel, cam.DistortionParameters)
	if err != nil {
		return nil, err
	}

	var response *transform.PhotometricResponse
	if path := c.String(flagGamma); path != "" {
		if response, err = transform.ReadPhotometricResponseFile(path); err != nil {
			return nil, err
		}
	}
	var vignette *transform.Vignette
	if path := c.String(flagVignette); path != "" {
		if vignette, err = transform.ReadVignetteFile(path, intr.Width, intr.Height); err != nil {
			return nil, err
		}
	}
	return transform.NewCalibration(intr, distortion, response, vignette)
}

func run(c *cli.Context) (err error) {
	logger, closeLog := newLogger(c)
	defer func() {
		err = multierr.Combine(err, closeLog())
	}()

	cfg, err := buildConfig(c)
	if err != nil {
		return err
	}
	calib, err := loadCalibration(c, cfg)
	if err != nil {
		return err
	}
	intr := calib.Intrinsics()
	ds, err := openDataset(c.String(flagFiles), intr.Width, intr.Height)
	if err != nil {
		return err
	}
	logger.Infow("starting",
		"images", ds.Len(),
		"size", fmt.Sprintf("%dx%d", intr.Width, intr.Height),
		"levels", calib.NumLevels(),
		"mode", cfg.PhotometricMode,
		"speed", cfg.PlaybackSpeed)

	var outs []odometry.Output
	if c.Bool(flagSampleOutput) {
		outs = append(outs, outputs.NewLogOutput(logger.Sublogger("output")))
	}
	if path := c.String(flagPlot); path != "" {
		outs = append(outs, outputs.NewPlotOutput(path, logger))
	}
	system, err := odometry.NewSystem(cfg, calib, logger, outs...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
	defer stop()
	if c.Bool(flagDebug) {
		ctx = logging.EnableDebugMode(ctx, "dso")
	}
	runner := odometry.NewRunner(system, ds, odometry.RunOptions{
		Start:            c.Int(flagStart),
		End:              c.Int(flagEnd),
		Reverse:          c.Bool(flagReverse),
		PlaybackSpeed:    cfg.PlaybackSpeed,
		Preload:          cfg.Preload,
		ResetFrameBudget: cfg.Thresholds.InitResetFrameBudget,
		LateSkip:         cfg.Thresholds.LateSkipSeconds,
	}, nil, logger)
	stats, runErr := runner.Run(ctx)
	if errors.Is(runErr, context.Canceled) {
		logger.Warn("interrupted")
		runErr = nil
	}

	closeErr := system.Close(context.Background())
	writeErr := writeResult(system, c.String(flagResult))
	logger.Infow("done",
		"played", stats.Played,
		"skipped", stats.Skipped,
		"resets", stats.Resets,
		"state", stats.FinalState,
		"msPerFrame", float64(stats.MeanFrameTime.Microseconds())/1000)
	return multierr.Combine(runErr, closeErr, writeErr)
}

func writeResult(system *odometry.System, path string) (err error) {
	if path == "" {
		return nil
	}
	//nolint:gosec
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "error creating result file")
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	return system.WriteResult(context.Background(), f)
}
