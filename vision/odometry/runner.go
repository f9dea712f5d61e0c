package odometry

import (
	"context"
	"math"
	"runtime"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"go.viam.com/dso/logging"
	"go.viam.com/dso/utils"
)

// Engine is the part of System driven by a Runner.
type Engine interface {
	AddFrame(ctx context.Context, in InputFrame) (FrameResult, error)
	State() State
	InitFailed() bool
	ResetRequested() bool
	Reset(ctx context.Context) error
	Drain(ctx context.Context) error
}

// A Source provides the frames of a recorded sequence by index.
type Source interface {
	Len() int
	// Timestamp returns the timestamp of frame i in seconds without decoding it.
	Timestamp(i int) float64
	Frame(ctx context.Context, i int) (InputFrame, error)
}

// RunOptions select the frames to play and how fast.
type RunOptions struct {
	// Start and End bound the frame indices played, End excluded. End <= 0 plays to the end.
	Start, End int
	// Reverse plays the range backwards.
	Reverse bool
	// PlaybackSpeed of 0 feeds frames as fast as possible. A positive value dispatches frames at
	// their timestamps divided by the speed and drops frames that are too late.
	PlaybackSpeed float64
	// Preload decodes every frame before playing.
	Preload bool
	// ResetFrameBudget is the number of frames within which a failed initialization triggers a
	// reset. Later failures end the run with ErrInitializationFailed.
	ResetFrameBudget int
	// LateSkip is the lateness in seconds, plus 0.1 s on odd frames, beyond which frames are
	// dropped while pacing.
	LateSkip float64
}

// RunStats summarizes a run.
type RunStats struct {
	Played  int
	Skipped int
	Resets  int
	// MeanFrameTime is the average AddFrame duration over the last frames.
	MeanFrameTime time.Duration
	Duration      time.Duration
	FinalState    State
}

// Runner plays a Source into an Engine.
type Runner struct {
	engine Engine
	source Source
	opts   RunOptions
	clock  clock.Clock
	logger logging.Logger
}

// NewRunner returns a runner. A nil clock uses the wall clock.
func NewRunner(engine Engine, source Source, opts RunOptions, clk clock.Clock, logger logging.Logger) *Runner {
	if clk == nil {
		clk = clock.New()
	}
	return &Runner{engine: engine, source: source, opts: opts, clock: clk, logger: logger}
}

// schedule returns the frame indices to play and, for each, the offset in seconds at which it
// should be dispatched relative to the first one.
func (r *Runner) schedule() ([]int, []float64) {
	n := r.source.Len()
	start, end := r.opts.Start, r.opts.End
	if end <= 0 || end > n {
		end = n
	}
	if start < 0 {
		start = 0
	}
	var ids []int
	if r.opts.Reverse {
		for i := end - 1; i >= start; i-- {
			ids = append(ids, i)
		}
	} else {
		for i := start; i < end; i++ {
			ids = append(ids, i)
		}
	}
	at := make([]float64, len(ids))
	speed := r.opts.PlaybackSpeed
	if speed <= 0 {
		speed = 1
	}
	for k := 1; k < len(ids); k++ {
		at[k] = at[k-1] + math.Abs(r.source.Timestamp(ids[k])-r.source.Timestamp(ids[k-1]))/speed
	}
	return ids, at
}

func (r *Runner) preload(ctx context.Context, ids []int) ([]InputFrame, error) {
	frames := make([]InputFrame, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for k, id := range ids {
		g.Go(func() error {
			f, err := r.source.Frame(gctx, id)
			if err != nil {
				return errors.Wrapf(err, "error preloading frame %d", id)
			}
			frames[k] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return frames, nil
}

// sleep waits for d on the runner's clock or until ctx is done.
func (r *Runner) sleep(ctx context.Context, d time.Duration) error {
	timer := r.clock.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run plays the sequence. It stops when the engine is lost, when initialization keeps failing past
// the reset budget, or when ctx is cancelled, and waits for mapping before returning.
func (r *Runner) Run(ctx context.Context) (RunStats, error) {
	var stats RunStats
	ids, playAt := r.schedule()
	var preloaded []InputFrame
	if r.opts.Preload {
		var err error
		if preloaded, err = r.preload(ctx, ids); err != nil {
			return stats, err
		}
		r.logger.Infow("preloaded frames", "count", len(preloaded))
	}

	paced := r.opts.PlaybackSpeed > 0
	avg := utils.NewRollingAverage(100)
	runStart := r.clock.Now()
	started := runStart
	offset := 0.0
	var runErr error
	for k, id := range ids {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		if !r.engine.State().Initialized() {
			started = r.clock.Now()
			offset = playAt[k]
		}

		var in InputFrame
		if preloaded != nil {
			in = preloaded[k]
		} else {
			var err error
			if in, err = r.source.Frame(ctx, id); err != nil {
				runErr = errors.Wrapf(err, "error reading frame %d", id)
				break
			}
		}

		if paced {
			now := offset + r.clock.Since(started).Seconds()
			if now < playAt[k] {
				if err := r.sleep(ctx, time.Duration((playAt[k]-now)*float64(time.Second))); err != nil {
					runErr = err
					break
				}
			} else if now > playAt[k]+r.opts.LateSkip+0.1*float64(k%2) {
				stats.Skipped++
				continue
			}
		}

		before := r.clock.Now()
		if _, err := r.engine.AddFrame(ctx, in); err != nil {
			runErr = errors.Wrapf(err, "error processing frame %d", id)
			break
		}
		avg.Add(r.clock.Since(before))
		stats.Played++

		if r.engine.ResetRequested() || r.engine.InitFailed() {
			if !r.engine.ResetRequested() && k >= r.opts.ResetFrameBudget {
				runErr = errors.Wrapf(ErrInitializationFailed, "still failing at frame %d", id)
				break
			}
			r.logger.Infow("resetting odometry", "frame", id)
			if err := r.engine.Reset(ctx); err != nil {
				runErr = err
				break
			}
			stats.Resets++
		}
		if r.engine.State() == Lost {
			r.logger.Warnw("lost, stopping", "frame", id)
			break
		}
	}

	drainCtx := ctx
	if ctx.Err() != nil {
		drainCtx = context.Background()
	}
	if err := r.engine.Drain(drainCtx); err != nil && runErr == nil {
		runErr = err
	}
	stats.MeanFrameTime = avg.Average()
	stats.Duration = r.clock.Since(runStart)
	stats.FinalState = r.engine.State()
	r.logger.Infow("run finished",
		"played", stats.Played,
		"skipped", stats.Skipped,
		"resets", stats.Resets,
		"meanFrameTime", stats.MeanFrameTime,
		"duration", stats.Duration,
		"state", stats.FinalState)
	return stats, runErr
}
