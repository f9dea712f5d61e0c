package odometry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/dso/logging"
)

// fakeSource serves empty frames one second apart.
type fakeSource struct {
	n int

	mu     sync.Mutex
	loaded []int
}

func (s *fakeSource) Len() int { return s.n }

func (s *fakeSource) Timestamp(i int) float64 { return float64(i) }

func (s *fakeSource) Frame(ctx context.Context, i int) (InputFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = append(s.loaded, i)
	return InputFrame{Index: i, Timestamp: float64(i)}, nil
}

// fakeEngine takes perFrame of mock time to process a frame.
type fakeEngine struct {
	clock    *clock.Mock
	perFrame time.Duration

	state State
	// initUntil is the first frame after which the engine reports Tracking.
	initUntil   int
	failInitAt  int
	lostAt      int
	resetAt     int
	initFailed  bool
	resetWanted bool

	played []int
	resets int
	drains int
}

func newFakeEngine(clk *clock.Mock, perFrame time.Duration) *fakeEngine {
	return &fakeEngine{clock: clk, perFrame: perFrame, failInitAt: -1, lostAt: -1, resetAt: -1}
}

func (e *fakeEngine) AddFrame(ctx context.Context, in InputFrame) (FrameResult, error) {
	e.clock.Add(e.perFrame)
	e.played = append(e.played, in.Index)
	switch {
	case in.Index == e.failInitAt:
		e.initFailed = true
	case in.Index == e.lostAt:
		e.state = Lost
	case in.Index == e.resetAt:
		e.resetWanted = true
	case e.state != Lost:
		e.state = Initializing
		if in.Index >= e.initUntil {
			e.state = Tracking
		}
	}
	return FrameResult{State: e.state}, nil
}

func (e *fakeEngine) State() State { return e.state }

func (e *fakeEngine) InitFailed() bool { return e.initFailed }

func (e *fakeEngine) ResetRequested() bool { return e.resetWanted }

func (e *fakeEngine) Reset(ctx context.Context) error {
	e.resets++
	e.state = Uninitialized
	e.initFailed = false
	e.resetWanted = false
	return nil
}

func (e *fakeEngine) Drain(ctx context.Context) error {
	e.drains++
	return nil
}

func run(t *testing.T, engine *fakeEngine, src Source, opts RunOptions) RunStats {
	t.Helper()
	stats, err := NewRunner(engine, src, opts, engine.clock, logging.NewTestLogger(t)).Run(context.Background())
	test.That(t, err, test.ShouldBeNil)
	return stats
}

func defaultRunOptions() RunOptions {
	return RunOptions{ResetFrameBudget: 250, LateSkip: 0.5}
}

func TestPacedRunMatchesSynchronous(t *testing.T) {
	direct := newFakeEngine(clock.NewMock(), time.Second)
	run(t, direct, &fakeSource{n: 20}, defaultRunOptions())

	opts := defaultRunOptions()
	opts.PlaybackSpeed = 1
	paced := newFakeEngine(clock.NewMock(), time.Second)
	stats := run(t, paced, &fakeSource{n: 20}, opts)

	test.That(t, paced.played, test.ShouldResemble, direct.played)
	test.That(t, stats.Played, test.ShouldEqual, 20)
	test.That(t, stats.Skipped, test.ShouldEqual, 0)
	test.That(t, stats.MeanFrameTime, test.ShouldEqual, time.Second)
	test.That(t, stats.Duration, test.ShouldEqual, 20*time.Second)
	test.That(t, paced.drains, test.ShouldEqual, 1)
}

func TestPacedRunSkipsLateFrames(t *testing.T) {
	opts := defaultRunOptions()
	opts.PlaybackSpeed = 1
	engine := newFakeEngine(clock.NewMock(), 2*time.Second)
	stats := run(t, engine, &fakeSource{n: 10}, opts)

	test.That(t, engine.played, test.ShouldResemble, []int{0, 2, 4, 6, 8})
	test.That(t, stats.Skipped, test.ShouldEqual, 5)

	// At twice the speed frames are half a second apart. Odd frames get 0.1 s more slack, which is
	// just enough for them.
	opts.PlaybackSpeed = 2
	engine = newFakeEngine(clock.NewMock(), time.Second)
	run(t, engine, &fakeSource{n: 10}, opts)
	test.That(t, engine.played, test.ShouldResemble, []int{0, 1, 3, 5, 7, 9})
}

func TestPacingRestartsWhileUninitialized(t *testing.T) {
	opts := defaultRunOptions()
	opts.PlaybackSpeed = 1
	engine := newFakeEngine(clock.NewMock(), 3*time.Second)
	engine.initUntil = 3
	stats := run(t, engine, &fakeSource{n: 8}, opts)

	// Nothing is late before the engine is initialized at frame 3. From then on frames take three
	// times their spacing.
	test.That(t, engine.played, test.ShouldResemble, []int{0, 1, 2, 3, 6})
	test.That(t, stats.Skipped, test.ShouldEqual, 3)
}

func TestRunRange(t *testing.T) {
	opts := defaultRunOptions()
	opts.Start, opts.End = 2, 6
	engine := newFakeEngine(clock.NewMock(), 0)
	run(t, engine, &fakeSource{n: 10}, opts)
	test.That(t, engine.played, test.ShouldResemble, []int{2, 3, 4, 5})

	opts.Reverse = true
	opts.Preload = true
	src := &fakeSource{n: 10}
	engine = newFakeEngine(clock.NewMock(), 0)
	run(t, engine, src, opts)
	test.That(t, engine.played, test.ShouldResemble, []int{5, 4, 3, 2})
	test.That(t, src.loaded, test.ShouldHaveLength, 4)
}

func TestRunResetsOnInitFailure(t *testing.T) {
	engine := newFakeEngine(clock.NewMock(), 0)
	engine.failInitAt = 3
	stats := run(t, engine, &fakeSource{n: 10}, defaultRunOptions())
	test.That(t, stats.Resets, test.ShouldEqual, 1)
	test.That(t, stats.Played, test.ShouldEqual, 10)
	test.That(t, stats.FinalState, test.ShouldEqual, Tracking)

	opts := defaultRunOptions()
	opts.ResetFrameBudget = 2
	engine = newFakeEngine(clock.NewMock(), 0)
	engine.failInitAt = 3
	_, err := NewRunner(engine, &fakeSource{n: 10}, opts, engine.clock, logging.NewTestLogger(t)).Run(context.Background())
	test.That(t, errors.Is(err, ErrInitializationFailed), test.ShouldBeTrue)
	test.That(t, engine.resets, test.ShouldEqual, 0)
	test.That(t, engine.drains, test.ShouldEqual, 1)

	// A reset asked for by mapping is honoured past the budget.
	engine = newFakeEngine(clock.NewMock(), 0)
	engine.resetAt = 3
	stats = run(t, engine, &fakeSource{n: 10}, opts)
	test.That(t, stats.Resets, test.ShouldEqual, 1)
}

func TestRunStopsWhenLost(t *testing.T) {
	engine := newFakeEngine(clock.NewMock(), 0)
	engine.lostAt = 4
	stats := run(t, engine, &fakeSource{n: 10}, defaultRunOptions())
	test.That(t, stats.Played, test.ShouldEqual, 5)
	test.That(t, stats.FinalState, test.ShouldEqual, Lost)
	test.That(t, engine.drains, test.ShouldEqual, 1)
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	engine := newFakeEngine(clock.NewMock(), 0)
	stats, err := NewRunner(engine, &fakeSource{n: 10}, defaultRunOptions(), engine.clock,
		logging.NewTestLogger(t)).Run(ctx)
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
	test.That(t, stats.Played, test.ShouldEqual, 0)
	test.That(t, engine.drains, test.ShouldEqual, 1)
}
