package odometry

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"go.viam.com/dso/config"
	"go.viam.com/dso/logging"
	"go.viam.com/dso/rimage/transform"
	"go.viam.com/dso/spatialmath"
	"go.viam.com/dso/utils"
	"go.viam.com/dso/vision/odometry/initializer"
	"go.viam.com/dso/vision/odometry/lifecycle"
	"go.viam.com/dso/vision/odometry/optimizer"
	"go.viam.com/dso/vision/odometry/tracker"
	"go.viam.com/dso/vision/odometry/window"
)

// mapItem is a tracked frame handed from tracking to mapping.
type mapItem struct {
	frame    *window.Frame
	relToRef spatialmath.SE3
	pose     spatialmath.SE3
	affine   transform.AffLight
	refKFID  int
	keyframe bool
	shell    *frameShell
}

// mapper owns the window. Tracked frames are queued in order and processed by a single mapping
// goroutine; in linearized mode they are processed inline by the caller instead.
type mapper struct {
	cfg     *config.Config
	calib   *transform.Calibration
	logger  logging.Logger
	w       *window.Window
	opt     *optimizer.Optimizer
	mgr     *lifecycle.Manager
	tracker *tracker.Tracker
	outputs *OutputSet
	traj    *Trajectory

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []mapItem
	busy   bool
	closed bool
	// kfRequestRef is the reference keyframe of the latest keyframe request, or -1.
	kfRequestRef int
	workers      *utils.StoppableWorkers

	// Mapping goroutine state.
	solverFailures int

	numKeyframes   atomic.Int64
	initFailed     atomic.Bool
	resetRequested atomic.Bool
}

func newMapper(
	cfg *config.Config,
	calib *transform.Calibration,
	tr *tracker.Tracker,
	outputs *OutputSet,
	traj *Trajectory,
	logger logging.Logger,
) *mapper {
	w := window.New(cfg.MaxFrames)
	m := &mapper{
		cfg:          cfg,
		calib:        calib,
		logger:       logger.Sublogger("mapper"),
		w:            w,
		opt:          optimizer.New(cfg, calib, w, logger.Sublogger("optimizer")),
		mgr:          lifecycle.NewManager(cfg, calib, logger.Sublogger("lifecycle")),
		tracker:      tr,
		outputs:      outputs,
		traj:         traj,
		kfRequestRef: -1,
	}
	m.cond = sync.NewCond(&m.mu)
	if !cfg.Linearized() {
		m.workers = utils.NewStoppableWorkers(m.workerPanicked, m.run)
	}
	return m
}

// bootstrap creates the first keyframe from a successful initialization and publishes it as the
// tracking reference. The mapper must be idle.
func (m *mapper) bootstrap(ctx context.Context, res *initializer.Result, shell *frameShell) (*window.Keyframe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.w.Len() != 0 || len(m.queue) != 0 || m.busy {
		return nil, errors.New("bootstrap requires an empty and idle mapper")
	}
	kf := window.NewKeyframe(res.First, m.w.NextKeyframeID(), spatialmath.IdentitySE3(), transform.AffLight{})
	for _, s := range res.Seeds {
		p, ok := window.NewImmaturePoint(kf, s.U, s.V, 1, m.cfg.Thresholds.GradientWeightC)
		if !ok {
			continue
		}
		p.State = window.Active
		p.Idepth = s.Idepth
		p.IdepthHessian = s.Hessian
		p.IdepthPrior = s.Idepth
		p.HasDepthPrior = true
		kf.Points = append(kf.Points, p)
	}
	if _, err := m.opt.Insert(ctx, kf); err != nil {
		return nil, err
	}
	m.numKeyframes.Inc()
	m.traj.addKeyframe(kf, shell)
	m.tracker.SetReference(tracker.NewReference(m.w, m.calib))
	m.logger.Infow("bootstrapped map", "keyframe", kf.KFID, "points", len(kf.Points))
	return kf, nil
}

// enqueue hands a tracked frame to mapping. In linearized mode the frame is mapped before enqueue
// returns.
func (m *mapper) enqueue(ctx context.Context, item mapItem) error {
	if m.workers == nil {
		return m.process(ctx, item, item.keyframe)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("mapper is stopped")
	}
	if item.keyframe {
		m.kfRequestRef = item.refKFID
	}
	m.queue = append(m.queue, item)
	m.cond.Broadcast()
	return nil
}

// run is the mapping goroutine. When frames queue up, a requested keyframe is deferred to the
// newest queued frame and the ones before it are only used for tracing.
func (m *mapper) run(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		m.closed = true
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer stop()
	for {
		m.mu.Lock()
		for len(m.queue) == 0 && !m.closed {
			m.cond.Wait()
		}
		if m.closed {
			m.mu.Unlock()
			return
		}
		item := m.queue[0]
		m.queue[0] = mapItem{}
		m.queue = m.queue[1:]
		makeKF := false
		if len(m.queue) == 0 {
			newest := m.w.Newest()
			makeKF = newest == nil || m.kfRequestRef >= newest.KFID
		}
		m.busy = true
		m.mu.Unlock()

		if err := m.process(ctx, item, makeKF); err != nil && ctx.Err() == nil {
			m.logger.Errorw("mapping failed", "frame", item.frame.ID, "error", err)
		}

		m.mu.Lock()
		m.busy = false
		m.cond.Broadcast()
		m.mu.Unlock()
	}
}

// workerPanicked stops accepting frames and asks for a reset after the mapping goroutine died.
func (m *mapper) workerPanicked(err error) {
	m.logger.Errorw("mapping stopped", "error", err)
	m.resetRequested.Store(true)
	m.mu.Lock()
	m.closed = true
	m.busy = false
	m.cond.Broadcast()
	m.mu.Unlock()
}

// drain blocks until every queued frame has been mapped.
func (m *mapper) drain(ctx context.Context) error {
	if m.workers == nil {
		return nil
	}
	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer stop()
	m.mu.Lock()
	defer m.mu.Unlock()
	for (len(m.queue) > 0 || m.busy) && !m.closed {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.cond.Wait()
	}
	return m.workers.Err()
}

// stop ends the mapping goroutine, dropping frames still queued, and releases the window.
func (m *mapper) stop() {
	if m.workers != nil {
		m.mu.Lock()
		m.closed = true
		m.cond.Broadcast()
		m.mu.Unlock()
		m.workers.Stop()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = nil
	for _, kf := range m.w.Keyframes() {
		kf.Release()
	}
}

// currentPose re-anchors a tracked pose on the current estimate of its reference keyframe.
func (m *mapper) currentPose(item mapItem) spatialmath.SE3 {
	if ref := m.traj.keyframe(item.refKFID); ref != nil {
		return item.relToRef.Compose(ref.Pose)
	}
	return item.pose
}

func (m *mapper) process(ctx context.Context, item mapItem, makeKF bool) error {
	pose := m.currentPose(item)
	stats, err := m.mgr.TraceFrame(ctx, m.w, item.frame, pose, item.affine)
	if err != nil {
		return err
	}
	m.logger.Debugw("traced frame", "frame", item.frame.ID, "traced", stats.Traced, "good", stats.Good)
	if !makeKF {
		return nil
	}
	return m.makeKeyframe(ctx, item, pose)
}

func (m *mapper) makeKeyframe(ctx context.Context, item mapItem, pose spatialmath.SE3) error {
	th := &m.cfg.Thresholds
	kf := window.NewKeyframe(item.frame, m.w.NextKeyframeID(), pose, item.affine)
	evicted, err := m.opt.Insert(ctx, kf)
	if err != nil {
		m.solverFailed(err)
		return errors.Wrapf(err, "error inserting keyframe %d", kf.KFID)
	}
	total := m.numKeyframes.Inc()
	m.traj.addKeyframe(kf, item.shell)
	lifecycle.ConnectNewKeyframe(m.w, kf)

	res, err := m.opt.Optimize(ctx)
	switch {
	case err == nil:
		m.solverFailures = 0
	case errors.Is(err, optimizer.ErrNotConverged):
		// The best state found is kept.
	case errors.Is(err, optimizer.ErrIllConditioned):
		m.solverFailed(err)
	default:
		return err
	}
	m.logger.Debugw("refined window", "keyframe", kf.KFID, "energy", res.Energy, "converged", res.Converged)
	if gate := th.InitFailureRMSEFor(int(total)); gate > 0 && res.RMSE > gate {
		m.logger.Warnw("initialization looks wrong", "keyframes", total, "rmse", res.RMSE, "limit", gate)
		m.initFailed.Store(true)
	}

	// Point transitions use the refined estimates. Points activated here join the next pass.
	outliers := lifecycle.RemoveOutliers(m.w)
	marginalized, err := m.opt.MarginalizeFlagged(ctx)
	if err != nil {
		m.solverFailed(err)
		return err
	}
	act, err := m.mgr.Activate(ctx, m.w)
	if err != nil {
		return err
	}
	stale := lifecycle.DiscardStale(m.w, th.ImmatureMaxTraces)
	m.tracker.SetReference(tracker.NewReference(m.w, m.calib))
	created := m.mgr.MakeNewPoints(kf)

	m.logger.Debugw("made keyframe",
		"keyframe", kf.KFID,
		"frame", kf.ID,
		"evicted", evicted != nil,
		"activated", act.Activated,
		"rmse", res.RMSE,
		"iterations", res.Iterations,
		"outliers", outliers,
		"marginalized", len(marginalized),
		"newPoints", created,
		"stale", stale,
		"immature", m.w.NumImmaturePoints(),
	)
	m.outputs.PublishKeyframes(m.views())
	return nil
}

func (m *mapper) solverFailed(err error) {
	m.solverFailures++
	m.logger.Warnw("window solver failed", "consecutive", m.solverFailures, "error", err)
	if m.solverFailures > m.cfg.Thresholds.SolverFailureTolerance {
		m.resetRequested.Store(true)
	}
}

func (m *mapper) views() []KeyframeView {
	kfs := m.w.Keyframes()
	out := make([]KeyframeView, 0, len(kfs))
	for _, kf := range kfs {
		out = append(out, KeyframeView{
			KFID:            kf.KFID,
			FrameID:         kf.ID,
			Timestamp:       kf.Timestamp,
			Pose:            kf.Pose,
			Affine:          kf.Affine,
			NumActive:       len(kf.ActivePoints()),
			NumImmature:     len(kf.ImmaturePoints()),
			NumMarginalized: len(kf.Marginalized),
		})
	}
	return out
}
