package odometry

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"

	"go.viam.com/dso/config"
	"go.viam.com/dso/logging"
	"go.viam.com/dso/rimage"
	"go.viam.com/dso/rimage/transform"
	"go.viam.com/dso/spatialmath"
	"go.viam.com/dso/vision/odometry/initializer"
	"go.viam.com/dso/vision/odometry/tracker"
	"go.viam.com/dso/vision/odometry/window"
)

// InputFrame is a raw image with its metadata.
type InputFrame struct {
	Index     int
	Timestamp float64
	// Exposure is the exposure time, or 0 when unknown.
	Exposure float64
	// Image holds raw intensities in [0, 255] at the calibrated size.
	Image *rimage.FloatImage
}

// FrameResult is the outcome of AddFrame.
type FrameResult struct {
	State State
	// Tracked is set when Pose holds the frame's world-to-camera transform.
	Tracked bool
	Pose    spatialmath.SE3
	RMSE    float64
	// KeyframeRequested is set when the frame was handed to mapping as a keyframe candidate.
	KeyframeRequested bool
}

// session holds every entity rebuilt on reset.
type session struct {
	state   State
	tracker *tracker.Tracker
	init    *initializer.Initializer
	mapper  *mapper
	traj    *Trajectory

	firstShell    *frameShell
	lastAffine    transform.AffLight
	trackFailures int
	initFailed    bool
}

// System is the odometry engine. AddFrame, Reset and Close are called from a single tracking
// goroutine; mapping runs on its own goroutine unless the config asks for linearized operation.
type System struct {
	cfg     *config.Config
	calib   *transform.Calibration
	logger  logging.Logger
	outputs *OutputSet

	mu     sync.Mutex
	sess   *session
	closed bool
}

// NewSystem validates cfg and returns an engine in the Uninitialized state.
func NewSystem(cfg *config.Config, calib *transform.Calibration, logger logging.Logger, outputs ...Output) (*System, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if calib == nil {
		return nil, errors.New("calibration is required")
	}
	if !cfg.UsePhotometricCalibration() {
		calib = calib.WithoutPhotometric()
	}
	s := &System{
		cfg:     cfg,
		calib:   calib,
		logger:  logger,
		outputs: &OutputSet{},
	}
	for _, o := range outputs {
		s.outputs.Add(o)
	}
	s.sess = s.newSession()
	return s, nil
}

func (s *System) newSession() *session {
	tr := tracker.New(s.cfg, s.calib, s.logger.Sublogger("tracker"))
	traj := newTrajectory()
	return &session{
		state:   Uninitialized,
		tracker: tr,
		init:    initializer.New(s.cfg, s.calib, s.logger.Sublogger("initializer")),
		mapper:  newMapper(s.cfg, s.calib, tr, s.outputs, traj, s.logger),
		traj:    traj,
	}
}

// Outputs returns the output set, which survives resets.
func (s *System) Outputs() *OutputSet {
	return s.outputs
}

// State returns the current state.
func (s *System) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess.state
}

// InitFailed reports whether bootstrapping failed, either in the initializer or because the first
// keyframes could not be explained by the map. The engine must be reset.
func (s *System) InitFailed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess.initFailed || s.sess.mapper.initFailed.Load()
}

// ResetRequested reports whether mapping asked for a full reset after repeated solver failures.
func (s *System) ResetRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess.mapper.resetRequested.Load()
}

// NumKeyframes returns the number of keyframes created in the current session.
func (s *System) NumKeyframes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.sess.mapper.numKeyframes.Load())
}

// Trajectory returns the pose history of the current session. Read it only after Drain.
func (s *System) Trajectory() *Trajectory {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess.traj
}

func (s *System) prepare(in InputFrame) (*window.Frame, error) {
	if in.Image == nil {
		return nil, errors.Errorf("frame %d has no image", in.Index)
	}
	img, exposure, err := s.calib.Undistort(in.Image, in.Exposure)
	if err != nil {
		return nil, err
	}
	pyr, err := s.calib.NewPyramid(img)
	if err != nil {
		return nil, err
	}
	return window.NewFrame(in.Index, in.Timestamp, exposure, pyr), nil
}

// AddFrame processes the next frame of the stream.
func (s *System) AddFrame(ctx context.Context, in InputFrame) (FrameResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return FrameResult{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return FrameResult{}, err
	}
	sess := s.sess
	if sess.state == Lost {
		return FrameResult{State: Lost}, nil
	}
	if sess.initFailed {
		return FrameResult{State: sess.state}, nil
	}
	frame, err := s.prepare(in)
	if err != nil {
		return FrameResult{State: sess.state}, err
	}
	shell := sess.traj.addFrame(frame.ID, frame.Timestamp)

	switch sess.state {
	case Uninitialized:
		sess.state = Initializing
		if err := sess.init.SetFirst(frame); err != nil {
			return FrameResult{State: sess.state}, s.initFailure(sess, frame.ID, err)
		}
		identity := spatialmath.IdentitySE3()
		sess.traj.setTracked(shell, identity, identity, -1)
		sess.firstShell = shell
		return FrameResult{State: sess.state, Tracked: true, Pose: identity}, nil
	case Initializing:
		return s.initialize(ctx, sess, frame, shell)
	case Tracking:
		return s.track(ctx, sess, frame, shell)
	case Lost:
	}
	return FrameResult{State: sess.state}, nil
}

func (s *System) initFailure(sess *session, frameID int, err error) error {
	if !errors.Is(err, initializer.ErrInitFailed) {
		return err
	}
	sess.initFailed = true
	s.logger.Warnw("initialization failed", "frame", frameID, "error", err)
	return nil
}

func (s *System) initialize(ctx context.Context, sess *session, frame *window.Frame, shell *frameShell) (FrameResult, error) {
	prog, err := sess.init.AddFrame(ctx, frame)
	if err != nil {
		return FrameResult{State: sess.state}, s.initFailure(sess, frame.ID, err)
	}
	if !prog.Done {
		return FrameResult{State: sess.state, RMSE: prog.RMSE}, nil
	}
	res, err := sess.init.Result()
	if err != nil {
		return FrameResult{State: sess.state}, s.initFailure(sess, frame.ID, err)
	}
	kf0, err := sess.mapper.bootstrap(ctx, res, sess.firstShell)
	if err != nil {
		return FrameResult{State: sess.state}, err
	}
	sess.state = Tracking
	sess.lastAffine = res.Affine
	sess.traj.setTracked(shell, res.Pose, res.Pose.Compose(kf0.Pose.Inverse()), kf0.KFID)
	s.outputs.PublishPose(FramePose{
		FrameID:   frame.ID,
		Timestamp: frame.Timestamp,
		Pose:      res.Pose,
		Affine:    res.Affine,
		RMSE:      prog.RMSE,
		RefKFID:   kf0.KFID,
		Keyframe:  true,
	})
	err = sess.mapper.enqueue(ctx, mapItem{
		frame:    frame,
		relToRef: res.Pose.Compose(kf0.Pose.Inverse()),
		pose:     res.Pose,
		affine:   res.Affine,
		refKFID:  kf0.KFID,
		keyframe: true,
		shell:    shell,
	})
	return FrameResult{State: sess.state, Tracked: true, Pose: res.Pose, RMSE: prog.RMSE, KeyframeRequested: true}, err
}

func (s *System) track(ctx context.Context, sess *session, frame *window.Frame, shell *frameShell) (FrameResult, error) {
	ref := sess.tracker.Reference()
	if ref == nil {
		return FrameResult{State: sess.state}, errors.New("tracking without reference")
	}
	last, prev := sess.traj.lastTracked()
	hyps := tracker.MotionHypotheses(last, prev, ref.Pose)
	res, err := sess.tracker.Track(frame, hyps, sess.lastAffine)
	if err != nil {
		if !errors.Is(err, tracker.ErrTrackingFailed) {
			return FrameResult{State: sess.state}, err
		}
		sess.trackFailures++
		s.logger.Warnw("frame not tracked", "frame", frame.ID, "consecutive", sess.trackFailures, "error", err)
		if sess.trackFailures >= s.cfg.Thresholds.TrackerFailureTolerance {
			sess.state = Lost
			s.logger.Errorw("tracking lost", "frame", frame.ID)
		}
		return FrameResult{State: sess.state}, nil
	}
	sess.trackFailures = 0
	sess.lastAffine = res.Affine
	s.logger.CDebugw(ctx, "tracked frame", "frame", frame.ID, "rmse", res.RMSE, "refKeyframe", res.RefKFID)
	sess.traj.setTracked(shell, res.Pose, res.RelToRef, res.RefKFID)

	intr := s.calib.Intrinsics()
	needKF := needsKeyframe(&s.cfg.Thresholds, intr.Width, intr.Height, res, ref, frame.Exposure)
	s.outputs.PublishPose(FramePose{
		FrameID:   frame.ID,
		Timestamp: frame.Timestamp,
		Pose:      res.Pose,
		Affine:    res.Affine,
		RMSE:      res.RMSE,
		RefKFID:   res.RefKFID,
		Keyframe:  needKF,
	})
	err = sess.mapper.enqueue(ctx, mapItem{
		frame:    frame,
		relToRef: res.RelToRef,
		pose:     res.Pose,
		affine:   res.Affine,
		refKFID:  res.RefKFID,
		keyframe: needKF,
		shell:    shell,
	})
	return FrameResult{State: sess.state, Tracked: true, Pose: res.Pose, RMSE: res.RMSE, KeyframeRequested: needKF}, err
}

// Drain blocks until mapping has caught up with every tracked frame.
func (s *System) Drain(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess.mapper.drain(ctx)
}

// Reset waits for mapping, discards the map and every session entity and returns to
// Uninitialized. Outputs stay attached and are told to reset. Resetting twice in a row is the
// same as resetting once.
func (s *System) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	err := s.sess.mapper.drain(ctx)
	s.sess.mapper.stop()
	s.sess.tracker.Reset()
	s.outputs.Reset()
	s.sess = s.newSession()
	s.logger.Info("odometry reset")
	return err
}

// Close waits for mapping, stops it, joins and detaches the outputs and releases the window. The
// trajectory stays available for WriteResult.
func (s *System) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.sess.mapper.drain(ctx)
	s.sess.mapper.stop()
	s.outputs.Join()
	return err
}

// WriteResult writes the trajectory of the current session in TUM format. It waits for mapping
// first so keyframe poses are final.
func (s *System) WriteResult(ctx context.Context, w io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		if err := s.sess.mapper.drain(ctx); err != nil {
			return err
		}
	}
	return s.sess.traj.WriteTUM(w)
}
