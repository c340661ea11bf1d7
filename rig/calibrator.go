// Package rig orchestrates the full multi-camera calibration pipeline:
// corner detection, per-camera single calibration, analytic pose estimation,
// and the staged joint optimization. Detection, single calibration and pose
// estimation are collaborators behind interfaces; the optimization engine is
// the optim package.
package rig

import (
	"context"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/kvoit/calibcam-po/board"
	"github.com/kvoit/calibcam-po/camera"
	"github.com/kvoit/calibcam-po/detect"
	"github.com/kvoit/calibcam-po/optim"
	"github.com/kvoit/calibcam-po/solver"
)

// ErrUnequalFrameCounts is when the recordings do not agree on the number of
// frames and the configuration does not allow truncating to the shortest.
var ErrUnequalFrameCounts = errors.New("recordings have unequal frame counts")

// SingleCalibration is the per-camera result of the single-camera calibrator:
// an initial parameter block (pose still in the camera's own frame) and the
// board pose the camera saw at each pose slot it observed.
type SingleCalibration struct {
	Camera *camera.Camera
	// PoseMask marks the pose slots this camera has a board pose for.
	PoseMask []bool
	// BoardRotations and BoardTranslations are aligned with the pose axis of
	// the observations; entries are only valid where PoseMask is set.
	BoardRotations    []r3.Vector
	BoardTranslations []r3.Vector
	ReproError        float64
}

// SingleCalibrator estimates initial intrinsics and per-frame board poses for
// one camera from that camera's detections alone. It may return an empty
// result when the camera has no usable frames.
type SingleCalibrator interface {
	Calibrate(ctx context.Context, cam int, obs *detect.Observations, b *board.Board) (*SingleCalibration, error)
}

// PoseEstimator analytically estimates rig-consistent camera extrinsics from
// the single-camera calibrations, with the reference camera pinned at the
// origin.
type PoseEstimator interface {
	EstimatePoses(calibs []*SingleCalibration, coordCam int) ([]*camera.Camera, error)
}

// Config bundles the pipeline inputs.
type Config struct {
	Recordings []string
	Board      *board.Board
	Options    optim.Options
	// AllowUnequalFrameCounts truncates to the shortest recording instead of
	// failing when recordings disagree on frame count. Sometimes the last
	// frame of a recording is cut, so this may be okay.
	AllowUnequalFrameCounts bool `json:"allow_unequal_n_frame"`
}

// Calibrator runs the pipeline.
type Calibrator struct {
	logger   golog.Logger
	detector detect.Detector
	single   SingleCalibrator
	poses    PoseEstimator
	driver   *optim.Driver
	cfg      Config
}

// NewCalibrator wires the collaborators together. The driver solves with the
// solver method the options name; the default is the pure-Go
// Levenberg-Marquardt.
func NewCalibrator(
	cfg Config,
	detector detect.Detector,
	single SingleCalibrator,
	poses PoseEstimator,
	logger golog.Logger,
) (*Calibrator, error) {
	if err := cfg.Board.CheckValid(); err != nil {
		return nil, err
	}
	slv, err := solver.NewSolver(cfg.Options.Solver.Method, logger)
	if err != nil {
		return nil, err
	}
	return &Calibrator{
		logger:   logger,
		detector: detector,
		single:   single,
		poses:    poses,
		driver:   optim.NewDriver(slv, cfg.Options, logger),
		cfg:      cfg,
	}, nil
}

// Run performs the multi-camera calibration end to end.
func (c *Calibrator) Run(ctx context.Context) (*Result, error) {
	counts, err := c.detector.FrameCounts(ctx, c.cfg.Recordings)
	if err != nil {
		return nil, errors.Wrap(err, "probing recording lengths failed")
	}
	nFrames, err := CheckFrameCounts(counts, c.cfg.AllowUnequalFrameCounts)
	if err != nil {
		return nil, err
	}
	c.logger.Infof("using %d frames from each of %d recordings", nFrames, len(counts))

	obs, err := c.detector.Detect(ctx, c.cfg.Recordings, c.cfg.Board, nFrames)
	if err != nil {
		return nil, errors.Wrap(err, "corner detection failed")
	}
	nCams, nPoses, _ := obs.Dims()
	c.logger.Infof("detection finished: %d cameras, %d frames with a board pose", nCams, nPoses)

	calibs, err := c.singleCalibrations(ctx, obs)
	if err != nil {
		return nil, err
	}

	cams, err := c.poses.EstimatePoses(calibs, c.cfg.Options.CoordCam)
	if err != nil {
		return nil, errors.Wrap(err, "analytic pose estimation failed")
	}
	for i, cam := range cams {
		intr, err := cam.Intrinsics()
		if err != nil {
			return nil, errors.Wrapf(err, "camera %d intrinsics", i)
		}
		c.logger.Infof("cam %02d initial intrinsics: fx %.6g fy %.6g ppx %.6g ppy %.6g",
			i, intr.Fx, intr.Fy, intr.Ppx, intr.Ppy)
	}

	boards := SeedBoardPoses(calibs, nPoses)
	c.logger.Info("starting multi camera calibration")
	res, err := c.driver.Calibrate(ctx, cams, boards, obs, c.cfg.Board.CornerTemplate())
	if err != nil {
		return nil, err
	}
	return NewResult(res, obs, c.cfg.Options), nil
}

// singleCalibrations runs the per-camera calibrator for every camera in
// parallel. Each worker reads only its own camera's detections and writes
// only its own slot, so there is no shared mutable state to guard.
func (c *Calibrator) singleCalibrations(ctx context.Context, obs *detect.Observations) ([]*SingleCalibration, error) {
	nCams, _, _ := obs.Dims()
	calibs := make([]*SingleCalibration, nCams)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < nCams; i++ {
		g.Go(func() error {
			calib, err := c.single.Calibrate(gctx, i, obs, c.cfg.Board)
			if err != nil {
				return errors.Wrapf(err, "single calibration of camera %d", i)
			}
			calibs[i] = calib
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i, calib := range calibs {
		used := 0
		for _, ok := range calib.PoseMask {
			if ok {
				used++
			}
		}
		c.logger.Infof("used %03d frames for single cam calibration for cam %02d", used, i)
	}
	return calibs, nil
}

// SeedBoardPoses builds the initial common board pose per pose slot from the
// first camera that observed the slot. Slots no calibration covers stay at
// zero for the optimizer to recover.
//
// TODO: average over all cameras observing the slot instead of taking the
// first; requires weighting by the single-calibration reprojection error.
func SeedBoardPoses(calibs []*SingleCalibration, nPoses int) optim.BoardPoses {
	boards := optim.BoardPoses{
		Rotations:    make([]r3.Vector, nPoses),
		Translations: make([]r3.Vector, nPoses),
	}
	for p := 0; p < nPoses; p++ {
		for _, calib := range calibs {
			if calib == nil || p >= len(calib.PoseMask) || !calib.PoseMask[p] {
				continue
			}
			boards.Rotations[p] = calib.BoardRotations[p]
			boards.Translations[p] = calib.BoardTranslations[p]
			break
		}
	}
	return boards
}

// CheckFrameCounts validates per-recording frame counts before detection.
// When they disagree it fails, unless truncation is allowed, in which case it
// returns the shortest count.
func CheckFrameCounts(counts []int, allowUnequal bool) (int, error) {
	if len(counts) == 0 {
		return 0, errors.New("no recordings")
	}
	minCount := counts[0]
	equal := true
	for _, n := range counts[1:] {
		if n != counts[0] {
			equal = false
		}
		if n < minCount {
			minCount = n
		}
	}
	if !equal && !allowUnequal {
		return 0, ErrUnequalFrameCounts
	}
	return minCount, nil
}
