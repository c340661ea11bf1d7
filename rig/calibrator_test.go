package rig

import (
	"context"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"github.com/kvoit/calibcam-po/board"
	"github.com/kvoit/calibcam-po/camera"
	"github.com/kvoit/calibcam-po/detect"
	"github.com/kvoit/calibcam-po/optim"
	"github.com/kvoit/calibcam-po/spatialmath"
)

// testRig is a two-camera rig with perfect synthetic detections.
type testRig struct {
	board    *board.Board
	cams     []*camera.Camera
	boards   optim.BoardPoses
	obs      *detect.Observations
}

func newTestRig(t *testing.T, nPoses int) *testRig {
	t.Helper()
	b := &board.Board{SquaresX: 3, SquaresY: 3, SquareLength: 0.1, MarkerLength: 0.08}
	template := b.CornerTemplate()

	cams := []*camera.Camera{
		{
			K:    mat.NewDense(3, 3, []float64{800, 0, 320, 0, 810, 240, 0, 0, 1}),
			Dist: make([]float64, 5),
		},
		{
			Rotation:    r3.Vector{Y: 0.1},
			Translation: r3.Vector{X: -0.2, Z: 0.05},
			K:           mat.NewDense(3, 3, []float64{790, 0, 315, 0, 795, 245, 0, 0, 1}),
			Dist:        []float64{0.05, -0.01, 0, 0, 0},
		},
	}

	boards := optim.BoardPoses{}
	frames := make([]int, nPoses)
	for p := 0; p < nPoses; p++ {
		frames[p] = p
		boards.Rotations = append(boards.Rotations, r3.Vector{X: 0.05 * float64(p), Y: -0.03, Z: 0.02})
		boards.Translations = append(boards.Translations, r3.Vector{X: -0.1, Y: -0.1, Z: 1 + 0.1*float64(p)})
	}

	obs, err := detect.NewObservations(len(cams), len(template), frames)
	test.That(t, err, test.ShouldBeNil)
	for c, cam := range cams {
		for p := 0; p < nPoses; p++ {
			for k, pt := range template {
				world := spatialmath.Transform(boards.Rotations[p], boards.Translations[p], pt)
				obs.Set(c, p, k, cam.Project(world))
			}
		}
	}
	return &testRig{board: b, cams: cams, boards: boards, obs: obs}
}

type fakeDetector struct {
	obs *detect.Observations
	// counts overrides the per-recording frame counts; by default every
	// recording reports one frame per pose slot.
	counts    []int
	gotFrames int
}

func (d *fakeDetector) FrameCounts(ctx context.Context, recordings []string) ([]int, error) {
	if d.counts != nil {
		return d.counts, nil
	}
	_, nPoses, _ := d.obs.Dims()
	counts := make([]int, len(recordings))
	for i := range counts {
		counts[i] = nPoses
	}
	return counts, nil
}

func (d *fakeDetector) Detect(
	ctx context.Context, recordings []string, b *board.Board, nFrames int,
) (*detect.Observations, error) {
	d.gotFrames = nFrames
	return d.obs, nil
}

type fakeSingleCalibrator struct {
	rig *testRig
}

func (s *fakeSingleCalibrator) Calibrate(
	ctx context.Context, cam int, obs *detect.Observations, b *board.Board,
) (*SingleCalibration, error) {
	_, nPoses, _ := obs.Dims()
	mask := make([]bool, nPoses)
	for p := range mask {
		mask[p] = obs.CameraObservesPose(cam, p)
	}
	return &SingleCalibration{
		Camera:            s.rig.cams[cam].Clone(),
		PoseMask:          mask,
		BoardRotations:    append([]r3.Vector(nil), s.rig.boards.Rotations...),
		BoardTranslations: append([]r3.Vector(nil), s.rig.boards.Translations...),
	}, nil
}

type fakePoseEstimator struct {
	rig *testRig
}

func (p *fakePoseEstimator) EstimatePoses(calibs []*SingleCalibration, coordCam int) ([]*camera.Camera, error) {
	cams := make([]*camera.Camera, len(calibs))
	for i := range calibs {
		cams[i] = p.rig.cams[i].Clone()
	}
	return cams, nil
}

func TestCalibratorRun(t *testing.T) {
	logger := golog.NewTestLogger(t)
	rig := newTestRig(t, 3)

	cal, err := NewCalibrator(
		Config{
			Recordings: []string{"cam0.mp4", "cam1.mp4"},
			Board:      rig.board,
			Options:    optim.DefaultOptions(),
		},
		&fakeDetector{obs: rig.obs},
		&fakeSingleCalibrator{rig: rig},
		&fakePoseEstimator{rig: rig},
		logger,
	)
	test.That(t, err, test.ShouldBeNil)

	res, err := cal.Run(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Version, test.ShouldEqual, 2.0)
	test.That(t, res.Converged, test.ShouldBeTrue)
	test.That(t, res.Cost, test.ShouldAlmostEqual, 0, 1e-10)
	test.That(t, res.Cameras, test.ShouldHaveLength, 2)
	test.That(t, res.BoardRotations, test.ShouldHaveLength, 3)
	test.That(t, res.FrameIndices, test.ShouldResemble, []int{0, 1, 2})

	// The refined extrinsics match the ground truth the detections came from.
	test.That(t, res.Cameras[1].Translation[0], test.ShouldAlmostEqual, -0.2, 1e-6)
}

func TestCalibratorRunFrameCountPolicy(t *testing.T) {
	logger := golog.NewTestLogger(t)
	tr := newTestRig(t, 3)

	newCal := func(allow bool, det *fakeDetector) *Calibrator {
		cal, err := NewCalibrator(
			Config{
				Recordings:              []string{"cam0.mp4", "cam1.mp4"},
				Board:                   tr.board,
				Options:                 optim.DefaultOptions(),
				AllowUnequalFrameCounts: allow,
			},
			det,
			&fakeSingleCalibrator{rig: tr},
			&fakePoseEstimator{rig: tr},
			logger,
		)
		test.That(t, err, test.ShouldBeNil)
		return cal
	}

	// Recordings disagreeing on frame count abort the pipeline by default.
	det := &fakeDetector{obs: tr.obs, counts: []int{120, 119}}
	_, err := newCal(false, det).Run(context.Background())
	test.That(t, errors.Is(err, ErrUnequalFrameCounts), test.ShouldBeTrue)

	// With truncation allowed, detection is told to stop at the shortest
	// recording.
	det = &fakeDetector{obs: tr.obs, counts: []int{120, 119}}
	res, err := newCal(true, det).Run(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Converged, test.ShouldBeTrue)
	test.That(t, det.gotFrames, test.ShouldEqual, 119)
}

func TestNewCalibratorUnknownSolverMethod(t *testing.T) {
	logger := golog.NewTestLogger(t)
	tr := newTestRig(t, 1)
	opts := optim.DefaultOptions()
	opts.Solver.Method = "downhill-simplex"
	_, err := NewCalibrator(
		Config{Board: tr.board, Options: opts},
		&fakeDetector{obs: tr.obs},
		&fakeSingleCalibrator{rig: tr},
		&fakePoseEstimator{rig: tr},
		logger,
	)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestNewCalibratorInvalidBoard(t *testing.T) {
	logger := golog.NewTestLogger(t)
	_, err := NewCalibrator(
		Config{Board: &board.Board{SquaresX: 1, SquaresY: 1, SquareLength: 0.1}},
		nil, nil, nil, logger,
	)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestSeedBoardPoses(t *testing.T) {
	first := &SingleCalibration{
		PoseMask:          []bool{true, false, false},
		BoardRotations:    []r3.Vector{{X: 1}, {}, {}},
		BoardTranslations: []r3.Vector{{Z: 1}, {}, {}},
	}
	second := &SingleCalibration{
		PoseMask:          []bool{true, true, false},
		BoardRotations:    []r3.Vector{{X: 2}, {X: 3}, {}},
		BoardTranslations: []r3.Vector{{Z: 2}, {Z: 3}, {}},
	}

	boards := SeedBoardPoses([]*SingleCalibration{first, second}, 3)
	test.That(t, boards.Len(), test.ShouldEqual, 3)
	// Slot 0 takes the first calibration that covers it.
	test.That(t, boards.Rotations[0], test.ShouldResemble, r3.Vector{X: 1})
	test.That(t, boards.Translations[0], test.ShouldResemble, r3.Vector{Z: 1})
	// Slot 1 is only covered by the second.
	test.That(t, boards.Rotations[1], test.ShouldResemble, r3.Vector{X: 3})
	test.That(t, boards.Translations[1], test.ShouldResemble, r3.Vector{Z: 3})
	// Slot 2 is uncovered and stays at zero.
	test.That(t, boards.Rotations[2], test.ShouldResemble, r3.Vector{})
	test.That(t, boards.Translations[2], test.ShouldResemble, r3.Vector{})

	// Nil calibrations are skipped.
	boards = SeedBoardPoses([]*SingleCalibration{nil, second}, 2)
	test.That(t, boards.Rotations[0], test.ShouldResemble, r3.Vector{X: 2})
}

func TestCheckFrameCounts(t *testing.T) {
	n, err := CheckFrameCounts([]int{120, 120, 120}, false)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, n, test.ShouldEqual, 120)

	_, err = CheckFrameCounts([]int{120, 119}, false)
	test.That(t, errors.Is(err, ErrUnequalFrameCounts), test.ShouldBeTrue)

	n, err = CheckFrameCounts([]int{120, 119, 121}, true)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, n, test.ShouldEqual, 119)

	_, err = CheckFrameCounts(nil, true)
	test.That(t, err, test.ShouldNotBeNil)
}
