package optim

import (
	"context"
	"testing"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/kvoit/calibcam-po/solver"
)

func TestCalibratePerfect(t *testing.T) {
	logger := golog.NewTestLogger(t)
	cams, boards, obs, template := perfectRig(t, 3)

	d := NewDriver(solver.NewLMSolver(logger), DefaultOptions(), logger)
	res, err := d.Calibrate(context.Background(), cams, boards, obs, template)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Stage, test.ShouldEqual, StageFinal)
	test.That(t, res.Converged, test.ShouldBeTrue)
	test.That(t, res.Cost, test.ShouldAlmostEqual, 0, 1e-12)
	test.That(t, res.Cameras, test.ShouldHaveLength, 2)
	test.That(t, res.Boards.Len(), test.ShouldEqual, 3)
	test.That(t, res.Residuals, test.ShouldHaveLength, obs.NumResiduals())

	// Starting at the optimum, the parameters come back unchanged.
	test.That(t, res.Cameras[1].Translation.X, test.ShouldAlmostEqual, cams[1].Translation.X, 1e-9)
	test.That(t, res.Boards.Translations[2].Z, test.ShouldAlmostEqual, boards.Translations[2].Z, 1e-9)
}

func TestCalibrateRecoversPerturbation(t *testing.T) {
	logger := golog.NewTestLogger(t)
	cams, boards, obs, template := perfectRig(t, 3)
	trueTx := cams[1].Translation.X

	// A slightly wrong initial extrinsic must be pulled back to the truth by
	// the pose-only stage.
	cams[1] = cams[1].Clone()
	cams[1].Translation.X += 0.01

	d := NewDriver(solver.NewLMSolver(logger), DefaultOptions(), logger)
	res, err := d.Calibrate(context.Background(), cams, boards, obs, template)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Cost, test.ShouldBeLessThan, 1e-6)
	test.That(t, res.Cameras[1].Translation.X, test.ShouldAlmostEqual, trueTx, 1e-4)
}

func TestCalibrateShapeErrors(t *testing.T) {
	logger := golog.NewTestLogger(t)
	cams, boards, obs, template := perfectRig(t, 2)
	d := NewDriver(solver.NewLMSolver(logger), DefaultOptions(), logger)
	ctx := context.Background()

	_, err := d.Calibrate(ctx, cams[:1], boards, obs, template)
	test.That(t, errors.Is(err, ErrShapeMismatch), test.ShouldBeTrue)

	short := BoardPoses{Rotations: boards.Rotations[:1], Translations: boards.Translations[:1]}
	_, err = d.Calibrate(ctx, cams, short, obs, template)
	test.That(t, errors.Is(err, ErrShapeMismatch), test.ShouldBeTrue)

	opts := DefaultOptions()
	opts.CoordCam = 5
	d = NewDriver(solver.NewLMSolver(logger), opts, logger)
	_, err = d.Calibrate(ctx, cams, boards, obs, template)
	test.That(t, errors.Is(err, ErrShapeMismatch), test.ShouldBeTrue)
}

func TestRefinePoorFrames(t *testing.T) {
	logger := golog.NewTestLogger(t)
	cams, boards, obs, template := perfectRig(t, 3)
	truePose1 := boards.Translations[1]

	ev, err := NewEvaluator(obs, template, logger)
	test.That(t, err, test.ShouldBeNil)

	// Pose 1 is badly off; poses 0 and 2 are exact.
	bad := boards.Clone()
	bad.Translations[1].X += 0.05

	full, _, err := Flatten(cams, bad, allFree(), 0, false)
	test.That(t, err, test.ShouldBeNil)
	residuals, err := ev.Residuals(full)
	test.That(t, err, test.ShouldBeNil)

	opts := DefaultOptions()
	opts.PoorFrameThreshold = 1.0
	d := NewDriver(solver.NewLMSolver(logger), opts, logger)

	prev := &Result{
		Stage:     StageJoint,
		Cameras:   cams,
		Boards:    bad,
		Residuals: residuals,
	}
	out, err := d.refinePoorFrames(context.Background(), ev, prev)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out.Stage, test.ShouldEqual, StageFrameRefine)

	// Only the poor frame's pose moved; cameras are carried forward
	// untouched.
	test.That(t, out.Cameras[0] == prev.Cameras[0], test.ShouldBeTrue)
	test.That(t, out.Cameras[1] == prev.Cameras[1], test.ShouldBeTrue)
	test.That(t, out.Boards.Rotations[0], test.ShouldResemble, bad.Rotations[0])
	test.That(t, out.Boards.Translations[0], test.ShouldResemble, bad.Translations[0])
	test.That(t, out.Boards.Rotations[2], test.ShouldResemble, bad.Rotations[2])
	test.That(t, out.Boards.Translations[2], test.ShouldResemble, bad.Translations[2])

	test.That(t, out.Boards.Translations[1].X, test.ShouldAlmostEqual, truePose1.X, 1e-3)
	test.That(t, out.Cost, test.ShouldBeLessThan, 1e-6)
}

func TestRefinePoorFramesAllGood(t *testing.T) {
	logger := golog.NewTestLogger(t)
	cams, boards, obs, template := perfectRig(t, 2)
	ev, err := NewEvaluator(obs, template, logger)
	test.That(t, err, test.ShouldBeNil)

	full, _, err := Flatten(cams, boards, allFree(), 0, false)
	test.That(t, err, test.ShouldBeNil)
	residuals, err := ev.Residuals(full)
	test.That(t, err, test.ShouldBeNil)

	opts := DefaultOptions()
	opts.PoorFrameThreshold = 1.0
	d := NewDriver(solver.NewLMSolver(logger), opts, logger)
	prev := &Result{Stage: StageJoint, Cameras: cams, Boards: boards, Residuals: residuals}

	out, err := d.refinePoorFrames(context.Background(), ev, prev)
	test.That(t, err, test.ShouldBeNil)
	// Nothing above threshold: the previous result passes through untouched.
	test.That(t, out == prev, test.ShouldBeTrue)
}

func TestPerPoseWorstResidual(t *testing.T) {
	// One camera, two poses, one corner: residual layout is
	// (pose0 u, pose0 v, pose1 u, pose1 v).
	worst := perPoseWorstResidual([]float64{1, -3, 2, 0.5}, 1, 2, 1)
	test.That(t, worst, test.ShouldResemble, []float64{3, 2})

	// Two cameras fold into the same per-pose maximum.
	worst = perPoseWorstResidual([]float64{1, 0, 0, 0, 0, -4, 0, 0}, 2, 2, 1)
	test.That(t, worst, test.ShouldResemble, []float64{4, 0})
}

func TestNearestGoodPose(t *testing.T) {
	good := []int{2, 8}
	test.That(t, nearestGoodPose(2, good), test.ShouldEqual, 2)
	test.That(t, nearestGoodPose(3, good), test.ShouldEqual, 2)
	test.That(t, nearestGoodPose(7, good), test.ShouldEqual, 8)
	// Equidistant resolves to the lower index.
	test.That(t, nearestGoodPose(5, good), test.ShouldEqual, 2)
	test.That(t, nearestGoodPose(0, good), test.ShouldEqual, 2)
	test.That(t, nearestGoodPose(11, good), test.ShouldEqual, 8)
}
