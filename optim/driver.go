package optim

import (
	"context"
	"math"
	"sort"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/kvoit/calibcam-po/camera"
	"github.com/kvoit/calibcam-po/detect"
	"github.com/kvoit/calibcam-po/solver"
)

// Stage names, in the order the driver runs them.
const (
	StagePoseOnly    = "pose-only"
	StageJoint       = "joint"
	StageFrameRefine = "frame-refine"
	StageFinal       = "final-joint"
)

// Result is one stage's calibration output. The driver replaces the result
// after each stage rather than mutating it in place; the final stage's board
// poses are the ones to persist.
type Result struct {
	Stage      string
	Cameras    []*camera.Camera
	Boards     BoardPoses
	Cost       float64
	Optimality float64
	Residuals  []float64
	Converged  bool
}

// Driver orchestrates the optimization stages, deciding which parameter
// groups are free at each stage and delegating every solve to the injected
// least-squares solver.
type Driver struct {
	logger golog.Logger
	slv    solver.Solver
	derivs *DerivativeCache
	clock  clock.Clock
	opts   Options
}

// NewDriver returns a driver that solves with slv. The derivative cache is
// built once here and shared by every stage's Jacobian assembly.
func NewDriver(slv solver.Solver, opts Options, logger golog.Logger) *Driver {
	return &Driver{
		logger: logger,
		slv:    slv,
		derivs: NewDerivativeCache(),
		clock:  clock.New(),
		opts:   opts,
	}
}

// Calibrate refines the analytic initial estimate into a globally consistent
// calibration: a pose-only stage, the full joint bundle adjustment, optional
// per-frame board pose refinement of poorly fit frames, and a final joint
// re-run warm-started from the refined poses.
func (d *Driver) Calibrate(
	ctx context.Context,
	cams []*camera.Camera,
	boards BoardPoses,
	obs *detect.Observations,
	template []r3.Vector,
) (*Result, error) {
	nCams, nPoses, _ := obs.Dims()
	if len(cams) != nCams {
		return nil, NewShapeMismatchError("camera count does not match observations")
	}
	if boards.Len() != nPoses || len(boards.Translations) != nPoses {
		return nil, NewShapeMismatchError("board pose count does not match observations")
	}
	if d.opts.CoordCam < 0 || d.opts.CoordCam >= nCams {
		return nil, NewShapeMismatchError("reference camera index out of range")
	}
	for _, cam := range cams {
		if err := cam.CheckValid(); err != nil {
			return nil, err
		}
	}

	ev, err := NewEvaluator(obs, template, d.logger)
	if err != nil {
		return nil, err
	}

	poseOnly := FreeVars{CamPose: true, BoardPoses: true}
	res, err := d.runStage(ctx, StagePoseOnly, ev, cams, boards, poseOnly, false)
	if err != nil {
		return nil, errors.Wrapf(err, "stage %s", StagePoseOnly)
	}

	res, err = d.runStage(ctx, StageJoint, ev, res.Cameras, res.Boards, d.opts.FreeVars, true)
	if err != nil {
		return nil, errors.Wrapf(err, "stage %s", StageJoint)
	}

	if d.opts.PoorFrameThreshold > 0 {
		res, err = d.refinePoorFrames(ctx, ev, res)
		if err != nil {
			return nil, errors.Wrapf(err, "stage %s", StageFrameRefine)
		}
	}

	res, err = d.runStage(ctx, StageFinal, ev, res.Cameras, res.Boards, d.opts.FreeVars, false)
	if err != nil {
		return nil, errors.Wrapf(err, "stage %s", StageFinal)
	}
	return res, nil
}

// runStage flattens the current parameters with the stage's free-group
// configuration, hands the free subset to the solver, and unpacks the refined
// vector into a fresh Result.
func (d *Driver) runStage(
	ctx context.Context,
	name string,
	ev *Evaluator,
	cams []*camera.Camera,
	boards BoardPoses,
	free FreeVars,
	kToZero bool,
) (*Result, error) {
	full, mask, err := Flatten(cams, boards, free, d.opts.CoordCam, kToZero)
	if err != nil {
		return nil, err
	}
	return d.solveMasked(ctx, name, ev, full, mask)
}

// solveMasked runs one solver invocation over the free entries of full.
// The solver only ever sees fresh snapshots: each evaluation applies its
// proposal onto a copy of the full vector, so no aliases survive across
// iterations.
func (d *Driver) solveMasked(
	ctx context.Context,
	name string,
	ev *Evaluator,
	full []float64,
	mask []bool,
) (*Result, error) {
	x0 := Squeeze(full, mask)
	if len(x0) == 0 {
		return nil, NewShapeMismatchError("stage has no free parameters")
	}

	prob := solver.Problem{
		Residuals: func(x []float64) ([]float64, error) {
			snap, err := ApplyFree(full, x, mask)
			if err != nil {
				return nil, err
			}
			return ev.Residuals(snap)
		},
		Jacobian: func(x []float64) (*mat.Dense, error) {
			snap, err := ApplyFree(full, x, mask)
			if err != nil {
				return nil, err
			}
			return ev.Jacobian(snap, d.derivs, mask)
		},
	}

	start := d.clock.Now()
	solved, err := d.slv.Solve(ctx, prob, x0, d.opts.Solver)
	if err != nil {
		return nil, err
	}
	refined, err := ApplyFree(full, solved.X, mask)
	if err != nil {
		return nil, err
	}
	up, err := Unflatten(refined, ev.nCams)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Stage:      name,
		Cameras:    up.Cameras(),
		Boards:     up.Boards,
		Cost:       solved.Cost,
		Optimality: solved.Optimality,
		Residuals:  solved.Residuals,
		Converged:  solved.Converged,
	}
	d.logger.Infof("stage %s finished in %s: cost %.6g optimality %.6g iterations %d",
		name, d.clock.Since(start), res.Cost, res.Optimality, solved.Iterations)
	if !res.Converged {
		d.logger.Warnf("stage %s did not converge: cost %.6g optimality %.6g", name, res.Cost, res.Optimality)
	}

	d.selfCheck(ev, refined, res)
	return res, nil
}

// selfCheck recomputes residuals with the stage's resulting parameters and
// reports the maximum deviation from the solver's final residuals. Purely
// advisory.
func (d *Driver) selfCheck(ev *Evaluator, refined []float64, res *Result) {
	fresh, err := ev.Residuals(refined)
	if err != nil || len(fresh) != len(res.Residuals) {
		return
	}
	maxDev := 0.0
	for i, v := range fresh {
		if dev := math.Abs(v - res.Residuals[i]); dev > maxDev {
			maxDev = dev
		}
	}
	d.logger.Debugf("stage %s residual self-check: max deviation %.6g", res.Stage, maxDev)
}

// refinePoorFrames re-optimizes the board pose of every frame whose largest
// residual magnitude exceeds the threshold, one frame at a time with all
// camera parameters fixed. A poor frame's warm start comes from the nearest
// good frame index; ties prefer the lower index.
func (d *Driver) refinePoorFrames(ctx context.Context, ev *Evaluator, prev *Result) (*Result, error) {
	worst := perPoseWorstResidual(prev.Residuals, ev.nCams, ev.nPoses, ev.nCorners)
	var good, poor []int
	for p, w := range worst {
		if w > d.opts.PoorFrameThreshold {
			poor = append(poor, p)
		} else {
			good = append(good, p)
		}
	}
	if len(poor) == 0 {
		d.logger.Debugf("no frames above poor-fit threshold %.3g", d.opts.PoorFrameThreshold)
		return prev, nil
	}
	d.logger.Infof("refining %d poorly fit frames (threshold %.3g)", len(poor), d.opts.PoorFrameThreshold)

	boards := prev.Boards.Clone()
	for _, p := range poor {
		if len(good) > 0 {
			seed := nearestGoodPose(p, good)
			boards.Rotations[p] = prev.Boards.Rotations[seed]
			boards.Translations[p] = prev.Boards.Translations[seed]
		}

		full, err := packVector(prev.Cameras, boards)
		if err != nil {
			return nil, err
		}
		mask := make([]bool, len(full))
		for _, i := range poseEntries(ev.nCams, ev.nPoses, p) {
			mask[i] = true
		}

		res, err := d.solveMasked(ctx, StageFrameRefine, ev, full, mask)
		if err != nil {
			return nil, errors.Wrapf(err, "frame %d", p)
		}
		boards.Rotations[p] = res.Boards.Rotations[p]
		boards.Translations[p] = res.Boards.Translations[p]
	}

	// Camera parameters were fixed throughout, so carry the previous blocks
	// forward untouched.
	out := &Result{
		Stage:      StageFrameRefine,
		Cameras:    prev.Cameras,
		Boards:     boards,
		Cost:       prev.Cost,
		Optimality: prev.Optimality,
		Residuals:  prev.Residuals,
		Converged:  prev.Converged,
	}

	// Advisory: recompute residuals with the refined poses and report how far
	// they moved from the joint stage's.
	full, err := packVector(out.Cameras, out.Boards)
	if err != nil {
		return nil, err
	}
	fresh, err := ev.Residuals(full)
	if err != nil {
		return nil, err
	}
	maxDev := 0.0
	for i, v := range fresh {
		if dev := math.Abs(v - prev.Residuals[i]); dev > maxDev {
			maxDev = dev
		}
	}
	out.Residuals = fresh
	out.Cost = 0.5 * floats.Dot(fresh, fresh)
	d.logger.Debugf("stage %s residual self-check: max deviation %.6g", StageFrameRefine, maxDev)
	return out, nil
}

// perPoseWorstResidual returns the largest residual magnitude per pose slot.
func perPoseWorstResidual(residuals []float64, nCams, nPoses, nCorners int) []float64 {
	worst := make([]float64, nPoses)
	for i, r := range residuals {
		pose := (i / (nCorners * 2)) % nPoses
		if a := math.Abs(r); a > worst[pose] {
			worst[pose] = a
		}
	}
	return worst
}

// nearestGoodPose finds the good pose index closest to p; equidistant
// candidates resolve to the lower index.
func nearestGoodPose(p int, good []int) int {
	i := sort.SearchInts(good, p)
	if i < len(good) && good[i] == p {
		return p
	}
	switch {
	case i == 0:
		return good[0]
	case i == len(good):
		return good[len(good)-1]
	default:
		lower, upper := good[i-1], good[i]
		if p-lower <= upper-p {
			return lower
		}
		return upper
	}
}
