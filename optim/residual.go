package optim

import (
	"math"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/kvoit/calibcam-po/camera"
	"github.com/kvoit/calibcam-po/detect"
	"github.com/kvoit/calibcam-po/spatialmath"
)

// Evaluator computes reprojection residuals and Jacobians for one observation
// array and board corner template. It is pure with respect to the parameter
// vector: every call takes a full flat snapshot and never retains it.
type Evaluator struct {
	obs      *detect.Observations
	template []r3.Vector
	logger   golog.Logger

	nCams    int
	nPoses   int
	nCorners int
}

// NewEvaluator builds an evaluator over an immutable observation array.
func NewEvaluator(obs *detect.Observations, template []r3.Vector, logger golog.Logger) (*Evaluator, error) {
	nCams, nPoses, nCorners := obs.Dims()
	if len(template) != nCorners {
		return nil, errors.Errorf("board template has %d corners, observations expect %d", len(template), nCorners)
	}
	return &Evaluator{
		obs:      obs,
		template: template,
		logger:   logger,
		nCams:    nCams,
		nPoses:   nPoses,
		nCorners: nCorners,
	}, nil
}

// projectCorner is the single-observation projection expression: board pose,
// then camera pose, then perspective division, distortion and the intrinsic
// matrix. All partial derivatives differentiate this expression.
func projectCorner(
	camRot, camTrans r3.Vector,
	camMat [9]float64,
	dist camera.Distorter,
	boardRot, boardTrans r3.Vector,
	pt r3.Vector,
) (u, v float64) {
	world := spatialmath.Transform(boardRot, boardTrans, pt)
	pc := spatialmath.Transform(camRot, camTrans, world)
	x := pc.X / pc.Z
	y := pc.Y / pc.Z
	xd, yd := dist.Transform(x, y)
	u = camMat[0]*xd + camMat[1]*yd + camMat[2]
	v = camMat[3]*xd + camMat[4]*yd + camMat[5]
	return u, v
}

// Residuals evaluates one residual per (camera, pose, corner, axis) cell:
// projected minus observed sensor position. Cells whose observation is the
// NaN sentinel contribute exactly zero; the sentinel replacement happens on a
// private copy of the observations, never on the caller's array.
func (e *Evaluator) Residuals(full []float64) ([]float64, error) {
	up, err := Unflatten(full, e.nCams)
	if err != nil {
		return nil, err
	}
	if up.Boards.Len() != e.nPoses {
		return nil, NewShapeMismatchError("vector pose count does not match observations")
	}

	observedVals, observed := e.obs.Filled()
	res := make([]float64, len(observedVals))

	// The board corners in the rig frame are shared by all cameras.
	world := make([]r3.Vector, e.nPoses*e.nCorners)
	for p := 0; p < e.nPoses; p++ {
		m := spatialmath.RotationMatrix(up.Boards.Rotations[p])
		t := up.Boards.Translations[p]
		for k, pt := range e.template {
			world[p*e.nCorners+k] = spatialmath.Apply(m, pt).Add(t)
		}
	}

	worst := 0.0
	worstIdx := -1
	for c := 0; c < e.nCams; c++ {
		camM := spatialmath.RotationMatrix(up.CamRotations[c])
		camT := up.CamTranslations[c]
		kMat := up.CamMatrices[c]
		kc := up.CamDistortions[c]
		var dist camera.Distorter = &camera.BrownConrady{kc[0], kc[1], kc[2], kc[3], kc[4]}
		for p := 0; p < e.nPoses; p++ {
			for k := 0; k < e.nCorners; k++ {
				i := ((c*e.nPoses+p)*e.nCorners + k) * 2
				if !observed[i] {
					continue
				}
				pc := spatialmath.Apply(camM, world[p*e.nCorners+k]).Add(camT)
				x := pc.X / pc.Z
				y := pc.Y / pc.Z
				xd, yd := dist.Transform(x, y)
				res[i] = kMat[0]*xd + kMat[1]*yd + kMat[2] - observedVals[i]
				res[i+1] = kMat[3]*xd + kMat[4]*yd + kMat[5] - observedVals[i+1]
				if a := math.Abs(res[i]); a > worst {
					worst, worstIdx = a, i
				}
				if a := math.Abs(res[i+1]); a > worst {
					worst, worstIdx = a, i+1
				}
			}
		}
	}

	if e.logger != nil && worstIdx >= 0 {
		cam, pose, corner, axis := e.residualLocation(worstIdx)
		e.logger.Debugf("worst residual %.6g at cam %d pose %d corner %d axis %d", worst, cam, pose, corner, axis)
	}
	return res, nil
}

// residualLocation unravels a flat residual index.
func (e *Evaluator) residualLocation(i int) (cam, pose, corner, axis int) {
	axis = i % 2
	i /= 2
	corner = i % e.nCorners
	i /= e.nCorners
	pose = i % e.nPoses
	cam = i / e.nPoses
	return cam, pose, corner, axis
}
