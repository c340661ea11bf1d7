package optim

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"

	"github.com/kvoit/calibcam-po/camera"
)

// ArgGroup identifies one argument group of the single-observation projection
// expression. The Jacobian assembler differentiates the expression with
// respect to each group separately, exploiting that a residual depends only
// on its own camera's and its own frame's parameters.
type ArgGroup int

// The six argument groups of the projection expression.
const (
	GroupCamRotation ArgGroup = iota
	GroupCamTranslation
	GroupCamMatrix
	GroupCamDistortion
	GroupBoardRotation
	GroupBoardTranslation
	numArgGroups
)

// groupSize returns the parameter count per camera (or per pose) of a group.
func (g ArgGroup) groupSize() int {
	switch g {
	case GroupCamRotation, GroupCamTranslation, GroupBoardRotation, GroupBoardTranslation:
		return 3
	case GroupCamMatrix:
		return camMatSize
	case GroupCamDistortion:
		return camDistSize
	default:
		return 0
	}
}

// ProjectionArgs bundles the raveled inputs of the projection expression,
// batched over whatever camera and pose ranges the caller selected: one
// camera and all poses for camera-parameter partials, all cameras and one
// pose for board-pose partials.
type ProjectionArgs struct {
	CamRotations      []float64 // 3 per camera
	CamTranslations   []float64 // 3 per camera
	CamMatrices       []float64 // 9 per camera, row-major
	CamDistortions    []float64 // 5 per camera
	BoardRotations    []float64 // 3 per pose
	BoardTranslations []float64 // 3 per pose
	Template          []r3.Vector
}

func (a *ProjectionArgs) dims() (nCams, nPoses, nCorners int) {
	return len(a.CamRotations) / 3, len(a.BoardRotations) / 3, len(a.Template)
}

func (a *ProjectionArgs) group(g ArgGroup) []float64 {
	switch g {
	case GroupCamRotation:
		return a.CamRotations
	case GroupCamTranslation:
		return a.CamTranslations
	case GroupCamMatrix:
		return a.CamMatrices
	case GroupCamDistortion:
		return a.CamDistortions
	case GroupBoardRotation:
		return a.BoardRotations
	case GroupBoardTranslation:
		return a.BoardTranslations
	default:
		return nil
	}
}

func (a *ProjectionArgs) withGroup(g ArgGroup, vals []float64) ProjectionArgs {
	out := *a
	switch g {
	case GroupCamRotation:
		out.CamRotations = vals
	case GroupCamTranslation:
		out.CamTranslations = vals
	case GroupCamMatrix:
		out.CamMatrices = vals
	case GroupCamDistortion:
		out.CamDistortions = vals
	case GroupBoardRotation:
		out.BoardRotations = vals
	case GroupBoardTranslation:
		out.BoardTranslations = vals
	}
	return out
}

func vec3(s []float64, i int) r3.Vector {
	return r3.Vector{X: s[i*3], Y: s[i*3+1], Z: s[i*3+2]}
}

// evalProjection evaluates the projection expression for every
// (camera, pose, corner, axis) combination of the batch, writing into y in
// the same row order the Jacobian assembler scatters with.
func evalProjection(a ProjectionArgs, y []float64) {
	nCams, nPoses, nCorners := a.dims()
	i := 0
	for c := 0; c < nCams; c++ {
		camRot := vec3(a.CamRotations, c)
		camTrans := vec3(a.CamTranslations, c)
		var camMat [9]float64
		copy(camMat[:], a.CamMatrices[c*camMatSize:(c+1)*camMatSize])
		kc := a.CamDistortions[c*camDistSize : (c+1)*camDistSize]
		dist := &camera.BrownConrady{kc[0], kc[1], kc[2], kc[3], kc[4]}
		for p := 0; p < nPoses; p++ {
			boardRot := vec3(a.BoardRotations, p)
			boardTrans := vec3(a.BoardTranslations, p)
			for k := 0; k < nCorners; k++ {
				u, v := projectCorner(camRot, camTrans, camMat, dist, boardRot, boardTrans, a.Template[k])
				y[i] = u
				y[i+1] = v
				i += 2
			}
		}
	}
}

// PartialFunc evaluates the batched partial derivative of the projection
// expression with respect to one argument group, writing the
// (batch rows) x (group size) block into dst.
type PartialFunc func(args ProjectionArgs, dst *mat.Dense)

// DerivativeCache holds the six partial-derivative functions of the
// projection expression, built once and injected into the Jacobian assembler
// by the driver. Derivatives are taken by central finite differences over the
// group's parameters, batched over all rows of the block.
type DerivativeCache struct {
	partials [numArgGroups]PartialFunc
}

// NewDerivativeCache differentiates the projection expression with respect to
// each of its six argument groups.
func NewDerivativeCache() *DerivativeCache {
	dc := &DerivativeCache{}
	for g := GroupCamRotation; g < numArgGroups; g++ {
		dc.partials[g] = makePartial(g)
	}
	return dc
}

// Partial returns the cached derivative function for a group.
func (dc *DerivativeCache) Partial(g ArgGroup) PartialFunc {
	return dc.partials[g]
}

func makePartial(g ArgGroup) PartialFunc {
	settings := &fd.JacobianSettings{Formula: fd.Central}
	return func(args ProjectionArgs, dst *mat.Dense) {
		x := append([]float64(nil), args.group(g)...)
		fd.Jacobian(dst, func(y, x []float64) {
			evalProjection(args.withGroup(g, x), y)
		}, x, settings)
	}
}
