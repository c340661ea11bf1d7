package optim

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/kvoit/calibcam-po/spatialmath"
)

// Jacobian assembles the reprojection Jacobian restricted to the free
// columns. Each residual depends only on its own camera's parameters and its
// own frame's board pose, so the assembler evaluates one partial-derivative
// block per camera and per pose and scatters it into the column block that
// camera or pose owns; everything else stays zero. Rows of sentinel
// observations are zeroed to match the residual function exactly.
func (e *Evaluator) Jacobian(full []float64, cache *DerivativeCache, mask []bool) (*mat.Dense, error) {
	up, err := Unflatten(full, e.nCams)
	if err != nil {
		return nil, err
	}
	if up.Boards.Len() != e.nPoses {
		return nil, NewShapeMismatchError("vector pose count does not match observations")
	}
	if len(mask) != len(full) {
		return nil, NewShapeMismatchError("mask length does not match vector length")
	}

	// Axis-angle derivatives are singular at zero rotation, so exactly-zero
	// rotations get nudged on working copies before differentiation.
	camRots := make([]r3.Vector, e.nCams)
	for c, rot := range up.CamRotations {
		camRots[c] = spatialmath.NudgeZeroRotation(rot)
	}
	boardRots := make([]r3.Vector, e.nPoses)
	for p, rot := range up.Boards.Rotations {
		boardRots[p] = spatialmath.NudgeZeroRotation(rot)
	}

	rows := e.obs.NumResiduals()
	rowsPerCam := e.nPoses * e.nCorners * 2
	jac := mat.NewDense(rows, totalParams(e.nCams, e.nPoses), nil)

	camGroups := []camGroup{
		{GroupCamRotation, 0},
		{GroupCamTranslation, camRotSize},
		{GroupCamMatrix, camRotSize + camTransSize},
		{GroupCamDistortion, camRotSize + camTransSize + camMatSize},
	}

	allBoardRots := ravelVecs(boardRots)
	allBoardTrans := ravelVecs(up.Boards.Translations)

	for c := 0; c < e.nCams; c++ {
		rot := camRots[c]
		for attempt := 0; ; attempt++ {
			args := ProjectionArgs{
				CamRotations:      []float64{rot.X, rot.Y, rot.Z},
				CamTranslations:   ravelVecs(up.CamTranslations[c : c+1]),
				CamMatrices:       up.CamMatrices[c][:],
				CamDistortions:    up.CamDistortions[c],
				BoardRotations:    allBoardRots,
				BoardTranslations: allBoardTrans,
				Template:          e.template,
			}
			err := e.scatterCamBlocks(jac, cache, args, camGroups, c, rowsPerCam)
			if err == nil {
				break
			}
			if !errors.Is(err, errSingularDerivative) || attempt > 0 {
				return nil, errors.Wrapf(err, "camera %d", c)
			}
			// One retry with a further-perturbed rotation.
			rot = rot.Add(r3.Vector{X: spatialmath.RotationNudge, Y: spatialmath.RotationNudge, Z: spatialmath.RotationNudge})
		}
	}

	allCamRots := ravelVecs(camRots)
	allCamTrans := ravelVecs(up.CamTranslations)
	allCamMats := make([]float64, 0, e.nCams*camMatSize)
	allCamDists := make([]float64, 0, e.nCams*camDistSize)
	for c := 0; c < e.nCams; c++ {
		allCamMats = append(allCamMats, up.CamMatrices[c][:]...)
		allCamDists = append(allCamDists, up.CamDistortions[c]...)
	}

	for p := 0; p < e.nPoses; p++ {
		rot := boardRots[p]
		trans := up.Boards.Translations[p]
		for attempt := 0; ; attempt++ {
			args := ProjectionArgs{
				CamRotations:      allCamRots,
				CamTranslations:   allCamTrans,
				CamMatrices:       allCamMats,
				CamDistortions:    allCamDists,
				BoardRotations:    []float64{rot.X, rot.Y, rot.Z},
				BoardTranslations: []float64{trans.X, trans.Y, trans.Z},
				Template:          e.template,
			}
			err := e.scatterPoseBlocks(jac, cache, args, p, rowsPerCam)
			if err == nil {
				break
			}
			if !errors.Is(err, errSingularDerivative) || attempt > 0 {
				return nil, errors.Wrapf(err, "pose %d", p)
			}
			rot = rot.Add(r3.Vector{X: spatialmath.RotationNudge, Y: spatialmath.RotationNudge, Z: spatialmath.RotationNudge})
		}
	}

	// Sentinel rows contribute nothing, exactly like their residuals.
	_, observed := e.obs.Filled()
	for i, ok := range observed {
		if !ok {
			row := jac.RawRowView(i)
			for j := range row {
				row[j] = 0
			}
		}
	}

	return selectColumns(jac, mask), nil
}

// scatterCamBlocks evaluates the four camera-parameter partials for camera c
// against all of its frames and corners, and scatters them into camera c's
// column block.
// camGroup pairs a camera argument group with its per-camera scalar offset
// in the flat layout.
type camGroup struct {
	group  ArgGroup
	offset int
}

func (e *Evaluator) scatterCamBlocks(
	jac *mat.Dense,
	cache *DerivativeCache,
	args ProjectionArgs,
	camGroups []camGroup,
	c, rowsPerCam int,
) error {
	for _, cg := range camGroups {
		size := cg.group.groupSize()
		dst := mat.NewDense(rowsPerCam, size, nil)
		cache.Partial(cg.group)(args, dst)
		if hasNaN(dst) {
			return errors.Wrapf(errSingularDerivative, "group %d", cg.group)
		}
		for r := 0; r < rowsPerCam; r++ {
			row := c*rowsPerCam + r
			for j := 0; j < size; j++ {
				jac.Set(row, camEntry(e.nCams, c, cg.offset, j), dst.At(r, j))
			}
		}
	}
	return nil
}

// scatterPoseBlocks evaluates the two board-pose partials for pose p against
// all cameras and corners, and scatters them into pose p's column block.
func (e *Evaluator) scatterPoseBlocks(
	jac *mat.Dense,
	cache *DerivativeCache,
	args ProjectionArgs,
	p, rowsPerCam int,
) error {
	blockRows := e.nCams * e.nCorners * 2
	for _, g := range []ArgGroup{GroupBoardRotation, GroupBoardTranslation} {
		size := g.groupSize()
		dst := mat.NewDense(blockRows, size, nil)
		cache.Partial(g)(args, dst)
		if hasNaN(dst) {
			return errors.Wrapf(errSingularDerivative, "group %d", g)
		}
		for c := 0; c < e.nCams; c++ {
			for ka := 0; ka < e.nCorners*2; ka++ {
				row := c*rowsPerCam + p*e.nCorners*2 + ka
				blockRow := c*e.nCorners*2 + ka
				for j := 0; j < size; j++ {
					col := boardRotEntry(e.nCams, p, j)
					if g == GroupBoardTranslation {
						col = boardTransEntry(e.nCams, e.nPoses, p, j)
					}
					jac.Set(row, col, dst.At(blockRow, j))
				}
			}
		}
	}
	return nil
}

func ravelVecs(vs []r3.Vector) []float64 {
	out := make([]float64, 0, len(vs)*3)
	for _, v := range vs {
		out = append(out, v.X, v.Y, v.Z)
	}
	return out
}

func hasNaN(m *mat.Dense) bool {
	for _, v := range m.RawMatrix().Data {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}

// selectColumns keeps only the columns whose mask entry is true.
func selectColumns(jac *mat.Dense, mask []bool) *mat.Dense {
	rows, _ := jac.Dims()
	nFree := 0
	for _, f := range mask {
		if f {
			nFree++
		}
	}
	out := mat.NewDense(rows, nFree, nil)
	for r := 0; r < rows; r++ {
		src := jac.RawRowView(r)
		dst := out.RawRowView(r)
		j := 0
		for i, f := range mask {
			if f {
				dst[j] = src[i]
				j++
			}
		}
	}
	return out
}
