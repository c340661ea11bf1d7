// Package optim is the parameter optimization engine of the multi-camera
// calibration: the flat parameter-vector model, the reprojection residual
// function, the block-structured Jacobian assembler, and the staged
// optimization driver.
//
// The flat vector concatenates the camera parameter blocks grouped by
// parameter type (all rotations, all translations, all 3x3 intrinsic
// matrices, all distortion vectors), each group packed component-major across
// cameras, followed by the board pose blocks (all board rotations, then all
// board translations, pose-major). Group sizes are fixed at 3/3/9/5 per
// camera and 3/3 per pose, so every offset is determined by the camera and
// pose counts alone.
package optim

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/kvoit/calibcam-po/camera"
)

const (
	camRotSize   = 3
	camTransSize = 3
	camMatSize   = 9
	camDistSize  = 5
	camParamSize = camRotSize + camTransSize + camMatSize + camDistSize

	poseRotSize   = 3
	poseTransSize = 3
	posePairSize  = poseRotSize + poseTransSize
)

// BoardPoses holds one rotation+translation pair per represented pose slot.
type BoardPoses struct {
	Rotations    []r3.Vector
	Translations []r3.Vector
}

// Clone returns a deep copy.
func (bp BoardPoses) Clone() BoardPoses {
	return BoardPoses{
		Rotations:    append([]r3.Vector(nil), bp.Rotations...),
		Translations: append([]r3.Vector(nil), bp.Translations...),
	}
}

// Len returns the number of pose slots.
func (bp BoardPoses) Len() int {
	return len(bp.Rotations)
}

// Unpacked is the structured view of a flat parameter vector.
type Unpacked struct {
	CamRotations    []r3.Vector
	CamTranslations []r3.Vector
	CamMatrices     [][9]float64
	CamDistortions  [][]float64
	Boards          BoardPoses
}

// Cameras rebuilds camera parameter blocks from the unpacked view.
func (u *Unpacked) Cameras() []*camera.Camera {
	cams := make([]*camera.Camera, len(u.CamRotations))
	for i := range cams {
		m := u.CamMatrices[i]
		cams[i] = &camera.Camera{
			Rotation:    u.CamRotations[i],
			Translation: u.CamTranslations[i],
			K:           mat.NewDense(3, 3, append([]float64(nil), m[:]...)),
			Dist:        append([]float64(nil), u.CamDistortions[i]...),
		}
	}
	return cams
}

func totalParams(nCams, nPoses int) int {
	return camParamSize*nCams + posePairSize*nPoses
}

// camEntry returns the flat-vector index of component j of camera cam's
// group starting at groupOffset (in per-camera scalars). Camera groups are
// component-major: component j of every camera sits together.
func camEntry(nCams, cam, groupOffset, j int) int {
	return (groupOffset+j)*nCams + cam
}

func boardRotEntry(nCams, pose, j int) int {
	return camParamSize*nCams + pose*poseRotSize + j
}

func boardTransEntry(nCams, nPoses, pose, j int) int {
	return camParamSize*nCams + poseRotSize*nPoses + pose*poseTransSize + j
}

// Flatten packs camera parameter blocks and board poses into a flat vector
// and builds the free-parameter mask from the group toggles. When kToZero is
// set, distortion coefficients not marked free are zeroed so a later stage
// fits the reduced distortion model; otherwise they are kept verbatim.
func Flatten(cams []*camera.Camera, boards BoardPoses, free FreeVars, coordCam int, kToZero bool) ([]float64, []bool, error) {
	nCams := len(cams)
	if nCams < 1 {
		return nil, nil, NewShapeMismatchError("no cameras to flatten")
	}
	if coordCam < 0 || coordCam >= nCams {
		return nil, nil, NewShapeMismatchError("reference camera index out of range")
	}
	nPoses := boards.Len()
	if nPoses < 1 || len(boards.Translations) != nPoses {
		return nil, nil, NewShapeMismatchError("board rotations and translations disagree")
	}
	for _, cam := range cams {
		if err := cam.CheckValid(); err != nil {
			return nil, nil, err
		}
	}

	vec := make([]float64, totalParams(nCams, nPoses))
	for c, cam := range cams {
		rot := [camRotSize]float64{cam.Rotation.X, cam.Rotation.Y, cam.Rotation.Z}
		trans := [camTransSize]float64{cam.Translation.X, cam.Translation.Y, cam.Translation.Z}
		for j := 0; j < camRotSize; j++ {
			vec[camEntry(nCams, c, 0, j)] = rot[j]
		}
		for j := 0; j < camTransSize; j++ {
			vec[camEntry(nCams, c, camRotSize, j)] = trans[j]
		}
		for j := 0; j < camMatSize; j++ {
			vec[camEntry(nCams, c, camRotSize+camTransSize, j)] = cam.K.At(j/3, j%3)
		}
		for j := 0; j < camDistSize; j++ {
			if kToZero && !free.Dist[j] {
				continue
			}
			vec[camEntry(nCams, c, camRotSize+camTransSize+camMatSize, j)] = cam.Dist[j]
		}
	}
	for p := 0; p < nPoses; p++ {
		r := boards.Rotations[p]
		t := boards.Translations[p]
		rot := [poseRotSize]float64{r.X, r.Y, r.Z}
		trans := [poseTransSize]float64{t.X, t.Y, t.Z}
		for j := 0; j < poseRotSize; j++ {
			vec[boardRotEntry(nCams, p, j)] = rot[j]
		}
		for j := 0; j < poseTransSize; j++ {
			vec[boardTransEntry(nCams, nPoses, p, j)] = trans[j]
		}
	}

	return vec, FreeMask(nCams, nPoses, free, coordCam), nil
}

// packVector flattens parameters when only the vector is needed and no free
// mask applies. The vector layout does not depend on the free-group toggles.
func packVector(cams []*camera.Camera, boards BoardPoses) ([]float64, error) {
	vec, _, err := Flatten(cams, boards, FreeVars{}, 0, false)
	return vec, err
}

// FreeMask builds the free-parameter mask for the flat-vector layout. The
// reference camera's six pose entries are forced fixed regardless of the
// configured toggles.
func FreeMask(nCams, nPoses int, free FreeVars, coordCam int) []bool {
	mask := make([]bool, totalParams(nCams, nPoses))
	for c := 0; c < nCams; c++ {
		pose := free.CamPose && c != coordCam
		for j := 0; j < camRotSize; j++ {
			mask[camEntry(nCams, c, 0, j)] = pose
		}
		for j := 0; j < camTransSize; j++ {
			mask[camEntry(nCams, c, camRotSize, j)] = pose
		}
		for j := 0; j < camMatSize; j++ {
			mask[camEntry(nCams, c, camRotSize+camTransSize, j)] = free.Matrix[j]
		}
		for j := 0; j < camDistSize; j++ {
			mask[camEntry(nCams, c, camRotSize+camTransSize+camMatSize, j)] = free.Dist[j]
		}
	}
	if free.BoardPoses {
		for i := camParamSize * nCams; i < len(mask); i++ {
			mask[i] = true
		}
	}
	return mask
}

// Unflatten splits a flat vector back into per-camera and per-pose blocks.
// It is the exact inverse of Flatten's layout and fails with a shape
// mismatch when the vector length cannot encode the given camera count.
func Unflatten(vec []float64, nCams int) (*Unpacked, error) {
	if nCams < 1 {
		return nil, NewShapeMismatchError("camera count must be positive")
	}
	rem := len(vec) - camParamSize*nCams
	if rem < posePairSize || rem%posePairSize != 0 {
		return nil, NewShapeMismatchError("vector length does not match camera and pose counts")
	}
	nPoses := rem / posePairSize

	up := &Unpacked{
		CamRotations:    make([]r3.Vector, nCams),
		CamTranslations: make([]r3.Vector, nCams),
		CamMatrices:     make([][9]float64, nCams),
		CamDistortions:  make([][]float64, nCams),
		Boards: BoardPoses{
			Rotations:    make([]r3.Vector, nPoses),
			Translations: make([]r3.Vector, nPoses),
		},
	}
	for c := 0; c < nCams; c++ {
		up.CamRotations[c] = r3.Vector{
			X: vec[camEntry(nCams, c, 0, 0)],
			Y: vec[camEntry(nCams, c, 0, 1)],
			Z: vec[camEntry(nCams, c, 0, 2)],
		}
		up.CamTranslations[c] = r3.Vector{
			X: vec[camEntry(nCams, c, camRotSize, 0)],
			Y: vec[camEntry(nCams, c, camRotSize, 1)],
			Z: vec[camEntry(nCams, c, camRotSize, 2)],
		}
		for j := 0; j < camMatSize; j++ {
			up.CamMatrices[c][j] = vec[camEntry(nCams, c, camRotSize+camTransSize, j)]
		}
		dist := make([]float64, camDistSize)
		for j := 0; j < camDistSize; j++ {
			dist[j] = vec[camEntry(nCams, c, camRotSize+camTransSize+camMatSize, j)]
		}
		up.CamDistortions[c] = dist
	}
	for p := 0; p < nPoses; p++ {
		up.Boards.Rotations[p] = r3.Vector{
			X: vec[boardRotEntry(nCams, p, 0)],
			Y: vec[boardRotEntry(nCams, p, 1)],
			Z: vec[boardRotEntry(nCams, p, 2)],
		}
		up.Boards.Translations[p] = r3.Vector{
			X: vec[boardTransEntry(nCams, nPoses, p, 0)],
			Y: vec[boardTransEntry(nCams, nPoses, p, 1)],
			Z: vec[boardTransEntry(nCams, nPoses, p, 2)],
		}
	}
	return up, nil
}

// Squeeze extracts the free entries of a full vector in mask order; this is
// the vector handed to the solver.
func Squeeze(full []float64, mask []bool) []float64 {
	out := make([]float64, 0, len(full))
	for i, v := range full {
		if mask[i] {
			out = append(out, v)
		}
	}
	return out
}

// ApplyFree writes solver-proposed values for the free entries into a fresh
// copy of the full vector, leaving fixed entries untouched. This is the join
// point between solver iterations and the domain model: the caller's full
// vector is never aliased or mutated.
func ApplyFree(full, freeUpdate []float64, mask []bool) ([]float64, error) {
	if len(full) != len(mask) {
		return nil, NewShapeMismatchError("mask length does not match vector length")
	}
	out := append([]float64(nil), full...)
	j := 0
	for i, freeEntry := range mask {
		if !freeEntry {
			continue
		}
		if j >= len(freeUpdate) {
			return nil, NewShapeMismatchError("free update shorter than mask")
		}
		out[i] = freeUpdate[j]
		j++
	}
	if j != len(freeUpdate) {
		return nil, NewShapeMismatchError("free update longer than mask")
	}
	return out, nil
}

// poseEntries returns the six flat-vector indices of pose p's parameters.
func poseEntries(nCams, nPoses, p int) [posePairSize]int {
	var idx [posePairSize]int
	for j := 0; j < poseRotSize; j++ {
		idx[j] = boardRotEntry(nCams, p, j)
	}
	for j := 0; j < poseTransSize; j++ {
		idx[poseRotSize+j] = boardTransEntry(nCams, nPoses, p, j)
	}
	return idx
}
