package rig

import (
	"encoding/json"
	"os"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/kvoit/calibcam-po/camera"
	"github.com/kvoit/calibcam-po/detect"
	"github.com/kvoit/calibcam-po/optim"
)

// resultVersion identifies the result schema.
const resultVersion = 2.0

// CameraJSON is the serialized form of a camera parameter block.
type CameraJSON struct {
	Rotation    [3]float64 `json:"rvec_cam"`
	Translation [3]float64 `json:"tvec_cam"`
	Matrix      [9]float64 `json:"A"`
	Dist        []float64  `json:"k"`
}

// NewCameraJSON converts a parameter block.
func NewCameraJSON(c *camera.Camera) CameraJSON {
	out := CameraJSON{
		Rotation:    [3]float64{c.Rotation.X, c.Rotation.Y, c.Rotation.Z},
		Translation: [3]float64{c.Translation.X, c.Translation.Y, c.Translation.Z},
		Dist:        append([]float64(nil), c.Dist...),
	}
	for j := 0; j < 9; j++ {
		out.Matrix[j] = c.K.At(j/3, j%3)
	}
	return out
}

// Camera converts back to a parameter block.
func (cj CameraJSON) Camera() *camera.Camera {
	return &camera.Camera{
		Rotation:    r3.Vector{X: cj.Rotation[0], Y: cj.Rotation[1], Z: cj.Rotation[2]},
		Translation: r3.Vector{X: cj.Translation[0], Y: cj.Translation[1], Z: cj.Translation[2]},
		K:           mat.NewDense(3, 3, append([]float64(nil), cj.Matrix[:]...)),
		Dist:        append([]float64(nil), cj.Dist...),
	}
}

// Result is the persisted calibration: final camera parameter blocks, the
// board pose per represented frame, and the last stage's fit diagnostics.
type Result struct {
	Version           float64       `json:"version"`
	Cameras           []CameraJSON  `json:"calibs"`
	BoardRotations    [][3]float64  `json:"rvecs_boards"`
	BoardTranslations [][3]float64  `json:"tvecs_boards"`
	FrameIndices      []int         `json:"frame_indices"`
	Cost              float64       `json:"cost_val_final"`
	Optimality        float64       `json:"optimality_final"`
	Converged         bool          `json:"converged"`
	Options           optim.Options `json:"opts"`
}

// NewResult bundles the final stage's output.
func NewResult(res *optim.Result, obs *detect.Observations, opts optim.Options) *Result {
	out := &Result{
		Version:      resultVersion,
		Cameras:      make([]CameraJSON, len(res.Cameras)),
		FrameIndices: obs.FrameIndices(),
		Cost:         res.Cost,
		Optimality:   res.Optimality,
		Converged:    res.Converged,
		Options:      opts,
	}
	for i, c := range res.Cameras {
		out.Cameras[i] = NewCameraJSON(c)
	}
	for p := 0; p < res.Boards.Len(); p++ {
		r := res.Boards.Rotations[p]
		t := res.Boards.Translations[p]
		out.BoardRotations = append(out.BoardRotations, [3]float64{r.X, r.Y, r.Z})
		out.BoardTranslations = append(out.BoardTranslations, [3]float64{t.X, t.Y, t.Z})
	}
	return out
}

// Save writes the result as JSON.
func (r *Result) Save(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return errors.Wrap(err, "error encoding result")
	}
	//nolint:gosec
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(err, "error writing result")
	}
	return nil
}
