package optim

import (
	"encoding/json"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/kvoit/calibcam-po/solver"
)

// FreeVars toggles which parameter groups the solver may update. Matrix
// entries are row-major over the 3x3 intrinsic matrix; Dist follows the
// k1, k2, p1, p2, k3 coefficient order.
type FreeVars struct {
	CamPose    bool    `json:"cam_pose"`
	Matrix     [9]bool `json:"matrix"`
	Dist       [5]bool `json:"dist"`
	BoardPoses bool    `json:"board_poses"`
}

// DefaultFreeVars frees the camera poses, board poses, focal lengths and
// principal point, and the first two radial distortion coefficients. Skew and
// the intrinsic matrix's fixed bottom row stay pinned, as do the tangential
// and third radial coefficients; coefficients that stay pinned also determine
// the supported degree of the reduced distortion model.
func DefaultFreeVars() FreeVars {
	return FreeVars{
		CamPose: true,
		Matrix: [9]bool{
			true, false, true,
			false, true, true,
			false, false, false,
		},
		Dist:       [5]bool{true, true, false, false, false},
		BoardPoses: true,
	}
}

// Options configures the optimization driver.
type Options struct {
	// CoordCam is the reference camera whose pose pins the rig coordinate
	// system; its six pose entries are never free.
	CoordCam int `json:"coord_cam"`
	// FreeVars applies to the joint stages; the pose-only stage overrides it.
	FreeVars FreeVars `json:"free_vars"`
	// PoorFrameThreshold is the residual magnitude above which a frame's
	// board pose is re-optimized independently. Zero or negative disables
	// the per-frame refinement stage.
	PoorFrameThreshold float64 `json:"poor_frame_threshold"`
	// Solver holds the tolerances passed to every solver invocation.
	Solver solver.Options `json:"optimization"`
}

// DefaultOptions mirrors the tolerances the calibration stages were tuned
// with.
func DefaultOptions() Options {
	return Options{
		CoordCam: 0,
		FreeVars: DefaultFreeVars(),
		Solver:   solver.DefaultOptions(),
	}
}

// NewOptionsFromJSONFile reads driver options from a JSON file, starting from
// the defaults.
func NewOptionsFromJSONFile(jsonPath string) (*Options, error) {
	//nolint:gosec
	jsonFile, err := os.Open(jsonPath)
	if err != nil {
		return nil, errors.Wrap(err, "error opening JSON file")
	}
	defer jsonFile.Close() //nolint:errcheck
	byteValue, err := io.ReadAll(jsonFile)
	if err != nil {
		return nil, errors.Wrap(err, "error reading JSON data")
	}
	opts := DefaultOptions()
	if err = json.Unmarshal(byteValue, &opts); err != nil {
		return nil, errors.Wrap(err, "error parsing JSON string")
	}
	return &opts, nil
}
