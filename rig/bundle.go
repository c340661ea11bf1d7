package rig

import (
	"encoding/json"
	"io"
	"os"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/kvoit/calibcam-po/board"
	"github.com/kvoit/calibcam-po/camera"
	"github.com/kvoit/calibcam-po/detect"
	"github.com/kvoit/calibcam-po/optim"
)

// CornerJSON is one detected corner. Cells absent from the list are the
// "not observed" sentinel.
type CornerJSON struct {
	Cam    int     `json:"cam"`
	Pose   int     `json:"pose"`
	Corner int     `json:"corner"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}

// Bundle is a pre-detected calibration input: the board, the initial camera
// parameter blocks (after analytic pose estimation), the initial board poses,
// and the sparse list of detected corners. It corresponds to the intermediate
// state the pipeline reaches right before the optimization stages, and lets
// the optimizer be re-run without video access.
type Bundle struct {
	Board             *board.Board `json:"board"`
	Cameras           []CameraJSON `json:"calibs"`
	BoardRotations    [][3]float64 `json:"rvecs_boards"`
	BoardTranslations [][3]float64 `json:"tvecs_boards"`
	FrameIndices      []int        `json:"frame_indices"`
	Corners           []CornerJSON `json:"corners"`
}

// LoadBundle reads a bundle from a JSON file.
func LoadBundle(path string) (*Bundle, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "error opening bundle")
	}
	defer f.Close() //nolint:errcheck
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, errors.Wrap(err, "error reading bundle")
	}
	b := &Bundle{}
	if err := json.Unmarshal(data, b); err != nil {
		return nil, errors.Wrap(err, "error parsing bundle")
	}
	if err := b.Board.CheckValid(); err != nil {
		return nil, err
	}
	if len(b.Cameras) == 0 {
		return nil, errors.New("bundle has no cameras")
	}
	if len(b.BoardRotations) != len(b.FrameIndices) || len(b.BoardTranslations) != len(b.FrameIndices) {
		return nil, errors.New("bundle board poses do not match frame indices")
	}
	return b, nil
}

// Observations rebuilds the dense observation array from the sparse corner
// list.
func (b *Bundle) Observations() (*detect.Observations, error) {
	obs, err := detect.NewObservations(len(b.Cameras), b.Board.NumCorners(), b.FrameIndices)
	if err != nil {
		return nil, err
	}
	nCams, nPoses, nCorners := obs.Dims()
	for _, c := range b.Corners {
		if c.Cam < 0 || c.Cam >= nCams || c.Pose < 0 || c.Pose >= nPoses || c.Corner < 0 || c.Corner >= nCorners {
			return nil, errors.Errorf("corner out of range: cam %d pose %d corner %d", c.Cam, c.Pose, c.Corner)
		}
		obs.Set(c.Cam, c.Pose, c.Corner, r2.Point{X: c.X, Y: c.Y})
	}
	return obs, nil
}

// ApplyIntrinsicsFiles replaces the bundle's initial intrinsic matrices with
// pinhole parameters loaded from one JSON file per camera, in camera order.
// Used when a prior per-camera calibration is more trustworthy than the
// bundle's analytic seed.
func (b *Bundle) ApplyIntrinsicsFiles(paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	if len(paths) != len(b.Cameras) {
		return errors.Errorf("got %d intrinsics files for %d cameras", len(paths), len(b.Cameras))
	}
	for i, path := range paths {
		intr, err := camera.NewPinholeCameraIntrinsicsFromJSONFile(path)
		if err != nil {
			return errors.Wrapf(err, "camera %d", i)
		}
		if err := intr.CheckValid(); err != nil {
			return errors.Wrapf(err, "camera %d", i)
		}
		m := intr.Matrix()
		for j := 0; j < 9; j++ {
			b.Cameras[i].Matrix[j] = m.At(j/3, j%3)
		}
	}
	return nil
}

// InitialCameras rebuilds the camera parameter blocks.
func (b *Bundle) InitialCameras() []*camera.Camera {
	cams := make([]*camera.Camera, len(b.Cameras))
	for i, cj := range b.Cameras {
		cams[i] = cj.Camera()
	}
	return cams
}

// InitialBoards rebuilds the board pose seeds.
func (b *Bundle) InitialBoards() optim.BoardPoses {
	boards := optim.BoardPoses{}
	for p := range b.BoardRotations {
		r := b.BoardRotations[p]
		t := b.BoardTranslations[p]
		boards.Rotations = append(boards.Rotations, r3.Vector{X: r[0], Y: r[1], Z: r[2]})
		boards.Translations = append(boards.Translations, r3.Vector{X: t[0], Y: t[1], Z: t[2]})
	}
	return boards
}
