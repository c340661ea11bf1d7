// Package board describes the fiducial calibration board and its fixed 3-D
// corner template. The template is the set of inner chessboard corners in the
// board's own coordinate frame, which board poses then place in the rig frame.
package board

import (
	"encoding/json"
	"io"
	"os"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// Board is a ChArUco-style calibration board descriptor. Lengths are in the
// same unit the calibration result will be expressed in (typically meters).
type Board struct {
	SquaresX     int     `json:"boardWidth"`
	SquaresY     int     `json:"boardHeight"`
	SquareLength float64 `json:"square_size_real"`
	MarkerLength float64 `json:"marker_size"`
}

// CheckValid checks the board descriptor for structural problems.
func (b *Board) CheckValid() error {
	if b == nil {
		return errors.New("board is nil")
	}
	if b.SquaresX < 2 || b.SquaresY < 2 {
		return errors.Errorf("board must have at least 2x2 squares, got %dx%d", b.SquaresX, b.SquaresY)
	}
	if b.SquareLength <= 0 {
		return errors.Errorf("square length must be positive, got %v", b.SquareLength)
	}
	if b.MarkerLength < 0 || b.MarkerLength > b.SquareLength {
		return errors.Errorf("marker length %v out of range for square length %v", b.MarkerLength, b.SquareLength)
	}
	return nil
}

// NumCorners returns the number of inner corners the detector can report.
func (b *Board) NumCorners() int {
	return (b.SquaresX - 1) * (b.SquaresY - 1)
}

// CornerTemplate returns the 3-D positions of the inner corners in the
// board frame, row-major from the board origin, z = 0. Corner slot indices in
// the observation array refer to this ordering.
func (b *Board) CornerTemplate() []r3.Vector {
	corners := make([]r3.Vector, 0, b.NumCorners())
	for y := 1; y < b.SquaresY; y++ {
		for x := 1; x < b.SquaresX; x++ {
			corners = append(corners, r3.Vector{
				X: float64(x) * b.SquareLength,
				Y: float64(y) * b.SquareLength,
			})
		}
	}
	return corners
}

// NewBoardFromJSONFile reads a board descriptor from a JSON file.
func NewBoardFromJSONFile(jsonPath string) (*Board, error) {
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
	brd := &Board{}
	if err = json.Unmarshal(byteValue, brd); err != nil {
		return nil, errors.Wrap(err, "error parsing JSON string")
	}
	if err = brd.CheckValid(); err != nil {
		return nil, err
	}
	return brd, nil
}
