// Package detect holds the corner observation array produced by fiducial
// detection and the interface the detector collaborator must satisfy.
package detect

import (
	"context"
	"math"
	"sync"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"

	"github.com/kvoit/calibcam-po/board"
)

// Observations is the dense (camera, pose, corner, axis) array of detected
// corner positions in sensor coordinates. Cells without a detection hold NaN.
// The pose axis covers only the global frames observed by at least one
// camera; FrameIndices maps pose slots back to global frame indices.
//
// The array is filled once by the detector and is immutable afterwards; the
// optimization engine reads it across all stages.
type Observations struct {
	nCams    int
	nPoses   int
	nCorners int
	data     []float64
	frames   []int

	fillOnce sync.Once
	filled   []float64
	observed []bool
}

// NewObservations returns an all-sentinel observation array for the given
// shape. frameIndices must have one global frame index per pose slot.
func NewObservations(nCams, nCorners int, frameIndices []int) (*Observations, error) {
	if nCams < 1 {
		return nil, errors.Errorf("need at least one camera, got %d", nCams)
	}
	if nCorners < 1 {
		return nil, errors.Errorf("need at least one corner slot, got %d", nCorners)
	}
	if len(frameIndices) == 0 {
		return nil, errors.New("no frames with a board pose")
	}
	data := make([]float64, nCams*len(frameIndices)*nCorners*2)
	for i := range data {
		data[i] = math.NaN()
	}
	return &Observations{
		nCams:    nCams,
		nPoses:   len(frameIndices),
		nCorners: nCorners,
		data:     data,
		frames:   append([]int(nil), frameIndices...),
	}, nil
}

// Dims returns the camera, pose and corner-slot counts.
func (o *Observations) Dims() (nCams, nPoses, nCorners int) {
	return o.nCams, o.nPoses, o.nCorners
}

// NumResiduals is the number of scalar residuals the observation array
// induces: one per (camera, pose, corner, axis) cell.
func (o *Observations) NumResiduals() int {
	return len(o.data)
}

// FrameIndices returns the global frame index for each pose slot, ascending.
func (o *Observations) FrameIndices() []int {
	return append([]int(nil), o.frames...)
}

func (o *Observations) index(cam, pose, corner int) int {
	return ((cam*o.nPoses+pose)*o.nCorners + corner) * 2
}

// Set records a detected corner. Only the detector calls this, before the
// array is handed to the engine.
func (o *Observations) Set(cam, pose, corner int, pt r2.Point) {
	i := o.index(cam, pose, corner)
	o.data[i] = pt.X
	o.data[i+1] = pt.Y
}

// At returns the observation for a cell; both coordinates are NaN when the
// corner was not detected.
func (o *Observations) At(cam, pose, corner int) r2.Point {
	i := o.index(cam, pose, corner)
	return r2.Point{X: o.data[i], Y: o.data[i+1]}
}

// Observed reports whether the corner was detected.
func (o *Observations) Observed(cam, pose, corner int) bool {
	return !math.IsNaN(o.data[o.index(cam, pose, corner)])
}

// CameraObservesPose reports whether the camera detected any corner at the
// given pose slot.
func (o *Observations) CameraObservesPose(cam, pose int) bool {
	for corner := 0; corner < o.nCorners; corner++ {
		if o.Observed(cam, pose, corner) {
			return true
		}
	}
	return false
}

// Filled returns the observation values with sentinels replaced by zero,
// alongside the per-scalar observed mask. The replacement happens on a
// private copy built once; the original array keeps its NaN pattern
// bit-for-bit, so residuals and Jacobian rows can be zeroed consistently on
// every evaluation.
func (o *Observations) Filled() (values []float64, observed []bool) {
	o.fillOnce.Do(func() {
		o.filled = make([]float64, len(o.data))
		o.observed = make([]bool, len(o.data))
		for i, v := range o.data {
			if math.IsNaN(v) {
				continue
			}
			o.filled[i] = v
			o.observed[i] = true
		}
	})
	return o.filled, o.observed
}

// Detector produces the observation array from recorded video, given the
// board geometry. Implementations live outside the optimization engine.
//
// FrameCounts reports the frame count of each recording so the pipeline can
// apply its truncation policy before detection starts; Detect must then read
// at most nFrames frames from every recording.
type Detector interface {
	FrameCounts(ctx context.Context, recordings []string) ([]int, error)
	Detect(ctx context.Context, recordings []string, b *board.Board, nFrames int) (*Observations, error)
}
