// Package camera models a single camera of the rig: an extrinsic pose in the
// rig coordinate frame, a 3x3 intrinsic matrix, and a Brown-Conrady
// distortion vector.
package camera

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/kvoit/calibcam-po/spatialmath"
)

// DistortionCoeffs is the length of the distortion vector carried per camera.
const DistortionCoeffs = 5

// Camera is one camera's full parameter block. Rotation and Translation map
// points from the rig coordinate frame into this camera's frame; the rotation
// is an R3 axis-angle vector. K is the row-major 3x3 intrinsic matrix and
// Dist the Brown-Conrady coefficients in k1, k2, p1, p2, k3 order.
type Camera struct {
	Rotation    r3.Vector
	Translation r3.Vector
	K           *mat.Dense
	Dist        []float64
}

// NewCamera returns a camera at the rig origin with the given intrinsics and
// no distortion.
func NewCamera(intrinsics *PinholeCameraIntrinsics) (*Camera, error) {
	if err := intrinsics.CheckValid(); err != nil {
		return nil, err
	}
	return &Camera{
		K:    intrinsics.Matrix(),
		Dist: make([]float64, DistortionCoeffs),
	}, nil
}

// CheckValid checks the parameter block for structural problems.
func (c *Camera) CheckValid() error {
	if c == nil {
		return errors.New("camera is nil")
	}
	if c.K == nil {
		return NewNoIntrinsicsError("camera has no intrinsic matrix")
	}
	if r, cols := c.K.Dims(); r != 3 || cols != 3 {
		return errors.Errorf("intrinsic matrix must be 3x3, got %dx%d", r, cols)
	}
	if len(c.Dist) != DistortionCoeffs {
		return errors.Errorf("distortion vector must have %d coefficients, got %d", DistortionCoeffs, len(c.Dist))
	}
	return nil
}

// Clone returns a deep copy of the parameter block.
func (c *Camera) Clone() *Camera {
	out := &Camera{
		Rotation:    c.Rotation,
		Translation: c.Translation,
	}
	if c.K != nil {
		out.K = mat.DenseCopyOf(c.K)
	}
	if c.Dist != nil {
		out.Dist = append([]float64(nil), c.Dist...)
	}
	return out
}

// Intrinsics extracts the pinhole parameters from the intrinsic matrix.
func (c *Camera) Intrinsics() (*PinholeCameraIntrinsics, error) {
	return IntrinsicsFromMatrix(c.K)
}

// Distorter returns the camera's distortion model.
func (c *Camera) Distorter() (Distorter, error) {
	return NewBrownConrady(c.Dist)
}

// Project maps a point in the rig coordinate frame to sensor coordinates:
// extrinsic transform, perspective division, distortion, intrinsic matrix.
func (c *Camera) Project(pt r3.Vector) r2.Point {
	pc := spatialmath.Transform(c.Rotation, c.Translation, pt)
	x := pc.X / pc.Z
	y := pc.Y / pc.Z
	d, err := c.Distorter()
	if err != nil {
		// A distortion vector CheckValid would reject projects undistorted.
		d = &BrownConrady{}
	}
	xd, yd := d.Transform(x, y)
	u := c.K.At(0, 0)*xd + c.K.At(0, 1)*yd + c.K.At(0, 2)
	v := c.K.At(1, 0)*xd + c.K.At(1, 1)*yd + c.K.At(1, 2)
	return r2.Point{X: u, Y: v}
}
