// Package spatialmath implements the rigid-body math used by the calibration
// engine: axis-angle (Rodrigues) rotations in the compact R3 form, where the
// direction of the vector is the rotation axis and its length is the rotation
// angle in radians.
package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
)

// RotationNudge is the magnitude used to perturb an exactly-zero rotation
// vector before numeric differentiation. The axis-angle parameterization is
// singular at zero, so derivative evaluation there divides by zero.
// The value matches float16 machine epsilon (2^-10).
const RotationNudge = 0x1p-10

// zeroRotationTol is the angle below which a rotation is treated as identity
// when evaluating the rotation itself (not its derivatives).
const zeroRotationTol = 1e-14

// RotationMatrix converts an R3 axis-angle vector to a 3x3 row-major rotation
// matrix via the Rodrigues formula.
func RotationMatrix(aa r3.Vector) [9]float64 {
	theta := aa.Norm()
	if theta < zeroRotationTol {
		return [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}
	}
	k := aa.Mul(1 / theta)
	c := math.Cos(theta)
	s := math.Sin(theta)
	v := 1 - c

	return [9]float64{
		c + k.X*k.X*v, k.X*k.Y*v - k.Z*s, k.X*k.Z*v + k.Y*s,
		k.Y*k.X*v + k.Z*s, c + k.Y*k.Y*v, k.Y*k.Z*v - k.X*s,
		k.Z*k.X*v - k.Y*s, k.Z*k.Y*v + k.X*s, c + k.Z*k.Z*v,
	}
}

// Apply multiplies a row-major 3x3 matrix with a vector.
func Apply(m [9]float64, pt r3.Vector) r3.Vector {
	return r3.Vector{
		X: m[0]*pt.X + m[1]*pt.Y + m[2]*pt.Z,
		Y: m[3]*pt.X + m[4]*pt.Y + m[5]*pt.Z,
		Z: m[6]*pt.X + m[7]*pt.Y + m[8]*pt.Z,
	}
}

// Rotate rotates pt by the axis-angle vector aa.
func Rotate(aa, pt r3.Vector) r3.Vector {
	return Apply(RotationMatrix(aa), pt)
}

// Transform applies the rigid transform (aa, t) to pt, rotating first.
func Transform(aa, t, pt r3.Vector) r3.Vector {
	return Rotate(aa, pt).Add(t)
}

// NudgeZeroRotation returns aa unchanged unless it is exactly zero, in which
// case every component is set to RotationNudge so that axis-angle derivatives
// stay finite. Callers pass a working copy; the original parameters are never
// modified.
func NudgeZeroRotation(aa r3.Vector) r3.Vector {
	if aa.X == 0 && aa.Y == 0 && aa.Z == 0 {
		return r3.Vector{X: RotationNudge, Y: RotationNudge, Z: RotationNudge}
	}
	return aa
}
