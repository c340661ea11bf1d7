package optim

import "github.com/pkg/errors"

// ErrShapeMismatch is when a flat parameter vector disagrees with the
// camera/pose counts it is supposed to encode. It is structural and aborts
// the stage before any solver call.
var ErrShapeMismatch = errors.New("parameter vector shape mismatch")

// NewShapeMismatchError wraps ErrShapeMismatch with a description of the
// disagreement.
func NewShapeMismatchError(msg string) error {
	return errors.Wrapf(ErrShapeMismatch, msg)
}

// errSingularDerivative marks a partial-derivative block that still contains
// NaN after the rotation nudge was applied. It stays internal to the
// assembler; callers only ever see it if the nudge-and-retry recovery failed.
var errSingularDerivative = errors.New("partial derivative is singular")
