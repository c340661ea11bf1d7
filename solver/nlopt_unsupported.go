//go:build windows || no_cgo

package solver

import (
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
)

func newNloptSolver(logger golog.Logger) (Solver, error) {
	return nil, errors.New("the nlopt solver is not supported on this platform")
}
