// Package solver provides the nonlinear least-squares routine consumed by the
// calibration driver. The driver only depends on the Solver interface; the
// default implementation is a pure-Go Levenberg-Marquardt, with an
// nlopt-backed variant available where cgo is allowed.
package solver

import (
	"context"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Problem is a least-squares problem over the free parameter vector. Both
// callables must be pure functions of x; the engine guarantees they do not
// retain aliases into x across calls.
type Problem struct {
	// Residuals evaluates the residual vector at x.
	Residuals func(x []float64) ([]float64, error)
	// Jacobian evaluates the m x n Jacobian of Residuals at x.
	Jacobian func(x []float64) (*mat.Dense, error)
}

// Options are the solver selection and termination tolerances. The tolerances
// mirror the usual trust-region least-squares knobs: relative cost reduction,
// relative step size, gradient infinity norm, and an evaluation budget.
type Options struct {
	Method         string  `json:"method,omitempty"`
	MaxEvaluations int     `json:"max_nfev"`
	FTol           float64 `json:"ftol"`
	XTol           float64 `json:"xtol"`
	GTol           float64 `json:"gtol"`
	InitialDamping float64 `json:"initial_damping"`
}

// DefaultOptions returns the tolerances used by the calibration stages.
func DefaultOptions() Options {
	return Options{
		Method:         MethodLM,
		MaxEvaluations: 100,
		FTol:           1e-4,
		XTol:           1e-8,
		GTol:           1e-8,
		InitialDamping: 1e-3,
	}
}

// Result is the refined vector plus fit diagnostics. A solver that runs out
// of budget still returns the best vector found, with Converged false; poor
// convergence is advisory, not an error.
type Result struct {
	X          []float64
	Residuals  []float64
	Cost       float64 // 0.5 * sum of squared residuals
	Optimality float64 // infinity norm of the gradient J^T r
	Iterations int
	Converged  bool
}

// Solver minimizes a least-squares Problem starting from x0.
type Solver interface {
	Solve(ctx context.Context, prob Problem, x0 []float64, opts Options) (*Result, error)
}

// Method names accepted in Options.Method.
const (
	MethodLM    = "lm"
	MethodNlopt = "nlopt"
)

// NewSolver builds the solver a configuration names; the empty string selects
// Levenberg-Marquardt. The nlopt method is only available where cgo is.
func NewSolver(method string, logger golog.Logger) (Solver, error) {
	switch method {
	case "", MethodLM:
		return NewLMSolver(logger), nil
	case MethodNlopt:
		return newNloptSolver(logger)
	default:
		return nil, errors.Errorf("unknown solver method %q", method)
	}
}
