//go:build !windows && !no_cgo

package solver

import (
	"context"
	"math"

	"github.com/edaniels/golog"
	"github.com/go-nlopt/nlopt"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// NloptSolver minimizes the least-squares cost with nlopt's gradient-based
// SLSQP, feeding it the analytic gradient J^T r. It satisfies the same Solver
// interface as LMSolver and exists for rigs where the damped normal equations
// become too ill-conditioned.
type NloptSolver struct {
	logger golog.Logger
}

type optimizeReturn struct {
	solution []float64
	score    float64
	err      error
}

// NewNloptSolver returns an nlopt-backed least-squares solver.
func NewNloptSolver(logger golog.Logger) *NloptSolver {
	return &NloptSolver{logger: logger}
}

func newNloptSolver(logger golog.Logger) (Solver, error) {
	return NewNloptSolver(logger), nil
}

// Solve runs the minimization until a tolerance from opts is met or the
// evaluation budget is exhausted.
func (s *NloptSolver) Solve(ctx context.Context, prob Problem, x0 []float64, opts Options) (*Result, error) {
	if len(x0) == 0 {
		return nil, errors.New("cannot solve for an empty parameter vector")
	}
	if opts.MaxEvaluations < 1 {
		opts = DefaultOptions()
	}

	opt, err := nlopt.NewNLopt(nlopt.LD_SLSQP, uint(len(x0)))
	if err != nil {
		return nil, errors.Wrap(err, "nlopt creation error")
	}
	defer opt.Destroy()

	var evalErr error
	iterations := 0

	minFunc := func(x, gradient []float64) float64 {
		iterations++
		r, err := prob.Residuals(x)
		if err != nil {
			evalErr = multierr.Append(evalErr, err)
			if ferr := opt.ForceStop(); ferr != nil {
				s.logger.Errorw("forcestop error", "error", ferr)
			}
			return 0
		}
		if len(gradient) > 0 {
			jac, err := prob.Jacobian(x)
			if err != nil {
				evalErr = multierr.Append(evalErr, err)
				if ferr := opt.ForceStop(); ferr != nil {
					s.logger.Errorw("forcestop error", "error", ferr)
				}
				return 0
			}
			var grad mat.VecDense
			grad.MulVec(jac.T(), mat.NewVecDense(len(r), r))
			copy(gradient, grad.RawVector().Data)
		}
		return 0.5 * floats.Dot(r, r)
	}

	err = multierr.Combine(
		opt.SetFtolRel(opts.FTol),
		opt.SetXtolRel(opts.XTol),
		opt.SetXtolAbs1(opts.XTol),
		opt.SetMinObjective(minFunc),
		opt.SetMaxEval(opts.MaxEvaluations),
	)
	if err != nil {
		return nil, errors.Wrap(err, "nlopt setup error")
	}

	solveChan := make(chan *optimizeReturn, 1)
	utils.PanicCapturingGo(func() {
		solution, score, err := opt.Optimize(append([]float64(nil), x0...))
		solveChan <- &optimizeReturn{solution, score, err}
	})

	var solved *optimizeReturn
	select {
	case <-ctx.Done():
		err = multierr.Combine(opt.ForceStop(), ctx.Err())
		<-solveChan
		return nil, err
	case solved = <-solveChan:
	}
	if evalErr != nil {
		return nil, evalErr
	}
	if solved.err != nil && solved.solution == nil {
		return nil, errors.Wrap(solved.err, "nlopt optimize error")
	}

	r, err := prob.Residuals(solved.solution)
	if err != nil {
		return nil, errors.Wrap(err, "residual evaluation at solution failed")
	}
	result := &Result{
		X:          solved.solution,
		Residuals:  r,
		Cost:       0.5 * floats.Dot(r, r),
		Iterations: iterations,
	}
	if jac, err := prob.Jacobian(solved.solution); err == nil {
		var grad mat.VecDense
		grad.MulVec(jac.T(), mat.NewVecDense(len(r), r))
		result.Optimality = mat.Norm(&grad, math.Inf(1))
	}
	result.Converged = solved.err == nil
	return result, nil
}
