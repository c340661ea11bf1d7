package solver

import (
	"context"
	"math"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const (
	dampingFloor    = 1e-12
	dampingCeiling  = 1e12
	dampingDecrease = 1.0 / 3.0
	dampingIncrease = 2.0
)

// LMSolver is a damped-normal-equations Levenberg-Marquardt solver. Each
// iteration solves (J^T J + lambda diag(J^T J)) d = -J^T r and accepts the
// step only when it lowers the cost, trading the damping factor between
// gradient-descent and Gauss-Newton behavior.
type LMSolver struct {
	logger golog.Logger
}

// NewLMSolver returns a Levenberg-Marquardt solver.
func NewLMSolver(logger golog.Logger) *LMSolver {
	return &LMSolver{logger: logger}
}

// Solve runs the minimization until a tolerance from opts is met or the
// evaluation budget is exhausted.
func (s *LMSolver) Solve(ctx context.Context, prob Problem, x0 []float64, opts Options) (*Result, error) {
	if len(x0) == 0 {
		return nil, errors.New("cannot solve for an empty parameter vector")
	}
	if opts.MaxEvaluations < 1 {
		opts = DefaultOptions()
	}

	x := append([]float64(nil), x0...)
	r, err := prob.Residuals(x)
	if err != nil {
		return nil, errors.Wrap(err, "initial residual evaluation failed")
	}
	cost := 0.5 * floats.Dot(r, r)
	lambda := opts.InitialDamping
	if lambda <= 0 {
		lambda = 1e-3
	}

	result := &Result{X: x, Residuals: r, Cost: cost}
	evals := 1

	for evals < opts.MaxEvaluations {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		jac, err := prob.Jacobian(x)
		if err != nil {
			return result, errors.Wrap(err, "jacobian evaluation failed")
		}
		m, n := jac.Dims()
		if m != len(r) || n != len(x) {
			return result, errors.Errorf("jacobian is %dx%d, want %dx%d", m, n, len(r), len(x))
		}

		var grad mat.VecDense
		grad.MulVec(jac.T(), mat.NewVecDense(len(r), r))
		result.Optimality = mat.Norm(&grad, math.Inf(1))
		if result.Optimality < opts.GTol {
			result.Converged = true
			break
		}

		var jtj mat.Dense
		jtj.Mul(jac.T(), jac)

		accepted := false
		for !accepted && lambda <= dampingCeiling {
			var damped mat.Dense
			damped.CloneFrom(&jtj)
			for i := 0; i < n; i++ {
				d := jtj.At(i, i) * lambda
				if d == 0 {
					d = lambda
				}
				damped.Set(i, i, jtj.At(i, i)+d)
			}

			negGrad := mat.NewVecDense(n, nil)
			negGrad.ScaleVec(-1, &grad)
			var step mat.VecDense
			if err := step.SolveVec(&damped, negGrad); err != nil {
				lambda *= dampingIncrease * dampingIncrease
				continue
			}

			trial := make([]float64, n)
			floats.AddTo(trial, x, step.RawVector().Data)

			rTrial, err := prob.Residuals(trial)
			if err != nil {
				return result, errors.Wrap(err, "residual evaluation failed")
			}
			evals++
			costTrial := 0.5 * floats.Dot(rTrial, rTrial)

			if costTrial < cost {
				stepNorm := floats.Norm(step.RawVector().Data, 2)
				xNorm := floats.Norm(x, 2)
				costDrop := cost - costTrial

				x = trial
				r = rTrial
				cost = costTrial
				result.X = x
				result.Residuals = r
				result.Cost = cost
				lambda = math.Max(lambda*dampingDecrease, dampingFloor)
				accepted = true

				if costDrop <= opts.FTol*cost {
					result.Converged = true
				}
				if stepNorm <= opts.XTol*(xNorm+opts.XTol) {
					result.Converged = true
				}
			} else {
				lambda *= dampingIncrease
			}
			if evals >= opts.MaxEvaluations {
				break
			}
		}
		result.Iterations++
		if result.Converged || !accepted {
			break
		}
	}

	if !result.Converged && s.logger != nil {
		s.logger.Debugf("levenberg-marquardt stopped without convergence: cost %.6g optimality %.6g after %d iterations",
			result.Cost, result.Optimality, result.Iterations)
	}
	return result, nil
}
