package solver

import (
	"context"
	"testing"

	"github.com/edaniels/golog"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
)

// linearProblem fits x to a fixed target; the Jacobian is the identity, so a
// single Gauss-Newton step solves it exactly.
func linearProblem(target []float64) Problem {
	return Problem{
		Residuals: func(x []float64) ([]float64, error) {
			r := make([]float64, len(x))
			for i := range x {
				r[i] = x[i] - target[i]
			}
			return r, nil
		},
		Jacobian: func(x []float64) (*mat.Dense, error) {
			n := len(x)
			jac := mat.NewDense(n, n, nil)
			for i := 0; i < n; i++ {
				jac.Set(i, i, 1)
			}
			return jac, nil
		},
	}
}

// rosenbrock is the classic banana valley in least-squares form, minimized at
// (1, 1).
func rosenbrock() Problem {
	return Problem{
		Residuals: func(x []float64) ([]float64, error) {
			return []float64{10 * (x[1] - x[0]*x[0]), 1 - x[0]}, nil
		},
		Jacobian: func(x []float64) (*mat.Dense, error) {
			return mat.NewDense(2, 2, []float64{
				-20 * x[0], 10,
				-1, 0,
			}), nil
		},
	}
}

func TestLMSolverLinear(t *testing.T) {
	logger := golog.NewTestLogger(t)
	s := NewLMSolver(logger)

	res, err := s.Solve(context.Background(), linearProblem([]float64{3, -1}), []float64{0, 0}, DefaultOptions())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Converged, test.ShouldBeTrue)
	test.That(t, res.X[0], test.ShouldAlmostEqual, 3, 1e-6)
	test.That(t, res.X[1], test.ShouldAlmostEqual, -1, 1e-6)
	test.That(t, res.Cost, test.ShouldAlmostEqual, 0, 1e-10)
}

func TestLMSolverRosenbrock(t *testing.T) {
	logger := golog.NewTestLogger(t)
	s := NewLMSolver(logger)

	opts := DefaultOptions()
	opts.MaxEvaluations = 500
	opts.FTol = 0 // run the valley down to the gradient/step tolerances
	res, err := s.Solve(context.Background(), rosenbrock(), []float64{0, 0}, opts)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.X[0], test.ShouldAlmostEqual, 1, 1e-3)
	test.That(t, res.X[1], test.ShouldAlmostEqual, 1, 1e-3)
	test.That(t, res.Cost, test.ShouldBeLessThan, 1e-6)
}

func TestLMSolverAlreadyOptimal(t *testing.T) {
	logger := golog.NewTestLogger(t)
	s := NewLMSolver(logger)

	res, err := s.Solve(context.Background(), linearProblem([]float64{2}), []float64{2}, DefaultOptions())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Converged, test.ShouldBeTrue)
	test.That(t, res.Cost, test.ShouldEqual, 0.0)
	test.That(t, res.X, test.ShouldResemble, []float64{2})
}

func TestLMSolverEmptyVector(t *testing.T) {
	s := NewLMSolver(golog.NewTestLogger(t))
	_, err := s.Solve(context.Background(), linearProblem(nil), nil, DefaultOptions())
	test.That(t, err, test.ShouldNotBeNil)
}

func TestLMSolverCancellation(t *testing.T) {
	s := NewLMSolver(golog.NewTestLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := s.Solve(ctx, rosenbrock(), []float64{0, 0}, DefaultOptions())
	test.That(t, err, test.ShouldBeError, context.Canceled)
	// The best vector so far still comes back.
	test.That(t, res, test.ShouldNotBeNil)
	test.That(t, res.X, test.ShouldResemble, []float64{0, 0})
}

func TestNewSolver(t *testing.T) {
	logger := golog.NewTestLogger(t)

	s, err := NewSolver("", logger)
	test.That(t, err, test.ShouldBeNil)
	_, ok := s.(*LMSolver)
	test.That(t, ok, test.ShouldBeTrue)

	s, err = NewSolver(MethodLM, logger)
	test.That(t, err, test.ShouldBeNil)
	_, ok = s.(*LMSolver)
	test.That(t, ok, test.ShouldBeTrue)

	_, err = NewSolver("downhill-simplex", logger)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestLMSolverBudgetExhaustion(t *testing.T) {
	s := NewLMSolver(golog.NewTestLogger(t))
	opts := DefaultOptions()
	opts.MaxEvaluations = 2
	opts.FTol = 0
	opts.XTol = 0
	opts.GTol = 0

	res, err := s.Solve(context.Background(), rosenbrock(), []float64{-1.2, 1}, opts)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Converged, test.ShouldBeFalse)
}
