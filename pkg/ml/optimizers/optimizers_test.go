// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"math"
	"slices"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
)

// funcObjective implements Objective with plain functions.
type funcObjective struct {
	x    []float64
	f    func(x []float64) float64
	grad func(x []float64) []float64
}

func (o *funcObjective) NumParameters() int    { return len(o.x) }
func (o *funcObjective) Parameters() []float64 { return slices.Clone(o.x) }
func (o *funcObjective) SetParameters(x []float64) error {
	if len(x) != len(o.x) {
		return errors.Errorf("got %d parameters, wanted %d", len(x), len(o.x))
	}
	copy(o.x, x)
	return nil
}
func (o *funcObjective) Value() (float64, error)      { return o.f(o.x), nil }
func (o *funcObjective) Gradient() ([]float64, error) { return o.grad(o.x), nil }

// sumOfSquares is Σ(xᵢ - offset)², starting from x0 = (5, ..., 5).
func sumOfSquares(n int, offset float64) *funcObjective {
	x0 := make([]float64, n)
	for ii := range x0 {
		x0[ii] = 5
	}
	return &funcObjective{
		x: x0,
		f: func(x []float64) float64 {
			var sum float64
			for _, xi := range x {
				sum += (xi - offset) * (xi - offset)
			}
			return sum
		},
		grad: func(x []float64) []float64 {
			g := make([]float64, len(x))
			for ii, xi := range x {
				g[ii] = 2 * (xi - offset)
			}
			return g
		},
	}
}

func rosenbrock() *funcObjective {
	return &funcObjective{
		x: []float64{-1.2, 1},
		f: func(x []float64) float64 {
			a, b := 1-x[0], x[1]-x[0]*x[0]
			return a*a + 100*b*b
		},
		grad: func(x []float64) []float64 {
			b := x[1] - x[0]*x[0]
			return []float64{-2*(1-x[0]) - 400*x[0]*b, 200 * b}
		},
	}
}

func requireMonotonic(t *testing.T, trace []float64) {
	t.Helper()
	for ii := 1; ii < len(trace); ii++ {
		require.LessOrEqualf(t, trace[ii], trace[ii-1], "value increased at iteration %d: %v", ii, trace)
	}
}

func TestLBFGS(t *testing.T) {
	t.Run("sum of squares", func(t *testing.T) {
		obj := sumOfSquares(10, 0)
		result, err := new(LBFGS).Optimize(obj, 100, false)
		require.NoError(t, err)
		assert.Equal(t, GradientConverged, result.Status)
		assert.Less(t, floats.Norm(obj.x, 2), 1e-6)
		assert.Equal(t, obj.x, result.Parameters)
		assert.Len(t, result.Trace, result.Iterations+1)
		requireMonotonic(t, result.Trace)
	})

	t.Run("rosenbrock", func(t *testing.T) {
		obj := rosenbrock()
		result, err := (&LBFGS{GradientTolerance: 1e-6}).Optimize(obj, 200, false)
		require.NoError(t, err)
		assert.Equal(t, GradientConverged, result.Status)
		assert.InDelta(t, 1, obj.x[0], 1e-4)
		assert.InDelta(t, 1, obj.x[1], 1e-4)
		requireMonotonic(t, result.Trace)
	})

	t.Run("iteration limit", func(t *testing.T) {
		obj := rosenbrock()
		result, err := new(LBFGS).Optimize(obj, 2, false)
		require.NoError(t, err)
		assert.Equal(t, IterationLimit, result.Status)
		assert.Equal(t, 2, result.Iterations)
		assert.Less(t, result.Value, 24.2)
	})

	t.Run("box bounds", func(t *testing.T) {
		obj := sumOfSquares(2, 3)
		obj.x = []float64{0, 0}
		opt := &LBFGS{Upper: []float64{1, 1}}
		result, err := opt.Optimize(obj, 20, false)
		require.NoError(t, err)
		assert.Equal(t, GradientConverged, result.Status)
		assert.Equal(t, []float64{1, 1}, obj.x)

		_, err = (&LBFGS{Upper: []float64{1}}).Optimize(obj, 20, false)
		require.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("wrong gradient", func(t *testing.T) {
		// The reported gradient points uphill: the line search can't find a decrease.
		obj := sumOfSquares(3, 0)
		correct := obj.grad
		obj.grad = func(x []float64) []float64 {
			g := correct(x)
			floats.Scale(-1, g)
			return g
		}
		x0 := obj.Parameters()
		result, err := new(LBFGS).Optimize(obj, 10, false)
		require.Error(t, err)
		assert.True(t, isLineSearchError(err), "unexpected error %+v", err)
		assert.Equal(t, Failure, result.Status)
		assert.Equal(t, x0, obj.x, "parameters must be restored to the last accepted point")
	})

	t.Run("non-finite start", func(t *testing.T) {
		obj := sumOfSquares(2, 0)
		obj.f = func([]float64) float64 { return math.NaN() }
		_, err := new(LBFGS).Optimize(obj, 10, false)
		require.ErrorIs(t, err, ErrNonFinite)
	})
}

func isLineSearchError(err error) bool {
	for _, target := range []error{ErrNotDescent, ErrLineSearchBudget, ErrIntervalTooSmall,
		ErrStepAtUpperBound, ErrStepAtLowerBound, ErrRoundingErrors} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func TestCurvatureMemory(t *testing.T) {
	mem := newCurvatureMemory(2, 2)
	g := []float64{1, 2}
	d := make([]float64, 2)
	mem.direction(g, d)
	assert.Equal(t, []float64{-1, -2}, d)

	assert.False(t, mem.push([]float64{1, 0}, []float64{-1, 0}), "negative curvature pairs are skipped")
	assert.Equal(t, 0, mem.count)

	// For the quadratic ½xᵗAx with A=diag(2, 4), pairs (s, As) let the recursion recover A⁻¹g.
	require.True(t, mem.push([]float64{1, 0}, []float64{2, 0}))
	require.True(t, mem.push([]float64{0, 1}, []float64{0, 4}))
	mem.direction(g, d)
	assert.InDeltaSlice(t, []float64{-0.5, -0.5}, d, 1e-12)

	require.True(t, mem.push([]float64{1, 1}, []float64{2, 4}))
	assert.Equal(t, 2, mem.count, "memory wraps around")
	assert.Equal(t, 1, mem.cursor)
}

func TestMoreThuente(t *testing.T) {
	ls := &moreThuente{ftol: 1e-4, gtol: 0.9, xtol: machineEpsilon, minStep: 1e-20, maxStep: 1e20}
	require.ErrorIs(t, ls.start(0, 1, 1), ErrNotDescent)
	require.ErrorIs(t, ls.start(0, -1, 1e30), ErrInvalidConfig)

	// φ(step) = (step - 2)², φ(0) = 4, φ'(0) = -4.
	phi := func(step float64) (float64, float64) { return (step - 2) * (step - 2), 2 * (step - 2) }
	require.NoError(t, ls.start(4, -4, 0.1))
	step := 0.1
	for range 20 {
		f, g := phi(step)
		next, done, err := ls.next(step, f, g)
		require.NoError(t, err)
		if done {
			_, g := phi(step)
			assert.LessOrEqual(t, math.Abs(g), 0.9*4)
			assert.LessOrEqual(t, f, 4-1e-4*step*4)
			return
		}
		step = next
	}
	t.Fatal("line search did not converge in 20 evaluations")
}

func TestCG(t *testing.T) {
	t.Run("sum of squares", func(t *testing.T) {
		obj := sumOfSquares(10, 0)
		result, err := new(CG).Optimize(obj, 100, false)
		require.NoError(t, err)
		assert.Equal(t, GradientConverged, result.Status)
		assert.Less(t, floats.Norm(obj.x, 2), 1e-6)
		requireMonotonic(t, result.Trace)

		lbfgsResult, err := new(LBFGS).Optimize(sumOfSquares(10, 0), 100, false)
		require.NoError(t, err)
		assert.LessOrEqual(t, result.Iterations, lbfgsResult.Iterations+5)
	})

	t.Run("rosenbrock", func(t *testing.T) {
		obj := rosenbrock()
		result, err := (&CG{GradientTolerance: 1e-6}).Optimize(obj, 500, false)
		require.NoError(t, err)
		assert.InDelta(t, 1, obj.x[0], 1e-3)
		assert.InDelta(t, 1, obj.x[1], 1e-3)
		requireMonotonic(t, result.Trace)
	})

	t.Run("non-finite trials", func(t *testing.T) {
		// Finite only at the starting point: every line search fails, each within its budget.
		obj := sumOfSquares(3, 0)
		x0 := obj.Parameters()
		correctF, correctGrad := obj.f, obj.grad
		obj.f = func(x []float64) float64 {
			if slices.Equal(x, x0) {
				return correctF(x)
			}
			return math.NaN()
		}
		obj.grad = func(x []float64) []float64 {
			if slices.Equal(x, x0) {
				return correctGrad(x)
			}
			return []float64{math.Inf(1), 0, 0}
		}
		result, err := new(CG).Optimize(obj, 100, false)
		require.ErrorIs(t, err, ErrNoProgress)
		assert.Equal(t, NoProgress, result.Status)
		assert.LessOrEqual(t, result.Evaluations, 1+2*20)
		assert.Equal(t, 2, result.Iterations)
		assert.Equal(t, x0, obj.x)
	})

	t.Run("invalid config", func(t *testing.T) {
		_, err := (&CG{Sigma: 0.01, Rho: 0.05}).Optimize(sumOfSquares(1, 0), 10, false)
		require.ErrorIs(t, err, ErrInvalidConfig)
	})
}

func TestHooks(t *testing.T) {
	opt := &LBFGS{}
	var calls []string
	opt.OnStart("start", 0, func(p *Progress) error {
		calls = append(calls, "start")
		assert.Equal(t, "lbfgs", p.Optimizer)
		return nil
	})
	opt.OnIteration("second", 1, func(p *Progress) error {
		calls = append(calls, "second")
		return nil
	})
	opt.OnIteration("first", -1, func(p *Progress) error {
		calls = append(calls, "first")
		if p.Iteration == 2 {
			return ErrStop
		}
		return nil
	})
	var endResult *Result
	opt.OnEnd("end", 0, func(p *Progress, result *Result) error {
		endResult = result
		return nil
	})

	obj := rosenbrock()
	result, err := opt.Optimize(obj, 100, false)
	require.NoError(t, err)
	assert.Equal(t, Stopped, result.Status)
	assert.Equal(t, 2, result.Iterations)
	assert.Equal(t, []string{"start", "first", "second", "first"}, calls)
	assert.Same(t, result, endResult)
	assert.Equal(t, result.Parameters, obj.x)

	failing := &CG{}
	failing.OnIteration("fail", 0, func(*Progress) error { return errors.New("hook failed") })
	_, err = failing.Optimize(rosenbrock(), 10, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `OnIteration("fail")`)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "GradientConverged", GradientConverged.String())
	assert.Equal(t, "Status(42)", Status(42).String())
}
