// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"math"

	"github.com/pkg/errors"
)

// moreThuente is the state of a Moré-Thuente line search for a step satisfying the strong Wolfe conditions
// on φ(step) = f(x + step·d):
//
//	φ(step) ≤ φ(0) + ftol·step·φ'(0)   (sufficient decrease)
//	|φ'(step)| ≤ gtol·|φ'(0)|          (curvature)
//
// The search keeps an interval [stx, sty] known to contain such a step, and picks trial steps with cubic,
// quadratic or secant fits of the end points. Usage: start with the value and slope at 0 and a first trial
// step, then call next with the value and slope at each trial step until it reports convergence or an error.
type moreThuente struct {
	ftol, gtol, xtol float64
	minStep, maxStep float64

	bracketed  bool
	wolfeStage bool // Whether the search already found a step with sufficient decrease and non-negative slope.
	f0, g0     float64
	width      float64 // Width of the interval before the last bisection check.
	prevWidth  float64

	x, y searchPoint // Best step so far, and the other end of the interval.

	// Bounds for the next trial step.
	lower, upper float64
}

// searchPoint is a step with the value and slope of φ at it.
type searchPoint struct {
	step, f, g float64
}

const (
	xTrapLower = 1.1
	xTrapUpper = 4.0
)

// start initializes the search at φ(0)=f0 with slope g0, and validates the first trial step.
func (ls *moreThuente) start(f0, g0, step float64) error {
	switch {
	case g0 >= 0:
		return errors.Wrapf(ErrNotDescent, "initial slope %g", g0)
	case step < ls.minStep || step > ls.maxStep:
		return errors.Wrapf(ErrInvalidConfig, "initial step %g out of [%g, %g]", step, ls.minStep, ls.maxStep)
	case ls.ftol < 0 || ls.gtol < 0 || ls.xtol < 0 || ls.minStep < 0 || ls.maxStep < ls.minStep:
		return errors.Wrapf(ErrInvalidConfig, "line search tolerances ftol=%g gtol=%g xtol=%g, steps [%g, %g]",
			ls.ftol, ls.gtol, ls.xtol, ls.minStep, ls.maxStep)
	}
	ls.bracketed = false
	ls.wolfeStage = false
	ls.f0, ls.g0 = f0, g0
	ls.width = ls.maxStep - ls.minStep
	ls.prevWidth = 2 * ls.width
	ls.x = searchPoint{0, f0, g0}
	ls.y = ls.x
	ls.lower = 0
	ls.upper = step + xTrapUpper*step
	return nil
}

// next takes the value f and slope g at the trial step, and returns the next step to try.
// It returns done=true if step satisfies the Wolfe conditions, or an error if the search can't make progress.
func (ls *moreThuente) next(step, f, g float64) (nextStep float64, done bool, err error) {
	gTest := ls.ftol * ls.g0
	fTest := ls.f0 + step*gTest

	switch {
	case ls.bracketed && (step <= ls.lower || step >= ls.upper):
		return step, false, ErrRoundingErrors
	case ls.bracketed && ls.upper-ls.lower <= ls.xtol*ls.upper:
		return step, false, ErrIntervalTooSmall
	case step == ls.maxStep && f <= fTest && g <= gTest:
		return step, false, ErrStepAtUpperBound
	case step == ls.minStep && (f > fTest || g >= gTest):
		return step, false, ErrStepAtLowerBound
	case f <= fTest && math.Abs(g) <= ls.gtol*(-ls.g0):
		return step, true, nil
	}

	if !ls.wolfeStage && f <= fTest && g >= 0 {
		ls.wolfeStage = true
	}

	trial := searchPoint{step, f, g}
	if !ls.wolfeStage && f <= ls.x.f && f > fTest {
		// Work with the auxiliary function ψ(step) = φ(step) - φ(0) - ftol·step·φ'(0) while only sufficient
		// decrease is being sought.
		modify := func(p searchPoint) searchPoint {
			return searchPoint{p.step, p.f - p.step*gTest, p.g - gTest}
		}
		x, y := modify(ls.x), modify(ls.y)
		step = ls.safeguardedStep(&x, &y, modify(trial))
		ls.x = searchPoint{x.step, x.f + x.step*gTest, x.g + gTest}
		ls.y = searchPoint{y.step, y.f + y.step*gTest, y.g + gTest}
	} else {
		step = ls.safeguardedStep(&ls.x, &ls.y, trial)
	}

	// Force a sufficient decrease in the size of the interval.
	if ls.bracketed {
		if math.Abs(ls.y.step-ls.x.step) >= 0.66*ls.prevWidth {
			step = ls.x.step + 0.5*(ls.y.step-ls.x.step)
		}
		ls.prevWidth = ls.width
		ls.width = math.Abs(ls.y.step - ls.x.step)
	}

	if ls.bracketed {
		ls.lower = min(ls.x.step, ls.y.step)
		ls.upper = max(ls.x.step, ls.y.step)
	} else {
		ls.lower = step + xTrapLower*(step-ls.x.step)
		ls.upper = step + xTrapUpper*(step-ls.x.step)
	}

	step = min(max(step, ls.minStep), ls.maxStep)

	// If no further progress can be made, use the best step so far.
	if ls.bracketed && (step <= ls.lower || step >= ls.upper || ls.upper-ls.lower <= ls.xtol*ls.upper) {
		step = ls.x.step
	}
	return step, false, nil
}

// safeguardedStep computes the next trial step from the interval end points x, y and the trial p, and updates
// the interval. x holds the step with the lowest value, and its slope must point towards p.
//
// There are four cases, depending on the value at p compared to x and on the slopes at x and p.
func (ls *moreThuente) safeguardedStep(x, y *searchPoint, p searchPoint) float64 {
	opposite := p.g*math.Copysign(1, x.g) < 0
	var next float64

	switch {
	case p.f > x.f:
		// Higher value: the minimum is bracketed. Take the cubic step if it is closer to x than the quadratic
		// one, otherwise their average.
		cubic := cubicMinimizer(*x, p)
		quad := x.step + x.g/((x.f-p.f)/(p.step-x.step)+x.g)/2*(p.step-x.step)
		if math.Abs(cubic-x.step) < math.Abs(quad-x.step) {
			next = cubic
		} else {
			next = cubic + (quad-cubic)/2
		}
		ls.bracketed = true

	case opposite:
		// Lower value and slopes of opposite signs: the minimum is bracketed. Take the cubic step if it is
		// farther from p than the secant step.
		cubic := cubicMinimizer(p, *x)
		secant := p.step + p.g/(p.g-x.g)*(x.step-p.step)
		if math.Abs(cubic-p.step) > math.Abs(secant-p.step) {
			next = cubic
		} else {
			next = secant
		}
		ls.bracketed = true

	case math.Abs(p.g) < math.Abs(x.g):
		// Lower value, same sign slopes, and the slope magnitude decreases. The cubic step is only used if
		// the cubic tends to infinity in the direction of the step, or its minimum is beyond p.
		theta := 3*(x.f-p.f)/(p.step-x.step) + x.g + p.g
		s := max(math.Abs(theta), math.Abs(x.g), math.Abs(p.g))
		gamma := s * math.Sqrt(max(0, (theta/s)*(theta/s)-(x.g/s)*(p.g/s)))
		if p.step > x.step {
			gamma = -gamma
		}
		r := ((gamma - p.g) + theta) / ((gamma + (x.g - p.g)) + gamma)
		var cubic float64
		switch {
		case r < 0 && gamma != 0:
			cubic = p.step + r*(x.step-p.step)
		case p.step > x.step:
			cubic = ls.upper
		default:
			cubic = ls.lower
		}
		secant := p.step + p.g/(p.g-x.g)*(x.step-p.step)
		if ls.bracketed {
			if math.Abs(cubic-p.step) < math.Abs(secant-p.step) {
				next = cubic
			} else {
				next = secant
			}
			if p.step > x.step {
				next = min(p.step+0.66*(y.step-p.step), next)
			} else {
				next = max(p.step+0.66*(y.step-p.step), next)
			}
		} else {
			if math.Abs(cubic-p.step) > math.Abs(secant-p.step) {
				next = cubic
			} else {
				next = secant
			}
			next = min(max(next, ls.lower), ls.upper)
		}

	default:
		// Lower value, same sign slopes, and the slope magnitude doesn't decrease. Without a bracket the step
		// goes to the bound, otherwise the cubic step through p and y is taken.
		switch {
		case ls.bracketed:
			next = cubicMinimizer(p, *y)
		case p.step > x.step:
			next = ls.upper
		default:
			next = ls.lower
		}
	}

	// Update the interval.
	if p.f > x.f {
		*y = p
	} else {
		if opposite {
			*y = *x
		}
		*x = p
	}
	return next
}

// cubicMinimizer returns the minimizer of the cubic interpolating the values and slopes at a and b,
// expressed as a + r·(b - a).
func cubicMinimizer(a, b searchPoint) float64 {
	theta := 3*(a.f-b.f)/(b.step-a.step) + a.g + b.g
	s := max(math.Abs(theta), math.Abs(a.g), math.Abs(b.g))
	gamma := s * math.Sqrt(max(0, (theta/s)*(theta/s)-(a.g/s)*(b.g/s)))
	if b.step < a.step {
		gamma = -gamma
	}
	r := ((gamma - a.g) + theta) / (((gamma - a.g) + gamma) + b.g)
	return a.step + r*(b.step-a.step)
}
