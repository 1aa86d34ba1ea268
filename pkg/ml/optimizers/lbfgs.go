// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"math"

	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"
)

// LBFGS is the limited-memory BFGS quasi-Newton method, with a Moré-Thuente line search and optional box bounds.
//
// The inverse Hessian is never formed: the search direction is computed with the two-loop recursion over the
// last Memory (step, gradient difference) pairs.
//
// The zero value is ready to use, zero fields take their default values.
type LBFGS struct {
	// Memory is the number of curvature pairs kept. Default 5.
	Memory int

	// Lower and Upper are optional per-parameter bounds. nil means unbounded, and individual entries may
	// be ±Inf.
	Lower, Upper []float64

	// GradientTolerance: the optimization converges when |gradient| / max(1, |x|) ≤ GradientTolerance.
	// Default 1e-10.
	GradientTolerance float64

	// FunctionTolerance (sufficient decrease) and CurvatureTolerance of the line search. Defaults 1e-4 and 0.9.
	FunctionTolerance, CurvatureTolerance float64

	// MinStep and MaxStep bound the line search step. Defaults 1e-20 and 1e20.
	MinStep, MaxStep float64

	// MaxLineSearchEvaluations is the evaluation budget of each line search. Default 50.
	MaxLineSearchEvaluations int

	Hooks
}

var _ Optimizer = (*LBFGS)(nil)

// withDefaults returns a copy of the configuration with the defaults filled in.
func (o *LBFGS) withDefaults() *LBFGS {
	cfg := &LBFGS{
		Memory:                   o.Memory,
		Lower:                    o.Lower,
		Upper:                    o.Upper,
		GradientTolerance:        o.GradientTolerance,
		FunctionTolerance:        o.FunctionTolerance,
		CurvatureTolerance:       o.CurvatureTolerance,
		MinStep:                  o.MinStep,
		MaxStep:                  o.MaxStep,
		MaxLineSearchEvaluations: o.MaxLineSearchEvaluations,
	}
	setDefault(&cfg.Memory, 5)
	setDefault(&cfg.GradientTolerance, 1e-10)
	setDefault(&cfg.FunctionTolerance, 1e-4)
	setDefault(&cfg.CurvatureTolerance, 0.9)
	setDefault(&cfg.MinStep, 1e-20)
	setDefault(&cfg.MaxStep, 1e20)
	setDefault(&cfg.MaxLineSearchEvaluations, 50)
	return cfg
}

// setDefault sets *v to value if it is zero.
func setDefault[T constraints.Integer | constraints.Float](v *T, value T) {
	if *v == 0 {
		*v = value
	}
}

func (o *LBFGS) validate(n int) error {
	if o.Memory < 0 || o.MaxLineSearchEvaluations < 0 {
		return errors.Wrapf(ErrInvalidConfig, "lbfgs: Memory=%d, MaxLineSearchEvaluations=%d",
			o.Memory, o.MaxLineSearchEvaluations)
	}
	if o.Lower != nil && len(o.Lower) != n {
		return errors.Wrapf(ErrInvalidConfig, "lbfgs: %d lower bounds for %d parameters", len(o.Lower), n)
	}
	if o.Upper != nil && len(o.Upper) != n {
		return errors.Wrapf(ErrInvalidConfig, "lbfgs: %d upper bounds for %d parameters", len(o.Upper), n)
	}
	if o.Lower != nil && o.Upper != nil {
		for ii := range n {
			if o.Lower[ii] > o.Upper[ii] {
				return errors.Wrapf(ErrInvalidConfig, "lbfgs: parameter %d has lower bound %g > upper bound %g",
					ii, o.Lower[ii], o.Upper[ii])
			}
		}
	}
	return nil
}

// Optimize implements Optimizer.
//
// Line search failures are returned as errors (ErrNotDescent, ErrLineSearchBudget, ErrIntervalTooSmall,
// ErrStepAtUpperBound, ErrStepAtLowerBound, ErrRoundingErrors), with obj restored to the last accepted point.
func (o *LBFGS) Optimize(obj Objective, maxIterations int, verbose bool) (*Result, error) {
	cfg := o.withDefaults()
	n := obj.NumParameters()
	if err := cfg.validate(n); err != nil {
		return nil, err
	}
	r := newRun("lbfgs", &o.Hooks, obj, maxIterations, verbose)
	x := obj.Parameters()
	if len(x) != n {
		return nil, errors.Errorf("lbfgs: objective has %d parameters, but Parameters() returned %d values", n, len(x))
	}
	cfg.project(x)

	f, g, err := r.ev.evaluate(x)
	if err != nil {
		return r.finish(NotTerminated, x, math.NaN(), math.NaN(), err)
	}
	if !isFinite(f, g) {
		return r.finish(NotTerminated, x, f, math.NaN(), errors.Wrapf(ErrNonFinite, "lbfgs: initial value %g", f))
	}
	gradNorm := norm(cfg.projectedGradient(x, g))
	if err := r.started(x, f, gradNorm); err != nil {
		return r.finish(NotTerminated, x, f, gradNorm, err)
	}
	if cfg.converged(x, gradNorm) {
		return r.finish(GradientConverged, x, f, gradNorm, nil)
	}

	mem := newCurvatureMemory(cfg.Memory, n)
	d := make([]float64, n)
	s := make([]float64, n)
	y := make([]float64, n)
	for iteration := range maxIterations {
		mem.direction(g, d)
		cfg.clipDirection(x, d)
		slope := floats.Dot(d, g)
		if slope >= 0 && mem.count > 0 {
			klog.Warningf("lbfgs: iteration %d, direction is not a descent direction (slope %g), restarting from steepest descent",
				iteration, slope)
			mem.reset()
			mem.direction(g, d)
			cfg.clipDirection(x, d)
			slope = floats.Dot(d, g)
		}
		if slope >= 0 {
			return r.finish(NotTerminated, x, f, gradNorm,
				errors.Wrapf(ErrNotDescent, "lbfgs: iteration %d, slope %g", iteration, slope))
		}

		step := 1.0
		if iteration == 0 {
			step = 1 / norm(d)
		}
		maxStep := cfg.maxStepInBounds(x, d)
		xNew, fNew, gNew, err := cfg.lineSearch(r.ev, x, f, d, slope, step, maxStep)
		if err != nil {
			return r.finish(NotTerminated, x, f, gradNorm, errors.WithMessagef(err, "lbfgs: iteration %d", iteration))
		}

		floats.SubTo(s, xNew, x)
		floats.SubTo(y, gNew, g)
		if !mem.push(s, y) {
			klog.Warningf("lbfgs: iteration %d, non-positive curvature, pair not stored", iteration)
		}
		x, f, g = xNew, fNew, gNew
		gradNorm = norm(cfg.projectedGradient(x, g))

		stop, err := r.iterated(x, f, gradNorm)
		if err != nil {
			return r.finish(NotTerminated, x, f, gradNorm, err)
		}
		if stop {
			return r.finish(Stopped, x, f, gradNorm, nil)
		}
		if cfg.converged(x, gradNorm) {
			return r.finish(GradientConverged, x, f, gradNorm, nil)
		}
	}
	return r.finish(IterationLimit, x, f, gradNorm, nil)
}

func (o *LBFGS) converged(x []float64, gradNorm float64) bool {
	return gradNorm/max(1, norm(x)) <= o.GradientTolerance
}

// lineSearch searches along d from x, where the value is f and the slope is negative.
// maxStep is the largest step keeping x + step·d within the bounds.
func (o *LBFGS) lineSearch(ev *evaluator, x []float64, f float64, d []float64, slope, step, maxStep float64) (
	xNew []float64, fNew float64, gNew []float64, err error) {
	ls := &moreThuente{
		ftol:    o.FunctionTolerance,
		gtol:    o.CurvatureTolerance,
		xtol:    machineEpsilon,
		minStep: min(o.MinStep, maxStep),
		maxStep: maxStep,
	}
	boundLimited := maxStep < o.MaxStep
	step = min(max(step, ls.minStep), ls.maxStep)
	if err = ls.start(f, slope, step); err != nil {
		return nil, 0, nil, err
	}

	xNew = make([]float64, len(x))
	for range o.MaxLineSearchEvaluations {
		floats.AddScaledTo(xNew, x, step, d)
		o.snapToBounds(xNew, x, d, step)
		o.project(xNew)
		fNew, gNew, err = ev.evaluate(xNew)
		if err != nil {
			return nil, 0, nil, err
		}
		if !isFinite(fNew, gNew) {
			klog.V(1).Infof("lbfgs: non-finite value at step %g, bisecting", step)
			step = ls.x.step + 0.5*(step-ls.x.step)
			continue
		}
		tried := step
		var done bool
		step, done, err = ls.next(tried, fNew, floats.Dot(gNew, d))
		if done {
			return xNew, fNew, gNew, nil
		}
		if err != nil {
			if errors.Is(err, ErrStepAtUpperBound) && boundLimited {
				// The step reached a parameter bound with sufficient decrease.
				return xNew, fNew, gNew, nil
			}
			return nil, 0, nil, errors.Wrapf(err, "step %g", tried)
		}
	}
	return nil, 0, nil, errors.Wrapf(ErrLineSearchBudget, "%d evaluations", o.MaxLineSearchEvaluations)
}

var machineEpsilon = math.Nextafter(1, 2) - 1

// project clips x to the bounds.
func (o *LBFGS) project(x []float64) {
	for ii := range x {
		if o.Lower != nil && x[ii] < o.Lower[ii] {
			x[ii] = o.Lower[ii]
		}
		if o.Upper != nil && x[ii] > o.Upper[ii] {
			x[ii] = o.Upper[ii]
		}
	}
}

func (o *LBFGS) atLower(x []float64, ii int) bool { return o.Lower != nil && x[ii] <= o.Lower[ii] }

func (o *LBFGS) atUpper(x []float64, ii int) bool { return o.Upper != nil && x[ii] >= o.Upper[ii] }

// projectedGradient zeroes the components of g that would push an active bound outwards.
func (o *LBFGS) projectedGradient(x, g []float64) []float64 {
	if o.Lower == nil && o.Upper == nil {
		return g
	}
	pg := make([]float64, len(g))
	for ii, gi := range g {
		if (o.atLower(x, ii) && gi > 0) || (o.atUpper(x, ii) && gi < 0) {
			continue
		}
		pg[ii] = gi
	}
	return pg
}

// clipDirection zeroes the components of d leaving the box at an active bound.
func (o *LBFGS) clipDirection(x, d []float64) {
	for ii, di := range d {
		if (o.atLower(x, ii) && di < 0) || (o.atUpper(x, ii) && di > 0) {
			d[ii] = 0
		}
	}
}

// maxStepInBounds returns the largest step along d staying within the bounds, capped at MaxStep.
func (o *LBFGS) maxStepInBounds(x, d []float64) float64 {
	maxStep := o.MaxStep
	for ii, di := range d {
		if di < 0 && o.Lower != nil && !math.IsInf(o.Lower[ii], -1) {
			maxStep = min(maxStep, (o.Lower[ii]-x[ii])/di)
		} else if di > 0 && o.Upper != nil && !math.IsInf(o.Upper[ii], 1) {
			maxStep = min(maxStep, (o.Upper[ii]-x[ii])/di)
		}
	}
	return maxStep
}

// snapToBounds sets the components of xNew = x + step·d that reach their bound at step exactly to the bound.
func (o *LBFGS) snapToBounds(xNew, x, d []float64, step float64) {
	for ii, di := range d {
		if di < 0 && o.Lower != nil && (o.Lower[ii]-x[ii])/di <= step {
			xNew[ii] = o.Lower[ii]
		} else if di > 0 && o.Upper != nil && (o.Upper[ii]-x[ii])/di <= step {
			xNew[ii] = o.Upper[ii]
		}
	}
}

// curvatureMemory is the ring buffer of the last (step, gradient difference) pairs.
type curvatureMemory struct {
	s, y          [][]float64
	rho, alpha    []float64
	yy            []float64
	cursor, count int
}

func newCurvatureMemory(m, n int) *curvatureMemory {
	mem := &curvatureMemory{
		s:     make([][]float64, m),
		y:     make([][]float64, m),
		rho:   make([]float64, m),
		alpha: make([]float64, m),
		yy:    make([]float64, m),
	}
	for ii := range m {
		mem.s[ii] = make([]float64, n)
		mem.y[ii] = make([]float64, n)
	}
	return mem
}

func (mem *curvatureMemory) reset() {
	mem.cursor, mem.count = 0, 0
}

// push stores the pair at the cursor. Pairs with non-positive curvature yᵗs are not stored, and push
// returns false.
func (mem *curvatureMemory) push(s, y []float64) bool {
	ys := floats.Dot(y, s)
	if ys <= 0 {
		return false
	}
	copy(mem.s[mem.cursor], s)
	copy(mem.y[mem.cursor], y)
	mem.rho[mem.cursor] = 1 / ys
	mem.yy[mem.cursor] = floats.Dot(y, y)
	mem.cursor = (mem.cursor + 1) % len(mem.s)
	mem.count = min(mem.count+1, len(mem.s))
	return true
}

// slot returns the index of the k-th most recent pair.
func (mem *curvatureMemory) slot(k int) int {
	m := len(mem.s)
	return ((mem.cursor-1-k)%m + m) % m
}

// direction sets d = -H·g with the two-loop recursion, where H is the implicit inverse Hessian approximation
// scaled by yᵗs/yᵗy of the most recent pair. Without pairs, d = -g.
func (mem *curvatureMemory) direction(g, d []float64) {
	copy(d, g)
	if mem.count > 0 {
		for k := range mem.count {
			ii := mem.slot(k)
			mem.alpha[ii] = mem.rho[ii] * floats.Dot(mem.s[ii], d)
			floats.AddScaled(d, -mem.alpha[ii], mem.y[ii])
		}
		newest := mem.slot(0)
		floats.Scale(1/(mem.rho[newest]*mem.yy[newest]), d)
		for k := mem.count - 1; k >= 0; k-- {
			ii := mem.slot(k)
			beta := mem.rho[ii] * floats.Dot(mem.y[ii], d)
			floats.AddScaled(d, mem.alpha[ii]-beta, mem.s[ii])
		}
	}
	floats.Scale(-1, d)
}
