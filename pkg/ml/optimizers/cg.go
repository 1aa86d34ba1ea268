// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"math"
	"slices"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"
)

// CG is the Polack-Ribière nonlinear conjugate gradient method, with the line search of C. E. Rasmussen's
// minimize: extrapolation with cubic fits, then quadratic or cubic interpolation, until the Wolfe-Powell
// conditions hold.
//
// Non-finite trial values are not errors: during extrapolation the step is bisected, during interpolation the
// trial is treated as too far. After two consecutive failed line searches, Optimize returns ErrNoProgress.
//
// The zero value is ready to use, zero fields take their default values.
type CG struct {
	// Interpolate: trial steps are kept at least Interpolate times the bracket width away from its ends.
	// Default 0.1.
	Interpolate float64

	// Extrapolate is the maximum growth of the step during extrapolation. Default 3.
	Extrapolate float64

	// MaxLineSearchEvaluations is the evaluation budget of each line search. Default 20.
	MaxLineSearchEvaluations int

	// MaxSlopeRatio caps the growth of the initial step of the next line search. Default 10.
	MaxSlopeRatio float64

	// Sigma is the curvature tolerance of the Wolfe-Powell conditions, Rho the sufficient decrease one.
	// Defaults 0.1 and Sigma/2.
	Sigma, Rho float64

	// GradientTolerance: the optimization converges when |gradient| / max(1, |x|) ≤ GradientTolerance.
	// Default 1e-10.
	GradientTolerance float64

	Hooks
}

var _ Optimizer = (*CG)(nil)

// smallestNormal is the smallest positive normal float64.
const smallestNormal = 0x1p-1022

func (o *CG) withDefaults() *CG {
	cfg := &CG{
		Interpolate:              o.Interpolate,
		Extrapolate:              o.Extrapolate,
		MaxLineSearchEvaluations: o.MaxLineSearchEvaluations,
		MaxSlopeRatio:            o.MaxSlopeRatio,
		Sigma:                    o.Sigma,
		Rho:                      o.Rho,
		GradientTolerance:        o.GradientTolerance,
	}
	setDefault(&cfg.Interpolate, 0.1)
	setDefault(&cfg.Extrapolate, 3.0)
	setDefault(&cfg.MaxLineSearchEvaluations, 20)
	setDefault(&cfg.MaxSlopeRatio, 10.0)
	setDefault(&cfg.Sigma, 0.1)
	setDefault(&cfg.Rho, cfg.Sigma/2)
	setDefault(&cfg.GradientTolerance, 1e-10)
	return cfg
}

func (o *CG) validate() error {
	if o.Interpolate <= 0 || o.Interpolate >= 0.5 || o.Extrapolate <= 1 || o.MaxLineSearchEvaluations < 0 ||
		o.Rho <= 0 || o.Sigma <= o.Rho || o.Sigma >= 1 {
		return errors.Wrapf(ErrInvalidConfig, "cg: Interpolate=%g, Extrapolate=%g, MaxLineSearchEvaluations=%d, Sigma=%g, Rho=%g",
			o.Interpolate, o.Extrapolate, o.MaxLineSearchEvaluations, o.Sigma, o.Rho)
	}
	return nil
}

// cgPoint is a point visited by the line search.
type cgPoint struct {
	x    []float64
	f    float64
	grad []float64
}

// Optimize implements Optimizer. maxIterations counts line searches.
func (o *CG) Optimize(obj Objective, maxIterations int, verbose bool) (*Result, error) {
	cfg := o.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	n := obj.NumParameters()
	r := newRun("cg", &o.Hooks, obj, maxIterations, verbose)
	x := obj.Parameters()
	if len(x) != n {
		return nil, errors.Errorf("cg: objective has %d parameters, but Parameters() returned %d values", n, len(x))
	}

	f0, df0, err := r.ev.evaluate(x)
	if err != nil {
		return r.finish(NotTerminated, x, math.NaN(), math.NaN(), err)
	}
	if !isFinite(f0, df0) {
		return r.finish(NotTerminated, x, f0, math.NaN(), errors.Wrapf(ErrNonFinite, "cg: initial value %g", f0))
	}
	gradNorm := norm(df0)
	if err := r.started(x, f0, gradNorm); err != nil {
		return r.finish(NotTerminated, x, f0, gradNorm, err)
	}
	if cfg.converged(x, gradNorm) {
		return r.finish(GradientConverged, x, f0, gradNorm, nil)
	}

	// s is the search direction, d0 the slope along it, x3 the initial step.
	s := slices.Clone(df0)
	floats.Scale(-1, s)
	d0 := -floats.Dot(s, s)
	x3 := 1 / (1 - d0)
	xTrial := make([]float64, n)
	previousFailed := false

	for range maxIterations {
		best := cgPoint{x: x, f: f0, grad: df0}
		budget := cfg.MaxLineSearchEvaluations

		// trial evaluates x + step·s, keeping track of the best point. ok is false for non-finite values.
		trial := func(step float64) (f float64, grad []float64, ok bool, err error) {
			budget--
			floats.AddScaledTo(xTrial, x, step, s)
			f, grad, err = r.ev.evaluate(xTrial)
			if err != nil || !isFinite(f, grad) {
				return 0, nil, false, err
			}
			if f < best.f {
				best = cgPoint{x: slices.Clone(xTrial), f: f, grad: grad}
			}
			return f, grad, true, nil
		}

		// Extrapolation.
		var x1, f1, d1, x2, f2, d2, f3, d3 float64
		var df3 []float64
		for {
			x2, f2, d2 = 0, f0, d0
			f3, df3 = f0, df0
			success := false
			for !success && budget > 0 {
				ft, gt, ok, err := trial(x3)
				if err != nil {
					return r.finish(NotTerminated, best.x, best.f, norm(best.grad), errors.WithMessage(err, "cg"))
				}
				if ok {
					f3, df3, success = ft, gt, true
				} else {
					x3 = (x2 + x3) / 2
				}
			}
			d3 = floats.Dot(df3, s)
			if d3 > cfg.Sigma*d0 || f3 > f0+x3*cfg.Rho*d0 || budget == 0 {
				break
			}
			// Cubic extrapolation through the origin and the last trial.
			x1, f1, d1 = x2, f2, d2
			x2, f2, d2 = x3, f3, d3
			a := 6*(f1-f2) + 3*(d2+d1)*(x2-x1)
			b := 3*(f2-f1) - (2*d1+d2)*(x2-x1)
			x3 = x1 - d1*(x2-x1)*(x2-x1)/(b+math.Sqrt(b*b-a*d1*(x2-x1)))
			switch {
			case math.IsNaN(x3) || math.IsInf(x3, 0) || x3 < 0 || x3 > x2*cfg.Extrapolate:
				x3 = x2 * cfg.Extrapolate
			case x3 < x2+cfg.Interpolate*(x2-x1):
				x3 = x2 + cfg.Interpolate*(x2-x1)
			}
		}

		// Interpolation, once the minimum is bracketed by [x2, x4].
		x4, f4, d4 := x3, f3, d3
		for (math.Abs(d3) > -cfg.Sigma*d0 || f3 > f0+x3*cfg.Rho*d0) && budget > 0 {
			if d3 > 0 || f3 > f0+x3*cfg.Rho*d0 {
				x4, f4, d4 = x3, f3, d3
			} else {
				x2, f2, d2 = x3, f3, d3
			}
			if f4 > f0 {
				// Quadratic interpolation.
				x3 = x2 - (0.5*d2*(x4-x2)*(x4-x2))/(f4-f2-d2*(x4-x2))
			} else {
				// Cubic interpolation.
				a := 6*(f2-f4)/(x4-x2) + 3*(d4+d2)
				b := 3*(f4-f2) - (2*d2+d4)*(x4-x2)
				x3 = x2 + (math.Sqrt(b*b-a*d2*(x4-x2)*(x4-x2))-b)/a
			}
			if math.IsNaN(x3) || math.IsInf(x3, 0) {
				x3 = (x2 + x4) / 2
			}
			x3 = max(min(x3, x4-cfg.Interpolate*(x4-x2)), x2+cfg.Interpolate*(x4-x2))
			ft, gt, ok, err := trial(x3)
			if err != nil {
				return r.finish(NotTerminated, best.x, best.f, norm(best.grad), errors.WithMessage(err, "cg"))
			}
			if ok {
				f3, df3 = ft, gt
				d3 = floats.Dot(df3, s)
			} else {
				// Too far: becomes the new upper end of the bracket.
				f3, d3 = math.Inf(1), 0
			}
		}

		failed := !(math.Abs(d3) < -cfg.Sigma*d0 && f3 < f0+x3*cfg.Rho*d0)
		if !failed {
			xNew := make([]float64, n)
			floats.AddScaledTo(xNew, x, x3, s)
			x, f0 = xNew, f3

			// Polack-Ribière update.
			beta := (floats.Dot(df3, df3) - floats.Dot(df0, df3)) / floats.Dot(df0, df0)
			floats.Scale(beta, s)
			floats.Sub(s, df3)
			df0 = df3
			prevSlope := d0
			d0 = floats.Dot(df0, s)
			if d0 > 0 {
				copy(s, df0)
				floats.Scale(-1, s)
				d0 = -floats.Dot(s, s)
			}
			x3 *= min(cfg.MaxSlopeRatio, prevSlope/(d0-smallestNormal))
		} else {
			x, f0, df0 = best.x, best.f, best.grad
			klog.V(1).Infof("cg: line search failed, value %g", f0)
		}

		gradNorm = norm(df0)
		stop, err := r.iterated(x, f0, gradNorm)
		if err != nil {
			return r.finish(NotTerminated, x, f0, gradNorm, err)
		}
		if stop {
			return r.finish(Stopped, x, f0, gradNorm, nil)
		}
		if cfg.converged(x, gradNorm) {
			return r.finish(GradientConverged, x, f0, gradNorm, nil)
		}
		if failed {
			if previousFailed {
				return r.finish(NoProgress, x, f0, gradNorm, ErrNoProgress)
			}
			// Retry once from steepest descent.
			copy(s, df0)
			floats.Scale(-1, s)
			d0 = -floats.Dot(s, s)
			x3 = 1 / (1 - d0)
		}
		previousFailed = failed
	}
	return r.finish(IterationLimit, x, f0, gradNorm, nil)
}

func (o *CG) converged(x []float64, gradNorm float64) bool {
	return gradNorm/max(1, norm(x)) <= o.GradientTolerance
}
