// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optimizers implements unconstrained (optionally box-bounded) minimizers of smooth functions of a flat
// parameter vector: L-BFGS with a Moré-Thuente line search, and Polack-Ribière nonlinear conjugate gradient
// with Rasmussen's cubic/quadratic line search.
//
// Both work over the Objective interface. factorgraph.Graph.Objective adapts a model graph to it.
package optimizers

import (
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"
)

// Objective is a function to minimize.
//
// SetParameters must be synchronous and complete: Value and Gradient called right after it reflect the new
// parameters. Parameters after SetParameters(x) must return x.
type Objective interface {
	NumParameters() int
	Parameters() []float64
	SetParameters(x []float64) error
	Value() (float64, error)
	Gradient() ([]float64, error)
}

// Optimizer is implemented by LBFGS and CG.
type Optimizer interface {
	// Optimize minimizes obj starting from its current parameters, for at most maxIterations line searches.
	// If verbose is set, every iteration is logged.
	//
	// On return, obj holds the best parameters found, also on error.
	Optimize(obj Objective, maxIterations int, verbose bool) (*Result, error)
}

var (
	// ErrNotDescent is returned when the search direction is not a descent direction.
	ErrNotDescent = errors.New("search direction is not a descent direction")

	// ErrLineSearchBudget is returned when the line search used its evaluation budget without finding an
	// acceptable step.
	ErrLineSearchBudget = errors.New("line search evaluation budget exhausted")

	// ErrIntervalTooSmall is returned when the line search bracket collapsed to the machine precision.
	ErrIntervalTooSmall = errors.New("line search interval below machine precision")

	// ErrStepAtUpperBound is returned when the step is pinned at its upper bound without satisfying the Wolfe
	// conditions.
	ErrStepAtUpperBound = errors.New("line search step at its upper bound")

	// ErrStepAtLowerBound is returned when the step is pinned at its lower bound without satisfying the Wolfe
	// conditions.
	ErrStepAtLowerBound = errors.New("line search step at its lower bound")

	// ErrRoundingErrors is returned when rounding errors prevent further progress of the line search.
	ErrRoundingErrors = errors.New("rounding errors prevent progress of the line search")

	// ErrNoProgress is returned by CG after two consecutive line search failures.
	ErrNoProgress = errors.New("two consecutive line search failures, no further progress possible")

	// ErrNonFinite is returned when the objective is not finite at the starting point.
	ErrNonFinite = errors.New("objective value or gradient is not finite")

	// ErrInvalidConfig is returned for inconsistent optimizer settings.
	ErrInvalidConfig = errors.New("invalid optimizer configuration")
)

// Status of an optimization when it finished.
type Status int

const (
	// NotTerminated means the optimization is still running: it is the status seen by OnIteration hooks.
	NotTerminated Status = iota

	// GradientConverged means the gradient norm went below the tolerance.
	GradientConverged

	// IterationLimit means maxIterations line searches were run.
	IterationLimit

	// NoProgress means the line searches could not find a better point.
	NoProgress

	// Failure means the optimizer stopped with an error.
	Failure

	// Stopped means a hook asked to stop.
	Stopped
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case NotTerminated:
		return "NotTerminated"
	case GradientConverged:
		return "GradientConverged"
	case IterationLimit:
		return "IterationLimit"
	case NoProgress:
		return "NoProgress"
	case Failure:
		return "Failure"
	case Stopped:
		return "Stopped"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Result of an optimization.
type Result struct {
	Status Status

	// Iterations is the number of line searches run, Evaluations the number of objective evaluations.
	Iterations, Evaluations int

	// Value, Parameters and GradientNorm at the returned point.
	Value        float64
	Parameters   []float64
	GradientNorm float64

	// Trace holds the value after each iteration, starting with the initial value.
	Trace []float64

	Runtime time.Duration
}

// String implements fmt.Stringer.
func (r *Result) String() string {
	return fmt.Sprintf("%s after %d iterations (%d evaluations): value=%g, |gradient|=%g",
		r.Status, r.Iterations, r.Evaluations, r.Value, r.GradientNorm)
}

// ErrStop can be returned by an OnIteration hook to end the optimization early, with status Stopped.
var ErrStop = errors.New("optimization stopped by hook")

// evaluator wraps an Objective counting evaluations and converting panics to errors.
type evaluator struct {
	obj         Objective
	evaluations int
	current     []float64 // Parameters last set on obj.
}

// evaluate sets the parameters to x and returns the value and a copy of the gradient at x.
func (e *evaluator) evaluate(x []float64) (value float64, grad []float64, err error) {
	e.evaluations++
	e.current = slices.Clone(x)
	exception := exceptions.Try(func() {
		if err = e.obj.SetParameters(x); err != nil {
			return
		}
		if value, err = e.obj.Value(); err != nil {
			return
		}
		grad, err = e.obj.Gradient()
	})
	if exception != nil {
		if excErr, ok := exception.(error); ok {
			return 0, nil, errors.WithMessage(excErr, "panic evaluating objective")
		}
		return 0, nil, errors.Errorf("panic evaluating objective: %v", exception)
	}
	if err != nil {
		return 0, nil, errors.WithMessage(err, "evaluating objective")
	}
	if len(grad) != len(x) {
		return 0, nil, errors.Errorf("objective returned a gradient of length %d for %d parameters", len(grad), len(x))
	}
	return value, slices.Clone(grad), nil
}

// moveTo makes sure the objective holds x.
func (e *evaluator) moveTo(x []float64) error {
	if slices.Equal(e.current, x) {
		return nil
	}
	e.current = slices.Clone(x)
	return errors.WithMessage(e.obj.SetParameters(x), "restoring best parameters")
}

// run holds the bookkeeping shared by the optimizers: evaluation counting, progress, hooks and logging.
type run struct {
	hooks    *Hooks
	verbose  bool
	ev       *evaluator
	progress Progress
	trace    []float64
}

func newRun(name string, hooks *Hooks, obj Objective, maxIterations int, verbose bool) *run {
	return &run{
		hooks:   hooks,
		verbose: verbose,
		ev:      &evaluator{obj: obj, current: obj.Parameters()},
		progress: Progress{
			Optimizer:     name,
			MaxIterations: maxIterations,
			Start:         time.Now(),
		},
	}
}

func (r *run) update(x []float64, value, gradNorm float64) {
	r.progress.Parameters = x
	r.progress.Value = value
	r.progress.GradientNorm = gradNorm
	r.progress.Evaluations = r.ev.evaluations
}

// started records the initial point and runs the OnStart hooks.
func (r *run) started(x []float64, value, gradNorm float64) error {
	r.update(x, value, gradNorm)
	r.trace = append(r.trace, value)
	if r.verbose || klog.V(1).Enabled() {
		klog.Infof("%s: %d parameters, initial value %.10g, |gradient| %.4g",
			r.progress.Optimizer, len(x), value, gradNorm)
	}
	return r.hooks.start(&r.progress)
}

// iterated records an accepted point and runs the OnIteration hooks.
func (r *run) iterated(x []float64, value, gradNorm float64) (stop bool, err error) {
	r.progress.Iteration++
	r.update(x, value, gradNorm)
	r.trace = append(r.trace, value)
	logIteration(r.verbose, r.progress.Optimizer, &r.progress)
	return r.hooks.iteration(&r.progress)
}

// finish leaves the objective at x, the best point found, and builds the result.
// If err is not nil and status is NotTerminated, the status is Failure.
func (r *run) finish(status Status, x []float64, value, gradNorm float64, err error) (*Result, error) {
	if moveErr := r.ev.moveTo(x); moveErr != nil && err == nil {
		err = moveErr
	}
	if err != nil && status == NotTerminated {
		status = Failure
	}
	r.update(x, value, gradNorm)
	result := &Result{
		Status:       status,
		Iterations:   r.progress.Iteration,
		Evaluations:  r.ev.evaluations,
		Value:        value,
		Parameters:   slices.Clone(x),
		GradientNorm: gradNorm,
		Trace:        r.trace,
		Runtime:      r.progress.Elapsed(),
	}
	if err != nil {
		klog.Warningf("%s: %s: %v", r.progress.Optimizer, result, err)
	} else if r.verbose || klog.V(1).Enabled() {
		klog.Infof("%s: %s", r.progress.Optimizer, result)
	}
	if hookErr := r.hooks.end(&r.progress, result); hookErr != nil && err == nil {
		err = hookErr
	}
	return result, err
}

// isFinite reports whether value and every element of grad are finite.
func isFinite(value float64, grad []float64) bool {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return false
	}
	for _, g := range grad {
		if math.IsNaN(g) || math.IsInf(g, 0) {
			return false
		}
	}
	return true
}

// logIteration logs progress at verbosity level 1, or always if verbose.
func logIteration(verbose bool, name string, p *Progress) {
	if verbose {
		klog.Infof("%s: iteration %d, evaluations %d, value %.10g, |gradient| %.4g",
			name, p.Iteration, p.Evaluations, p.Value, p.GradientNorm)
	} else if klog.V(1).Enabled() {
		klog.V(1).Infof("%s: iteration %d, evaluations %d, value %.10g, |gradient| %.4g",
			name, p.Iteration, p.Evaluations, p.Value, p.GradientNorm)
	}
}

// norm is the Euclidean norm.
func norm(v []float64) float64 { return floats.Norm(v, 2) }
