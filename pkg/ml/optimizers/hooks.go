// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"iter"
	"slices"
	"time"

	"github.com/pkg/errors"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative values are ok.
type Priority int

// Progress describes the state of a running optimization, as seen by hooks.
//
// The attributes are meant for reading only.
type Progress struct {
	// Optimizer is the name of the running optimizer ("lbfgs" or "cg").
	Optimizer string

	// MaxIterations of the run.
	MaxIterations int

	// Iteration is the number of line searches completed so far.
	Iteration   int
	Evaluations int

	// Value and GradientNorm at the current point.
	Value        float64
	GradientNorm float64

	// Parameters at the current point. Hooks must not modify it.
	Parameters []float64

	// Start of the run.
	Start time.Time
}

// Elapsed time since the start of the run.
func (p *Progress) Elapsed() time.Duration { return time.Since(p.Start) }

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(p *Progress) error

// OnIterationFn is the type of OnIteration hooks. Returning ErrStop ends the optimization with status Stopped.
type OnIterationFn func(p *Progress) error

// OnEndFn is the type of OnEnd hooks. They are called also when the optimization fails.
type OnEndFn func(p *Progress, result *Result) error

// Hooks holds the hooks attached to an optimizer. The zero value has no hooks and is ready to use.
type Hooks struct {
	onStart     priorityHooks[*hookWithName[OnStartFn]]
	onIteration priorityHooks[*hookWithName[OnIterationFn]]
	onEnd       priorityHooks[*hookWithName[OnEndFn]]
}

// OnStart adds a hook with given priority and name (for error reporting), called once before the first
// iteration.
func (h *Hooks) OnStart(name string, priority Priority, fn OnStartFn) {
	h.onStart.Add(priority, &hookWithName[OnStartFn]{name: name, fn: fn})
}

// OnIteration adds a hook with given priority and name (for error reporting), called after each line search.
func (h *Hooks) OnIteration(name string, priority Priority, fn OnIterationFn) {
	h.onIteration.Add(priority, &hookWithName[OnIterationFn]{name: name, fn: fn})
}

// OnEnd adds a hook with given priority and name (for error reporting), called once when the optimization
// finishes.
func (h *Hooks) OnEnd(name string, priority Priority, fn OnEndFn) {
	h.onEnd.Add(priority, &hookWithName[OnEndFn]{name: name, fn: fn})
}

func (h *Hooks) start(p *Progress) error {
	for hook := range h.onStart.All() {
		if err := hook.fn(p); err != nil {
			return errors.WithMessagef(err, "OnStart(%q)", hook.name)
		}
	}
	return nil
}

// iteration runs the OnIteration hooks. It returns stop=true if one of them returned ErrStop.
func (h *Hooks) iteration(p *Progress) (stop bool, err error) {
	for hook := range h.onIteration.All() {
		if err := hook.fn(p); err != nil {
			if errors.Is(err, ErrStop) {
				return true, nil
			}
			return false, errors.WithMessagef(err, "OnIteration(%q)", hook.name)
		}
	}
	return false, nil
}

func (h *Hooks) end(p *Progress, result *Result) error {
	for hook := range h.onEnd.All() {
		if err := hook.fn(p, result); err != nil {
			return errors.WithMessagef(err, "OnEnd(%q)", hook.name)
		}
	}
	return nil
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	if h.hooks == nil {
		h.hooks = make(map[Priority][]H)
	}
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// All returns an iterator over all registered hooks in priority order.
func (h *priorityHooks[H]) All() iter.Seq[H] {
	return func(yield func(H) bool) {
		keys := make([]Priority, 0, len(h.hooks))
		for key := range h.hooks {
			keys = append(keys, key)
		}
		slices.Sort(keys)
		for _, key := range keys {
			for _, hook := range h.hooks[key] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}
