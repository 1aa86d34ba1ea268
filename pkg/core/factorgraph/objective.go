// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package factorgraph

import (
	"slices"

	"github.com/pkg/errors"
)

// Objective adapts a Graph to the contract of the optimizers (see package optimizers): a flat
// parameters vector and the value and gradient of a function to minimize.
//
// Factors contribute log-likelihood terms, so the value minimized is the negated sum of the factors'
// values, and the gradient is negated accordingly.
//
// Evaluation is lazy: the graph is recomputed at most once per SetParameters.
type Objective struct {
	graph     *Graph
	evaluated bool
	value     float64
	gradient  []float64
}

// Objective returns the optimizer adapter for the graph.
func (g *Graph) Objective() *Objective {
	return &Objective{graph: g}
}

// Graph returns the adapted graph.
func (o *Objective) Graph() *Graph { return o.graph }

// NumParameters returns the number of free entries in the graph.
func (o *Objective) NumParameters() int { return o.graph.NumParameters() }

// Parameters returns the flat parameters vector.
func (o *Objective) Parameters() []float64 { return o.graph.Parameters() }

// SetParameters scatters x into the graph. When it returns the graph holds x: any following Value or
// Gradient call sees it.
func (o *Objective) SetParameters(x []float64) error {
	o.evaluated = false
	return o.graph.SetParameters(x)
}

// Value returns the negated sum of the factors' values at the current parameters.
func (o *Objective) Value() (float64, error) {
	if err := o.evaluate(); err != nil {
		return 0, err
	}
	return o.value, nil
}

// Gradient returns the gradient of Value with respect to the flat parameters vector.
func (o *Objective) Gradient() ([]float64, error) {
	if err := o.evaluate(); err != nil {
		return nil, err
	}
	return slices.Clone(o.gradient), nil
}

// Invalidate forces the next Value or Gradient call to recompute the graph, for instance after data
// was appended or masks changed outside of SetParameters.
func (o *Objective) Invalidate() { o.evaluated = false }

func (o *Objective) evaluate() error {
	if o.evaluated {
		return nil
	}
	if err := o.graph.ComputeGradients(); err != nil {
		return errors.WithMessage(err, "evaluating objective")
	}
	err := catchPanic(func() error {
		o.value = -o.graph.FunctionValue()
		return nil
	})
	if err != nil {
		return errors.WithMessage(err, "evaluating objective")
	}
	o.gradient = o.graph.Gradient()
	for ii := range o.gradient {
		o.gradient[ii] = -o.gradient[ii]
	}
	o.evaluated = true
	return nil
}
