// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package factorgraph

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// valueView changes what the connectors of a leaf see: connectors receive expand(values) and the
// gradient they accumulate is mapped back with collapse.
type valueView interface {
	expandedSize() (rows, cols int)
	expand(values *mat.Dense) *mat.Dense
	collapse(grad *mat.Dense) *mat.Dense
}

// leafNode implements the DataNode operations of nodes that own their values.
type leafNode struct {
	nodeBase
	view       valueView
	rows, cols int
	values     *mat.Dense
	mask       optimizingMask
	gradient   *mat.Dense
}

func newLeafNode(name string, values mat.Matrix) leafNode {
	rows, cols := dims(values)
	return leafNode{
		nodeBase: newNodeBase(name),
		rows:     rows,
		cols:     cols,
		values:   clone(values),
		mask:     newFullMask(rows, cols),
		gradient: zeros(rows, cols),
	}
}

// Values implements DataNode.
func (n *leafNode) Values() *mat.Dense { return clone(n.values) }

// ValuesSize implements DataNode.
func (n *leafNode) ValuesSize() (rows, cols int) { return n.rows, n.cols }

// SetValues implements DataNode.
//
// If the shape changes, entries outside the previous shape follow the mask growth rule: they are
// free only if every entry was free before.
func (n *leafNode) SetValues(values mat.Matrix) error {
	rows, cols := dims(values)
	n.values = clone(values)
	if rows != n.rows || cols != n.cols {
		n.resize(rows, cols)
		return nil
	}
	n.valuesChanged()
	return nil
}

// SetValuesSize implements DataNode.
func (n *leafNode) SetValuesSize(rows, cols int) error {
	if rows < 0 || cols < 0 {
		return errors.Errorf("invalid size %dx%d for node %q", rows, cols, n.name)
	}
	n.values = zeros(rows, cols)
	n.resize(rows, cols)
	return nil
}

// AddData appends rows of data to the node. The number of columns must match, unless the node
// has no columns yet.
func (n *leafNode) AddData(data mat.Matrix) error {
	dRows, dCols := dims(data)
	if dRows == 0 {
		return nil
	}
	cols := n.cols
	if n.rows == 0 && n.cols == 0 {
		cols = dCols
	}
	if dCols != cols {
		return errors.Errorf("node %q has %d columns, cannot append data with %d columns", n.name, n.cols, dCols)
	}
	values, err := appendRows(n.values, n.rows, cols, data)
	if err != nil {
		return errors.WithMessagef(err, "appending data to node %q", n.name)
	}
	n.values = values
	n.resize(n.rows+dRows, cols)
	return nil
}

// resize updates the shape bookkeeping after the values were replaced, and notifies dependents.
func (n *leafNode) resize(rows, cols int) {
	n.mask = n.mask.resized(rows, cols)
	n.rows, n.cols = rows, cols
	n.gradient = zeros(rows, cols)
	n.sizeChanged()
}

// OptimizingMask implements DataNode.
func (n *leafNode) OptimizingMask() []int { return n.mask.indices() }

// SetOptimizingMask implements DataNode.
func (n *leafNode) SetOptimizingMask(indices []int) error {
	if err := n.mask.set(indices); err != nil {
		return errors.WithMessagef(err, "node %q", n.name)
	}
	return nil
}

// OptimizingSize implements DataNode.
func (n *leafNode) OptimizingSize() int { return n.mask.size() }

// ParametersVector implements DataNode.
func (n *leafNode) ParametersVector() []float64 {
	params := make([]float64, 0, n.mask.size())
	for _, idx := range n.mask.indices() {
		row, col := n.mask.rowCol(idx)
		params = append(params, n.values.At(row, col))
	}
	return params
}

// SetParametersVector implements DataNode.
func (n *leafNode) SetParametersVector(params []float64) error {
	if len(params) != n.mask.size() {
		return errors.Wrapf(ErrParametersSize, "node %q has %d free entries, got %d parameters",
			n.name, n.mask.size(), len(params))
	}
	if len(params) == 0 {
		return nil
	}
	for ii, idx := range n.mask.indices() {
		row, col := n.mask.rowCol(idx)
		n.values.Set(row, col, params[ii])
	}
	n.valuesChanged()
	return nil
}

// Gradient implements DataNode.
func (n *leafNode) Gradient() *mat.Dense {
	if !sameShape(n.gradient, n.rows, n.cols) {
		return zeros(n.rows, n.cols)
	}
	return clone(n.gradient)
}

// ParametersGradient implements DataNode.
func (n *leafNode) ParametersGradient() []float64 {
	grad := n.Gradient()
	out := make([]float64, 0, n.mask.size())
	for _, idx := range n.mask.indices() {
		row, col := n.mask.rowCol(idx)
		out = append(out, grad.At(row, col))
	}
	return out
}

// PullGradientsFromFactorNodes implements DataNode.
//
// It sums the gradients of every connector bound to the node: the ones consumed by factors and
// the internal ones fed by compound parents.
func (n *leafNode) PullGradientsFromFactorNodes() error {
	if n.mask.size() == 0 {
		return nil
	}
	release, ok := n.guard.acquire()
	if !ok {
		return nil
	}
	defer release()

	rows, cols := n.connectorSize()
	sum, err := n.pullConnectors(rows, cols)
	if err != nil {
		return errors.WithMessagef(err, "pulling gradients into node %q", n.name)
	}
	if n.view != nil {
		sum = n.view.collapse(sum)
	}
	n.gradient = sum
	return nil
}

// PushParametersToFactorNodes implements DataNode.
func (n *leafNode) PushParametersToFactorNodes() {
	n.pushConnectors()
}

func (n *leafNode) connectorValues() *mat.Dense {
	if n.view != nil {
		return n.view.expand(n.values)
	}
	return clone(n.values)
}

func (n *leafNode) connectorSize() (rows, cols int) {
	if n.view != nil {
		return n.view.expandedSize()
	}
	return n.rows, n.cols
}
