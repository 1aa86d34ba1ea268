// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package factorgraph

import (
	"fmt"
	"slices"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// CompoundMatrixDataNode is a read-only view concatenating the values of its children horizontally,
// in registration order.
//
// It owns no values: SetValues, SetValuesSize and AddData fail with ErrUnsupportedOperation.
// All children must have the same number of rows, which is checked when they are added.
//
// Each child is fed through an internal DataConnector, whose pull callback is the compound's own
// PullGradientsFromFactorNodes. This way a compound node can at the same time aggregate the gradient of
// a factor consuming the concatenation, and be transparent to factors consuming each child directly.
type CompoundMatrixDataNode struct {
	nodeBase
	children []DataNode
	internal []*DataConnector
	external *mat.Dense
}

var _ DataNode = (*CompoundMatrixDataNode)(nil)

// NewCompoundMatrixDataNode creates a compound node over the given children.
func NewCompoundMatrixDataNode(name string, children ...DataNode) (*CompoundMatrixDataNode, error) {
	n := &CompoundMatrixDataNode{nodeBase: newNodeBase(name)}
	for _, child := range children {
		if err := n.AddChild(child); err != nil {
			return nil, err
		}
	}
	return n, nil
}

func (n *CompoundMatrixDataNode) kind() NodeKind { return KindCompound }

// String implements DataNode.
func (n *CompoundMatrixDataNode) String() string {
	rows, cols := n.ValuesSize()
	return fmt.Sprintf("CompoundMatrixDataNode(%q, %dx%d, %d children, %d free)",
		n.name, rows, cols, len(n.children), n.OptimizingSize())
}

// Children returns the children in registration order.
func (n *CompoundMatrixDataNode) Children() []DataNode { return slices.Clone(n.children) }

// AddChild appends a child to the view. It fails with ErrRowMismatch if the child's number of rows
// differs from the first child's, and refuses children that would make the view contain itself.
// Style nodes are refused with ErrUnsupportedOperation: their connectors see expanded observations,
// not their own rows.
func (n *CompoundMatrixDataNode) AddChild(child DataNode) error {
	if child == nil {
		return errors.Errorf("compound node %q: nil child", n.name)
	}
	if _, styled := child.(valueView); styled {
		return errors.Wrapf(ErrUnsupportedOperation, "style node %q can't be a child of compound node %q",
			child.Name(), n.name)
	}
	if len(n.children) > 0 {
		rows, _ := n.children[0].ValuesSize()
		childRows, _ := child.ValuesSize()
		if childRows != rows {
			return errors.Wrapf(ErrRowMismatch, "compound node %q has %d rows, child %q has %d",
				n.name, rows, child.Name(), childRows)
		}
	}
	if child.base() == &n.nodeBase || containsNode(child, &n.nodeBase) {
		return errors.Wrapf(ErrUnsupportedOperation, "adding %q to compound node %q would create a cycle",
			child.Name(), n.name)
	}
	if slices.Contains(n.children, child) {
		return errors.Errorf("compound node %q already has child %q", n.name, child.Name())
	}
	conn := NewDataConnector(fmt.Sprintf("%s/%s", n.name, child.Name()))
	conn.SetPullCallback(n.PullGradientsFromFactorNodes)
	if err := conn.ConnectDataNode(child); err != nil {
		return err
	}
	child.base().addParent(n)
	n.children = append(n.children, child)
	n.internal = append(n.internal, conn)
	n.childSizeChanged()
	return nil
}

// childrenOf returns the children of a compound node, and false for leaves.
func childrenOf(node DataNode) ([]DataNode, bool) {
	viewer, ok := node.(interface{ Children() []DataNode })
	if !ok {
		return nil, false
	}
	return viewer.Children(), true
}

// containsNode reports whether target is node or one of its (transitive) children.
func containsNode(node DataNode, target *nodeBase) bool {
	if node.base() == target {
		return true
	}
	children, ok := childrenOf(node)
	if !ok {
		return false
	}
	for _, child := range children {
		if containsNode(child, target) {
			return true
		}
	}
	return false
}

// childSizeChanged is called when a child (or the children list) changes shape.
func (n *CompoundMatrixDataNode) childSizeChanged() {
	n.external = nil
	n.sizeChanged()
}

// checkRows verifies all children still share the same number of rows: children may grow
// independently after registration.
func (n *CompoundMatrixDataNode) checkRows() error {
	if len(n.children) == 0 {
		return nil
	}
	rows, _ := n.children[0].ValuesSize()
	for _, child := range n.children[1:] {
		if childRows, _ := child.ValuesSize(); childRows != rows {
			return errors.Wrapf(ErrRowMismatch, "compound node %q: child %q has %d rows, child %q has %d",
				n.name, n.children[0].Name(), rows, child.Name(), childRows)
		}
	}
	return nil
}

// Values implements DataNode: the horizontal concatenation of the children's values.
func (n *CompoundMatrixDataNode) Values() *mat.Dense {
	rows, _ := n.ValuesSize()
	parts := make([]*mat.Dense, len(n.children))
	colCounts := make([]int, len(n.children))
	for ii, child := range n.children {
		parts[ii] = child.Values()
		_, colCounts[ii] = child.ValuesSize()
	}
	return hconcat(rows, parts, colCounts)
}

// ValuesSize implements DataNode: rows of the first child, sum of the children's columns.
func (n *CompoundMatrixDataNode) ValuesSize() (rows, cols int) {
	for ii, child := range n.children {
		childRows, childCols := child.ValuesSize()
		if ii == 0 {
			rows = childRows
		}
		cols += childCols
	}
	return
}

// SetValues always fails: compound nodes are views.
func (n *CompoundMatrixDataNode) SetValues(mat.Matrix) error {
	return errors.Wrapf(ErrUnsupportedOperation, "SetValues on compound node %q", n.name)
}

// SetValuesSize always fails: compound nodes are views.
func (n *CompoundMatrixDataNode) SetValuesSize(int, int) error {
	return errors.Wrapf(ErrUnsupportedOperation, "SetValuesSize on compound node %q", n.name)
}

// AddData always fails: data is appended to the children.
func (n *CompoundMatrixDataNode) AddData(mat.Matrix) error {
	return errors.Wrapf(ErrUnsupportedOperation, "AddData on compound node %q", n.name)
}

// elementCount returns the number of entries of a node's value matrix.
func elementCount(node DataNode) int {
	rows, cols := node.ValuesSize()
	return rows * cols
}

// OptimizingMask implements DataNode: the children's masks, each shifted by the number of entries
// of the children before it.
func (n *CompoundMatrixDataNode) OptimizingMask() []int {
	mask := make([]int, 0, n.OptimizingSize())
	done := 0
	for _, child := range n.children {
		for _, idx := range child.OptimizingMask() {
			mask = append(mask, done+idx)
		}
		done += elementCount(child)
	}
	return mask
}

// SetOptimizingMask implements DataNode.
//
// The indices, in any order, are partitioned by the half-open range [done, done+childElements) each
// child occupies, in registration order, and each child receives its share shifted by done.
func (n *CompoundMatrixDataNode) SetOptimizingMask(indices []int) error {
	total := 0
	for _, child := range n.children {
		total += elementCount(child)
	}
	seen := make([]bool, total)
	for _, idx := range indices {
		if idx < 0 || idx >= total {
			return errors.Wrapf(ErrInvalidMask, "compound node %q: index %d out of range [0, %d)", n.name, idx, total)
		}
		if seen[idx] {
			return errors.Wrapf(ErrInvalidMask, "compound node %q: index %d repeated", n.name, idx)
		}
		seen[idx] = true
	}

	done := 0
	for _, child := range n.children {
		count := elementCount(child)
		var childIndices []int
		for _, idx := range indices {
			if idx >= done && idx < done+count {
				childIndices = append(childIndices, idx-done)
			}
		}
		if err := child.SetOptimizingMask(childIndices); err != nil {
			return errors.WithMessagef(err, "compound node %q", n.name)
		}
		done += count
	}
	return nil
}

// OptimizingSize implements DataNode: the sum of the children's optimizing sizes.
func (n *CompoundMatrixDataNode) OptimizingSize() int {
	size := 0
	for _, child := range n.children {
		size += child.OptimizingSize()
	}
	return size
}

// ParametersVector implements DataNode: the children's parameters, concatenated.
func (n *CompoundMatrixDataNode) ParametersVector() []float64 {
	params := make([]float64, 0, n.OptimizingSize())
	for _, child := range n.children {
		params = append(params, child.ParametersVector()...)
	}
	return params
}

// SetParametersVector implements DataNode, splitting params by the children's optimizing sizes.
func (n *CompoundMatrixDataNode) SetParametersVector(params []float64) error {
	if size := n.OptimizingSize(); len(params) != size {
		return errors.Wrapf(ErrParametersSize, "compound node %q has %d free entries, got %d parameters",
			n.name, size, len(params))
	}
	done := 0
	for _, child := range n.children {
		size := child.OptimizingSize()
		if err := child.SetParametersVector(params[done : done+size]); err != nil {
			return errors.WithMessagef(err, "compound node %q", n.name)
		}
		done += size
	}
	return nil
}

// Gradient implements DataNode: the children's gradients, concatenated. Since each child sums its share
// of this node's gradient with its own factors', this is the full gradient of the view.
func (n *CompoundMatrixDataNode) Gradient() *mat.Dense {
	rows, _ := n.ValuesSize()
	parts := make([]*mat.Dense, len(n.children))
	colCounts := make([]int, len(n.children))
	for ii, child := range n.children {
		parts[ii] = child.Gradient()
		_, colCounts[ii] = child.ValuesSize()
	}
	return hconcat(rows, parts, colCounts)
}

// ExternalGradient returns the sum of the gradients of the connectors consuming this node directly,
// as aggregated by the last pull. It excludes gradients from factors consuming the children.
func (n *CompoundMatrixDataNode) ExternalGradient() *mat.Dense {
	rows, cols := n.ValuesSize()
	if !sameShape(n.external, rows, cols) {
		return zeros(rows, cols)
	}
	return clone(n.external)
}

// ParametersGradient implements DataNode.
func (n *CompoundMatrixDataNode) ParametersGradient() []float64 {
	grad := make([]float64, 0, n.OptimizingSize())
	for _, child := range n.children {
		grad = append(grad, child.ParametersGradient()...)
	}
	return grad
}

// PullGradientsFromFactorNodes implements DataNode.
//
//  1. Return if a pull is already in progress for this node (cycles through the children's internal
//     connectors end here) or if nothing is optimized.
//  2. Sum the gradients of the connectors consuming this node into one rows x cols buffer.
//  3. Hand each child its columns of that buffer, through its internal connector.
//  4. Pull every child, including those that received nothing: they may have factors of their own.
func (n *CompoundMatrixDataNode) PullGradientsFromFactorNodes() error {
	if n.OptimizingSize() == 0 {
		return nil
	}
	release, ok := n.guard.acquire()
	if !ok {
		return nil
	}
	defer release()

	if err := n.checkRows(); err != nil {
		return err
	}
	rows, cols := n.ValuesSize()
	if len(n.connectors) > 0 {
		sum, err := n.pullConnectors(rows, cols)
		if err != nil {
			return errors.WithMessagef(err, "pulling gradients into compound node %q", n.name)
		}
		n.external = sum
		doneCols := 0
		for ii, child := range n.children {
			_, childCols := child.ValuesSize()
			if doneCols+childCols > cols {
				return errors.Wrapf(ErrGradientShape, "compound node %q: child %q columns [%d, %d) beyond %d columns",
					n.name, child.Name(), doneCols, doneCols+childCols, cols)
			}
			n.internal[ii].SetGradient(columnRange(sum, rows, doneCols, doneCols+childCols))
			doneCols += childCols
		}
	} else {
		n.external = nil
		for _, conn := range n.internal {
			conn.SetGradient(nil)
		}
	}

	for _, child := range n.children {
		if err := child.PullGradientsFromFactorNodes(); err != nil {
			return errors.WithMessagef(err, "compound node %q", n.name)
		}
	}
	return nil
}

// PushParametersToFactorNodes implements DataNode: children first, so their latest values are
// pushed before this node's view is consumed.
func (n *CompoundMatrixDataNode) PushParametersToFactorNodes() {
	for _, child := range n.children {
		child.PushParametersToFactorNodes()
	}
	n.pushConnectors()
}

func (n *CompoundMatrixDataNode) connectorValues() *mat.Dense { return n.Values() }

func (n *CompoundMatrixDataNode) connectorSize() (rows, cols int) { return n.ValuesSize() }

// CompoundMatrixDataNodeWithSegments is a CompoundMatrixDataNode whose rows are split into trials.
//
// Unless set explicitly with SetSegments, the segments are those of the first segmented child.
// Segmented children must agree on their segments.
type CompoundMatrixDataNodeWithSegments struct {
	CompoundMatrixDataNode
	segments []int
}

var (
	_ DataNode  = (*CompoundMatrixDataNodeWithSegments)(nil)
	_ Segmented = (*CompoundMatrixDataNodeWithSegments)(nil)
)

// NewCompoundMatrixDataNodeWithSegments creates a segmented compound node over the given children.
func NewCompoundMatrixDataNodeWithSegments(name string, children ...DataNode) (*CompoundMatrixDataNodeWithSegments, error) {
	n := &CompoundMatrixDataNodeWithSegments{CompoundMatrixDataNode: CompoundMatrixDataNode{nodeBase: newNodeBase(name)}}
	for _, child := range children {
		if err := n.AddChild(child); err != nil {
			return nil, err
		}
	}
	return n, nil
}

func (n *CompoundMatrixDataNodeWithSegments) kind() NodeKind { return KindCompoundWithSegments }

// String implements DataNode.
func (n *CompoundMatrixDataNodeWithSegments) String() string {
	rows, cols := n.ValuesSize()
	return fmt.Sprintf("CompoundMatrixDataNodeWithSegments(%q, %dx%d, %d children, %d segments, %d free)",
		n.name, rows, cols, len(n.children), len(n.Segments()), n.OptimizingSize())
}

// AddChild appends a child, checking that its segments, if any, agree with the node's.
func (n *CompoundMatrixDataNodeWithSegments) AddChild(child DataNode) error {
	if seg, ok := child.(Segmented); ok {
		if current, found := n.declaredSegments(); found && !slices.Equal(seg.Segments(), current) {
			return errors.Wrapf(ErrInvalidSegments, "compound node %q has segments %v, child %q has %v",
				n.name, current, child.Name(), seg.Segments())
		}
	}
	return n.CompoundMatrixDataNode.AddChild(child)
}

// declaredSegments returns the explicit segments, or those of the first segmented child.
func (n *CompoundMatrixDataNodeWithSegments) declaredSegments() ([]int, bool) {
	if n.segments != nil {
		return slices.Clone(n.segments), true
	}
	for _, child := range n.children {
		if seg, ok := child.(Segmented); ok {
			return seg.Segments(), true
		}
	}
	return nil, false
}

// Segments implements Segmented.
func (n *CompoundMatrixDataNodeWithSegments) Segments() []int {
	if segments, found := n.declaredSegments(); found {
		return segments
	}
	if rows, _ := n.ValuesSize(); rows > 0 {
		return []int{0}
	}
	return nil
}

// SetSegments sets explicit trial boundaries, overriding the children's.
func (n *CompoundMatrixDataNodeWithSegments) SetSegments(segments []int) error {
	rows, _ := n.ValuesSize()
	if err := validateSegments(segments, rows); err != nil {
		return errors.WithMessagef(err, "compound node %q", n.name)
	}
	n.segments = slices.Clone(segments)
	return nil
}
