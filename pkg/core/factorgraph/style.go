// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package factorgraph

import (
	"fmt"
	"slices"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// StyleDataNode holds one row per style (category) and, for each observation, the index of its style.
//
// Its parameters are the style rows, but connectors see the expanded matrix with one row per
// observation: row i is the style row index[i]. Gradients coming back through the connectors are
// collapsed by summing the rows of observations sharing the same style.
type StyleDataNode struct {
	leafNode
	index []int
}

var _ DataNode = (*StyleDataNode)(nil)

// NewStyleDataNode creates a style node with the given style matrix (numStyles x dim) and the style
// index of each observation.
func NewStyleDataNode(name string, styles mat.Matrix, index []int) (*StyleDataNode, error) {
	n := &StyleDataNode{leafNode: newLeafNode(name, styles)}
	n.view = n
	if err := n.checkIndices(index, n.rows); err != nil {
		return nil, err
	}
	n.index = slices.Clone(index)
	return n, nil
}

func (n *StyleDataNode) kind() NodeKind { return KindStyle }

// String implements DataNode.
func (n *StyleDataNode) String() string {
	return fmt.Sprintf("StyleDataNode(%q, %d styles x %d, %d observations, %d free)",
		n.name, n.rows, n.cols, len(n.index), n.mask.size())
}

// Index returns the style index of each observation.
func (n *StyleDataNode) Index() []int { return slices.Clone(n.index) }

// NumStyles returns the number of style rows.
func (n *StyleDataNode) NumStyles() int { return n.rows }

// AddIndices appends observations with the given style indices.
func (n *StyleDataNode) AddIndices(indices ...int) error {
	if err := n.checkIndices(indices, n.rows); err != nil {
		return err
	}
	if len(indices) == 0 {
		return nil
	}
	n.index = append(n.index, indices...)
	n.sizeChanged()
	return nil
}

// ExpandedValues returns the values as seen by the connectors: one row per observation.
func (n *StyleDataNode) ExpandedValues() *mat.Dense {
	return n.expand(n.values)
}

// SetValues implements DataNode. The new style matrix must still cover every observation's index.
func (n *StyleDataNode) SetValues(values mat.Matrix) error {
	rows, _ := dims(values)
	if err := n.checkIndices(n.index, rows); err != nil {
		return err
	}
	return n.leafNode.SetValues(values)
}

// SetValuesSize implements DataNode. The new number of styles must still cover every observation's index.
func (n *StyleDataNode) SetValuesSize(rows, cols int) error {
	if err := n.checkIndices(n.index, rows); err != nil {
		return err
	}
	return n.leafNode.SetValuesSize(rows, cols)
}

func (n *StyleDataNode) checkIndices(indices []int, numStyles int) error {
	for _, idx := range indices {
		if idx < 0 || idx >= numStyles {
			return errors.Wrapf(ErrInvalidStyleIndex, "node %q: index %d, with %d styles", n.name, idx, numStyles)
		}
	}
	return nil
}

func (n *StyleDataNode) expandedSize() (rows, cols int) {
	return len(n.index), n.cols
}

func (n *StyleDataNode) expand(values *mat.Dense) *mat.Dense {
	out := zeros(len(n.index), n.cols)
	if isEmpty(out) {
		return out
	}
	for row, style := range n.index {
		for c := range n.cols {
			out.Set(row, c, values.At(style, c))
		}
	}
	return out
}

func (n *StyleDataNode) collapse(grad *mat.Dense) *mat.Dense {
	out := zeros(n.rows, n.cols)
	if isEmpty(out) || isEmpty(grad) {
		return out
	}
	for row, style := range n.index {
		for c := range n.cols {
			out.Set(style, c, out.At(style, c)+grad.At(row, c))
		}
	}
	return out
}
