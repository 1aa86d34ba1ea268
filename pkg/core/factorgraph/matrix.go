// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package factorgraph

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// MatrixDataNode is a leaf DataNode owning a plain value matrix.
//
// All entries start free (optimized).
type MatrixDataNode struct {
	leafNode
}

var _ DataNode = (*MatrixDataNode)(nil)

// NewMatrixDataNode creates a leaf node holding a copy of values. values may be nil for an empty node.
func NewMatrixDataNode(name string, values mat.Matrix) *MatrixDataNode {
	return &MatrixDataNode{leafNode: newLeafNode(name, values)}
}

func (n *MatrixDataNode) kind() NodeKind { return KindMatrix }

// String implements DataNode.
func (n *MatrixDataNode) String() string {
	return fmt.Sprintf("MatrixDataNode(%q, %dx%d, %d free)", n.name, n.rows, n.cols, n.mask.size())
}
