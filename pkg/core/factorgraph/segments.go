// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package factorgraph

import (
	"fmt"
	"slices"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// DataNodeWithSegments is a leaf DataNode whose rows are split into independent trials.
//
// Each call to AddData appends one trial, starting at the number of rows the node had before the call.
type DataNodeWithSegments struct {
	leafNode
	segments []int
}

var (
	_ DataNode  = (*DataNodeWithSegments)(nil)
	_ Segmented = (*DataNodeWithSegments)(nil)
)

// NewDataNodeWithSegments creates an empty node with the given number of columns.
func NewDataNodeWithSegments(name string, cols int) *DataNodeWithSegments {
	n := &DataNodeWithSegments{leafNode: newLeafNode(name, nil)}
	n.cols = cols
	n.mask = newFullMask(0, cols)
	return n
}

func (n *DataNodeWithSegments) kind() NodeKind { return KindSegments }

// String implements DataNode.
func (n *DataNodeWithSegments) String() string {
	return fmt.Sprintf("DataNodeWithSegments(%q, %dx%d, %d segments, %d free)",
		n.name, n.rows, n.cols, len(n.segments), n.mask.size())
}

// Segments implements Segmented.
func (n *DataNodeWithSegments) Segments() []int { return slices.Clone(n.segments) }

// AddData appends one trial of data. Empty trials are rejected, since segments must be strictly increasing.
func (n *DataNodeWithSegments) AddData(data mat.Matrix) error {
	rows, _ := dims(data)
	if rows == 0 {
		return errors.Wrapf(ErrInvalidSegments, "empty trial appended to node %q", n.name)
	}
	start := n.rows
	if err := n.leafNode.AddData(data); err != nil {
		return err
	}
	n.segments = append(n.segments, start)
	return nil
}

// SetValues implements DataNode. If the number of rows changes, the node becomes a single trial.
func (n *DataNodeWithSegments) SetValues(values mat.Matrix) error {
	prevRows := n.rows
	if err := n.leafNode.SetValues(values); err != nil {
		return err
	}
	if n.rows != prevRows {
		n.resetSegments()
	}
	return nil
}

// SetValuesSize implements DataNode. The node becomes a single trial.
func (n *DataNodeWithSegments) SetValuesSize(rows, cols int) error {
	if err := n.leafNode.SetValuesSize(rows, cols); err != nil {
		return err
	}
	n.resetSegments()
	return nil
}

// SetSegments replaces the trial boundaries.
func (n *DataNodeWithSegments) SetSegments(segments []int) error {
	if err := validateSegments(segments, n.rows); err != nil {
		return errors.WithMessagef(err, "node %q", n.name)
	}
	n.segments = slices.Clone(segments)
	return nil
}

func (n *DataNodeWithSegments) resetSegments() {
	n.segments = nil
	if n.rows > 0 {
		n.segments = []int{0}
	}
}

// validateSegments checks segments start at 0, are strictly increasing and inside [0, rows).
func validateSegments(segments []int, rows int) error {
	if len(segments) == 0 {
		if rows == 0 {
			return nil
		}
		return errors.Wrapf(ErrInvalidSegments, "no segments for %d rows", rows)
	}
	if segments[0] != 0 {
		return errors.Wrapf(ErrInvalidSegments, "first segment starts at %d", segments[0])
	}
	for ii := 1; ii < len(segments); ii++ {
		if segments[ii] <= segments[ii-1] {
			return errors.Wrapf(ErrInvalidSegments, "segments not strictly increasing at position %d: %v", ii, segments)
		}
	}
	if last := segments[len(segments)-1]; last >= rows {
		return errors.Wrapf(ErrInvalidSegments, "segment starting at row %d, but there are only %d rows", last, rows)
	}
	return nil
}

// SegmentBounds converts segment starts into [start, end) row ranges, given the total number of rows.
func SegmentBounds(segments []int, rows int) [][2]int {
	bounds := make([][2]int, len(segments))
	for ii, start := range segments {
		end := rows
		if ii+1 < len(segments) {
			end = segments[ii+1]
		}
		bounds[ii] = [2]int{start, end}
	}
	return bounds
}
