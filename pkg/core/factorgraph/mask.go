// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package factorgraph

import (
	"github.com/pkg/errors"
)

// optimizingMask marks which entries of a rows x cols value matrix are free parameters.
// Entries are addressed by their column-major flat index: col*rows + row.
type optimizingMask struct {
	rows, cols int
	free       []bool
	numFree    int
}

// newFullMask returns a mask where every entry is free.
func newFullMask(rows, cols int) optimizingMask {
	m := optimizingMask{rows: rows, cols: cols, free: make([]bool, rows*cols)}
	for ii := range m.free {
		m.free[ii] = true
	}
	m.numFree = len(m.free)
	return m
}

// size is the number of free entries.
func (m *optimizingMask) size() int { return m.numFree }

// isFull reports whether every entry is free. An empty mask over an empty matrix is full.
func (m *optimizingMask) isFull() bool { return m.numFree == len(m.free) }

// indices returns the sorted flat indices of the free entries.
func (m *optimizingMask) indices() []int {
	out := make([]int, 0, m.numFree)
	for ii, isFree := range m.free {
		if isFree {
			out = append(out, ii)
		}
	}
	return out
}

// set replaces the free entries with the given flat indices, which may come in any order.
func (m *optimizingMask) set(indices []int) error {
	free := make([]bool, len(m.free))
	for _, idx := range indices {
		if idx < 0 || idx >= len(free) {
			return errors.Wrapf(ErrInvalidMask, "index %d out of range [0, %d)", idx, len(free))
		}
		if free[idx] {
			return errors.Wrapf(ErrInvalidMask, "index %d repeated", idx)
		}
		free[idx] = true
	}
	m.free = free
	m.numFree = len(indices)
	return nil
}

// resized returns the mask for a new shape. Entries present in both shapes keep their state.
// New entries are free only if the mask was full before the resize: a fully optimized node stays
// fully optimized as data is appended, while a node with fixed entries keeps its new data fixed.
func (m *optimizingMask) resized(rows, cols int) optimizingMask {
	full := m.isFull()
	out := optimizingMask{rows: rows, cols: cols, free: make([]bool, rows*cols)}
	for c := range cols {
		for r := range rows {
			var isFree bool
			if r < m.rows && c < m.cols {
				isFree = m.free[c*m.rows+r]
			} else {
				isFree = full
			}
			if isFree {
				out.free[c*rows+r] = true
				out.numFree++
			}
		}
	}
	return out
}

// rowCol converts a flat column-major index to (row, col).
func (m *optimizingMask) rowCol(idx int) (row, col int) {
	return idx % m.rows, idx / m.rows
}
