// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package factorgraph

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Buffers are *mat.Dense. gonum doesn't allow zero-sized dense matrices, so an empty buffer is
// represented by the zero value &mat.Dense{}, and the logical shape is always tracked by the owner.

// zeros returns a rows x cols buffer filled with zeros, or an empty buffer if either dimension is 0.
func zeros(rows, cols int) *mat.Dense {
	if rows <= 0 || cols <= 0 {
		return &mat.Dense{}
	}
	return mat.NewDense(rows, cols, nil)
}

// dims returns the dimensions of a buffer, with (0, 0) for nil (including a nil *mat.Dense) or empty buffers.
func dims(m mat.Matrix) (rows, cols int) {
	if m == nil {
		return 0, 0
	}
	if d, ok := m.(*mat.Dense); ok && (d == nil || d.IsEmpty()) {
		return 0, 0
	}
	return m.Dims()
}

// isEmpty reports whether the buffer holds no elements.
func isEmpty(m mat.Matrix) bool {
	rows, cols := dims(m)
	return rows == 0 || cols == 0
}

// clone returns a copy of m, or an empty buffer.
func clone(m mat.Matrix) *mat.Dense {
	if isEmpty(m) {
		return &mat.Dense{}
	}
	return mat.DenseCopyOf(m)
}

// sameShape reports whether m has exactly the given logical shape. Empty buffers match any
// shape with no elements.
func sameShape(m mat.Matrix, rows, cols int) bool {
	r, c := dims(m)
	if rows == 0 || cols == 0 {
		return r == 0 || c == 0
	}
	return r == rows && c == cols
}

// addInto adds src to dst element-wise. Both must have the same shape.
func addInto(dst *mat.Dense, src mat.Matrix) {
	if isEmpty(src) {
		return
	}
	dst.Add(dst, src)
}

// hconcat concatenates the parts horizontally. colCounts gives the logical column count of each part,
// needed because empty buffers carry no shape.
func hconcat(rows int, parts []*mat.Dense, colCounts []int) *mat.Dense {
	total := 0
	for _, c := range colCounts {
		total += c
	}
	out := zeros(rows, total)
	if isEmpty(out) {
		return out
	}
	done := 0
	for ii, part := range parts {
		if !isEmpty(part) {
			for r := range rows {
				for c := range colCounts[ii] {
					out.Set(r, done+c, part.At(r, c))
				}
			}
		}
		done += colCounts[ii]
	}
	return out
}

// columnRange copies columns [from, to) of m into a new buffer.
func columnRange(m *mat.Dense, rows, from, to int) *mat.Dense {
	out := zeros(rows, to-from)
	if isEmpty(out) || isEmpty(m) {
		return out
	}
	for r := range rows {
		for c := from; c < to; c++ {
			out.Set(r, c-from, m.At(r, c))
		}
	}
	return out
}

// appendRows returns the vertical concatenation of top (rows x cols) and bottom.
func appendRows(top *mat.Dense, rows, cols int, bottom mat.Matrix) (*mat.Dense, error) {
	bRows, bCols := dims(bottom)
	if bRows == 0 {
		return clone(top), nil
	}
	if rows > 0 && bCols != cols {
		return nil, errors.Wrapf(ErrGradientShape, "appending %dx%d rows to a matrix with %d columns", bRows, bCols, cols)
	}
	if rows == 0 {
		return clone(bottom), nil
	}
	out := mat.NewDense(rows+bRows, cols, nil)
	out.Stack(top, bottom)
	return out, nil
}

// flatten returns the buffer's elements in column-major order.
func flatten(m mat.Matrix, rows, cols int) []float64 {
	out := make([]float64, rows*cols)
	if isEmpty(m) {
		return out
	}
	for c := range cols {
		for r := range rows {
			out[c*rows+r] = m.At(r, c)
		}
	}
	return out
}

// unflatten builds a rows x cols buffer from column-major data.
func unflatten(data []float64, rows, cols int) *mat.Dense {
	out := zeros(rows, cols)
	if isEmpty(out) {
		return out
	}
	for c := range cols {
		for r := range rows {
			out.Set(r, c, data[c*rows+r])
		}
	}
	return out
}
