// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package data holds preprocessing of observation matrices, with one row per frame and one column per feature.
package data

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Normalization calculates the per-column (feature) `mean` and `stddev` of x.
//
// These values can later be used for normalization with Standardize. Notice for any feature that happens to
// be constant, the `stddev` will be 0: use ReplaceZerosByOnes before dividing by it.
func Normalization(x mat.Matrix) (mean, stddev []float64) {
	rows, cols := x.Dims()
	mean = make([]float64, cols)
	stddev = make([]float64, cols)
	if rows == 0 {
		return
	}
	column := make([]float64, rows)
	for col := range cols {
		mat.Col(column, col, x)
		mean[col], stddev[col] = stat.PopMeanStdDev(column, nil)
	}
	return
}

// ReplaceZerosByOnes replaces any zero values in x by one, in place.
// This is useful if normalizing a value with a standard deviation (`stddev`) that has zeros.
func ReplaceZerosByOnes(x []float64) []float64 {
	for ii, v := range x {
		if v == 0 {
			x[ii] = 1
		}
	}
	return x
}

// Standardize returns (x - mean) / stddev, per column.
func Standardize(x mat.Matrix, mean, stddev []float64) (*mat.Dense, error) {
	rows, cols := x.Dims()
	if len(mean) != cols || len(stddev) != cols {
		return nil, errors.Errorf("%d columns, but %d means and %d standard deviations", cols, len(mean), len(stddev))
	}
	if rows == 0 || cols == 0 {
		return &mat.Dense{}, nil
	}
	out := mat.NewDense(rows, cols, nil)
	out.Apply(func(_, col int, v float64) float64 { return (v - mean[col]) / stddev[col] }, x)
	return out, nil
}

// Unstandardize is the inverse of Standardize: it returns x·stddev + mean, per column.
func Unstandardize(x mat.Matrix, mean, stddev []float64) (*mat.Dense, error) {
	rows, cols := x.Dims()
	if len(mean) != cols || len(stddev) != cols {
		return nil, errors.Errorf("%d columns, but %d means and %d standard deviations", cols, len(mean), len(stddev))
	}
	if rows == 0 || cols == 0 {
		return &mat.Dense{}, nil
	}
	out := mat.NewDense(rows, cols, nil)
	out.Apply(func(_, col int, v float64) float64 { return v*stddev[col] + mean[col] }, x)
	return out, nil
}
