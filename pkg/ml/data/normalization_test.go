// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestNormalization(t *testing.T) {
	x := mat.NewDense(4, 2, []float64{
		1, 7,
		2, 7,
		3, 7,
		4, 7,
	})
	mean, stddev := Normalization(x)
	assert.InDeltaSlice(t, []float64{2.5, 7}, mean, 1e-12)
	assert.InDeltaSlice(t, []float64{1.118033988749895, 0}, stddev, 1e-12)

	stddev = ReplaceZerosByOnes(stddev)
	assert.Equal(t, 1.0, stddev[1])

	standardized := must.M1(Standardize(x, mean, stddev))
	assert.InDelta(t, -1.5/1.118033988749895, standardized.At(0, 0), 1e-12)
	assert.Equal(t, 0.0, standardized.At(3, 1))

	restored := must.M1(Unstandardize(standardized, mean, stddev))
	assert.True(t, mat.EqualApprox(x, restored, 1e-12))

	_, err := Standardize(x, mean[:1], stddev)
	require.Error(t, err)
}
