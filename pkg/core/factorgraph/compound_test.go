// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package factorgraph

import (
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestCompoundMatrixDataNode(t *testing.T) {
	a := NewMatrixDataNode("a", newDense(2, 1,
		1,
		2))
	b := NewMatrixDataNode("b", newDense(2, 2,
		3, 5,
		4, 6))
	c := must.M1(NewCompoundMatrixDataNode("c", a, b))

	rows, cols := c.ValuesSize()
	assert.Equal(t, 2, rows)
	assert.Equal(t, 3, cols)
	requireMatrix(t, newDense(2, 3,
		1, 3, 5,
		2, 4, 6), c.Values())
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, c.ParametersVector())

	t.Run("mask partition", func(t *testing.T) {
		// a occupies [0, 2), b occupies [2, 6).
		require.NoError(t, c.SetOptimizingMask([]int{5, 0, 3}))
		assert.Equal(t, []int{0}, a.OptimizingMask())
		assert.Equal(t, []int{1, 3}, b.OptimizingMask())
		assert.Equal(t, []int{0, 3, 5}, c.OptimizingMask())
		assert.Equal(t, a.OptimizingSize()+b.OptimizingSize(), c.OptimizingSize())
		assert.Equal(t, []float64{1, 4, 6}, c.ParametersVector())

		require.NoError(t, c.SetParametersVector([]float64{10, 40, 60}))
		assert.Equal(t, []float64{10, 40, 60}, c.ParametersVector())
		assert.Equal(t, []float64{10}, a.ParametersVector())

		require.ErrorIs(t, c.SetOptimizingMask([]int{6}), ErrInvalidMask)
		require.ErrorIs(t, c.SetParametersVector([]float64{1}), ErrParametersSize)
		require.NoError(t, c.SetOptimizingMask([]int{0, 1, 2, 3, 4, 5}))
	})

	t.Run("unsupported", func(t *testing.T) {
		require.ErrorIs(t, c.SetValues(mat.NewDense(2, 3, nil)), ErrUnsupportedOperation)
		require.ErrorIs(t, c.SetValuesSize(2, 3), ErrUnsupportedOperation)
		require.ErrorIs(t, c.AddData(mat.NewDense(1, 3, nil)), ErrUnsupportedOperation)
	})

	t.Run("row mismatch", func(t *testing.T) {
		other := NewMatrixDataNode("other", mat.NewDense(3, 1, nil))
		require.ErrorIs(t, c.AddChild(other), ErrRowMismatch)
		assert.Len(t, c.Children(), 2)
	})

	t.Run("cycle", func(t *testing.T) {
		require.ErrorIs(t, c.AddChild(c), ErrUnsupportedOperation)
		outer := must.M1(NewCompoundMatrixDataNode("outer", c))
		require.ErrorIs(t, c.AddChild(outer), ErrUnsupportedOperation)
	})
}

func TestCompoundGradientSplit(t *testing.T) {
	a := NewMatrixDataNode("a", newDense(2, 2,
		1, 2,
		3, 4))
	b := NewMatrixDataNode("b", newDense(2, 3,
		5, 6, 7,
		8, 9, 10))
	c := must.M1(NewCompoundMatrixDataNode("c", a, b))
	onCompound := connectQuadratic(t, "onCompound", 1, c)
	g := newGraph(t, []DataNode{c}, onCompound)
	require.NoError(t, g.ComputeGradients())

	// Columns [0, 2) go to a, [2, 5) go to b.
	requireMatrix(t, scaled(-1, a.Values()), a.Gradient())
	requireMatrix(t, scaled(-1, b.Values()), b.Gradient())
	requireMatrix(t, scaled(-1, c.Values()), c.Gradient())
	requireMatrix(t, scaled(-1, c.Values()), c.ExternalGradient())

	t.Run("pull is idempotent", func(t *testing.T) {
		before := g.Gradient()
		require.NoError(t, c.PullGradientsFromFactorNodes())
		require.NoError(t, a.PullGradientsFromFactorNodes())
		require.NoError(t, b.PullGradientsFromFactorNodes())
		assert.Equal(t, before, g.Gradient())
		require.NoError(t, g.ComputeGradients())
		assert.Equal(t, before, g.Gradient())
	})

	t.Run("child factors are summed", func(t *testing.T) {
		onChild := connectQuadratic(t, "onChild", 2, a)
		require.NoError(t, g.AddFactorNode(onChild))
		// Pull starting from the child: it asks the compound for its share first.
		require.NoError(t, g.ComputeGradients())
		requireMatrix(t, scaled(-3, a.Values()), a.Gradient())
		requireMatrix(t, scaled(-1, b.Values()), b.Gradient())
		requireMatrix(t, scaled(-1, c.ExternalGradient()), c.Values())
	})

	t.Run("fixed child", func(t *testing.T) {
		require.NoError(t, b.SetOptimizingMask(nil))
		require.NoError(t, g.ComputeGradients())
		assert.Equal(t, a.OptimizingSize(), len(g.Gradient()))
		requireMatrix(t, scaled(-3, a.Values()), a.Gradient())
	})
}

func TestNestedCompound(t *testing.T) {
	a := NewMatrixDataNode("a", newDense(2, 1, 1, 2))
	b := NewMatrixDataNode("b", newDense(2, 1, 3, 4))
	e := NewMatrixDataNode("e", newDense(2, 1, 5, 6))
	inner := must.M1(NewCompoundMatrixDataNode("inner", a, b))
	outer := must.M1(NewCompoundMatrixDataNode("outer", inner, e))
	f := connectQuadratic(t, "f", 1, outer)
	g := newGraph(t, []DataNode{outer}, f)
	assert.Len(t, g.DataNodes(), 5)
	assert.Equal(t, 6, g.NumParameters())

	for range 2 {
		require.NoError(t, g.ComputeGradients())
		requireMatrix(t, scaled(-1, a.Values()), a.Gradient())
		requireMatrix(t, scaled(-1, b.Values()), b.Gradient())
		requireMatrix(t, scaled(-1, e.Values()), e.Gradient())
		assert.Equal(t, []float64{-1, -2, -3, -4, -5, -6}, g.Gradient())
	}

	t.Run("children grow", func(t *testing.T) {
		require.NoError(t, a.AddData(newDense(1, 1, 7)))
		require.ErrorIs(t, g.ComputeGradients(), ErrRowMismatch)
		require.NoError(t, b.AddData(newDense(1, 1, 8)))
		require.NoError(t, e.AddData(newDense(1, 1, 9)))
		require.NoError(t, g.ComputeGradients())
		rows, cols := f.Connector("X").ValuesSize()
		assert.Equal(t, 3, rows)
		assert.Equal(t, 3, cols)
		requireMatrix(t, newDense(3, 1, -1, -2, -7), a.Gradient())
	})
}

func TestCompoundWithSegments(t *testing.T) {
	x := NewDataNodeWithSegments("x", 1)
	y := NewDataNodeWithSegments("y", 2)
	for _, length := range []int{2, 3} {
		require.NoError(t, x.AddData(mat.NewDense(length, 1, nil)))
		require.NoError(t, y.AddData(mat.NewDense(length, 2, nil)))
	}
	c := must.M1(NewCompoundMatrixDataNodeWithSegments("xy", x, y))
	assert.Equal(t, []int{0, 2}, c.Segments())

	z := NewDataNodeWithSegments("z", 1)
	require.NoError(t, z.AddData(mat.NewDense(5, 1, nil)))
	require.ErrorIs(t, c.AddChild(z), ErrInvalidSegments)

	plain := NewMatrixDataNode("plain", mat.NewDense(5, 1, nil))
	require.NoError(t, c.AddChild(plain))

	require.NoError(t, c.SetSegments([]int{0, 1, 2}))
	assert.Equal(t, []int{0, 1, 2}, c.Segments())
	require.ErrorIs(t, c.SetSegments([]int{0, 5}), ErrInvalidSegments)

	unsegmented := must.M1(NewCompoundMatrixDataNodeWithSegments("plain", plain))
	assert.Equal(t, []int{0}, unsegmented.Segments())
}

func TestCompoundPassThrough(t *testing.T) {
	a := NewMatrixDataNode("a", newDense(2, 1,
		1,
		2))
	b := NewMatrixDataNode("b", newDense(2, 2,
		3, 5,
		4, 6))
	c := must.M1(NewCompoundMatrixDataNode("c", a, b))

	// Nothing computed yet: every connector is still without gradient.
	require.NoError(t, a.PullGradientsFromFactorNodes())
	require.NoError(t, c.PullGradientsFromFactorNodes())
	requireMatrix(t, mat.NewDense(2, 3, nil), c.Gradient())

	// Only the children have factors: the compound contributes nothing of its own.
	g := newGraph(t, []DataNode{c}, connectQuadratic(t, "qa", 1, a), connectQuadratic(t, "qb", 2, b))
	for range 2 {
		require.NoError(t, g.ComputeGradients())
		requireMatrix(t, scaled(-1, a.Values()), a.Gradient())
		requireMatrix(t, scaled(-2, b.Values()), b.Gradient())
		requireMatrix(t, mat.NewDense(2, 3, nil), c.ExternalGradient())
		requireMatrix(t, newDense(2, 3,
			-1, -6, -10,
			-2, -8, -12), c.Gradient())
		assert.Equal(t, []float64{-1, -2, -6, -8, -10, -12}, g.Gradient())
	}
}

func TestCompoundRejectsStyleNodes(t *testing.T) {
	style := must.M1(NewStyleDataNode("s", newDense(2, 1, 1, 2), []int{0, 1, 1}))
	_, err := NewCompoundMatrixDataNode("c", style)
	require.ErrorIs(t, err, ErrUnsupportedOperation)

	sibling := NewMatrixDataNode("m", newDense(2, 1, 3, 4))
	c := must.M1(NewCompoundMatrixDataNodeWithSegments("c", sibling))
	require.ErrorIs(t, c.AddChild(style), ErrUnsupportedOperation)
	assert.Len(t, c.Children(), 1)
	assert.Empty(t, style.Connectors())
}
