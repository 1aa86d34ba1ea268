// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package factors_test

import (
	"bytes"
	"math"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/nitin-ppnp/GPLVM-sub002/pkg/core/factorgraph"
	"github.com/nitin-ppnp/GPLVM-sub002/pkg/ml/factors"
	"github.com/nitin-ppnp/GPLVM-sub002/pkg/ml/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

var _ optimizers.Objective = (*factorgraph.Objective)(nil)

// checkGradient compares the objective's gradient with central finite differences.
func checkGradient(t *testing.T, g *factorgraph.Graph) {
	t.Helper()
	obj := g.Objective()
	x := obj.Parameters()
	grad := must.M1(obj.Gradient())
	require.Len(t, grad, len(x))
	const h = 1e-6
	for ii := range x {
		xp := append([]float64(nil), x...)
		xp[ii] += h
		require.NoError(t, obj.SetParameters(xp))
		fp := must.M1(obj.Value())
		xp[ii] -= 2 * h
		require.NoError(t, obj.SetParameters(xp))
		fm := must.M1(obj.Value())
		numeric := (fp - fm) / (2 * h)
		assert.InDeltaf(t, numeric, grad[ii], 1e-5*max(1, math.Abs(numeric)), "parameter %d", ii)
	}
	require.NoError(t, obj.SetParameters(x))
}

func newGraph(t *testing.T, nodes []factorgraph.DataNode, fs ...factorgraph.FactorNode) *factorgraph.Graph {
	t.Helper()
	g := factorgraph.New("test")
	for _, node := range nodes {
		require.NoError(t, g.AddDataNode(node))
	}
	for _, f := range fs {
		require.NoError(t, g.AddFactorNode(f))
	}
	return g
}

func TestGaussianPrior(t *testing.T) {
	_, err := factors.NewGaussianPrior("bad", 0)
	require.ErrorIs(t, err, factors.ErrInvalidHyperparameter)

	x := factorgraph.NewMatrixDataNode("x", mat.NewDense(2, 2, []float64{1, -2, 3, 0.5}))
	prior := must.M1(factors.NewGaussianPrior("prior", 2))
	require.NoError(t, prior.Connect("X", x))
	g := newGraph(t, []factorgraph.DataNode{x}, prior)
	require.NoError(t, g.ComputeGradients())

	want := -(1+4+9+0.25)/4 - 2*math.Log(2*math.Pi*2)
	assert.InDelta(t, want, g.FunctionValue(), 1e-12)
	checkGradient(t, g)
}

func TestGaussianObservation(t *testing.T) {
	y := mat.NewDense(3, 2, []float64{1, 2, 3, 4, 5, 6})
	t.Run("gradient", func(t *testing.T) {
		latent := factorgraph.NewMatrixDataNode("latent", mat.NewDense(3, 2, []float64{0, 1, 0, -1, 2, 2}))
		observed := factorgraph.NewMatrixDataNode("observed", y)
		obs := must.M1(factors.NewGaussianObservation("obs", 0.5))
		require.NoError(t, obs.Connect("X", latent))
		require.NoError(t, obs.Connect("Y", observed))
		g := newGraph(t, []factorgraph.DataNode{latent, observed}, obs)
		checkGradient(t, g)
	})

	t.Run("shape mismatch", func(t *testing.T) {
		latent := factorgraph.NewMatrixDataNode("latent", mat.NewDense(2, 2, nil))
		observed := factorgraph.NewMatrixDataNode("observed", y)
		obs := must.M1(factors.NewGaussianObservation("obs", 1))
		require.NoError(t, obs.Connect("X", latent))
		require.NoError(t, obs.Connect("Y", observed))
		g := newGraph(t, []factorgraph.DataNode{latent, observed}, obs)
		require.ErrorIs(t, g.ComputeGradients(), factors.ErrShapeMismatch)
	})

	t.Run("denoising", func(t *testing.T) {
		// With a unit prior and unit noise, the posterior mode is Y/2.
		latent := factorgraph.NewMatrixDataNode("latent", mat.NewDense(3, 2, nil))
		observed := factorgraph.NewMatrixDataNode("observed", y)
		require.NoError(t, observed.SetOptimizingMask([]int{}))
		prior := must.M1(factors.NewGaussianPrior("prior", 1))
		require.NoError(t, prior.Connect("X", latent))
		obs := must.M1(factors.NewGaussianObservation("obs", 1))
		require.NoError(t, obs.Connect("X", latent))
		require.NoError(t, obs.Connect("Y", observed))
		g := newGraph(t, []factorgraph.DataNode{latent, observed}, prior, obs)
		require.Equal(t, 6, g.NumParameters())

		result, err := new(optimizers.LBFGS).Optimize(g.Objective(), 50, false)
		require.NoError(t, err)
		assert.Equal(t, optimizers.GradientConverged, result.Status)
		var want mat.Dense
		want.Scale(0.5, y)
		assert.True(t, mat.EqualApprox(&want, latent.Values(), 1e-8), "got %v", mat.Formatted(latent.Values()))
		assert.True(t, mat.Equal(y, observed.Values()), "observations are fixed")
	})
}

func TestSmoothness(t *testing.T) {
	_, err := factors.NewSmoothness("bad", -1)
	require.ErrorIs(t, err, factors.ErrInvalidHyperparameter)

	trials := factorgraph.NewDataNodeWithSegments("trials", 1)
	require.NoError(t, trials.AddData(mat.NewDense(2, 1, []float64{0, 1})))
	require.NoError(t, trials.AddData(mat.NewDense(2, 1, []float64{5, 7})))
	smooth := must.M1(factors.NewSmoothness("smooth", 3))
	require.NoError(t, smooth.Connect("X", trials))
	g := newGraph(t, []factorgraph.DataNode{trials}, smooth)
	require.NoError(t, g.ComputeGradients())

	// The jump between the trials, 1 -> 5, is not penalized.
	assert.InDelta(t, -3.0/2*(1+4), g.FunctionValue(), 1e-12)
	assert.Equal(t, []float64{3, -3, 6, -6}, trials.ParametersGradient())
	checkGradient(t, g)

	plain := factorgraph.NewMatrixDataNode("plain", mat.NewDense(4, 1, []float64{0, 1, 5, 7}))
	smoothPlain := must.M1(factors.NewSmoothness("smooth", 3))
	require.NoError(t, smoothPlain.Connect("X", plain))
	g = newGraph(t, []factorgraph.DataNode{plain}, smoothPlain)
	require.NoError(t, g.ComputeGradients())
	assert.InDelta(t, -3.0/2*(1+16+4), g.FunctionValue(), 1e-12)
}

func TestBuilder(t *testing.T) {
	trials := factorgraph.NewDataNodeWithSegments("trials", 2)
	require.NoError(t, trials.AddData(mat.NewDense(3, 2, []float64{0, 1, 1, 2, 3, 2})))
	require.NoError(t, trials.AddData(mat.NewDense(2, 2, []float64{-1, 0, 0, 1})))
	latent := factorgraph.NewMatrixDataNode("latent", mat.NewDense(5, 2, []float64{0, 0, 1, 1, 2, 2, 0, -1, 0, 0}))
	prior := must.M1(factors.NewGaussianPrior("prior", 1.5))
	require.NoError(t, prior.Connect("X", latent))
	obs := must.M1(factors.NewGaussianObservation("obs", 0.1))
	require.NoError(t, obs.Connect("X", latent))
	require.NoError(t, obs.Connect("Y", trials))
	smooth := must.M1(factors.NewSmoothness("smooth", 2))
	require.NoError(t, smooth.Connect("X", trials))
	g := newGraph(t, []factorgraph.DataNode{trials, latent}, prior, obs, smooth)
	require.NoError(t, g.ComputeGradients())

	var buf bytes.Buffer
	require.NoError(t, g.Snapshot().Write(&buf))
	restored := must.M1(factorgraph.Restore(must.M1(factorgraph.ReadSnapshot(&buf)), factors.Builder))
	require.NoError(t, restored.ComputeGradients())
	assert.InDelta(t, g.FunctionValue(), restored.FunctionValue(), 1e-12)
	assert.Equal(t, g.Gradient(), restored.Gradient())

	_, err := factors.Builder(factorgraph.FactorSnapshot{Name: "k", Kind: "rbf_kernel"})
	require.ErrorIs(t, err, factors.ErrUnknownKind)
}
