// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"bytes"
	"testing"
	"time"

	"github.com/janpfeifer/must"
	"github.com/nitin-ppnp/GPLVM-sub002/pkg/core/factorgraph"
	"github.com/nitin-ppnp/GPLVM-sub002/pkg/ml/factors"
	"github.com/nitin-ppnp/GPLVM-sub002/pkg/ml/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func buildGraph(t *testing.T) *factorgraph.Graph {
	latent := factorgraph.NewMatrixDataNode("latent", mat.NewDense(3, 2, []float64{1, 2, 3, 4, 5, 6}))
	trials := factorgraph.NewDataNodeWithSegments("trials", 2)
	require.NoError(t, trials.AddData(mat.NewDense(3, 2, []float64{1, 1, 2, 2, 3, 3})))
	require.NoError(t, trials.SetOptimizingMask([]int{}))
	prior := must.M1(factors.NewGaussianPrior("prior", 1))
	require.NoError(t, prior.Connect("X", latent))
	smooth := must.M1(factors.NewSmoothness("smooth", 1))
	require.NoError(t, smooth.Connect("X", trials))
	g := factorgraph.New("summary")
	require.NoError(t, g.AddDataNode(latent))
	require.NoError(t, g.AddDataNode(trials))
	require.NoError(t, g.AddFactorNode(prior))
	require.NoError(t, g.AddFactorNode(smooth))
	require.NoError(t, g.ComputeGradients())
	return g
}

func TestSummaryTable(t *testing.T) {
	summary := SummaryTable(buildGraph(t))
	for _, want := range []string{"latent", "MatrixDataNode", "3x2", "trials", "DataNodeWithSegments",
		"prior", factors.KindGaussianPrior, "X=latent", "smooth", "X=trials", "Total"} {
		assert.Contains(t, summary, want)
	}
}

func TestProgressBarPlain(t *testing.T) {
	g := buildGraph(t)
	var out bytes.Buffer
	opt := &optimizers.LBFGS{}
	attachProgressBar(&opt.Hooks, &out, false, func() (string, string) { return "Graph", g.Name() })
	result, err := opt.Optimize(g.Objective(), 10, false)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "[Graph=summary]")
	assert.Contains(t, out.String(), "lbfgs: "+result.String())
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "1.23s", FormatDuration(1234567890*time.Nanosecond))
	assert.Equal(t, "12.35ms", FormatDuration(12345678*time.Nanosecond))
	assert.Equal(t, "2m3s", FormatDuration(2*time.Minute+3400*time.Millisecond))
	assert.Equal(t, "1.5s", FormatDuration(1500*time.Millisecond))
	assert.Equal(t, "-2.25µs", FormatDuration(-2250*time.Nanosecond))
	assert.Equal(t, "500ns", FormatDuration(500*time.Nanosecond))
	assert.Equal(t, "0s", FormatDuration(0))
}
