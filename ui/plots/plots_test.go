// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package plots

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/nitin-ppnp/GPLVM-sub002/pkg/ml/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bowl is Σ(xᵢ-1)², starting at 0.
type bowl struct{ x []float64 }

func (b *bowl) NumParameters() int    { return len(b.x) }
func (b *bowl) Parameters() []float64 { return append([]float64(nil), b.x...) }
func (b *bowl) SetParameters(x []float64) error {
	copy(b.x, x)
	return nil
}
func (b *bowl) Value() (float64, error) {
	var sum float64
	for _, xi := range b.x {
		sum += (xi - 1) * (xi - 1)
	}
	return sum, nil
}
func (b *bowl) Gradient() ([]float64, error) {
	g := make([]float64, len(b.x))
	for ii, xi := range b.x {
		g[ii] = 2 * (xi - 1)
	}
	return g, nil
}

func TestRecorder(t *testing.T) {
	dir := t.TempDir()
	pointsPath := filepath.Join(dir, "points.json")
	writer, errReport := CreatePointsWriter(pointsPath)

	opt := &optimizers.CG{}
	recorder := AttachRecorder(&opt.Hooks, writer)
	result := must.M1(opt.Optimize(&bowl{x: make([]float64, 3)}, 20, false))
	close(writer)
	require.NoError(t, <-errReport)

	recorded := recorder.Points()
	require.Len(t, recorded, 2*(result.Iterations+1))
	assert.Equal(t, Point{Optimizer: "cg", Series: SeriesValue, Iteration: 0, Value: 3}, recorded[0])

	loaded := must.M1(LoadPoints(pointsPath))
	assert.Equal(t, recorded, loaded)

	points := NewPoints(loaded)
	assert.Equal(t, []string{"cg/gradient_norm", "cg/value"}, points.Names())
	assert.Len(t, points["cg/value"], result.Iterations+1)
	assert.Contains(t, points.String(), "Iteration")

	imagePath := filepath.Join(dir, "trace.png")
	require.NoError(t, points.Save(imagePath, ImageConfig{}, "cg/value"))
	info := must.M1(os.Stat(imagePath))
	assert.Positive(t, info.Size())

	err := points.Save(filepath.Join(dir, "empty.png"), ImageConfig{}, "lbfgs/value")
	require.Error(t, err)
}
