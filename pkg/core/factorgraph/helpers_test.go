// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package factorgraph

import (
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// quadraticFactor is the log-likelihood -scale/2 * sum(X^2), with gradient -scale * X.
type quadraticFactor struct {
	FactorBase
	scale float64
}

func newQuadraticFactor(name string, scale float64) *quadraticFactor {
	return &quadraticFactor{FactorBase: NewFactorBase(name, "X"), scale: scale}
}

func (f *quadraticFactor) FactorKind() string { return "quadratic" }

func (f *quadraticFactor) FactorConfig() map[string]float64 {
	return map[string]float64{"scale": f.scale}
}

func (f *quadraticFactor) ComputeAllGradients() error {
	conn := f.Connector("X")
	x := conn.Values()
	if isEmpty(x) {
		conn.SetGradient(nil)
		return nil
	}
	var grad mat.Dense
	grad.Scale(-f.scale, x)
	conn.SetGradient(&grad)
	return nil
}

func (f *quadraticFactor) FunctionValue() float64 {
	x := f.Connector("X").Values()
	if isEmpty(x) {
		return 0
	}
	norm := mat.Norm(x, 2)
	return -0.5 * f.scale * norm * norm
}

// panickingFactor panics in ComputeAllGradients while armed.
type panickingFactor struct {
	FactorBase
	armed bool
}

func (f *panickingFactor) ComputeAllGradients() error {
	if f.armed {
		panic("factor exploded")
	}
	f.Connector("X").SetGradient(nil)
	return nil
}

func (f *panickingFactor) FunctionValue() float64 { return 0 }

// buildFactor restores the factors used in tests from their snapshots.
func buildFactor(fs FactorSnapshot) (FactorNode, error) {
	return newQuadraticFactor(fs.Name, fs.Config["scale"]), nil
}

// newDense builds a rows x cols matrix from row-major data.
func newDense(rows, cols int, data ...float64) *mat.Dense {
	return mat.NewDense(rows, cols, data)
}

// connectQuadratic creates a quadratic factor consuming node.
func connectQuadratic(t *testing.T, name string, scale float64, node DataNode) *quadraticFactor {
	f := newQuadraticFactor(name, scale)
	require.NoError(t, f.Connect("X", node))
	return f
}

// requireMatrix compares matrices element-wise.
func requireMatrix(t *testing.T, want, got mat.Matrix) {
	t.Helper()
	require.Truef(t, mat.EqualApprox(want, got, 1e-12), "want:\n%v\ngot:\n%v",
		mat.Formatted(want), mat.Formatted(got))
}

// scaled returns s*m.
func scaled(s float64, m mat.Matrix) *mat.Dense {
	var out mat.Dense
	out.Scale(s, m)
	return &out
}

func newGraph(t *testing.T, nodes []DataNode, factors ...FactorNode) *Graph {
	g := New(t.Name())
	for _, node := range nodes {
		must.M(g.AddDataNode(node))
	}
	for _, f := range factors {
		must.M(g.AddFactorNode(f))
	}
	return g
}
