// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package factorgraph

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/nitin-ppnp/GPLVM-sub002/internal/workerspool"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Graph owns the data nodes and factor nodes of a model, in registration order.
//
// The flat parameter vector of the graph is the concatenation, in registration order, of the
// parameters of every leaf data node: compound nodes are views and own no parameters.
type Graph struct {
	name        string
	nodes       []DataNode
	nodeSet     map[DataNode]bool
	factors     []FactorNode
	pool        *workerspool.Pool
	initialized bool
}

// New creates an empty graph.
func New(name string) *Graph {
	return &Graph{
		name:    name,
		nodeSet: make(map[DataNode]bool),
	}
}

// Name of the graph.
func (g *Graph) Name() string { return g.name }

// String implements fmt.Stringer.
func (g *Graph) String() string {
	return fmt.Sprintf("Graph(%q, %d data nodes, %d factors, %d parameters)",
		g.name, len(g.nodes), len(g.factors), g.NumParameters())
}

// SetMaxParallelism sets how many factors may compute their gradients in parallel.
// 0 (the default) computes them sequentially, -1 means unlimited.
//
// The aggregation of the gradients into the data nodes is always sequential, so results don't depend
// on this setting.
func (g *Graph) SetMaxParallelism(n int) *Graph {
	if n == 0 {
		g.pool = nil
		return g
	}
	g.pool = workerspool.New()
	g.pool.SetMaxParallelism(n)
	return g
}

// AddDataNode registers a data node. The children of compound nodes are registered first, if they
// were not yet. Registering a node twice is a no-op.
func (g *Graph) AddDataNode(node DataNode) error {
	if node == nil {
		return errors.Errorf("graph %q: nil data node", g.name)
	}
	if g.nodeSet[node] {
		return nil
	}
	if children, ok := childrenOf(node); ok {
		for _, child := range children {
			if err := g.AddDataNode(child); err != nil {
				return err
			}
		}
	}
	g.nodes = append(g.nodes, node)
	g.nodeSet[node] = true
	return nil
}

// AddFactorNode registers a factor. Its connectors must already be bound to data nodes of the graph.
func (g *Graph) AddFactorNode(factor FactorNode) error {
	if factor == nil {
		return errors.Errorf("graph %q: nil factor node", g.name)
	}
	if slices.Contains(g.factors, factor) {
		return nil
	}
	for _, c := range factor.Connectors() {
		if !c.IsBound() {
			return errors.Wrapf(ErrConnectorNotBound, "graph %q, factor %q, connector %q", g.name, factor.Name(), c.Name())
		}
		if !g.nodeSet[c.DataNode()] {
			return errors.Wrapf(ErrUnknownNode, "graph %q, factor %q consumes %q", g.name, factor.Name(), c.DataNode().Name())
		}
	}
	g.factors = append(g.factors, factor)
	g.initialized = false
	return nil
}

// DataNodes returns the registered data nodes.
func (g *Graph) DataNodes() []DataNode { return slices.Clone(g.nodes) }

// FactorNodes returns the registered factors.
func (g *Graph) FactorNodes() []FactorNode { return slices.Clone(g.factors) }

// DataNodeByName returns the first data node with the given name, or nil.
func (g *Graph) DataNodeByName(name string) DataNode {
	for _, node := range g.nodes {
		if node.Name() == name {
			return node
		}
	}
	return nil
}

// leaves returns the data nodes owning parameters.
func (g *Graph) leaves() []DataNode {
	leaves := make([]DataNode, 0, len(g.nodes))
	for _, node := range g.nodes {
		if _, isView := childrenOf(node); !isView {
			leaves = append(leaves, node)
		}
	}
	return leaves
}

// Initialize calls FactorNode.Initialize on every factor not yet initialized, in registration order.
// It is called automatically by ComputeGradients.
func (g *Graph) Initialize() error {
	if g.initialized {
		return nil
	}
	for _, f := range g.factors {
		if err := f.Initialize(); err != nil {
			return errors.WithMessagef(err, "graph %q: initializing factor %q", g.name, f.Name())
		}
	}
	g.initialized = true
	return nil
}

// PushParameters forwards the values of every data node to their connectors.
func (g *Graph) PushParameters() {
	for _, node := range g.nodes {
		node.PushParametersToFactorNodes()
	}
}

// ComputeGradients forces a full recomputation: values are pushed, every factor computes its gradients,
// and every data node pulls them. Compound nodes whose children no longer share the same number of
// rows fail with ErrRowMismatch before anything is pushed.
//
// Panics raised by factors are returned as errors.
func (g *Graph) ComputeGradients() (err error) {
	if err = g.Initialize(); err != nil {
		return err
	}
	for _, node := range g.nodes {
		if checker, ok := node.(interface{ checkRows() error }); ok {
			if err = checker.checkRows(); err != nil {
				return errors.WithMessagef(err, "graph %q", g.name)
			}
		}
	}
	if err = catchPanic(func() error { g.PushParameters(); return nil }); err != nil {
		return errors.WithMessagef(err, "graph %q: pushing parameters", g.name)
	}

	factorErrs := make([]error, len(g.factors))
	g.pool.ForEach(len(g.factors), func(i int) {
		factorErrs[i] = computeFactor(g.factors[i])
	})
	for i, factorErr := range factorErrs {
		if factorErr != nil {
			return errors.WithMessagef(factorErr, "graph %q: factor %q", g.name, g.factors[i].Name())
		}
	}

	err = catchPanic(func() error {
		for _, node := range g.nodes {
			if err := node.PullGradientsFromFactorNodes(); err != nil {
				return errors.WithMessagef(err, "graph %q", g.name)
			}
		}
		return nil
	})
	return err
}

// computeFactor runs ComputeAllGradients converting panics to errors, since it may run in a goroutine.
func computeFactor(f FactorNode) error {
	return catchPanic(f.ComputeAllGradients)
}

// catchPanic runs fn and converts a panic into an error.
func catchPanic(fn func() error) (err error) {
	exception := exceptions.Try(func() { err = fn() })
	if exception == nil {
		return err
	}
	if e, ok := exception.(error); ok {
		return errors.WithStack(e)
	}
	return errors.Errorf("panic: %v", exception)
}

// FunctionValue returns the sum of the factors' values.
func (g *Graph) FunctionValue() float64 {
	var sum float64
	for _, f := range g.factors {
		sum += f.FunctionValue()
	}
	return sum
}

// NumParameters returns the number of free entries over all leaf data nodes.
func (g *Graph) NumParameters() int {
	n := 0
	for _, node := range g.leaves() {
		n += node.OptimizingSize()
	}
	return n
}

// Parameters gathers the free entries of every leaf data node into one flat vector.
func (g *Graph) Parameters() []float64 {
	params := make([]float64, 0, g.NumParameters())
	for _, node := range g.leaves() {
		params = append(params, node.ParametersVector()...)
	}
	return params
}

// SetParameters scatters a flat vector, as returned by Parameters, into the leaf data nodes.
// It is the exact inverse of Parameters.
func (g *Graph) SetParameters(params []float64) error {
	if n := g.NumParameters(); len(params) != n {
		return errors.Wrapf(ErrParametersSize, "graph %q has %d parameters, got %d", g.name, n, len(params))
	}
	done := 0
	for _, node := range g.leaves() {
		size := node.OptimizingSize()
		if err := node.SetParametersVector(params[done : done+size]); err != nil {
			return errors.WithMessagef(err, "graph %q", g.name)
		}
		done += size
	}
	return nil
}

// Gradient gathers the gradients of the free entries of every leaf data node, as aggregated by the
// last ComputeGradients, in the same order as Parameters.
func (g *Graph) Gradient() []float64 {
	grad := make([]float64, 0, g.NumParameters())
	for _, node := range g.leaves() {
		grad = append(grad, node.ParametersGradient()...)
	}
	return grad
}

// EdgeKind is the type of a dependency edge.
type EdgeKind int

const (
	// EdgeChild goes from a data node to the compound node viewing it.
	EdgeChild EdgeKind = iota

	// EdgeConnector goes from a data node to a factor consuming it through a connector.
	EdgeConnector
)

// String implements fmt.Stringer.
func (k EdgeKind) String() string {
	switch k {
	case EdgeChild:
		return "child"
	case EdgeConnector:
		return "connector"
	}
	return fmt.Sprintf("EdgeKind(%d)", int(k))
}

// Edge is a dependency between a data node and one of its dependents: size changes and value changes
// propagate along edges, gradients flow against them.
type Edge struct {
	Kind      EdgeKind
	From      DataNode
	Parent    DataNode       // Set for EdgeChild.
	Factor    FactorNode     // Set for EdgeConnector.
	Connector *DataConnector // Set for EdgeConnector.
}

// String implements fmt.Stringer.
func (e Edge) String() string {
	if e.Kind == EdgeChild {
		return fmt.Sprintf("%s -[child]-> %s", e.From.Name(), e.Parent.Name())
	}
	return fmt.Sprintf("%s -[%s]-> %s", e.From.Name(), e.Connector.Name(), e.Factor.Name())
}

// Edges returns the dependency edges of the graph: child edges in node registration order, then
// connector edges in factor registration order.
func (g *Graph) Edges() []Edge {
	var edges []Edge
	for _, node := range g.nodes {
		children, ok := childrenOf(node)
		if !ok {
			continue
		}
		for _, child := range children {
			edges = append(edges, Edge{Kind: EdgeChild, From: child, Parent: node})
		}
	}
	for _, f := range g.factors {
		for _, c := range f.Connectors() {
			edges = append(edges, Edge{Kind: EdgeConnector, From: c.DataNode(), Factor: f, Connector: c})
		}
	}
	return edges
}

// LogSummary logs the nodes and factors of the graph at verbosity level 1.
func (g *Graph) LogSummary() {
	if !klog.V(1).Enabled() {
		return
	}
	klog.Infof("%s", g)
	for _, node := range g.nodes {
		klog.Infof("  %s", node)
	}
	for _, e := range g.Edges() {
		klog.Infof("  %s", e)
	}
}
