// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package factorgraph

import (
	"slices"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// DataNode owns (or, for compound nodes, views) a value matrix and its partition into free and fixed
// entries.
//
// Rows are observations and columns features. Entries are addressed by column-major flat indices
// (col*rows + row) in the optimizing mask, so the index space of a compound node is the concatenation
// of its children's index spaces.
//
// Values returned are copies: callers may modify them freely.
type DataNode interface {
	// Name of the node, used in error messages and snapshots.
	Name() string

	// ID uniquely identifies the node within snapshots.
	ID() uuid.UUID

	// Values returns a copy of the value matrix.
	Values() *mat.Dense

	// ValuesSize returns the shape of the value matrix.
	ValuesSize() (rows, cols int)

	// SetValues replaces the value matrix. Compound nodes return ErrUnsupportedOperation.
	SetValues(values mat.Matrix) error

	// SetValuesSize resizes the value matrix, zeroing it. Compound nodes return ErrUnsupportedOperation.
	SetValuesSize(rows, cols int) error

	// OptimizingMask returns the sorted flat indices of the free entries.
	OptimizingMask() []int

	// SetOptimizingMask marks the given flat indices (in any order) as free, and every other entry as fixed.
	SetOptimizingMask(indices []int) error

	// OptimizingSize is the number of free entries.
	OptimizingSize() int

	// ParametersVector returns the free entries, in OptimizingMask order.
	ParametersVector() []float64

	// SetParametersVector writes the free entries, in OptimizingMask order.
	SetParametersVector(params []float64) error

	// Gradient returns the gradient aggregated by the last PullGradientsFromFactorNodes, shaped as Values.
	Gradient() *mat.Dense

	// ParametersGradient returns the gradient at the free entries, in OptimizingMask order.
	ParametersGradient() []float64

	// PullGradientsFromFactorNodes aggregates the gradients of every connector consuming this node.
	PullGradientsFromFactorNodes() error

	// PushParametersToFactorNodes forwards the current values to every connector consuming this node.
	PushParametersToFactorNodes()

	// Connectors returns the connectors bound to this node, in binding order.
	Connectors() []*DataConnector

	// String returns a short description of the node.
	String() string

	base() *nodeBase
	kind() NodeKind
	connectorValues() *mat.Dense
	connectorSize() (rows, cols int)
}

// Segmented is implemented by nodes whose rows are split into independent trials.
type Segmented interface {
	// Segments returns the starting row of each trial: starts at 0 and strictly increasing.
	Segments() []int
}

// NodeKind identifies the concrete type of DataNode in snapshots.
type NodeKind string

const (
	KindMatrix               NodeKind = "matrix"
	KindSegments             NodeKind = "segments"
	KindStyle                NodeKind = "style"
	KindCompound             NodeKind = "compound"
	KindCompoundWithSegments NodeKind = "compound_segments"
)

// nodeBase holds what is common to every node: identity, the connectors consuming it and the
// compound nodes viewing it. The last two are the node's outgoing dependency edges.
type nodeBase struct {
	name       string
	id         uuid.UUID
	connectors []*DataConnector
	parents    []*CompoundMatrixDataNode
	guard      reentrancyGuard
}

func newNodeBase(name string) nodeBase {
	return nodeBase{name: name, id: uuid.New()}
}

func (b *nodeBase) base() *nodeBase { return b }

// Name implements DataNode.
func (b *nodeBase) Name() string { return b.name }

// ID implements DataNode.
func (b *nodeBase) ID() uuid.UUID { return b.id }

// Connectors implements DataNode.
func (b *nodeBase) Connectors() []*DataConnector { return slices.Clone(b.connectors) }

// attach registers a connector, once.
func (b *nodeBase) attach(c *DataConnector) {
	if slices.Contains(b.connectors, c) {
		return
	}
	b.connectors = append(b.connectors, c)
}

func (b *nodeBase) addParent(p *CompoundMatrixDataNode) {
	if slices.Contains(b.parents, p) {
		return
	}
	b.parents = append(b.parents, p)
}

func (b *nodeBase) pushConnectors() {
	for _, c := range b.connectors {
		c.Push()
	}
}

// valuesChanged marks the values held by every dependent connector as stale.
func (b *nodeBase) valuesChanged() {
	for _, c := range b.connectors {
		c.markStale()
	}
	for _, p := range b.parents {
		p.valuesChanged()
	}
}

// sizeChanged propagates a shape change to every transitive dependent.
func (b *nodeBase) sizeChanged() {
	for _, c := range b.connectors {
		c.invalidate()
	}
	for _, p := range b.parents {
		p.childSizeChanged()
	}
}

// pullConnectors pulls every connector and sums their gradients into a rows x cols buffer.
// Connectors without a gradient contribute nothing.
func (b *nodeBase) pullConnectors(rows, cols int) (*mat.Dense, error) {
	sum := zeros(rows, cols)
	for _, c := range b.connectors {
		if err := c.Pull(); err != nil {
			return nil, errors.WithMessagef(err, "pulling connector %q", c.Name())
		}
		grad := c.Gradient()
		if grad == nil || isEmpty(grad) {
			continue
		}
		if !sameShape(grad, rows, cols) {
			r, cc := dims(grad)
			return nil, errors.Wrapf(ErrGradientShape, "connector %q has a %dx%d gradient, node %q expects %dx%d",
				c.Name(), r, cc, b.name, rows, cols)
		}
		addInto(sum, grad)
	}
	return sum, nil
}
