// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package factorgraph

import (
	"fmt"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// DataConnector relays values and gradients between one DataNode and one consumption point:
// the slot of a FactorNode, or a compound node viewing one of its children.
//
// Values flow forward with Push, gradients flow backward: the consumer calls SetGradient, and the
// DataNode reads it back with Pull during PullGradientsFromFactorNodes. SetGradient overwrites:
// summing the gradients of several connectors is done by the DataNode.
type DataConnector struct {
	name     string
	node     DataNode
	values   *mat.Dense
	stale    bool
	gradient *mat.Dense
	pull     func() error
}

// NewDataConnector creates an unbound connector. Bind it with ConnectDataNode.
func NewDataConnector(name string) *DataConnector {
	return &DataConnector{name: name, stale: true}
}

// Name of the connector, used in error messages and snapshots.
func (c *DataConnector) Name() string { return c.name }

// String implements fmt.Stringer.
func (c *DataConnector) String() string {
	if c.node == nil {
		return fmt.Sprintf("DataConnector(%q, unbound)", c.name)
	}
	return fmt.Sprintf("DataConnector(%q -> %q)", c.name, c.node.Name())
}

// ConnectDataNode binds the connector to node. Binding happens once: binding again to the same node
// is a no-op (no duplicate registration), binding to a different node fails with
// ErrConnectorAlreadyBound.
func (c *DataConnector) ConnectDataNode(node DataNode) error {
	if node == nil {
		return errors.Errorf("connector %q: cannot connect to a nil data node", c.name)
	}
	if c.node != nil {
		if c.node == node {
			return nil
		}
		return errors.Wrapf(ErrConnectorAlreadyBound, "connector %q is bound to %q, cannot bind to %q",
			c.name, c.node.Name(), node.Name())
	}
	c.node = node
	c.stale = true
	node.base().attach(c)
	return nil
}

// DataNode returns the bound node, or nil.
func (c *DataConnector) DataNode() DataNode { return c.node }

// IsBound reports whether the connector was bound to a DataNode.
func (c *DataConnector) IsBound() bool { return c.node != nil }

// Push forwards the current values of the bound node.
func (c *DataConnector) Push() {
	if c.node == nil {
		return
	}
	c.values = c.node.connectorValues()
	c.stale = false
}

// Values returns the last pushed values. If the node changed since, they are pushed first.
//
// The returned matrix is shared: consumers must not modify it.
func (c *DataConnector) Values() *mat.Dense {
	if c.stale {
		c.Push()
	}
	if c.values == nil {
		return &mat.Dense{}
	}
	return c.values
}

// ValuesSize returns the shape of the values seen through the connector.
func (c *DataConnector) ValuesSize() (rows, cols int) {
	if c.node == nil {
		return 0, 0
	}
	return c.node.connectorSize()
}

// SetGradient overwrites the gradient with respect to the values seen through the connector.
// A nil gradient means no contribution.
func (c *DataConnector) SetGradient(gradient *mat.Dense) {
	c.gradient = gradient
}

// Gradient returns the current gradient, possibly nil.
func (c *DataConnector) Gradient() *mat.Dense { return c.gradient }

// SetPullCallback sets the function run by Pull before the gradient is read.
// Compound nodes use it so that a child pulling its gradients first has its parent distribute its share.
func (c *DataConnector) SetPullCallback(fn func() error) { c.pull = fn }

// Pull brings the gradient up to date, running the pull callback if one is set.
func (c *DataConnector) Pull() error {
	if c.pull == nil {
		return nil
	}
	return c.pull()
}

// markStale makes the next Values call push again.
func (c *DataConnector) markStale() { c.stale = true }

// invalidate drops values and gradient after a shape change of the bound node.
func (c *DataConnector) invalidate() {
	c.values = nil
	c.stale = true
	c.gradient = nil
}
