// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package factorgraph

import (
	"slices"

	"github.com/pkg/errors"
)

// FactorNode is a model term: it consumes the values of one or more DataConnectors and contributes a
// scalar (typically a log-likelihood) to the objective, along with its gradient.
//
// Kernels, likelihoods and dynamics terms implement it.
type FactorNode interface {
	// Name of the factor, used in error messages and snapshots.
	Name() string

	// Connectors consumed by the factor. The graph binds them to data nodes before Initialize.
	Connectors() []*DataConnector

	// Initialize is called once, in graph construction order, before any gradient pull.
	Initialize() error

	// ComputeAllGradients reads the connectors' values, computes the local derivatives and sets them
	// on every owned connector with DataConnector.SetGradient.
	ComputeAllGradients() error

	// FunctionValue returns the factor's contribution to the objective at the current values.
	FunctionValue() float64
}

// FactorKinder is optionally implemented by factors to name their type in snapshots.
type FactorKinder interface {
	FactorKind() string
}

// FactorConfigurer is optionally implemented by factors to save their hyperparameters in snapshots.
type FactorConfigurer interface {
	FactorConfig() map[string]float64
}

// FactorBase implements the bookkeeping part of FactorNode. Factor implementations embed it and
// provide ComputeAllGradients and FunctionValue.
type FactorBase struct {
	name       string
	connectors []*DataConnector
}

// NewFactorBase creates the named connectors of a factor.
func NewFactorBase(name string, connectorNames ...string) FactorBase {
	f := FactorBase{name: name}
	for _, connName := range connectorNames {
		f.connectors = append(f.connectors, NewDataConnector(connName))
	}
	return f
}

// Name implements FactorNode.
func (f *FactorBase) Name() string { return f.name }

// Connectors implements FactorNode.
func (f *FactorBase) Connectors() []*DataConnector { return slices.Clone(f.connectors) }

// Connector returns the connector with the given name, or nil.
func (f *FactorBase) Connector(name string) *DataConnector {
	for _, c := range f.connectors {
		if c.Name() == name {
			return c
		}
	}
	return nil
}

// Connect binds the named connector to node.
func (f *FactorBase) Connect(connectorName string, node DataNode) error {
	c := f.Connector(connectorName)
	if c == nil {
		return errors.Errorf("factor %q has no connector %q", f.name, connectorName)
	}
	return errors.WithMessagef(c.ConnectDataNode(node), "factor %q", f.name)
}

// Initialize implements FactorNode, checking every connector is bound.
func (f *FactorBase) Initialize() error {
	for _, c := range f.connectors {
		if !c.IsBound() {
			return errors.Wrapf(ErrConnectorNotBound, "factor %q, connector %q", f.name, c.Name())
		}
	}
	return nil
}
