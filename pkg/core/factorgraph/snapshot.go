// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package factorgraph

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Snapshot is the structural description of a Graph: its data nodes (with values, masks and segments),
// and for each factor the data node bound to each of its connectors.
//
// Restoring a snapshot rebuilds every dependency edge from this description, so there are no live
// callbacks to re-wire afterwards. The format is not meant to be stable across versions.
type Snapshot struct {
	Name    string           `json:"name"`
	Nodes   []NodeSnapshot   `json:"nodes"`
	Factors []FactorSnapshot `json:"factors"`
}

// NodeSnapshot describes one data node. Children always come before their compound parents.
type NodeSnapshot struct {
	ID         string    `json:"id"`
	Kind       NodeKind  `json:"kind"`
	Name       string    `json:"name"`
	Rows       int       `json:"rows"`
	Cols       int       `json:"cols"`
	Values     []float64 `json:"values,omitempty"` // Column-major.
	Mask       []int     `json:"mask"`
	Segments   []int     `json:"segments,omitempty"`
	StyleIndex []int     `json:"style_index,omitempty"`
	Children   []string  `json:"children,omitempty"`
}

// FactorSnapshot describes one factor: its type, hyperparameters and connector bindings.
type FactorSnapshot struct {
	Name       string              `json:"name"`
	Kind       string              `json:"kind"`
	Config     map[string]float64  `json:"config,omitempty"`
	Connectors []ConnectorSnapshot `json:"connectors"`
}

// ConnectorSnapshot binds a factor's connector, by name, to a data node, by ID.
type ConnectorSnapshot struct {
	Name string `json:"name"`
	Node string `json:"node"`
}

// FactorBuilder re-creates a factor from its snapshot. The returned factor's connectors must carry the
// names listed in the snapshot; Restore binds them.
type FactorBuilder func(fs FactorSnapshot) (FactorNode, error)

// Snapshot captures the structure and values of the graph.
func (g *Graph) Snapshot() *Snapshot {
	s := &Snapshot{Name: g.name}
	for _, node := range g.nodes {
		s.Nodes = append(s.Nodes, snapshotNode(node))
	}
	for _, f := range g.factors {
		fs := FactorSnapshot{Name: f.Name(), Kind: fmt.Sprintf("%T", f)}
		if kinder, ok := f.(FactorKinder); ok {
			fs.Kind = kinder.FactorKind()
		}
		if configurer, ok := f.(FactorConfigurer); ok {
			fs.Config = configurer.FactorConfig()
		}
		for _, c := range f.Connectors() {
			fs.Connectors = append(fs.Connectors, ConnectorSnapshot{Name: c.Name(), Node: c.DataNode().ID().String()})
		}
		s.Factors = append(s.Factors, fs)
	}
	return s
}

func snapshotNode(node DataNode) NodeSnapshot {
	rows, cols := node.ValuesSize()
	ns := NodeSnapshot{
		ID:   node.ID().String(),
		Kind: node.kind(),
		Name: node.Name(),
		Rows: rows,
		Cols: cols,
	}
	if children, isView := childrenOf(node); isView {
		for _, child := range children {
			ns.Children = append(ns.Children, child.ID().String())
		}
		if compound, ok := node.(*CompoundMatrixDataNodeWithSegments); ok && compound.segments != nil {
			ns.Segments = compound.Segments()
		}
		return ns
	}
	ns.Values = flatten(node.Values(), rows, cols)
	ns.Mask = node.OptimizingMask()
	if seg, ok := node.(*DataNodeWithSegments); ok {
		ns.Segments = seg.Segments()
	}
	if style, ok := node.(*StyleDataNode); ok {
		ns.StyleIndex = style.Index()
	}
	return ns
}

// Write encodes the snapshot as JSON.
func (s *Snapshot) Write(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return errors.Wrapf(enc.Encode(s), "writing snapshot of graph %q", s.Name)
}

// ReadSnapshot decodes a snapshot written by Snapshot.Write.
func ReadSnapshot(r io.Reader) (*Snapshot, error) {
	s := &Snapshot{}
	if err := json.NewDecoder(r).Decode(s); err != nil {
		return nil, errors.Wrap(err, "reading graph snapshot")
	}
	return s, nil
}

// nodeRestorers builds each kind of node from its snapshot, given the already restored nodes by ID.
var nodeRestorers = map[NodeKind]func(ns NodeSnapshot, byID map[string]DataNode) (DataNode, error){
	KindMatrix: func(ns NodeSnapshot, _ map[string]DataNode) (DataNode, error) {
		return NewMatrixDataNode(ns.Name, unflatten(ns.Values, ns.Rows, ns.Cols)), nil
	},
	KindSegments: func(ns NodeSnapshot, _ map[string]DataNode) (DataNode, error) {
		n := NewDataNodeWithSegments(ns.Name, ns.Cols)
		if ns.Rows == 0 {
			return n, nil
		}
		if err := n.SetValues(unflatten(ns.Values, ns.Rows, ns.Cols)); err != nil {
			return nil, err
		}
		if err := n.SetSegments(ns.Segments); err != nil {
			return nil, err
		}
		return n, nil
	},
	KindStyle: func(ns NodeSnapshot, _ map[string]DataNode) (DataNode, error) {
		return NewStyleDataNode(ns.Name, unflatten(ns.Values, ns.Rows, ns.Cols), ns.StyleIndex)
	},
	KindCompound: func(ns NodeSnapshot, byID map[string]DataNode) (DataNode, error) {
		children, err := lookupChildren(ns, byID)
		if err != nil {
			return nil, err
		}
		return NewCompoundMatrixDataNode(ns.Name, children...)
	},
	KindCompoundWithSegments: func(ns NodeSnapshot, byID map[string]DataNode) (DataNode, error) {
		children, err := lookupChildren(ns, byID)
		if err != nil {
			return nil, err
		}
		n, err := NewCompoundMatrixDataNodeWithSegments(ns.Name, children...)
		if err != nil {
			return nil, err
		}
		if ns.Segments != nil {
			if err := n.SetSegments(ns.Segments); err != nil {
				return nil, err
			}
		}
		return n, nil
	},
}

func lookupChildren(ns NodeSnapshot, byID map[string]DataNode) ([]DataNode, error) {
	children := make([]DataNode, 0, len(ns.Children))
	for _, id := range ns.Children {
		child, found := byID[id]
		if !found {
			return nil, errors.Wrapf(ErrUnknownNode, "child %s of node %q", id, ns.Name)
		}
		children = append(children, child)
	}
	return children, nil
}

// Restore rebuilds a graph from a snapshot. Factors are re-created by build and their connectors bound
// to the restored nodes.
func Restore(s *Snapshot, build FactorBuilder) (*Graph, error) {
	g := New(s.Name)
	byID := make(map[string]DataNode, len(s.Nodes))
	for _, ns := range s.Nodes {
		restorer, found := nodeRestorers[ns.Kind]
		if !found {
			return nil, errors.Errorf("restoring graph %q: unknown kind %q for node %q", s.Name, ns.Kind, ns.Name)
		}
		node, err := restorer(ns, byID)
		if err != nil {
			return nil, errors.WithMessagef(err, "restoring graph %q, node %q", s.Name, ns.Name)
		}
		id, err := uuid.Parse(ns.ID)
		if err != nil {
			return nil, errors.Wrapf(err, "restoring graph %q, node %q", s.Name, ns.Name)
		}
		node.base().id = id
		if _, isView := childrenOf(node); !isView {
			if err := node.SetOptimizingMask(ns.Mask); err != nil {
				return nil, errors.WithMessagef(err, "restoring graph %q", s.Name)
			}
		}
		byID[ns.ID] = node
		if err := g.AddDataNode(node); err != nil {
			return nil, err
		}
	}

	for _, fs := range s.Factors {
		if build == nil {
			return nil, errors.Errorf("restoring graph %q: no factor builder for factor %q", s.Name, fs.Name)
		}
		f, err := build(fs)
		if err != nil {
			return nil, errors.WithMessagef(err, "restoring graph %q, factor %q", s.Name, fs.Name)
		}
		connectors := f.Connectors()
		for _, cs := range fs.Connectors {
			node, found := byID[cs.Node]
			if !found {
				return nil, errors.Wrapf(ErrUnknownNode, "restoring graph %q, factor %q, connector %q", s.Name, fs.Name, cs.Name)
			}
			var conn *DataConnector
			for _, c := range connectors {
				if c.Name() == cs.Name {
					conn = c
					break
				}
			}
			if conn == nil {
				return nil, errors.Errorf("restoring graph %q: factor %q has no connector %q", s.Name, fs.Name, cs.Name)
			}
			if err := conn.ConnectDataNode(node); err != nil {
				return nil, errors.WithMessagef(err, "restoring graph %q", s.Name)
			}
		}
		if err := g.AddFactorNode(f); err != nil {
			return nil, err
		}
	}
	return g, nil
}
