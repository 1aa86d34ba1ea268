// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI tools for the command line: a progress bar for the
// optimizers and summary tables of a factor graph.
package commandline

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/nitin-ppnp/GPLVM-sub002/pkg/core/factorgraph"
)

var headerStyle = lipgloss.NewStyle().Padding(0, 1).Bold(true)

func newTable(headers ...string) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == lgtable.HeaderRow:
				return headerStyle
			case col == 0:
				return normalStyle
			}
			return rightAlignedStyle
		}).
		Headers(headers...)
}

// SummaryTable returns a table of the data nodes of the graph, with their shape, number of segments
// and free parameters, followed by a table of the factors with their current values.
//
// Factor values are only meaningful after Graph.ComputeGradients.
func SummaryTable(g *factorgraph.Graph) string {
	nodes := newTable("Node", "Type", "Shape", "Segments", "Free")
	for _, node := range g.DataNodes() {
		rows, cols := node.ValuesSize()
		segments := "-"
		if seg, ok := node.(factorgraph.Segmented); ok {
			segments = humanize.Comma(int64(len(seg.Segments())))
		}
		nodes.Row(node.Name(), typeName(node), fmt.Sprintf("%dx%d", rows, cols), segments,
			humanize.Comma(int64(node.OptimizingSize())))
	}
	nodes.Row("Total", "", "", "", humanize.Comma(int64(g.NumParameters())))

	factors := newTable("Factor", "Type", "Connectors", "Value")
	for _, f := range g.FactorNodes() {
		var conns []string
		for _, c := range f.Connectors() {
			target := "<unbound>"
			if c.IsBound() {
				target = c.DataNode().Name()
			}
			conns = append(conns, fmt.Sprintf("%s=%s", c.Name(), target))
		}
		kind := typeName(f)
		if k, ok := f.(factorgraph.FactorKinder); ok {
			kind = k.FactorKind()
		}
		factors.Row(f.Name(), kind, strings.Join(conns, ", "), fmt.Sprintf("%.6g", f.FunctionValue()))
	}
	return lipgloss.JoinVertical(lipgloss.Left, nodes.String(), factors.String())
}

// typeName returns the name of the concrete type of v, without package or pointer.
func typeName(v any) string {
	name := fmt.Sprintf("%T", v)
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		name = name[idx+1:]
	}
	return name
}
