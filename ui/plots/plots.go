// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package plots records the progress of an optimization as plot points, saves and loads them, and renders
// them as tables or images.
package plots

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Series names recorded for each iteration.
const (
	SeriesValue        = "value"
	SeriesGradientNorm = "gradient_norm"
)

// Point represents an optimization plot point. It is used to save/load plots.
type Point struct {
	// Optimizer that produced the point, e.g. "lbfgs" or "cg".
	Optimizer string

	// Series is SeriesValue or SeriesGradientNorm.
	Series string

	// Iteration this point was measured at, 0 for the starting point.
	Iteration int

	// Value is the measure captured.
	Value float64
}

// Name of the point's curve: optimizer and series.
func (p Point) Name() string { return p.Optimizer + "/" + p.Series }

// LoadPoints parses all plot points saved in the given file, one JSON object per line.
func LoadPoints(filePath string) ([]Point, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read plots file %q", filePath)
	}
	defer func() { _ = f.Close() }()
	points, err := ReadPoints(f)
	return points, errors.WithMessagef(err, "plots file %q", filePath)
}

// ReadPoints decodes plot points until the end of r.
func ReadPoints(r io.Reader) ([]Point, error) {
	dec := json.NewDecoder(r)
	var points []Point
	for {
		var point Point
		err := dec.Decode(&point)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "decoding plot points")
		}
		points = append(points, point)
	}
	return points, nil
}

// CreatePointsWriter creates a channel to write Point to the given file.
// It creates an errReport channel to report an error (or nil) back at the very end.
// If any error occurs, it stops writing, and will report the error back once pointWriter is closed.
func CreatePointsWriter(filePath string) (pointWriter chan<- Point, errReport <-chan error) {
	pointChan := make(chan Point, 100)
	errChan := make(chan error, 1)
	go func() {
		f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0664)
		if err != nil {
			err = errors.Wrapf(err, "failed to open plots file %q for append", filePath)
			klog.Errorf("Error: %v", err)
		}
		enc := json.NewEncoder(f)
		for point := range pointChan {
			if err != nil {
				continue // Drain the channel.
			}
			if err = enc.Encode(point); err != nil {
				err = errors.Wrapf(err, "failed to encode point %v", point)
				klog.Errorf("Error: %v", err)
			}
		}
		if f != nil {
			if closeErr := f.Close(); err == nil {
				err = closeErr
			}
		}
		errChan <- err
	}()
	return pointChan, errChan
}

// Points is a collection of Point objects organized by their curve name, each in iteration order.
type Points map[string][]Point

// NewPoints create a Points object from a collection of individual `Point`.
func NewPoints(rawPoints []Point) Points {
	points := make(Points)
	for _, p := range rawPoints {
		points[p.Name()] = append(points[p.Name()], p)
	}
	for _, curve := range points {
		slices.SortStableFunc(curve, func(a, b Point) int { return a.Iteration - b.Iteration })
	}
	return points
}

// Names returns the curve names, sorted.
func (points Points) Names() []string {
	names := make([]string, 0, len(points))
	for name := range points {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Table returns a table with the first column being the iteration followed by one column per given curve name.
// If names is empty, it will include all curves in the table.
func (points Points) Table(names ...string) string {
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	headerStyle := lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	if len(names) == 0 {
		names = points.Names()
	}
	table.Headers(append([]string{"Iteration"}, names...)...)

	rows := make(map[int][]string)
	var iterations []int
	for col, name := range names {
		for _, pt := range points[name] {
			row, found := rows[pt.Iteration]
			if !found {
				row = make([]string, len(names)+1)
				row[0] = fmt.Sprintf("%d", pt.Iteration)
				rows[pt.Iteration] = row
				iterations = append(iterations, pt.Iteration)
			}
			row[col+1] = fmt.Sprintf("%.6g", pt.Value)
		}
	}
	slices.Sort(iterations)
	for _, iteration := range iterations {
		table.Row(rows[iteration]...)
	}
	return table.String()
}

func (points Points) String() string {
	return points.Table()
}
