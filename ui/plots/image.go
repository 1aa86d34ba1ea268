// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package plots

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// ImageConfig configures Save. The zero value uses the defaults.
type ImageConfig struct {
	// Title of the plot. Defaults to "Optimization".
	Title string

	// Width and Height of the image. Defaults to 8x5 inches.
	Width, Height vg.Length

	// LogScale plots the values in log scale. Non-positive values are then skipped.
	LogScale bool
}

// Save renders the curves with the given names (all if empty) as lines over the iterations, and saves the
// image to filePath. The format is given by the extension: ".png", ".svg", ".pdf", etc.
func (points Points) Save(filePath string, cfg ImageConfig, names ...string) error {
	if cfg.Title == "" {
		cfg.Title = "Optimization"
	}
	if cfg.Width == 0 {
		cfg.Width = 8 * vg.Inch
	}
	if cfg.Height == 0 {
		cfg.Height = 5 * vg.Inch
	}
	if len(names) == 0 {
		names = points.Names()
	}

	p := plot.New()
	p.Title.Text = cfg.Title
	p.X.Label.Text = "Iteration"
	p.Y.Label.Text = "Value"
	if cfg.LogScale {
		p.Y.Scale = plot.LogScale{}
		p.Y.Tick.Marker = plot.LogTicks{Prec: -1}
	}
	p.Add(plotter.NewGrid())

	var added int
	for ii, name := range names {
		xys := make(plotter.XYs, 0, len(points[name]))
		for _, pt := range points[name] {
			if math.IsNaN(pt.Value) || math.IsInf(pt.Value, 0) || (cfg.LogScale && pt.Value <= 0) {
				continue
			}
			xys = append(xys, plotter.XY{X: float64(pt.Iteration), Y: pt.Value})
		}
		if len(xys) == 0 {
			continue
		}
		line, err := plotter.NewLine(xys)
		if err != nil {
			return errors.Wrapf(err, "plotting %q", name)
		}
		line.Color = plotutil.Color(ii)
		line.Dashes = plotutil.Dashes(ii)
		p.Add(line)
		p.Legend.Add(name, line)
		added++
	}
	if added == 0 {
		return errors.Errorf("no points to plot in %q", names)
	}
	if err := p.Save(cfg.Width, cfg.Height, filePath); err != nil {
		return errors.Wrapf(err, "saving plot to %q", filePath)
	}
	return nil
}
