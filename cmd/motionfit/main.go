// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// motionfit denoises trials of motion data: each CSV file given as argument is one trial, with one row per
// frame and one column per feature.
//
// The model has a latent trajectory per trial, tied to the observations with Gaussian noise, smooth in time
// and under an isotropic Gaussian prior. The latent trajectories are fitted with L-BFGS or nonlinear CG.
//
// Example:
//
//	motionfit -optimizer=cg -iterations=500 -output=denoised.csv -plot=trace.png walk_01.csv walk_02.csv
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nitin-ppnp/GPLVM-sub002/pkg/core/factorgraph"
	"github.com/nitin-ppnp/GPLVM-sub002/pkg/ml/data"
	"github.com/nitin-ppnp/GPLVM-sub002/pkg/ml/data/csvdata"
	"github.com/nitin-ppnp/GPLVM-sub002/pkg/ml/factors"
	"github.com/nitin-ppnp/GPLVM-sub002/pkg/ml/optimizers"
	"github.com/nitin-ppnp/GPLVM-sub002/ui/commandline"
	"github.com/nitin-ppnp/GPLVM-sub002/ui/plots"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagOptimizer   = flag.String("optimizer", "lbfgs", "Optimizer to use: \"lbfgs\" or \"cg\".")
	flagIterations  = flag.Int("iterations", 200, "Maximum number of iterations (line searches).")
	flagMemory      = flag.Int("lbfgs_memory", 0, "Number of curvature pairs kept by L-BFGS. 0 uses the default.")
	flagPriorVar    = flag.Float64("prior_variance", 1.0, "Variance of the Gaussian prior over the latent trajectories.")
	flagNoiseVar    = flag.Float64("noise_variance", 0.1, "Variance of the observation noise.")
	flagSmoothness  = flag.Float64("smoothness", 10.0, "Weight of the smoothness prior between consecutive frames.")
	flagNormalize   = flag.Bool("normalize", true, "Standardize every feature before fitting.")
	flagParallelism = flag.Int("parallelism", 0, "Maximum number of factors evaluated in parallel. "+
		"0 evaluates them sequentially, -1 means unlimited.")
	flagProgress = flag.Bool("progress", true, "Display a progress bar.")
	flagVerbose  = flag.Bool("verbose", false, "Log every iteration.")
	flagSummary  = flag.Bool("summary", true, "Print a summary of the model before and after fitting.")
	flagOutput   = flag.String("output", "", "If set, the denoised trials are written to this CSV file.")
	flagSnapshot = flag.String("snapshot", "", "If set, a JSON snapshot of the fitted model is written to this file.")
	flagPlot     = flag.String("plot", "", "If set, a plot of the objective trace is saved to this image file.")
	flagPoints   = flag.String("points", "", "If set, the trace points are appended to this file, one JSON per line.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if flag.NArg() == 0 {
		klog.Errorf("Missing trial CSV files. See 'motionfit -help'.")
		os.Exit(1)
	}
	if err := run(flag.Args()); err != nil {
		klog.Errorf("Failed: %+v", err)
		os.Exit(1)
	}
}

// model holds the nodes of the denoising graph.
type model struct {
	graph      *factorgraph.Graph
	observed   *factorgraph.DataNodeWithSegments
	latent     *factorgraph.DataNodeWithSegments
	features   []string
	mean, std  []float64
	normalized bool
}

func run(paths []string) error {
	m, err := buildModel(paths)
	if err != nil {
		return err
	}
	if *flagSummary {
		if err := m.graph.ComputeGradients(); err != nil {
			return err
		}
		fmt.Println(commandline.SummaryTable(m.graph))
	}

	opt, hooks, err := newOptimizer()
	if err != nil {
		return err
	}
	if *flagProgress {
		commandline.AttachProgressBar(hooks, func() (string, string) {
			return "Trials", fmt.Sprintf("%d", len(m.observed.Segments()))
		})
	}
	var pointsWriter chan<- plots.Point
	var pointsErr <-chan error
	if *flagPoints != "" {
		pointsWriter, pointsErr = plots.CreatePointsWriter(*flagPoints)
	}
	recorder := plots.AttachRecorder(hooks, pointsWriter)

	result, err := opt.Optimize(m.graph.Objective(), *flagIterations, *flagVerbose)
	if pointsWriter != nil {
		close(pointsWriter)
		if writeErr := <-pointsErr; writeErr != nil {
			klog.Errorf("Failed to save trace points: %v", writeErr)
		}
	}
	if err != nil {
		if result == nil {
			return err
		}
		// The graph holds the best parameters found: still save the outputs.
		klog.Errorf("Optimization failed (%s): %v", result.Status, err)
	}
	if *flagSummary {
		fmt.Println(commandline.SummaryTable(m.graph))
	}
	return m.save(plots.NewPoints(recorder.Points()))
}

func newOptimizer() (optimizers.Optimizer, *optimizers.Hooks, error) {
	switch *flagOptimizer {
	case "lbfgs":
		opt := &optimizers.LBFGS{Memory: *flagMemory}
		return opt, &opt.Hooks, nil
	case "cg":
		opt := &optimizers.CG{}
		return opt, &opt.Hooks, nil
	}
	return nil, nil, errors.Errorf("unknown optimizer %q, use \"lbfgs\" or \"cg\"", *flagOptimizer)
}

// buildModel loads the trials and builds the denoising graph: the observations are fixed, the latent
// trajectories start at the observations.
func buildModel(paths []string) (*model, error) {
	m := &model{observed: factorgraph.NewDataNodeWithSegments("observed", 0)}
	var err error
	m.features, err = csvdata.LoadTrials(m.observed, paths...)
	if err != nil {
		return nil, err
	}
	if *flagNormalize {
		m.mean, m.std = data.Normalization(m.observed.Values())
		data.ReplaceZerosByOnes(m.std)
		standardized, err := data.Standardize(m.observed.Values(), m.mean, m.std)
		if err != nil {
			return nil, err
		}
		if err := m.observed.SetValues(standardized); err != nil {
			return nil, err
		}
		m.normalized = true
	}
	if err := m.observed.SetOptimizingMask([]int{}); err != nil {
		return nil, err
	}

	_, cols := m.observed.ValuesSize()
	m.latent = factorgraph.NewDataNodeWithSegments("latent", cols)
	if err := m.latent.SetValues(m.observed.Values()); err != nil {
		return nil, err
	}
	if err := m.latent.SetSegments(m.observed.Segments()); err != nil {
		return nil, err
	}

	prior, err := factors.NewGaussianPrior("prior", *flagPriorVar)
	if err != nil {
		return nil, err
	}
	noise, err := factors.NewGaussianObservation("noise", *flagNoiseVar)
	if err != nil {
		return nil, err
	}
	smooth, err := factors.NewSmoothness("smoothness", *flagSmoothness)
	if err != nil {
		return nil, err
	}
	for _, bind := range []struct {
		factor    interface{ Connect(string, factorgraph.DataNode) error }
		connector string
		node      factorgraph.DataNode
	}{
		{prior, "X", m.latent},
		{noise, "X", m.latent},
		{noise, "Y", m.observed},
		{smooth, "X", m.latent},
	} {
		if err := bind.factor.Connect(bind.connector, bind.node); err != nil {
			return nil, err
		}
	}

	m.graph = factorgraph.New("motionfit").SetMaxParallelism(*flagParallelism)
	for _, node := range []factorgraph.DataNode{m.observed, m.latent} {
		if err := m.graph.AddDataNode(node); err != nil {
			return nil, err
		}
	}
	for _, f := range []factorgraph.FactorNode{prior, noise, smooth} {
		if err := m.graph.AddFactorNode(f); err != nil {
			return nil, err
		}
	}
	m.graph.LogSummary()
	return m, nil
}

// save writes the requested outputs.
func (m *model) save(points plots.Points) error {
	if *flagOutput != "" {
		denoised := m.latent.Values()
		if m.normalized {
			var err error
			denoised, err = data.Unstandardize(denoised, m.mean, m.std)
			if err != nil {
				return err
			}
		}
		if err := writeFile(*flagOutput, func(f *os.File) error {
			return csvdata.WriteTrial(f, m.features, denoised)
		}); err != nil {
			return err
		}
		klog.Infof("Denoised trials saved to %q", *flagOutput)
	}
	if *flagSnapshot != "" {
		if err := writeFile(*flagSnapshot, func(f *os.File) error {
			return m.graph.Snapshot().Write(f)
		}); err != nil {
			return err
		}
		klog.Infof("Snapshot saved to %q", *flagSnapshot)
	}
	if *flagPlot != "" {
		cfg := plots.ImageConfig{Title: fmt.Sprintf("motionfit (%s)", *flagOptimizer), LogScale: true}
		if err := points.Save(*flagPlot, cfg, *flagOptimizer+"/"+plots.SeriesGradientNorm); err != nil {
			return err
		}
		klog.Infof("Plot saved to %q", *flagPlot)
	}
	return nil
}

func writeFile(path string, write func(f *os.File) error) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrapf(err, "creating directory for %q", path)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %q", path)
	}
	if err := write(f); err != nil {
		_ = f.Close()
		return errors.WithMessagef(err, "writing %q", path)
	}
	return errors.Wrapf(f.Close(), "closing %q", path)
}
