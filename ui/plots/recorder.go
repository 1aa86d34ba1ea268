// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package plots

import (
	"sync"

	"github.com/nitin-ppnp/GPLVM-sub002/pkg/ml/optimizers"
)

// RecorderName is the name of the hooks attached by AttachRecorder.
const RecorderName = "ui.plots.recorder"

// Recorder collects the objective value and gradient norm of each iteration of an optimization.
type Recorder struct {
	mu     sync.Mutex
	points []Point
	writer chan<- Point
}

// AttachRecorder attaches a Recorder to the optimizer hooks.
//
// If writer is not nil, points are also sent to it, e.g. a channel created by CreatePointsWriter.
// The writer is not closed by the recorder.
func AttachRecorder(hooks *optimizers.Hooks, writer chan<- Point) *Recorder {
	r := &Recorder{writer: writer}
	hooks.OnStart(RecorderName, 0, r.record)
	hooks.OnIteration(RecorderName, 0, r.record)
	return r
}

func (r *Recorder) record(p *optimizers.Progress) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, pt := range []Point{
		{Optimizer: p.Optimizer, Series: SeriesValue, Iteration: p.Iteration, Value: p.Value},
		{Optimizer: p.Optimizer, Series: SeriesGradientNorm, Iteration: p.Iteration, Value: p.GradientNorm},
	} {
		r.points = append(r.points, pt)
		if r.writer != nil {
			r.writer <- pt
		}
	}
	return nil
}

// Points returns a copy of the points recorded so far.
func (r *Recorder) Points() []Point {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Point(nil), r.points...)
}
