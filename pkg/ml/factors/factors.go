// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package factors implements simple factor nodes for factorgraph.Graph: a Gaussian prior, a Gaussian
// observation model and a temporal smoothness prior over trials.
//
// Their FunctionValue are log-likelihoods, and they set on their connectors the gradient of the
// log-likelihood with respect to the connected values. factorgraph.Objective negates both for minimization.
package factors

import (
	"math"

	"github.com/nitin-ppnp/GPLVM-sub002/pkg/core/factorgraph"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrShapeMismatch is returned when connected nodes don't have compatible shapes.
	ErrShapeMismatch = errors.New("connected values have incompatible shapes")

	// ErrInvalidHyperparameter is returned for non-positive variances or negative weights.
	ErrInvalidHyperparameter = errors.New("invalid factor hyperparameter")

	// ErrUnknownKind is returned by Builder for factor kinds not in this package.
	ErrUnknownKind = errors.New("unknown factor kind")
)

// Factor kinds, as saved in snapshots.
const (
	KindGaussianPrior       = "gaussian_prior"
	KindGaussianObservation = "gaussian_observation"
	KindSmoothness          = "smoothness"
)

// Builder re-creates the factors of this package from their snapshot, for factorgraph.Restore.
func Builder(fs factorgraph.FactorSnapshot) (factorgraph.FactorNode, error) {
	switch fs.Kind {
	case KindGaussianPrior:
		return NewGaussianPrior(fs.Name, fs.Config["variance"])
	case KindGaussianObservation:
		return NewGaussianObservation(fs.Name, fs.Config["noise_variance"])
	case KindSmoothness:
		return NewSmoothness(fs.Name, fs.Config["weight"])
	}
	return nil, errors.Wrapf(ErrUnknownKind, "factor %q of kind %q", fs.Name, fs.Kind)
}

var log2Pi = math.Log(2 * math.Pi)

// GaussianPrior is an isotropic zero-mean Gaussian prior over every value of the connector "X":
//
//	log p(X) = -‖X‖²/(2·variance) - n/2·log(2π·variance)
type GaussianPrior struct {
	factorgraph.FactorBase
	variance float64
}

var _ factorgraph.FactorNode = (*GaussianPrior)(nil)

// NewGaussianPrior creates the prior. Bind its connector "X" with Connect.
func NewGaussianPrior(name string, variance float64) (*GaussianPrior, error) {
	if !(variance > 0) {
		return nil, errors.Wrapf(ErrInvalidHyperparameter, "factor %q: variance %g", name, variance)
	}
	return &GaussianPrior{FactorBase: factorgraph.NewFactorBase(name, "X"), variance: variance}, nil
}

// FactorKind implements factorgraph.FactorKinder.
func (f *GaussianPrior) FactorKind() string { return KindGaussianPrior }

// FactorConfig implements factorgraph.FactorConfigurer.
func (f *GaussianPrior) FactorConfig() map[string]float64 {
	return map[string]float64{"variance": f.variance}
}

// ComputeAllGradients implements factorgraph.FactorNode.
func (f *GaussianPrior) ComputeAllGradients() error {
	conn := f.Connector("X")
	x := conn.Values()
	if isEmpty(x) {
		conn.SetGradient(nil)
		return nil
	}
	var grad mat.Dense
	grad.Scale(-1/f.variance, x)
	conn.SetGradient(&grad)
	return nil
}

// FunctionValue implements factorgraph.FactorNode.
func (f *GaussianPrior) FunctionValue() float64 {
	x := f.Connector("X").Values()
	if isEmpty(x) {
		return 0
	}
	rows, cols := x.Dims()
	norm := mat.Norm(x, 2)
	return -norm*norm/(2*f.variance) - float64(rows*cols)/2*(log2Pi+math.Log(f.variance))
}

// GaussianObservation ties the connector "X" to the observations in the connector "Y", with isotropic
// Gaussian noise:
//
//	log p(Y|X) = -‖Y - X‖²/(2·noiseVariance) - n/2·log(2π·noiseVariance)
//
// Both connectors must have the same shape. Gradients are set on both, so Y may be optimized as well.
type GaussianObservation struct {
	factorgraph.FactorBase
	noiseVariance float64
}

var _ factorgraph.FactorNode = (*GaussianObservation)(nil)

// NewGaussianObservation creates the factor. Bind its connectors "X" and "Y" with Connect.
func NewGaussianObservation(name string, noiseVariance float64) (*GaussianObservation, error) {
	if !(noiseVariance > 0) {
		return nil, errors.Wrapf(ErrInvalidHyperparameter, "factor %q: noise variance %g", name, noiseVariance)
	}
	return &GaussianObservation{
		FactorBase:    factorgraph.NewFactorBase(name, "X", "Y"),
		noiseVariance: noiseVariance,
	}, nil
}

// FactorKind implements factorgraph.FactorKinder.
func (f *GaussianObservation) FactorKind() string { return KindGaussianObservation }

// FactorConfig implements factorgraph.FactorConfigurer.
func (f *GaussianObservation) FactorConfig() map[string]float64 {
	return map[string]float64{"noise_variance": f.noiseVariance}
}

// Initialize implements factorgraph.FactorNode, checking the connected shapes.
func (f *GaussianObservation) Initialize() error {
	if err := f.FactorBase.Initialize(); err != nil {
		return err
	}
	return f.checkShapes()
}

func (f *GaussianObservation) checkShapes() error {
	xRows, xCols := f.Connector("X").ValuesSize()
	yRows, yCols := f.Connector("Y").ValuesSize()
	if xRows != yRows || xCols != yCols {
		return errors.Wrapf(ErrShapeMismatch, "factor %q: X is %dx%d, Y is %dx%d", f.Name(), xRows, xCols, yRows, yCols)
	}
	return nil
}

// residual returns Y - X, or nil if both are empty.
func (f *GaussianObservation) residual() (*mat.Dense, error) {
	if err := f.checkShapes(); err != nil {
		return nil, err
	}
	x, y := f.Connector("X").Values(), f.Connector("Y").Values()
	if isEmpty(x) {
		return nil, nil
	}
	var r mat.Dense
	r.Sub(y, x)
	return &r, nil
}

// ComputeAllGradients implements factorgraph.FactorNode.
func (f *GaussianObservation) ComputeAllGradients() error {
	r, err := f.residual()
	if err != nil {
		return err
	}
	if r == nil {
		f.Connector("X").SetGradient(nil)
		f.Connector("Y").SetGradient(nil)
		return nil
	}
	var gradX, gradY mat.Dense
	gradX.Scale(1/f.noiseVariance, r)
	gradY.Scale(-1/f.noiseVariance, r)
	f.Connector("X").SetGradient(&gradX)
	f.Connector("Y").SetGradient(&gradY)
	return nil
}

// FunctionValue implements factorgraph.FactorNode. It returns -Inf if the shapes don't match.
func (f *GaussianObservation) FunctionValue() float64 {
	r, err := f.residual()
	if err != nil {
		return math.Inf(-1)
	}
	if r == nil {
		return 0
	}
	rows, cols := r.Dims()
	norm := mat.Norm(r, 2)
	return -norm*norm/(2*f.noiseVariance) - float64(rows*cols)/2*(log2Pi+math.Log(f.noiseVariance))
}

// Smoothness penalizes the differences between consecutive rows of the connector "X":
//
//	log p(X) = -weight/2 · Σₜ ‖X[t+1] - X[t]‖²
//
// If the connected node is factorgraph.Segmented, differences are only taken within each segment (trial).
type Smoothness struct {
	factorgraph.FactorBase
	weight float64
}

var _ factorgraph.FactorNode = (*Smoothness)(nil)

// NewSmoothness creates the factor. Bind its connector "X" with Connect.
func NewSmoothness(name string, weight float64) (*Smoothness, error) {
	if !(weight >= 0) {
		return nil, errors.Wrapf(ErrInvalidHyperparameter, "factor %q: weight %g", name, weight)
	}
	return &Smoothness{FactorBase: factorgraph.NewFactorBase(name, "X"), weight: weight}, nil
}

// FactorKind implements factorgraph.FactorKinder.
func (f *Smoothness) FactorKind() string { return KindSmoothness }

// FactorConfig implements factorgraph.FactorConfigurer.
func (f *Smoothness) FactorConfig() map[string]float64 {
	return map[string]float64{"weight": f.weight}
}

// bounds returns the [start, end) row ranges differences are taken within.
func (f *Smoothness) bounds(rows int) [][2]int {
	if seg, ok := f.Connector("X").DataNode().(factorgraph.Segmented); ok {
		if segments := seg.Segments(); len(segments) > 0 {
			return factorgraph.SegmentBounds(segments, rows)
		}
	}
	return [][2]int{{0, rows}}
}

// ComputeAllGradients implements factorgraph.FactorNode.
func (f *Smoothness) ComputeAllGradients() error {
	conn := f.Connector("X")
	x := conn.Values()
	if isEmpty(x) {
		conn.SetGradient(nil)
		return nil
	}
	rows, cols := x.Dims()
	grad := mat.NewDense(rows, cols, nil)
	for _, b := range f.bounds(rows) {
		for t := b[0]; t+1 < b[1]; t++ {
			for c := range cols {
				d := f.weight * (x.At(t+1, c) - x.At(t, c))
				grad.Set(t, c, grad.At(t, c)+d)
				grad.Set(t+1, c, grad.At(t+1, c)-d)
			}
		}
	}
	conn.SetGradient(grad)
	return nil
}

// FunctionValue implements factorgraph.FactorNode.
func (f *Smoothness) FunctionValue() float64 {
	x := f.Connector("X").Values()
	if isEmpty(x) {
		return 0
	}
	rows, cols := x.Dims()
	var sum float64
	for _, b := range f.bounds(rows) {
		for t := b[0]; t+1 < b[1]; t++ {
			for c := range cols {
				d := x.At(t+1, c) - x.At(t, c)
				sum += d * d
			}
		}
	}
	return -f.weight / 2 * sum
}

func isEmpty(m *mat.Dense) bool {
	rows, cols := m.Dims()
	return rows == 0 || cols == 0
}
