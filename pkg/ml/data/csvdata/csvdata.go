// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package csvdata loads trials of observations from CSV files.
//
// Each file holds one trial: a header with the feature names, then one row per frame with one numeric
// column per feature.
package csvdata

import (
	"io"
	"math"
	"os"
	"slices"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/nitin-ppnp/GPLVM-sub002/pkg/core/factorgraph"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"
)

var (
	// ErrInvalidValue is returned for missing or non-numeric entries.
	ErrInvalidValue = errors.New("missing or non-numeric value")

	// ErrFeaturesMismatch is returned when trials don't have the same features.
	ErrFeaturesMismatch = errors.New("trials have different features")
)

// Trial is one trial of observations: Values has one row per frame and one column per feature.
type Trial struct {
	Features []string
	Values   *mat.Dense
}

// ReadTrial reads a trial from r.
func ReadTrial(r io.Reader) (*Trial, error) {
	df := dataframe.ReadCSV(r, dataframe.HasHeader(true), dataframe.DetectTypes(false),
		dataframe.DefaultType(series.Float))
	if df.Err != nil {
		return nil, errors.Wrap(df.Err, "reading CSV")
	}
	rows, cols := df.Nrow(), df.Ncol()
	if rows == 0 || cols == 0 {
		return nil, errors.Errorf("empty trial: %d rows and %d columns", rows, cols)
	}
	trial := &Trial{Features: df.Names(), Values: mat.NewDense(rows, cols, nil)}
	for col, name := range trial.Features {
		for row, v := range df.Col(name).Float() {
			if math.IsNaN(v) {
				return nil, errors.Wrapf(ErrInvalidValue, "column %q, row %d", name, row+1)
			}
			trial.Values.Set(row, col, v)
		}
	}
	return trial, nil
}

// WriteTrial writes values as a CSV with a header of feature names.
func WriteTrial(w io.Writer, features []string, values mat.Matrix) error {
	_, cols := values.Dims()
	if len(features) != cols {
		return errors.Wrapf(ErrFeaturesMismatch, "%d feature names for %d columns", len(features), cols)
	}
	df := dataframe.LoadMatrix(values)
	if err := df.SetNames(features...); err != nil {
		return errors.Wrap(err, "naming columns")
	}
	return errors.Wrap(df.WriteCSV(w), "writing CSV")
}

// LoadTrial reads the trial in the file at path.
func LoadTrial(path string) (*Trial, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening trial")
	}
	defer func() { _ = f.Close() }()
	trial, err := ReadTrial(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "loading trial %q", path)
	}
	return trial, nil
}

// LoadTrials appends the trials in the given files to node, one segment per file, and returns the
// feature names. Every file must have the same features, in the same order.
func LoadTrials(node *factorgraph.DataNodeWithSegments, paths ...string) (features []string, err error) {
	for _, path := range paths {
		trial, err := LoadTrial(path)
		if err != nil {
			return nil, err
		}
		if features == nil {
			features = trial.Features
		} else if !slices.Equal(features, trial.Features) {
			return nil, errors.Wrapf(ErrFeaturesMismatch, "%q has features %v, wanted %v", path, trial.Features, features)
		}
		if err := node.AddData(trial.Values); err != nil {
			return nil, errors.WithMessagef(err, "adding trial %q", path)
		}
		rows, _ := trial.Values.Dims()
		klog.V(1).Infof("loaded trial %q: %d frames, %d features", path, rows, len(features))
	}
	return features, nil
}
