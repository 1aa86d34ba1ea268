// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package factorgraph

import "github.com/pkg/errors"

// Configuration errors: they indicate a wiring bug and are never recovered from internally.
var (
	// ErrUnsupportedOperation is returned when writing to a read-only (compound) node.
	ErrUnsupportedOperation = errors.New("unsupported operation")

	// ErrRowMismatch is returned when the children of a compound node don't share the same number of rows.
	ErrRowMismatch = errors.New("children row count mismatch")

	// ErrGradientShape is returned when a gradient buffer doesn't match the shape of the values it describes.
	ErrGradientShape = errors.New("gradient shape mismatch")

	// ErrInvalidMask is returned for optimizing masks with out-of-range or repeated indices.
	ErrInvalidMask = errors.New("invalid optimizing mask")

	// ErrParametersSize is returned when a parameters vector doesn't match the optimizing size.
	ErrParametersSize = errors.New("parameters vector size mismatch")

	// ErrInvalidSegments is returned for segments that don't start at 0 or are not strictly increasing.
	ErrInvalidSegments = errors.New("invalid segments")

	// ErrConnectorAlreadyBound is returned when re-binding a DataConnector to a different DataNode.
	ErrConnectorAlreadyBound = errors.New("connector already bound to a different data node")

	// ErrConnectorNotBound is returned when using a DataConnector that was never bound to a DataNode.
	ErrConnectorNotBound = errors.New("connector not bound to a data node")

	// ErrUnknownNode is returned when a factor references a data node not registered in the graph.
	ErrUnknownNode = errors.New("data node not registered in graph")

	// ErrInvalidStyleIndex is returned for style indices outside the range of the style matrix rows.
	ErrInvalidStyleIndex = errors.New("style index out of range")
)
