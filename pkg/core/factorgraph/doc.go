// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package factorgraph holds the parameters of a latent variable model and propagates gradients
// between them and the factors (kernels, likelihoods, dynamics terms) that consume them.
//
// The graph is bipartite: DataNode values flow forward to FactorNode inputs through DataConnector
// objects, and the gradients set by the factors on their connectors flow back and are summed into the
// data nodes. Compound nodes present several nodes as one horizontally concatenated matrix; a factor
// may consume the compound while others consume its children, and the gradient of each child is the
// sum of its share of the compound's gradient and its own factors'.
//
// Every data node has an optimizing mask: the column-major flat indices (col*rows + row) of the
// entries that are free parameters. The Graph gathers the free entries of every node into one flat
// vector, and its Objective adapts it to the optimizers in package optimizers.
//
// A typical use:
//
//	latent := factorgraph.NewMatrixDataNode("X", x0)
//	prior := must.M1(factors.NewGaussianPrior("prior", 1.0))
//	must.M(prior.Connect("X", latent))
//	g := factorgraph.New("model")
//	must.M(g.AddDataNode(latent))
//	must.M(g.AddFactorNode(prior))
//	result, err := new(optimizers.LBFGS).Optimize(g.Objective(), 100, false)
//
// Nothing here is safe for concurrent use, except that the graph may run factors in parallel, see
// Graph.SetMaxParallelism.
package factorgraph
