// Package testutil provides testing utilities for cytovae.
//
// This package is intended for use in tests and benchmarks only.
// It provides seeded generators for synthetic patch stacks, segmentation
// masks and trajectory relation graphs, plus exact reference metrics.
//
// # Synthetic Patches
//
//	rng := testutil.NewRNG(seed)
//	noise := rng.UniformStack(16, 2, 64, 64)
//	cells, masks := rng.CellStackWithMasks(16, 2, 64, 64)
//
// # Trajectory Relations
//
//	graph, trajectories := rng.TrajectoryGraph(cells.Len(), 4)
//	reordered, matrix, perm, err := relation.ReorderStack(cells, graph, seed)
//
// # Reference Metrics
//
//	mse := testutil.MSE(reconstructed, cells)
package testutil
