package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/cytovae/relation"
)

func TestUniformStack(t *testing.T) {
	rng := NewRNG(4711)

	s := rng.UniformStack(8, 2, 16, 16)

	assert.Equal(t, 8, s.Len())
	assert.Equal(t, []int{8, 2, 16, 16}, s.Shape())

	lo, hi := s.Data()[0], s.Data()[0]
	for _, v := range s.Data() {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	assert.GreaterOrEqual(t, lo, float32(0.0))
	assert.Less(t, hi, float32(1.0))
}

func TestCellStack(t *testing.T) {
	rng := NewRNG(4711)

	s := rng.CellStack(4, 2, 32, 32)

	assert.Equal(t, []int{4, 2, 32, 32}, s.Shape())

	// Every patch has a bright blob peak over a dim background.
	for i := range s.Len() {
		p := s.Patch(i)
		var peak, sum float32
		for _, v := range p {
			if v > peak {
				peak = v
			}
			sum += v
		}
		assert.Greater(t, peak, float32(0.45), "patch %d", i)
		assert.Less(t, sum/float32(len(p)), float32(0.35), "patch %d", i)
	}
}

func TestCellStackWithMasks(t *testing.T) {
	rng := NewRNG(4711)

	cells, masks := rng.CellStackWithMasks(4, 1, 32, 32)

	require.Equal(t, []int{4, 1, 32, 32}, cells.Shape())
	require.Equal(t, []int{4, 1, 32, 32}, masks.Shape())

	for i := range cells.Len() {
		p := cells.Patch(i)
		m := masks.Patch(i)

		// Masks are binary and cover the blob, so the mean intensity
		// inside the footprint beats the mean outside.
		var inSum, outSum float32
		var inN, outN int
		for j, v := range m {
			switch v {
			case 1:
				inSum += p[j]
				inN++
			case 0:
				outSum += p[j]
				outN++
			default:
				t.Fatalf("mask value %f is not binary", v)
			}
		}
		require.Positive(t, inN, "patch %d has an empty mask", i)
		require.Positive(t, outN, "patch %d has a full mask", i)
		assert.Greater(t, inSum/float32(inN), outSum/float32(outN), "patch %d", i)
	}
}

func TestTrajectoryGraph(t *testing.T) {
	rng := NewRNG(42)

	graph, trajectories := rng.TrajectoryGraph(12, 3)

	require.Len(t, trajectories, 3)
	seen := make(map[int]bool)
	for _, frames := range trajectories {
		assert.Len(t, frames, 4)
		for _, f := range frames {
			seen[f] = true
		}
	}
	assert.Len(t, seen, 12)

	require.NoError(t, graph.Validate(12))

	// Each trajectory of k frames contributes k-1 adjacent pairs and
	// (k-1)(k-2)/2 same-trajectory pairs.
	var adjacent, same int
	for _, kind := range graph {
		switch kind {
		case relation.AdjacentFrame:
			adjacent++
		case relation.SameTrajectory:
			same++
		}
	}
	assert.Equal(t, 9, adjacent)
	assert.Equal(t, 9, same)
}

func TestTrajectoryGraph_ReorderContiguity(t *testing.T) {
	rng := NewRNG(42)

	const n = 20
	graph, trajectories := rng.TrajectoryGraph(n, 4)

	perm, _, err := relation.Reorder(n, graph, 1)
	require.NoError(t, err)

	newPos := make(map[int]int, n)
	for pos, orig := range perm {
		newPos[orig] = pos
	}

	// Reordering packs each trajectory into one contiguous block.
	for ti, frames := range trajectories {
		lo, hi := n, -1
		for _, f := range frames {
			if newPos[f] < lo {
				lo = newPos[f]
			}
			if newPos[f] > hi {
				hi = newPos[f]
			}
		}
		assert.Equal(t, len(frames)-1, hi-lo, "trajectory %d not contiguous", ti)
	}
}

func TestMSE(t *testing.T) {
	rng := NewRNG(7)

	a := rng.UniformStack(2, 1, 8, 8)

	assert.Zero(t, MSE(a, a))

	// A constant offset of 0.5 gives an exact MSE of 0.25.
	b := a.Affine(1, 0.5)
	assert.InDelta(t, 0.25, MSE(a, b), 1e-6)
}

func TestReset(t *testing.T) {
	rng := NewRNG(4711)
	s1 := rng.UniformStack(1, 1, 4, 4)

	rng.Reset()
	s2 := rng.UniformStack(1, 1, 4, 4)

	assert.Equal(t, s1.Data(), s2.Data())
}
