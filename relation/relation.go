// Package relation models pairwise relationships between patches of a
// time-lapse microscopy dataset and reorders patch stacks so that frames of
// the same cell trajectory become contiguous.
//
// A Graph maps ordered index pairs to relation kinds (same trajectory,
// adjacent frame). Reordering walks the adjacent-frame edges with a BFS,
// emitting each reachable component as one contiguous block, and rebuilds the
// sparse pairwise weight Matrix consumed by the time-matching loss.
package relation

import (
	"fmt"
	"slices"
)

// Kind labels the relationship between two patches.
type Kind uint8

const (
	// SameTrajectory marks two patches belonging to the same cell trajectory.
	SameTrajectory Kind = 1
	// AdjacentFrame marks two patches adjacent in time within a trajectory.
	AdjacentFrame Kind = 2
)

// Weight returns the relation-matrix weight for this kind.
// Unknown kinds weigh zero and produce no matrix entry.
func (k Kind) Weight() float32 {
	switch k {
	case SameTrajectory:
		return 0.1
	case AdjacentFrame:
		return 1.1
	default:
		return 0
	}
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case SameTrajectory:
		return "same_trajectory"
	case AdjacentFrame:
		return "adjacent_frame"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Pair identifies an ordered patch index pair.
type Pair struct {
	I, J int
}

// Graph is a pairwise relation map over patch indices.
// Relations are stored in one direction; store both directions explicitly if
// symmetric traversal is wanted.
type Graph map[Pair]Kind

// Add records the relation (i, j) -> kind, replacing any previous kind.
func (g Graph) Add(i, j int, kind Kind) {
	g[Pair{I: i, J: j}] = kind
}

// Merge copies all relations of other into g with both indices shifted by
// offset. Used when concatenating per-well datasets into one stack.
func (g Graph) Merge(other Graph, offset int) {
	for p, kind := range other {
		g[Pair{I: p.I + offset, J: p.J + offset}] = kind
	}
}

// Validate checks that every referenced index lies in [0, n).
// The smallest offending index is reported.
func (g Graph) Validate(n int) error {
	bad := -1
	for p := range g {
		for _, idx := range [2]int{p.I, p.J} {
			if idx < 0 || idx >= n {
				if bad == -1 || idx < bad {
					bad = idx
				}
			}
		}
	}
	if bad != -1 {
		return &ErrIndexOutOfRange{Index: bad, Size: n}
	}
	return nil
}

// sortedPairs returns the graph's keys in (I, J) order so that adjacency
// construction and matrix building are deterministic.
func sortedPairs(g Graph) []Pair {
	pairs := make([]Pair, 0, len(g))
	for p := range g {
		pairs = append(pairs, p)
	}
	slices.SortFunc(pairs, func(a, b Pair) int {
		if a.I != b.I {
			return a.I - b.I
		}
		return a.J - b.J
	})
	return pairs
}

// ErrIndexOutOfRange indicates a relation referencing a patch index outside
// the stack it describes.
type ErrIndexOutOfRange struct {
	Index int
	Size  int
}

func (e *ErrIndexOutOfRange) Error() string {
	return fmt.Sprintf("relation index %d out of range [0,%d)", e.Index, e.Size)
}
