package relation

import (
	"math/rand"

	"github.com/RoaringBitmap/roaring/v2"
)

// Stack is the subset of a patch container the reorderer needs: a length and
// a gather that returns the container with rows rearranged by perm.
type Stack[S any] interface {
	Len() int
	Gather(perm []int) S
}

// Reorder computes a permutation of [0, n) that makes trajectory frames
// contiguous, and the pairwise weight matrix aligned with that permutation.
//
// The adjacency list is restricted to AdjacentFrame relations and traversed
// undirected, so a trajectory forms one block no matter which of its members
// is drawn first. A pool of unvisited indices is drawn from at random
// (seeded); a drawn index with no incident adjacency is emitted as a
// singleton, otherwise its whole component is collected by BFS into one
// contiguous block. Indices already emitted by an earlier block are never
// emitted twice, so the result is a permutation for any input graph. Same
// seed and same graph yield the same permutation; block-internal order
// depends only on the adjacency.
//
// perm maps new position to original index. The matrix holds
// Kind.Weight() at the reordered coordinates: matrix.At(a, b) is the weight
// of the original pair (perm[a], perm[b]).
func Reorder(n int, graph Graph, seed int64) (perm []int, matrix *Matrix, err error) {
	if err := graph.Validate(n); err != nil {
		return nil, nil, err
	}

	pairs := sortedPairs(graph)

	// Neighbors in sorted pair order keeps BFS deterministic. Both
	// directions are added for traversal; the matrix below still holds
	// relations only in their stored direction.
	adj := make(map[int][]int)
	for _, p := range pairs {
		if graph[p] == AdjacentFrame {
			adj[p.I] = append(adj[p.I], p.J)
			if p.J != p.I {
				adj[p.J] = append(adj[p.J], p.I)
			}
		}
	}

	rng := rand.New(rand.NewSource(seed))
	visited := roaring.New()
	perm = make([]int, 0, n)

	pool := make([]int, n)
	pos := make([]int, n) // position of each index in pool, -1 once removed
	for i := range pool {
		pool[i] = i
		pos[i] = i
	}
	remove := func(idx int) {
		p := pos[idx]
		if p == -1 {
			return
		}
		last := pool[len(pool)-1]
		pool[p] = last
		pos[last] = p
		pool = pool[:len(pool)-1]
		pos[idx] = -1
	}

	var queue []int
	for len(pool) > 0 {
		start := pool[rng.Intn(len(pool))]
		if len(adj[start]) == 0 {
			visited.Add(uint32(start))
			perm = append(perm, start)
			remove(start)
			continue
		}

		visited.Add(uint32(start))
		block := append([]int(nil), start)
		queue = append(queue[:0], start)
		for len(queue) > 0 {
			elem := queue[0]
			queue = queue[1:]
			for _, e := range adj[elem] {
				if !visited.Contains(uint32(e)) {
					visited.Add(uint32(e))
					block = append(block, e)
					queue = append(queue, e)
				}
			}
		}
		perm = append(perm, block...)
		for _, e := range block {
			remove(e)
		}
	}

	original := NewMatrix(n, n)
	for _, p := range pairs {
		if w := graph[p].Weight(); w != 0 {
			if err := original.Set(p.I, p.J, w); err != nil {
				return nil, nil, err
			}
		}
	}
	matrix, err = original.Reindex(perm)
	if err != nil {
		return nil, nil, err
	}
	return perm, matrix, nil
}

// ReorderStack reorders s with Reorder's permutation and returns the
// rearranged container, the aligned weight matrix, and the permutation
// (new position -> original index) so callers can recover identities.
func ReorderStack[S Stack[S]](s S, graph Graph, seed int64) (reordered S, matrix *Matrix, perm []int, err error) {
	perm, matrix, err = Reorder(s.Len(), graph, seed)
	if err != nil {
		var zero S
		return zero, nil, nil, err
	}
	return s.Gather(perm), matrix, perm, nil
}
