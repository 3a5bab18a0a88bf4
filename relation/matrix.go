package relation

import (
	"fmt"
	"iter"
	"sort"
)

// Matrix is a sparse float32 matrix in coordinate (COO) form.
//
// Entries are kept as row/col/value triplets, sorted row-major on first read.
// Writing the same coordinate twice keeps the last value. The zero entries are
// implicit: At returns 0 for any coordinate without a triplet.
type Matrix struct {
	rows, cols int
	row        []int32
	col        []int32
	val        []float32
	dirty      bool
}

// NewMatrix creates an empty rows x cols matrix.
func NewMatrix(rows, cols int) *Matrix {
	return &Matrix{rows: rows, cols: cols}
}

// Rows returns the number of rows.
func (m *Matrix) Rows() int { return m.rows }

// Cols returns the number of columns.
func (m *Matrix) Cols() int { return m.cols }

// Set writes v at (i, j).
func (m *Matrix) Set(i, j int, v float32) error {
	if i < 0 || i >= m.rows {
		return &ErrIndexOutOfRange{Index: i, Size: m.rows}
	}
	if j < 0 || j >= m.cols {
		return &ErrIndexOutOfRange{Index: j, Size: m.cols}
	}
	m.row = append(m.row, int32(i))
	m.col = append(m.col, int32(j))
	m.val = append(m.val, v)
	m.dirty = true
	return nil
}

// At returns the value at (i, j), or 0 for coordinates without an entry.
// Out-of-range coordinates also read as 0.
func (m *Matrix) At(i, j int) float32 {
	m.finalize()
	k := m.lowerBound(i, j)
	if k < len(m.val) && m.row[k] == int32(i) && m.col[k] == int32(j) {
		return m.val[k]
	}
	return 0
}

// NNZ returns the number of stored entries.
func (m *Matrix) NNZ() int {
	m.finalize()
	return len(m.val)
}

// All iterates the stored entries in row-major order.
func (m *Matrix) All() iter.Seq2[Pair, float32] {
	m.finalize()
	return func(yield func(Pair, float32) bool) {
		for k := range m.val {
			if !yield(Pair{I: int(m.row[k]), J: int(m.col[k])}, m.val[k]) {
				return
			}
		}
	}
}

// Reindex gathers rows and columns by perm: the result r satisfies
// r.At(a, b) == m.At(perm[a], perm[b]).
//
// The matrix must be square and perm must be a permutation of [0, Rows).
func (m *Matrix) Reindex(perm []int) (*Matrix, error) {
	if m.rows != m.cols {
		return nil, fmt.Errorf("relation: reindex needs a square matrix, have %dx%d", m.rows, m.cols)
	}
	if len(perm) != m.rows {
		return nil, fmt.Errorf("relation: perm length %d does not match matrix size %d", len(perm), m.rows)
	}
	// inv[old] = new; doubles as the permutation check.
	inv := make([]int, m.rows)
	for i := range inv {
		inv[i] = -1
	}
	for newPos, old := range perm {
		if old < 0 || old >= m.rows {
			return nil, &ErrIndexOutOfRange{Index: old, Size: m.rows}
		}
		if inv[old] != -1 {
			return nil, fmt.Errorf("relation: perm repeats index %d", old)
		}
		inv[old] = newPos
	}

	m.finalize()
	out := NewMatrix(m.rows, m.cols)
	out.row = make([]int32, len(m.row))
	out.col = make([]int32, len(m.col))
	out.val = make([]float32, len(m.val))
	for k := range m.val {
		out.row[k] = int32(inv[m.row[k]])
		out.col[k] = int32(inv[m.col[k]])
		out.val[k] = m.val[k]
	}
	out.dirty = true
	return out, nil
}

// DenseBlock materializes the square sub-matrix of rows and columns
// [lo, hi) as a dense [hi-lo][hi-lo] slice. Used to cut the minibatch
// weight block handed to the time-matching loss.
func (m *Matrix) DenseBlock(lo, hi int) ([][]float32, error) {
	if lo < 0 || hi < lo || hi > m.rows || hi > m.cols {
		return nil, fmt.Errorf("relation: block [%d,%d) out of range for %dx%d matrix", lo, hi, m.rows, m.cols)
	}
	m.finalize()

	n := hi - lo
	out := make([][]float32, n)
	flat := make([]float32, n*n)
	for i := range out {
		out[i] = flat[i*n : (i+1)*n]
	}

	for k := m.lowerBound(lo, 0); k < len(m.val) && m.row[k] < int32(hi); k++ {
		c := int(m.col[k])
		if c >= lo && c < hi {
			out[int(m.row[k])-lo][c-lo] = m.val[k]
		}
	}
	return out, nil
}

// lowerBound returns the first triplet position with (row, col) >= (i, j).
// The matrix must be finalized.
func (m *Matrix) lowerBound(i, j int) int {
	return sort.Search(len(m.val), func(k int) bool {
		if m.row[k] != int32(i) {
			return m.row[k] > int32(i)
		}
		return m.col[k] >= int32(j)
	})
}

// finalize sorts triplets row-major and compacts duplicate coordinates,
// keeping the last written value.
func (m *Matrix) finalize() {
	if !m.dirty {
		return
	}
	sort.Stable(cooSorter{m})

	w := 0
	for k := 0; k < len(m.val); k++ {
		// Within a run of equal coordinates the stable sort preserves
		// insertion order, so the run's last element is the latest Set.
		if k+1 < len(m.val) && m.row[k] == m.row[k+1] && m.col[k] == m.col[k+1] {
			continue
		}
		m.row[w] = m.row[k]
		m.col[w] = m.col[k]
		m.val[w] = m.val[k]
		w++
	}
	m.row = m.row[:w]
	m.col = m.col[:w]
	m.val = m.val[:w]
	m.dirty = false
}

type cooSorter struct{ m *Matrix }

func (s cooSorter) Len() int { return len(s.m.val) }

func (s cooSorter) Less(a, b int) bool {
	if s.m.row[a] != s.m.row[b] {
		return s.m.row[a] < s.m.row[b]
	}
	return s.m.col[a] < s.m.col[b]
}

func (s cooSorter) Swap(a, b int) {
	s.m.row[a], s.m.row[b] = s.m.row[b], s.m.row[a]
	s.m.col[a], s.m.col[b] = s.m.col[b], s.m.col[a]
	s.m.val[a], s.m.val[b] = s.m.val[b], s.m.val[a]
}
