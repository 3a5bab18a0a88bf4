package relation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatrix_SetAndAt(t *testing.T) {
	m := NewMatrix(4, 4)
	require.NoError(t, m.Set(0, 1, 1.1))
	require.NoError(t, m.Set(2, 3, 0.1))
	require.NoError(t, m.Set(3, 0, 0.5))

	assert.Equal(t, float32(1.1), m.At(0, 1))
	assert.Equal(t, float32(0.1), m.At(2, 3))
	assert.Equal(t, float32(0.5), m.At(3, 0))
	assert.Equal(t, float32(0), m.At(1, 0))
	assert.Equal(t, float32(0), m.At(3, 3))
	assert.Equal(t, 3, m.NNZ())
	assert.Equal(t, 4, m.Rows())
	assert.Equal(t, 4, m.Cols())
}

func TestMatrix_LastWriteWins(t *testing.T) {
	m := NewMatrix(2, 2)
	require.NoError(t, m.Set(1, 1, 0.1))
	require.NoError(t, m.Set(1, 1, 1.1))

	assert.Equal(t, float32(1.1), m.At(1, 1))
	assert.Equal(t, 1, m.NNZ())

	// Writable again after a finalize.
	require.NoError(t, m.Set(1, 1, 0.25))
	assert.Equal(t, float32(0.25), m.At(1, 1))
	assert.Equal(t, 1, m.NNZ())
}

func TestMatrix_SetOutOfRange(t *testing.T) {
	m := NewMatrix(3, 3)

	err := m.Set(3, 0, 1)
	require.Error(t, err)
	var oor *ErrIndexOutOfRange
	require.True(t, errors.As(err, &oor))
	assert.Equal(t, 3, oor.Index)
	assert.Equal(t, 3, oor.Size)

	assert.Error(t, m.Set(-1, 0, 1))
	assert.Error(t, m.Set(0, 3, 1))
}

func TestMatrix_Reindex(t *testing.T) {
	m := NewMatrix(4, 4)
	require.NoError(t, m.Set(0, 1, 1.1))
	require.NoError(t, m.Set(1, 2, 1.1))
	require.NoError(t, m.Set(0, 3, 0.1))

	perm := []int{2, 0, 3, 1}
	r, err := m.Reindex(perm)
	require.NoError(t, err)

	for a := 0; a < 4; a++ {
		for b := 0; b < 4; b++ {
			assert.Equal(t, m.At(perm[a], perm[b]), r.At(a, b), "at (%d,%d)", a, b)
		}
	}
	assert.Equal(t, m.NNZ(), r.NNZ())
}

func TestMatrix_ReindexErrors(t *testing.T) {
	m := NewMatrix(3, 3)

	_, err := m.Reindex([]int{0, 1})
	assert.Error(t, err)

	_, err = m.Reindex([]int{0, 1, 1})
	assert.Error(t, err)

	_, err = m.Reindex([]int{0, 1, 3})
	var oor *ErrIndexOutOfRange
	require.True(t, errors.As(err, &oor))
	assert.Equal(t, 3, oor.Index)

	rect := NewMatrix(2, 3)
	_, err = rect.Reindex([]int{0, 1})
	assert.Error(t, err)
}

func TestMatrix_DenseBlock(t *testing.T) {
	m := NewMatrix(5, 5)
	require.NoError(t, m.Set(1, 2, 1.1))
	require.NoError(t, m.Set(2, 1, 1.1))
	require.NoError(t, m.Set(3, 3, 0.1))
	require.NoError(t, m.Set(0, 4, 0.9)) // outside the block

	block, err := m.DenseBlock(1, 4)
	require.NoError(t, err)
	require.Len(t, block, 3)

	want := [][]float32{
		{0, 1.1, 0},
		{1.1, 0, 0},
		{0, 0, 0.1},
	}
	assert.Equal(t, want, block)
}

func TestMatrix_DenseBlockErrors(t *testing.T) {
	m := NewMatrix(3, 3)

	_, err := m.DenseBlock(-1, 2)
	assert.Error(t, err)
	_, err = m.DenseBlock(2, 1)
	assert.Error(t, err)
	_, err = m.DenseBlock(0, 4)
	assert.Error(t, err)

	// Empty block is fine.
	block, err := m.DenseBlock(1, 1)
	require.NoError(t, err)
	assert.Empty(t, block)
}

func TestMatrix_All(t *testing.T) {
	m := NewMatrix(3, 3)
	require.NoError(t, m.Set(2, 0, 3))
	require.NoError(t, m.Set(0, 1, 1))
	require.NoError(t, m.Set(1, 2, 2))

	var pairs []Pair
	var vals []float32
	for p, v := range m.All() {
		pairs = append(pairs, p)
		vals = append(vals, v)
	}

	// Row-major order.
	assert.Equal(t, []Pair{{I: 0, J: 1}, {I: 1, J: 2}, {I: 2, J: 0}}, pairs)
	assert.Equal(t, []float32{1, 2, 3}, vals)
}
