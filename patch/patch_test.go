package patch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seqStack builds a stack whose flat backing is 0, 1, 2, ... so tests can
// assert exact positions.
func seqStack(t *testing.T, n, c, h, w int) *Stack {
	t.Helper()
	data := make([]float32, n*c*h*w)
	for i := range data {
		data[i] = float32(i)
	}
	s, err := NewStack(data, n, c, h, w)
	require.NoError(t, err)
	return s
}

func TestNewStack(t *testing.T) {
	s := seqStack(t, 3, 2, 4, 4)
	assert.Equal(t, 3, s.Len())
	assert.Equal(t, 2, s.Channels())
	assert.Equal(t, 4, s.Height())
	assert.Equal(t, 4, s.Width())
	assert.Equal(t, []int{3, 2, 4, 4}, s.Shape())

	_, err := NewStack(make([]float32, 7), 1, 2, 2, 2)
	require.Error(t, err)

	_, err = NewStack(nil, 0, 0, 4, 4)
	require.Error(t, err)
}

func TestStack_Patch(t *testing.T) {
	s := seqStack(t, 2, 1, 2, 2)
	assert.Equal(t, []float32{0, 1, 2, 3}, s.Patch(0))
	assert.Equal(t, []float32{4, 5, 6, 7}, s.Patch(1))

	// Views alias the backing slice.
	s.Patch(1)[0] = 99
	assert.Equal(t, float32(99), s.Data()[4])
}

func TestStack_Append(t *testing.T) {
	s, err := NewEmptyStack(1, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Len())

	require.NoError(t, s.Append([]float32{1, 2, 3, 4}, ""))
	require.NoError(t, s.Append([]float32{5, 6, 7, 8}, "well-A1/t3/cell7"))
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, "", s.Key(0))
	assert.Equal(t, "well-A1/t3/cell7", s.Key(1))

	require.Error(t, s.Append([]float32{1, 2}, ""))
}

func TestStack_SetKeys(t *testing.T) {
	s := seqStack(t, 2, 1, 2, 2)
	require.Error(t, s.SetKeys([]string{"only-one"}))
	require.NoError(t, s.SetKeys([]string{"a", "b"}))
	assert.Equal(t, "b", s.Key(1))
	require.NoError(t, s.SetKeys(nil))
	assert.Equal(t, "", s.Key(1))
}

func TestStack_Slice(t *testing.T) {
	s := seqStack(t, 4, 1, 2, 2)
	require.NoError(t, s.SetKeys([]string{"a", "b", "c", "d"}))

	sub, err := s.Slice(1, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, sub.Len())
	assert.Equal(t, []float32{4, 5, 6, 7}, sub.Patch(0))
	assert.Equal(t, []string{"b", "c"}, sub.Keys())

	// Slices share the backing data.
	sub.Patch(0)[0] = -1
	assert.Equal(t, float32(-1), s.Patch(1)[0])

	_, err = s.Slice(2, 1)
	require.Error(t, err)
	_, err = s.Slice(0, 5)
	require.Error(t, err)

	empty, err := s.Slice(2, 2)
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Len())
}

func TestStack_Gather(t *testing.T) {
	s := seqStack(t, 3, 1, 2, 2)
	require.NoError(t, s.SetKeys([]string{"a", "b", "c"}))

	g := s.Gather([]int{2, 0, 1})
	assert.Equal(t, []float32{8, 9, 10, 11}, g.Patch(0))
	assert.Equal(t, []float32{0, 1, 2, 3}, g.Patch(1))
	assert.Equal(t, []string{"c", "a", "b"}, g.Keys())

	// Gather copies, the source stays untouched.
	g.Patch(0)[0] = -1
	assert.Equal(t, float32(8), s.Patch(2)[0])
}

func TestStack_ChannelSlice(t *testing.T) {
	s := seqStack(t, 2, 2, 2, 1)
	ch, err := s.ChannelSlice(1)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1, 2, 1}, ch.Shape())
	assert.Equal(t, []float32{2, 3}, ch.Patch(0))
	assert.Equal(t, []float32{6, 7}, ch.Patch(1))

	_, err = s.ChannelSlice(2)
	require.Error(t, err)
	_, err = s.ChannelSlice(-1)
	require.Error(t, err)
}

func TestStack_Affine(t *testing.T) {
	mask, err := NewStack([]float32{-1, -1, 1, 1}, 1, 1, 2, 2)
	require.NoError(t, err)

	weights := mask.Affine(0.5, 0.5)
	assert.Equal(t, []float32{0, 0, 1, 1}, weights.Data())
	// The source keeps the [-1, 1] convention.
	assert.Equal(t, []float32{-1, -1, 1, 1}, mask.Data())
}

func TestStack_Clamp(t *testing.T) {
	s, err := NewStack([]float32{-0.5, 0.25, 1.5, 1}, 1, 1, 2, 2)
	require.NoError(t, err)
	out := s.Clamp(0, 1)
	assert.Same(t, s, out)
	assert.Equal(t, []float32{0, 0.25, 1, 1}, s.Data())
}

func TestStack_Clone(t *testing.T) {
	s := seqStack(t, 2, 1, 2, 2)
	require.NoError(t, s.SetKeys([]string{"a", "b"}))

	c := s.Clone()
	c.Patch(0)[0] = -1
	c.Keys()[0] = "x"
	assert.Equal(t, float32(0), s.Patch(0)[0])
	assert.Equal(t, "a", s.Key(0))
}

func TestArray_Stack(t *testing.T) {
	a := NewArray(2, 1, 2, 2)
	for i := range a.Data {
		a.Data[i] = float32(i)
	}
	s, err := a.Stack()
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1, 2, 2}, s.Shape())

	// Conversions share the backing slice.
	s.Patch(0)[0] = 42
	assert.Equal(t, float32(42), a.Data[0])
	assert.Equal(t, a.Data, s.Array().Data)

	_, err = (&Array{Shape: []int{2, 2}, Data: make([]float32, 4)}).Stack()
	require.Error(t, err)

	bad := &Array{Shape: []int{2, 1, 2, 2}, Data: make([]float32, 3)}
	_, err = bad.Stack()
	require.Error(t, err)
}
