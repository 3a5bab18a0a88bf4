package patch

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeChannelStats(t *testing.T) {
	// Channel 0 holds 1..4, channel 1 is constant.
	s, err := NewStack([]float32{
		1, 2, 5, 5,
		3, 4, 5, 5,
	}, 2, 2, 2, 1)
	require.NoError(t, err)

	cs := ComputeChannelStats(s)
	require.Len(t, cs.Mean, 2)

	assert.InDelta(t, 2.5, cs.Mean[0], 1e-9)
	// Sample standard deviation: sqrt(5/3).
	assert.InDelta(t, math.Sqrt(5.0/3.0), cs.Std[0], 1e-9)
	assert.Equal(t, 1.0, cs.Min[0])
	assert.Equal(t, 4.0, cs.Max[0])

	assert.InDelta(t, 5, cs.Mean[1], 1e-9)
	assert.Equal(t, 0.0, cs.Std[1])
	assert.Equal(t, 5.0, cs.Min[1])
	assert.Equal(t, 5.0, cs.Max[1])

	v := cs.Variances()
	assert.InDelta(t, 5.0/3.0, v[0], 1e-9)
	assert.Equal(t, 0.0, v[1])
}

func TestComputeChannelStats_Empty(t *testing.T) {
	s, err := NewEmptyStack(2, 4, 4)
	require.NoError(t, err)
	cs := ComputeChannelStats(s)
	assert.Equal(t, []float64{0, 0}, cs.Mean)
	assert.Equal(t, []float64{0, 0}, cs.Std)
}

func TestNormalizeZScore(t *testing.T) {
	s, err := NewStack([]float32{0, 1}, 2, 1, 1, 1)
	require.NoError(t, err)

	out, err := NormalizeZScore(s, []float64{0.25}, []float64{0.1})
	require.NoError(t, err)

	// mean 0.5, sample std sqrt(0.5): z = -+1/sqrt(2), then *0.1 + 0.25.
	want := 0.1 / math.Sqrt2
	assert.InDelta(t, 0.25-want, float64(out.Data()[0]), 1e-6)
	assert.InDelta(t, 0.25+want, float64(out.Data()[1]), 1e-6)

	// The input stack is untouched.
	assert.Equal(t, []float32{0, 1}, s.Data())
}

func TestNormalizeZScore_Clamps(t *testing.T) {
	s, err := NewStack([]float32{0, 1}, 2, 1, 1, 1)
	require.NoError(t, err)

	out, err := NormalizeZScore(s, []float64{1}, []float64{2})
	require.NoError(t, err)
	assert.Equal(t, float32(0), out.Data()[0])
	assert.Equal(t, float32(1), out.Data()[1])
}

func TestNormalizeZScore_ConstantChannel(t *testing.T) {
	s, err := NewStack([]float32{0.7, 0.7, 0.7}, 3, 1, 1, 1)
	require.NoError(t, err)

	out, err := NormalizeZScore(s, []float64{0.4}, []float64{0.05})
	require.NoError(t, err)
	for _, v := range out.Data() {
		assert.InDelta(t, 0.4, float64(v), 1e-6)
	}
}

func TestNormalizeZScore_BadTargets(t *testing.T) {
	s := seqStack(t, 2, 2, 2, 2)
	_, err := NormalizeZScore(s, []float64{0.5}, []float64{0.1, 0.1})
	require.Error(t, err)
	_, err = NormalizeZScore(s, []float64{0.5, 0.5}, []float64{0.1})
	require.Error(t, err)
}

func TestNormalizeUnitRange(t *testing.T) {
	s, err := NewStack([]float32{
		100, 200,
		8, 16,
	}, 1, 2, 2, 1)
	require.NoError(t, err)

	out, err := NormalizeUnitRange(s, []float64{200, 16})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, float64(out.Data()[0]), 1e-6)
	assert.InDelta(t, 1.0, float64(out.Data()[1]), 1e-6)
	assert.InDelta(t, 0.5, float64(out.Data()[2]), 1e-6)
	assert.InDelta(t, 1.0, float64(out.Data()[3]), 1e-6)

	// Division only: values above the given maximum are not clamped.
	over, err := NormalizeUnitRange(s, []float64{50, 16})
	require.NoError(t, err)
	assert.InDelta(t, 2.0, float64(over.Data()[0]), 1e-6)
}

func TestNormalizeUnitRange_BadMax(t *testing.T) {
	s := seqStack(t, 1, 2, 2, 2)
	_, err := NormalizeUnitRange(s, []float64{255})
	require.Error(t, err)
	_, err = NormalizeUnitRange(s, []float64{255, 0})
	require.Error(t, err)
}
