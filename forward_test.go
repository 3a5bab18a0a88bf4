package cytovae_test

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/cytovae"
	"github.com/hupe1980/cytovae/patch"
	"github.com/hupe1980/cytovae/relation"
	"github.com/hupe1980/cytovae/testutil"
)

// smallVQVAE builds a narrow quantized model for forward-pass tests.
func smallVQVAE(t *testing.T) *cytovae.Model {
	t.Helper()
	m, err := cytovae.VQVAE(1, 8).
		NumHiddens(8).
		NumResidualHiddens(4).
		NumResidualLayers(1).
		NumEmbeddings(16).
		Build(cytovae.WithBackend("go"), cytovae.WithSeed(21))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func onesMask(t *testing.T, n int) *patch.Stack {
	t.Helper()
	data := make([]float32, n*8*8)
	for i := range data {
		data[i] = 1
	}
	masks, err := patch.NewStack(data, n, 1, 8, 8)
	require.NoError(t, err)
	return masks
}

func TestForward_LossBreakdown(t *testing.T) {
	m := smallVQVAE(t)

	res, err := m.Forward(context.Background(), testStack(t, 4), nil, nil)
	require.NoError(t, err)

	assert.Greater(t, res.ReconLoss, 0.0)
	assert.GreaterOrEqual(t, res.BottleneckLoss, 0.0)
	assert.Zero(t, res.TimeMatchLoss)
	assert.InDelta(t, res.ReconLoss+res.BottleneckLoss, res.TotalLoss, 1e-5)
	assert.GreaterOrEqual(t, res.Perplexity, 1.0)
	assert.LessOrEqual(t, res.Perplexity, 16.0)

	require.NotNil(t, res.Reconstruction)
	assert.Equal(t, []int{4, 1, 8, 8}, res.Reconstruction.Shape())

	// 8px inputs leave a 1x1 latent grid, one code per patch.
	require.Len(t, res.Indices, 4)
	for _, code := range res.Indices {
		assert.GreaterOrEqual(t, code, int32(0))
		assert.Less(t, code, int32(16))
	}
}

func TestForward_TimeMatchWeights(t *testing.T) {
	m := smallVQVAE(t)
	stack := testStack(t, 4)

	// Row-major [4, 4] relation block: 0-1 adjacent, 2-3 same trajectory.
	weights := make([]float32, 16)
	weights[0*4+1] = relation.AdjacentFrame.Weight()
	weights[2*4+3] = relation.SameTrajectory.Weight()

	res, err := m.Forward(context.Background(), stack, weights, nil)
	require.NoError(t, err)

	assert.Greater(t, res.TimeMatchLoss, 0.0)
	want := res.ReconLoss + res.BottleneckLoss + m.Config().Alpha*res.TimeMatchLoss
	assert.InDelta(t, want, res.TotalLoss, 1e-4)
}

func TestForward_Masks(t *testing.T) {
	m := smallVQVAE(t)
	stack := testStack(t, 3)

	plain, err := m.Forward(context.Background(), stack, nil, nil)
	require.NoError(t, err)

	// An all-ones mask leaves the reconstruction error unchanged.
	masked, err := m.Forward(context.Background(), stack, nil, onesMask(t, 3))
	require.NoError(t, err)
	assert.InDelta(t, plain.ReconLoss, masked.ReconLoss, 1e-5)

	// An all-zero mask blanks it out entirely.
	zeros, err := patch.NewStack(make([]float32, 3*8*8), 3, 1, 8, 8)
	require.NoError(t, err)
	blanked, err := m.Forward(context.Background(), stack, nil, zeros)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, blanked.ReconLoss, 1e-9)
}

func TestForward_ShapeValidation(t *testing.T) {
	m := smallVQVAE(t)
	stack := testStack(t, 3)

	bad, err := patch.NewStack(make([]float32, 3*2*8*8), 3, 2, 8, 8)
	require.NoError(t, err)
	_, err = m.Forward(context.Background(), bad, nil, nil)
	var shapeErr *cytovae.ShapeError
	require.ErrorAs(t, err, &shapeErr)
	assert.Equal(t, "Forward", shapeErr.Op)

	// The relation block must be BxB.
	_, err = m.Forward(context.Background(), stack, make([]float32, 4), nil)
	assert.ErrorAs(t, err, &shapeErr)

	// Masks must cover the batch with a single channel.
	_, err = m.Forward(context.Background(), stack, nil, onesMask(t, 2))
	assert.ErrorAs(t, err, &shapeErr)

	// Empty stacks are rejected before any graph runs.
	_, err = m.Embed(context.Background(), nil, 0)
	assert.ErrorAs(t, err, &shapeErr)
}

func TestForward_GaussianKinds(t *testing.T) {
	builds := map[string]func() (*cytovae.Model, error){
		"vae": func() (*cytovae.Model, error) {
			return cytovae.VAE(1, 8).
				NumHiddens(8).NumResidualHiddens(4).NumResidualLayers(1).
				Build(cytovae.WithBackend("go"), cytovae.WithSeed(13))
		},
		"iwae": func() (*cytovae.Model, error) {
			return cytovae.IWAE(1, 8).
				NumHiddens(8).NumResidualHiddens(4).NumResidualLayers(1).NumSamples(3).
				Build(cytovae.WithBackend("go"), cytovae.WithSeed(13))
		},
	}

	for name, build := range builds {
		t.Run(name, func(t *testing.T) {
			m, err := build()
			require.NoError(t, err)
			defer m.Close()

			res, err := m.Forward(context.Background(), testStack(t, 2), nil, nil)
			require.NoError(t, err)

			assert.Greater(t, res.ReconLoss, 0.0)
			assert.False(t, math.IsNaN(res.TotalLoss))
			assert.Zero(t, res.Perplexity)
			assert.Nil(t, res.Indices)
			assert.Equal(t, []int{2, 1, 8, 8}, res.Reconstruction.Shape())
		})
	}
}

func TestForward_AdversarialKind(t *testing.T) {
	m, err := cytovae.AAE(1, 64).
		NumHiddens(8).
		NumResidualHiddens(4).
		NumResidualLayers(1).
		Build(cytovae.WithBackend("go"), cytovae.WithSeed(17))
	require.NoError(t, err)
	defer m.Close()

	stack := testutil.NewRNG(9).CellStack(2, 1, 64, 64)
	res, err := m.Forward(context.Background(), stack, nil, nil)
	require.NoError(t, err)

	assert.Greater(t, res.ReconLoss, 0.0)
	// Latent shaping happens in the adversarial trainer, not the forward pass.
	assert.Zero(t, res.BottleneckLoss)
	assert.Nil(t, res.Indices)
}

func TestEmbed_Batching(t *testing.T) {
	m := smallVQVAE(t)
	stack := testStack(t, 5)

	whole, err := m.Embed(context.Background(), stack, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{5, 8}, whole.Shape)

	// Batch splitting must not change the latents.
	batched, err := m.Embed(context.Background(), stack, 2)
	require.NoError(t, err)
	assert.InDeltaSlice(t, whole.Data, batched.Data, 1e-5)
}

func TestEmbedIndices_DecodeRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := smallVQVAE(t)
	stack := testStack(t, 4)

	codes, err := m.EmbedIndices(ctx, stack, 2)
	require.NoError(t, err)
	require.Len(t, codes, 4)

	decoded, err := m.DecodeIndices(ctx, codes, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 1, 8, 8}, decoded.Shape())

	// Decoding the assignments reproduces the quantized reconstruction.
	recon, err := m.Reconstruct(ctx, stack, 0)
	require.NoError(t, err)
	assert.InDeltaSlice(t, recon.Data(), decoded.Data(), 1e-5)
}

func TestIndices_RequireQuantizedKind(t *testing.T) {
	vae, err := cytovae.VAE(1, 8).
		NumHiddens(8).NumResidualHiddens(4).NumResidualLayers(1).
		Build(cytovae.WithBackend("go"), cytovae.WithSeed(2))
	require.NoError(t, err)
	defer vae.Close()

	_, err = vae.EmbedIndices(context.Background(), testStack(t, 2), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vector-quantized")

	_, err = vae.DecodeIndices(context.Background(), []int32{0}, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vector-quantized")
}

func TestDecodeIndices_Validation(t *testing.T) {
	m := smallVQVAE(t)

	var shapeErr *cytovae.ShapeError
	_, err := m.DecodeIndices(context.Background(), nil, 0)
	assert.ErrorAs(t, err, &shapeErr)

	_, err = m.DecodeIndices(context.Background(), []int32{99}, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}

func TestReconstruct_CarriesKeys(t *testing.T) {
	m := smallVQVAE(t)
	stack := testStack(t, 3)
	require.NoError(t, stack.SetKeys([]string{"B4-Site_0/1", "B4-Site_0/2", "B4-Site_0/3"}))

	recon, err := m.Reconstruct(context.Background(), stack, 2)
	require.NoError(t, err)
	assert.Equal(t, stack.Keys(), recon.Keys())

	res, err := m.Forward(context.Background(), stack, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, stack.Keys(), res.Reconstruction.Keys())
}

func TestForward_ContextCancel(t *testing.T) {
	m := smallVQVAE(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Forward(ctx, testStack(t, 2), nil, nil)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = m.Embed(ctx, testStack(t, 2), 0)
	assert.ErrorIs(t, err, context.Canceled)
}
