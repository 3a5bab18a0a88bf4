package nn

import (
	"math/rand"
	"testing"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/require"
)

// testBackend returns the pure Go backend, so graph tests run without an
// accelerator plugin.
func testBackend(t *testing.T) backends.Backend {
	t.Helper()
	t.Setenv("GOMLX_BACKEND", "go")
	return backends.MustNew()
}

// testConfig shrinks the default hyperparameters to keep test graphs small.
func testConfig(kind Kind) Config {
	cfg := DefaultConfig(kind, 1, 8)
	cfg.NumHiddens = 8
	cfg.NumResidualHiddens = 4
	cfg.NumResidualLayers = 1
	cfg.NumEmbeddings = 16
	cfg.NumSamples = 3
	return cfg
}

func randomTensor(seed int64, dims ...int) *tensors.Tensor {
	rng := rand.New(rand.NewSource(seed))
	n := 1
	for _, d := range dims {
		n *= d
	}
	data := make([]float32, n)
	for i := range data {
		data[i] = rng.Float32()
	}
	return tensors.FromFlatDataAndDimensions(data, dims...)
}

func scalarF32(t *testing.T, tensor *tensors.Tensor) float32 {
	t.Helper()
	data := tensors.CopyFlatData[float32](tensor)
	require.Len(t, data, 1)
	return data[0]
}
