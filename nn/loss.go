package nn

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/tensors"
)

// channelVarFirst returns the channel variance constant shaped [1, C, 1, 1]
// for channels-first tensors.
func channelVarFirst(g *Graph, cfg Config) *Node {
	return ConstCachedTensor(g, tensors.FromFlatDataAndDimensions(
		channelVarData(cfg), 1, cfg.InputChannels, 1, 1))
}

// channelVarLast returns the channel variance constant shaped [1, 1, 1, C]
// for channels-last tensors.
func channelVarLast(g *Graph, cfg Config) *Node {
	return ConstCachedTensor(g, tensors.FromFlatDataAndDimensions(
		channelVarData(cfg), 1, 1, 1, cfg.InputChannels))
}

func channelVarData(cfg Config) []float32 {
	vals := make([]float32, len(cfg.ChannelVariances))
	for i, v := range cfg.ChannelVariances {
		vals[i] = float32(v)
	}
	return vals
}

// ReconLoss is the channel-variance-scaled squared error between decoded and
// inputs, both [B, C, H, W]. A mask [B, 1, H, W] (nil for none) multiplies
// both sides, zeroing background pixels. The first return value uses the
// configured reduction and feeds the training objective; the second is the
// per-element normalized value reported for logging, identical to the first
// under mean reduction.
func ReconLoss(cfg Config, decoded, inputs, mask *Node) (loss, reported *Node) {
	if mask != nil {
		decoded = Mul(decoded, mask)
		inputs = Mul(inputs, mask)
	}
	scaled := Div(Square(Sub(decoded, inputs)), channelVarFirst(decoded.Graph(), cfg))

	if cfg.Reduction == ReductionSum {
		loss = ReduceAllSum(scaled)
		reported = DivScalar(loss, float64(scaled.Shape().Size()))
		return loss, reported
	}
	loss = ReduceAllMean(scaled)
	return loss, loss
}

// TimeMatchLoss pulls trajectory-related patches together in latent space:
// the [B, B] grid of pairwise mean squared latent distances, multiplied by
// the relation weight block and summed. flat is the flattened latent [B, D].
func TimeMatchLoss(flat, weights *Node) *Node {
	a := ExpandDims(flat, 0)
	b := ExpandDims(flat, 1)
	sim := ReduceMean(Square(Sub(a, b)), -1)
	return ReduceAllSum(Mul(sim, weights))
}

// flattenLatent reshapes a latent grid to [B, h*w*D].
func flattenLatent(z *Node) *Node {
	return Reshape(z, z.Shape().Dimensions[0], -1)
}
