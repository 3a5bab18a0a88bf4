package nn

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// QuantizeOut bundles the nodes produced by the vector-quantized bottleneck.
type QuantizeOut struct {
	// Quantized is the straight-through latent [B, h, w, NumHiddens]:
	// codebook values forward, identity gradients backward.
	Quantized *Node

	// Loss is the scalar codebook + commitment loss.
	Loss *Node

	// Perplexity is the scalar exp-entropy of codebook usage, in
	// [1, NumEmbeddings].
	Perplexity *Node

	// Indices holds the int32 codebook assignment per latent position,
	// shaped [B, h, w].
	Indices *Node
}

// codebookVar returns the [NumEmbeddings, NumHiddens] codebook variable,
// creating it uniformly in [-1/K, 1/K] on first use.
func codebookVar(ctx *context.Context, cfg Config) *context.Variable {
	k := cfg.NumEmbeddings
	return ctx.In("quantizer").
		WithInitializer(initializers.RandomUniformFn(ctx, -1/float64(k), 1/float64(k))).
		VariableWithShape("embeddings", shapes.Make(dtypes.Float32, k, cfg.NumHiddens))
}

// Quantize snaps every latent position to its nearest codebook entry.
//
// The returned loss is mse(quantized, sg(latent)) moving the codebook, plus
// CommitmentCost * mse(sg(quantized), latent) committing the encoder, with
// sg the stop-gradient operator. The straight-through output keeps the
// decoder differentiable through the discrete assignment.
func Quantize(ctx *context.Context, cfg Config, latent *Node) QuantizeOut {
	g := latent.Graph()
	dims := latent.Shape().Dimensions
	d := dims[len(dims)-1]

	embeddings := codebookVar(ctx, cfg).ValueGraph(g)
	flat := Reshape(latent, -1, d)

	// Squared distances |z|^2 - 2 z.E^T + |E|^2, shaped [M, K].
	z2 := ReduceSum(Square(flat), -1)
	e2 := ReduceSum(Square(embeddings), -1)
	cross := Einsum("md,kd->mk", flat, embeddings)
	distances := Add(Sub(ExpandDims(z2, -1), MulScalar(cross, 2)), ExpandDims(e2, 0))

	indices := ArgMax(Neg(distances), -1, dtypes.Int32)
	quantized := Gather(embeddings, ExpandDims(indices, -1))
	quantized = Reshape(quantized, dims...)

	codebookLoss := ReduceAllMean(Square(Sub(quantized, StopGradient(latent))))
	commitLoss := ReduceAllMean(Square(Sub(StopGradient(quantized), latent)))
	loss := Add(codebookLoss, MulScalar(commitLoss, cfg.CommitmentCost))

	straightThrough := Add(latent, StopGradient(Sub(quantized, latent)))

	encodings := OneHot(indices, cfg.NumEmbeddings, latent.DType())
	avgProbs := ReduceMean(encodings, 0)
	entropy := ReduceAllSum(Mul(avgProbs, Log(AddScalar(avgProbs, PerplexityFloor))))
	perplexity := Exp(Neg(entropy))

	return QuantizeOut{
		Quantized:  straightThrough,
		Loss:       loss,
		Perplexity: perplexity,
		Indices:    Reshape(indices, dims[0], dims[1], dims[2]),
	}
}

// CodebookLookup maps int32 assignment grids [B, h, w] back to latent values
// [B, h, w, NumHiddens].
func CodebookLookup(ctx *context.Context, cfg Config, indices *Node) *Node {
	g := indices.Graph()
	embeddings := codebookVar(ctx, cfg).ValueGraph(g)
	return Gather(embeddings, ExpandDims(indices, -1))
}
