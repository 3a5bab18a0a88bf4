package nn

import (
	"slices"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
)

// ForwardOut bundles the nodes of one full forward pass. Scalar losses that
// do not apply to a kind are zero nodes, so callers can execute a fixed
// output tuple; Indices is nil except for the vector-quantized kind.
type ForwardOut struct {
	// Reconstruction is the decoded batch [B, C, H, W].
	Reconstruction *Node

	// Latent is the pre-bottleneck latent grid [B, NumHiddens, h, w]; the
	// posterior mean for the Gaussian kinds.
	Latent *Node

	// ReconLoss is the per-element normalized reconstruction error reported
	// for logging.
	ReconLoss *Node

	// BottleneckLoss is the kind-specific latent term: commitment loss, KL
	// divergence or the importance-weighted bound. Zero for the adversarial
	// kind, whose latent shaping happens in its own step.
	BottleneckLoss *Node

	// TimeMatchLoss is the unweighted trajectory matching term, zero when no
	// relation weights were given.
	TimeMatchLoss *Node

	// TotalLoss is the training objective.
	TotalLoss *Node

	// Perplexity tracks codebook usage for the vector-quantized kind, zero
	// otherwise.
	Perplexity *Node

	// Indices holds the int32 codebook assignments [B, h, w], nil for
	// non-quantized kinds.
	Indices *Node
}

// Forward builds the full training pass for one batch. inputs is
// [B, C, H, W]; weights is the [B, B] relation block or nil; mask is
// [B, 1, H, W] or nil and multiplies both sides of the reconstruction error.
func Forward(ctx *context.Context, cfg Config, kind Kind, inputs, weights, mask *Node) ForwardOut {
	checkInput(cfg, "Forward", inputs)
	checkWeights(cfg, "Forward", inputs, weights)
	checkMask(cfg, "Forward", inputs, mask)

	g := inputs.Graph()
	zero := ScalarZero(g, inputs.DType())
	out := ForwardOut{BottleneckLoss: zero, TimeMatchLoss: zero, Perplexity: zero}

	x := toChannelsLast(inputs)
	latent := Encoder(ctx, cfg, x)

	switch kind {
	case KindVectorQuantized:
		q := Quantize(ctx, cfg, latent)
		decoded := toChannelsFirst(Decoder(ctx, cfg, q.Quantized))
		loss, reported := ReconLoss(cfg, decoded, inputs, mask)
		out.Reconstruction = decoded
		out.Latent = toChannelsFirst(latent)
		out.ReconLoss = reported
		out.BottleneckLoss = q.Loss
		out.Perplexity = q.Perplexity
		out.Indices = q.Indices
		out.TotalLoss = Add(loss, q.Loss)
		out = addTimeMatch(cfg, out, flattenLatent(latent), weights)

	case KindGaussian:
		mean, logVar := GaussianHead(ctx, cfg, latent)
		z := Reparameterize(ctx, mean, logVar)
		decoded := toChannelsFirst(Decoder(ctx, cfg, z))
		loss, reported := ReconLoss(cfg, decoded, inputs, mask)
		kld := KLDivergence(mean, logVar)
		out.Reconstruction = decoded
		out.Latent = toChannelsFirst(mean)
		out.ReconLoss = reported
		out.BottleneckLoss = kld
		out.TotalLoss = Add(loss, kld)
		out = addTimeMatch(cfg, out, flattenLatent(mean), weights)

	case KindImportanceWeighted:
		mean, logVar := GaussianHead(ctx, cfg, latent)
		k := cfg.NumSamples
		meanK := replicateSamples(mean, k)
		logVarK := replicateSamples(logVar, k)
		eps := ctx.RandomNormal(g, meanK.Shape())
		z := Add(meanK, Mul(Exp(MulScalar(logVarK, 0.5)), eps))
		decodedK := Decoder(ctx, cfg, z)
		inputsK := replicateSamples(x, k)

		mDecodedK, mInputsK := decodedK, inputsK
		if mask != nil {
			maskK := replicateSamples(toChannelsLast(mask), k)
			mDecodedK = Mul(decodedK, maskK)
			mInputsK = Mul(inputsK, maskK)
		}
		bound := ImportanceWeightedBound(cfg, mDecodedK, mInputsK, z, meanK, logVarK)

		// The first sample serves as the reconstruction.
		batch := inputs.Shape().Dimensions[0]
		decoded := toChannelsFirst(Slice(decodedK,
			AxisRange(0, batch), AxisRange(), AxisRange(), AxisRange()))
		_, reported := ReconLoss(cfg, decoded, inputs, mask)
		out.Reconstruction = decoded
		out.Latent = toChannelsFirst(mean)
		out.ReconLoss = reported
		out.BottleneckLoss = bound
		out.TotalLoss = bound
		out = addTimeMatch(cfg, out, flattenLatent(mean), weights)

	case KindAdversarial:
		decoded := toChannelsFirst(Decoder(ctx, cfg, latent))
		loss, reported := ReconLoss(cfg, decoded, inputs, mask)
		out.Reconstruction = decoded
		out.Latent = toChannelsFirst(latent)
		out.ReconLoss = reported
		out.TotalLoss = loss
		out = addTimeMatch(cfg, out, flattenLatent(latent), weights)

	default:
		exceptions.Panicf("nn: unknown kind %d", kind)
	}
	return out
}

func addTimeMatch(cfg Config, out ForwardOut, flat, weights *Node) ForwardOut {
	if weights == nil {
		return out
	}
	tm := TimeMatchLoss(flat, weights)
	out.TimeMatchLoss = tm
	out.TotalLoss = Add(out.TotalLoss, MulScalar(tm, cfg.Alpha))
	return out
}

// Embed returns the latent grid [B, NumHiddens, h, w] used as the feature
// representation: the encoder output for the vector-quantized and
// adversarial kinds, the posterior mean for the Gaussian ones.
func Embed(ctx *context.Context, cfg Config, kind Kind, inputs *Node) *Node {
	checkInput(cfg, "Embed", inputs)
	latent := Encoder(ctx, cfg, toChannelsLast(inputs))
	switch kind {
	case KindGaussian, KindImportanceWeighted:
		mean, _ := GaussianHead(ctx, cfg, latent)
		return toChannelsFirst(mean)
	default:
		return toChannelsFirst(latent)
	}
}

// EmbedIndices returns the [B, h, w] int32 codebook assignments of the
// vector-quantized bottleneck.
func EmbedIndices(ctx *context.Context, cfg Config, inputs *Node) *Node {
	checkInput(cfg, "EmbedIndices", inputs)
	latent := Encoder(ctx, cfg, toChannelsLast(inputs))
	return Quantize(ctx, cfg, latent).Indices
}

// Reconstruct runs the autoencoding pass and returns the reconstruction
// [B, C, H, W]. The Gaussian kinds sample their latent, as during training.
func Reconstruct(ctx *context.Context, cfg Config, kind Kind, inputs *Node) *Node {
	checkInput(cfg, "Reconstruct", inputs)
	latent := Encoder(ctx, cfg, toChannelsLast(inputs))
	var z *Node
	switch kind {
	case KindVectorQuantized:
		z = Quantize(ctx, cfg, latent).Quantized
	case KindGaussian, KindImportanceWeighted:
		mean, logVar := GaussianHead(ctx, cfg, latent)
		z = Reparameterize(ctx, mean, logVar)
	default:
		z = latent
	}
	return toChannelsFirst(Decoder(ctx, cfg, z))
}

// DecodeIndices decodes [B, h, w] int32 codebook assignments back to images
// [B, C, H, W].
func DecodeIndices(ctx *context.Context, cfg Config, indices *Node) *Node {
	z := CodebookLookup(ctx, cfg, indices)
	return toChannelsFirst(Decoder(ctx, cfg, z))
}

func checkInput(cfg Config, op string, inputs *Node) {
	dims := inputs.Shape().Dimensions
	if len(dims) == 4 && dims[1] == cfg.InputChannels && dims[2] == cfg.ImageSize && dims[3] == cfg.ImageSize {
		return
	}
	panic(&ErrShapeMismatch{Op: op, Want: cfg.InputShape(), Got: slices.Clone(dims)})
}

func checkWeights(cfg Config, op string, inputs, weights *Node) {
	if weights == nil {
		return
	}
	b := inputs.Shape().Dimensions[0]
	dims := weights.Shape().Dimensions
	if len(dims) == 2 && dims[0] == b && dims[1] == b {
		return
	}
	panic(&ErrShapeMismatch{Op: op, Want: []int{b, b}, Got: slices.Clone(dims)})
}

func checkMask(cfg Config, op string, inputs, mask *Node) {
	if mask == nil {
		return
	}
	b := inputs.Shape().Dimensions[0]
	dims := mask.Shape().Dimensions
	if len(dims) == 4 && dims[0] == b && dims[1] == 1 && dims[2] == cfg.ImageSize && dims[3] == cfg.ImageSize {
		return
	}
	panic(&ErrShapeMismatch{Op: op, Want: []int{b, 1, cfg.ImageSize, cfg.ImageSize}, Got: slices.Clone(dims)})
}
