package nn

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/ml/layers/batchnorm"
)

// Discriminator scores latent grids [B, h, w, NumHiddens], returning the
// probability [B, 1] that each latent was drawn from the prior. Three strided
// convolutions shrink the grid, then a two-hidden-layer head with dropout.
func Discriminator(ctx *context.Context, cfg Config, z *Node) *Node {
	ctx = ctx.In("discriminator")
	g := z.Graph()
	nh := cfg.NumHiddens

	x := conv1x1(ctx.In("in"), z, nh/2)
	for i := 0; i < 3; i++ {
		layerCtx := ctx.Inf("down_%d", i)
		x = convDown(layerCtx, x, nh/2)
		x = batchnorm.New(layerCtx.In("norm"), x, -1).Done()
		x = activations.Relu(x)
	}

	x = Reshape(x, x.Shape().Dimensions[0], -1)
	x = layers.DenseWithBias(ctx.In("fc0"), x, nh*8)
	x = layers.Dropout(ctx.In("drop0"), x, Scalar(g, x.DType(), 0.25))
	x = activations.Relu(x)
	x = layers.DenseWithBias(ctx.In("fc1"), x, nh)
	x = layers.Dropout(ctx.In("drop1"), x, Scalar(g, x.DType(), 0.25))
	x = activations.Relu(x)
	x = layers.DenseWithBias(ctx.In("out"), x, 1)
	return Sigmoid(x)
}

// AdversarialOut bundles the adversarial objectives of one batch.
type AdversarialOut struct {
	// GenLoss pushes the encoder to fool the discriminator:
	// -mean(log(D(z_data) + floor)).
	GenLoss *Node

	// DisLoss trains the discriminator to accept prior samples and reject
	// detached data latents:
	// -mean(log(D(z_prior) + floor) + log(1 - D(sg(z_data)) + floor)).
	DisLoss *Node

	// Score is mean(D(z_data)), the tracked prediction score. Around 0.5
	// when the latent distribution matches the prior.
	Score *Node
}

// AdversarialLosses builds both adversarial objectives and the prediction
// score from the same pre-update parameters. zData is the encoder latent
// [B, h, w, NumHiddens]; the prior sample is standard normal of the same
// shape.
func AdversarialLosses(ctx *context.Context, cfg Config, zData *Node) AdversarialOut {
	zPrior := ctx.RandomNormal(zData.Graph(), zData.Shape())

	dData := Discriminator(ctx, cfg, zData)
	dDetached := Discriminator(ctx, cfg, StopGradient(zData))
	dPrior := Discriminator(ctx, cfg, zPrior)

	genLoss := Neg(ReduceAllMean(Log(AddScalar(dData, DiscriminatorFloor))))
	disLoss := Neg(ReduceAllMean(Add(
		Log(AddScalar(dPrior, DiscriminatorFloor)),
		Log(AddScalar(OneMinus(dDetached), DiscriminatorFloor)),
	)))

	return AdversarialOut{
		GenLoss: genLoss,
		DisLoss: disLoss,
		Score:   ReduceAllMean(dData),
	}
}

// AdversarialStep encodes a batch of [B, C, H, W] inputs and builds the
// adversarial objectives on its latents.
func AdversarialStep(ctx *context.Context, cfg Config, inputs *Node) AdversarialOut {
	checkInput(cfg, "AdversarialStep", inputs)
	latent := Encoder(ctx, cfg, toChannelsLast(inputs))
	return AdversarialLosses(ctx, cfg, latent)
}
