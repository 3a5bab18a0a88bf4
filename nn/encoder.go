package nn

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/ml/layers/batchnorm"
)

// Encoder maps channels-last images [B, H, W, C] to the latent grid
// [B, H/8, W/8, NumHiddens]: a 1x1 input projection, three strided
// downsampling convolutions with batch norm, a 3x3 pre-residual convolution
// and the residual stack.
func Encoder(ctx *context.Context, cfg Config, x *Node) *Node {
	ctx = ctx.In("encoder")
	nh := cfg.NumHiddens

	x = conv1x1(ctx.In("in"), x, nh/2)
	for i, channels := range []int{nh / 2, nh, nh} {
		layerCtx := ctx.Inf("down_%d", i)
		x = convDown(layerCtx, x, channels)
		x = batchnorm.New(layerCtx.In("norm"), x, -1).Done()
		x = activations.Relu(x)
	}
	x = layers.Convolution(ctx.In("pre"), x).Channels(nh).KernelSize(3).PadSame().Done()
	x = batchnorm.New(ctx.In("pre_norm"), x, -1).Done()
	return residualStack(ctx.In("residual"), cfg, x)
}

// residualStack applies NumResidualLayers blocks of
// x + BN(Conv1x1(ReLU(BN(Conv3x3(ReLU(x)))))), keeping NumHiddens channels.
func residualStack(ctx *context.Context, cfg Config, x *Node) *Node {
	for i := 0; i < cfg.NumResidualLayers; i++ {
		layerCtx := ctx.Inf("block_%d", i)
		f := activations.Relu(x)
		f = layers.Convolution(layerCtx.In("conv3"), f).
			Channels(cfg.NumResidualHiddens).KernelSize(3).PadSame().Done()
		f = batchnorm.New(layerCtx.In("norm3"), f, -1).Done()
		f = activations.Relu(f)
		f = conv1x1(layerCtx.In("conv1"), f, cfg.NumHiddens)
		f = batchnorm.New(layerCtx.In("norm1"), f, -1).Done()
		x = Add(x, f)
	}
	return x
}

// conv1x1 is a pointwise channel projection.
func conv1x1(ctx *context.Context, x *Node, channels int) *Node {
	return layers.Convolution(ctx, x).Channels(channels).KernelSize(1).NoPadding().Done()
}

// convDown halves the spatial size with a 4x4 stride-2 convolution and a
// one-pixel border.
func convDown(ctx *context.Context, x *Node, channels int) *Node {
	x = padHW(x, 1, 1, 0)
	return layers.Convolution(ctx, x).Channels(channels).KernelSize(4).Strides(2).NoPadding().Done()
}

// padHW zero-pads the two spatial axes of a channels-last image tensor.
func padHW(x *Node, start, end, interior int) *Node {
	zero := ScalarZero(x.Graph(), x.DType())
	spatial := PadAxis{Start: start, End: end, Interior: interior}
	return Pad(x, zero, PadAxis{}, spatial, spatial, PadAxis{})
}

// toChannelsLast converts [B, C, H, W] to [B, H, W, C].
func toChannelsLast(x *Node) *Node {
	return TransposeAllDims(x, 0, 2, 3, 1)
}

// toChannelsFirst converts [B, H, W, C] to [B, C, H, W].
func toChannelsFirst(x *Node) *Node {
	return TransposeAllDims(x, 0, 3, 1, 2)
}
