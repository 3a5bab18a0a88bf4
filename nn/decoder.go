package nn

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
)

// Decoder maps the latent grid [B, H/8, W/8, NumHiddens] back to
// channels-last images [B, H, W, C]: three upsampling convolutions with ReLU
// and a 1x1 output projection without activation.
func Decoder(ctx *context.Context, cfg Config, z *Node) *Node {
	ctx = ctx.In("decoder")
	nh := cfg.NumHiddens

	x := z
	for i, channels := range []int{nh / 2, nh / 4, nh / 4} {
		layerCtx := ctx.Inf("up_%d", i)
		x = convUp(layerCtx, x, channels)
		x = activations.Relu(x)
	}
	return conv1x1(ctx.In("out"), x, cfg.InputChannels)
}

// convUp doubles the spatial size: one interior zero between pixels plus a
// two-pixel border, then a stride-1 4x4 convolution. Matches a 4x4 stride-2
// transposed convolution with padding 1, the kernel flip being absorbed by
// the learned weights.
func convUp(ctx *context.Context, x *Node, channels int) *Node {
	x = padHW(x, 2, 2, 1)
	return layers.Convolution(ctx, x).Channels(channels).KernelSize(4).NoPadding().Done()
}
