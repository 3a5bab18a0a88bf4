package nn

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
)

// GaussianHead projects the latent grid to the posterior mean and
// log-variance, each [B, h, w, NumHiddens].
func GaussianHead(ctx *context.Context, cfg Config, latent *Node) (mean, logVar *Node) {
	nh := cfg.NumHiddens
	h := conv1x1(ctx.In("gaussian"), latent, 2*nh)
	mean = Slice(h, AxisRange(), AxisRange(), AxisRange(), AxisRange(0, nh))
	logVar = Slice(h, AxisRange(), AxisRange(), AxisRange(), AxisRange(nh, 2*nh))
	return mean, logVar
}

// Reparameterize draws z = mean + exp(logVar/2) * eps with eps ~ N(0, I),
// keeping the sample differentiable with respect to mean and logVar.
func Reparameterize(ctx *context.Context, mean, logVar *Node) *Node {
	eps := ctx.RandomNormal(mean.Graph(), mean.Shape())
	return Add(mean, Mul(Exp(MulScalar(logVar, 0.5)), eps))
}

// KLDivergence is KL(q(z|x) || N(0, I)) summed over the batch:
// -0.5 * sum(1 + logVar - mean^2 - exp(logVar)).
func KLDivergence(mean, logVar *Node) *Node {
	inner := OnePlus(logVar)
	inner = Sub(inner, Square(mean))
	inner = Sub(inner, Exp(logVar))
	return MulScalar(ReduceAllSum(inner), -0.5)
}

// ImportanceWeightedBound is the negative k-sample importance-weighted
// evidence bound, batch mean.
//
// Per sample i: log w_i = log p(x|z_i) + log p(z_i) - log q(z_i|x), with the
// likelihood the channel-variance-scaled squared error summed per image and
// the constant terms of the Gaussian densities dropped. The normalized
// weights softmax(log w) are detached, so gradients flow through log w only.
func ImportanceWeightedBound(cfg Config, decoded, inputs, z, mean, logVar *Node) *Node {
	k := cfg.NumSamples
	batch := mean.Shape().Dimensions[0] / k

	// log p(x|z), per replicated sample: [k*B].
	sq := Square(Sub(decoded, inputs))
	scaled := Div(sq, channelVarLast(decoded.Graph(), cfg))
	logPxz := Neg(ReduceSum(Reshape(scaled, k*batch, -1), -1))

	// log p(z) and log q(z|x) with constants dropped.
	logPz := MulScalar(ReduceSum(Reshape(Square(z), k*batch, -1), -1), -0.5)
	diff := Sub(z, mean)
	logQzx := MulScalar(ReduceSum(Reshape(
		Add(logVar, Div(Square(diff), Exp(logVar))), k*batch, -1), -1), -0.5)

	logW := Reshape(Add(Sub(logPxz, logQzx), logPz), k, batch)
	wTilde := StopGradient(Softmax(logW, 0))
	return Neg(ReduceAllMean(ReduceSum(Mul(wTilde, logW), 0)))
}

// replicateSamples tiles [B, h, w, D] to [k*B, h, w, D], sample-major.
func replicateSamples(x *Node, k int) *Node {
	dims := x.Shape().Dimensions
	tiled := BroadcastToDims(ExpandDims(x, 0), k, dims[0], dims[1], dims[2], dims[3])
	return Reshape(tiled, k*dims[0], dims[1], dims[2], dims[3])
}
