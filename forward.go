package cytovae

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/graph"
	mlctx "github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"

	"github.com/hupe1980/cytovae/nn"
	"github.com/hupe1980/cytovae/patch"
)

// ForwardResult reports the outcome of one full forward pass over a batch.
//
// Loss terms that do not apply to the model kind are zero; Indices is nil for
// non-quantized kinds.
type ForwardResult struct {
	// Reconstruction is the decoded batch, with the input keys carried over.
	Reconstruction *patch.Stack

	// ReconLoss is the per-element normalized reconstruction error.
	ReconLoss float64

	// BottleneckLoss is the kind-specific latent term: commitment loss, KL
	// divergence or the importance-weighted bound.
	BottleneckLoss float64

	// TimeMatchLoss is the unweighted trajectory matching term, zero when no
	// relation weights were given.
	TimeMatchLoss float64

	// TotalLoss is the value the trainer would step on for this batch.
	TotalLoss float64

	// Perplexity tracks codebook usage for the vector-quantized kind.
	Perplexity float64

	// Indices holds the codebook assignments as a row-major [B, h, w] grid.
	Indices []int32
}

// Forward runs one full pass over a single batch and reports every loss term
// without updating any variables. weights is an optional row-major [B, B]
// relation block; masks is an optional single-channel stack multiplied into
// both sides of the reconstruction error.
//
// Forward does not split large batches; use Embed or Reconstruct for whole
// stacks.
func (m *Model) Forward(ctx context.Context, batch *patch.Stack, weights []float32, masks *patch.Stack) (*ForwardResult, error) {
	start := time.Now()
	result, err := m.runForward(ctx, batch, weights, masks)
	duration := time.Since(start)
	err = translateError(err)
	m.metrics.RecordEmbed(stackLen(batch), duration, err)
	m.logger.LogEmbed(ctx, "forward", stackLen(batch), err)
	return result, err
}

func (m *Model) runForward(ctx context.Context, batch *patch.Stack, weights []float32, masks *patch.Stack) (*ForwardResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.checkStack("Forward", batch); err != nil {
		return nil, err
	}
	b := batch.Len()
	if weights != nil && len(weights) != b*b {
		return nil, &ShapeError{Op: "Forward", Want: []int{b, b}, Got: []int{len(weights)}}
	}
	if err := m.checkMaskStack("Forward", masks, b); err != nil {
		return nil, err
	}

	exec, err := m.forwardExec(weights != nil, masks != nil)
	if err != nil {
		return nil, err
	}

	args := []any{m.stackTensor(batch)}
	if weights != nil {
		args = append(args, tensors.FromFlatDataAndDimensions(weights, b, b))
	}
	if masks != nil {
		args = append(args, m.maskTensor(masks))
	}

	var outs []*tensors.Tensor
	if err := exceptions.TryCatch[error](func() { outs = exec.Call(args...) }); err != nil {
		return nil, err
	}

	result := &ForwardResult{
		TotalLoss:      scalar64(outs[0]),
		ReconLoss:      scalar64(outs[1]),
		BottleneckLoss: scalar64(outs[2]),
		TimeMatchLoss:  scalar64(outs[3]),
		Perplexity:     scalar64(outs[4]),
	}
	recon, err := patch.NewStack(tensors.CopyFlatData[float32](outs[5]),
		b, m.cfg.InputChannels, m.cfg.ImageSize, m.cfg.ImageSize)
	if err != nil {
		return nil, err
	}
	if keys := batch.Keys(); keys != nil {
		if err := recon.SetKeys(slices.Clone(keys)); err != nil {
			return nil, err
		}
	}
	result.Reconstruction = recon

	if m.kind == nn.KindVectorQuantized {
		result.Indices = tensors.CopyFlatData[int32](outs[6])
		m.observeCodes(result.Indices)
	}
	return result, nil
}

// forwardExec caches one executor per optional-input combination so that nil
// weights and masks keep their meaning instead of degrading to zero tensors.
func (m *Model) forwardExec(hasWeights, hasMasks bool) (*mlctx.Exec, error) {
	switch {
	case hasWeights && hasMasks:
		return m.exec("forward+wm", func() *mlctx.Exec {
			return mlctx.NewExec(m.backend, m.mlCtx, func(c *mlctx.Context, inputs, weights, mask *graph.Node) []*graph.Node {
				return forwardOutputs(nn.Forward(c, m.cfg, m.kind, inputs, weights, mask))
			})
		})
	case hasWeights:
		return m.exec("forward+w", func() *mlctx.Exec {
			return mlctx.NewExec(m.backend, m.mlCtx, func(c *mlctx.Context, inputs, weights *graph.Node) []*graph.Node {
				return forwardOutputs(nn.Forward(c, m.cfg, m.kind, inputs, weights, nil))
			})
		})
	case hasMasks:
		return m.exec("forward+m", func() *mlctx.Exec {
			return mlctx.NewExec(m.backend, m.mlCtx, func(c *mlctx.Context, inputs, mask *graph.Node) []*graph.Node {
				return forwardOutputs(nn.Forward(c, m.cfg, m.kind, inputs, nil, mask))
			})
		})
	default:
		return m.exec("forward", func() *mlctx.Exec {
			return mlctx.NewExec(m.backend, m.mlCtx, func(c *mlctx.Context, inputs *graph.Node) []*graph.Node {
				return forwardOutputs(nn.Forward(c, m.cfg, m.kind, inputs, nil, nil))
			})
		})
	}
}

func forwardOutputs(out nn.ForwardOut) []*graph.Node {
	nodes := []*graph.Node{
		out.TotalLoss,
		out.ReconLoss,
		out.BottleneckLoss,
		out.TimeMatchLoss,
		out.Perplexity,
		out.Reconstruction,
	}
	if out.Indices != nil {
		nodes = append(nodes, out.Indices)
	}
	return nodes
}

// Embed encodes a whole stack into flat latent vectors of length
// Config().LatentLen(): the encoder output for the vector-quantized and
// adversarial kinds, the posterior mean for the Gaussian ones. The stack is
// processed in batches of batchSize patches; batchSize <= 0 uses
// patch.DefaultBatchSize.
func (m *Model) Embed(ctx context.Context, stack *patch.Stack, batchSize int) (*patch.Array, error) {
	start := time.Now()
	result, err := m.runEmbed(ctx, stack, batchSize)
	duration := time.Since(start)
	err = translateError(err)
	m.metrics.RecordEmbed(stackLen(stack), duration, err)
	m.logger.LogEmbed(ctx, "embed", stackLen(stack), err)
	return result, err
}

func (m *Model) runEmbed(ctx context.Context, stack *patch.Stack, batchSize int) (*patch.Array, error) {
	if err := m.checkStack("Embed", stack); err != nil {
		return nil, err
	}
	exec, err := m.exec("embed", func() *mlctx.Exec {
		return mlctx.NewExec(m.backend, m.mlCtx, func(c *mlctx.Context, inputs *graph.Node) *graph.Node {
			return nn.Embed(c, m.cfg, m.kind, inputs)
		})
	})
	if err != nil {
		return nil, err
	}

	latentLen := m.cfg.LatentLen()
	result := patch.NewArray(stack.Len(), latentLen)
	err = m.eachBatch(ctx, stack, batchSize, exec, func(lo, hi int, out *tensors.Tensor) error {
		copy(result.Data[lo*latentLen:hi*latentLen], tensors.CopyFlatData[float32](out))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// EmbedIndices encodes a whole stack into discrete codebook assignments, one
// row-major [h, w] grid of int32 codes per patch. Only valid for the
// vector-quantized kind.
func (m *Model) EmbedIndices(ctx context.Context, stack *patch.Stack, batchSize int) ([]int32, error) {
	start := time.Now()
	result, err := m.runEmbedIndices(ctx, stack, batchSize)
	duration := time.Since(start)
	err = translateError(err)
	m.metrics.RecordEmbed(stackLen(stack), duration, err)
	m.logger.LogEmbed(ctx, "embed_indices", stackLen(stack), err)
	return result, err
}

func (m *Model) runEmbedIndices(ctx context.Context, stack *patch.Stack, batchSize int) ([]int32, error) {
	if m.kind != nn.KindVectorQuantized {
		return nil, fmt.Errorf("cytovae: code indices require the vector-quantized bottleneck, got %s", m.kind)
	}
	if err := m.checkStack("EmbedIndices", stack); err != nil {
		return nil, err
	}
	exec, err := m.exec("embed_indices", func() *mlctx.Exec {
		return mlctx.NewExec(m.backend, m.mlCtx, func(c *mlctx.Context, inputs *graph.Node) *graph.Node {
			return nn.EmbedIndices(c, m.cfg, inputs)
		})
	})
	if err != nil {
		return nil, err
	}

	gridLen := m.cfg.LatentSize() * m.cfg.LatentSize()
	codes := make([]int32, stack.Len()*gridLen)
	err = m.eachBatch(ctx, stack, batchSize, exec, func(lo, hi int, out *tensors.Tensor) error {
		copy(codes[lo*gridLen:hi*gridLen], tensors.CopyFlatData[int32](out))
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.observeCodes(codes)
	return codes, nil
}

// Reconstruct encodes and decodes a whole stack, returning the reconstructions
// with the input keys carried over. The Gaussian kinds sample their latent, so
// repeated calls differ; Embed returns the deterministic posterior mean.
func (m *Model) Reconstruct(ctx context.Context, stack *patch.Stack, batchSize int) (*patch.Stack, error) {
	start := time.Now()
	result, err := m.runReconstruct(ctx, stack, batchSize)
	duration := time.Since(start)
	err = translateError(err)
	m.metrics.RecordEmbed(stackLen(stack), duration, err)
	m.logger.LogEmbed(ctx, "reconstruct", stackLen(stack), err)
	return result, err
}

func (m *Model) runReconstruct(ctx context.Context, stack *patch.Stack, batchSize int) (*patch.Stack, error) {
	if err := m.checkStack("Reconstruct", stack); err != nil {
		return nil, err
	}
	exec, err := m.exec("reconstruct", func() *mlctx.Exec {
		return mlctx.NewExec(m.backend, m.mlCtx, func(c *mlctx.Context, inputs *graph.Node) *graph.Node {
			return nn.Reconstruct(c, m.cfg, m.kind, inputs)
		})
	})
	if err != nil {
		return nil, err
	}

	patchLen := m.cfg.InputChannels * m.cfg.ImageSize * m.cfg.ImageSize
	data := make([]float32, stack.Len()*patchLen)
	err = m.eachBatch(ctx, stack, batchSize, exec, func(lo, hi int, out *tensors.Tensor) error {
		copy(data[lo*patchLen:hi*patchLen], tensors.CopyFlatData[float32](out))
		return nil
	})
	if err != nil {
		return nil, err
	}

	recon, err := patch.NewStack(data, stack.Len(), m.cfg.InputChannels, m.cfg.ImageSize, m.cfg.ImageSize)
	if err != nil {
		return nil, err
	}
	if keys := stack.Keys(); keys != nil {
		if err := recon.SetKeys(slices.Clone(keys)); err != nil {
			return nil, err
		}
	}
	return recon, nil
}

// DecodeIndices decodes discrete codebook assignments back into images. codes
// is a row-major [N, h, w] grid as returned by EmbedIndices. Only valid for
// the vector-quantized kind.
func (m *Model) DecodeIndices(ctx context.Context, codes []int32, batchSize int) (*patch.Stack, error) {
	start := time.Now()
	result, err := m.runDecodeIndices(ctx, codes, batchSize)
	duration := time.Since(start)
	err = translateError(err)
	n := 0
	if result != nil {
		n = result.Len()
	}
	m.metrics.RecordEmbed(n, duration, err)
	m.logger.LogEmbed(ctx, "decode_indices", n, err)
	return result, err
}

func (m *Model) runDecodeIndices(ctx context.Context, codes []int32, batchSize int) (*patch.Stack, error) {
	if m.kind != nn.KindVectorQuantized {
		return nil, fmt.Errorf("cytovae: code indices require the vector-quantized bottleneck, got %s", m.kind)
	}
	hw := m.cfg.LatentSize()
	gridLen := hw * hw
	if len(codes) == 0 || len(codes)%gridLen != 0 {
		return nil, &ShapeError{Op: "DecodeIndices", Want: []int{-1, hw, hw}, Got: []int{len(codes)}}
	}
	for _, code := range codes {
		if code < 0 || int(code) >= m.cfg.NumEmbeddings {
			return nil, fmt.Errorf("cytovae: code %d out of range [0,%d)", code, m.cfg.NumEmbeddings)
		}
	}
	exec, err := m.exec("decode_indices", func() *mlctx.Exec {
		return mlctx.NewExec(m.backend, m.mlCtx, func(c *mlctx.Context, indices *graph.Node) *graph.Node {
			return nn.DecodeIndices(c, m.cfg, indices)
		})
	})
	if err != nil {
		return nil, err
	}
	if batchSize <= 0 {
		batchSize = patch.DefaultBatchSize
	}

	n := len(codes) / gridLen
	patchLen := m.cfg.InputChannels * m.cfg.ImageSize * m.cfg.ImageSize
	data := make([]float32, n*patchLen)
	for lo := 0; lo < n; lo += batchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hi := min(lo+batchSize, n)
		input := tensors.FromFlatDataAndDimensions(codes[lo*gridLen:hi*gridLen], hi-lo, hw, hw)
		var outs []*tensors.Tensor
		if err := exceptions.TryCatch[error](func() { outs = exec.Call(input) }); err != nil {
			return nil, err
		}
		copy(data[lo*patchLen:hi*patchLen], tensors.CopyFlatData[float32](outs[0]))
	}
	return patch.NewStack(data, n, m.cfg.InputChannels, m.cfg.ImageSize, m.cfg.ImageSize)
}

// eachBatch slices the stack into batches, runs the executor on each and hands
// the first output tensor to collect. Cancellation is honored between batches.
func (m *Model) eachBatch(ctx context.Context, stack *patch.Stack, batchSize int, exec *mlctx.Exec, collect func(lo, hi int, out *tensors.Tensor) error) error {
	if batchSize <= 0 {
		batchSize = patch.DefaultBatchSize
	}
	for lo := 0; lo < stack.Len(); lo += batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		hi := min(lo+batchSize, stack.Len())
		sub, err := stack.Slice(lo, hi)
		if err != nil {
			return err
		}
		var outs []*tensors.Tensor
		if err := exceptions.TryCatch[error](func() { outs = exec.Call(m.stackTensor(sub)) }); err != nil {
			return err
		}
		if err := collect(lo, hi, outs[0]); err != nil {
			return err
		}
	}
	return nil
}

func (m *Model) stackTensor(s *patch.Stack) *tensors.Tensor {
	return tensors.FromFlatDataAndDimensions(s.Data(), s.Len(), s.Channels(), s.Height(), s.Width())
}

func (m *Model) maskTensor(s *patch.Stack) *tensors.Tensor {
	return tensors.FromFlatDataAndDimensions(s.Data(), s.Len(), 1, s.Height(), s.Width())
}

// checkStack validates a stack against the configured input geometry.
func (m *Model) checkStack(op string, s *patch.Stack) error {
	if s == nil || s.Len() == 0 {
		return &ShapeError{Op: op, Want: m.cfg.InputShape(), Got: nil}
	}
	if s.Channels() != m.cfg.InputChannels || s.Height() != m.cfg.ImageSize || s.Width() != m.cfg.ImageSize {
		return &ShapeError{Op: op, Want: m.cfg.InputShape(), Got: s.Shape()}
	}
	return nil
}

func (m *Model) checkMaskStack(op string, masks *patch.Stack, b int) error {
	if masks == nil {
		return nil
	}
	want := []int{b, 1, m.cfg.ImageSize, m.cfg.ImageSize}
	if masks.Len() != b || masks.Channels() != 1 ||
		masks.Height() != m.cfg.ImageSize || masks.Width() != m.cfg.ImageSize {
		return &ShapeError{Op: op, Want: want, Got: masks.Shape()}
	}
	return nil
}

func stackLen(s *patch.Stack) int {
	if s == nil {
		return 0
	}
	return s.Len()
}

func scalar64(t *tensors.Tensor) float64 {
	return float64(tensors.CopyFlatData[float32](t)[0])
}
