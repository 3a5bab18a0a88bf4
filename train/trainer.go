package train

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/graph"
	mlctx "github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"golang.org/x/time/rate"

	"github.com/hupe1980/cytovae"
	"github.com/hupe1980/cytovae/nn"
	"github.com/hupe1980/cytovae/patch"
	"github.com/hupe1980/cytovae/relation"
)

// Trainer runs the standard optimization loop: one Adam step on the total
// loss per batch, for the vector-quantized and Gaussian model kinds.
//
// A Trainer is bound to one model and is not safe for concurrent use. Calling
// Fit again continues training with the optimizer state left by the previous
// call.
type Trainer struct {
	model *cytovae.Model
	cfg   nn.Config
	kind  nn.Kind
	opts  options

	optimizer optimizers.Interface
	limiter   *rate.Limiter

	mu    sync.Mutex
	execs map[string]*mlctx.Exec
}

// New creates a trainer for m. Adversarial models train with NewAdversarial
// instead.
func New(m *cytovae.Model, optFns ...Option) (*Trainer, error) {
	opts := applyOptions(optFns...)
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, &cytovae.ConfigError{Field: "Model", Reason: "is nil"}
	}
	if m.Kind() == nn.KindAdversarial {
		return nil, &cytovae.ConfigError{Field: "Kind", Reason: "adversarial models train with NewAdversarial"}
	}

	return &Trainer{
		model:     m,
		cfg:       m.Config(),
		kind:      m.Kind(),
		opts:      opts,
		optimizer: optimizers.Adam().LearningRate(opts.learningRate).Done(),
		limiter:   rate.NewLimiter(rate.Every(time.Second), 1),
		execs:     map[string]*mlctx.Exec{},
	}, nil
}

// Fit trains the model for the configured number of epochs. matrix is an
// optional N x N relation weight matrix feeding the time-matching loss, masks
// an optional segmentation mask stack applied to the reconstruction error;
// both may be nil. Cancelling the context stops training at the next batch
// boundary.
func (t *Trainer) Fit(ctx context.Context, stack *patch.Stack, matrix *relation.Matrix, masks *patch.Stack) error {
	return translateError(t.runFit(ctx, stack, matrix, masks))
}

func (t *Trainer) runFit(ctx context.Context, stack *patch.Stack, matrix *relation.Matrix, masks *patch.Stack) error {
	if err := checkStack(t.cfg, stack); err != nil {
		return err
	}
	ds, err := t.opts.newDataset(stack, matrix, masks)
	if err != nil {
		return err
	}
	exec := t.stepExec(matrix != nil, masks != nil)

	step := 0
	for epoch := 0; epoch < t.opts.numEpochs; epoch++ {
		epochStart := time.Now()
		var reconSum, perpSum float64
		batches := 0

		ds.Reset()
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			_, inputs, _, err := ds.Yield()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return err
			}

			recon, perp, err := t.step(ctx, exec, step, inputs)
			if err != nil {
				return err
			}
			reconSum += recon
			perpSum += perp
			step++
			batches++
		}

		recon := mean(reconSum, batches)
		fmt.Fprintf(t.opts.progress, "epoch %d recon loss: %f perplexity: %f\n",
			epoch, recon, mean(perpSum, batches))
		t.opts.metrics.RecordEpoch(batches, time.Since(epochStart))
		t.opts.logger.LogEpoch(ctx, epoch, recon, nil)

		if t.opts.shouldCheckpoint(epoch) {
			if err := t.opts.saveCheckpoint(ctx, t.model, epoch); err != nil {
				return err
			}
		}
	}
	return nil
}

// step runs one compiled update and reports the logged loss values.
func (t *Trainer) step(ctx context.Context, exec *mlctx.Exec, step int, inputs []*tensors.Tensor) (recon, perplexity float64, err error) {
	start := time.Now()
	var outs []*tensors.Tensor
	err = exceptions.TryCatch[error](func() { outs = exec.Call(callArgs(inputs)...) })
	t.opts.metrics.RecordStep(time.Since(start), err)
	if err != nil {
		t.opts.logger.LogStep(ctx, step, 0, err)
		return 0, 0, err
	}
	if t.limiter.Allow() {
		t.opts.logger.LogStep(ctx, step, scalar64(outs[0]), nil)
	}
	return scalar64(outs[1]), scalar64(outs[2]), nil
}

// stepExec returns the compiled update step for the given optional-input
// combination, building it on first use. Distinct combinations get distinct
// executors so that absent weights and masks keep their meaning instead of
// degrading to zero tensors.
func (t *Trainer) stepExec(hasWeights, hasMasks bool) *mlctx.Exec {
	switch {
	case hasWeights && hasMasks:
		return t.exec("step+wm", func() *mlctx.Exec {
			return mlctx.NewExec(t.model.Backend(), t.model.Context(), func(c *mlctx.Context, inputs, weights, mask *graph.Node) []*graph.Node {
				return t.stepGraph(c, inputs, weights, mask)
			})
		})
	case hasWeights:
		return t.exec("step+w", func() *mlctx.Exec {
			return mlctx.NewExec(t.model.Backend(), t.model.Context(), func(c *mlctx.Context, inputs, weights *graph.Node) []*graph.Node {
				return t.stepGraph(c, inputs, weights, nil)
			})
		})
	case hasMasks:
		return t.exec("step+m", func() *mlctx.Exec {
			return mlctx.NewExec(t.model.Backend(), t.model.Context(), func(c *mlctx.Context, inputs, mask *graph.Node) []*graph.Node {
				return t.stepGraph(c, inputs, nil, mask)
			})
		})
	default:
		return t.exec("step", func() *mlctx.Exec {
			return mlctx.NewExec(t.model.Backend(), t.model.Context(), func(c *mlctx.Context, inputs *graph.Node) []*graph.Node {
				return t.stepGraph(c, inputs, nil, nil)
			})
		})
	}
}

// stepGraph builds the forward pass in training mode and one Adam update on
// the total loss. Gradients are recomputed inside every step, so an update is
// never applied on stale accumulation.
func (t *Trainer) stepGraph(c *mlctx.Context, inputs, weights, mask *graph.Node) []*graph.Node {
	g := inputs.Graph()
	c.SetTraining(g, true)
	out := nn.Forward(c, t.cfg, t.kind, inputs, weights, mask)
	t.optimizer.UpdateGraph(c, g, out.TotalLoss)
	return []*graph.Node{out.TotalLoss, out.ReconLoss, out.Perplexity}
}

func (t *Trainer) exec(key string, build func() *mlctx.Exec) *mlctx.Exec {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.execs[key]; ok {
		return e
	}
	e := build()
	t.execs[key] = e
	return e
}

// checkStack validates a stack against the model input geometry before any
// graph is built.
func checkStack(cfg nn.Config, s *patch.Stack) error {
	if s == nil || s.Len() == 0 {
		return &cytovae.ShapeError{Op: "Fit", Want: cfg.InputShape(), Got: nil}
	}
	if s.Channels() != cfg.InputChannels || s.Height() != cfg.ImageSize || s.Width() != cfg.ImageSize {
		return &cytovae.ShapeError{Op: "Fit", Want: cfg.InputShape(), Got: s.Shape()}
	}
	return nil
}
