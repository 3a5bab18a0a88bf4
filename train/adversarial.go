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

// AdversarialTrainer runs the two-pass loop of the adversarial kind. Every
// batch first takes a reconstruction step, updating encoder and decoder on
// the reconstruction objective, and then an adversarial step, updating the
// discriminator on its loss and the encoder on the generator loss.
//
// Each of the four roles owns a separate Adam instance so that moment
// estimates never leak between objectives. WithLearningRates sets the
// discriminator and generator rates apart from the reconstruction rate.
//
// An AdversarialTrainer is bound to one model and is not safe for concurrent
// use.
type AdversarialTrainer struct {
	model *cytovae.Model
	cfg   nn.Config
	opts  options

	encOpt optimizers.Interface
	decOpt optimizers.Interface
	disOpt optimizers.Interface
	genOpt optimizers.Interface

	limiter *rate.Limiter

	mu    sync.Mutex
	execs map[string]*mlctx.Exec
}

// NewAdversarial creates a trainer for an adversarial model. Every other kind
// trains with New instead.
func NewAdversarial(m *cytovae.Model, optFns ...Option) (*AdversarialTrainer, error) {
	opts := applyOptions(optFns...)
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, &cytovae.ConfigError{Field: "Model", Reason: "is nil"}
	}
	if m.Kind() != nn.KindAdversarial {
		return nil, &cytovae.ConfigError{Field: "Kind", Reason: fmt.Sprintf("%s models train with New", m.Kind())}
	}

	return &AdversarialTrainer{
		model:   m,
		cfg:     m.Config(),
		opts:    opts,
		encOpt:  optimizers.Adam().LearningRate(opts.learningRate).Scope("adam_encoder").Done(),
		decOpt:  optimizers.Adam().LearningRate(opts.learningRate).Scope("adam_decoder").Done(),
		disOpt:  optimizers.Adam().LearningRate(opts.disLearningRate).Scope("adam_discriminator").Done(),
		genOpt:  optimizers.Adam().LearningRate(opts.genLearningRate).Scope("adam_generator").Done(),
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
		execs:   map[string]*mlctx.Exec{},
	}, nil
}

// Fit trains the model for the configured number of epochs, alternating
// reconstruction and adversarial steps on every batch. matrix and masks are
// optional and may be nil. Cancelling the context stops training at the next
// batch boundary.
func (t *AdversarialTrainer) Fit(ctx context.Context, stack *patch.Stack, matrix *relation.Matrix, masks *patch.Stack) error {
	return translateError(t.runFit(ctx, stack, matrix, masks))
}

func (t *AdversarialTrainer) runFit(ctx context.Context, stack *patch.Stack, matrix *relation.Matrix, masks *patch.Stack) error {
	if err := checkStack(t.cfg, stack); err != nil {
		return err
	}
	ds, err := t.opts.newDataset(stack, matrix, masks)
	if err != nil {
		return err
	}
	reconExec := t.reconExec(matrix != nil, masks != nil)
	advExec := t.advExec()

	step := 0
	for epoch := 0; epoch < t.opts.numEpochs; epoch++ {
		epochStart := time.Now()
		var reconSum, scoreSum float64
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

			recon, score, err := t.step(ctx, reconExec, advExec, step, inputs)
			if err != nil {
				return err
			}
			reconSum += recon
			scoreSum += score
			step++
			batches++
		}

		recon := mean(reconSum, batches)
		fmt.Fprintf(t.opts.progress, "epoch %d recon loss: %f pred score: %f\n",
			epoch, recon, mean(scoreSum, batches))
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

// step runs the reconstruction update followed by the adversarial update on
// one batch. The adversarial pass only consumes the patches, never the
// relation weights or masks.
func (t *AdversarialTrainer) step(ctx context.Context, reconExec, advExec *mlctx.Exec, step int, inputs []*tensors.Tensor) (recon, score float64, err error) {
	start := time.Now()
	var reconOuts, advOuts []*tensors.Tensor
	err = exceptions.TryCatch[error](func() {
		reconOuts = reconExec.Call(callArgs(inputs)...)
		advOuts = advExec.Call(inputs[0])
	})
	t.opts.metrics.RecordStep(time.Since(start), err)
	if err != nil {
		t.opts.logger.LogAdversarialStep(ctx, step, 0, 0, err)
		return 0, 0, err
	}
	if t.limiter.Allow() {
		t.opts.logger.LogAdversarialStep(ctx, step, scalar64(advOuts[0]), scalar64(advOuts[1]), nil)
	}
	return scalar64(reconOuts[1]), scalar64(advOuts[2]), nil
}

// reconExec returns the compiled reconstruction step for the given
// optional-input combination, building it on first use.
func (t *AdversarialTrainer) reconExec(hasWeights, hasMasks bool) *mlctx.Exec {
	switch {
	case hasWeights && hasMasks:
		return t.exec("recon+wm", func() *mlctx.Exec {
			return mlctx.NewExec(t.model.Backend(), t.model.Context(), func(c *mlctx.Context, inputs, weights, mask *graph.Node) []*graph.Node {
				return t.reconGraph(c, inputs, weights, mask)
			})
		})
	case hasWeights:
		return t.exec("recon+w", func() *mlctx.Exec {
			return mlctx.NewExec(t.model.Backend(), t.model.Context(), func(c *mlctx.Context, inputs, weights *graph.Node) []*graph.Node {
				return t.reconGraph(c, inputs, weights, nil)
			})
		})
	case hasMasks:
		return t.exec("recon+m", func() *mlctx.Exec {
			return mlctx.NewExec(t.model.Backend(), t.model.Context(), func(c *mlctx.Context, inputs, mask *graph.Node) []*graph.Node {
				return t.reconGraph(c, inputs, nil, mask)
			})
		})
	default:
		return t.exec("recon", func() *mlctx.Exec {
			return mlctx.NewExec(t.model.Backend(), t.model.Context(), func(c *mlctx.Context, inputs *graph.Node) []*graph.Node {
				return t.reconGraph(c, inputs, nil, nil)
			})
		})
	}
}

func (t *AdversarialTrainer) advExec() *mlctx.Exec {
	return t.exec("adversarial", func() *mlctx.Exec {
		return mlctx.NewExec(t.model.Backend(), t.model.Context(), func(c *mlctx.Context, inputs *graph.Node) []*graph.Node {
			return t.advGraph(c, inputs)
		})
	})
}

// reconGraph builds the reconstruction pass and one update for each of the
// encoder and decoder optimizers. Both updates differentiate the same forward
// computation, so neither sees the half-updated parameters of the other.
func (t *AdversarialTrainer) reconGraph(c *mlctx.Context, inputs, weights, mask *graph.Node) []*graph.Node {
	g := inputs.Graph()
	c.SetTraining(g, true)
	out := nn.Forward(c, t.cfg, nn.KindAdversarial, inputs, weights, mask)

	restore := freezeScope(c, decoderScope)
	t.encOpt.UpdateGraph(c, g, out.TotalLoss)
	restore()

	restore = freezeScope(c, encoderScope)
	t.decOpt.UpdateGraph(c, g, out.TotalLoss)
	restore()

	return []*graph.Node{out.TotalLoss, out.ReconLoss}
}

// advGraph builds the adversarial pass: the discriminator update on its loss
// and the encoder update on the generator loss. The decoder never appears in
// this graph.
func (t *AdversarialTrainer) advGraph(c *mlctx.Context, inputs *graph.Node) []*graph.Node {
	g := inputs.Graph()
	c.SetTraining(g, true)
	out := nn.AdversarialStep(c, t.cfg, inputs)

	restore := freezeScope(c, encoderScope)
	t.disOpt.UpdateGraph(c, g, out.DisLoss)
	restore()

	restore = freezeScope(c, discriminatorScope)
	t.genOpt.UpdateGraph(c, g, out.GenLoss)
	restore()

	return []*graph.Node{out.DisLoss, out.GenLoss, out.Score}
}

func (t *AdversarialTrainer) exec(key string, build func() *mlctx.Exec) *mlctx.Exec {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.execs[key]; ok {
		return e
	}
	e := build()
	t.execs[key] = e
	return e
}
