// Package train orchestrates the optimization loops of the model family.
//
// The standard Trainer steps one Adam optimizer on the total loss and covers
// the vector-quantized and Gaussian kinds. The AdversarialTrainer drives the
// adversarial kind with four independently scoped Adam instances, alternating
// a reconstruction step with a discriminator/generator round on every batch.
//
// Both trainers slice batches through a patch.Dataset, compile one update
// step per optional-input combination and honor context cancellation between
// batches. The per-epoch progress line written to the configured writer is a
// compatibility surface; structured logging and metrics run alongside it.
package train

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	mlctx "github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"

	"github.com/hupe1980/cytovae"
	"github.com/hupe1980/cytovae/artifact"
	"github.com/hupe1980/cytovae/nn"
	"github.com/hupe1980/cytovae/patch"
	"github.com/hupe1980/cytovae/relation"
)

// DefaultLearningRate is used when no learning rate option is given.
const DefaultLearningRate = 1e-3

// Variable scopes of the model parameter groups. The adversarial trainer
// binds each of its optimizers to one of them.
const (
	encoderScope       = "/encoder"
	decoderScope       = "/decoder"
	discriminatorScope = "/discriminator"
)

type options struct {
	batchSize       int
	numEpochs       int
	learningRate    float64
	disLearningRate float64
	genLearningRate float64
	maskChannel     int
	progress        io.Writer
	store           artifact.Store
	checkpointEvery int
	logger          *cytovae.Logger
	metrics         cytovae.MetricsCollector
}

// Option configures a Trainer or AdversarialTrainer.
type Option func(*options)

// WithBatchSize sets the number of patches per optimization step. The last
// batch of an epoch may be smaller. Default: patch.DefaultBatchSize.
func WithBatchSize(n int) Option {
	return func(o *options) {
		o.batchSize = n
	}
}

// WithNumEpochs sets the number of passes over the dataset. Default: 1.
func WithNumEpochs(n int) Option {
	return func(o *options) {
		o.numEpochs = n
	}
}

// WithLearningRate sets the Adam learning rate. For the adversarial trainer
// it applies to all four optimizers unless WithLearningRates overrides the
// discriminator and generator rates. Default: DefaultLearningRate.
func WithLearningRate(lr float64) Option {
	return func(o *options) {
		o.learningRate = lr
	}
}

// WithLearningRates sets separate learning rates for the reconstruction,
// discriminator and generator optimizers of the adversarial trainer. The
// standard Trainer uses only the reconstruction rate.
func WithLearningRates(recon, dis, gen float64) Option {
	return func(o *options) {
		o.learningRate = recon
		o.disLearningRate = dis
		o.genLearningRate = gen
	}
}

// WithMaskChannel selects which channel of the mask stack is applied to the
// reconstruction error. Defaults to 1, the enlarged single-cell mask.
func WithMaskChannel(c int) Option {
	return func(o *options) {
		o.maskChannel = c
	}
}

// WithProgress sets the writer receiving the one-line-per-epoch progress
// output. Progress is discarded when unset.
func WithProgress(w io.Writer) Option {
	return func(o *options) {
		o.progress = w
	}
}

// WithCheckpoint saves the model into store after every everyEpochs-th epoch
// and after the final one, under keys epoch-0001, epoch-0002, ... with the
// LATEST pointer repointed after each save. everyEpochs below 1 saves every
// epoch.
func WithCheckpoint(store artifact.Store, everyEpochs int) Option {
	return func(o *options) {
		o.store = store
		o.checkpointEvery = everyEpochs
	}
}

// WithLogger sets the structured logger for step and epoch events. Per-step
// records are rate-limited so tight loops do not flood the handler.
func WithLogger(l *cytovae.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithMetricsCollector sets the collector receiving step and epoch metrics.
func WithMetricsCollector(mc cytovae.MetricsCollector) Option {
	return func(o *options) {
		o.metrics = mc
	}
}

func applyOptions(optFns ...Option) options {
	opts := options{
		batchSize:    patch.DefaultBatchSize,
		numEpochs:    1,
		learningRate: DefaultLearningRate,
		maskChannel:  1,
		progress:     io.Discard,
		logger:       cytovae.NoopLogger(),
		metrics:      cytovae.NoopMetricsCollector{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.disLearningRate == 0 {
		opts.disLearningRate = opts.learningRate
	}
	if opts.genLearningRate == 0 {
		opts.genLearningRate = opts.learningRate
	}
	if opts.progress == nil {
		opts.progress = io.Discard
	}
	if opts.logger == nil {
		opts.logger = cytovae.NoopLogger()
	}
	if opts.metrics == nil {
		opts.metrics = cytovae.NoopMetricsCollector{}
	}
	if opts.store != nil && opts.checkpointEvery < 1 {
		opts.checkpointEvery = 1
	}
	return opts
}

func (o options) validate() error {
	if o.batchSize < 1 {
		return &cytovae.ConfigError{Field: "BatchSize", Reason: "must be positive"}
	}
	if o.numEpochs < 1 {
		return &cytovae.ConfigError{Field: "NumEpochs", Reason: "must be positive"}
	}
	if o.learningRate <= 0 {
		return &cytovae.ConfigError{Field: "LearningRate", Reason: "must be positive"}
	}
	if o.disLearningRate <= 0 || o.genLearningRate <= 0 {
		return &cytovae.ConfigError{Field: "LearningRates", Reason: "must be positive"}
	}
	return nil
}

// newDataset builds the per-Fit batch source from the caller's stack and the
// optional relation matrix and mask stack.
func (o options) newDataset(stack *patch.Stack, matrix *relation.Matrix, masks *patch.Stack) (*patch.Dataset, error) {
	dsOpts := []patch.DatasetOption{patch.WithBatchSize(o.batchSize)}
	if matrix != nil {
		dsOpts = append(dsOpts, patch.WithRelationMatrix(matrix))
	}
	if masks != nil {
		dsOpts = append(dsOpts, patch.WithMasks(masks), patch.WithMaskChannel(o.maskChannel))
	}
	return patch.NewDataset("train", stack, dsOpts...)
}

// shouldCheckpoint reports whether the model is saved after the given
// zero-based epoch.
func (o options) shouldCheckpoint(epoch int) bool {
	if o.store == nil {
		return false
	}
	if epoch == o.numEpochs-1 {
		return true
	}
	return (epoch+1)%o.checkpointEvery == 0
}

// saveCheckpoint writes the model under a 1-based epoch key and repoints the
// LATEST marker at it.
func (o options) saveCheckpoint(ctx context.Context, m *cytovae.Model, epoch int) error {
	key := fmt.Sprintf("epoch-%04d", epoch+1)
	if err := m.Save(ctx, o.store, key); err != nil {
		return err
	}
	return artifact.SetLatest(ctx, o.store, key)
}

// freezeScope marks every trainable variable at or below scope as frozen and
// returns the undo. Optimizer update graphs capture trainability at build
// time, which is how each optimizer is bound to its parameter subset. Only
// variables that were trainable are restored, so permanently frozen state
// such as batch normalization moving statistics stays frozen.
func freezeScope(ctx *mlctx.Context, scope string) (restore func()) {
	var frozen []*mlctx.Variable
	ctx.EnumerateVariables(func(v *mlctx.Variable) {
		if !v.Trainable {
			return
		}
		if v.Scope() == scope || strings.HasPrefix(v.Scope(), scope+"/") {
			v.Trainable = false
			frozen = append(frozen, v)
		}
	})
	return func() {
		for _, v := range frozen {
			v.Trainable = true
		}
	}
}

// translateError maps graph-building panic values recovered by the exec
// layer onto the public error types.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	var sm *nn.ErrShapeMismatch
	if errors.As(err, &sm) {
		return &cytovae.ShapeError{Op: sm.Op, Want: sm.Want, Got: sm.Got}
	}
	var ic *nn.ErrInvalidConfig
	if errors.As(err, &ic) {
		return &cytovae.ConfigError{Field: ic.Field, Reason: ic.Reason}
	}
	return err
}

func callArgs(inputs []*tensors.Tensor) []any {
	args := make([]any, len(inputs))
	for i, in := range inputs {
		args[i] = in
	}
	return args
}

func scalar64(t *tensors.Tensor) float64 {
	return float64(tensors.CopyFlatData[float32](t)[0])
}

func mean(sum float64, n int) float64 {
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
