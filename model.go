package cytovae

import (
	"fmt"
	"slices"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"

	// Register the pure-Go backend so models run without a PJRT plugin.
	// Accelerated backends can still be selected via WithBackend or the
	// GOMLX_BACKEND environment variable when their packages are linked in.
	_ "github.com/gomlx/gomlx/backends/simplego"
	mlctx "github.com/gomlx/gomlx/ml/context"

	"github.com/hupe1980/cytovae/artifact"
	"github.com/hupe1980/cytovae/nn"
)

// Model is one autoencoder: a convolutional encoder/decoder pair around a
// single latent bottleneck of the configured kind.
//
// All learned state lives as named variables in the embedded ml context, so
// trainers and checkpointing operate on the same storage the inference graphs
// read. Inference entry points (Forward, Embed, EmbedIndices, Reconstruct,
// DecodeIndices) may be called concurrently with each other; training steps
// mutate variables and must not overlap with them.
type Model struct {
	kind nn.Kind
	cfg  nn.Config

	backend backends.Backend
	mlCtx   *mlctx.Context

	compression artifact.Compression
	metrics     MetricsCollector
	logger      *Logger

	mu       sync.Mutex
	closed   bool
	execs    map[string]*mlctx.Exec
	coverage *roaring.Bitmap // codebook entries observed at inference
}

// New creates a model from an explicit configuration. Most callers should
// prefer the kind builders (VQVAE, VAE, IWAE, AAE); New exists for
// programmatic construction, e.g. from a parsed experiment file.
func New(kind nn.Kind, cfg nn.Config, optFns ...Option) (*Model, error) {
	return newModel(kind, cfg, optFns...)
}

// newModel is the internal constructor behind New and the kind builders.
func newModel(kind nn.Kind, cfg nn.Config, optFns ...Option) (*Model, error) {
	if err := cfg.Validate(kind); err != nil {
		return nil, translateError(err)
	}

	opts := applyOptions(optFns)

	var (
		backend backends.Backend
		err     error
	)
	if opts.backend == "" {
		err = exceptions.TryCatch[error](func() { backend = backends.MustNew() })
	} else {
		backend, err = backends.NewWithConfig(opts.backend)
	}
	if err != nil {
		return nil, fmt.Errorf("cytovae: failed to create backend: %w", err)
	}

	ctx := mlctx.New()
	if opts.deterministic {
		ctx.RngStateFromSeed(opts.seed)
	}

	return &Model{
		kind:        kind,
		cfg:         cloneConfig(cfg),
		backend:     backend,
		mlCtx:       ctx,
		compression: opts.compression,
		metrics:     opts.metricsCollector,
		logger:      opts.logger.WithKind(kind.String()),
		execs:       make(map[string]*mlctx.Exec),
		coverage:    roaring.New(),
	}, nil
}

func cloneConfig(cfg nn.Config) nn.Config {
	cfg.ChannelVariances = slices.Clone(cfg.ChannelVariances)
	return cfg
}

// Kind returns the bottleneck kind of this model.
func (m *Model) Kind() nn.Kind { return m.kind }

// Config returns a copy of the architecture configuration.
func (m *Model) Config() nn.Config { return cloneConfig(m.cfg) }

// Backend returns the compute backend executing this model's graphs.
func (m *Model) Backend() backends.Backend { return m.backend }

// Context returns the ml context holding the model variables. Trainers build
// their update graphs on it; most callers never need it.
func (m *Model) Context() *mlctx.Context { return m.mlCtx }

// CodebookCoverage reports how many distinct codebook entries this model
// instance has emitted across its inference passes, out of the configured
// codebook size. A low ratio after training signals codebook collapse.
// Both values are zero for non-quantized kinds.
func (m *Model) CodebookCoverage() (used, total int) {
	if m.kind != nn.KindVectorQuantized {
		return 0, 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return int(m.coverage.GetCardinality()), m.cfg.NumEmbeddings
}

func (m *Model) observeCodes(codes []int32) {
	if m.kind != nn.KindVectorQuantized {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	for _, code := range codes {
		m.coverage.Add(uint32(code))
	}
}

// exec returns the cached executor for key, building it on first use. Each
// executor compiles one graph per input shape, so varying batch sizes reuse
// the same entry.
func (m *Model) exec(key string, build func() *mlctx.Exec) (*mlctx.Exec, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if e, ok := m.execs[key]; ok {
		return e, nil
	}
	var e *mlctx.Exec
	if err := exceptions.TryCatch[error](func() { e = build() }); err != nil {
		return nil, translateError(err)
	}
	m.execs[key] = e
	return e, nil
}

func (m *Model) ensureOpen() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// numVariables counts the variables currently held by the ml context.
func (m *Model) numVariables() int {
	n := 0
	m.mlCtx.EnumerateVariables(func(*mlctx.Variable) { n++ })
	return n
}
