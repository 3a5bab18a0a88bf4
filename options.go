package cytovae

import (
	"log/slog"

	"github.com/hupe1980/cytovae/artifact"
)

type options struct {
	backend          string
	seed             int64
	deterministic    bool
	compression      artifact.Compression
	metricsCollector MetricsCollector
	logger           *Logger
}

// Option configures model construction behavior.
//
// Options exist to avoid exploding the builder surface with rarely-used
// knobs (backend selection, seeding, observability).
type Option func(*options)

// WithBackend configures the compute backend, e.g. "go" for the pure-Go
// engine or "xla:cpu" / "xla:cuda" for accelerated execution.
//
// If empty, the engine default is used (typically controlled by the
// GOMLX_BACKEND environment variable).
func WithBackend(config string) Option {
	return func(o *options) {
		o.backend = config
	}
}

// WithSeed seeds the model's random state (variable initialization, Gaussian
// sampling, prior draws) for reproducible runs.
//
// Without this option the random state is seeded from entropy, so two models
// built from the same config will not share initial weights.
func WithSeed(seed int64) Option {
	return func(o *options) {
		o.seed = seed
		o.deterministic = true
	}
}

// WithCompression selects the compression codec for checkpoint variable
// payloads written by Save. The default is zstd; loading always honors the
// codec recorded in the checkpoint manifest, regardless of this option.
func WithCompression(c artifact.Compression) Option {
	return func(o *options) {
		o.compression = c
	}
}

// WithMetricsCollector configures a metrics collector for monitoring
// operations. Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &cytovae.BasicMetricsCollector{}
//	m, _ := cytovae.VQVAE(2, 128).Build(cytovae.WithMetricsCollector(metrics))
//	// ... train ...
//	stats := metrics.GetStats()
//	fmt.Printf("Steps: %d, Avg latency: %dns\n", stats.StepCount, stats.StepAvgNanos)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := cytovae.NewJSONLogger(os.Stderr, slog.LevelInfo)
//	m, _ := cytovae.VQVAE(2, 128).Build(cytovae.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(nil, level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(nil, level)
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		compression:      artifact.CompressionZstd,
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if o.metricsCollector == nil {
		o.metricsCollector = NoopMetricsCollector{}
	}
	if o.logger == nil {
		o.logger = NoopLogger()
	}
	return o
}
