package cytovae

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Logger provides structured logging for model and trainer operations.
// It wraps slog.Logger with domain-specific helpers so call sites stay terse.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a logger backed by the given handler.
// If handler is nil, a text handler writing to stderr at LevelInfo is used.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewJSONLogger creates a logger that writes JSON records to w at the given
// level. If w is nil, stderr is used.
func NewJSONLogger(w io.Writer, level slog.Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return &Logger{Logger: slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))}
}

// NewTextLogger creates a logger that writes human-readable records to w at
// the given level. If w is nil, stderr is used.
func NewTextLogger(w io.Writer, level slog.Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return &Logger{Logger: slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))}
}

// NoopLogger creates a logger that discards all log output.
// Useful as a default when logging is not configured.
func NoopLogger() *Logger {
	// Level far above any used level, so records are never emitted.
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.Level(1000),
	}))}
}

// WithKind returns a logger with the model kind attached to all records.
func (l *Logger) WithKind(kind string) *Logger {
	return &Logger{Logger: l.Logger.With("kind", kind)}
}

// WithDevice returns a logger with the device config attached to all records.
func (l *Logger) WithDevice(device string) *Logger {
	return &Logger{Logger: l.Logger.With("device", device)}
}

// WithEpoch returns a logger with the epoch number attached to all records.
func (l *Logger) WithEpoch(epoch int) *Logger {
	return &Logger{Logger: l.Logger.With("epoch", epoch)}
}

// LogStep logs a single optimization step at debug level.
func (l *Logger) LogStep(ctx context.Context, step int, totalLoss float64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "train step failed",
			"step", step,
			"error", err)
		return
	}
	l.DebugContext(ctx, "train step completed",
		"step", step,
		"total_loss", totalLoss)
}

// LogAdversarialStep logs one discriminator/generator round at debug level.
func (l *Logger) LogAdversarialStep(ctx context.Context, step int, disLoss, genLoss float64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "adversarial step failed",
			"step", step,
			"error", err)
		return
	}
	l.DebugContext(ctx, "adversarial step completed",
		"step", step,
		"dis_loss", disLoss,
		"gen_loss", genLoss)
}

// LogEpoch logs an epoch summary.
func (l *Logger) LogEpoch(ctx context.Context, epoch int, reconLoss float64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "epoch failed",
			"epoch", epoch,
			"error", err)
		return
	}
	l.InfoContext(ctx, "epoch completed",
		"epoch", epoch,
		"recon_loss", reconLoss)
}

// LogReorder logs a trajectory reorder operation.
func (l *Logger) LogReorder(ctx context.Context, n, blocks int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "reorder failed",
			"patches", n,
			"error", err)
		return
	}
	l.InfoContext(ctx, "reorder completed",
		"patches", n,
		"blocks", blocks)
}

// LogEmbed logs an inference pass (embed, reconstruct, forward).
func (l *Logger) LogEmbed(ctx context.Context, op string, n int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "inference failed",
			"op", op,
			"patches", n,
			"error", err)
		return
	}
	l.DebugContext(ctx, "inference completed",
		"op", op,
		"patches", n)
}

// LogCheckpoint logs a checkpoint save or load.
func (l *Logger) LogCheckpoint(ctx context.Context, op, key string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "checkpoint failed",
			"op", op,
			"key", key,
			"error", err)
		return
	}
	l.InfoContext(ctx, "checkpoint completed",
		"op", op,
		"key", key)
}

// LogLoad logs a dataset load.
func (l *Logger) LogLoad(ctx context.Context, path string, n int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "load failed",
			"path", path,
			"error", err)
		return
	}
	l.InfoContext(ctx, "load completed",
		"path", path,
		"patches", n)
}

// LogSave logs an array or latent dump save.
func (l *Logger) LogSave(ctx context.Context, path string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "save failed",
			"path", path,
			"error", err)
		return
	}
	l.InfoContext(ctx, "save completed",
		"path", path)
}
