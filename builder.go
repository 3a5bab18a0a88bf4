// Package cytovae provides latent representation learning for microscopy patches.
//
// This file implements kind-specific fluent builder APIs for creating and configuring models.
// Builders are immutable - each method returns a new builder with the updated configuration.
package cytovae

import (
	"github.com/hupe1980/cytovae/nn"
)

// =============================================================================
// VQVAE Builder (Immutable)
// =============================================================================

// VQVAE creates a builder for a vector-quantized model with the given number
// of input channels and square patch size. The bottleneck snaps each latent
// vector to its nearest codebook entry, so trained models emit discrete code
// indices alongside continuous latents.
//
// The builder is immutable - each method returns a new builder with the updated configuration.
// This ensures thread-safety and prevents accidental state sharing.
//
// Example:
//
//	m, err := cytovae.VQVAE(2, 128).
//	    NumHiddens(16).
//	    NumEmbeddings(64).
//	    CommitmentCost(0.25).
//	    Build()
func VQVAE(inputChannels, imageSize int) VQVAEBuilder {
	return VQVAEBuilder{cfg: nn.DefaultConfig(nn.KindVectorQuantized, inputChannels, imageSize)}
}

// VQVAEBuilder is an immutable fluent builder for vector-quantized models.
// Each method returns a new builder with the updated configuration.
type VQVAEBuilder struct {
	cfg     nn.Config
	logger  *Logger
	metrics MetricsCollector
}

// NumHiddens sets the latent channel width. Must be a positive multiple of 4.
// Default: 16.
func (b VQVAEBuilder) NumHiddens(n int) VQVAEBuilder {
	b.cfg.NumHiddens = n
	return b
}

// NumResidualHiddens sets the bottleneck width inside each residual block.
// Default: 32.
func (b VQVAEBuilder) NumResidualHiddens(n int) VQVAEBuilder {
	b.cfg.NumResidualHiddens = n
	return b
}

// NumResidualLayers sets the number of residual blocks closing the encoder.
// Default: 2.
func (b VQVAEBuilder) NumResidualLayers(n int) VQVAEBuilder {
	b.cfg.NumResidualLayers = n
	return b
}

// NumEmbeddings sets the codebook size K. Default: 64.
func (b VQVAEBuilder) NumEmbeddings(k int) VQVAEBuilder {
	b.cfg.NumEmbeddings = k
	return b
}

// CommitmentCost weighs the encoder commitment term of the quantization loss.
// Default: 0.25.
func (b VQVAEBuilder) CommitmentCost(c float64) VQVAEBuilder {
	b.cfg.CommitmentCost = c
	return b
}

// Alpha weighs the trajectory time-matching loss. Default: 0.005.
func (b VQVAEBuilder) Alpha(a float64) VQVAEBuilder {
	b.cfg.Alpha = a
	return b
}

// ChannelVariances fixes the per-channel scaling of the reconstruction error,
// one positive value per input channel. Default: 1 for every channel.
func (b VQVAEBuilder) ChannelVariances(v ...float64) VQVAEBuilder {
	b.cfg.ChannelVariances = append([]float64(nil), v...)
	return b
}

// Reduction overrides how the reconstruction error is reduced into the
// training loss. Default: mean.
func (b VQVAEBuilder) Reduction(r nn.Reduction) VQVAEBuilder {
	b.cfg.Reduction = r
	return b
}

// Logger sets the structured logger for operations.
func (b VQVAEBuilder) Logger(l *Logger) VQVAEBuilder {
	b.logger = l
	return b
}

// Metrics sets the metrics collector for monitoring.
func (b VQVAEBuilder) Metrics(mc MetricsCollector) VQVAEBuilder {
	b.metrics = mc
	return b
}

// Build creates the vector-quantized model.
func (b VQVAEBuilder) Build(optFns ...Option) (*Model, error) {
	return newModel(nn.KindVectorQuantized, b.cfg, combineOptions(b.logger, b.metrics, optFns)...)
}

// MustBuild creates the model, panicking on error.
func (b VQVAEBuilder) MustBuild(optFns ...Option) *Model {
	m, err := b.Build(optFns...)
	if err != nil {
		panic(err)
	}
	return m
}

// =============================================================================
// VAE Builder (Immutable)
// =============================================================================

// VAE creates a builder for a Gaussian model with the given number of input
// channels and square patch size. The bottleneck predicts a per-position mean
// and log-variance, samples through the reparameterization trick and adds a
// KL divergence term against the unit Gaussian prior.
//
// The builder is immutable - each method returns a new builder with the updated configuration.
//
// Example:
//
//	m, err := cytovae.VAE(2, 128).
//	    NumHiddens(16).
//	    Alpha(0.005).
//	    Build()
func VAE(inputChannels, imageSize int) VAEBuilder {
	return VAEBuilder{cfg: nn.DefaultConfig(nn.KindGaussian, inputChannels, imageSize)}
}

// VAEBuilder is an immutable fluent builder for Gaussian models.
// Each method returns a new builder with the updated configuration.
type VAEBuilder struct {
	cfg     nn.Config
	logger  *Logger
	metrics MetricsCollector
}

// NumHiddens sets the latent channel width. Must be a positive multiple of 4.
// Default: 16.
func (b VAEBuilder) NumHiddens(n int) VAEBuilder {
	b.cfg.NumHiddens = n
	return b
}

// NumResidualHiddens sets the bottleneck width inside each residual block.
// Default: 32.
func (b VAEBuilder) NumResidualHiddens(n int) VAEBuilder {
	b.cfg.NumResidualHiddens = n
	return b
}

// NumResidualLayers sets the number of residual blocks closing the encoder.
// Default: 2.
func (b VAEBuilder) NumResidualLayers(n int) VAEBuilder {
	b.cfg.NumResidualLayers = n
	return b
}

// Alpha weighs the trajectory time-matching loss. Default: 0.005.
func (b VAEBuilder) Alpha(a float64) VAEBuilder {
	b.cfg.Alpha = a
	return b
}

// ChannelVariances fixes the per-channel scaling of the reconstruction error,
// one positive value per input channel. Default: 1 for every channel.
func (b VAEBuilder) ChannelVariances(v ...float64) VAEBuilder {
	b.cfg.ChannelVariances = append([]float64(nil), v...)
	return b
}

// Reduction overrides how the reconstruction error is reduced into the
// training loss. Default: sum.
func (b VAEBuilder) Reduction(r nn.Reduction) VAEBuilder {
	b.cfg.Reduction = r
	return b
}

// Logger sets the structured logger for operations.
func (b VAEBuilder) Logger(l *Logger) VAEBuilder {
	b.logger = l
	return b
}

// Metrics sets the metrics collector for monitoring.
func (b VAEBuilder) Metrics(mc MetricsCollector) VAEBuilder {
	b.metrics = mc
	return b
}

// Build creates the Gaussian model.
func (b VAEBuilder) Build(optFns ...Option) (*Model, error) {
	return newModel(nn.KindGaussian, b.cfg, combineOptions(b.logger, b.metrics, optFns)...)
}

// MustBuild creates the model, panicking on error.
func (b VAEBuilder) MustBuild(optFns ...Option) *Model {
	m, err := b.Build(optFns...)
	if err != nil {
		panic(err)
	}
	return m
}

// =============================================================================
// IWAE Builder (Immutable)
// =============================================================================

// IWAE creates a builder for an importance-weighted Gaussian model with the
// given number of input channels and square patch size. The bottleneck draws
// several latent samples per image and trains on the tighter
// importance-weighted bound instead of the plain KL objective.
//
// The builder is immutable - each method returns a new builder with the updated configuration.
//
// Example:
//
//	m, err := cytovae.IWAE(2, 128).
//	    NumHiddens(16).
//	    NumSamples(8).
//	    Build()
func IWAE(inputChannels, imageSize int) IWAEBuilder {
	return IWAEBuilder{cfg: nn.DefaultConfig(nn.KindImportanceWeighted, inputChannels, imageSize)}
}

// IWAEBuilder is an immutable fluent builder for importance-weighted models.
// Each method returns a new builder with the updated configuration.
type IWAEBuilder struct {
	cfg     nn.Config
	logger  *Logger
	metrics MetricsCollector
}

// NumHiddens sets the latent channel width. Must be a positive multiple of 4.
// Default: 16.
func (b IWAEBuilder) NumHiddens(n int) IWAEBuilder {
	b.cfg.NumHiddens = n
	return b
}

// NumResidualHiddens sets the bottleneck width inside each residual block.
// Default: 32.
func (b IWAEBuilder) NumResidualHiddens(n int) IWAEBuilder {
	b.cfg.NumResidualHiddens = n
	return b
}

// NumResidualLayers sets the number of residual blocks closing the encoder.
// Default: 2.
func (b IWAEBuilder) NumResidualLayers(n int) IWAEBuilder {
	b.cfg.NumResidualLayers = n
	return b
}

// NumSamples sets the number of latent samples of the importance-weighted
// bound. Higher values tighten the bound but multiply decoder cost.
// Default: 5.
func (b IWAEBuilder) NumSamples(k int) IWAEBuilder {
	b.cfg.NumSamples = k
	return b
}

// Alpha weighs the trajectory time-matching loss. Default: 0.005.
func (b IWAEBuilder) Alpha(a float64) IWAEBuilder {
	b.cfg.Alpha = a
	return b
}

// ChannelVariances fixes the per-channel scaling of the reconstruction error,
// one positive value per input channel. Default: 1 for every channel.
func (b IWAEBuilder) ChannelVariances(v ...float64) IWAEBuilder {
	b.cfg.ChannelVariances = append([]float64(nil), v...)
	return b
}

// Reduction overrides how the reconstruction error is reduced into the
// training loss. Default: sum.
func (b IWAEBuilder) Reduction(r nn.Reduction) IWAEBuilder {
	b.cfg.Reduction = r
	return b
}

// Logger sets the structured logger for operations.
func (b IWAEBuilder) Logger(l *Logger) IWAEBuilder {
	b.logger = l
	return b
}

// Metrics sets the metrics collector for monitoring.
func (b IWAEBuilder) Metrics(mc MetricsCollector) IWAEBuilder {
	b.metrics = mc
	return b
}

// Build creates the importance-weighted model.
func (b IWAEBuilder) Build(optFns ...Option) (*Model, error) {
	return newModel(nn.KindImportanceWeighted, b.cfg, combineOptions(b.logger, b.metrics, optFns)...)
}

// MustBuild creates the model, panicking on error.
func (b IWAEBuilder) MustBuild(optFns ...Option) *Model {
	m, err := b.Build(optFns...)
	if err != nil {
		panic(err)
	}
	return m
}

// =============================================================================
// AAE Builder (Immutable)
// =============================================================================

// AAE creates a builder for an adversarial model with the given number of
// input channels and square patch size. The bottleneck is shaped by a latent
// discriminator trained against a unit Gaussian prior, so the model must be
// trained with train.NewAdversarial. Requires an image size of at least 64.
//
// The builder is immutable - each method returns a new builder with the updated configuration.
//
// Example:
//
//	m, err := cytovae.AAE(2, 128).
//	    NumHiddens(16).
//	    Build()
func AAE(inputChannels, imageSize int) AAEBuilder {
	return AAEBuilder{cfg: nn.DefaultConfig(nn.KindAdversarial, inputChannels, imageSize)}
}

// AAEBuilder is an immutable fluent builder for adversarial models.
// Each method returns a new builder with the updated configuration.
type AAEBuilder struct {
	cfg     nn.Config
	logger  *Logger
	metrics MetricsCollector
}

// NumHiddens sets the latent channel width. Must be a positive multiple of 4.
// Default: 16.
func (b AAEBuilder) NumHiddens(n int) AAEBuilder {
	b.cfg.NumHiddens = n
	return b
}

// NumResidualHiddens sets the bottleneck width inside each residual block.
// Default: 32.
func (b AAEBuilder) NumResidualHiddens(n int) AAEBuilder {
	b.cfg.NumResidualHiddens = n
	return b
}

// NumResidualLayers sets the number of residual blocks closing the encoder.
// Default: 2.
func (b AAEBuilder) NumResidualLayers(n int) AAEBuilder {
	b.cfg.NumResidualLayers = n
	return b
}

// Alpha weighs the trajectory time-matching loss. Default: 0.005.
func (b AAEBuilder) Alpha(a float64) AAEBuilder {
	b.cfg.Alpha = a
	return b
}

// ChannelVariances fixes the per-channel scaling of the reconstruction error,
// one positive value per input channel. Default: 1 for every channel.
func (b AAEBuilder) ChannelVariances(v ...float64) AAEBuilder {
	b.cfg.ChannelVariances = append([]float64(nil), v...)
	return b
}

// Reduction overrides how the reconstruction error is reduced into the
// training loss. Default: mean.
func (b AAEBuilder) Reduction(r nn.Reduction) AAEBuilder {
	b.cfg.Reduction = r
	return b
}

// Logger sets the structured logger for operations.
func (b AAEBuilder) Logger(l *Logger) AAEBuilder {
	b.logger = l
	return b
}

// Metrics sets the metrics collector for monitoring.
func (b AAEBuilder) Metrics(mc MetricsCollector) AAEBuilder {
	b.metrics = mc
	return b
}

// Build creates the adversarial model.
func (b AAEBuilder) Build(optFns ...Option) (*Model, error) {
	return newModel(nn.KindAdversarial, b.cfg, combineOptions(b.logger, b.metrics, optFns)...)
}

// MustBuild creates the model, panicking on error.
func (b AAEBuilder) MustBuild(optFns ...Option) *Model {
	m, err := b.Build(optFns...)
	if err != nil {
		panic(err)
	}
	return m
}

// combineOptions prepends builder-level logger and metrics settings so that
// explicit Build options still win.
func combineOptions(logger *Logger, metrics MetricsCollector, optFns []Option) []Option {
	var opts []Option
	if logger != nil {
		opts = append(opts, WithLogger(logger))
	}
	if metrics != nil {
		opts = append(opts, WithMetricsCollector(metrics))
	}
	return append(opts, optFns...)
}
