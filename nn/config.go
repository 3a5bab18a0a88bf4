package nn

import "fmt"

// Reduction selects how the per-element reconstruction error is reduced into
// the training loss.
type Reduction uint8

const (
	// ReductionMean averages the variance-scaled error over every element.
	ReductionMean Reduction = iota + 1

	// ReductionSum sums the variance-scaled error over every element. The
	// reported reconstruction loss is still normalized per element so the
	// two reductions log comparable values.
	ReductionSum
)

func (r Reduction) String() string {
	switch r {
	case ReductionMean:
		return "mean"
	case ReductionSum:
		return "sum"
	default:
		return fmt.Sprintf("reduction(%d)", uint8(r))
	}
}

// ParseReduction converts a canonical reduction name back to its Reduction.
func ParseReduction(s string) (Reduction, error) {
	switch s {
	case "mean":
		return ReductionMean, nil
	case "sum":
		return ReductionSum, nil
	default:
		return 0, fmt.Errorf("nn: unknown reduction %q", s)
	}
}

// DefaultReduction returns the reduction each bottleneck kind trains with:
// mean for the vector-quantized and adversarial variants, sum for the
// Gaussian ones (whose KL and importance-weight terms are per-image sums).
func DefaultReduction(kind Kind) Reduction {
	switch kind {
	case KindGaussian, KindImportanceWeighted:
		return ReductionSum
	default:
		return ReductionMean
	}
}

// Config holds the architecture hyperparameters shared by all bottleneck
// kinds. The zero value is not usable; start from DefaultConfig.
type Config struct {
	// InputChannels is the number of image channels (e.g. phase + retardance).
	InputChannels int

	// ImageSize is the height and width of the square input patches. The
	// encoder downsamples three times, so it must be divisible by 8.
	ImageSize int

	// NumHiddens is the channel width of the latent space and the widest
	// encoder/decoder layers. Must be divisible by 4.
	NumHiddens int

	// NumResidualHiddens is the bottleneck width inside each residual block.
	NumResidualHiddens int

	// NumResidualLayers is the number of residual blocks closing the encoder.
	NumResidualLayers int

	// NumEmbeddings is the codebook size K of the vector-quantized bottleneck.
	NumEmbeddings int

	// CommitmentCost weighs the encoder commitment term of the
	// vector-quantized loss.
	CommitmentCost float64

	// Alpha weighs the trajectory time-matching loss.
	Alpha float64

	// NumSamples is the number of latent samples of the importance-weighted
	// bound.
	NumSamples int

	// ChannelVariances scales the per-channel reconstruction error, one
	// positive value per input channel. These are fixed constants, never
	// trained.
	ChannelVariances []float64

	// Reduction selects mean or sum reduction of the reconstruction error.
	Reduction Reduction
}

// DefaultConfig returns the reference hyperparameters for a bottleneck kind,
// with unit channel variances.
func DefaultConfig(kind Kind, inputChannels, imageSize int) Config {
	variances := make([]float64, inputChannels)
	for i := range variances {
		variances[i] = 1
	}
	return Config{
		InputChannels:      inputChannels,
		ImageSize:          imageSize,
		NumHiddens:         16,
		NumResidualHiddens: 32,
		NumResidualLayers:  2,
		NumEmbeddings:      64,
		CommitmentCost:     0.25,
		Alpha:              0.005,
		NumSamples:         5,
		ChannelVariances:   variances,
		Reduction:          DefaultReduction(kind),
	}
}

// LatentSize returns the height and width of the latent grid.
func (c Config) LatentSize() int { return c.ImageSize / 8 }

// LatentLen returns the flattened latent length NumHiddens * LatentSize^2.
func (c Config) LatentLen() int {
	return c.NumHiddens * c.LatentSize() * c.LatentSize()
}

// InputShape returns the expected input dimensions [batch, C, H, W] with a
// free batch dimension (-1).
func (c Config) InputShape() []int {
	return []int{-1, c.InputChannels, c.ImageSize, c.ImageSize}
}

// Validate checks the configuration for the given bottleneck kind.
func (c Config) Validate(kind Kind) error {
	switch kind {
	case KindVectorQuantized, KindGaussian, KindImportanceWeighted, KindAdversarial:
	default:
		return &ErrInvalidConfig{Field: "Kind", Reason: fmt.Sprintf("unknown kind %d", kind)}
	}
	if c.InputChannels < 1 {
		return &ErrInvalidConfig{Field: "InputChannels", Reason: "must be at least 1"}
	}
	if c.ImageSize < 8 || c.ImageSize%8 != 0 {
		return &ErrInvalidConfig{Field: "ImageSize", Reason: "must be a positive multiple of 8"}
	}
	if c.NumHiddens < 4 || c.NumHiddens%4 != 0 {
		return &ErrInvalidConfig{Field: "NumHiddens", Reason: "must be a positive multiple of 4"}
	}
	if c.NumResidualHiddens < 1 {
		return &ErrInvalidConfig{Field: "NumResidualHiddens", Reason: "must be at least 1"}
	}
	if c.NumResidualLayers < 0 {
		return &ErrInvalidConfig{Field: "NumResidualLayers", Reason: "must not be negative"}
	}
	if kind == KindVectorQuantized && c.NumEmbeddings < 1 {
		return &ErrInvalidConfig{Field: "NumEmbeddings", Reason: "must be at least 1"}
	}
	if c.CommitmentCost < 0 {
		return &ErrInvalidConfig{Field: "CommitmentCost", Reason: "must not be negative"}
	}
	if c.Alpha < 0 {
		return &ErrInvalidConfig{Field: "Alpha", Reason: "must not be negative"}
	}
	if kind == KindImportanceWeighted && c.NumSamples < 1 {
		return &ErrInvalidConfig{Field: "NumSamples", Reason: "must be at least 1"}
	}
	if kind == KindAdversarial && c.ImageSize < 64 {
		return &ErrInvalidConfig{Field: "ImageSize", Reason: "must be at least 64 for the adversarial kind"}
	}
	if len(c.ChannelVariances) != c.InputChannels {
		return &ErrInvalidConfig{
			Field:  "ChannelVariances",
			Reason: fmt.Sprintf("needs %d values, got %d", c.InputChannels, len(c.ChannelVariances)),
		}
	}
	for i, v := range c.ChannelVariances {
		if v <= 0 {
			return &ErrInvalidConfig{
				Field:  "ChannelVariances",
				Reason: fmt.Sprintf("channel %d variance must be positive, got %g", i, v),
			}
		}
	}
	switch c.Reduction {
	case ReductionMean, ReductionSum:
	default:
		return &ErrInvalidConfig{Field: "Reduction", Reason: "must be ReductionMean or ReductionSum"}
	}
	return nil
}
