// Package nn holds the computation-graph building blocks of the model
// family: the convolutional encoder/decoder pair, the four latent
// bottlenecks (vector-quantized, Gaussian, importance-weighted, adversarial)
// and their losses, and the trajectory time-matching penalty.
//
// All functions in this package build gomlx graph nodes. They panic with
// gomlx exceptions on invalid shapes or configuration; the public API at the
// repository root converts those panics into errors. Image tensors cross the
// package boundary in [batch, channels, height, width] layout and are
// transposed to channels-last internally, where the convolution and batch
// normalization layers operate.
package nn

import "fmt"

// Kind selects the latent bottleneck variant.
type Kind uint8

const (
	// KindVectorQuantized is the discrete-codebook bottleneck with
	// straight-through gradients, commitment loss and perplexity tracking.
	KindVectorQuantized Kind = iota + 1

	// KindGaussian is the reparameterized Gaussian bottleneck with a KL
	// divergence penalty against the standard normal prior.
	KindGaussian

	// KindImportanceWeighted is the Gaussian bottleneck trained on the
	// importance-weighted multi-sample bound.
	KindImportanceWeighted

	// KindAdversarial is the deterministic bottleneck whose latent
	// distribution is shaped by a discriminator instead of a KL term.
	KindAdversarial
)

// String returns the canonical name, also used in config files and
// checkpoint manifests.
func (k Kind) String() string {
	switch k {
	case KindVectorQuantized:
		return "vqvae"
	case KindGaussian:
		return "vae"
	case KindImportanceWeighted:
		return "iwae"
	case KindAdversarial:
		return "aae"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseKind converts a canonical kind name back to its Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "vqvae":
		return KindVectorQuantized, nil
	case "vae":
		return KindGaussian, nil
	case "iwae":
		return KindImportanceWeighted, nil
	case "aae":
		return KindAdversarial, nil
	default:
		return 0, fmt.Errorf("nn: unknown kind %q", s)
	}
}
