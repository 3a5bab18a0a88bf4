package nn

import "fmt"

// Numeric floors inside the loss graphs. Reported losses are reproducible
// only with these exact values.
const (
	// PerplexityFloor is added to the average code-usage probabilities
	// before the logarithm in the perplexity computation.
	PerplexityFloor = 1e-10

	// DiscriminatorFloor is added to discriminator probabilities before the
	// logarithms in the adversarial losses.
	DiscriminatorFloor = 1e-9
)

// ErrInvalidConfig reports a configuration field that failed validation.
type ErrInvalidConfig struct {
	Field  string
	Reason string
}

func (e *ErrInvalidConfig) Error() string {
	return fmt.Sprintf("nn: invalid config %s: %s", e.Field, e.Reason)
}

// ErrShapeMismatch reports an input tensor whose shape does not match the
// configuration.
type ErrShapeMismatch struct {
	Op   string
	Want []int
	Got  []int
}

func (e *ErrShapeMismatch) Error() string {
	return fmt.Sprintf("nn: %s: shape mismatch: want %v, got %v", e.Op, e.Want, e.Got)
}
