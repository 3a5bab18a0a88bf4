package cytovae

import (
	"errors"
	"fmt"

	"github.com/hupe1980/cytovae/nn"
	"github.com/hupe1980/cytovae/relation"
)

var (
	// ErrClosed is returned when an operation is attempted on a closed model.
	ErrClosed = errors.New("model is closed")

	// ErrNotTrained is returned when an operation requires model variables
	// that have not been created yet (no training step or checkpoint load).
	ErrNotTrained = errors.New("model has no variables yet")

	// ErrUnknownKind is returned for an unrecognized bottleneck kind.
	ErrUnknownKind = errors.New("unknown model kind")
)

// Numeric floors applied inside the loss graphs. They are part of the model
// contract: reported losses are reproducible only with these exact values.
const (
	// PerplexityFloor is added to the code-usage probabilities before the
	// logarithm in the perplexity computation.
	PerplexityFloor = nn.PerplexityFloor

	// DiscriminatorFloor is added to discriminator outputs before the
	// logarithm in the adversarial losses.
	DiscriminatorFloor = nn.DiscriminatorFloor
)

// ShapeError indicates an input tensor whose shape does not match the model
// configuration.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ShapeError struct {
	Op    string
	Want  []int
	Got   []int
	cause error
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: shape mismatch: want %v, got %v", e.Op, e.Want, e.Got)
}

func (e *ShapeError) Unwrap() error { return e.cause }

// ConfigError indicates an invalid model or trainer configuration value.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ConfigError struct {
	Field  string
	Reason string
	cause  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.cause }

// GraphError indicates a relation graph referencing a patch index outside the
// stack it describes.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type GraphError struct {
	Index int
	Size  int
	cause error
}

func (e *GraphError) Error() string {
	return fmt.Sprintf("relation index %d out of range [0,%d)", e.Index, e.Size)
}

func (e *GraphError) Unwrap() error { return e.cause }

func translateError(err error) error {
	if err == nil {
		return nil
	}

	var ic *nn.ErrInvalidConfig
	if errors.As(err, &ic) {
		return &ConfigError{Field: ic.Field, Reason: ic.Reason, cause: err}
	}
	var sm *nn.ErrShapeMismatch
	if errors.As(err, &sm) {
		return &ShapeError{Op: sm.Op, Want: sm.Want, Got: sm.Got, cause: err}
	}
	var oor *relation.ErrIndexOutOfRange
	if errors.As(err, &oor) {
		return &GraphError{Index: oor.Index, Size: oor.Size, cause: err}
	}

	return err
}
