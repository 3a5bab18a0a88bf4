package patch

import "fmt"

// Array is an N-dimensional float32 array in row-major layout. It is the
// interchange unit of the npy codec: patch stacks [N,C,H,W], mask stacks,
// latent dumps [N,D] and code-index grids all travel as arrays.
type Array struct {
	Shape []int
	Data  []float32
}

// NewArray allocates a zero-filled array with the given shape.
func NewArray(shape ...int) *Array {
	size := 1
	for _, d := range shape {
		size *= d
	}
	return &Array{Shape: append([]int(nil), shape...), Data: make([]float32, size)}
}

// Size returns the number of elements implied by the shape.
func (a *Array) Size() int {
	size := 1
	for _, d := range a.Shape {
		size *= d
	}
	return size
}

// Validate checks shape/backing consistency.
func (a *Array) Validate() error {
	for _, d := range a.Shape {
		if d < 0 {
			return fmt.Errorf("patch: negative dimension in shape %v", a.Shape)
		}
	}
	if len(a.Data) != a.Size() {
		return fmt.Errorf("patch: backing length %d does not match shape %v", len(a.Data), a.Shape)
	}
	return nil
}

// Stack reinterprets a 4-D [N, C, H, W] array as a patch stack.
// The backing slice is shared.
func (a *Array) Stack() (*Stack, error) {
	if len(a.Shape) != 4 {
		return nil, fmt.Errorf("patch: stack needs a 4-D array, got shape %v", a.Shape)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return NewStack(a.Data, a.Shape[0], a.Shape[1], a.Shape[2], a.Shape[3])
}

// Array returns the [N, C, H, W] array view of the stack.
// The backing slice is shared.
func (s *Stack) Array() *Array {
	return &Array{Shape: s.Shape(), Data: s.data}
}
