// Package patch provides containers and IO for single-cell image patch
// datasets: the PatchStack training container, a NumPy .npy codec for
// interchange with the upstream imaging pipeline, per-channel statistics and
// normalization, and a batching dataset adapter for the training engine.
//
// Patches are [C, H, W] float32 with values in [0,1] per channel; stacks are
// ordered [N, C, H, W] with a flat backing slice. Mask stacks share the
// layout but hold values in [-1, 1]; the dataset adapter remaps the
// configured mask channel into [0, 1] weights.
package patch

import (
	"fmt"
	"math"
)

// Stack is an ordered dataset of image patches with shape [N, C, H, W],
// backed by a flat float32 slice in row-major order.
//
// The order of patches is significant: after trajectory reordering, frames of
// the same trajectory occupy contiguous index ranges, and the pairwise weight
// matrix is aligned with stack positions.
type Stack struct {
	channels int
	height   int
	width    int
	data     []float32
	keys     []string // optional patch identities, parallel to patches
}

// NewStack creates a stack over an existing flat [N, C, H, W] backing slice.
// The slice is used directly, not copied.
func NewStack(data []float32, n, c, h, w int) (*Stack, error) {
	if n < 0 || c <= 0 || h <= 0 || w <= 0 {
		return nil, fmt.Errorf("patch: invalid stack shape [%d %d %d %d]", n, c, h, w)
	}
	if len(data) != n*c*h*w {
		return nil, fmt.Errorf("patch: backing length %d does not match shape [%d %d %d %d]", len(data), n, c, h, w)
	}
	return &Stack{channels: c, height: h, width: w, data: data}, nil
}

// NewEmptyStack creates a stack with no patches, ready for Append.
func NewEmptyStack(c, h, w int) (*Stack, error) {
	return NewStack(nil, 0, c, h, w)
}

// Len returns the number of patches.
func (s *Stack) Len() int {
	if s.patchSize() == 0 {
		return 0
	}
	return len(s.data) / s.patchSize()
}

// Channels returns C.
func (s *Stack) Channels() int { return s.channels }

// Height returns H.
func (s *Stack) Height() int { return s.height }

// Width returns W.
func (s *Stack) Width() int { return s.width }

// Shape returns [N, C, H, W].
func (s *Stack) Shape() []int {
	return []int{s.Len(), s.channels, s.height, s.width}
}

// Data returns the flat backing slice. Mutating it mutates the stack.
func (s *Stack) Data() []float32 { return s.data }

// Keys returns the patch identities, or nil if none were set.
func (s *Stack) Keys() []string { return s.keys }

// SetKeys attaches one opaque identity per patch.
func (s *Stack) SetKeys(keys []string) error {
	if keys != nil && len(keys) != s.Len() {
		return fmt.Errorf("patch: %d keys for %d patches", len(keys), s.Len())
	}
	s.keys = keys
	return nil
}

// Patch returns the flat [C, H, W] view of patch i. The view aliases the
// stack's backing slice.
func (s *Stack) Patch(i int) []float32 {
	sz := s.patchSize()
	return s.data[i*sz : (i+1)*sz : (i+1)*sz]
}

// Key returns the identity of patch i, or "" when keys are not set.
func (s *Stack) Key(i int) string {
	if s.keys == nil {
		return ""
	}
	return s.keys[i]
}

// Append adds a [C, H, W] patch (and optional key) to the end of the stack.
// Earlier unkeyed patches get an empty key once any key is used.
func (s *Stack) Append(patch []float32, key string) error {
	if len(patch) != s.patchSize() {
		return fmt.Errorf("patch: patch length %d does not match [%d %d %d]", len(patch), s.channels, s.height, s.width)
	}
	s.data = append(s.data, patch...)
	if s.keys != nil || key != "" {
		for len(s.keys) < s.Len()-1 {
			s.keys = append(s.keys, "")
		}
		s.keys = append(s.keys, key)
	}
	return nil
}

// Slice returns the [lo, hi) sub-range as a stack sharing the same backing
// slice. Used to cut minibatches without copying.
func (s *Stack) Slice(lo, hi int) (*Stack, error) {
	if lo < 0 || hi < lo || hi > s.Len() {
		return nil, fmt.Errorf("patch: slice [%d,%d) out of range for %d patches", lo, hi, s.Len())
	}
	sz := s.patchSize()
	out := &Stack{
		channels: s.channels,
		height:   s.height,
		width:    s.width,
		data:     s.data[lo*sz : hi*sz : hi*sz],
	}
	if s.keys != nil {
		out.keys = s.keys[lo:hi:hi]
	}
	return out, nil
}

// Gather returns a new stack whose patch at position i is the receiver's
// patch perm[i]. Keys are permuted alongside. Satisfies the reorderer's
// container contract.
func (s *Stack) Gather(perm []int) *Stack {
	sz := s.patchSize()
	out := &Stack{
		channels: s.channels,
		height:   s.height,
		width:    s.width,
		data:     make([]float32, len(perm)*sz),
	}
	for i, p := range perm {
		copy(out.data[i*sz:(i+1)*sz], s.data[p*sz:(p+1)*sz])
	}
	if s.keys != nil {
		out.keys = make([]string, len(perm))
		for i, p := range perm {
			out.keys[i] = s.keys[p]
		}
	}
	return out
}

// ChannelSlice returns a [N, 1, H, W] stack holding only channel c.
func (s *Stack) ChannelSlice(c int) (*Stack, error) {
	if c < 0 || c >= s.channels {
		return nil, fmt.Errorf("patch: channel %d out of range [0,%d)", c, s.channels)
	}
	n := s.Len()
	plane := s.height * s.width
	out := &Stack{
		channels: 1,
		height:   s.height,
		width:    s.width,
		data:     make([]float32, n*plane),
		keys:     s.keys,
	}
	for i := 0; i < n; i++ {
		src := s.data[i*s.patchSize()+c*plane:]
		copy(out.data[i*plane:(i+1)*plane], src[:plane])
	}
	return out, nil
}

// Affine returns a new stack with every value mapped to v*scale + offset.
// The mask convention [-1, 1] is remapped to [0, 1] weights with
// Affine(0.5, 0.5).
func (s *Stack) Affine(scale, offset float32) *Stack {
	out := &Stack{
		channels: s.channels,
		height:   s.height,
		width:    s.width,
		data:     make([]float32, len(s.data)),
		keys:     s.keys,
	}
	for i, v := range s.data {
		out.data[i] = v*scale + offset
	}
	return out
}

// Clamp limits every value to [lo, hi] in place and returns the stack.
func (s *Stack) Clamp(lo, hi float32) *Stack {
	for i, v := range s.data {
		s.data[i] = float32(math.Min(float64(hi), math.Max(float64(lo), float64(v))))
	}
	return s
}

// Clone returns a deep copy of the stack.
func (s *Stack) Clone() *Stack {
	out := &Stack{
		channels: s.channels,
		height:   s.height,
		width:    s.width,
		data:     append([]float32(nil), s.data...),
	}
	if s.keys != nil {
		out.keys = append([]string(nil), s.keys...)
	}
	return out
}

func (s *Stack) patchSize() int {
	return s.channels * s.height * s.width
}
