package patch

import (
	"fmt"
	"io"
	"sync"

	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"

	"github.com/hupe1980/cytovae/relation"
)

// DefaultBatchSize is used when no batch size option is given.
const DefaultBatchSize = 16

type datasetOptions struct {
	batchSize   int
	matrix      *relation.Matrix
	masks       *Stack
	maskChannel int
}

// DatasetOption configures a Dataset.
type DatasetOption func(*datasetOptions)

// WithBatchSize sets the number of patches per yielded batch. The last batch
// of an epoch may be smaller.
func WithBatchSize(n int) DatasetOption {
	return func(o *datasetOptions) {
		o.batchSize = n
	}
}

// WithRelationMatrix attaches pairwise relation weights. Each batch then
// yields the dense [B, B] weight block for its index range, which is what the
// time-matching loss consumes. The matrix must be N x N for a stack of N
// patches, typically the reordered matrix returned by relation.ReorderStack.
func WithRelationMatrix(m *relation.Matrix) DatasetOption {
	return func(o *datasetOptions) {
		o.matrix = m
	}
}

// WithMasks attaches a segmentation mask stack aligned with the patch stack.
// Masks use the [-1, 1] convention; the dataset remaps the selected channel to
// [0, 1] and yields it as a [B, 1, H, W] input.
func WithMasks(masks *Stack) DatasetOption {
	return func(o *datasetOptions) {
		o.masks = masks
	}
}

// WithMaskChannel selects which mask channel is yielded. Defaults to 1, the
// enlarged single-cell mask.
func WithMaskChannel(c int) DatasetOption {
	return func(o *datasetOptions) {
		o.maskChannel = c
	}
}

// Dataset adapts a patch stack to the gomlx train.Dataset interface. It
// yields batches in stack order, so trajectory-aware training expects the
// stack to be reordered first. Every epoch ends with io.EOF; Reset rewinds to
// the first batch.
//
// Yielded inputs are, in order: patches [B, C, H, W], then the dense relation
// weight block [B, B] if a matrix is attached, then masks [B, 1, H, W] if a
// mask stack is attached. Labels are always nil, training is unsupervised.
type Dataset struct {
	name      string
	stack     *Stack
	matrix    *relation.Matrix
	masks     *Stack
	batchSize int

	mu   sync.Mutex
	next int
}

var _ train.Dataset = (*Dataset)(nil)

// NewDataset creates a Dataset over the given stack.
func NewDataset(name string, stack *Stack, optFns ...DatasetOption) (*Dataset, error) {
	opts := datasetOptions{
		batchSize:   DefaultBatchSize,
		maskChannel: 1,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	if stack == nil {
		return nil, fmt.Errorf("patch: nil stack")
	}
	if opts.batchSize <= 0 {
		return nil, fmt.Errorf("patch: batch size must be positive, got %d", opts.batchSize)
	}
	if name == "" {
		name = "patches"
	}

	n := stack.Len()
	if m := opts.matrix; m != nil && (m.Rows() != n || m.Cols() != n) {
		return nil, fmt.Errorf("patch: relation matrix is %dx%d for %d patches", m.Rows(), m.Cols(), n)
	}

	var masks *Stack
	if opts.masks != nil {
		if opts.masks.Len() != n {
			return nil, fmt.Errorf("patch: %d masks for %d patches", opts.masks.Len(), n)
		}
		if opts.masks.Height() != stack.Height() || opts.masks.Width() != stack.Width() {
			return nil, fmt.Errorf("patch: mask size %dx%d does not match patch size %dx%d",
				opts.masks.Height(), opts.masks.Width(), stack.Height(), stack.Width())
		}
		ch, err := opts.masks.ChannelSlice(opts.maskChannel)
		if err != nil {
			return nil, err
		}
		masks = ch.Affine(0.5, 0.5)
	}

	return &Dataset{
		name:      name,
		stack:     stack,
		matrix:    opts.matrix,
		masks:     masks,
		batchSize: opts.batchSize,
	}, nil
}

// Name implements train.Dataset.
func (d *Dataset) Name() string { return d.name }

// Len returns the number of patches.
func (d *Dataset) Len() int { return d.stack.Len() }

// NumBatches returns the number of batches per epoch.
func (d *Dataset) NumBatches() int {
	return (d.stack.Len() + d.batchSize - 1) / d.batchSize
}

// BatchSize returns the configured batch size.
func (d *Dataset) BatchSize() int { return d.batchSize }

// Yield implements train.Dataset. It returns the next batch of inputs, or
// io.EOF once the epoch is exhausted.
func (d *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	d.mu.Lock()
	lo := d.next * d.batchSize
	if lo >= d.stack.Len() {
		d.mu.Unlock()
		return nil, nil, nil, io.EOF
	}
	hi := min(lo+d.batchSize, d.stack.Len())
	d.next++
	d.mu.Unlock()

	b := hi - lo
	batch, err := d.stack.Slice(lo, hi)
	if err != nil {
		return nil, nil, nil, err
	}
	inputs = append(inputs, tensors.FromFlatDataAndDimensions(
		batch.Data(), b, d.stack.Channels(), d.stack.Height(), d.stack.Width()))

	if d.matrix != nil {
		block, err := d.matrix.DenseBlock(lo, hi)
		if err != nil {
			return nil, nil, nil, err
		}
		flat := make([]float32, 0, b*b)
		for _, row := range block {
			flat = append(flat, row...)
		}
		inputs = append(inputs, tensors.FromFlatDataAndDimensions(flat, b, b))
	}

	if d.masks != nil {
		mb, err := d.masks.Slice(lo, hi)
		if err != nil {
			return nil, nil, nil, err
		}
		inputs = append(inputs, tensors.FromFlatDataAndDimensions(
			mb.Data(), b, 1, d.masks.Height(), d.masks.Width()))
	}

	return d, inputs, nil, nil
}

// Reset implements train.Dataset, rewinding to the first batch.
func (d *Dataset) Reset() {
	d.mu.Lock()
	d.next = 0
	d.mu.Unlock()
}
