package cytovae

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
	"path"
	"slices"
	"sort"
	"time"

	"github.com/gomlx/exceptions"
	mlctx "github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/google/uuid"

	"github.com/hupe1980/cytovae/artifact"
	"github.com/hupe1980/cytovae/codec"
	"github.com/hupe1980/cytovae/nn"
)

// A checkpoint occupies two artifacts under its key:
//
//	<key>/manifest.json  - codec-encoded manifest: kind, config, variable index
//	<key>/variables.bin  - compressed concatenation of all variable payloads
//
// The manifest is written last so a reader never sees a manifest whose
// payload is still in flight. Variable bytes are little-endian in sorted
// (scope, name) order.
const (
	manifestArtifact  = "manifest.json"
	variablesArtifact = "variables.bin"

	manifestVersion = 1
)

// checkpointManifest is the JSON document at <key>/manifest.json.
type checkpointManifest struct {
	Version     int             `json:"version"`
	ID          string          `json:"id"`
	Codec       string          `json:"codec"`
	Kind        string          `json:"kind"`
	Config      manifestConfig  `json:"config"`
	Compression string          `json:"compression"`
	PayloadCRC  uint32          `json:"payload_crc32"`
	CreatedAt   time.Time       `json:"created_at"`
	Variables   []variableEntry `json:"variables"`
}

// manifestConfig mirrors nn.Config with a stable serialized form.
type manifestConfig struct {
	InputChannels      int       `json:"input_channels"`
	ImageSize          int       `json:"image_size"`
	NumHiddens         int       `json:"num_hiddens"`
	NumResidualHiddens int       `json:"num_residual_hiddens"`
	NumResidualLayers  int       `json:"num_residual_layers"`
	NumEmbeddings      int       `json:"num_embeddings"`
	CommitmentCost     float64   `json:"commitment_cost"`
	Alpha              float64   `json:"alpha"`
	NumSamples         int       `json:"num_samples"`
	ChannelVariances   []float64 `json:"channel_variances"`
	Reduction          string    `json:"reduction"`
}

func toManifestConfig(cfg nn.Config) manifestConfig {
	return manifestConfig{
		InputChannels:      cfg.InputChannels,
		ImageSize:          cfg.ImageSize,
		NumHiddens:         cfg.NumHiddens,
		NumResidualHiddens: cfg.NumResidualHiddens,
		NumResidualLayers:  cfg.NumResidualLayers,
		NumEmbeddings:      cfg.NumEmbeddings,
		CommitmentCost:     cfg.CommitmentCost,
		Alpha:              cfg.Alpha,
		NumSamples:         cfg.NumSamples,
		ChannelVariances:   cfg.ChannelVariances,
		Reduction:          cfg.Reduction.String(),
	}
}

func (mc manifestConfig) toConfig() (nn.Config, error) {
	reduction, err := nn.ParseReduction(mc.Reduction)
	if err != nil {
		return nn.Config{}, err
	}
	return nn.Config{
		InputChannels:      mc.InputChannels,
		ImageSize:          mc.ImageSize,
		NumHiddens:         mc.NumHiddens,
		NumResidualHiddens: mc.NumResidualHiddens,
		NumResidualLayers:  mc.NumResidualLayers,
		NumEmbeddings:      mc.NumEmbeddings,
		CommitmentCost:     mc.CommitmentCost,
		Alpha:              mc.Alpha,
		NumSamples:         mc.NumSamples,
		ChannelVariances:   mc.ChannelVariances,
		Reduction:          reduction,
	}, nil
}

// variableEntry locates one variable inside the payload artifact.
type variableEntry struct {
	Scope  string `json:"scope"`
	Name   string `json:"name"`
	DType  string `json:"dtype"`
	Dims   []int  `json:"dims"`
	Offset int64  `json:"offset"`
	Size   int64  `json:"size"`
}

// Save writes the model's variables and configuration as a checkpoint under
// key. Save must not overlap with training steps.
func (m *Model) Save(ctx context.Context, store artifact.Store, key string) error {
	start := time.Now()
	err := m.runSave(ctx, store, key)
	duration := time.Since(start)

	err = translateError(err)
	m.metrics.RecordCheckpoint(duration, err)
	m.logger.LogCheckpoint(ctx, "save", key, err)
	return err
}

func (m *Model) runSave(ctx context.Context, store artifact.Store, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.ensureOpen(); err != nil {
		return err
	}

	vars := m.collectVariables()
	if !hasLayerVariables(vars) {
		return ErrNotTrained
	}

	var (
		entries []variableEntry
		payload []byte
	)
	for _, v := range vars {
		data, dtype, err := appendTensorBytes(nil, v.value)
		if err != nil {
			return fmt.Errorf("cytovae: variable %s/%s: %w", v.scope, v.name, err)
		}
		entries = append(entries, variableEntry{
			Scope:  v.scope,
			Name:   v.name,
			DType:  dtype,
			Dims:   slices.Clone(v.value.Shape().Dimensions),
			Offset: int64(len(payload)),
			Size:   int64(len(data)),
		})
		payload = append(payload, data...)
	}

	compressed, err := artifact.Compress(payload, m.compression)
	if err != nil {
		return fmt.Errorf("cytovae: failed to compress checkpoint payload: %w", err)
	}
	if err := store.Put(ctx, path.Join(key, variablesArtifact), compressed); err != nil {
		return fmt.Errorf("cytovae: failed to write checkpoint payload: %w", err)
	}

	manifest := checkpointManifest{
		Version:     manifestVersion,
		ID:          uuid.NewString(),
		Codec:       codec.Default.Name(),
		Kind:        m.kind.String(),
		Config:      toManifestConfig(m.cfg),
		Compression: m.compression.String(),
		PayloadCRC:  crc32.ChecksumIEEE(compressed),
		CreatedAt:   time.Now().UTC(),
		Variables:   entries,
	}
	encoded, err := codec.Default.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("cytovae: failed to encode checkpoint manifest: %w", err)
	}
	if err := store.Put(ctx, path.Join(key, manifestArtifact), encoded); err != nil {
		return fmt.Errorf("cytovae: failed to write checkpoint manifest: %w", err)
	}
	return nil
}

// Load restores a model from the checkpoint under key. The checkpoint fully
// determines kind and configuration; optFns configure the runtime side
// (backend, logging, metrics).
func Load(ctx context.Context, store artifact.Store, key string, optFns ...Option) (*Model, error) {
	opts := applyOptions(optFns)

	start := time.Now()
	m, err := loadModel(ctx, store, key, optFns...)
	duration := time.Since(start)

	err = translateError(err)
	opts.metricsCollector.RecordCheckpoint(duration, err)
	opts.logger.LogCheckpoint(ctx, "load", key, err)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// LoadLatest restores the checkpoint the store's LATEST pointer names.
func LoadLatest(ctx context.Context, store artifact.Store, optFns ...Option) (*Model, error) {
	key, err := artifact.Latest(ctx, store)
	if err != nil {
		return nil, translateError(err)
	}
	return Load(ctx, store, key, optFns...)
}

func loadModel(ctx context.Context, store artifact.Store, key string, optFns ...Option) (*Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	encoded, err := artifact.ReadAll(ctx, store, path.Join(key, manifestArtifact))
	if err != nil {
		return nil, fmt.Errorf("cytovae: failed to read checkpoint manifest: %w", err)
	}

	var manifest checkpointManifest
	if err := codec.Default.Unmarshal(encoded, &manifest); err != nil {
		return nil, fmt.Errorf("cytovae: failed to decode checkpoint manifest: %w", err)
	}
	if manifest.Version != manifestVersion {
		return nil, fmt.Errorf("cytovae: unsupported checkpoint manifest version %d", manifest.Version)
	}
	if _, ok := codec.ByName(manifest.Codec); !ok {
		return nil, fmt.Errorf("cytovae: unknown checkpoint manifest codec %q", manifest.Codec)
	}

	kind, err := nn.ParseKind(manifest.Kind)
	if err != nil {
		return nil, err
	}
	compression, err := artifact.ParseCompression(manifest.Compression)
	if err != nil {
		return nil, err
	}
	cfg, err := manifest.Config.toConfig()
	if err != nil {
		return nil, err
	}

	m, err := newModel(kind, cfg, optFns...)
	if err != nil {
		return nil, err
	}

	compressed, err := artifact.ReadAll(ctx, store, path.Join(key, variablesArtifact))
	if err != nil {
		_ = m.Close()
		return nil, fmt.Errorf("cytovae: failed to read checkpoint payload: %w", err)
	}
	if crc := crc32.ChecksumIEEE(compressed); crc != manifest.PayloadCRC {
		_ = m.Close()
		return nil, fmt.Errorf("cytovae: checkpoint payload checksum mismatch: expected 0x%08x, got 0x%08x", manifest.PayloadCRC, crc)
	}
	payload, err := artifact.Decompress(compressed, compression)
	if err != nil {
		_ = m.Close()
		return nil, fmt.Errorf("cytovae: failed to decompress checkpoint payload: %w", err)
	}

	if err := m.materializeVariables(manifest.Variables, payload); err != nil {
		_ = m.Close()
		return nil, err
	}
	return m, nil
}

// materializeVariables recreates the checkpointed variables inside the model
// context, before any graph has been built. Graph builders then pick up the
// restored values instead of initializing fresh ones.
func (m *Model) materializeVariables(entries []variableEntry, payload []byte) error {
	for _, entry := range entries {
		end := entry.Offset + entry.Size
		if entry.Offset < 0 || entry.Size < 0 || end > int64(len(payload)) {
			return fmt.Errorf("cytovae: variable %s/%s payload range [%d, %d) outside %d-byte payload",
				entry.Scope, entry.Name, entry.Offset, end, len(payload))
		}
		value, err := decodeTensor(payload[entry.Offset:end], entry.DType, entry.Dims)
		if err != nil {
			return fmt.Errorf("cytovae: variable %s/%s: %w", entry.Scope, entry.Name, err)
		}
		// The rng state already exists when the model was built with a seed;
		// restore its value in place.
		if err := exceptions.TryCatch[error](func() {
			if v := m.mlCtx.GetVariableByScopeAndName(entry.Scope, entry.Name); v != nil {
				v.SetValue(value)
				return
			}
			m.mlCtx.InAbsPath(entry.Scope).VariableWithValue(entry.Name, value)
		}); err != nil {
			return err
		}
	}
	return nil
}

type savedVariable struct {
	scope, name string
	value       *tensors.Tensor
}

// collectVariables snapshots the context variables in sorted (scope, name)
// order so payload offsets are deterministic.
func (m *Model) collectVariables() []savedVariable {
	var vars []savedVariable
	m.mlCtx.EnumerateVariables(func(v *mlctx.Variable) {
		if v.Value() == nil {
			return
		}
		vars = append(vars, savedVariable{scope: v.Scope(), name: v.Name(), value: v.Value()})
	})
	sort.Slice(vars, func(i, j int) bool {
		if vars[i].scope != vars[j].scope {
			return vars[i].scope < vars[j].scope
		}
		return vars[i].name < vars[j].name
	})
	return vars
}

// hasLayerVariables reports whether any variable lives below the root scope.
// A freshly seeded model carries only the root rng state, which is not worth
// a checkpoint on its own.
func hasLayerVariables(vars []savedVariable) bool {
	for _, v := range vars {
		if v.scope != "/" {
			return true
		}
	}
	return false
}

func appendTensorBytes(buf []byte, t *tensors.Tensor) ([]byte, string, error) {
	switch t.DType() {
	case dtypes.Float32:
		for _, v := range tensors.CopyFlatData[float32](t) {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
		}
		return buf, "float32", nil
	case dtypes.Float64:
		for _, v := range tensors.CopyFlatData[float64](t) {
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
		}
		return buf, "float64", nil
	case dtypes.Int32:
		for _, v := range tensors.CopyFlatData[int32](t) {
			buf = binary.LittleEndian.AppendUint32(buf, uint32(v))
		}
		return buf, "int32", nil
	case dtypes.Int64:
		for _, v := range tensors.CopyFlatData[int64](t) {
			buf = binary.LittleEndian.AppendUint64(buf, uint64(v))
		}
		return buf, "int64", nil
	case dtypes.Uint64:
		for _, v := range tensors.CopyFlatData[uint64](t) {
			buf = binary.LittleEndian.AppendUint64(buf, v)
		}
		return buf, "uint64", nil
	default:
		return nil, "", fmt.Errorf("unsupported variable dtype %s", t.DType())
	}
}

func decodeTensor(data []byte, dtype string, dims []int) (*tensors.Tensor, error) {
	n := 1
	for _, d := range dims {
		if d <= 0 {
			return nil, fmt.Errorf("invalid dimension %d", d)
		}
		n *= d
	}

	check := func(elemSize int) error {
		if len(data) != n*elemSize {
			return fmt.Errorf("payload holds %d bytes, dims %v need %d", len(data), dims, n*elemSize)
		}
		return nil
	}

	switch dtype {
	case "float32":
		if err := check(4); err != nil {
			return nil, err
		}
		vals := make([]float32, n)
		for i := range vals {
			vals[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
		}
		return tensors.FromFlatDataAndDimensions(vals, dims...), nil
	case "float64":
		if err := check(8); err != nil {
			return nil, err
		}
		vals := make([]float64, n)
		for i := range vals {
			vals[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[8*i:]))
		}
		return tensors.FromFlatDataAndDimensions(vals, dims...), nil
	case "int32":
		if err := check(4); err != nil {
			return nil, err
		}
		vals := make([]int32, n)
		for i := range vals {
			vals[i] = int32(binary.LittleEndian.Uint32(data[4*i:]))
		}
		return tensors.FromFlatDataAndDimensions(vals, dims...), nil
	case "int64":
		if err := check(8); err != nil {
			return nil, err
		}
		vals := make([]int64, n)
		for i := range vals {
			vals[i] = int64(binary.LittleEndian.Uint64(data[8*i:]))
		}
		return tensors.FromFlatDataAndDimensions(vals, dims...), nil
	case "uint64":
		if err := check(8); err != nil {
			return nil, err
		}
		vals := make([]uint64, n)
		for i := range vals {
			vals[i] = binary.LittleEndian.Uint64(data[8*i:])
		}
		return tensors.FromFlatDataAndDimensions(vals, dims...), nil
	default:
		return nil, fmt.Errorf("unsupported variable dtype %q", dtype)
	}
}
