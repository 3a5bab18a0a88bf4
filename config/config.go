// Package config loads YAML experiment files describing a time-lapse imaging
// run: where the data lives, how patches were preprocessed, and which model
// to train with which hyperparameters.
//
// The file layout follows the upstream experiment format with files,
// preprocess, training and inference sections:
//
//	files:
//	  raw_dirs: [/data/run1/raw]
//	  supp_dirs: [/data/run1/supp]
//	  weights_dir: /data/run1/weights
//	preprocess:
//	  cs: [0, 1]
//	  input_shape: [128, 128]
//	  channel_mean: [0.3960, 0.0475]
//	  channel_std: [0.0514, 0.0435]
//	training:
//	  model: vqvae
//	  num_hiddens: 16
//	  batch_size: 16
//	  epochs: 10
//	  learning_rate: 0.001
//
// Unrecognized sections and keys are logged as warnings and ignored, so files
// carrying fields for other pipeline stages keep loading. Missing keys fall
// back to the reference hyperparameters of Default.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/cytovae"
	"github.com/hupe1980/cytovae/nn"
	"github.com/hupe1980/cytovae/relation"
	"github.com/hupe1980/cytovae/train"
)

// Config is one experiment file.
type Config struct {
	Files      FilesConfig      `yaml:"files"`
	Preprocess PreprocessConfig `yaml:"preprocess"`
	Training   TrainingConfig   `yaml:"training"`
	Inference  InferenceConfig  `yaml:"inference"`
}

// FilesConfig locates the experiment's directories.
type FilesConfig struct {
	// RawDirs holds the per-run directories of raw recordings and the
	// assembled patch stacks derived from them.
	RawDirs []string `yaml:"raw_dirs"`
	// SuppDirs holds the per-run supplementary directories (segmentation
	// output, trajectory tables).
	SuppDirs []string `yaml:"supp_dirs"`
	// TrainDirs and ValDirs split the runs used for fitting and validation.
	TrainDirs []string `yaml:"train_dirs"`
	ValDirs   []string `yaml:"val_dirs"`
	// WeightsDir is where checkpoints are written; typically the root of an
	// artifact.NewLocal store.
	WeightsDir string `yaml:"weights_dir"`
}

// PreprocessConfig records how patches were extracted and normalized.
// The module does not re-run preprocessing; these fields parameterize dataset
// assembly and carry the channel statistics the reconstruction loss scales by.
type PreprocessConfig struct {
	// Channels selects the recorded channel indices that enter the model,
	// in order.
	Channels []int `yaml:"cs"`
	// MaskChannels selects the channels of the segmentation mask stack.
	MaskChannels []int `yaml:"cs_mask"`
	// InputShape is the square patch size fed to the model, [size, size].
	InputShape []int `yaml:"input_shape"`
	// AdjacentWeight and TrajectoryWeight are the relation-matrix weights for
	// adjacent-frame and same-trajectory pairs. The defaults equal
	// relation.AdjacentFrame.Weight() and relation.SameTrajectory.Weight();
	// override them when building matrices by hand.
	AdjacentWeight   float32 `yaml:"w_a"`
	TrajectoryWeight float32 `yaml:"w_t"`
	// ChannelMean and ChannelStd are the per-channel statistics of the
	// normalized patches. ChannelStd squared feeds the model's
	// ChannelVariances.
	ChannelMean []float64 `yaml:"channel_mean"`
	ChannelStd  []float64 `yaml:"channel_std"`
}

// TrainingConfig selects the model kind and its hyperparameters.
type TrainingConfig struct {
	// Model is the bottleneck kind: "vqvae", "vae", "iwae" or "aae".
	Model string `yaml:"model"`
	// NumInputs is the number of input channels. Zero means the length of
	// the preprocessing channel selection, or two when that is empty too.
	NumInputs          int     `yaml:"num_inputs"`
	NumHiddens         int     `yaml:"num_hiddens"`
	NumResidualHiddens int     `yaml:"num_residual_hiddens"`
	NumResidualLayers  int     `yaml:"num_residual_layers"`
	NumEmbeddings      int     `yaml:"num_embeddings"`
	CommitmentCost     float64 `yaml:"commitment_cost"`
	Alpha              float64 `yaml:"alpha"`
	NumSamples         int     `yaml:"num_samples"`
	Epochs             int     `yaml:"epochs"`
	LearningRate       float64 `yaml:"learning_rate"`
	BatchSize          int     `yaml:"batch_size"`
	// Device is the backend configuration string passed to the engine,
	// e.g. "go" or "xla:cuda". Empty selects the engine default.
	Device string `yaml:"device"`
	// ShuffleData asks the caller to shuffle the stack once before training.
	// Trainers themselves iterate in stack order.
	ShuffleData bool `yaml:"shuffle_data"`
	// Transform asks the caller to augment patches during assembly. The
	// model sees patches as stored.
	Transform bool `yaml:"transform"`
}

// InferenceConfig parameterizes the post-training encode stage.
type InferenceConfig struct {
	// Model is the bottleneck kind of the checkpoints under Weights.
	Model string `yaml:"model"`
	// Weights lists checkpoint store roots to encode with, one pass each.
	Weights []string `yaml:"weights"`
	// Channels selects the recorded channel indices, as in preprocessing.
	Channels []int `yaml:"channels"`
	// FOV restricts the run to the named fields of view; empty means all.
	FOV []string `yaml:"fov"`
	// WindowSize is the extracted patch size before resizing to the model
	// input shape.
	WindowSize int    `yaml:"window_size"`
	BatchSize  int    `yaml:"batch_size"`
	Device     string `yaml:"device"`
}

// Default returns an experiment configuration with the reference
// hyperparameters. Load starts from it, so partial files stay valid.
func Default() *Config {
	return &Config{
		Preprocess: PreprocessConfig{
			InputShape:       []int{128, 128},
			AdjacentWeight:   relation.AdjacentFrame.Weight(),
			TrajectoryWeight: relation.SameTrajectory.Weight(),
		},
		Training: TrainingConfig{
			NumHiddens:         16,
			NumResidualHiddens: 32,
			NumResidualLayers:  2,
			NumEmbeddings:      64,
			CommitmentCost:     0.25,
			Alpha:              0.005,
			NumSamples:         5,
			Epochs:             10,
			LearningRate:       1e-3,
			BatchSize:          16,
		},
	}
}

// Option configures loading.
type Option func(*options)

type options struct {
	logger *cytovae.Logger
}

// WithLogger sets the logger that receives unrecognized-key warnings.
func WithLogger(l *cytovae.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// Load reads and parses the experiment file at path.
func Load(path string, optFns ...Option) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data, optFns...)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse parses an experiment file, applies defaults for missing keys and
// validates the result.
func Parse(data []byte, optFns ...Option) (*Config, error) {
	opts := options{logger: cytovae.NoopLogger()}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.logger == nil {
		opts.logger = cytovae.NoopLogger()
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	warnUnknownKeys(data, opts.logger)

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var knownSections = map[string]map[string]bool{
	"files": keySet(
		"raw_dirs", "supp_dirs", "train_dirs", "val_dirs", "weights_dir"),
	"preprocess": keySet(
		"cs", "cs_mask", "input_shape", "w_a", "w_t", "channel_mean", "channel_std"),
	"training": keySet(
		"model", "num_inputs", "num_hiddens", "num_residual_hiddens",
		"num_residual_layers", "num_embeddings", "commitment_cost", "alpha",
		"num_samples", "epochs", "learning_rate", "batch_size", "device",
		"shuffle_data", "transform"),
	"inference": keySet(
		"model", "weights", "channels", "fov", "window_size", "batch_size",
		"device"),
}

func keySet(keys ...string) map[string]bool {
	s := make(map[string]bool, len(keys))
	for _, k := range keys {
		s[k] = true
	}
	return s
}

// warnUnknownKeys reports sections and keys the loader does not consume.
// Files are shared across pipeline stages, so unknown fields are never an
// error. Warnings come in document order.
func warnUnknownKeys(data []byte, logger *cytovae.Logger) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil || len(doc.Content) == 0 {
		return
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		section := root.Content[i].Value
		known, ok := knownSections[section]
		if !ok {
			logger.Warn("unrecognized config section", "section", section)
			continue
		}
		body := root.Content[i+1]
		if body.Kind != yaml.MappingNode {
			continue
		}
		for j := 0; j+1 < len(body.Content); j += 2 {
			if key := body.Content[j].Value; !known[key] {
				logger.Warn("unrecognized config key", "section", section, "key", key)
			}
		}
	}
}

// normalize resolves the input channel count from the preprocessing channel
// selection. Two channels is the upstream recording layout (phase and
// retardance).
func (c *Config) normalize() {
	if c.Training.NumInputs == 0 {
		c.Training.NumInputs = len(c.Preprocess.Channels)
	}
	if c.Training.NumInputs == 0 {
		c.Training.NumInputs = 2
	}
}

// Validate checks the file-level structure. Model hyperparameter ranges are
// checked again when the model is built.
func (c *Config) Validate() error {
	p := c.Preprocess
	if len(p.InputShape) != 2 || p.InputShape[0] != p.InputShape[1] || p.InputShape[0] < 1 {
		return &cytovae.ConfigError{Field: "preprocess.input_shape", Reason: "must be a square [size, size]"}
	}
	if p.AdjacentWeight < 0 {
		return &cytovae.ConfigError{Field: "preprocess.w_a", Reason: "must not be negative"}
	}
	if p.TrajectoryWeight < 0 {
		return &cytovae.ConfigError{Field: "preprocess.w_t", Reason: "must not be negative"}
	}
	if len(p.ChannelMean) != 0 && len(p.ChannelStd) != 0 && len(p.ChannelMean) != len(p.ChannelStd) {
		return &cytovae.ConfigError{Field: "preprocess.channel_std", Reason: "length differs from channel_mean"}
	}

	t := c.Training
	if t.Model != "" {
		if _, err := nn.ParseKind(t.Model); err != nil {
			return &cytovae.ConfigError{Field: "training.model", Reason: `must be one of "vqvae", "vae", "iwae", "aae"`}
		}
	}
	if t.NumInputs < 1 {
		return &cytovae.ConfigError{Field: "training.num_inputs", Reason: "must be positive"}
	}
	if len(p.ChannelStd) != 0 && len(p.ChannelStd) != t.NumInputs {
		return &cytovae.ConfigError{Field: "preprocess.channel_std", Reason: "length differs from training.num_inputs"}
	}
	if t.BatchSize < 1 {
		return &cytovae.ConfigError{Field: "training.batch_size", Reason: "must be positive"}
	}
	if t.Epochs < 1 {
		return &cytovae.ConfigError{Field: "training.epochs", Reason: "must be positive"}
	}
	if t.LearningRate <= 0 {
		return &cytovae.ConfigError{Field: "training.learning_rate", Reason: "must be positive"}
	}
	if t.NumSamples < 1 {
		return &cytovae.ConfigError{Field: "training.num_samples", Reason: "must be positive"}
	}
	return nil
}

// ChannelVariances derives the per-channel reconstruction variances from the
// preprocessing channel standard deviations, or nil when none are recorded.
func (c *Config) ChannelVariances() []float64 {
	if len(c.Preprocess.ChannelStd) == 0 {
		return nil
	}
	v := make([]float64, len(c.Preprocess.ChannelStd))
	for i, s := range c.Preprocess.ChannelStd {
		v[i] = s * s
	}
	return v
}

// Model builds the configured model kind. Options given here are applied
// after the config-derived ones, so an explicit cytovae.WithBackend overrides
// the training device field.
func (c *Config) Model(optFns ...cytovae.Option) (*cytovae.Model, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if c.Training.Model == "" {
		return nil, &cytovae.ConfigError{Field: "training.model", Reason: "is required to build a model"}
	}
	kind, err := nn.ParseKind(c.Training.Model)
	if err != nil {
		return nil, &cytovae.ConfigError{Field: "training.model", Reason: `must be one of "vqvae", "vae", "iwae", "aae"`}
	}

	t := c.Training
	size := c.Preprocess.InputShape[0]
	variances := c.ChannelVariances()

	opts := make([]cytovae.Option, 0, len(optFns)+1)
	if t.Device != "" {
		opts = append(opts, cytovae.WithBackend(t.Device))
	}
	opts = append(opts, optFns...)

	switch kind {
	case nn.KindVectorQuantized:
		b := cytovae.VQVAE(t.NumInputs, size).
			NumHiddens(t.NumHiddens).
			NumResidualHiddens(t.NumResidualHiddens).
			NumResidualLayers(t.NumResidualLayers).
			NumEmbeddings(t.NumEmbeddings).
			CommitmentCost(t.CommitmentCost).
			Alpha(t.Alpha)
		if variances != nil {
			b = b.ChannelVariances(variances...)
		}
		return b.Build(opts...)
	case nn.KindGaussian:
		b := cytovae.VAE(t.NumInputs, size).
			NumHiddens(t.NumHiddens).
			NumResidualHiddens(t.NumResidualHiddens).
			NumResidualLayers(t.NumResidualLayers).
			Alpha(t.Alpha)
		if variances != nil {
			b = b.ChannelVariances(variances...)
		}
		return b.Build(opts...)
	case nn.KindImportanceWeighted:
		b := cytovae.IWAE(t.NumInputs, size).
			NumHiddens(t.NumHiddens).
			NumResidualHiddens(t.NumResidualHiddens).
			NumResidualLayers(t.NumResidualLayers).
			NumSamples(t.NumSamples).
			Alpha(t.Alpha)
		if variances != nil {
			b = b.ChannelVariances(variances...)
		}
		return b.Build(opts...)
	default:
		b := cytovae.AAE(t.NumInputs, size).
			NumHiddens(t.NumHiddens).
			NumResidualHiddens(t.NumResidualHiddens).
			NumResidualLayers(t.NumResidualLayers).
			Alpha(t.Alpha)
		if variances != nil {
			b = b.ChannelVariances(variances...)
		}
		return b.Build(opts...)
	}
}

// TrainerOptions translates the training section into trainer options.
func (c *Config) TrainerOptions() []train.Option {
	return []train.Option{
		train.WithBatchSize(c.Training.BatchSize),
		train.WithNumEpochs(c.Training.Epochs),
		train.WithLearningRate(c.Training.LearningRate),
	}
}
