// Package config loads the data and model configuration files. Both are YAML;
// JSON files parse as well.
package config

import (
	"bytes"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/scttfrdmn/normpunc/internal/encoder"
)

// Devices accepted by Data.Device.
const (
	DeviceCPU  = "cpu"
	DeviceFP16 = "fp16"
)

// Data holds corpus locations and training hyperparameters.
type Data struct {
	TrainPath string `yaml:"train_path"`
	DevPath   string `yaml:"dev_path"`
	TestPath  string `yaml:"test_path"`

	MaxSeqLen      int  `yaml:"max_seq_len"`
	BatchSize      int  `yaml:"batch_size"`
	NContextBlocks int  `yaml:"n_context_blocks"`
	Lowercase      bool `yaml:"lowercase"`

	NEpochs          int     `yaml:"n_epochs"`
	LearningRate     float64 `yaml:"learning_rate"`      // encoder parameters
	HeadLearningRate float64 `yaml:"head_learning_rate"` // everything else
	WeightDecay      float64 `yaml:"weight_decay"`
	AdamEpsilon      float64 `yaml:"adam_epsilon"`

	HiddenDim int `yaml:"hidden_dim"`
	AttnHeads int `yaml:"attn_heads"`

	Device         string `yaml:"device"`
	TensorboardDir string `yaml:"tensorboard_dir"`
	Seed           int64  `yaml:"seed"`
}

// DefaultData returns the defaults applied before a data file is read.
func DefaultData() Data {
	return Data{
		MaxSeqLen:        64,
		BatchSize:        16,
		NContextBlocks:   1,
		NEpochs:          10,
		LearningRate:     5e-5,
		HeadLearningRate: 1e-3,
		WeightDecay:      0.05,
		AdamEpsilon:      1e-8,
		HiddenDim:        64,
		AttnHeads:        2,
		Device:           DeviceCPU,
		TensorboardDir:   "runs",
		Seed:             42,
	}
}

// Validate reports missing or out-of-range keys.
func (d Data) Validate() error {
	switch {
	case d.TrainPath == "":
		return errors.New("train_path is required")
	case d.DevPath == "":
		return errors.New("dev_path is required")
	case d.TestPath == "":
		return errors.New("test_path is required")
	case d.MaxSeqLen < 3:
		return errors.Errorf("max_seq_len must be at least 3, got %d", d.MaxSeqLen)
	case d.BatchSize <= 0:
		return errors.Errorf("batch_size must be positive, got %d", d.BatchSize)
	case d.NContextBlocks < 0:
		return errors.Errorf("n_context_blocks must not be negative, got %d", d.NContextBlocks)
	case d.NEpochs <= 0:
		return errors.Errorf("n_epochs must be positive, got %d", d.NEpochs)
	case d.LearningRate <= 0:
		return errors.Errorf("learning_rate must be positive, got %g", d.LearningRate)
	case d.HeadLearningRate <= 0:
		return errors.Errorf("head_learning_rate must be positive, got %g", d.HeadLearningRate)
	case d.WeightDecay < 0:
		return errors.Errorf("weight_decay must not be negative, got %g", d.WeightDecay)
	case d.AdamEpsilon <= 0:
		return errors.Errorf("adam_epsilon must be positive, got %g", d.AdamEpsilon)
	case d.HiddenDim <= 0:
		return errors.Errorf("hidden_dim must be positive, got %d", d.HiddenDim)
	case d.AttnHeads <= 0:
		return errors.Errorf("attn_heads must be positive, got %d", d.AttnHeads)
	case d.TensorboardDir == "":
		return errors.New("tensorboard_dir is required")
	}
	return nil
}

// Model wraps the encoder configuration.
type Model struct {
	PretrainedModel encoder.Config `yaml:"pretrained_model"`
}

// DefaultModel returns the defaults applied before a model file is read.
func DefaultModel() Model {
	return Model{PretrainedModel: encoder.DefaultConfig()}
}

// LoadData reads and validates a data configuration file.
func LoadData(path string) (Data, error) {
	cfg := DefaultData()
	if err := decodeFile(path, &cfg); err != nil {
		return Data{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Data{}, errors.Wrapf(err, "data config %s", path)
	}
	return cfg, nil
}

// LoadModel reads and validates a model configuration file.
func LoadModel(path string) (Model, error) {
	cfg := DefaultModel()
	if err := decodeFile(path, &cfg); err != nil {
		return Model{}, err
	}
	if err := cfg.PretrainedModel.Validate(); err != nil {
		return Model{}, errors.Wrapf(err, "model config %s", path)
	}
	return cfg, nil
}

func decodeFile(path string, out interface{}) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "reading config")
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return errors.Wrapf(err, "parsing config %s", path)
	}
	return nil
}
