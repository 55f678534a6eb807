package encoder

import (
	"github.com/pkg/errors"
)

// Config describes the BERT-style encoder. Field names follow the
// pretrained_model block of the model configuration file.
type Config struct {
	VocabSize             int     `yaml:"vocab_size" json:"vocab_size"`
	HiddenSize            int     `yaml:"hidden_size" json:"hidden_size"`
	NumLayers             int     `yaml:"num_hidden_layers" json:"num_hidden_layers"`
	NumHeads              int     `yaml:"num_attention_heads" json:"num_attention_heads"`
	IntermediateSize      int     `yaml:"intermediate_size" json:"intermediate_size"`
	MaxPositionEmbeddings int     `yaml:"max_position_embeddings" json:"max_position_embeddings"`
	TypeVocabSize         int     `yaml:"type_vocab_size" json:"type_vocab_size"`
	LayerNormEps          float64 `yaml:"layer_norm_eps" json:"layer_norm_eps"`
	InitializerRange      float64 `yaml:"initializer_range" json:"initializer_range"`
	HiddenDropoutProb     float64 `yaml:"hidden_dropout_prob" json:"hidden_dropout_prob"`

	// AddCrossAttention builds a cross-attention sublayer in every layer.
	// Without it, Encode panics when given conditioning.
	AddCrossAttention bool `yaml:"add_cross_attention" json:"add_cross_attention"`

	Seed int64 `yaml:"seed" json:"seed"`
}

// DefaultConfig returns a small encoder suitable for CPU training.
func DefaultConfig() Config {
	return Config{
		VocabSize:             8000,
		HiddenSize:            128,
		NumLayers:             2,
		NumHeads:              4,
		IntermediateSize:      512,
		MaxPositionEmbeddings: 512,
		TypeVocabSize:         2,
		LayerNormEps:          1e-12,
		InitializerRange:      0.02,
		HiddenDropoutProb:     0.1,
		AddCrossAttention:     true,
		Seed:                  42,
	}
}

// Validate reports the first inconsistent field.
func (c Config) Validate() error {
	switch {
	case c.VocabSize <= 0:
		return errors.Errorf("vocab_size must be positive, got %d", c.VocabSize)
	case c.HiddenSize <= 0:
		return errors.Errorf("hidden_size must be positive, got %d", c.HiddenSize)
	case c.NumLayers <= 0:
		return errors.Errorf("num_hidden_layers must be positive, got %d", c.NumLayers)
	case c.NumHeads <= 0 || c.HiddenSize%c.NumHeads != 0:
		return errors.Errorf("hidden_size %d is not a multiple of num_attention_heads %d", c.HiddenSize, c.NumHeads)
	case c.IntermediateSize <= 0:
		return errors.Errorf("intermediate_size must be positive, got %d", c.IntermediateSize)
	case c.MaxPositionEmbeddings <= 0:
		return errors.Errorf("max_position_embeddings must be positive, got %d", c.MaxPositionEmbeddings)
	case c.TypeVocabSize <= 0:
		return errors.Errorf("type_vocab_size must be positive, got %d", c.TypeVocabSize)
	case c.LayerNormEps <= 0:
		return errors.Errorf("layer_norm_eps must be positive, got %g", c.LayerNormEps)
	case c.HiddenDropoutProb < 0 || c.HiddenDropoutProb >= 1:
		return errors.Errorf("hidden_dropout_prob must be in [0, 1), got %g", c.HiddenDropoutProb)
	}
	return nil
}
