package encoder

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scttfrdmn/normpunc/internal/tensor"
)

func tinyConfig() Config {
	cfg := DefaultConfig()
	cfg.VocabSize = 20
	cfg.HiddenSize = 8
	cfg.NumHeads = 2
	cfg.NumLayers = 2
	cfg.IntermediateSize = 16
	cfg.MaxPositionEmbeddings = 16
	return cfg
}

func TestValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := tinyConfig()
	cfg.NumHeads = 3
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "num_attention_heads")

	cfg = tinyConfig()
	cfg.HiddenDropoutProb = 1
	assert.Error(t, cfg.Validate())
}

func TestEncodeShape(t *testing.T) {
	b := New(tinyConfig())
	in := Input{IDs: [][]int{{1, 2, 3}, {4, 5, 0}}, Mask: [][]int{{1, 1, 1}, {1, 1, 0}}}
	h := b.Encode(in, nil)
	assert.Equal(t, []int{2, 3, 8}, h.Shape())
	assert.Equal(t, 8, b.HiddenSize())
}

func TestEncodeDeterministicInEvalMode(t *testing.T) {
	b := New(tinyConfig())
	in := Input{IDs: [][]int{{1, 2, 3}}}
	first := b.Encode(in, nil).Data()
	second := b.Encode(in, nil).Data()
	assert.Equal(t, first, second)
}

func TestConditioningChangesOutput(t *testing.T) {
	b := New(tinyConfig())
	in := Input{IDs: [][]int{{1, 2, 3}}, Mask: [][]int{{1, 1, 1}}}
	plain := b.Encode(in, nil)
	cond := b.Encode(in, &Conditioning{Hidden: plain, Mask: in.Mask})

	require.Equal(t, plain.Shape(), cond.Shape())
	assert.NotEqual(t, plain.Data(), cond.Data())
}

func TestConditionedPassIsCausal(t *testing.T) {
	b := New(tinyConfig())
	require.False(t, b.Training())
	mask := [][]int{{1, 1, 1}}
	context := b.Encode(Input{IDs: [][]int{{4, 5, 6}}, Mask: mask}, nil)
	cond := &Conditioning{Hidden: context, Mask: mask}

	a := b.Encode(Input{IDs: [][]int{{4, 5, 6}}, Mask: mask}, cond)
	c := b.Encode(Input{IDs: [][]int{{4, 5, 9}}, Mask: mask}, cond)
	for s := 0; s < 2; s++ {
		for d := 0; d < 8; d++ {
			assert.InDelta(t, a.At(0, s, d), c.At(0, s, d), 1e-12, "position %d", s)
		}
	}
	assert.NotEqual(t, a.At(0, 2, 0), c.At(0, 2, 0))

	// Without conditioning attention stays bidirectional.
	pa := b.Encode(Input{IDs: [][]int{{4, 5, 6}}, Mask: mask}, nil)
	pc := b.Encode(Input{IDs: [][]int{{4, 5, 9}}, Mask: mask}, nil)
	assert.NotEqual(t, pa.At(0, 0, 0), pc.At(0, 0, 0))
}

func TestConditioningRequiresCrossAttention(t *testing.T) {
	cfg := tinyConfig()
	cfg.AddCrossAttention = false
	b := New(cfg)
	assert.False(t, b.CrossAttention())
	assert.True(t, New(tinyConfig()).CrossAttention())
	in := Input{IDs: [][]int{{1, 2}}}
	h := b.Encode(in, nil)
	assert.Panics(t, func() { b.Encode(in, &Conditioning{Hidden: h}) })

	for _, p := range b.Parameters() {
		assert.NotContains(t, p.Name, "crossattention")
	}
}

func TestPaddingDoesNotLeakIntoRealTokens(t *testing.T) {
	b := New(tinyConfig())
	a := b.Encode(Input{IDs: [][]int{{1, 2, 7}}, Mask: [][]int{{1, 1, 0}}}, nil)
	c := b.Encode(Input{IDs: [][]int{{1, 2, 9}}, Mask: [][]int{{1, 1, 0}}}, nil)
	for s := 0; s < 2; s++ {
		for d := 0; d < 8; d++ {
			assert.InDelta(t, a.At(0, s, d), c.At(0, s, d), 1e-9)
		}
	}
}

func TestParameterNames(t *testing.T) {
	b := New(tinyConfig())
	names := map[string]bool{}
	for _, p := range b.Parameters() {
		assert.True(t, p.Value.RequiresGrad(), p.Name)
		names[p.Name] = true
	}
	for _, want := range []string{
		"embeddings.word_embeddings.weight",
		"embeddings.LayerNorm.weight",
		"encoder.layer.0.attention.self.query.weight",
		"encoder.layer.0.attention.output.LayerNorm.bias",
		"encoder.layer.1.crossattention.self.key.bias",
		"encoder.layer.1.intermediate.dense.weight",
		"encoder.layer.1.output.LayerNorm.weight",
	} {
		assert.True(t, names[want], want)
	}
	for name := range names {
		assert.False(t, strings.HasPrefix(name, "bert."), name)
	}
}

func TestEncodeBackward(t *testing.T) {
	b := New(tinyConfig())
	b.SetTraining(true)
	h := b.Encode(Input{IDs: [][]int{{1, 2, 3}}}, nil)
	loss := tensor.CrossEntropy(tensor.Reshape(h, 3, 8), []int{0, 1, 2}, -100)
	loss.Backward()
	assert.NotNil(t, b.wordEmbeddings.Weight.Grad())
	assert.NotNil(t, b.layers[0].attention.attn.Query.Weight.Grad())
	// Cross-attention was not used, so its weights saw no gradient.
	assert.Nil(t, b.layers[0].crossAttention.attn.Query.Weight.Grad())
}

func TestEncodeRejectsLongSequences(t *testing.T) {
	b := New(tinyConfig())
	ids := make([]int, 17)
	assert.Panics(t, func() { b.Encode(Input{IDs: [][]int{ids}}, nil) })
}
