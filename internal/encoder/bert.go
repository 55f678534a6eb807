// Package encoder implements a BERT-style transformer encoder.
//
// The encoder maps token ids and an attention mask to per-token hidden
// states. When it is given a Conditioning, every layer additionally attends
// over the conditioning hidden states (cross-attention); without one the
// cross-attention sublayers are skipped. The choice is made per call, so a
// single encoder instance serves both independent and conditioned passes
// with no mode to toggle in between. A conditioned pass runs as a decoder:
// its self-attention is causal, so position i sees only positions 0..i of
// its own sequence while still seeing the whole conditioning sequence.
package encoder

import (
	"fmt"
	"math/rand"
	"strconv"

	"github.com/scttfrdmn/normpunc/internal/nn"
	"github.com/scttfrdmn/normpunc/internal/tensor"
)

// Input is one batch of padded token ids and its mask (1 = real token).
// A nil Mask treats every position as real.
type Input struct {
	IDs  [][]int
	Mask [][]int
}

// Conditioning is the state another pass exposes to cross-attention.
type Conditioning struct {
	Hidden *tensor.Tensor // (batch, seq, hidden)
	Mask   [][]int        // (batch, seq); nil attends to every position
}

// BERT is a post-norm transformer encoder with Hugging Face parameter names.
type BERT struct {
	cfg Config

	wordEmbeddings      *nn.Embedding
	positionEmbeddings  *nn.Embedding
	tokenTypeEmbeddings *nn.Embedding
	embeddingsNorm      *nn.LayerNorm
	layers              []*layer

	training bool
	rng      *rand.Rand
}

// sublayer is attention followed by a dense projection, dropout, a residual
// connection and LayerNorm.
type sublayer struct {
	attn  *nn.MultiHeadAttention
	dense *nn.Linear
	norm  *nn.LayerNorm
}

type layer struct {
	attention      *sublayer
	crossAttention *sublayer // nil unless cfg.AddCrossAttention

	intermediate *nn.Linear
	output       *nn.Linear
	outputNorm   *nn.LayerNorm
}

// New builds an encoder with weights drawn from N(0, initializer_range²).
// It panics on an invalid configuration; validate it first.
func New(cfg Config) *BERT {
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("encoder: %v", err))
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	std := cfg.InitializerRange
	h := cfg.HiddenSize

	b := &BERT{
		cfg:                 cfg,
		wordEmbeddings:      nn.NewEmbedding(rng, cfg.VocabSize, h, std),
		positionEmbeddings:  nn.NewEmbedding(rng, cfg.MaxPositionEmbeddings, h, std),
		tokenTypeEmbeddings: nn.NewEmbedding(rng, cfg.TypeVocabSize, h, std),
		embeddingsNorm:      nn.NewLayerNorm(h, cfg.LayerNormEps),
		rng:                 rng,
	}
	newSublayer := func() *sublayer {
		return &sublayer{
			attn:  nn.NewMultiHeadAttention(rng, h, h, cfg.NumHeads, h/cfg.NumHeads, std),
			dense: nn.NewLinear(rng, h, h, std),
			norm:  nn.NewLayerNorm(h, cfg.LayerNormEps),
		}
	}
	for i := 0; i < cfg.NumLayers; i++ {
		l := &layer{
			attention:    newSublayer(),
			intermediate: nn.NewLinear(rng, h, cfg.IntermediateSize, std),
			output:       nn.NewLinear(rng, cfg.IntermediateSize, h, std),
			outputNorm:   nn.NewLayerNorm(h, cfg.LayerNormEps),
		}
		if cfg.AddCrossAttention {
			l.crossAttention = newSublayer()
		}
		b.layers = append(b.layers, l)
	}
	return b
}

// Config returns the configuration the encoder was built with.
func (b *BERT) Config() Config { return b.cfg }

// HiddenSize is the width of every hidden state.
func (b *BERT) HiddenSize() int { return b.cfg.HiddenSize }

// CrossAttention reports whether the encoder was built with cross-attention
// sublayers and so accepts a Conditioning.
func (b *BERT) CrossAttention() bool { return b.cfg.AddCrossAttention }

// SetTraining enables dropout.
func (b *BERT) SetTraining(training bool) { b.training = training }

// Training reports whether dropout is enabled.
func (b *BERT) Training() bool { return b.training }

// Encode runs the encoder. With cond == nil it is a plain bidirectional
// pass; otherwise self-attention is causal and each layer cross-attends over
// cond.Hidden.
func (b *BERT) Encode(in Input, cond *Conditioning) *tensor.Tensor {
	if len(in.IDs) == 0 || len(in.IDs[0]) == 0 {
		panic("encoder: empty input")
	}
	batch, seq := len(in.IDs), len(in.IDs[0])
	if seq > b.cfg.MaxPositionEmbeddings {
		panic(fmt.Sprintf("encoder: sequence of %d exceeds max_position_embeddings %d", seq, b.cfg.MaxPositionEmbeddings))
	}
	if in.Mask != nil && len(in.Mask) != batch {
		panic(fmt.Sprintf("encoder: %d mask rows for batch of %d", len(in.Mask), batch))
	}
	if cond != nil {
		if !b.cfg.AddCrossAttention {
			panic("encoder: conditioning given to an encoder built without cross-attention")
		}
		if cond.Hidden.Rank() != 3 || cond.Hidden.Dim(0) != batch || cond.Hidden.Dim(2) != b.cfg.HiddenSize {
			panic(fmt.Sprintf("encoder: conditioning %v for batch %d hidden %d", cond.Hidden.Shape(), batch, b.cfg.HiddenSize))
		}
	}

	x := b.embed(in.IDs, batch, seq)
	for _, l := range b.layers {
		if cond == nil {
			ctx, _ := l.attention.attn.Forward(x, x, in.Mask)
			x = b.residual(l.attention, ctx, x)
		} else {
			ctx, _ := l.attention.attn.ForwardCausal(x, in.Mask)
			x = b.residual(l.attention, ctx, x)
			ctx, _ = l.crossAttention.attn.Forward(x, cond.Hidden, cond.Mask)
			x = b.residual(l.crossAttention, ctx, x)
		}
		inter := tensor.GELU(l.intermediate.Forward(x))
		out := b.dropout(l.output.Forward(inter))
		x = l.outputNorm.Forward(tensor.Add(out, x))
	}
	return x
}

func (b *BERT) embed(ids [][]int, batch, seq int) *tensor.Tensor {
	positions := make([][]int, batch)
	types := make([][]int, batch)
	for i := range positions {
		positions[i] = make([]int, seq)
		types[i] = make([]int, seq)
		for j := range positions[i] {
			positions[i][j] = j
		}
	}
	x := tensor.Add(b.wordEmbeddings.Forward(ids), b.positionEmbeddings.Forward(positions))
	x = tensor.Add(x, b.tokenTypeEmbeddings.Forward(types))
	return b.dropout(b.embeddingsNorm.Forward(x))
}

// residual projects an attention context, applies dropout, adds x back and
// normalises.
func (b *BERT) residual(s *sublayer, ctx, x *tensor.Tensor) *tensor.Tensor {
	out := b.dropout(s.dense.Forward(ctx))
	return s.norm.Forward(tensor.Add(out, x))
}

func (b *BERT) dropout(x *tensor.Tensor) *tensor.Tensor {
	if !b.training {
		return x
	}
	return tensor.Dropout(x, b.cfg.HiddenDropoutProb, b.rng)
}

// Parameters lists every weight under its Hugging Face name.
func (b *BERT) Parameters() []nn.Parameter {
	var ps []nn.Parameter
	ps = append(ps, nn.Prefixed("embeddings.word_embeddings", b.wordEmbeddings)...)
	ps = append(ps, nn.Prefixed("embeddings.position_embeddings", b.positionEmbeddings)...)
	ps = append(ps, nn.Prefixed("embeddings.token_type_embeddings", b.tokenTypeEmbeddings)...)
	ps = append(ps, nn.Prefixed("embeddings.LayerNorm", b.embeddingsNorm)...)
	for i, l := range b.layers {
		prefix := "encoder.layer." + strconv.Itoa(i)
		ps = append(ps, l.attention.parameters(prefix+".attention")...)
		if l.crossAttention != nil {
			ps = append(ps, l.crossAttention.parameters(prefix+".crossattention")...)
		}
		ps = append(ps, nn.Prefixed(prefix+".intermediate.dense", l.intermediate)...)
		ps = append(ps, nn.Prefixed(prefix+".output.dense", l.output)...)
		ps = append(ps, nn.Prefixed(prefix+".output.LayerNorm", l.outputNorm)...)
	}
	return ps
}

func (s *sublayer) parameters(prefix string) []nn.Parameter {
	var ps []nn.Parameter
	ps = append(ps, nn.Prefixed(prefix+".self", s.attn)...)
	ps = append(ps, nn.Prefixed(prefix+".output.dense", s.dense)...)
	ps = append(ps, nn.Prefixed(prefix+".output.LayerNorm", s.norm)...)
	return ps
}
