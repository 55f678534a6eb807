package model

import (
	"math"
	"math/rand"

	"github.com/scttfrdmn/normpunc/internal/nn"
	"github.com/scttfrdmn/normpunc/internal/tensor"
)

// DefaultPoolingHeads is the number of attention heads used for pooling.
const DefaultPoolingHeads = 2

// AttentionPooling contextualizes every position with multi-head
// self-attention over the whole (possibly context-extended) sequence.
// Its output width is heads·hiddenDim.
type AttentionPooling struct {
	attn *nn.MultiHeadAttention
}

// NewAttentionPooling pools inputs of width inputDim through heads heads of
// width hiddenDim each.
func NewAttentionPooling(rng *rand.Rand, inputDim, hiddenDim, heads int) *AttentionPooling {
	return &AttentionPooling{
		attn: nn.NewMultiHeadAttention(rng, inputDim, inputDim, heads, hiddenDim, 1/math.Sqrt(float64(inputDim))),
	}
}

// OutputDim is the width of the pooled representation.
func (p *AttentionPooling) OutputDim() int { return p.attn.OutputDim() }

// Forward returns the pooled representation (batch, seq, OutputDim) and the
// attention weights (batch·heads, seq, seq). keyMask may be nil.
func (p *AttentionPooling) Forward(x *tensor.Tensor, keyMask [][]int) (*tensor.Tensor, *tensor.Tensor) {
	return p.attn.Forward(x, x, keyMask)
}

func (p *AttentionPooling) Parameters() []nn.Parameter {
	return p.attn.Parameters()
}
