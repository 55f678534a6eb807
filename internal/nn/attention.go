package nn

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/scttfrdmn/normpunc/internal/tensor"
)

// MultiHeadAttention is scaled dot-product attention split across heads.
//
// Queries come from one sequence and keys/values from another (the same one
// for self-attention). There is no output projection; callers that need one
// add it, which keeps the parameter layout identical to BERT's
// attention.self block.
type MultiHeadAttention struct {
	Query, Key, Value *Linear

	Heads   int
	HeadDim int
}

// NewMultiHeadAttention projects queries from queryDim and keys/values from
// keyDim into heads·headDim.
func NewMultiHeadAttention(rng *rand.Rand, queryDim, keyDim, heads, headDim int, std float64) *MultiHeadAttention {
	if heads <= 0 || headDim <= 0 {
		panic(fmt.Sprintf("nn: attention with %d heads of %d", heads, headDim))
	}
	width := heads * headDim
	return &MultiHeadAttention{
		Query:   NewLinear(rng, queryDim, width, std),
		Key:     NewLinear(rng, keyDim, width, std),
		Value:   NewLinear(rng, keyDim, width, std),
		Heads:   heads,
		HeadDim: headDim,
	}
}

// OutputDim is the width of the attention context, heads·headDim.
func (a *MultiHeadAttention) OutputDim() int { return a.Heads * a.HeadDim }

// Forward attends from query (batch, q, queryDim) over keyValue
// (batch, k, keyDim). keyMask, when non-nil, is (batch, k) with 0 marking
// keys to ignore. It returns the context (batch, q, heads·headDim) and the
// attention weights (batch·heads, q, k).
func (a *MultiHeadAttention) Forward(query, keyValue *tensor.Tensor, keyMask [][]int) (*tensor.Tensor, *tensor.Tensor) {
	return a.attend(query, keyValue, keyMask, false)
}

// ForwardCausal is self-attention over x in which each position sees only
// itself and earlier positions, on top of keyMask.
func (a *MultiHeadAttention) ForwardCausal(x *tensor.Tensor, keyMask [][]int) (*tensor.Tensor, *tensor.Tensor) {
	return a.attend(x, x, keyMask, true)
}

func (a *MultiHeadAttention) attend(query, keyValue *tensor.Tensor, keyMask [][]int, causal bool) (*tensor.Tensor, *tensor.Tensor) {
	if query.Rank() != 3 || keyValue.Rank() != 3 || query.Dim(0) != keyValue.Dim(0) {
		panic(fmt.Sprintf("nn: attention query %v over %v", query.Shape(), keyValue.Shape()))
	}
	batch, qLen, kLen := query.Dim(0), query.Dim(1), keyValue.Dim(1)

	q := a.splitHeads(a.Query.Forward(query), batch, qLen)
	k := a.splitHeads(a.Key.Forward(keyValue), batch, kLen)
	v := a.splitHeads(a.Value.Forward(keyValue), batch, kLen)

	scores := tensor.Scale(tensor.BatchMatMul(q, k, true), 1/math.Sqrt(float64(a.HeadDim)))
	if keyMask != nil {
		scores = tensor.MaskKeys(scores, keyMask)
	}
	if causal {
		scores = tensor.MaskFuture(scores)
	}
	weights := tensor.Softmax(scores)

	ctx := tensor.BatchMatMul(weights, v, false)
	return a.mergeHeads(ctx, batch, qLen), weights
}

// splitHeads turns (batch, seq, heads·d) into (batch·heads, seq, d).
func (a *MultiHeadAttention) splitHeads(x *tensor.Tensor, batch, seq int) *tensor.Tensor {
	x = tensor.Reshape(x, batch, seq, a.Heads, a.HeadDim)
	x = tensor.Permute(x, 0, 2, 1, 3)
	return tensor.Reshape(x, batch*a.Heads, seq, a.HeadDim)
}

func (a *MultiHeadAttention) mergeHeads(x *tensor.Tensor, batch, seq int) *tensor.Tensor {
	x = tensor.Reshape(x, batch, a.Heads, seq, a.HeadDim)
	x = tensor.Permute(x, 0, 2, 1, 3)
	return tensor.Reshape(x, batch, seq, a.OutputDim())
}

func (a *MultiHeadAttention) Parameters() []Parameter {
	var ps []Parameter
	ps = append(ps, Prefixed("query", a.Query)...)
	ps = append(ps, Prefixed("key", a.Key)...)
	ps = append(ps, Prefixed("value", a.Value)...)
	return ps
}
