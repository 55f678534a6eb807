// Package nn holds the named, trainable layers shared by the encoder and the
// task heads.
package nn

import (
	"math/rand"

	"github.com/scttfrdmn/normpunc/internal/tensor"
)

// Parameter is a trainable tensor with its dotted path inside the model,
// e.g. "encoder.layer.0.attention.self.query.weight".
type Parameter struct {
	Name  string
	Value *tensor.Tensor
}

// Module is anything that owns parameters.
type Module interface {
	Parameters() []Parameter
}

// Prefixed returns m's parameters with prefix + "." prepended to each name.
func Prefixed(prefix string, m Module) []Parameter {
	ps := m.Parameters()
	out := make([]Parameter, len(ps))
	for i, p := range ps {
		out[i] = Parameter{Name: prefix + "." + p.Name, Value: p.Value}
	}
	return out
}

// Count returns the total number of scalar parameters.
func Count(ps []Parameter) int {
	n := 0
	for _, p := range ps {
		n += p.Value.Len()
	}
	return n
}

// ZeroGrad clears the gradients of ps.
func ZeroGrad(ps []Parameter) {
	for _, p := range ps {
		p.Value.ZeroGrad()
	}
}

func param(rng *rand.Rand, std float64, shape ...int) *tensor.Tensor {
	return tensor.Randn(rng, std, shape...).SetRequiresGrad(true)
}

// Linear computes y = x·W + b with W stored (in, out).
type Linear struct {
	Weight *tensor.Tensor
	Bias   *tensor.Tensor
}

// NewLinear initializes the weight from N(0, std²) and the bias to zero.
func NewLinear(rng *rand.Rand, in, out int, std float64) *Linear {
	return &Linear{
		Weight: param(rng, std, in, out),
		Bias:   tensor.New(out).SetRequiresGrad(true),
	}
}

// Forward applies the layer to the last dimension of x.
func (l *Linear) Forward(x *tensor.Tensor) *tensor.Tensor {
	return tensor.AddBias(tensor.MatMul(x, l.Weight), l.Bias)
}

// InFeatures returns the input width.
func (l *Linear) InFeatures() int { return l.Weight.Dim(0) }

// OutFeatures returns the output width.
func (l *Linear) OutFeatures() int { return l.Weight.Dim(1) }

func (l *Linear) Parameters() []Parameter {
	return []Parameter{{"weight", l.Weight}, {"bias", l.Bias}}
}

// LayerNorm normalizes the last dimension and applies a learned affine map.
type LayerNorm struct {
	Weight *tensor.Tensor
	Bias   *tensor.Tensor
	Eps    float64
}

// NewLayerNorm initializes gamma to one and beta to zero.
func NewLayerNorm(dim int, eps float64) *LayerNorm {
	return &LayerNorm{
		Weight: tensor.Full(1, dim).SetRequiresGrad(true),
		Bias:   tensor.New(dim).SetRequiresGrad(true),
		Eps:    eps,
	}
}

func (ln *LayerNorm) Forward(x *tensor.Tensor) *tensor.Tensor {
	return tensor.LayerNorm(x, ln.Weight, ln.Bias, ln.Eps)
}

func (ln *LayerNorm) Parameters() []Parameter {
	return []Parameter{{"weight", ln.Weight}, {"bias", ln.Bias}}
}

// Embedding is a lookup table of shape (vocab, dim).
type Embedding struct {
	Weight *tensor.Tensor
}

func NewEmbedding(rng *rand.Rand, vocab, dim int, std float64) *Embedding {
	return &Embedding{Weight: param(rng, std, vocab, dim)}
}

// Forward looks up ids (batch, seq) and returns (batch, seq, dim).
func (e *Embedding) Forward(ids [][]int) *tensor.Tensor {
	return tensor.Embedding(e.Weight, ids)
}

func (e *Embedding) Parameters() []Parameter {
	return []Parameter{{"weight", e.Weight}}
}
