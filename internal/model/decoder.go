package model

import (
	"math"
	"math/rand"

	"github.com/scttfrdmn/normpunc/internal/nn"
	"github.com/scttfrdmn/normpunc/internal/tensor"
)

// LabelDecoder turns a task's projected representation into label logits.
// other is the other task's projection at the same positions; decoders that
// do not score pairwise ignore it.
type LabelDecoder interface {
	nn.Module
	Score(own, other *tensor.Tensor) *tensor.Tensor
}

// NewLabelDecoder returns a Biaffine decoder when biaffine is set, a
// LinearDecoder otherwise.
func NewLabelDecoder(rng *rand.Rand, dim, labels int, biaffine bool) LabelDecoder {
	if biaffine {
		return NewBiaffine(rng, dim, labels)
	}
	return NewLinearDecoder(rng, dim, labels)
}

// Biaffine scores labels as ownᵀ·W_l·other + V·[own; other] + b.
type Biaffine struct {
	Bilinear *tensor.Tensor // (labels, dim, dim)
	Linear   *nn.Linear     // 2·dim -> labels
}

func NewBiaffine(rng *rand.Rand, dim, labels int) *Biaffine {
	std := 1 / math.Sqrt(float64(dim))
	return &Biaffine{
		Bilinear: tensor.Randn(rng, std, labels, dim, dim).SetRequiresGrad(true),
		Linear:   nn.NewLinear(rng, 2*dim, labels, 1/math.Sqrt(float64(2*dim))),
	}
}

func (b *Biaffine) Score(own, other *tensor.Tensor) *tensor.Tensor {
	pairwise := tensor.Bilinear(own, other, b.Bilinear)
	return tensor.Add(pairwise, b.Linear.Forward(tensor.Concat(-1, own, other)))
}

func (b *Biaffine) Parameters() []nn.Parameter {
	return append([]nn.Parameter{{Name: "bilinear.weight", Value: b.Bilinear}},
		nn.Prefixed("linear", b.Linear)...)
}

// LinearDecoder maps a task's own representation to logits.
type LinearDecoder struct {
	*nn.Linear
}

func NewLinearDecoder(rng *rand.Rand, dim, labels int) *LinearDecoder {
	return &LinearDecoder{nn.NewLinear(rng, dim, labels, 1/math.Sqrt(float64(dim)))}
}

// Score ignores other.
func (d *LinearDecoder) Score(own, _ *tensor.Tensor) *tensor.Tensor {
	return d.Forward(own)
}
