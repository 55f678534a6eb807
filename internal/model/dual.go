package model

import (
	"fmt"

	"github.com/scttfrdmn/normpunc/internal/data"
	"github.com/scttfrdmn/normpunc/internal/encoder"
	"github.com/scttfrdmn/normpunc/internal/nn"
	"github.com/scttfrdmn/normpunc/internal/tensor"
)

// Encoder is the pretrained-encoder capability the model depends on. A nil
// conditioning requests a plain encoder pass; a non-nil one enables
// cross-attention over its hidden states for that call only, which needs
// CrossAttention to report true.
type Encoder interface {
	nn.Module
	Encode(in encoder.Input, cond *encoder.Conditioning) *tensor.Tensor
	HiddenSize() int
	CrossAttention() bool
	SetTraining(training bool)
	Training() bool
}

// DualTaskEncoder runs the shared encoder once per task following a fixed
// topology, and stitches neighbouring context blocks around the result.
type DualTaskEncoder struct {
	enc      Encoder
	topology Topology
	round    func(*tensor.Tensor) *tensor.Tensor
}

func NewDualTaskEncoder(enc Encoder, topology Topology) *DualTaskEncoder {
	return &DualTaskEncoder{enc: enc, topology: topology}
}

// SetRounding makes every encoder output pass through round before it is
// returned or used as conditioning. nil turns rounding off.
func (d *DualTaskEncoder) SetRounding(round func(*tensor.Tensor) *tensor.Tensor) {
	d.round = round
}

func (d *DualTaskEncoder) output(h *tensor.Tensor) *tensor.Tensor {
	if d.round == nil {
		return h
	}
	return d.round(h)
}

// EncodeIndependent encodes in with no cross-attention.
func (d *DualTaskEncoder) EncodeIndependent(in encoder.Input) *tensor.Tensor {
	return d.output(d.enc.Encode(in, nil))
}

// EncodeConditioned encodes in while cross-attending over context, the other
// task's hidden states for the same tokens.
func (d *DualTaskEncoder) EncodeConditioned(in encoder.Input, context *tensor.Tensor) *tensor.Tensor {
	return d.output(d.enc.Encode(in, &encoder.Conditioning{Hidden: context, Mask: in.Mask}))
}

// Encode returns the norm and punc hidden states for in.
func (d *DualTaskEncoder) Encode(in encoder.Input) (norm, punc *tensor.Tensor) {
	switch d.topology {
	case NormConditionsPunc:
		norm = d.EncodeIndependent(in)
		punc = d.EncodeConditioned(in, norm)
	case PuncConditionsNorm:
		punc = d.EncodeIndependent(in)
		norm = d.EncodeConditioned(in, punc)
	default:
		norm = d.EncodeIndependent(in)
		punc = d.EncodeIndependent(in)
	}
	return norm, punc
}

// ContextWindow is the encoded context around a focal block. Prev and Next
// are nil when there are no blocks on that side.
type ContextWindow struct {
	Prev, Next         *tensor.Tensor // (batch, len, hidden), no graph
	PrevMask, NextMask [][]int
}

// PrevLen is the number of positions attached before the focal block.
func (w *ContextWindow) PrevLen() int {
	if w == nil || w.Prev == nil {
		return 0
	}
	return w.Prev.Dim(1)
}

// NextLen is the number of positions attached after the focal block.
func (w *ContextWindow) NextLen() int {
	if w == nil || w.Next == nil {
		return 0
	}
	return w.Next.Dim(1)
}

// Empty reports whether the window attaches nothing.
func (w *ContextWindow) Empty() bool {
	return w.PrevLen() == 0 && w.NextLen() == 0
}

// Mask concatenates prev, focal and next masks row by row.
func (w *ContextWindow) Mask(focal [][]int) [][]int {
	if w.Empty() {
		return focal
	}
	out := make([][]int, len(focal))
	for i := range focal {
		var row []int
		if w.PrevMask != nil {
			row = append(row, w.PrevMask[i]...)
		}
		row = append(row, focal[i]...)
		if w.NextMask != nil {
			row = append(row, w.NextMask[i]...)
		}
		out[i] = row
	}
	return out
}

// EncodeContext encodes every block independently with gradients disabled
// and concatenates each side along the sequence axis in block order.
func (d *DualTaskEncoder) EncodeContext(prev, next []data.Block) *ContextWindow {
	w := &ContextWindow{}
	tensor.NoGrad(func() {
		w.Prev, w.PrevMask = d.encodeBlocks(prev)
		w.Next, w.NextMask = d.encodeBlocks(next)
	})
	return w
}

func (d *DualTaskEncoder) encodeBlocks(blocks []data.Block) (*tensor.Tensor, [][]int) {
	if len(blocks) == 0 {
		return nil, nil
	}
	hidden := make([]*tensor.Tensor, len(blocks))
	var mask [][]int
	for i, b := range blocks {
		hidden[i] = d.EncodeIndependent(encoder.Input{IDs: b.IDs, Mask: b.Mask})
		if mask == nil {
			mask = make([][]int, len(b.IDs))
		}
		for r := range b.IDs {
			if b.Mask != nil {
				mask[r] = append(mask[r], b.Mask[r]...)
			} else {
				mask[r] = append(mask[r], ones(len(b.IDs[r]))...)
			}
		}
	}
	return tensor.Concat(1, hidden...), mask
}

func ones(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = 1
	}
	return out
}

// AttachContextBlocks encodes prev and next and returns them concatenated
// around focal, prev blocks first, along with the window needed to strip
// them again.
func (d *DualTaskEncoder) AttachContextBlocks(focal *tensor.Tensor, next, prev []data.Block) (*tensor.Tensor, *ContextWindow) {
	w := d.EncodeContext(prev, next)
	return AttachContext(focal, w), w
}

// AttachContext concatenates w.Prev, focal and w.Next on the sequence axis.
func AttachContext(focal *tensor.Tensor, w *ContextWindow) *tensor.Tensor {
	if w.Empty() {
		return focal
	}
	parts := make([]*tensor.Tensor, 0, 3)
	if w.Prev != nil {
		checkWindowPart(focal, w.Prev)
		parts = append(parts, w.Prev)
	}
	parts = append(parts, focal)
	if w.Next != nil {
		checkWindowPart(focal, w.Next)
		parts = append(parts, w.Next)
	}
	return tensor.Concat(1, parts...)
}

func checkWindowPart(focal, part *tensor.Tensor) {
	if part.Dim(0) != focal.Dim(0) || part.Dim(2) != focal.Dim(2) {
		panic(fmt.Sprintf("model: context block %v does not fit focal block %v", part.Shape(), focal.Shape()))
	}
}

// StripContext drops the PrevLen leading and NextLen trailing positions of
// x, leaving the focal span. x may have any last-dimension width, so it
// applies equally to hidden states and pooled output.
func StripContext(x *tensor.Tensor, w *ContextWindow) *tensor.Tensor {
	if w.Empty() {
		return x
	}
	return tensor.Slice(x, 1, w.PrevLen(), x.Dim(1)-w.NextLen())
}
