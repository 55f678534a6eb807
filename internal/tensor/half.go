package tensor

// ===========================================================================
// WHAT'S GOING ON HERE: half precision activations
// ===========================================================================
//
// Mixed precision keeps master weights and gradients in full precision and
// runs activations through IEEE 754 binary16. Storage here is always float64,
// so half precision is emulated: HalfRound snaps each activation to the
// nearest representable float16 value on the forward pass and lets the
// gradient through unchanged (straight-through).
//
// Float16 range is ±65,504 and its smallest normal is 2^-14. Gradients below
// that underflow, which is why the training loop scales the loss before
// backward. Gradients above it overflow to ±Inf; HalfOverflow detects that
// so the optimizer step can be skipped and the scale reduced.
//
// ===========================================================================

import (
	"math"

	"github.com/x448/float16"
)

// HalfMax is the largest finite float16 value.
const HalfMax = 65504.0

// ToHalf rounds v to the nearest float16 value and widens it back.
func ToHalf(v float64) float64 {
	return float64(float16.Fromfloat32(float32(v)).Float32())
}

// HalfRound returns x with every element rounded through float16.
func HalfRound(x *Tensor) *Tensor {
	out := New(x.shape...)
	for i, v := range x.data {
		out.data[i] = ToHalf(v)
	}
	return attach(out, func() {
		g := x.gradBuf()
		for i, d := range out.grad {
			g[i] += d
		}
	}, x)
}

// HalfOverflow reports whether any value is NaN or would not survive
// conversion to a finite float16.
func HalfOverflow(values []float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || !float16.Fromfloat32(float32(v)).IsFinite() {
			return true
		}
	}
	return false
}

// NonFinite reports whether any value is NaN or ±Inf.
func NonFinite(values []float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return false
}
