package tensor

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

// MaskValue is added to attention scores of masked keys.
const MaskValue = -1e9

// Tanh applies tanh elementwise. Its range [-1, 1] bounds the pooled and
// projected representations.
func Tanh(x *Tensor) *Tensor {
	out := New(x.shape...)
	for i, v := range x.data {
		out.data[i] = math.Tanh(v)
	}
	return attach(out, func() {
		g := x.gradBuf()
		for i, y := range out.data {
			g[i] += out.grad[i] * (1 - y*y)
		}
	}, x)
}

// GELU applies the exact Gaussian error linear unit, x·Φ(x).
func GELU(x *Tensor) *Tensor {
	out := New(x.shape...)
	for i, v := range x.data {
		out.data[i] = 0.5 * v * (1 + math.Erf(v/math.Sqrt2))
	}
	return attach(out, func() {
		g := x.gradBuf()
		const invSqrt2Pi = 0.3989422804014327
		for i, v := range x.data {
			cdf := 0.5 * (1 + math.Erf(v/math.Sqrt2))
			pdf := invSqrt2Pi * math.Exp(-0.5*v*v)
			g[i] += out.grad[i] * (cdf + v*pdf)
		}
	}, x)
}

// Softmax normalizes over the last dimension.
func Softmax(x *Tensor) *Tensor {
	rows, n := x.rows()
	out := New(x.shape...)
	for r := 0; r < rows; r++ {
		in := x.data[r*n : (r+1)*n]
		o := out.data[r*n : (r+1)*n]
		lse := floats.LogSumExp(in)
		for j, v := range in {
			o[j] = math.Exp(v - lse)
		}
	}
	return attach(out, func() {
		g := x.gradBuf()
		for r := 0; r < rows; r++ {
			y := out.data[r*n : (r+1)*n]
			gy := out.grad[r*n : (r+1)*n]
			dot := floats.Dot(y, gy)
			for j := range y {
				g[r*n+j] += y[j] * (gy[j] - dot)
			}
		}
	}, x)
}

// MaskKeys adds MaskValue to scores (groups, q, k) wherever the key position
// is padding. keyMask is (batch, k) with 1 for real tokens; groups must be a
// multiple of batch, with consecutive groups sharing one batch row.
func MaskKeys(scores *Tensor, keyMask [][]int) *Tensor {
	if scores.Rank() != 3 || len(keyMask) == 0 || scores.shape[0]%len(keyMask) != 0 {
		panic(fmt.Sprintf("tensor: MaskKeys scores %v with %d mask rows", scores.shape, len(keyMask)))
	}
	groups, q, k := scores.shape[0], scores.shape[1], scores.shape[2]
	perRow := groups / len(keyMask)
	out := scores.Clone()
	for g := 0; g < groups; g++ {
		mask := keyMask[g/perRow]
		if len(mask) != k {
			panic(fmt.Sprintf("tensor: MaskKeys mask of %d for %d keys", len(mask), k))
		}
		for i := 0; i < q; i++ {
			row := out.data[(g*q+i)*k : (g*q+i+1)*k]
			for j, m := range mask {
				if m == 0 {
					row[j] += MaskValue
				}
			}
		}
	}
	return attach(out, func() {
		floats.Add(scores.gradBuf(), out.grad)
	}, scores)
}

// MaskFuture adds MaskValue to scores (groups, q, q) wherever the key comes
// after the query, so position i attends only to positions 0..i.
func MaskFuture(scores *Tensor) *Tensor {
	if scores.Rank() != 3 || scores.shape[1] != scores.shape[2] {
		panic(fmt.Sprintf("tensor: MaskFuture scores %v are not square", scores.shape))
	}
	groups, n := scores.shape[0], scores.shape[1]
	out := scores.Clone()
	for g := 0; g < groups; g++ {
		for i := 0; i < n; i++ {
			row := out.data[(g*n+i)*n : (g*n+i+1)*n]
			for j := i + 1; j < n; j++ {
				row[j] += MaskValue
			}
		}
	}
	return attach(out, func() {
		floats.Add(scores.gradBuf(), out.grad)
	}, scores)
}

// Dropout zeroes each element with probability p and scales the survivors by
// 1/(1-p). With p == 0 it returns x unchanged.
func Dropout(x *Tensor, p float64, rng *rand.Rand) *Tensor {
	if p <= 0 {
		return x
	}
	if p >= 1 {
		panic(fmt.Sprintf("tensor: dropout probability %v", p))
	}
	keep := make([]float64, len(x.data))
	scale := 1 / (1 - p)
	for i := range keep {
		if rng.Float64() >= p {
			keep[i] = scale
		}
	}
	out := New(x.shape...)
	floats.MulTo(out.data, x.data, keep)
	return attach(out, func() {
		g := x.gradBuf()
		for i, k := range keep {
			g[i] += out.grad[i] * k
		}
	}, x)
}
