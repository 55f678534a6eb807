package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// LayerNorm normalizes every row of x's last dimension to zero mean and unit
// variance, then applies the affine gamma·x̂ + beta.
func LayerNorm(x, gamma, beta *Tensor, eps float64) *Tensor {
	rows, n := x.rows()
	if gamma.Len() != n || beta.Len() != n {
		panic(fmt.Sprintf("tensor: LayerNorm params of %d/%d for rows of %d", gamma.Len(), beta.Len(), n))
	}
	out := New(x.shape...)
	xhat := make([]float64, len(x.data))
	invStd := make([]float64, rows)
	fn := float64(n)
	for r := 0; r < rows; r++ {
		in := x.data[r*n : (r+1)*n]
		mean := floats.Sum(in) / fn
		variance := 0.0
		for _, v := range in {
			d := v - mean
			variance += d * d
		}
		variance /= fn
		invStd[r] = 1 / math.Sqrt(variance+eps)
		for j, v := range in {
			h := (v - mean) * invStd[r]
			xhat[r*n+j] = h
			out.data[r*n+j] = h*gamma.data[j] + beta.data[j]
		}
	}

	return attach(out, func() {
		for r := 0; r < rows; r++ {
			gy := out.grad[r*n : (r+1)*n]
			h := xhat[r*n : (r+1)*n]
			if gamma.requiresGrad {
				gg := gamma.gradBuf()
				for j := range gy {
					gg[j] += gy[j] * h[j]
				}
			}
			if beta.requiresGrad {
				floats.Add(beta.gradBuf(), gy)
			}
			if !x.requiresGrad {
				continue
			}
			// dx = (n·dx̂ - Σdx̂ - x̂·Σ(dx̂·x̂)) / (n·σ)
			sumG, sumGH := 0.0, 0.0
			for j := range gy {
				gh := gy[j] * gamma.data[j]
				sumG += gh
				sumGH += gh * h[j]
			}
			gx := x.gradBuf()[r*n : (r+1)*n]
			for j := range gy {
				gh := gy[j] * gamma.data[j]
				gx[j] += (fn*gh - sumG - h[j]*sumGH) * invStd[r] / fn
			}
		}
	}, x, gamma, beta)
}

// Embedding gathers rows of weight (vocab, dim) for ids (batch, seq) and
// returns (batch, seq, dim).
func Embedding(weight *Tensor, ids [][]int) *Tensor {
	if weight.Rank() != 2 || len(ids) == 0 || len(ids[0]) == 0 {
		panic(fmt.Sprintf("tensor: Embedding weight %v with %d id rows", weight.shape, len(ids)))
	}
	vocab, dim := weight.shape[0], weight.shape[1]
	batch, seq := len(ids), len(ids[0])
	out := New(batch, seq, dim)
	for b, row := range ids {
		if len(row) != seq {
			panic(fmt.Sprintf("tensor: Embedding ragged ids: row %d has %d, want %d", b, len(row), seq))
		}
		for s, id := range row {
			if id < 0 || id >= vocab {
				panic(fmt.Sprintf("tensor: Embedding id %d out of range [0, %d)", id, vocab))
			}
			copy(out.data[(b*seq+s)*dim:(b*seq+s+1)*dim], weight.data[id*dim:(id+1)*dim])
		}
	}
	return attach(out, func() {
		g := weight.gradBuf()
		for b, row := range ids {
			for s, id := range row {
				floats.Add(g[id*dim:(id+1)*dim], out.grad[(b*seq+s)*dim:(b*seq+s+1)*dim])
			}
		}
	}, weight)
}
