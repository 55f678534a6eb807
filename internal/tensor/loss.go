package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// CrossEntropy returns the mean negative log-likelihood of targets under
// softmax(logits), where logits is (n, classes) and targets has n entries.
// Targets equal to ignore contribute neither to the loss nor to the mean.
// With no valid target the loss is zero and no gradient flows.
func CrossEntropy(logits *Tensor, targets []int, ignore int) *Tensor {
	if logits.Rank() != 2 || logits.shape[0] != len(targets) {
		panic(fmt.Sprintf("tensor: CrossEntropy logits %v for %d targets", logits.shape, len(targets)))
	}
	n, c := logits.shape[0], logits.shape[1]
	probs := make([]float64, len(logits.data))
	loss := 0.0
	valid := 0
	for i, tgt := range targets {
		row := logits.data[i*c : (i+1)*c]
		lse := floats.LogSumExp(row)
		for j, v := range row {
			probs[i*c+j] = math.Exp(v - lse)
		}
		if tgt == ignore {
			continue
		}
		if tgt < 0 || tgt >= c {
			panic(fmt.Sprintf("tensor: CrossEntropy target %d out of range [0, %d)", tgt, c))
		}
		loss += lse - row[tgt]
		valid++
	}
	out := New(1)
	if valid == 0 {
		return out
	}
	out.data[0] = loss / float64(valid)

	return attach(out, func() {
		g := logits.gradBuf()
		scale := out.grad[0] / float64(valid)
		for i := 0; i < n; i++ {
			tgt := targets[i]
			if tgt == ignore {
				continue
			}
			for j := 0; j < c; j++ {
				d := probs[i*c+j]
				if j == tgt {
					d--
				}
				g[i*c+j] += d * scale
			}
		}
	}, logits)
}

// Argmax returns, for every row of the last dimension, the index of its
// largest element.
func Argmax(x *Tensor) []int {
	rows, n := x.rows()
	idx := make([]int, rows)
	for r := range idx {
		idx[r] = floats.MaxIdx(x.data[r*n : (r+1)*n])
	}
	return idx
}
