package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// Add returns a + b elementwise. Shapes must match.
func Add(a, b *Tensor) *Tensor {
	mustShapeEqual("Add", a, b)
	out := New(a.shape...)
	floats.AddTo(out.data, a.data, b.data)
	return attach(out, func() {
		if a.requiresGrad {
			floats.Add(a.gradBuf(), out.grad)
		}
		if b.requiresGrad {
			floats.Add(b.gradBuf(), out.grad)
		}
	}, a, b)
}

// AddBias adds the vector bias to every row of x's last dimension.
func AddBias(x, bias *Tensor) *Tensor {
	rows, n := x.rows()
	if bias.Len() != n {
		panic(fmt.Sprintf("tensor: AddBias bias of %d for rows of %d", bias.Len(), n))
	}
	out := New(x.shape...)
	for r := 0; r < rows; r++ {
		floats.AddTo(out.data[r*n:(r+1)*n], x.data[r*n:(r+1)*n], bias.data)
	}
	return attach(out, func() {
		if x.requiresGrad {
			floats.Add(x.gradBuf(), out.grad)
		}
		if bias.requiresGrad {
			gb := bias.gradBuf()
			for r := 0; r < rows; r++ {
				floats.Add(gb, out.grad[r*n:(r+1)*n])
			}
		}
	}, x, bias)
}

// Scale returns s·x.
func Scale(x *Tensor, s float64) *Tensor {
	out := New(x.shape...)
	floats.ScaleTo(out.data, s, x.data)
	return attach(out, func() {
		floats.AddScaled(x.gradBuf(), s, out.grad)
	}, x)
}

// MatMul multiplies x of shape (..., k) by the matrix w of shape (k, n),
// giving (..., n).
func MatMul(x, w *Tensor) *Tensor {
	if w.Rank() != 2 {
		panic(fmt.Sprintf("tensor: MatMul weight must be 2D, got %v", w.shape))
	}
	m, k := x.rows()
	if w.shape[0] != k {
		panic(fmt.Sprintf("tensor: MatMul inner dimensions %v x %v", x.shape, w.shape))
	}
	n := w.shape[1]
	outShape := append(x.Shape()[:x.Rank()-1], n)
	out := New(outShape...)
	gemm(false, false, m, n, k, x.data, w.data, 0, out.data)
	return attach(out, func() {
		if x.requiresGrad {
			gemm(false, true, m, k, n, out.grad, w.data, 1, x.gradBuf())
		}
		if w.requiresGrad {
			gemm(true, false, k, n, m, x.data, out.grad, 1, w.gradBuf())
		}
	}, x, w)
}

// BatchMatMul multiplies matching slices of a (b, m, k) and bm (b, k, n),
// giving (b, m, n). With transB, bm is (b, n, k) and used transposed.
// Batch slices are independent and may run concurrently.
func BatchMatMul(a, bm *Tensor, transB bool) *Tensor {
	if a.Rank() != 3 || bm.Rank() != 3 || a.shape[0] != bm.shape[0] {
		panic(fmt.Sprintf("tensor: BatchMatMul shapes %v x %v", a.shape, bm.shape))
	}
	batch, m, k := a.shape[0], a.shape[1], a.shape[2]
	n := bm.shape[2]
	if transB {
		n = bm.shape[1]
		if bm.shape[2] != k {
			panic(fmt.Sprintf("tensor: BatchMatMul shapes %v x %v^T", a.shape, bm.shape))
		}
	} else if bm.shape[1] != k {
		panic(fmt.Sprintf("tensor: BatchMatMul shapes %v x %v", a.shape, bm.shape))
	}

	out := New(batch, m, n)
	aStride, bStride, cStride := m*k, k*n, m*n
	work := batch * m * n * k
	parallelFor(batch, work, func(i int) {
		gemm(false, transB, m, n, k,
			a.data[i*aStride:(i+1)*aStride],
			bm.data[i*bStride:(i+1)*bStride],
			0, out.data[i*cStride:(i+1)*cStride])
	})

	return attach(out, func() {
		var ga, gb []float64
		if a.requiresGrad {
			ga = a.gradBuf()
		}
		if bm.requiresGrad {
			gb = bm.gradBuf()
		}
		parallelFor(batch, 2*work, func(i int) {
			dc := out.grad[i*cStride : (i+1)*cStride]
			av := a.data[i*aStride : (i+1)*aStride]
			bv := bm.data[i*bStride : (i+1)*bStride]
			if ga != nil {
				// dA = dC · op(B)^T
				gemm(false, !transB, m, k, n, dc, bv, 1, ga[i*aStride:(i+1)*aStride])
			}
			if gb == nil {
				return
			}
			if transB {
				// dB (n, k) = dC^T · A
				gemm(true, false, n, k, m, dc, av, 1, gb[i*bStride:(i+1)*bStride])
			} else {
				// dB (k, n) = A^T · dC
				gemm(true, false, k, n, m, av, dc, 1, gb[i*bStride:(i+1)*bStride])
			}
		})
	}, a, bm)
}

// Reshape returns a tensor with the same elements and a new shape. The data
// is shared with x; the gradient is not.
func Reshape(x *Tensor, shape ...int) *Tensor {
	if checkShape(shape) != len(x.data) {
		panic(fmt.Sprintf("tensor: cannot reshape %v to %v", x.shape, shape))
	}
	out := &Tensor{data: x.data, shape: append([]int(nil), shape...)}
	return attach(out, func() {
		floats.Add(x.gradBuf(), out.grad)
	}, x)
}

// Permute reorders dimensions: output dimension i is input dimension perm[i].
func Permute(x *Tensor, perm ...int) *Tensor {
	if len(perm) != x.Rank() {
		panic(fmt.Sprintf("tensor: Permute %v on rank %d", perm, x.Rank()))
	}
	inStrides := strides(x.shape)
	outShape := make([]int, len(perm))
	for i, p := range perm {
		outShape[i] = x.shape[p]
	}
	out := New(outShape...)

	// src[i] is the input offset of output element i.
	src := make([]int, len(out.data))
	idx := make([]int, len(outShape))
	for i := range src {
		off := 0
		for d, p := range perm {
			off += idx[d] * inStrides[p]
		}
		src[i] = off
		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < outShape[d] {
				break
			}
			idx[d] = 0
		}
	}
	for i, s := range src {
		out.data[i] = x.data[s]
	}
	return attach(out, func() {
		gx := x.gradBuf()
		for i, s := range src {
			gx[s] += out.grad[i]
		}
	}, x)
}

func strides(shape []int) []int {
	s := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= shape[i]
	}
	return s
}

// Concat joins tensors along axis. All other dimensions must agree.
func Concat(axis int, ts ...*Tensor) *Tensor {
	if len(ts) == 0 {
		panic("tensor: Concat of nothing")
	}
	if len(ts) == 1 {
		return ts[0]
	}
	first := ts[0]
	if axis < 0 {
		axis += first.Rank()
	}
	outShape := first.Shape()
	outShape[axis] = 0
	for _, t := range ts {
		if t.Rank() != first.Rank() {
			panic(fmt.Sprintf("tensor: Concat rank mismatch %v vs %v", first.shape, t.shape))
		}
		for d := range t.shape {
			if d != axis && t.shape[d] != first.shape[d] {
				panic(fmt.Sprintf("tensor: Concat shape mismatch %v vs %v on axis %d", first.shape, t.shape, axis))
			}
		}
		outShape[axis] += t.shape[axis]
	}
	out := New(outShape...)

	outer := 1
	for d := 0; d < axis; d++ {
		outer *= outShape[d]
	}
	inner := len(out.data) / (outer * outShape[axis])
	rowLen := outShape[axis] * inner

	offset := 0
	for _, t := range ts {
		chunk := t.shape[axis] * inner
		for o := 0; o < outer; o++ {
			copy(out.data[o*rowLen+offset:o*rowLen+offset+chunk], t.data[o*chunk:(o+1)*chunk])
		}
		offset += chunk
	}

	return attach(out, func() {
		offset := 0
		for _, t := range ts {
			chunk := t.shape[axis] * inner
			if t.requiresGrad {
				g := t.gradBuf()
				for o := 0; o < outer; o++ {
					floats.Add(g[o*chunk:(o+1)*chunk], out.grad[o*rowLen+offset:o*rowLen+offset+chunk])
				}
			}
			offset += chunk
		}
	}, ts...)
}

// Slice keeps positions [start, end) of axis.
func Slice(x *Tensor, axis, start, end int) *Tensor {
	if axis < 0 {
		axis += x.Rank()
	}
	if start < 0 || end > x.shape[axis] || start >= end {
		panic(fmt.Sprintf("tensor: Slice [%d:%d] out of range for axis %d of %v", start, end, axis, x.shape))
	}
	outShape := x.Shape()
	outShape[axis] = end - start
	out := New(outShape...)

	outer := 1
	for d := 0; d < axis; d++ {
		outer *= x.shape[d]
	}
	inner := len(x.data) / (outer * x.shape[axis])
	inRow := x.shape[axis] * inner
	outRow := (end - start) * inner
	for o := 0; o < outer; o++ {
		copy(out.data[o*outRow:(o+1)*outRow], x.data[o*inRow+start*inner:o*inRow+end*inner])
	}
	return attach(out, func() {
		g := x.gradBuf()
		for o := 0; o < outer; o++ {
			floats.Add(g[o*inRow+start*inner:o*inRow+end*inner], out.grad[o*outRow:(o+1)*outRow])
		}
	}, x)
}
