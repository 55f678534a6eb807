package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// Bilinear computes out[..., l] = x1[...]ᵀ · w[l] · x2[...] for x1 (..., d1),
// x2 (..., d2) and w (labels, d1, d2). Leading dimensions of x1 and x2 must
// match.
func Bilinear(x1, x2, w *Tensor) *Tensor {
	if w.Rank() != 3 {
		panic(fmt.Sprintf("tensor: Bilinear weight must be 3D, got %v", w.shape))
	}
	n, d1 := x1.rows()
	n2, d2 := x2.rows()
	if n != n2 || x1.Rank() != x2.Rank() || w.shape[1] != d1 || w.shape[2] != d2 {
		panic(fmt.Sprintf("tensor: Bilinear shapes %v, %v, %v", x1.shape, x2.shape, w.shape))
	}
	for d := 0; d < x1.Rank()-1; d++ {
		if x1.shape[d] != x2.shape[d] {
			panic(fmt.Sprintf("tensor: Bilinear leading dims %v vs %v", x1.shape, x2.shape))
		}
	}
	labels := w.shape[0]
	outShape := append(x1.Shape()[:x1.Rank()-1], labels)
	out := New(outShape...)

	// proj[l] = x1 · w[l], kept for the backward pass.
	proj := make([]float64, labels*n*d2)
	wStride := d1 * d2
	parallelFor(labels, labels*n*d1*d2, func(l int) {
		p := proj[l*n*d2 : (l+1)*n*d2]
		gemm(false, false, n, d2, d1, x1.data, w.data[l*wStride:(l+1)*wStride], 0, p)
		for i := 0; i < n; i++ {
			out.data[i*labels+l] = floats.Dot(p[i*d2:(i+1)*d2], x2.data[i*d2:(i+1)*d2])
		}
	})

	return attach(out, func() {
		gOut := out.grad
		scaled := make([]float64, n*d2)
		for l := 0; l < labels; l++ {
			p := proj[l*n*d2 : (l+1)*n*d2]
			wl := w.data[l*wStride : (l+1)*wStride]
			if x2.requiresGrad {
				g := x2.gradBuf()
				for i := 0; i < n; i++ {
					floats.AddScaled(g[i*d2:(i+1)*d2], gOut[i*labels+l], p[i*d2:(i+1)*d2])
				}
			}
			// scaled[i] = g[i, l] · x2[i]
			for i := 0; i < n; i++ {
				floats.ScaleTo(scaled[i*d2:(i+1)*d2], gOut[i*labels+l], x2.data[i*d2:(i+1)*d2])
			}
			if x1.requiresGrad {
				// dx1 += scaled · w[l]ᵀ
				gemm(false, true, n, d1, d2, scaled, wl, 1, x1.gradBuf())
			}
			if w.requiresGrad {
				// dw[l] += x1ᵀ · scaled
				gemm(true, false, d1, d2, n, x1.data, scaled, 1, w.gradBuf()[l*wStride:(l+1)*wStride])
			}
		}
	}, x1, x2, w)
}
