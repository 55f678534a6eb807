// Package tensor provides dense float64 tensors with reverse-mode automatic
// differentiation.
//
// Every operation records a backward closure on its output when gradient
// tracking is enabled and at least one input requires a gradient. Calling
// Backward on a scalar walks the recorded graph in reverse topological order
// and accumulates gradients into every tensor that requires one.
//
// Shape errors are programmer bugs, not runtime conditions, so operations
// panic on them instead of returning errors.
package tensor

import (
	"fmt"
	"math/rand"
	"strings"
)

// Tensor is a multi-dimensional array of float64 values stored in row-major
// order.
//
// Tensor is not safe for concurrent use.
type Tensor struct {
	data  []float64
	shape []int
	grad  []float64 // allocated on first accumulation

	requiresGrad bool
	node         *node
}

// New creates a zero-filled tensor. Panics if shape is empty or contains a
// non-positive dimension.
func New(shape ...int) *Tensor {
	size := checkShape(shape)
	return &Tensor{
		data:  make([]float64, size),
		shape: append([]int(nil), shape...),
	}
}

// FromSlice wraps data in a tensor of the given shape. The slice is not
// copied.
func FromSlice(data []float64, shape ...int) *Tensor {
	size := checkShape(shape)
	if len(data) != size {
		panic(fmt.Sprintf("tensor: %d values do not fill shape %v", len(data), shape))
	}
	return &Tensor{data: data, shape: append([]int(nil), shape...)}
}

// Scalar returns a one-element tensor holding v.
func Scalar(v float64) *Tensor {
	return FromSlice([]float64{v}, 1)
}

// Randn creates a tensor with values drawn from N(0, std²).
func Randn(rng *rand.Rand, std float64, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.data {
		t.data[i] = rng.NormFloat64() * std
	}
	return t
}

// Full creates a tensor with every element set to v.
func Full(v float64, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.data {
		t.data[i] = v
	}
	return t
}

func checkShape(shape []int) int {
	if len(shape) == 0 {
		panic("tensor: shape cannot be empty")
	}
	size := 1
	for i, dim := range shape {
		if dim <= 0 {
			panic(fmt.Sprintf("tensor: shape[%d] must be positive, got %d", i, dim))
		}
		size *= dim
	}
	return size
}

// Shape returns a copy of the tensor's dimensions.
func (t *Tensor) Shape() []int {
	return append([]int(nil), t.shape...)
}

// Dim returns the size of dimension i. Negative i counts from the end.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.shape)
	}
	return t.shape[i]
}

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int { return len(t.shape) }

// Len returns the total number of elements.
func (t *Tensor) Len() int { return len(t.data) }

// Data returns the underlying storage. Writes through it bypass the graph.
func (t *Tensor) Data() []float64 { return t.data }

// Grad returns the accumulated gradient, or nil if nothing has been
// accumulated since the last ZeroGrad.
func (t *Tensor) Grad() []float64 { return t.grad }

// Item returns the value of a one-element tensor.
func (t *Tensor) Item() float64 {
	if len(t.data) != 1 {
		panic(fmt.Sprintf("tensor: Item on tensor of shape %v", t.shape))
	}
	return t.data[0]
}

// At returns the element at the given indices.
func (t *Tensor) At(indices ...int) float64 {
	return t.data[t.flatIndex(indices)]
}

// Set writes v at the given indices.
func (t *Tensor) Set(v float64, indices ...int) {
	t.data[t.flatIndex(indices)] = v
}

func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != len(t.shape) {
		panic(fmt.Sprintf("tensor: expected %d indices, got %d", len(t.shape), len(indices)))
	}
	idx, stride := 0, 1
	for i := len(indices) - 1; i >= 0; i-- {
		if indices[i] < 0 || indices[i] >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index %d out of range for dimension %d (size %d)", indices[i], i, t.shape[i]))
		}
		idx += indices[i] * stride
		stride *= t.shape[i]
	}
	return idx
}

// RequiresGrad reports whether gradients flow into t.
func (t *Tensor) RequiresGrad() bool { return t.requiresGrad }

// SetRequiresGrad marks a leaf tensor as trainable. It returns t so that
// constructors can chain it.
func (t *Tensor) SetRequiresGrad(v bool) *Tensor {
	if t.node != nil {
		panic("tensor: SetRequiresGrad on a non-leaf tensor")
	}
	t.requiresGrad = v
	return t
}

// ZeroGrad clears the accumulated gradient.
func (t *Tensor) ZeroGrad() {
	for i := range t.grad {
		t.grad[i] = 0
	}
}

// Detach returns a leaf tensor sharing t's data with no graph attached.
func (t *Tensor) Detach() *Tensor {
	return &Tensor{data: t.data, shape: t.Shape()}
}

// Clone returns a leaf tensor with a copy of t's data.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{data: append([]float64(nil), t.data...), shape: t.Shape()}
}

func (t *Tensor) gradBuf() []float64 {
	if t.grad == nil {
		t.grad = make([]float64, len(t.data))
	}
	return t.grad
}

func (t *Tensor) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Tensor%v", t.shape)
	if len(t.data) <= 8 {
		fmt.Fprintf(&b, "%v", t.data)
	}
	return b.String()
}

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func mustShapeEqual(op string, a, b *Tensor) {
	if !shapeEqual(a.shape, b.shape) {
		panic(fmt.Sprintf("tensor: %s shape mismatch %v vs %v", op, a.shape, b.shape))
	}
}

// rows splits t into (prod(shape[:-1]), shape[-1]).
func (t *Tensor) rows() (int, int) {
	n := t.shape[len(t.shape)-1]
	return len(t.data) / n, n
}
