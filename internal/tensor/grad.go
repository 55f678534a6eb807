package tensor

import (
	"fmt"
	"sync/atomic"
)

type node struct {
	parents  []*Tensor
	backward func()
}

var noGradDepth atomic.Int32

// NoGrad runs fn with gradient tracking disabled. Tensors produced inside fn
// are leaves: they carry no graph and never receive gradients. Calls nest.
func NoGrad(fn func()) {
	noGradDepth.Add(1)
	defer noGradDepth.Add(-1)
	fn()
}

// GradEnabled reports whether operations currently record a graph.
func GradEnabled() bool {
	return noGradDepth.Load() == 0
}

// attach records backward on out if any parent needs a gradient.
func attach(out *Tensor, backward func(), parents ...*Tensor) *Tensor {
	if !GradEnabled() {
		return out
	}
	for _, p := range parents {
		if p.requiresGrad {
			out.requiresGrad = true
			out.node = &node{parents: parents, backward: backward}
			break
		}
	}
	return out
}

// Backward seeds a scalar with gradient 1 and propagates it through the graph.
func (t *Tensor) Backward() {
	t.BackwardScaled(1)
}

// BackwardScaled seeds a scalar with gradient seed. Loss scaling for mixed
// precision uses a seed larger than one and divides the result back out.
//
// The graph is released afterwards; calling Backward twice on the same
// output only propagates into its leaves once.
func (t *Tensor) BackwardScaled(seed float64) {
	if len(t.data) != 1 {
		panic(fmt.Sprintf("tensor: Backward on non-scalar of shape %v", t.shape))
	}
	if !t.requiresGrad {
		return
	}

	var topo []*Tensor
	visited := make(map[*Tensor]bool)
	var build func(v *Tensor)
	build = func(v *Tensor) {
		if visited[v] {
			return
		}
		visited[v] = true
		if v.node != nil {
			for _, p := range v.node.parents {
				if p.requiresGrad {
					build(p)
				}
			}
		}
		topo = append(topo, v)
	}
	build(t)

	t.gradBuf()[0] += seed
	for i := len(topo) - 1; i >= 0; i-- {
		v := topo[i]
		if v.node == nil {
			continue
		}
		if v.grad != nil {
			v.node.backward()
		}
		v.node = nil
	}
}
