package train

import (
	"math"

	"github.com/scttfrdmn/normpunc/internal/tensor"
)

// Optimizer updates parameters from their accumulated gradients.
type Optimizer interface {
	// Step applies one update to every group at its current LR.
	Step(groups []*ParamGroup)
}

// AdamW implements Adam with decoupled weight decay.
//
// Update rule, per parameter with its own step count t:
//
//	m_t = beta1 * m_{t-1} + (1 - beta1) * grad
//	v_t = beta2 * v_{t-1} + (1 - beta2) * grad²
//	step = lr * sqrt(1 - beta2^t) / (1 - beta1^t)
//	param -= step * m_t / (sqrt(v_t) + eps)
//	param -= lr * weightDecay * param
//
// Parameters that received no gradient are left untouched and their moments
// do not advance.
type AdamW struct {
	beta1   float64
	beta2   float64
	epsilon float64

	state map[*tensor.Tensor]*adamState
}

type adamState struct {
	m, v []float64
	t    int
}

// NewAdamW creates an optimizer with the given moment decay rates and eps.
func NewAdamW(beta1, beta2, epsilon float64) *AdamW {
	return &AdamW{
		beta1:   beta1,
		beta2:   beta2,
		epsilon: epsilon,
		state:   make(map[*tensor.Tensor]*adamState),
	}
}

// DefaultAdamW uses betas (0.9, 0.999).
func DefaultAdamW(epsilon float64) *AdamW {
	return NewAdamW(0.9, 0.999, epsilon)
}

// Step implements Optimizer.
func (opt *AdamW) Step(groups []*ParamGroup) {
	for _, g := range groups {
		for _, p := range g.Params {
			grad := p.Value.Grad()
			if grad == nil {
				continue
			}
			opt.update(p.Value, grad, g.LR, g.WeightDecay)
		}
	}
}

func (opt *AdamW) update(p *tensor.Tensor, grad []float64, lr, weightDecay float64) {
	s, ok := opt.state[p]
	if !ok {
		s = &adamState{m: make([]float64, len(grad)), v: make([]float64, len(grad))}
		opt.state[p] = s
	}
	s.t++

	bias1 := 1 - math.Pow(opt.beta1, float64(s.t))
	bias2 := 1 - math.Pow(opt.beta2, float64(s.t))
	stepSize := lr * math.Sqrt(bias2) / bias1

	data := p.Data()
	for j, gj := range grad {
		s.m[j] = opt.beta1*s.m[j] + (1-opt.beta1)*gj
		s.v[j] = opt.beta2*s.v[j] + (1-opt.beta2)*gj*gj
		data[j] -= stepSize * s.m[j] / (math.Sqrt(s.v[j]) + opt.epsilon)
		if weightDecay > 0 {
			data[j] -= lr * weightDecay * data[j]
		}
	}
}

// Steps returns how many updates p has received.
func (opt *AdamW) Steps(p *tensor.Tensor) int {
	if s, ok := opt.state[p]; ok {
		return s.t
	}
	return 0
}
