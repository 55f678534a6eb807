package train

// LinearSchedule warms the learning rate up linearly from 0 over Warmup
// steps, then decays it linearly to 0 at Total steps.
type LinearSchedule struct {
	Warmup int
	Total  int

	step int
}

// NewLinearSchedule returns a schedule at step 0.
func NewLinearSchedule(warmup, total int) *LinearSchedule {
	return &LinearSchedule{Warmup: warmup, Total: total}
}

// Lambda is the multiplier applied to the base rate at step.
func (s *LinearSchedule) Lambda(step int) float64 {
	if step < s.Warmup {
		return float64(step) / float64(max(1, s.Warmup))
	}
	return max(0, float64(s.Total-step)/float64(max(1, s.Total-s.Warmup)))
}

// Current returns the step the schedule is at.
func (s *LinearSchedule) Current() int { return s.step }

// Apply sets every group's LR for the current step.
func (s *LinearSchedule) Apply(groups []*ParamGroup) {
	f := s.Lambda(s.step)
	for _, g := range groups {
		g.LR = g.BaseLR * f
	}
}

// Step advances one step and applies the new rates.
func (s *LinearSchedule) Step(groups []*ParamGroup) {
	s.step++
	s.Apply(groups)
}
