package train

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/scttfrdmn/normpunc/internal/config"
	"github.com/scttfrdmn/normpunc/internal/tensor"
)

// ===========================================================================
// WHAT'S GOING ON HERE: loss scaling
// ===========================================================================
//
// In half precision, small gradients underflow to zero. The fix is to
// multiply the loss by a large factor before backward, so every gradient is
// scaled by the same factor, then divide the gradients back before the
// optimizer sees them.
//
// Too large a factor overflows instead. The dynamic scaler checks the scaled
// gradients against the float16 range after every backward pass:
//   - overflow: skip the update, halve the scale
//   - GrowthInterval clean steps in a row: double the scale
//
// In full precision there is nothing to protect, so the no-op scaler runs a
// plain backward and step. It still refuses a non-finite loss, since that
// would poison every parameter.
//
// ===========================================================================

// ErrNonFiniteLoss is returned when a loss is NaN or infinite and no loss
// scaler is active to absorb it.
var ErrNonFiniteLoss = errors.New("non-finite loss")

// GradientScaler wraps the backward pass and optimizer step.
type GradientScaler interface {
	// Backward propagates loss into the parameter gradients.
	Backward(loss *tensor.Tensor) error
	// Step updates groups with opt unless the gradients overflowed. It
	// reports whether the update happened.
	Step(opt Optimizer, groups []*ParamGroup) (bool, error)
	// Scale is the current loss multiplier.
	Scale() float64
}

type noopScaler struct{}

// NoopScaler runs backward and step unchanged.
func NoopScaler() GradientScaler { return noopScaler{} }

func (noopScaler) Backward(loss *tensor.Tensor) error {
	if tensor.NonFinite(loss.Data()) {
		return errors.Wrapf(ErrNonFiniteLoss, "loss %v", loss.Item())
	}
	loss.Backward()
	return nil
}

func (noopScaler) Step(opt Optimizer, groups []*ParamGroup) (bool, error) {
	opt.Step(groups)
	return true, nil
}

func (noopScaler) Scale() float64 { return 1 }

// DynamicScaler adjusts the loss scale from overflow feedback.
type DynamicScaler struct {
	GrowthFactor   float64
	BackoffFactor  float64
	GrowthInterval int

	scale     float64
	goodSteps int
}

// NewDynamicScaler starts at 2^16 and doubles after 2000 clean steps.
func NewDynamicScaler() *DynamicScaler {
	return &DynamicScaler{
		GrowthFactor:   2,
		BackoffFactor:  0.5,
		GrowthInterval: 2000,
		scale:          65536,
	}
}

// Scale implements GradientScaler.
func (s *DynamicScaler) Scale() float64 { return s.scale }

// Backward implements GradientScaler.
func (s *DynamicScaler) Backward(loss *tensor.Tensor) error {
	loss.BackwardScaled(s.scale)
	return nil
}

// Step implements GradientScaler.
func (s *DynamicScaler) Step(opt Optimizer, groups []*ParamGroup) (bool, error) {
	for _, g := range groups {
		for _, p := range g.Params {
			if tensor.HalfOverflow(p.Value.Grad()) {
				s.scale *= s.BackoffFactor
				s.goodSteps = 0
				return false, nil
			}
		}
	}

	inv := 1 / s.scale
	for _, g := range groups {
		for _, p := range g.Params {
			grad := p.Value.Grad()
			for i := range grad {
				grad[i] *= inv
			}
		}
	}
	opt.Step(groups)

	s.goodSteps++
	if s.goodSteps >= s.GrowthInterval {
		s.scale *= s.GrowthFactor
		s.goodSteps = 0
	}
	return true, nil
}

// SelectPrecision picks the scaler for device. It returns whether the model
// should run its activations in half precision. Devices other than cpu and
// fp16 are logged and fall back to cpu.
func SelectPrecision(device string, logger *zap.Logger) (GradientScaler, bool) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch device {
	case config.DeviceCPU:
		return NoopScaler(), false
	case config.DeviceFP16:
		logger.Info("mixed precision enabled", zap.String("device", device))
		return NewDynamicScaler(), true
	}
	logger.Warn("mixed precision unavailable, using standard precision",
		zap.String("device", device))
	return NoopScaler(), false
}
