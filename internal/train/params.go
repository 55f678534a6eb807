// Package train runs the optimization loop for the joint tagger: parameter
// grouping, AdamW with a linear warmup schedule, optional loss scaling for
// half precision, per-epoch evaluation and run logging.
package train

import (
	"strings"

	"github.com/scttfrdmn/normpunc/internal/model"
	"github.com/scttfrdmn/normpunc/internal/nn"
)

// noDecay lists name fragments whose parameters are never weight-decayed.
var noDecay = []string{"bias", "LayerNorm.weight"}

// ParamGroup is a set of parameters sharing a learning rate and weight decay.
// BaseLR is the configured rate; LR is the rate after scheduling.
type ParamGroup struct {
	Name        string
	Params      []nn.Parameter
	BaseLR      float64
	LR          float64
	WeightDecay float64
}

// BuildParamGroups splits params four ways. Encoder parameters (named with
// model.EncoderPrefix) train at encoderLR and the task heads at headLR;
// biases and LayerNorm weights get no weight decay, all others get decay.
// Empty groups are dropped. The first group is the encoder group with decay
// when it exists.
func BuildParamGroups(params []nn.Parameter, encoderLR, headLR, decay float64) []*ParamGroup {
	groups := []*ParamGroup{
		{Name: "encoder", BaseLR: encoderLR, WeightDecay: decay},
		{Name: "encoder_no_decay", BaseLR: encoderLR},
		{Name: "heads", BaseLR: headLR, WeightDecay: decay},
		{Name: "heads_no_decay", BaseLR: headLR},
	}
	for _, p := range params {
		i := 0
		if !strings.HasPrefix(p.Name, model.EncoderPrefix) {
			i = 2
		}
		if skipDecay(p.Name) {
			i++
		}
		groups[i].Params = append(groups[i].Params, p)
	}

	out := groups[:0]
	for _, g := range groups {
		if len(g.Params) > 0 {
			g.LR = g.BaseLR
			out = append(out, g)
		}
	}
	return out
}

func skipDecay(name string) bool {
	for _, frag := range noDecay {
		if strings.Contains(name, frag) {
			return true
		}
	}
	return false
}

// findGroup returns the group holding the parameter called name.
func findGroup(groups []*ParamGroup, name string) (*ParamGroup, bool) {
	for _, g := range groups {
		for _, p := range g.Params {
			if p.Name == name {
				return g, true
			}
		}
	}
	return nil, false
}

func zeroGrad(groups []*ParamGroup) {
	for _, g := range groups {
		nn.ZeroGrad(g.Params)
	}
}
