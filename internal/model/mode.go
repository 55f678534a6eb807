package model

import (
	"github.com/pkg/errors"

	"github.com/scttfrdmn/normpunc/internal/tensor"
)

// Topology says which task, if any, conditions the other's encoder pass.
type Topology int

const (
	// Independent runs two unconditioned encoder passes.
	Independent Topology = iota
	// NormConditionsPunc feeds the norm pass into the punc pass.
	NormConditionsPunc
	// PuncConditionsNorm feeds the punc pass into the norm pass.
	PuncConditionsNorm
)

func (t Topology) String() string {
	switch t {
	case Independent:
		return "independent"
	case NormConditionsPunc:
		return "norm->punc"
	case PuncConditionsNorm:
		return "punc->norm"
	}
	return "unknown"
}

// Mode selects the encoding topology and which task losses are trained.
type Mode int

const (
	NoJoint Mode = iota
	NormToPunc
	PuncToNorm
	NormOnly
	PuncOnly
)

type modeSpec struct {
	name      string
	topology  Topology
	trainNorm bool
	trainPunc bool
}

var modeTable = [...]modeSpec{
	NoJoint:    {"nojoint", Independent, true, true},
	NormToPunc: {"norm_to_punc", NormConditionsPunc, true, true},
	PuncToNorm: {"punc_to_norm", PuncConditionsNorm, true, true},
	NormOnly:   {"norm_only", Independent, true, false},
	PuncOnly:   {"punc_only", Independent, false, true},
}

// ErrUnknownMode is returned by ParseMode for names outside the mode table.
var ErrUnknownMode = errors.New("unknown model mode")

// ErrNoCrossAttention is returned when a joint mode is paired with an
// encoder built without cross-attention.
var ErrNoCrossAttention = errors.New("joint mode needs an encoder with add_cross_attention")

// ParseMode maps a mode name such as "norm_to_punc" to its Mode.
func ParseMode(name string) (Mode, error) {
	for m, spec := range modeTable {
		if spec.name == name {
			return Mode(m), nil
		}
	}
	return 0, errors.Wrapf(ErrUnknownMode, "%q (want one of %v)", name, ModeNames())
}

// ModeNames lists every valid mode name.
func ModeNames() []string {
	names := make([]string, len(modeTable))
	for i, spec := range modeTable {
		names[i] = spec.name
	}
	return names
}

func (m Mode) valid() bool { return m >= 0 && int(m) < len(modeTable) }

func (m Mode) String() string {
	if !m.valid() {
		return "unknown"
	}
	return modeTable[m].name
}

// Topology returns the encoder topology the mode runs.
func (m Mode) Topology() Topology { return modeTable[m].topology }

// ScoresNorm reports whether the norm task is trained and evaluated.
func (m Mode) ScoresNorm() bool { return modeTable[m].trainNorm }

// ScoresPunc reports whether the punc task is trained and evaluated.
func (m Mode) ScoresPunc() bool { return modeTable[m].trainPunc }

// CombineLoss applies the mode's loss rule: the norm loss alone, the punc
// loss alone, or their sum.
func (m Mode) CombineLoss(norm, punc *tensor.Tensor) *tensor.Tensor {
	spec := modeTable[m]
	switch {
	case spec.trainNorm && spec.trainPunc:
		return tensor.Add(norm, punc)
	case spec.trainNorm:
		return norm
	default:
		return punc
	}
}
