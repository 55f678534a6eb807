// Package model implements the joint normalization and punctuation tagger:
// a shared encoder run once per task, shared attention pooling, and per-task
// projection, decoding and loss.
package model

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/scttfrdmn/normpunc/internal/data"
	"github.com/scttfrdmn/normpunc/internal/encoder"
	"github.com/scttfrdmn/normpunc/internal/nn"
	"github.com/scttfrdmn/normpunc/internal/tensor"
)

// EncoderPrefix is prepended to every encoder parameter name. Optimizer
// grouping keys on it.
const EncoderPrefix = "bert."

// Config fixes the head architecture.
type Config struct {
	Mode       Mode
	Biaffine   bool
	HiddenDim  int // width of each pooling head
	AttnHeads  int // pooling heads; DefaultPoolingHeads when zero
	NormLabels int
	PuncLabels int
	Seed       int64
}

func (c Config) validate() error {
	switch {
	case !c.Mode.valid():
		return errors.Wrapf(ErrUnknownMode, "mode %d", int(c.Mode))
	case c.HiddenDim <= 0:
		return errors.Errorf("hidden dim must be positive, got %d", c.HiddenDim)
	case c.AttnHeads < 0:
		return errors.Errorf("attention heads must not be negative, got %d", c.AttnHeads)
	case c.NormLabels <= 0 || c.PuncLabels <= 0:
		return errors.Errorf("label counts must be positive, got norm=%d punc=%d", c.NormLabels, c.PuncLabels)
	}
	return nil
}

// Output is the result of a forward pass. Logits are always set; losses only
// when the batch carried labels.
type Output struct {
	NormLogits *tensor.Tensor // (batch, seq, norm labels)
	PuncLogits *tensor.Tensor // (batch, seq, punc labels)

	NormLoss *tensor.Tensor // scalar
	PuncLoss *tensor.Tensor // scalar
}

// JointModel is the full tagger.
type JointModel struct {
	cfg  Config
	enc  Encoder
	dual *DualTaskEncoder

	attn        *AttentionPooling
	normMLP     *nn.Linear
	puncMLP     *nn.Linear
	normDecoder LabelDecoder
	puncDecoder LabelDecoder

	half bool
}

// NewJointModel builds the task heads on top of enc. The MLP width is half
// the pooled width.
func NewJointModel(enc Encoder, cfg Config) (*JointModel, error) {
	if cfg.AttnHeads == 0 {
		cfg.AttnHeads = DefaultPoolingHeads
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Mode.Topology() != Independent && !enc.CrossAttention() {
		return nil, errors.Wrapf(ErrNoCrossAttention, "mode %s", cfg.Mode)
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	attn := NewAttentionPooling(rng, enc.HiddenSize(), cfg.HiddenDim, cfg.AttnHeads)
	pooled := attn.OutputDim()
	mlpDim := pooled / 2
	if mlpDim == 0 {
		return nil, errors.Errorf("pooled width %d too small for a projection", pooled)
	}
	std := 1 / math.Sqrt(float64(pooled))

	return &JointModel{
		cfg:         cfg,
		enc:         enc,
		dual:        NewDualTaskEncoder(enc, cfg.Mode.Topology()),
		attn:        attn,
		normMLP:     nn.NewLinear(rng, pooled, mlpDim, std),
		puncMLP:     nn.NewLinear(rng, pooled, mlpDim, std),
		normDecoder: NewLabelDecoder(rng, mlpDim, cfg.NormLabels, cfg.Biaffine),
		puncDecoder: NewLabelDecoder(rng, mlpDim, cfg.PuncLabels, cfg.Biaffine),
	}, nil
}

// Config returns the model configuration.
func (m *JointModel) Config() Config { return m.cfg }

// Mode returns the training mode.
func (m *JointModel) Mode() Mode { return m.cfg.Mode }

// SetTraining switches encoder dropout on or off.
func (m *JointModel) SetTraining(training bool) { m.enc.SetTraining(training) }

// Training reports whether encoder dropout is on.
func (m *JointModel) Training() bool { return m.enc.Training() }

// UseHalfPrecision rounds encoder and pooling activations through float16.
// Encoder outputs are rounded before a joint mode feeds them to the second
// pass.
func (m *JointModel) UseHalfPrecision(on bool) {
	m.half = on
	if on {
		m.dual.SetRounding(tensor.HalfRound)
	} else {
		m.dual.SetRounding(nil)
	}
}

// Forward runs the model on b. Shape inconsistencies in b panic.
func (m *JointModel) Forward(b *data.Batch) *Output {
	if b.Size() == 0 {
		panic("model: empty batch")
	}
	in := encoder.Input{IDs: b.InputIDs, Mask: b.Mask}
	normHidden, puncHidden := m.dual.Encode(in)

	// Context is encoded once and attached to both tasks.
	window := m.dual.EncodeContext(b.Prev, b.Next)
	keyMask := window.Mask(b.Mask)

	normRepr := m.project(m.normMLP, AttachContext(normHidden, window), keyMask, window)
	puncRepr := m.project(m.puncMLP, AttachContext(puncHidden, window), keyMask, window)

	out := &Output{
		NormLogits: m.normDecoder.Score(normRepr, puncRepr),
		PuncLogits: m.puncDecoder.Score(puncRepr, normRepr),
	}
	if b.HasLabels() {
		out.NormLoss = flatLoss(out.NormLogits, b.NormIDs)
		out.PuncLoss = flatLoss(out.PuncLogits, b.PuncIDs)
	}
	return out
}

// project pools the windowed hidden states, strips the context, and applies
// tanh, the task MLP and tanh again.
func (m *JointModel) project(mlp *nn.Linear, hidden *tensor.Tensor, keyMask [][]int, w *ContextWindow) *tensor.Tensor {
	pooled, _ := m.attn.Forward(hidden, keyMask)
	pooled = m.precision(StripContext(pooled, w))
	return tensor.Tanh(mlp.Forward(tensor.Tanh(pooled)))
}

func (m *JointModel) precision(x *tensor.Tensor) *tensor.Tensor {
	if !m.half {
		return x
	}
	return tensor.HalfRound(x)
}

// Loss combines the task losses of out according to the mode.
func (m *JointModel) Loss(out *Output) *tensor.Tensor {
	if out.NormLoss == nil || out.PuncLoss == nil {
		panic("model: Loss on an output without labels")
	}
	return m.cfg.Mode.CombineLoss(out.NormLoss, out.PuncLoss)
}

func flatLoss(logits *tensor.Tensor, labels [][]int) *tensor.Tensor {
	batch, seq, n := logits.Dim(0), logits.Dim(1), logits.Dim(2)
	if len(labels) != batch {
		panic(fmt.Sprintf("model: %d label rows for batch of %d", len(labels), batch))
	}
	targets := make([]int, 0, batch*seq)
	for _, row := range labels {
		if len(row) != seq {
			panic(fmt.Sprintf("model: label row of %d for sequence of %d", len(row), seq))
		}
		targets = append(targets, row...)
	}
	return tensor.CrossEntropy(tensor.Reshape(logits, batch*seq, n), targets, data.IgnoreIndex)
}

// Parameters lists every trainable tensor. Encoder names carry
// EncoderPrefix.
func (m *JointModel) Parameters() []nn.Parameter {
	var ps []nn.Parameter
	for _, p := range m.enc.Parameters() {
		ps = append(ps, nn.Parameter{Name: EncoderPrefix + p.Name, Value: p.Value})
	}
	ps = append(ps, nn.Prefixed("attn", m.attn)...)
	ps = append(ps, nn.Prefixed("norm_mlp", m.normMLP)...)
	ps = append(ps, nn.Prefixed("punc_mlp", m.puncMLP)...)
	ps = append(ps, nn.Prefixed("norm_decoder", m.normDecoder)...)
	ps = append(ps, nn.Prefixed("punc_decoder", m.puncDecoder)...)
	return ps
}
