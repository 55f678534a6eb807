package train

import (
	"context"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/scttfrdmn/normpunc/internal/config"
	"github.com/scttfrdmn/normpunc/internal/data"
	"github.com/scttfrdmn/normpunc/internal/encoder"
	"github.com/scttfrdmn/normpunc/internal/model"
	"github.com/scttfrdmn/normpunc/internal/nn"
	"github.com/scttfrdmn/normpunc/internal/runlog"
	"github.com/scttfrdmn/normpunc/internal/tensor"
)

func leaf(values ...float64) *tensor.Tensor {
	return tensor.FromSlice(values, len(values)).SetRequiresGrad(true)
}

func TestBuildParamGroups(t *testing.T) {
	names := []string{
		"bert.encoder.layer.0.attention.self.query.weight",
		"bert.encoder.layer.0.attention.self.query.bias",
		"bert.embeddings.LayerNorm.weight",
		"bert.embeddings.LayerNorm.bias",
		"attn.query.weight",
		"norm_decoder.linear.bias",
		"punc_decoder.bilinear.weight",
	}
	var params []nn.Parameter
	for _, n := range names {
		params = append(params, nn.Parameter{Name: n, Value: leaf(0)})
	}
	groups := BuildParamGroups(params, 5e-5, 1e-3, 0.05)
	require.Len(t, groups, 4)
	assert.Equal(t, "encoder", groups[0].Name)

	want := map[string][2]float64{
		"bert.encoder.layer.0.attention.self.query.weight": {5e-5, 0.05},
		"bert.encoder.layer.0.attention.self.query.bias":   {5e-5, 0},
		"bert.embeddings.LayerNorm.weight":                 {5e-5, 0},
		"bert.embeddings.LayerNorm.bias":                   {5e-5, 0},
		"attn.query.weight":                                {1e-3, 0.05},
		"norm_decoder.linear.bias":                         {1e-3, 0},
		"punc_decoder.bilinear.weight":                     {1e-3, 0.05},
	}
	for name, w := range want {
		g, ok := findGroup(groups, name)
		require.True(t, ok, name)
		assert.Equal(t, w[0], g.BaseLR, name)
		assert.Equal(t, w[1], g.WeightDecay, name)
	}
}

func TestBuildParamGroupsDropsEmpty(t *testing.T) {
	groups := BuildParamGroups([]nn.Parameter{{Name: "norm_mlp.weight", Value: leaf(0)}}, 1, 2, 0.1)
	require.Len(t, groups, 1)
	assert.Equal(t, "heads", groups[0].Name)
	assert.Equal(t, 2.0, groups[0].LR)
}

func TestLinearSchedule(t *testing.T) {
	s := NewLinearSchedule(2, 10)
	for step, want := range map[int]float64{0: 0, 1: 0.5, 2: 1, 6: 0.5, 10: 0, 12: 0} {
		assert.InDelta(t, want, s.Lambda(step), 1e-12, "step %d", step)
	}

	groups := []*ParamGroup{{BaseLR: 0.1}, {BaseLR: 1}}
	s.Apply(groups)
	assert.Equal(t, 0.0, groups[0].LR)
	s.Step(groups)
	assert.InDelta(t, 0.05, groups[0].LR, 1e-12)
	assert.InDelta(t, 0.5, groups[1].LR, 1e-12)
	assert.Equal(t, 1, s.Current())
}

func TestLinearScheduleWithoutWarmup(t *testing.T) {
	s := NewLinearSchedule(0, 4)
	assert.Equal(t, 1.0, s.Lambda(0))
	assert.Equal(t, 0.25, s.Lambda(3))
}

func TestAdamWFirstStep(t *testing.T) {
	p := leaf(1)
	idle := leaf(3)
	tensor.Scale(p, 0.5).Backward()

	opt := DefaultAdamW(1e-8)
	opt.Step([]*ParamGroup{{Params: []nn.Parameter{{Name: "p", Value: p}, {Name: "idle", Value: idle}}, LR: 0.1}})
	// Bias-corrected Adam moves the first step by lr in the gradient's sign.
	assert.InDelta(t, 0.9, p.Data()[0], 1e-6)
	assert.Equal(t, 3.0, idle.Data()[0])
	assert.Equal(t, 1, opt.Steps(p))
	assert.Equal(t, 0, opt.Steps(idle))
}

func TestAdamWDecoupledDecay(t *testing.T) {
	p := leaf(1)
	tensor.Scale(p, 0.5).Backward()
	DefaultAdamW(1e-8).Step([]*ParamGroup{{Params: []nn.Parameter{{Name: "p", Value: p}}, LR: 0.1, WeightDecay: 0.1}})
	assert.InDelta(t, 0.9-0.1*0.1*0.9, p.Data()[0], 1e-6)
}

type countingOptimizer struct {
	calls int
	grads [][]float64
}

func (c *countingOptimizer) Step(groups []*ParamGroup) {
	c.calls++
	for _, g := range groups {
		for _, p := range g.Params {
			c.grads = append(c.grads, append([]float64(nil), p.Value.Grad()...))
		}
	}
}

func TestNoopScalerRejectsNonFiniteLoss(t *testing.T) {
	err := NoopScaler().Backward(tensor.Scalar(math.NaN()))
	assert.ErrorIs(t, err, ErrNonFiniteLoss)
}

func TestDynamicScaler(t *testing.T) {
	p := leaf(2)
	groups := []*ParamGroup{{Params: []nn.Parameter{{Name: "p", Value: p}}, LR: 1}}
	opt := &countingOptimizer{}
	s := NewDynamicScaler()
	s.GrowthInterval = 1

	// 65536 is past the float16 range, so the first step overflows.
	require.NoError(t, s.Backward(tensor.Scale(p, 1)))
	stepped, err := s.Step(opt, groups)
	require.NoError(t, err)
	assert.False(t, stepped)
	assert.Equal(t, 32768.0, s.Scale())
	assert.Equal(t, 0, opt.calls)

	p.ZeroGrad()
	require.NoError(t, s.Backward(tensor.Scale(p, 1)))
	stepped, err = s.Step(opt, groups)
	require.NoError(t, err)
	assert.True(t, stepped)
	assert.Equal(t, [][]float64{{1}}, opt.grads, "gradients are unscaled before the step")
	assert.Equal(t, 65536.0, s.Scale(), "scale grows after a clean interval")
}

func TestSelectPrecision(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)

	s, half := SelectPrecision(config.DeviceCPU, logger)
	assert.False(t, half)
	assert.Equal(t, 1.0, s.Scale())

	s, half = SelectPrecision(config.DeviceFP16, logger)
	assert.True(t, half)
	assert.IsType(t, &DynamicScaler{}, s)

	s, half = SelectPrecision("tpu", logger)
	assert.False(t, half)
	assert.Equal(t, 1.0, s.Scale())
	warnings := logs.FilterLevelExact(zapcore.WarnLevel).All()
	require.Len(t, warnings, 1)
	assert.Equal(t, "tpu", warnings[0].ContextMap()["device"])
}

func TestBestTrackerStrictImprovement(t *testing.T) {
	var b BestTracker
	var bests []float64
	events := 0
	for _, v := range []float64{0.5, 0.5, 0.6, 0.55, 0.7} {
		best, improved := b.Observe(v)
		bests = append(bests, best)
		if improved {
			events++
		}
	}
	assert.Equal(t, []float64{0.5, 0.5, 0.6, 0.6, 0.7}, bests)
	assert.Equal(t, 2, events)
}

func TestPhaseName(t *testing.T) {
	assert.Equal(t, "nojoint", PhaseName(model.NoJoint, false, false))
	assert.Equal(t, "norm_to_punc_use_sc_biaffine", PhaseName(model.NormToPunc, true, true))
	assert.Equal(t, "punc_only_biaffine", PhaseName(model.PuncOnly, false, true))
}

func TestChunkPunctuation(t *testing.T) {
	assert.Equal(t, "O", chunkPunctuation("O"))
	assert.Equal(t, "B-PERIOD", chunkPunctuation("PERIOD"))
	assert.Equal(t, "B-COMMA", chunkPunctuation("COMMA"))
}

func TestDecodeSequencesDropsIgnored(t *testing.T) {
	vocab := data.NewVocab("O", "COMMA", "PERIOD")
	// Row 0 predicts PERIOD, COMMA, O; row 1 predicts O, O, COMMA.
	logits := tensor.FromSlice([]float64{
		0, 0, 1, 0, 1, 0, 1, 0, 0,
		1, 0, 0, 1, 0, 0, 0, 1, 0,
	}, 2, 3, 3)
	gold := [][]int{{2, data.IgnoreIndex, 0}, {data.IgnoreIndex, data.IgnoreIndex, 1}}

	g, p := decodeSequences(logits, gold, vocab, chunkPunctuation)
	want := [][]string{{"B-PERIOD", "O"}, {"B-COMMA"}}
	if diff := cmp.Diff(want, g); diff != "" {
		t.Errorf("gold (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][]string{{"B-PERIOD", "O"}, {"B-COMMA"}}, p); diff != "" {
		t.Errorf("pred (-want +got):\n%s", diff)
	}
}

// fixedPredictor returns the same logits for every batch.
type fixedPredictor struct {
	norm, punc *tensor.Tensor
	training   bool
	modes      []bool
	gradOn     []bool
}

func (f *fixedPredictor) Forward(b *data.Batch) *model.Output {
	if b.HasLabels() {
		panic("labels reached the model during evaluation")
	}
	f.gradOn = append(f.gradOn, tensor.GradEnabled())
	return &model.Output{NormLogits: f.norm, PuncLogits: f.punc}
}

func (f *fixedPredictor) SetTraining(on bool) {
	f.training = on
	f.modes = append(f.modes, on)
}

func (f *fixedPredictor) Training() bool { return f.training }

func TestEvaluateIgnoresSentinelPositions(t *testing.T) {
	normVocab := data.NewVocab("B-NUM", "O")
	puncVocab := data.NewVocab("O", "PERIOD")
	// Every position predicts B-NUM and PERIOD. The ignored positions hold
	// gold labels that would otherwise count as misses.
	p := &fixedPredictor{
		norm:     tensor.FromSlice([]float64{1, 0, 1, 0, 1, 0}, 1, 3, 2),
		punc:     tensor.FromSlice([]float64{0, 1, 0, 1, 0, 1}, 1, 3, 2),
		training: true,
	}
	loader := data.NewLoader([]*data.Batch{{
		InputIDs: [][]int{{2, 4, 3}},
		Mask:     [][]int{{1, 1, 1}},
		NormIDs:  [][]int{{data.IgnoreIndex, 0, data.IgnoreIndex}},
		PuncIDs:  [][]int{{data.IgnoreIndex, 1, data.IgnoreIndex}},
	}})

	norm, punc, err := Evaluate(p, loader, normVocab, puncVocab)
	require.NoError(t, err)
	assert.Equal(t, 1.0, norm.Micro.F1)
	assert.Equal(t, 1, norm.Micro.Support)
	assert.Equal(t, 1.0, punc.Micro.F1)
	assert.Equal(t, []string{"PERIOD"}, punc.Types)

	assert.Equal(t, []bool{false, true}, p.modes)
	assert.Equal(t, []bool{false}, p.gradOn)
}

func TestEvaluateRestoresPreviousMode(t *testing.T) {
	p := &fixedPredictor{
		norm: tensor.FromSlice([]float64{1, 0}, 1, 1, 2),
		punc: tensor.FromSlice([]float64{1, 0}, 1, 1, 2),
	}
	loader := data.NewLoader([]*data.Batch{{
		InputIDs: [][]int{{2}},
		Mask:     [][]int{{1}},
		NormIDs:  [][]int{{0}},
		PuncIDs:  [][]int{{0}},
	}})
	_, _, err := Evaluate(p, loader, data.NewVocab("B-NUM", "O"), data.NewVocab("PERIOD", "O"))
	require.NoError(t, err)
	assert.False(t, p.Training())
	assert.Equal(t, []bool{false, false}, p.modes)
}

func TestEvaluateLeavesEvalModeModelInEvalMode(t *testing.T) {
	prov := tinyProvider(t, 0)
	m := tinyModel(t, prov, model.NoJoint, false)
	require.False(t, m.Training())
	_, _, err := Evaluate(m, prov.Dev, prov.Norm, prov.Punc)
	require.NoError(t, err)
	assert.False(t, m.Training())

	m.SetTraining(true)
	_, _, err = Evaluate(m, prov.Dev, prov.Norm, prov.Punc)
	require.NoError(t, err)
	assert.True(t, m.Training())
}

func TestEvaluateRequiresLabels(t *testing.T) {
	p := &fixedPredictor{}
	loader := data.NewLoader([]*data.Batch{{InputIDs: [][]int{{2}}, Mask: [][]int{{1}}}})
	_, _, err := Evaluate(p, loader, data.NewVocab("O"), data.NewVocab("O"))
	assert.Error(t, err)
}

var examples = []data.Example{
	{Doc: "a", Words: []string{"one", "two", "three"}, Norm: []string{"O", "NUM", "O"}, Punc: []string{"O", "COMMA", "PERIOD"}},
	{Doc: "a", Words: []string{"four", "five"}, Norm: []string{"NUM", "O"}, Punc: []string{"O", "PERIOD"}},
	{Doc: "b", Words: []string{"six", "seven", "eight"}, Norm: []string{"O", "O", "NUM"}, Punc: []string{"COMMA", "O", "PERIOD"}},
	{Doc: "b", Words: []string{"nine"}, Norm: []string{"O"}, Punc: []string{"PERIOD"}},
}

func tinyProvider(t *testing.T, contextBlocks int) *data.Provider {
	t.Helper()
	b := data.Builder{MaxSeqLen: 6, BatchSize: 2, ContextBlocks: contextBlocks}
	b.BuildVocabs(examples)
	loader, err := b.Loader(examples)
	require.NoError(t, err)
	return &data.Provider{Train: loader, Dev: loader, Test: loader, Words: b.Words, Norm: b.Norm, Punc: b.Punc}
}

func tinyModel(t *testing.T, p *data.Provider, mode model.Mode, biaffine bool) *model.JointModel {
	t.Helper()
	cfg := encoder.DefaultConfig()
	cfg.VocabSize = p.Words.Len()
	cfg.HiddenSize = 8
	cfg.NumHeads = 2
	cfg.NumLayers = 1
	cfg.IntermediateSize = 16
	cfg.MaxPositionEmbeddings = 16
	m, err := model.NewJointModel(encoder.New(cfg), model.Config{
		Mode:       mode,
		Biaffine:   biaffine,
		HiddenDim:  4,
		NormLabels: p.Norm.Len(),
		PuncLabels: p.Punc.Len(),
		Seed:       7,
	})
	require.NoError(t, err)
	return m
}

func defaultOptions() Options {
	return Options{
		Epochs:      2,
		EncoderLR:   5e-5,
		HeadLR:      1e-3,
		WeightDecay: 0.05,
		AdamEpsilon: 1e-8,
		Device:      config.DeviceCPU,
	}
}

func TestTrainerStepUpdatesParameters(t *testing.T) {
	p := tinyProvider(t, 0)
	m := tinyModel(t, p, model.NoJoint, true)
	tr, err := NewTrainer(m, p, defaultOptions(), nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	// Two batches per epoch are too few for any warmup.
	for _, g := range tr.Groups() {
		assert.Equal(t, g.BaseLR, g.LR, g.Name)
	}

	head := m.Parameters()[len(m.Parameters())-1].Value
	before := append([]float64(nil), head.Data()...)
	for i := 0; i < 2; i++ {
		normLoss, puncLoss, stepped, err := tr.Step(p.Train.Batches()[0])
		require.NoError(t, err)
		assert.True(t, stepped)
		assert.Greater(t, normLoss+puncLoss, 0.0)
	}
	assert.NotEqual(t, before, head.Data())
	for _, param := range m.Parameters() {
		for _, g := range param.Value.Grad() {
			require.Zero(t, g, "%s gradient cleared", param.Name)
		}
	}
}

func TestTrainerRun(t *testing.T) {
	dir := t.TempDir()
	p := tinyProvider(t, 1)
	m := tinyModel(t, p, model.NormToPunc, true)
	opts := defaultOptions()
	opts.UseContext = true

	phase := PhaseName(m.Mode(), opts.UseContext, true)
	w, err := runlog.NewSQLiteWriter(dir, phase)
	require.NoError(t, err)

	tr, err := NewTrainer(m, p, opts, w, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "norm_to_punc_use_sc_biaffine", tr.Phase())

	results, err := tr.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.Len(t, results, 2)
	for _, r := range results {
		assert.False(t, math.IsNaN(r.NormLoss))
		assert.GreaterOrEqual(t, r.DevNormF1, 0.0)
	}
	steps := p.Train.Len()
	assert.Equal(t, 2*steps, tr.State().GlobalStep)
	_, seen := tr.State().BestNorm.Best()
	assert.True(t, seen)

	db := filepath.Join(dir, phase, runlog.EventsFile)
	losses, err := runlog.ReadScalars(db, "loss/norm")
	require.NoError(t, err)
	require.Len(t, losses, 2*steps)
	assert.Equal(t, 1, losses[0].Step)

	lrs, err := runlog.ReadScalars(db, "learning_rate")
	require.NoError(t, err)
	require.Len(t, lrs, 2*steps)
	assert.InDelta(t, opts.EncoderLR, lrs[0].Value, 1e-15)
	assert.InDelta(t, 0, lrs[len(lrs)-1].Value-opts.EncoderLR/float64(2*steps), 1e-15)

	f1, err := runlog.ReadScalars(db, "F1_score/punc")
	require.NoError(t, err)
	assert.Len(t, f1, 2)

	report, err := runlog.ReadText(db, "test_norm")
	require.NoError(t, err)
	assert.Contains(t, report, "micro avg")
}

// tagWriter records every scalar tag.
type tagWriter struct {
	runlog.Nop
	tags map[string]int
}

func (w *tagWriter) Scalar(tag string, _ float64, _ int) error {
	w.tags[tag]++
	return nil
}

func TestRunLogsOnlyScoredTasks(t *testing.T) {
	p := tinyProvider(t, 0)
	m := tinyModel(t, p, model.PuncOnly, false)
	opts := defaultOptions()
	opts.Epochs = 1
	w := &tagWriter{tags: map[string]int{}}

	tr, err := NewTrainer(m, p, opts, w, zaptest.NewLogger(t))
	require.NoError(t, err)
	_, err = tr.Run(context.Background())
	require.NoError(t, err)

	for tag := range w.tags {
		assert.False(t, strings.HasPrefix(tag, "dev_norm/") || strings.HasPrefix(tag, "test_norm/"), tag)
	}
	assert.Equal(t, 0, w.tags["F1_score/norm"])
	assert.Equal(t, 1, w.tags["F1_score/punc"])
	assert.Equal(t, 1, w.tags["dev_punc/micro avg"])
	assert.Equal(t, 1, w.tags["time/test"])
	assert.Equal(t, p.Train.Len(), w.tags["loss/punc"])
}

func TestRunStopsOnCancel(t *testing.T) {
	p := tinyProvider(t, 0)
	tr, err := NewTrainer(tinyModel(t, p, model.NoJoint, false), p, defaultOptions(), nil, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tr.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewTrainerValidates(t *testing.T) {
	p := tinyProvider(t, 0)
	m := tinyModel(t, p, model.NoJoint, false)
	opts := defaultOptions()
	opts.Epochs = 0
	_, err := NewTrainer(m, p, opts, nil, nil)
	assert.Error(t, err)
}
