package train

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/scttfrdmn/normpunc/internal/data"
	"github.com/scttfrdmn/normpunc/internal/metrics"
	"github.com/scttfrdmn/normpunc/internal/model"
	"github.com/scttfrdmn/normpunc/internal/nn"
	"github.com/scttfrdmn/normpunc/internal/runlog"
)

// Options are the run hyperparameters.
type Options struct {
	Epochs       int
	EncoderLR    float64
	HeadLR       float64
	WeightDecay  float64
	AdamEpsilon  float64
	Device       string
	UseContext   bool // only affects the phase name
	ProgressRate int  // steps between progress lines; 0 means a quarter epoch
}

// PhaseName identifies a run: the mode name, then "_use_sc" when context
// blocks are attached and "_biaffine" for biaffine decoders.
func PhaseName(mode model.Mode, useContext, biaffine bool) string {
	name := mode.String()
	if useContext {
		name += "_use_sc"
	}
	if biaffine {
		name += "_biaffine"
	}
	return name
}

// Trainer owns the model, optimizer and run state for one phase.
type Trainer struct {
	model  *model.JointModel
	data   *data.Provider
	opts   Options
	phase  string
	writer runlog.Writer
	logger *zap.Logger

	groups []*ParamGroup
	opt    Optimizer
	sched  *LinearSchedule
	scaler GradientScaler

	state State
}

// NewTrainer prepares a run of m over p. A nil writer discards events and a
// nil logger discards log output.
func NewTrainer(m *model.JointModel, p *data.Provider, opts Options, writer runlog.Writer, logger *zap.Logger) (*Trainer, error) {
	if opts.Epochs <= 0 {
		return nil, errors.Errorf("epochs must be positive, got %d", opts.Epochs)
	}
	if p.Train.Len() == 0 {
		return nil, errors.New("training loader is empty")
	}
	if writer == nil {
		writer = runlog.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	phase := PhaseName(m.Mode(), opts.UseContext, m.Config().Biaffine)
	logger = logger.With(zap.String("phase", phase))

	stepsPerEpoch := p.Train.Len()
	groups := BuildParamGroups(m.Parameters(), opts.EncoderLR, opts.HeadLR, opts.WeightDecay)
	sched := NewLinearSchedule(stepsPerEpoch/8, opts.Epochs*stepsPerEpoch)
	sched.Apply(groups)

	scaler, half := SelectPrecision(opts.Device, logger)
	m.UseHalfPrecision(half)

	t := &Trainer{
		model:  m,
		data:   p,
		opts:   opts,
		phase:  phase,
		writer: writer,
		logger: logger,
		groups: groups,
		opt:    DefaultAdamW(opts.AdamEpsilon),
		sched:  sched,
		scaler: scaler,
	}

	params := m.Parameters()
	logger.Info("trainer ready",
		zap.String("parameters", humanize.Comma(int64(nn.Count(params)))),
		zap.Int("tensors", len(params)),
		zap.Int("groups", len(groups)),
		zap.Int("steps_per_epoch", stepsPerEpoch),
		zap.Int("warmup_steps", sched.Warmup),
		zap.Int("total_steps", sched.Total),
	)
	return t, nil
}

// Phase returns the run's phase name.
func (t *Trainer) Phase() string { return t.phase }

// State returns the run progress.
func (t *Trainer) State() *State { return &t.state }

// Groups returns the optimizer parameter groups.
func (t *Trainer) Groups() []*ParamGroup { return t.groups }

// Step trains on one batch: forward, backward on the mode's loss, optimizer
// and schedule step, then clears the gradients. It returns both task losses
// and whether the optimizer applied the update.
func (t *Trainer) Step(b *data.Batch) (normLoss, puncLoss float64, stepped bool, err error) {
	if !b.HasLabels() {
		return 0, 0, false, errors.New("training batch has no labels")
	}
	out := t.model.Forward(b)
	loss := t.model.Loss(out)
	normLoss, puncLoss = out.NormLoss.Item(), out.PuncLoss.Item()

	defer zeroGrad(t.groups)
	if err := t.scaler.Backward(loss); err != nil {
		return normLoss, puncLoss, false, errors.Wrapf(err, "step %d", t.state.GlobalStep)
	}
	if stepped, err = t.scaler.Step(t.opt, t.groups); err != nil {
		return normLoss, puncLoss, false, err
	}
	t.sched.Step(t.groups)
	return normLoss, puncLoss, stepped, nil
}

// TrainEpoch runs every training batch once and returns the mean losses.
func (t *Trainer) TrainEpoch(ctx context.Context) (EpochResult, error) {
	res := EpochResult{Epoch: t.state.Epoch}
	batches := t.data.Train.Batches()
	every := t.opts.ProgressRate
	if every <= 0 {
		every = max(1, len(batches)/4)
	}

	t.model.SetTraining(true)
	normLosses := make([]float64, 0, len(batches))
	puncLosses := make([]float64, 0, len(batches))
	for i, b := range batches {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		t.state.GlobalStep++
		lr := t.groups[0].LR

		normLoss, puncLoss, stepped, err := t.Step(b)
		if err != nil {
			return res, err
		}
		if !stepped {
			res.Skipped++
			t.logger.Warn("gradient overflow, step skipped",
				zap.Int("step", t.state.GlobalStep),
				zap.Float64("loss_scale", t.scaler.Scale()))
		}
		normLosses = append(normLosses, normLoss)
		puncLosses = append(puncLosses, puncLoss)

		if err := t.writeStep(normLoss, puncLoss, lr); err != nil {
			return res, err
		}
		if i%every == 0 || i == len(batches)-1 {
			t.logger.Info("train",
				zap.Int("epoch", t.state.Epoch),
				zap.String("step", fmt.Sprintf("%d/%d", i+1, len(batches))),
				zap.Float64("norm_loss", normLoss),
				zap.Float64("punc_loss", puncLoss),
				zap.Float64("lr", lr),
			)
		}
	}

	res.NormLoss, _ = stats.Mean(normLosses)
	res.PuncLoss, _ = stats.Mean(puncLosses)
	return res, nil
}

func (t *Trainer) writeStep(normLoss, puncLoss, lr float64) error {
	step := t.state.GlobalStep
	if err := t.writer.Scalar("loss/norm", normLoss, step); err != nil {
		return err
	}
	if err := t.writer.Scalar("loss/punc", puncLoss, step); err != nil {
		return err
	}
	return t.writer.Scalar("learning_rate", lr, step)
}

// Run trains for the configured number of epochs, evaluating on dev and test
// after each one.
func (t *Trainer) Run(ctx context.Context) ([]EpochResult, error) {
	var results []EpochResult
	for t.state.Epoch = 0; t.state.Epoch < t.opts.Epochs; t.state.Epoch++ {
		epoch := t.state.Epoch

		start := time.Now()
		res, err := t.TrainEpoch(ctx)
		if err != nil {
			return results, errors.Wrapf(err, "epoch %d", epoch)
		}
		if err := t.writer.Scalar("time/train", time.Since(start).Seconds(), epoch); err != nil {
			return results, err
		}

		start = time.Now()
		devNorm, devPunc, err := Evaluate(t.model, t.data.Dev, t.data.Norm, t.data.Punc)
		if err != nil {
			return results, errors.Wrap(err, "dev evaluation")
		}
		if err := t.writer.Scalar("time/dev", time.Since(start).Seconds(), epoch); err != nil {
			return results, err
		}
		if err := t.writeReports("dev", devNorm, devPunc, epoch); err != nil {
			return results, err
		}
		res.DevNormF1, res.DevPuncF1 = devNorm.Micro.F1, devPunc.Micro.F1
		t.logger.Info("dev score", zap.Int("epoch", epoch),
			zap.Float64("norm_f1", res.DevNormF1), zap.Float64("punc_f1", res.DevPuncF1))

		start = time.Now()
		testNorm, testPunc, err := Evaluate(t.model, t.data.Test, t.data.Norm, t.data.Punc)
		if err != nil {
			return results, errors.Wrap(err, "test evaluation")
		}
		if err := t.writer.Scalar("time/test", time.Since(start).Seconds(), epoch); err != nil {
			return results, err
		}
		if err := t.writeReports("test", testNorm, testPunc, epoch); err != nil {
			return results, err
		}
		res.TestNormF1, res.TestPuncF1 = testNorm.Micro.F1, testPunc.Micro.F1
		t.logger.Info("test score", zap.Int("epoch", epoch),
			zap.Float64("norm_f1", res.TestNormF1), zap.Float64("punc_f1", res.TestPuncF1))

		mode := t.model.Mode()
		if mode.ScoresNorm() {
			if err := t.track("norm", &t.state.BestNorm, res.DevNormF1, testNorm, epoch); err != nil {
				return results, err
			}
		}
		if mode.ScoresPunc() {
			if err := t.track("punc", &t.state.BestPunc, res.DevPuncF1, testPunc, epoch); err != nil {
				return results, err
			}
		}

		t.logger.Info("epoch done",
			zap.Int("epoch", epoch),
			zap.Float64("mean_norm_loss", res.NormLoss),
			zap.Float64("mean_punc_loss", res.PuncLoss),
			zap.Int("skipped_steps", res.Skipped),
		)
		results = append(results, res)
	}
	return results, nil
}

// writeReports logs the F1 of every report row under <split>_<task>/<row>
// for the tasks the mode scores.
func (t *Trainer) writeReports(split string, norm, punc *metrics.Report, epoch int) error {
	mode := t.model.Mode()
	if mode.ScoresNorm() {
		if err := t.writeReport(split+"_norm", norm, epoch); err != nil {
			return err
		}
	}
	if mode.ScoresPunc() {
		if err := t.writeReport(split+"_punc", punc, epoch); err != nil {
			return err
		}
	}
	return nil
}

func (t *Trainer) writeReport(prefix string, r *metrics.Report, epoch int) error {
	rows := append(append([]string{}, r.Types...), metrics.MicroAvg, metrics.MacroAvg, metrics.WeightedAvg)
	for _, name := range rows {
		s, _ := r.Get(name)
		if err := t.writer.Scalar(prefix+"/"+name, s.F1, epoch); err != nil {
			return err
		}
	}
	return nil
}

// track updates the task's best dev F1 and logs the test report.
func (t *Trainer) track(task string, best *BestTracker, devF1 float64, test *metrics.Report, epoch int) error {
	if _, improved := best.Observe(devF1); improved {
		t.logger.Info("new best",
			zap.String("task", task),
			zap.Float64("dev_f1", devF1),
			zap.Float64("test_f1", test.Micro.F1))
	}
	if err := t.writer.Text("test_"+task, test.String(), epoch); err != nil {
		return err
	}
	return t.writer.Scalar("F1_score/"+task, test.Micro.F1, epoch)
}
