package main

import (
	"context"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scttfrdmn/normpunc/internal/config"
	"github.com/scttfrdmn/normpunc/internal/data"
	"github.com/scttfrdmn/normpunc/internal/encoder"
	"github.com/scttfrdmn/normpunc/internal/model"
	"github.com/scttfrdmn/normpunc/internal/runlog"
	"github.com/scttfrdmn/normpunc/internal/tensor"
	"github.com/scttfrdmn/normpunc/internal/train"
)

type trainFlags struct {
	dataConfig  string
	modelConfig string
	mode        string
	useContext  bool
	biaffine    bool
	verbose     bool
	workers     int
}

func newTrainCmd() *cobra.Command {
	var f trainFlags
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a model and log dev/test scores per epoch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(f.verbose)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return runTrain(cmd.Context(), f, logger)
		},
	}
	cmd.Flags().StringVar(&f.dataConfig, "data-config", "", "Data and training configuration file (YAML or JSON)")
	cmd.Flags().StringVar(&f.modelConfig, "model-config", "", "Encoder configuration file (YAML or JSON)")
	cmd.Flags().StringVar(&f.mode, "mode", model.NoJoint.String(), "One of nojoint, norm_to_punc, punc_to_norm, norm_only, punc_only")
	cmd.Flags().BoolVar(&f.useContext, "use-context-blocks", false, "Attach neighbouring blocks as attention context")
	cmd.Flags().BoolVar(&f.biaffine, "biaffine", false, "Use biaffine decoders instead of linear ones")
	cmd.Flags().BoolVar(&f.verbose, "verbose", false, "Development logging with per-step scalars")
	cmd.Flags().IntVar(&f.workers, "workers", 0, "Goroutines for batched matrix products (0 uses every CPU)")
	_ = cmd.MarkFlagRequired("data-config")
	_ = cmd.MarkFlagRequired("model-config")
	return cmd
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func runTrain(ctx context.Context, f trainFlags, logger *zap.Logger) error {
	mode, err := model.ParseMode(f.mode)
	if err != nil {
		return err
	}
	dataCfg, err := config.LoadData(f.dataConfig)
	if err != nil {
		return err
	}
	modelCfg, err := config.LoadModel(f.modelConfig)
	if err != nil {
		return err
	}
	encCfg := modelCfg.PretrainedModel
	if dataCfg.MaxSeqLen > encCfg.MaxPositionEmbeddings {
		return errors.Errorf("max_seq_len %d exceeds max_position_embeddings %d",
			dataCfg.MaxSeqLen, encCfg.MaxPositionEmbeddings)
	}

	if f.workers > 0 {
		cc := tensor.CurrentComputeConfig()
		cc.NumWorkers = f.workers
		tensor.SetComputeConfig(cc)
	}

	corpus, err := data.Load(dataCfg, f.useContext)
	if err != nil {
		return errors.Wrap(err, "loading corpus")
	}
	logger.Info("corpus loaded",
		zap.Int("train_batches", corpus.Train.Len()),
		zap.Int("dev_batches", corpus.Dev.Len()),
		zap.Int("test_batches", corpus.Test.Len()),
		zap.Int("words", corpus.Words.Len()),
		zap.Strings("norm_labels", corpus.Norm.Tokens()),
		zap.Strings("punc_labels", corpus.Punc.Tokens()),
	)
	if encCfg.VocabSize < corpus.Words.Len() {
		logger.Info("raising encoder vocabulary to corpus size",
			zap.Int("configured", encCfg.VocabSize), zap.Int("corpus", corpus.Words.Len()))
		encCfg.VocabSize = corpus.Words.Len()
	}

	m, err := model.NewJointModel(encoder.New(encCfg), model.Config{
		Mode:       mode,
		Biaffine:   f.biaffine,
		HiddenDim:  dataCfg.HiddenDim,
		AttnHeads:  dataCfg.AttnHeads,
		NormLabels: corpus.Norm.Len(),
		PuncLabels: corpus.Punc.Len(),
		Seed:       dataCfg.Seed,
	})
	if err != nil {
		return err
	}

	phase := train.PhaseName(mode, f.useContext, f.biaffine)
	events, err := runlog.NewSQLiteWriter(dataCfg.TensorboardDir, phase)
	if err != nil {
		return err
	}
	logger.Info("writing events", zap.String("path", events.Path()))
	writer := runlog.Multi(events, runlog.NewLogWriter(logger.Named("events")))

	trainer, err := train.NewTrainer(m, corpus, train.Options{
		Epochs:      dataCfg.NEpochs,
		EncoderLR:   dataCfg.LearningRate,
		HeadLR:      dataCfg.HeadLearningRate,
		WeightDecay: dataCfg.WeightDecay,
		AdamEpsilon: dataCfg.AdamEpsilon,
		Device:      dataCfg.Device,
		UseContext:  f.useContext,
	}, writer, logger)
	if err != nil {
		writer.Close()
		return err
	}

	_, runErr := trainer.Run(ctx)
	if err := writer.Close(); err != nil && runErr == nil {
		runErr = errors.Wrap(err, "closing event store")
	}
	if runErr != nil {
		return runErr
	}

	state := trainer.State()
	fields := []zap.Field{zap.Int("epochs", state.Epoch), zap.Int("steps", state.GlobalStep)}
	if best, ok := state.BestNorm.Best(); ok && mode.ScoresNorm() {
		fields = append(fields, zap.Float64("best_dev_norm_f1", best))
	}
	if best, ok := state.BestPunc.Best(); ok && mode.ScoresPunc() {
		fields = append(fields, zap.Float64("best_dev_punc_f1", best))
	}
	logger.Info("training finished", fields...)
	return nil
}
