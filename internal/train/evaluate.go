package train

import (
	"github.com/pkg/errors"

	"github.com/scttfrdmn/normpunc/internal/data"
	"github.com/scttfrdmn/normpunc/internal/metrics"
	"github.com/scttfrdmn/normpunc/internal/model"
	"github.com/scttfrdmn/normpunc/internal/tensor"
)

// Predictor is the part of the model evaluation needs.
type Predictor interface {
	Forward(b *data.Batch) *model.Output
	SetTraining(training bool)
	Training() bool
}

// Evaluate scores predictor on every batch of loader. Positions whose gold
// label is data.IgnoreIndex are left out of both gold and predicted
// sequences. Punctuation labels other than "O" are read as single-token
// chunks by prefixing them with "B-". The predictor runs with dropout off and
// is returned to its previous mode afterwards.
func Evaluate(p Predictor, loader *data.Loader, normVocab, puncVocab *data.Vocab) (norm, punc *metrics.Report, err error) {
	prev := p.Training()
	p.SetTraining(false)
	defer p.SetTraining(prev)

	var normGold, normPred, puncGold, puncPred [][]string
	tensor.NoGrad(func() {
		for i, b := range loader.Batches() {
			if !b.HasLabels() {
				err = errors.Errorf("batch %d has no labels", i)
				return
			}
			out := p.Forward(b.WithoutLabels())
			g, pr := decodeSequences(out.NormLogits, b.NormIDs, normVocab, identity)
			normGold, normPred = append(normGold, g...), append(normPred, pr...)
			g, pr = decodeSequences(out.PuncLogits, b.PuncIDs, puncVocab, chunkPunctuation)
			puncGold, puncPred = append(puncGold, g...), append(puncPred, pr...)
		}
	})
	if err != nil {
		return nil, nil, err
	}

	if norm, err = metrics.ClassificationReport(normGold, normPred); err != nil {
		return nil, nil, errors.Wrap(err, "norm report")
	}
	if punc, err = metrics.ClassificationReport(puncGold, puncPred); err != nil {
		return nil, nil, errors.Wrap(err, "punc report")
	}
	return norm, punc, nil
}

// decodeSequences takes the arg-max of logits (batch, seq, labels) and
// returns, per row, the gold and predicted label strings at every position
// where gold is not the ignore sentinel.
func decodeSequences(logits *tensor.Tensor, gold [][]int, vocab *data.Vocab, rewrite func(string) string) (goldSeqs, predSeqs [][]string) {
	seq := logits.Dim(1)
	pred := tensor.Argmax(logits)
	for r, row := range gold {
		var g, p []string
		for j, id := range row {
			if id == data.IgnoreIndex {
				continue
			}
			g = append(g, rewrite(vocab.Token(id)))
			p = append(p, rewrite(vocab.Token(pred[r*seq+j])))
		}
		goldSeqs = append(goldSeqs, g)
		predSeqs = append(predSeqs, p)
	}
	return goldSeqs, predSeqs
}

func identity(s string) string { return s }

// chunkPunctuation turns a punctuation label into an IOB tag.
func chunkPunctuation(label string) string {
	if label == "O" {
		return label
	}
	return "B-" + label
}
