package data

import (
	"bufio"
	"encoding/json"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/scttfrdmn/normpunc/internal/config"
)

// Example is one line of a corpus file: a block of words from document Doc
// with one norm and one punc label per word. Records of the same document
// appear in reading order; neighbours supply the context blocks.
type Example struct {
	Doc   string   `json:"doc"`
	Words []string `json:"words"`
	Norm  []string `json:"norm"`
	Punc  []string `json:"punc"`
}

// ReadExamples parses a JSON Lines corpus. Blank lines are skipped.
func ReadExamples(path string) ([]Example, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening corpus")
	}
	defer f.Close()

	var out []Example
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var ex Example
		if err := json.Unmarshal([]byte(text), &ex); err != nil {
			return nil, errors.Wrapf(err, "%s:%d", path, line)
		}
		if len(ex.Words) != len(ex.Norm) || len(ex.Words) != len(ex.Punc) {
			return nil, errors.Errorf("%s:%d: %d words, %d norm labels, %d punc labels",
				path, line, len(ex.Words), len(ex.Norm), len(ex.Punc))
		}
		out = append(out, ex)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	return out, nil
}

// Provider holds the three splits with their word and label vocabularies.
type Provider struct {
	Train, Dev, Test *Loader

	Words *Vocab
	Norm  *Vocab
	Punc  *Vocab
}

// Load reads all three splits. The word vocabulary comes from the training
// split; dev and test words outside it map to [UNK]. Label vocabularies
// cover every split. With useContext, every batch carries
// cfg.NContextBlocks blocks on each side.
func Load(cfg config.Data, useContext bool) (*Provider, error) {
	train, err := ReadExamples(cfg.TrainPath)
	if err != nil {
		return nil, err
	}
	if len(train) == 0 {
		return nil, errors.Errorf("training corpus %s is empty", cfg.TrainPath)
	}
	dev, err := ReadExamples(cfg.DevPath)
	if err != nil {
		return nil, err
	}
	test, err := ReadExamples(cfg.TestPath)
	if err != nil {
		return nil, err
	}

	b := Builder{
		MaxSeqLen: cfg.MaxSeqLen,
		BatchSize: cfg.BatchSize,
		Lowercase: cfg.Lowercase,
	}
	if useContext {
		b.ContextBlocks = cfg.NContextBlocks
	}
	b.BuildVocabs(train, dev, test)

	p := &Provider{Words: b.Words, Norm: b.Norm, Punc: b.Punc}
	if p.Train, err = b.Loader(train); err != nil {
		return nil, errors.Wrap(err, "train split")
	}
	if p.Dev, err = b.Loader(dev); err != nil {
		return nil, errors.Wrap(err, "dev split")
	}
	if p.Test, err = b.Loader(test); err != nil {
		return nil, errors.Wrap(err, "test split")
	}
	return p, nil
}

// Builder converts examples into padded batches.
type Builder struct {
	MaxSeqLen     int
	BatchSize     int
	ContextBlocks int
	Lowercase     bool

	Words, Norm, Punc *Vocab
}

// BuildVocabs fills the word vocabulary from train and the label
// vocabularies from train and every split in labelOnly.
func (b *Builder) BuildVocabs(train []Example, labelOnly ...[]Example) {
	b.Words = NewWordVocab()
	norm, punc := map[string]bool{}, map[string]bool{}
	collect := func(examples []Example) {
		for _, ex := range examples {
			for i := range ex.Words {
				norm[ex.Norm[i]] = true
				punc[ex.Punc[i]] = true
			}
		}
	}
	for _, ex := range train {
		for _, w := range ex.Words {
			b.Words.Add(b.normalize(w))
		}
	}
	collect(train)
	for _, split := range labelOnly {
		collect(split)
	}
	b.Norm = NewLabelVocab(norm)
	b.Punc = NewLabelVocab(punc)
}

func (b *Builder) normalize(w string) string {
	if b.Lowercase {
		return strings.ToLower(w)
	}
	return w
}

// maxWords is how many words fit between [CLS] and [SEP].
func (b *Builder) maxWords() int { return b.MaxSeqLen - 2 }

// encodeWords lays out [CLS] words [SEP] [PAD]... with its mask.
func (b *Builder) encodeWords(words []string) (ids, mask []int) {
	ids = make([]int, b.MaxSeqLen)
	mask = make([]int, b.MaxSeqLen)
	ids[0], mask[0] = ClsID, 1
	n := len(words)
	if n > b.maxWords() {
		n = b.maxWords()
	}
	for i := 0; i < n; i++ {
		id, _ := b.Words.ID(b.normalize(words[i]))
		ids[i+1], mask[i+1] = id, 1
	}
	ids[n+1], mask[n+1] = SepID, 1
	return ids, mask
}

func encodeLabels(v *Vocab, labels []string, seqLen int) ([]int, error) {
	out := make([]int, seqLen)
	for i := range out {
		out[i] = IgnoreIndex
	}
	for i, l := range labels {
		if i+1 >= seqLen-1 {
			break
		}
		id, ok := v.ID(l)
		if !ok {
			return nil, errors.Errorf("unknown label %q", l)
		}
		out[i+1] = id
	}
	return out, nil
}

// Loader builds the batches for examples in file order.
func (b *Builder) Loader(examples []Example) (*Loader, error) {
	rows := make([]row, len(examples))
	for i, ex := range examples {
		r := row{}
		r.ids, r.mask = b.encodeWords(ex.Words)
		var err error
		if r.norm, err = encodeLabels(b.Norm, ex.Norm, b.MaxSeqLen); err != nil {
			return nil, errors.Wrapf(err, "example %d norm", i)
		}
		if r.punc, err = encodeLabels(b.Punc, ex.Punc, b.MaxSeqLen); err != nil {
			return nil, errors.Wrapf(err, "example %d punc", i)
		}
		rows[i] = r
	}
	for i := range rows {
		for k := b.ContextBlocks; k >= 1; k-- {
			rows[i].prev = append(rows[i].prev, b.neighbour(examples, rows, i, -k))
		}
		for k := 1; k <= b.ContextBlocks; k++ {
			rows[i].next = append(rows[i].next, b.neighbour(examples, rows, i, k))
		}
	}

	var batches []*Batch
	for start := 0; start < len(rows); start += b.BatchSize {
		end := start + b.BatchSize
		if end > len(rows) {
			end = len(rows)
		}
		batches = append(batches, collate(rows[start:end], b.ContextBlocks))
	}
	return NewLoader(batches), nil
}

type row struct {
	ids, mask  []int
	norm, punc []int
	prev, next []blockRow
}

type blockRow struct {
	ids, mask []int
}

// neighbour returns the encoded example offset positions away from i when it
// belongs to the same document, and an empty [CLS] [SEP] block otherwise.
func (b *Builder) neighbour(examples []Example, rows []row, i, offset int) blockRow {
	j := i + offset
	if j >= 0 && j < len(examples) && examples[j].Doc == examples[i].Doc {
		return blockRow{ids: rows[j].ids, mask: rows[j].mask}
	}
	ids, mask := b.encodeWords(nil)
	return blockRow{ids: ids, mask: mask}
}

func collate(rows []row, contextBlocks int) *Batch {
	batch := &Batch{}
	for _, r := range rows {
		batch.InputIDs = append(batch.InputIDs, r.ids)
		batch.Mask = append(batch.Mask, r.mask)
		batch.NormIDs = append(batch.NormIDs, r.norm)
		batch.PuncIDs = append(batch.PuncIDs, r.punc)
	}
	gather := func(pick func(r row) blockRow) Block {
		var blk Block
		for _, r := range rows {
			br := pick(r)
			blk.IDs = append(blk.IDs, br.ids)
			blk.Mask = append(blk.Mask, br.mask)
		}
		return blk
	}
	for k := 0; k < contextBlocks; k++ {
		batch.Prev = append(batch.Prev, gather(func(r row) blockRow { return r.prev[k] }))
		batch.Next = append(batch.Next, gather(func(r row) blockRow { return r.next[k] }))
	}
	return batch
}
