// Package data reads the tagged corpus and turns it into padded batches.
package data

// IgnoreIndex marks label positions excluded from the loss and from scoring:
// [CLS], [SEP] and padding.
const IgnoreIndex = -100

// Block is one neighbouring context chunk for every row of a batch.
type Block struct {
	IDs  [][]int // (batch, block_len)
	Mask [][]int // (batch, block_len), 1 = real token
}

// Len returns the block length.
func (b Block) Len() int {
	if len(b.IDs) == 0 {
		return 0
	}
	return len(b.IDs[0])
}

// Batch is a padded group of examples. All rows share one sequence length.
type Batch struct {
	InputIDs [][]int
	Mask     [][]int

	// NormIDs and PuncIDs hold label ids, IgnoreIndex where unscored.
	// Both nil asks the model for logits only.
	NormIDs [][]int
	PuncIDs [][]int

	// Prev and Next are the context blocks before and after the focal
	// block, each in reading order. Empty when context is disabled.
	Prev []Block
	Next []Block
}

// Size returns the number of rows.
func (b *Batch) Size() int { return len(b.InputIDs) }

// SeqLen returns the padded sequence length.
func (b *Batch) SeqLen() int {
	if len(b.InputIDs) == 0 {
		return 0
	}
	return len(b.InputIDs[0])
}

// HasLabels reports whether both label sets are present.
func (b *Batch) HasLabels() bool { return b.NormIDs != nil && b.PuncIDs != nil }

// HasContext reports whether any context block is attached.
func (b *Batch) HasContext() bool { return len(b.Prev) > 0 || len(b.Next) > 0 }

// WithoutLabels returns a shallow copy with the labels removed.
func (b *Batch) WithoutLabels() *Batch {
	c := *b
	c.NormIDs, c.PuncIDs = nil, nil
	return &c
}

// Loader yields batches in a fixed order.
type Loader struct {
	batches []*Batch
}

// NewLoader wraps batches.
func NewLoader(batches []*Batch) *Loader {
	return &Loader{batches: batches}
}

// Len returns the number of batches.
func (l *Loader) Len() int { return len(l.batches) }

// Batches returns the batches in order.
func (l *Loader) Batches() []*Batch { return l.batches }
