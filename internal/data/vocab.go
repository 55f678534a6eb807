package data

import (
	"sort"
)

// Special tokens of the word vocabulary, at fixed ids.
const (
	PadToken = "[PAD]"
	UnkToken = "[UNK]"
	ClsToken = "[CLS]"
	SepToken = "[SEP]"

	PadID = 0
	UnkID = 1
	ClsID = 2
	SepID = 3
)

// Vocab is a bidirectional string <-> id mapping.
type Vocab struct {
	itos []string
	stoi map[string]int
	unk  int // -1 when lookups of unknown strings should fail
}

// NewVocab returns a vocabulary seeded with tokens in order.
func NewVocab(tokens ...string) *Vocab {
	v := &Vocab{stoi: make(map[string]int), unk: -1}
	for _, t := range tokens {
		v.Add(t)
	}
	return v
}

// NewWordVocab returns a vocabulary holding only the special tokens, with
// unknown words mapped to [UNK].
func NewWordVocab() *Vocab {
	v := NewVocab(PadToken, UnkToken, ClsToken, SepToken)
	v.unk = UnkID
	return v
}

// NewLabelVocab builds a label vocabulary from the distinct labels seen,
// sorted so that ids do not depend on corpus order.
func NewLabelVocab(seen map[string]bool) *Vocab {
	labels := make([]string, 0, len(seen))
	for l := range seen {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return NewVocab(labels...)
}

// Add inserts s if absent and returns its id.
func (v *Vocab) Add(s string) int {
	if id, ok := v.stoi[s]; ok {
		return id
	}
	v.stoi[s] = len(v.itos)
	v.itos = append(v.itos, s)
	return len(v.itos) - 1
}

// ID returns the id of s. Unknown strings map to the unknown id when the
// vocabulary has one; otherwise ok is false.
func (v *Vocab) ID(s string) (id int, ok bool) {
	if id, ok := v.stoi[s]; ok {
		return id, true
	}
	return v.unk, v.unk >= 0
}

// Token returns the string for id.
func (v *Vocab) Token(id int) string { return v.itos[id] }

// Len returns the number of entries.
func (v *Vocab) Len() int { return len(v.itos) }

// Tokens returns every entry in id order.
func (v *Vocab) Tokens() []string { return append([]string(nil), v.itos...) }
