package metrics

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntities(t *testing.T) {
	cases := []struct {
		name string
		seq  []string
		want []Entity
	}{
		{"iob2", []string{"B-PER", "I-PER", "O", "B-LOC"}, []Entity{{"PER", 0, 1}, {"LOC", 3, 3}}},
		{"bare inside starts a chunk", []string{"O", "I-MISC", "I-MISC"}, []Entity{{"MISC", 1, 2}}},
		{"type change splits", []string{"B-PER", "I-LOC"}, []Entity{{"PER", 0, 0}, {"LOC", 1, 1}}},
		{"iobes", []string{"S-PER", "B-LOC", "E-LOC", "O"}, []Entity{{"PER", 0, 0}, {"LOC", 1, 2}}},
		{"adjacent singles", []string{"B-COMMA", "B-COMMA"}, []Entity{{"COMMA", 0, 0}, {"COMMA", 1, 1}}},
		{"all outside", []string{"O", "O"}, nil},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if diff := cmp.Diff(c.want, Entities(c.seq)); diff != "" {
				t.Errorf("Entities(%v) (-want +got):\n%s", c.seq, diff)
			}
		})
	}
}

func TestEntitiesOfOffsetsAcrossSequences(t *testing.T) {
	got := EntitiesOf([][]string{{"B-PER"}, {"I-PER"}})
	// The separator keeps the two sequences from merging.
	assert.Equal(t, []Entity{{"PER", 0, 0}, {"PER", 2, 2}}, got)
}

func TestClassificationReport(t *testing.T) {
	gold := [][]string{
		{"B-PERIOD", "O", "B-COMMA", "O"},
		{"O", "B-PERIOD"},
	}
	pred := [][]string{
		{"B-PERIOD", "O", "O", "B-COMMA"},
		{"O", "B-PERIOD"},
	}
	r, err := ClassificationReport(gold, pred)
	require.NoError(t, err)
	assert.Equal(t, []string{"COMMA", "PERIOD"}, r.Types)

	period := r.PerType["PERIOD"]
	assert.Equal(t, Score{Precision: 1, Recall: 1, F1: 1, Support: 2}, period)
	comma := r.PerType["COMMA"]
	assert.Equal(t, Score{Support: 1}, comma)

	assert.InDelta(t, 2.0/3, r.Micro.Precision, 1e-12)
	assert.InDelta(t, 2.0/3, r.Micro.Recall, 1e-12)
	assert.InDelta(t, 2.0/3, r.Micro.F1, 1e-12)
	assert.Equal(t, 3, r.Micro.Support)
	assert.InDelta(t, 0.5, r.Macro.F1, 1e-12)
	assert.InDelta(t, 2.0/3, r.Weighted.F1, 1e-12)

	micro, ok := r.Get(MicroAvg)
	assert.True(t, ok)
	assert.Equal(t, r.Micro, micro)
	_, ok = r.Get("QUESTION")
	assert.False(t, ok)
}

func TestClassificationReportEmpty(t *testing.T) {
	r, err := ClassificationReport([][]string{{"O"}}, [][]string{{"O"}})
	require.NoError(t, err)
	assert.Empty(t, r.Types)
	assert.Equal(t, Score{}, r.Micro)
	assert.Equal(t, 0.0, r.Macro.F1)
}

func TestClassificationReportLengthMismatch(t *testing.T) {
	_, err := ClassificationReport([][]string{{"O"}}, nil)
	assert.Error(t, err)
	_, err = ClassificationReport([][]string{{"O", "O"}}, [][]string{{"O"}})
	assert.Error(t, err)
}

func TestRender(t *testing.T) {
	r, err := ClassificationReport([][]string{{"B-PERIOD"}}, [][]string{{"B-PERIOD"}})
	require.NoError(t, err)
	out := r.String()
	for _, want := range []string{"precision", "PERIOD", "micro avg", "weighted avg", "1.0000"} {
		assert.Contains(t, out, want)
	}
	assert.Less(t, strings.Index(out, "PERIOD"), strings.Index(out, MicroAvg))
}
