package metrics

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/montanaflynn/stats"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
)

// Names of the aggregate rows.
const (
	MicroAvg    = "micro avg"
	MacroAvg    = "macro avg"
	WeightedAvg = "weighted avg"
)

// Score holds precision, recall and F1 with the number of gold entities.
type Score struct {
	Precision float64
	Recall    float64
	F1        float64
	Support   int
}

// Report is an entity-level classification report.
type Report struct {
	// Types lists entity types in sorted order.
	Types []string

	PerType  map[string]Score
	Micro    Score
	Macro    Score
	Weighted Score
}

// Get returns the row for an entity type or one of the aggregate names.
func (r *Report) Get(name string) (Score, bool) {
	switch name {
	case MicroAvg:
		return r.Micro, true
	case MacroAvg:
		return r.Macro, true
	case WeightedAvg:
		return r.Weighted, true
	}
	s, ok := r.PerType[name]
	return s, ok
}

// ClassificationReport compares gold and predicted label sequences. Both
// must have the same number of sequences and each pair the same length.
// Undefined ratios are reported as 0.
func ClassificationReport(gold, pred [][]string) (*Report, error) {
	if len(gold) != len(pred) {
		return nil, errors.Errorf("%d gold sequences but %d predicted", len(gold), len(pred))
	}
	for i := range gold {
		if len(gold[i]) != len(pred[i]) {
			return nil, errors.Errorf("sequence %d: %d gold labels but %d predicted", i, len(gold[i]), len(pred[i]))
		}
	}

	trueSet := map[Entity]bool{}
	for _, e := range EntitiesOf(gold) {
		trueSet[e] = true
	}
	predSet := map[Entity]bool{}
	for _, e := range EntitiesOf(pred) {
		predSet[e] = true
	}

	type counts struct{ tp, pred, gold int }
	byType := map[string]*counts{}
	get := func(typ string) *counts {
		c, ok := byType[typ]
		if !ok {
			c = &counts{}
			byType[typ] = c
		}
		return c
	}
	for e := range trueSet {
		get(e.Type).gold++
		if predSet[e] {
			get(e.Type).tp++
		}
	}
	for e := range predSet {
		get(e.Type).pred++
	}

	r := &Report{PerType: map[string]Score{}}
	for typ := range byType {
		r.Types = append(r.Types, typ)
	}
	sort.Strings(r.Types)

	var total counts
	var precisions, recalls, f1s, weights []float64
	for _, typ := range r.Types {
		c := byType[typ]
		s := score(c.tp, c.pred, c.gold)
		r.PerType[typ] = s
		total.tp += c.tp
		total.pred += c.pred
		total.gold += c.gold
		precisions = append(precisions, s.Precision)
		recalls = append(recalls, s.Recall)
		f1s = append(f1s, s.F1)
		weights = append(weights, float64(c.gold))
	}
	r.Micro = score(total.tp, total.pred, total.gold)
	r.Macro = Score{
		Precision: mean(precisions),
		Recall:    mean(recalls),
		F1:        mean(f1s),
		Support:   total.gold,
	}
	r.Weighted = Score{
		Precision: weightedMean(precisions, weights),
		Recall:    weightedMean(recalls, weights),
		F1:        weightedMean(f1s, weights),
		Support:   total.gold,
	}
	return r, nil
}

func score(tp, pred, gold int) Score {
	s := Score{Support: gold}
	if pred > 0 {
		s.Precision = float64(tp) / float64(pred)
	}
	if gold > 0 {
		s.Recall = float64(tp) / float64(gold)
	}
	if s.Precision+s.Recall > 0 {
		s.F1 = 2 * s.Precision * s.Recall / (s.Precision + s.Recall)
	}
	return s
}

func mean(xs []float64) float64 {
	m, err := stats.Mean(xs)
	if err != nil {
		return 0 // empty input
	}
	return m
}

func weightedMean(xs, weights []float64) float64 {
	sum, err := stats.Sum(weights)
	if err != nil || sum == 0 {
		return 0
	}
	acc := 0.0
	for i, x := range xs {
		acc += x * weights[i]
	}
	return acc / sum
}

// Render writes the report as a table in the layout of seqeval's text
// report.
func (r *Report) Render(w io.Writer) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"", "precision", "recall", "f1-score", "support"})
	table.SetAutoFormatHeaders(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_RIGHT)
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetColumnSeparator("")
	table.SetTablePadding("  ")

	row := func(name string, s Score) []string {
		return []string{
			name,
			fmt.Sprintf("%.4f", s.Precision),
			fmt.Sprintf("%.4f", s.Recall),
			fmt.Sprintf("%.4f", s.F1),
			strconv.Itoa(s.Support),
		}
	}
	for _, typ := range r.Types {
		table.Append(row(typ, r.PerType[typ]))
	}
	table.Append([]string{"", "", "", "", ""})
	table.Append(row(MicroAvg, r.Micro))
	table.Append(row(MacroAvg, r.Macro))
	table.Append(row(WeightedAvg, r.Weighted))
	table.Render()
}

func (r *Report) String() string {
	var b strings.Builder
	r.Render(&b)
	return b.String()
}
