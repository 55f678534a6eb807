// Package metrics scores tagged sequences at the entity level, following the
// conventions of the seqeval library: IOB/IOBES chunks are extracted from
// each sequence and compared as (type, start, end) triples.
package metrics

import (
	"strings"
)

// Entity is one chunk of a tagged sequence. End is inclusive.
type Entity struct {
	Type       string
	Start, End int
}

// splitTag separates "B-PER" into ("B", "PER"). Tags without a type get "_".
func splitTag(chunk string) (tag, typ string) {
	if chunk == "" {
		return "O", "_"
	}
	tag = chunk[:1]
	rest := chunk[1:]
	if i := strings.Index(rest, "-"); i >= 0 {
		rest = rest[i+1:]
	}
	if rest == "" {
		rest = "_"
	}
	return tag, rest
}

// Entities extracts the chunks of a single sequence.
func Entities(seq []string) []Entity {
	var out []Entity
	prevTag, prevType := "O", ""
	begin := 0
	for i := 0; i <= len(seq); i++ {
		chunk := "O"
		if i < len(seq) {
			chunk = seq[i]
		}
		tag, typ := splitTag(chunk)
		if endOfChunk(prevTag, tag, prevType, typ) {
			out = append(out, Entity{Type: prevType, Start: begin, End: i - 1})
		}
		if startOfChunk(prevTag, tag, prevType, typ) {
			begin = i
		}
		prevTag, prevType = tag, typ
	}
	return out
}

// EntitiesOf extracts chunks from several sequences as if they were joined
// with an "O" between each, so that offsets are global.
func EntitiesOf(seqs [][]string) []Entity {
	var joined []string
	for _, s := range seqs {
		joined = append(joined, s...)
		joined = append(joined, "O")
	}
	return Entities(joined)
}

func endOfChunk(prevTag, tag, prevType, typ string) bool {
	switch {
	case prevTag == "E", prevTag == "S":
		return true
	case prevTag == "B" && (tag == "B" || tag == "S" || tag == "O"):
		return true
	case prevTag == "I" && (tag == "B" || tag == "S" || tag == "O"):
		return true
	}
	return prevTag != "O" && prevTag != "." && prevType != typ
}

func startOfChunk(prevTag, tag, prevType, typ string) bool {
	switch {
	case tag == "B", tag == "S":
		return true
	case (prevTag == "E" || prevTag == "S" || prevTag == "O") && (tag == "E" || tag == "I"):
		return true
	}
	return tag != "O" && tag != "." && prevType != typ
}
