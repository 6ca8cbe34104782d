// Package applier rewrites text from resolved spans and their substitutes.
// It performs no detection or mapping of its own.
package applier

import (
	"sort"
	"strings"

	"pii-engine/internal/mapping"
	"pii-engine/internal/resolver"
)

// Substitution pairs a resolved span with the mapping entry chosen for it.
type Substitution struct {
	Span  resolver.Span
	Entry mapping.Entry
}

// Item is one report row, emitted per resolved span in document order.
// Start and End are byte offsets into the input text.
type Item struct {
	EntityType string         `json:"entity_type"`
	Original   string         `json:"original"`
	Anonymized string         `json:"anonymized"`
	Confidence float64        `json:"confidence"`
	Action     mapping.Action `json:"action"`
	Start      int            `json:"start"`
	End        int            `json:"end"`
}

// Apply substitutes every span in a single left-to-right pass. Input order
// does not matter; substitutions are sorted by start offset first. Spans
// that overlap an earlier one or fall outside text are skipped.
func Apply(text string, subs []Substitution) (string, []Item) {
	if len(subs) == 0 {
		return text, nil
	}
	ordered := append([]Substitution(nil), subs...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Span.Start < ordered[j].Span.Start })

	var b strings.Builder
	b.Grow(len(text))
	items := make([]Item, 0, len(ordered))
	pos := 0
	for _, s := range ordered {
		sp := s.Span
		if sp.Start < pos || sp.End > len(text) || sp.End <= sp.Start {
			continue
		}
		b.WriteString(text[pos:sp.Start])
		original := text[sp.Start:sp.End]
		out := s.Entry.Substitute
		if s.Entry.Action == mapping.Ignore {
			out = original
		}
		b.WriteString(out)
		pos = sp.End

		items = append(items, Item{
			EntityType: sp.EntityType,
			Original:   original,
			Anonymized: out,
			Confidence: sp.Confidence,
			Action:     s.Entry.Action,
			Start:      sp.Start,
			End:        sp.End,
		})
	}
	b.WriteString(text[pos:])
	return b.String(), items
}
