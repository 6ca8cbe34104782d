// Package detector runs recognizers over text and produces candidate spans.
//
// Detection is a pure function of the text, the recognizer set and the
// context strategy: no state is carried between calls. Context adjustment
// only ever raises a candidate's confidence (capped at 1.0); it never
// lowers it and never changes the entity type.
package detector

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"pii-engine/internal/recognizer"
)

// Strategy selects how surrounding context adjusts confidence.
type Strategy string

// Context strategies.
const (
	ContextNone        Strategy = "none"
	ContextKeyword     Strategy = "keyword"
	ContextStatistical Strategy = "statistical"
)

const (
	// ContextBoost is the maximum confidence added by context words.
	ContextBoost = 0.35
	// ContextWindow is the number of bytes searched on each side of a match.
	ContextWindow = 100
)

// ParseStrategy converts a config string to a Strategy. Empty means keyword.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", ContextKeyword:
		return ContextKeyword, nil
	case ContextNone:
		return ContextNone, nil
	case ContextStatistical:
		return ContextStatistical, nil
	}
	return "", fmt.Errorf("unknown context strategy %q", s)
}

// Candidate is a raw detection before overlap resolution.
type Candidate struct {
	Start      int     `json:"start"`
	End        int     `json:"end"`
	EntityType string  `json:"entity_type"`
	Confidence float64 `json:"confidence"`
	Text       string  `json:"text"`

	Recognizer      string `json:"recognizer"`
	RecognizerIndex int    `json:"-"`
	Custom          bool   `json:"custom"`
}

// Len returns the span length in bytes.
func (c Candidate) Len() int { return c.End - c.Start }

// Overlaps reports whether two candidates share at least one byte.
func (c Candidate) Overlaps(o Candidate) bool {
	return c.Start < o.End && o.Start < c.End
}

// Normalize returns the NFC form of text.
func Normalize(text string) string {
	return norm.NFC.String(text)
}

// Normalized is the NFC form of a source text together with the byte
// mapping back into the source.
type Normalized struct {
	Text      string
	sourceLen int
	// starts and ends hold, per normalized byte, the source range it came
	// from: the byte itself in unchanged segments, the whole segment in
	// rewritten ones. Both are nil when the source was already NFC.
	starts []int
	ends   []int
}

// NormalizeOffsets normalizes text and records where each normalized byte
// came from.
func NormalizeOffsets(text string) *Normalized {
	n := &Normalized{Text: text, sourceLen: len(text)}
	if norm.NFC.IsNormalString(text) {
		return n
	}
	var (
		it norm.Iter
		b  strings.Builder
	)
	b.Grow(len(text))
	n.starts = make([]int, 0, len(text))
	n.ends = make([]int, 0, len(text))
	it.InitString(norm.NFC, text)
	for !it.Done() {
		from := it.Pos()
		seg := it.Next()
		to := it.Pos()
		if string(seg) == text[from:to] {
			for k := range seg {
				n.starts = append(n.starts, from+k)
				n.ends = append(n.ends, from+k+1)
			}
		} else {
			for range seg {
				n.starts = append(n.starts, from)
				n.ends = append(n.ends, to)
			}
		}
		b.Write(seg)
	}
	n.Text = b.String()
	return n
}

// Source maps a normalized byte range onto the source text. A boundary
// inside a normalization segment widens to cover the whole segment.
func (n *Normalized) Source(start, end int) (int, int) {
	if n.starts == nil {
		return start, end
	}
	if start >= len(n.starts) {
		return n.sourceLen, n.sourceLen
	}
	srcStart := n.starts[start]
	if end <= start {
		return srcStart, srcStart
	}
	if end > len(n.ends) {
		end = len(n.ends)
	}
	return srcStart, n.ends[end-1]
}

// Detector scans text with a fixed context strategy.
type Detector struct {
	strategy Strategy
}

// New returns a Detector using the given strategy.
func New(strategy Strategy) *Detector {
	if strategy == "" {
		strategy = ContextKeyword
	}
	return &Detector{strategy: strategy}
}

// Detect runs every recognizer over text. Each recognizer contributes a
// non-overlapping set of candidates; candidates from different recognizers
// may overlap. The result is ordered by (start, end, recognizer index).
func (d *Detector) Detect(text string, recs []recognizer.Recognizer) []Candidate {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	var out []Candidate
	for i := range recs {
		r := &recs[i]
		lastEnd := -1
		for _, m := range r.Find(text) {
			if m.Start < lastEnd {
				continue
			}
			lastEnd = m.End
			out = append(out, Candidate{
				Start:           m.Start,
				End:             m.End,
				EntityType:      r.EntityType,
				Confidence:      d.adjust(text, m, r.Context),
				Text:            text[m.Start:m.End],
				Recognizer:      r.Name,
				RecognizerIndex: r.Index,
				Custom:          r.Custom,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		if a.End != b.End {
			return a.End < b.End
		}
		return a.RecognizerIndex < b.RecognizerIndex
	})
	return out
}

func (d *Detector) adjust(text string, m recognizer.Match, context []string) float64 {
	base := m.Score
	if d.strategy == ContextNone || len(context) == 0 {
		return base
	}
	hits := contextHits(text, m.Start, m.End, context)
	if len(hits) == 0 {
		return base
	}

	var boost float64
	switch d.strategy {
	case ContextKeyword:
		boost = ContextBoost
	case ContextStatistical:
		// Each distinct context word contributes a weight that decays
		// linearly with distance; weights combine like independent odds.
		miss := 1.0
		for _, dist := range hits {
			w := 1 - float64(dist)/float64(ContextWindow+1)
			miss *= 1 - w
		}
		boost = ContextBoost * (1 - miss)
	}
	return math.Min(1, base+boost)
}

// contextHits returns, for every context word found in the windows around
// [start, end), its byte distance from the match.
func contextHits(text string, start, end int, context []string) []int {
	lo := start - ContextWindow
	if lo < 0 {
		lo = 0
	}
	hi := end + ContextWindow
	if hi > len(text) {
		hi = len(text)
	}
	before := strings.ToLower(text[lo:start])
	after := strings.ToLower(text[end:hi])

	var hits []int
	for _, cw := range context {
		cw = strings.ToLower(strings.TrimSpace(cw))
		if cw == "" {
			continue
		}
		best := -1
		if i := lastWordIndex(before, cw); i >= 0 {
			best = len(before) - (i + len(cw))
		}
		if i := firstWordIndex(after, cw); i >= 0 && (best < 0 || i < best) {
			best = i
		}
		if best >= 0 {
			hits = append(hits, best)
		}
	}
	return hits
}

func firstWordIndex(s, w string) int {
	from := 0
	for from <= len(s)-len(w) {
		i := strings.Index(s[from:], w)
		if i < 0 {
			return -1
		}
		i += from
		if wordBounded(s, i, i+len(w)) {
			return i
		}
		from = i + 1
	}
	return -1
}

func lastWordIndex(s, w string) int {
	to := len(s)
	for to >= len(w) {
		i := strings.LastIndex(s[:to], w)
		if i < 0 {
			return -1
		}
		if wordBounded(s, i, i+len(w)) {
			return i
		}
		to = i + len(w) - 1
	}
	return -1
}

func wordBounded(s string, start, end int) bool {
	return (start == 0 || !isWordByte(s[start-1])) && (end == len(s) || !isWordByte(s[end]))
}

func isWordByte(b byte) bool {
	return b == '_' || (b >= '0' && b <= '9') || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}
