// Package resolver turns overlapping candidate spans into a non-overlapping,
// position-ordered set.
//
// When two candidates overlap, the winner is chosen by, in order:
//  1. a custom recognizer over a built-in one
//  2. higher confidence
//  3. longer span
//  4. earlier-registered recognizer
//  5. earlier start offset
//
// The last rule only separates candidates that are otherwise identical in
// rank, so the outcome never depends on input order.
package resolver

import (
	"fmt"
	"sort"
	"strings"

	"pii-engine/internal/detector"
)

// Span is a resolved, authoritative candidate.
type Span = detector.Candidate

// Sensitivity presets for the minimum confidence threshold.
const (
	SensitivityHigh   = 0.3
	SensitivityMedium = 0.5
	SensitivityLow    = 0.7
)

// DefaultMinConfidence is the threshold applied when none is configured.
const DefaultMinConfidence = SensitivityHigh

// ThresholdFor maps a sensitivity name to a minimum confidence.
func ThresholdFor(sensitivity string) (float64, error) {
	switch strings.ToLower(strings.TrimSpace(sensitivity)) {
	case "", "high":
		return SensitivityHigh, nil
	case "medium":
		return SensitivityMedium, nil
	case "low":
		return SensitivityLow, nil
	}
	return 0, fmt.Errorf("unknown sensitivity %q", sensitivity)
}

// Resolve drops candidates below minConfidence and resolves overlaps.
func Resolve(candidates []detector.Candidate, minConfidence float64) []Span {
	return resolve(candidates, -1, minConfidence)
}

// ResolveBounded is Resolve that also drops candidates outside [0, textLen].
func ResolveBounded(candidates []detector.Candidate, textLen int, minConfidence float64) []Span {
	return resolve(candidates, textLen, minConfidence)
}

func resolve(candidates []detector.Candidate, textLen int, minConfidence float64) []Span {
	kept := make([]detector.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Start < 0 || c.End <= c.Start {
			continue
		}
		if textLen >= 0 && c.End > textLen {
			continue
		}
		if c.Confidence < minConfidence {
			continue
		}
		kept = append(kept, c)
	}
	sort.SliceStable(kept, func(i, j int) bool { return Wins(kept[i], kept[j]) })

	// accepted stays sorted by start, so only the neighbours of the
	// insertion point can overlap a new span.
	var accepted []Span
	for _, c := range kept {
		i := sort.Search(len(accepted), func(k int) bool { return accepted[k].Start >= c.Start })
		if i > 0 && accepted[i-1].End > c.Start {
			continue
		}
		if i < len(accepted) && accepted[i].Start < c.End {
			continue
		}
		accepted = append(accepted, Span{})
		copy(accepted[i+1:], accepted[i:])
		accepted[i] = c
	}
	return accepted
}

// Wins reports whether a beats b under the conflict policy.
func Wins(a, b detector.Candidate) bool {
	if a.Custom != b.Custom {
		return a.Custom
	}
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if a.Len() != b.Len() {
		return a.Len() > b.Len()
	}
	if a.RecognizerIndex != b.RecognizerIndex {
		return a.RecognizerIndex < b.RecognizerIndex
	}
	return a.Start < b.Start
}

// NonOverlapping reports whether spans are ordered and pairwise disjoint.
func NonOverlapping(spans []Span) bool {
	for i := 1; i < len(spans); i++ {
		if spans[i].Start < spans[i-1].End {
			return false
		}
	}
	return true
}
