package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"pii-engine/internal/mapping"
	"pii-engine/internal/template"
)

// DeanonymizeRequest restores originals in text from a template or from
// mappings returned by an earlier call. Mappings take precedence when both
// are given.
type DeanonymizeRequest struct {
	Text         string          `json:"text"`
	TemplateID   string          `json:"template_id,omitempty"`
	TemplateName string          `json:"template_name,omitempty"`
	Mappings     []mapping.Entry `json:"mappings,omitempty"`
}

// DeanonymizeResult is the restored text and the number of substitutes
// replaced.
type DeanonymizeResult struct {
	RequestID string `json:"request_id"`
	Text      string `json:"text"`
	Restored  int    `json:"restored"`
}

// Deanonymize replaces anonymize and tokenize substitutes with their
// originals. Redacted and ignored values are not reversible and are left
// untouched.
func (e *Engine) Deanonymize(ctx context.Context, req DeanonymizeRequest) (*DeanonymizeResult, error) {
	e.metrics.DeanonymizeRequests.Add(1)
	entries := req.Mappings
	if len(entries) == 0 {
		ref := template.Ref{ID: req.TemplateID, Name: req.TemplateName}
		if ref.IsZero() {
			e.metrics.ErrorsProcess.Add(1)
			return nil, fmt.Errorf("%w: deanonymize needs mappings or a template", ErrTemplateRequired)
		}
		tpl, err := e.store.Load(ctx, ref)
		e.metrics.TemplateLoads.Add(1)
		if err != nil {
			e.metrics.TemplateMisses.Add(1)
			return nil, fmt.Errorf("deanonymize: %w", err)
		}
		entries = tpl.Entries
	}

	res := &DeanonymizeResult{RequestID: uuid.NewString()}
	r, subs := reverser(entries)
	if r == nil {
		res.Text = req.Text
		return res, nil
	}
	for _, s := range subs {
		res.Restored += strings.Count(req.Text, s)
	}
	res.Text = r.Replace(req.Text)
	e.log.Infof("deanonymize", "request=%s restored=%d", res.RequestID, res.Restored)
	return res, nil
}

// reverser builds a replacer from substitute to original. Longer
// substitutes come first so <EMAIL_ADDRESS_12> is not read as
// <EMAIL_ADDRESS_1> followed by "2>".
func reverser(entries []mapping.Entry) (*strings.Replacer, []string) {
	seen := make(map[string]string, len(entries))
	for _, en := range entries {
		if en.Action != mapping.Anonymize && en.Action != mapping.Tokenize {
			continue
		}
		if en.Substitute == "" || en.Substitute == en.Original {
			continue
		}
		if _, dup := seen[en.Substitute]; !dup {
			seen[en.Substitute] = en.Original
		}
	}
	if len(seen) == 0 {
		return nil, nil
	}
	subs := make([]string, 0, len(seen))
	for s := range seen {
		subs = append(subs, s)
	}
	sort.Slice(subs, func(i, j int) bool {
		if len(subs[i]) != len(subs[j]) {
			return len(subs[i]) > len(subs[j])
		}
		return subs[i] < subs[j]
	})
	pairs := make([]string, 0, 2*len(subs))
	for _, s := range subs {
		pairs = append(pairs, s, seen[s])
	}
	return strings.NewReplacer(pairs...), subs
}
