// Package engine wires the detection pipeline end to end:
//
//	normalize -> detect -> resolve -> map -> apply
//
// Each request is independent. The only state shared between requests is
// the template store. Requests that save into a template hold that
// template's writer lock from load to save, so concurrent requests against
// one template are serialized inside a process; the store's version check
// covers writers outside it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"pii-engine/internal/applier"
	"pii-engine/internal/detector"
	"pii-engine/internal/extract"
	"pii-engine/internal/logger"
	"pii-engine/internal/mapping"
	"pii-engine/internal/metrics"
	"pii-engine/internal/recognizer"
	"pii-engine/internal/resolver"
	"pii-engine/internal/template"
)

var (
	// ErrInvalidAction is returned for an unknown action name.
	ErrInvalidAction = mapping.ErrInvalidAction
	// ErrTemplateRequired is returned when a request marks its template as
	// mandatory and it cannot be loaded.
	ErrTemplateRequired = errors.New("template required")
	// ErrInvalidConfidence is returned for a per-request threshold outside [0, 1].
	ErrInvalidConfidence = errors.New("min confidence must be within [0, 1]")
)

// DefaultWorkers bounds concurrent file processing when Options.Workers is unset.
const DefaultWorkers = 4

// Options configures an Engine. Zero fields take defaults; a nil
// MinConfidence means resolver.DefaultMinConfidence.
type Options struct {
	Registry      *recognizer.Registry
	Strategy      detector.Strategy
	MinConfidence *float64
	Store         template.Store
	Extractor     *extract.Extractor
	Workers       int
	Logger        *logger.Logger
	Metrics       *metrics.Metrics
}

// Engine runs the pipeline. It is safe for concurrent use.
type Engine struct {
	registry  *recognizer.Registry
	detector  *detector.Detector
	minConf   float64
	store     template.Store
	extractor *extract.Extractor
	workers   int
	log       *logger.Logger
	metrics   *metrics.Metrics

	writers template.Locks
}

// New returns an Engine. A nil Registry uses the built-ins, a nil Store an
// in-memory one.
func New(opts Options) *Engine {
	e := &Engine{
		registry:  opts.Registry,
		detector:  detector.New(opts.Strategy),
		minConf:   resolver.DefaultMinConfidence,
		store:     opts.Store,
		extractor: opts.Extractor,
		workers:   opts.Workers,
		log:       opts.Logger,
		metrics:   opts.Metrics,
	}
	if e.registry == nil {
		e.registry = recognizer.MustNewRegistry()
	}
	if opts.MinConfidence != nil {
		e.minConf = *opts.MinConfidence
	}
	if e.store == nil {
		e.store = template.NewMemoryStore()
	}
	if e.extractor == nil {
		e.extractor = extract.New(0)
	}
	if e.workers < 1 {
		e.workers = DefaultWorkers
	}
	if e.log == nil {
		e.log = logger.New("engine", "info")
	}
	if e.metrics == nil {
		e.metrics = metrics.New()
	}
	return e
}

// Metrics returns the engine's counters.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// TextRequest is a process_text call.
type TextRequest struct {
	Text              string                        `json:"text"`
	Action            string                        `json:"action"`
	CustomRecognizers []recognizer.CustomRecognizer `json:"custom_recognizers,omitempty"`
	SaveTemplate      bool                          `json:"save_template,omitempty"`
	TemplateName      string                        `json:"template_name,omitempty"`
	TemplateID        string                        `json:"template_id,omitempty"`
	// TemplateRequired aborts the request when the template cannot be
	// loaded instead of continuing with a fresh scope.
	TemplateRequired bool `json:"template_required,omitempty"`
	// MinConfidence overrides the engine threshold when set.
	MinConfidence *float64 `json:"min_confidence,omitempty"`
}

// Result is the outcome of ProcessText. Item offsets index the input text.
type Result struct {
	RequestID       string               `json:"request_id"`
	Text            string               `json:"text"`
	Items           []applier.Item       `json:"items"`
	Warnings        []recognizer.Warning `json:"warnings,omitempty"`
	TemplateID      string               `json:"template_id,omitempty"`
	TemplateMissing bool                 `json:"template_missing,omitempty"`
}

// ProcessText detects and substitutes PII in one text.
func (e *Engine) ProcessText(ctx context.Context, req TextRequest) (*Result, error) {
	start := time.Now()
	e.metrics.TextRequests.Add(1)

	action, err := mapping.ParseAction(req.Action)
	if err != nil {
		e.metrics.ErrorsProcess.Add(1)
		return nil, err
	}
	minConf, err := e.threshold(req.MinConfidence)
	if err != nil {
		e.metrics.ErrorsProcess.Add(1)
		return nil, err
	}
	res := &Result{RequestID: uuid.NewString(), Text: req.Text, Items: []applier.Item{}}
	recs, warnings := e.activeRecognizers(res.RequestID, req.CustomRecognizers)
	res.Warnings = warnings

	if strings.TrimSpace(req.Text) == "" {
		return res, nil
	}

	ref := template.Ref{ID: req.TemplateID, Name: req.TemplateName}
	sess, err := e.open(ctx, ref, req.TemplateName, req.SaveTemplate, req.TemplateRequired)
	if err != nil {
		return nil, err
	}
	defer sess.close()
	res.TemplateMissing = sess.missing
	res.TemplateID = sess.base.ID

	spans := e.analyze(req.Text, recs, minConf)
	render := func(scope *mapping.Scope) {
		res.Text, res.Items = rewrite(req.Text, spans, scope, action)
	}
	render(sess.scope)

	if req.SaveTemplate {
		saved, err := e.commit(ctx, sess, render)
		if err != nil {
			return nil, err
		}
		res.TemplateID = saved.ID
	}
	e.recordScope(sess.scope)
	e.recordItems(res.Items)

	elapsed := time.Since(start)
	e.metrics.RecordProcessLatency(elapsed)
	e.log.Infof("process_text", "request=%s action=%s entities=%d warnings=%d template=%s duration=%s",
		res.RequestID, action, len(res.Items), len(res.Warnings), res.TemplateID, elapsed.Round(time.Microsecond))
	return res, nil
}

func (e *Engine) threshold(override *float64) (float64, error) {
	if override == nil {
		return e.minConf, nil
	}
	if *override < 0 || *override > 1 {
		return 0, fmt.Errorf("%w: %v", ErrInvalidConfidence, *override)
	}
	return *override, nil
}

func (e *Engine) activeRecognizers(requestID string, custom []recognizer.CustomRecognizer) ([]recognizer.Recognizer, []recognizer.Warning) {
	recs, warnings := e.registry.Active(custom)
	for _, w := range warnings {
		e.metrics.RecognizerWarnings.Add(1)
		e.log.Warnf("recognizer", "request=%s custom recognizer %s excluded: %s", requestID, w.EntityType, w.Message)
	}
	return recs, warnings
}

// analyze detects and resolves over the NFC form of text, then maps the
// spans back onto text itself. Span.Text stays normalized so mapping keys do
// not depend on how the caller encoded a value.
func (e *Engine) analyze(text string, recs []recognizer.Recognizer, minConf float64) []resolver.Span {
	n := detector.NormalizeOffsets(text)
	cands := e.detector.Detect(n.Text, recs)
	spans := resolver.ResolveBounded(cands, len(n.Text), minConf)
	for i := range spans {
		spans[i].Start, spans[i].End = n.Source(spans[i].Start, spans[i].End)
	}
	return spans
}

// rewrite maps spans in document order, so ordinals follow first
// appearance, then applies the substitutions.
func rewrite(text string, spans []resolver.Span, scope *mapping.Scope, action mapping.Action) (string, []applier.Item) {
	subs := make([]applier.Substitution, 0, len(spans))
	for _, sp := range spans {
		subs = append(subs, applier.Substitution{Span: sp, Entry: scope.Map(sp.Text, sp.EntityType, action)})
	}
	out, items := applier.Apply(text, subs)
	if items == nil {
		items = []applier.Item{}
	}
	return out, items
}

func (e *Engine) recordItems(items []applier.Item) {
	for _, it := range items {
		e.metrics.RecordEntity(it.EntityType)
	}
	e.metrics.EntitiesReplaced.Add(int64(len(items)))
}

func (e *Engine) recordScope(s *mapping.Scope) {
	hits, misses := s.Stats()
	e.metrics.MappingHits.Add(int64(hits))
	e.metrics.MappingMisses.Add(int64(misses))
}

// Templates returns every stored template.
func (e *Engine) Templates(ctx context.Context) ([]template.Template, error) {
	ts, err := e.store.List(ctx)
	if err != nil {
		e.metrics.ErrorsTemplate.Add(1)
		return nil, err
	}
	if ts == nil {
		ts = []template.Template{}
	}
	return ts, nil
}

// Template returns one stored template.
func (e *Engine) Template(ctx context.Context, ref template.Ref) (template.Template, error) {
	return e.store.Load(ctx, ref)
}
