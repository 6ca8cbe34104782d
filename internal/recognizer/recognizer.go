// Package recognizer holds the PII recognizers the detector runs.
//
// Built-in recognizers are defined in the embedded builtin.yaml and are always
// active. Callers may append custom regex recognizers per request; those are
// tagged Custom so the resolver can prefer them, and are never persisted.
package recognizer

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var (
	// ErrInvalidPattern is returned when a recognizer regex does not compile.
	ErrInvalidPattern = errors.New("invalid pattern")
	// ErrInvalidRecognizer is returned for structurally invalid definitions.
	ErrInvalidRecognizer = errors.New("invalid recognizer")
)

// DefaultCustomConfidence applies to custom recognizers supplied without a
// confidence.
const DefaultCustomConfidence = 0.8

// MatchFunc finds PII spans in text without a regex. It must return
// non-overlapping [start, end) byte ranges in ascending order.
type MatchFunc func(text string) [][2]int

// Recognizer detects one entity type.
type Recognizer struct {
	Name           string
	EntityType     string
	BaseConfidence float64
	Context        []string
	Custom         bool
	// Index is the registration position; lower is earlier.
	Index int

	patterns       []compiledPattern
	match          MatchFunc
	heuristicScore float64
	validators     []Validator
}

type compiledPattern struct {
	re    *regexp.Regexp
	score float64
	group int
}

// Match is a raw, validated occurrence produced by a recognizer.
type Match struct {
	Start int
	End   int
	Score float64
}

// Find returns every validated occurrence in text, from all patterns, sorted
// by start offset. Occurrences from different patterns of the same recognizer
// may overlap; the detector reduces them.
func (r *Recognizer) Find(text string) []Match {
	var out []Match
	if r.match != nil {
		for _, span := range r.match(text) {
			if r.valid(text[span[0]:span[1]]) {
				out = append(out, Match{Start: span[0], End: span[1], Score: r.heuristicScore})
			}
		}
	}
	for _, p := range r.patterns {
		for _, loc := range p.re.FindAllStringSubmatchIndex(text, -1) {
			start, end := loc[2*p.group], loc[2*p.group+1]
			if start < 0 || start == end {
				continue
			}
			if r.valid(text[start:end]) {
				out = append(out, Match{Start: start, End: end, Score: p.score})
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Start != out[j].Start {
			return out[i].Start < out[j].Start
		}
		return out[i].End > out[j].End
	})
	return out
}

func (r *Recognizer) valid(value string) bool {
	for _, v := range r.validators {
		if !v(value) {
			return false
		}
	}
	return true
}

// CustomRecognizer is a caller-supplied regex recognizer.
type CustomRecognizer struct {
	EntityType string   `json:"entity_type" yaml:"entity_type"`
	Pattern    string   `json:"pattern" yaml:"pattern"`
	Confidence float64  `json:"confidence,omitempty" yaml:"confidence,omitempty"`
	Context    []string `json:"context,omitempty" yaml:"context,omitempty"`
}

// Warning reports a custom recognizer that was excluded from a request.
type Warning struct {
	EntityType string `json:"entity_type"`
	Pattern    string `json:"pattern"`
	Message    string `json:"message"`
	Err        error  `json:"-"`
}

func (w Warning) Error() string { return w.Message }

func (w Warning) Unwrap() error { return w.Err }

// Registry holds the compiled built-in recognizers.
// It is immutable after construction and safe for concurrent use.
type Registry struct {
	builtins []Recognizer
}

// Option configures a Registry.
type Option func(*options)

type options struct {
	file     string
	extra    []Config
	enabled  []string
	disabled []string
}

// WithRecognizerFile layers definitions from a YAML file over the built-ins.
// Entries with a built-in name replace it; others are appended.
func WithRecognizerFile(path string) Option {
	return func(o *options) { o.file = path }
}

// WithConfigs layers already-parsed definitions over the built-ins.
func WithConfigs(configs []Config) Option {
	return func(o *options) { o.extra = append(o.extra, configs...) }
}

// WithEnabledEntities restricts built-ins to the given entity types.
func WithEnabledEntities(entities []string) Option {
	return func(o *options) { o.enabled = entities }
}

// WithDisabledEntities removes the given entity types from the built-ins.
func WithDisabledEntities(entities []string) Option {
	return func(o *options) { o.disabled = entities }
}

// NewRegistry compiles the built-in recognizers plus any layered overrides.
// Unlike custom recognizers, a broken built-in definition is a hard error.
func NewRegistry(opts ...Option) (*Registry, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	defaults, err := DefaultConfigs()
	if err != nil {
		return nil, err
	}
	layers := [][]Config{defaults}
	if o.file != "" {
		f, err := LoadFile(o.file)
		if err != nil {
			return nil, err
		}
		if f != nil {
			layers = append(layers, f.Recognizers)
		}
	}
	layers = append(layers, o.extra)

	configs := FilterEntities(Merge(layers...), o.enabled, o.disabled)
	reg := &Registry{}
	for _, c := range configs {
		r, ok, err := compile(c)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		r.Index = len(reg.builtins)
		reg.builtins = append(reg.builtins, r)
	}
	return reg, nil
}

// MustNewRegistry is like NewRegistry but panics on error. The embedded
// defaults are expected to always compile.
func MustNewRegistry(opts ...Option) *Registry {
	r, err := NewRegistry(opts...)
	if err != nil {
		panic(fmt.Sprintf("recognizer.NewRegistry: %v", err))
	}
	return r
}

// Builtins returns a copy of the built-in recognizers in registration order.
func (r *Registry) Builtins() []Recognizer {
	out := make([]Recognizer, len(r.builtins))
	copy(out, r.builtins)
	return out
}

// Active returns the built-ins followed by every valid custom recognizer,
// in registration order. Invalid custom recognizers are skipped and
// reported as warnings; the rest still run.
func (r *Registry) Active(custom []CustomRecognizer) ([]Recognizer, []Warning) {
	active := r.Builtins()
	var warnings []Warning
	for i, c := range custom {
		rec, err := compileCustom(c, i)
		if err != nil {
			warnings = append(warnings, Warning{
				EntityType: c.EntityType,
				Pattern:    c.Pattern,
				Message:    err.Error(),
				Err:        err,
			})
			continue
		}
		rec.Index = len(active)
		active = append(active, rec)
	}
	return active, warnings
}

func compileCustom(c CustomRecognizer, ordinal int) (Recognizer, error) {
	entity := strings.ToUpper(strings.TrimSpace(c.EntityType))
	if entity == "" {
		return Recognizer{}, fmt.Errorf("custom recognizer %d: %w: missing entity_type", ordinal, ErrInvalidRecognizer)
	}
	if c.Pattern == "" {
		return Recognizer{}, fmt.Errorf("custom recognizer %s: %w: empty pattern", entity, ErrInvalidPattern)
	}
	re, err := regexp.Compile(c.Pattern)
	if err != nil {
		return Recognizer{}, fmt.Errorf("custom recognizer %s: %w: %v", entity, ErrInvalidPattern, err)
	}
	score := c.Confidence
	if score == 0 {
		score = DefaultCustomConfidence
	}
	if err := checkScore(score); err != nil {
		return Recognizer{}, fmt.Errorf("custom recognizer %s: %w", entity, err)
	}
	return Recognizer{
		Name:           fmt.Sprintf("custom_%d_%s", ordinal, strings.ToLower(entity)),
		EntityType:     entity,
		BaseConfidence: score,
		Context:        c.Context,
		Custom:         true,
		patterns:       []compiledPattern{{re: re, score: score}},
	}, nil
}
