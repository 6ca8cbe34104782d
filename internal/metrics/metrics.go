// Package metrics provides lightweight, lock-minimal counters for the
// PII engine.
//
// Counters use sync/atomic so hot paths (detection, mapping) incur no mutex
// contention. Latency statistics use a single mutex per dimension; they are
// updated at most once per request.
package metrics

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// knownEntityTypes pre-populates the per-type counters with the built-in
// entity labels. Custom labels are added on first use.
var knownEntityTypes = []string{
	"PERSON", "EMAIL_ADDRESS", "PHONE_NUMBER", "US_SSN", "CREDIT_CARD",
	"IBAN_CODE", "IP_ADDRESS", "URL", "API_KEY", "STREET_ADDRESS",
	"US_ZIP_CODE", "ID_NUMBER", "DATE_OF_BIRTH",
}

// Metrics holds all runtime counters for a running engine.
// The zero value is usable; New also records the start time.
type Metrics struct {
	// Request counters
	TextRequests        atomic.Int64
	FileRequests        atomic.Int64
	DeanonymizeRequests atomic.Int64
	AuthRejected        atomic.Int64
	RateLimited         atomic.Int64

	// File counters
	FilesProcessed atomic.Int64
	FilesFailed    atomic.Int64

	// Error counters
	ErrorsProcess  atomic.Int64
	ErrorsTemplate atomic.Int64

	// Detection volume
	EntitiesReplaced   atomic.Int64
	RecognizerWarnings atomic.Int64
	entities           counterSet

	// Mapping scope effectiveness
	MappingHits   atomic.Int64
	MappingMisses atomic.Int64

	// Template store
	TemplateLoads     atomic.Int64
	TemplateMisses    atomic.Int64
	TemplateSaves     atomic.Int64
	TemplateConflicts atomic.Int64

	processMu   sync.Mutex
	processStat latencyStats

	templateMu   sync.Mutex
	templateStat latencyStats

	startTime time.Time
}

// New returns a new Metrics with the start time recorded and per-type
// counters pre-populated for the built-in entity types.
func New() *Metrics {
	m := &Metrics{startTime: time.Now()}
	for _, t := range knownEntityTypes {
		m.entities.get(t)
	}
	return m
}

// RecordEntity increments the detection counter for an entity type.
func (m *Metrics) RecordEntity(entityType string) {
	m.entities.get(entityType).Add(1)
}

// RecordProcessLatency records the duration of one pipeline run.
func (m *Metrics) RecordProcessLatency(d time.Duration) {
	m.processMu.Lock()
	m.processStat.record(float64(d.Microseconds()) / 1000.0)
	m.processMu.Unlock()
}

// RecordTemplateLatency records the duration of one template load or save.
func (m *Metrics) RecordTemplateLatency(d time.Duration) {
	m.templateMu.Lock()
	m.templateStat.record(float64(d.Microseconds()) / 1000.0)
	m.templateMu.Unlock()
}

// Snapshot returns a point-in-time copy of all metrics, safe for JSON encoding.
func (m *Metrics) Snapshot() Snapshot {
	m.processMu.Lock()
	process := m.processStat.snapshot()
	m.processMu.Unlock()

	m.templateMu.Lock()
	tpl := m.templateStat.snapshot()
	m.templateMu.Unlock()

	var uptime float64
	if !m.startTime.IsZero() {
		uptime = time.Since(m.startTime).Seconds()
	}

	return Snapshot{
		Requests: RequestSnapshot{
			Text:         m.TextRequests.Load(),
			Files:        m.FileRequests.Load(),
			Deanonymize:  m.DeanonymizeRequests.Load(),
			AuthRejected: m.AuthRejected.Load(),
			RateLimited:  m.RateLimited.Load(),
		},
		Files: FileSnapshot{
			Processed: m.FilesProcessed.Load(),
			Failed:    m.FilesFailed.Load(),
		},
		Errors: ErrorSnapshot{
			Process:  m.ErrorsProcess.Load(),
			Template: m.ErrorsTemplate.Load(),
		},
		Entities: EntitySnapshot{
			Replaced:           m.EntitiesReplaced.Load(),
			RecognizerWarnings: m.RecognizerWarnings.Load(),
			ByType:             m.entities.snapshot(),
			MappingHits:        m.MappingHits.Load(),
			MappingMisses:      m.MappingMisses.Load(),
		},
		Templates: TemplateSnapshot{
			Loads:     m.TemplateLoads.Load(),
			Misses:    m.TemplateMisses.Load(),
			Saves:     m.TemplateSaves.Load(),
			Conflicts: m.TemplateConflicts.Load(),
		},
		Latency: LatencyGroup{
			ProcessMs:  process,
			TemplateMs: tpl,
		},
		UptimeSecs: uptime,
	}
}

// --- JSON-serialisable snapshot types ---

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Requests   RequestSnapshot  `json:"requests"`
	Files      FileSnapshot     `json:"files"`
	Errors     ErrorSnapshot    `json:"errors"`
	Entities   EntitySnapshot   `json:"entities"`
	Templates  TemplateSnapshot `json:"templates"`
	Latency    LatencyGroup     `json:"latency"`
	UptimeSecs float64          `json:"uptimeSecs"`
}

// RequestSnapshot holds request-level counters.
type RequestSnapshot struct {
	Text         int64 `json:"text"`
	Files        int64 `json:"files"`
	Deanonymize  int64 `json:"deanonymize"`
	AuthRejected int64 `json:"authRejected"`
	RateLimited  int64 `json:"rateLimited"`
}

// FileSnapshot holds per-file outcome counters.
type FileSnapshot struct {
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
}

// ErrorSnapshot holds error counters.
type ErrorSnapshot struct {
	Process  int64 `json:"process"`
	Template int64 `json:"template"`
}

// EntitySnapshot holds detection volume and mapping effectiveness.
type EntitySnapshot struct {
	Replaced           int64 `json:"replaced"`
	RecognizerWarnings int64 `json:"recognizerWarnings"`

	// Per-type detections (only types with non-zero counts appear).
	ByType map[string]int64 `json:"byType,omitempty"`

	MappingHits   int64 `json:"mappingHits"`
	MappingMisses int64 `json:"mappingMisses"`
}

// TemplateSnapshot holds template store counters.
type TemplateSnapshot struct {
	Loads     int64 `json:"loads"`
	Misses    int64 `json:"misses"`
	Saves     int64 `json:"saves"`
	Conflicts int64 `json:"conflicts"`
}

// LatencyGroup groups the latency dimensions.
type LatencyGroup struct {
	ProcessMs  LatencySnapshot `json:"processMs"`
	TemplateMs LatencySnapshot `json:"templateMs"`
}

// LatencySnapshot is a min/mean/max summary for one latency dimension.
type LatencySnapshot struct {
	Count  int64   `json:"count"`
	MinMs  float64 `json:"minMs"`
	MeanMs float64 `json:"meanMs"`
	MaxMs  float64 `json:"maxMs"`
}

// --- internal accumulators ---

// counterSet is a string-keyed set of atomic counters. Lookups of existing
// keys take only the read lock.
type counterSet struct {
	mu sync.RWMutex
	m  map[string]*atomic.Int64
}

func (c *counterSet) get(key string) *atomic.Int64 {
	c.mu.RLock()
	n, ok := c.m[key]
	c.mu.RUnlock()
	if ok {
		return n
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok = c.m[key]; ok {
		return n
	}
	if c.m == nil {
		c.m = make(map[string]*atomic.Int64)
	}
	n = new(atomic.Int64)
	c.m[key] = n
	return n
}

func (c *counterSet) snapshot() map[string]int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int64, len(c.m))
	for k, n := range c.m {
		if v := n.Load(); v > 0 {
			out[k] = v
		}
	}
	return out
}

type latencyStats struct {
	count int64
	sum   float64
	min   float64
	max   float64
}

func (s *latencyStats) record(ms float64) {
	s.count++
	s.sum += ms
	if s.count == 1 || ms < s.min {
		s.min = ms
	}
	if ms > s.max {
		s.max = ms
	}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func (s *latencyStats) snapshot() LatencySnapshot {
	if s.count == 0 {
		return LatencySnapshot{}
	}
	return LatencySnapshot{
		Count:  s.count,
		MinMs:  round2(s.min),
		MeanMs: round2(s.sum / float64(s.count)),
		MaxMs:  round2(s.max),
	}
}
