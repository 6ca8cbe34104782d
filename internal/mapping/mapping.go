// Package mapping assigns every distinct PII value a stable substitute.
//
// A Scope is the original-value to substitute table in effect for one
// request. It is either fresh or seeded from a stored template's entries.
// Entries are keyed by (original value, entity type): two spans with the
// same key always receive the same substitute within a scope.
//
// A Scope is not safe for concurrent use; callers map spans of one request
// sequentially.
package mapping

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Action selects the shape of the substitute.
type Action string

// Supported actions.
const (
	Anonymize Action = "anonymize"
	Redact    Action = "redact"
	Tokenize  Action = "tokenize"
	Ignore    Action = "ignore"
)

// ErrInvalidAction is returned by ParseAction for unknown names.
var ErrInvalidAction = errors.New("invalid action")

// ParseAction converts a caller-supplied name to an Action. Empty means anonymize.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case "":
		return Anonymize, nil
	case Anonymize, Redact, Tokenize, Ignore:
		return a, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAction, s)
}

// Entry is one original value and its substitute.
type Entry struct {
	Original   string `json:"original"`
	EntityType string `json:"entity_type"`
	Substitute string `json:"substitute"`
	Action     Action `json:"action"`
}

type key struct {
	original   string
	entityType string
}

// Scope is a mapping table for one request.
type Scope struct {
	entries  []Entry
	index    map[key]int
	touched  []int
	seen     map[int]bool
	changed  map[int]bool
	ordinals map[string]int
	used     map[string]struct{}

	hits   int
	misses int
}

// NewScope returns an empty scope.
func NewScope() *Scope {
	return ScopeFromEntries(nil)
}

// ScopeFromEntries returns a scope seeded with stored entries. Later
// duplicates of a key are ignored. Ordinal counters continue after the
// highest ordinal already present for each entity type.
func ScopeFromEntries(entries []Entry) *Scope {
	s := &Scope{
		index:    make(map[key]int, len(entries)),
		seen:     make(map[int]bool),
		changed:  make(map[int]bool),
		ordinals: make(map[string]int),
		used:     make(map[string]struct{}, len(entries)),
	}
	for _, e := range entries {
		k := key{e.Original, e.EntityType}
		if _, dup := s.index[k]; dup {
			continue
		}
		s.index[k] = len(s.entries)
		s.entries = append(s.entries, e)
		s.reserve(e)
	}
	return s
}

// Map returns the entry for (original, entityType) under action, creating
// it on a miss. A stored entry made for a different action is re-derived
// for the requested one and replaced in place.
func (s *Scope) Map(original, entityType string, action Action) Entry {
	k := key{original, entityType}
	if i, ok := s.index[k]; ok {
		if s.entries[i].Action == action {
			s.hits++
			s.touch(i)
			return s.entries[i]
		}
		s.release(s.entries[i])
		s.entries[i] = s.derive(original, entityType, action)
		s.reserve(s.entries[i])
		s.changed[i] = true
		s.misses++
		s.touch(i)
		return s.entries[i]
	}

	e := s.derive(original, entityType, action)
	i := len(s.entries)
	s.entries = append(s.entries, e)
	s.index[k] = i
	s.reserve(e)
	s.changed[i] = true
	s.misses++
	s.touch(i)
	return e
}

// Lookup returns the stored entry for a key without creating one.
func (s *Scope) Lookup(original, entityType string) (Entry, bool) {
	i, ok := s.index[key{original, entityType}]
	if !ok {
		return Entry{}, false
	}
	return s.entries[i], true
}

// Entries returns the entries created or reused by Map, in first-use order.
func (s *Scope) Entries() []Entry {
	out := make([]Entry, 0, len(s.touched))
	for _, i := range s.touched {
		out = append(out, s.entries[i])
	}
	return out
}

// Changed returns the entries Map created or re-derived, in scope order.
func (s *Scope) Changed() []Entry {
	var out []Entry
	for i, e := range s.entries {
		if s.changed[i] {
			out = append(out, e)
		}
	}
	return out
}

// All returns every entry in the scope: seeded entries first, then new
// ones in creation order.
func (s *Scope) All() []Entry {
	return append([]Entry(nil), s.entries...)
}

// Len returns the number of entries in the scope.
func (s *Scope) Len() int { return len(s.entries) }

// Stats returns the number of scope hits and misses seen by Map.
func (s *Scope) Stats() (hits, misses int) { return s.hits, s.misses }

func (s *Scope) touch(i int) {
	if !s.seen[i] {
		s.seen[i] = true
		s.touched = append(s.touched, i)
	}
}

func (s *Scope) derive(original, entityType string, action Action) Entry {
	e := Entry{Original: original, EntityType: entityType, Action: action}
	switch action {
	case Anonymize:
		e.Substitute = s.nextPlaceholder(entityType)
	case Redact:
		e.Substitute = RedactValue(original, entityType)
	case Tokenize:
		e.Substitute = s.nextToken(original, entityType)
	default:
		e.Substitute = original
	}
	return e
}

// unique reports whether substitutes of this action must be unique in scope.
func unique(a Action) bool { return a == Anonymize || a == Tokenize }

func (s *Scope) reserve(e Entry) {
	if !unique(e.Action) {
		return
	}
	s.used[e.Substitute] = struct{}{}
	if e.Action == Anonymize {
		if n, ok := placeholderOrdinal(e.Substitute, e.EntityType); ok && n > s.ordinals[e.EntityType] {
			s.ordinals[e.EntityType] = n
		}
	}
}

func (s *Scope) release(e Entry) {
	if unique(e.Action) {
		delete(s.used, e.Substitute)
	}
}

func (s *Scope) nextPlaceholder(entityType string) string {
	for {
		s.ordinals[entityType]++
		p := Placeholder(entityType, s.ordinals[entityType])
		if _, taken := s.used[p]; !taken {
			return p
		}
	}
}

func (s *Scope) nextToken(original, entityType string) string {
	for salt := 0; ; salt++ {
		t := Token(original, entityType, salt)
		if _, taken := s.used[t]; !taken {
			return t
		}
	}
}

// Placeholder formats the anonymize substitute for the n-th distinct value
// of an entity type.
func Placeholder(entityType string, n int) string {
	return "<" + entityType + "_" + strconv.Itoa(n) + ">"
}

func placeholderOrdinal(sub, entityType string) (int, bool) {
	prefix := "<" + entityType + "_"
	if !strings.HasPrefix(sub, prefix) || !strings.HasSuffix(sub, ">") {
		return 0, false
	}
	n, err := strconv.Atoi(sub[len(prefix) : len(sub)-1])
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// TokenPrefix starts every tokenize substitute.
const TokenPrefix = "tok_"

// Token derives an opaque token for a value. salt is bumped by the scope on
// collision. The token is not a secret and carries no reversibility guarantee.
func Token(original, entityType string, salt int) string {
	h := sha256.New()
	h.Write([]byte(entityType))
	h.Write([]byte{0})
	h.Write([]byte(original))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(salt)))
	return TokenPrefix + hex.EncodeToString(h.Sum(nil))[:12]
}
