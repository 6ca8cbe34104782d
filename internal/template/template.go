// Package template persists named mapping scopes for reuse across requests.
//
// A Template is created on first save and changed only by later saves; the
// store never expires or deletes one on its own. Three backends are
// provided:
//   - memory: in-process map, used in tests and when no path is configured.
//   - bbolt:  embedded key-value file, one JSON record per template.
//   - sqlite: relational file with one row per mapping entry.
//
// Every backend serializes writers per template id and checks the Version
// field on save, so a save either commits its whole entry list or fails
// with ErrConflict.
package template

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"pii-engine/internal/logger"
	"pii-engine/internal/mapping"
)

var (
	// ErrNotFound is returned when no template matches a Ref.
	ErrNotFound = errors.New("template not found")
	// ErrConflict is returned when a save's Version is stale.
	ErrConflict = errors.New("template write conflict")
)

// Template is a named, ordered set of mapping entries.
type Template struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Version   int64           `json:"version"`
	Entries   []mapping.Entry `json:"entries"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Ref addresses a template by id or, when ID is empty, by name.
type Ref struct {
	ID   string
	Name string
}

func (r Ref) String() string {
	if r.ID != "" {
		return r.ID
	}
	return "name:" + r.Name
}

// IsZero reports whether the ref names nothing.
func (r Ref) IsZero() bool { return r.ID == "" && r.Name == "" }

// Store is a durable template collection. Implementations are safe for
// concurrent use.
type Store interface {
	// Load returns the template with ref.ID, or the most recently updated
	// template named ref.Name.
	Load(ctx context.Context, ref Ref) (Template, error)

	// Save upserts t. An empty ID creates a new template. A non-zero
	// Version must equal the stored one or ErrConflict is returned. The
	// saved record, with its new Version, is returned.
	Save(ctx context.Context, t Template) (Template, error)

	// List returns every template in creation order.
	List(ctx context.Context) ([]Template, error)

	Close() error
}

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendBolt   = "bbolt"
	BackendSQLite = "sqlite"
)

// Open returns the named backend. path is ignored for the memory backend.
func Open(ctx context.Context, backend, path string, log *logger.Logger) (Store, error) {
	if log == nil {
		log = logger.New("template", "info")
	}
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendBolt, "bolt":
		return OpenBolt(path, log)
	case BackendSQLite:
		return OpenSQLite(ctx, path, log)
	}
	return nil, fmt.Errorf("unknown template store backend %q", backend)
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a new lexically sortable template id.
func NewID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Now(), entropy).String()
}

// next computes the record a save persists. cur is nil when in.ID is not
// stored yet.
func next(cur *Template, in Template, now time.Time) (Template, error) {
	if cur == nil {
		if in.Version != 0 {
			return Template{}, fmt.Errorf("%w: %s does not exist at version %d", ErrConflict, in.ID, in.Version)
		}
		in.Version = 1
		in.CreatedAt = now
	} else {
		if in.Version != 0 && in.Version != cur.Version {
			return Template{}, fmt.Errorf("%w: %s is at version %d, save was based on %d", ErrConflict, in.ID, cur.Version, in.Version)
		}
		in.Version = cur.Version + 1
		in.CreatedAt = cur.CreatedAt
	}
	in.UpdatedAt = now
	in.Entries = append([]mapping.Entry{}, in.Entries...)
	return in, nil
}

// newer reports whether a should win a name lookup over b.
func newer(a, b Template) bool {
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.ID > b.ID
}

func sortByCreation(ts []Template) {
	sort.SliceStable(ts, func(i, j int) bool {
		if !ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].CreatedAt.Before(ts[j].CreatedAt)
		}
		return ts[i].ID < ts[j].ID
	})
}

func notFound(ref Ref) error {
	return fmt.Errorf("%w: %s", ErrNotFound, ref)
}

// Locks hands out one mutex per key. Entries are dropped once no holder
// or waiter remains. The zero value is ready to use.
type Locks struct {
	mu sync.Mutex
	m  map[string]*idLock
}

type idLock struct {
	sync.Mutex
	refs int
}

// Lock blocks until key is free and returns the matching unlock.
func (l *Locks) Lock(key string) (unlock func()) {
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[string]*idLock)
	}
	e, ok := l.m[key]
	if !ok {
		e = &idLock{}
		l.m[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.Lock()
	return func() {
		e.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.m, key)
		}
		l.mu.Unlock()
	}
}

func clone(t Template) Template {
	t.Entries = append([]mapping.Entry{}, t.Entries...)
	return t
}
