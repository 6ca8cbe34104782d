package template

import (
	"context"
	"sync"
	"time"
)

// memoryStore is a thread-safe in-process Store.
// Used in tests and as the default when no path is configured.
type memoryStore struct {
	mu    sync.RWMutex
	byID  map[string]Template
	locks Locks
}

// NewMemoryStore returns an empty in-memory Store.
func NewMemoryStore() Store {
	return &memoryStore{byID: make(map[string]Template)}
}

func (s *memoryStore) Load(_ context.Context, ref Ref) (Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ref.ID != "" {
		t, ok := s.byID[ref.ID]
		if !ok {
			return Template{}, notFound(ref)
		}
		return clone(t), nil
	}
	var (
		best  Template
		found bool
	)
	for _, t := range s.byID {
		if ref.Name != "" && t.Name == ref.Name && (!found || newer(t, best)) {
			best, found = t, true
		}
	}
	if !found {
		return Template{}, notFound(ref)
	}
	return clone(best), nil
}

func (s *memoryStore) Save(_ context.Context, t Template) (Template, error) {
	if t.ID == "" {
		t.ID = NewID()
	}
	unlock := s.locks.Lock(t.ID)
	defer unlock()

	s.mu.RLock()
	cur, ok := s.byID[t.ID]
	s.mu.RUnlock()
	var curp *Template
	if ok {
		curp = &cur
	}
	saved, err := next(curp, t, time.Now().UTC())
	if err != nil {
		return Template{}, err
	}

	s.mu.Lock()
	s.byID[saved.ID] = saved
	s.mu.Unlock()
	return clone(saved), nil
}

func (s *memoryStore) List(_ context.Context) ([]Template, error) {
	s.mu.RLock()
	out := make([]Template, 0, len(s.byID))
	for _, t := range s.byID {
		out = append(out, clone(t))
	}
	s.mu.RUnlock()
	sortByCreation(out)
	return out, nil
}

func (s *memoryStore) Close() error { return nil }
