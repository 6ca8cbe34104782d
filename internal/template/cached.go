package template

import (
	"context"
	"errors"
	"sync"
)

// CachedStore fronts a Store with an S3-FIFO read cache keyed by template id.
// Saves write through and refresh the cached copy. Name lookups always go
// to the backing store so they observe the latest save.
type CachedStore struct {
	backing Store
	cache   *s3fifo[Template]
	mu      sync.Mutex
}

// NewCachedStore wraps backing with a cache of at most capacity templates.
func NewCachedStore(backing Store, capacity int) *CachedStore {
	return &CachedStore{backing: backing, cache: newS3FIFO[Template](capacity)}
}

func (c *CachedStore) Load(ctx context.Context, ref Ref) (Template, error) {
	if ref.ID != "" {
		if t, ok := c.cache.Get(ref.ID); ok {
			return clone(t), nil
		}
	}
	t, err := c.backing.Load(ctx, ref)
	if err != nil {
		return Template{}, err
	}
	c.remember(t)
	return t, nil
}

func (c *CachedStore) Save(ctx context.Context, t Template) (Template, error) {
	saved, err := c.backing.Save(ctx, t)
	if err != nil {
		if errors.Is(err, ErrConflict) && t.ID != "" {
			c.cache.Delete(t.ID)
		}
		return Template{}, err
	}
	c.remember(saved)
	return saved, nil
}

func (c *CachedStore) List(ctx context.Context) ([]Template, error) {
	return c.backing.List(ctx)
}

func (c *CachedStore) Close() error {
	return c.backing.Close()
}

// remember caches t unless a newer version is already cached.
func (c *CachedStore) remember(t Template) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.cache.Peek(t.ID); ok && cur.Version > t.Version {
		return
	}
	c.cache.Set(t.ID, clone(t))
}

// Stats returns cache hits and misses for id lookups.
func (c *CachedStore) Stats() (hits, misses uint64) {
	return c.cache.Stats()
}
