package template

import (
	"container/list"
	"sync"
)

type s3fifoEntry[V any] struct {
	value V
	freq  uint8
	elem  *list.Element
	inM   bool
}

// s3fifo is a bounded in-memory cache using S3-FIFO eviction
// ("Simple, Scalable, FIFO-based cache eviction", Yang et al., 2023):
//
//   - S (small, ~10% of capacity): probationary queue. New keys land here.
//   - M (main, remainder): keys that were read again while in S.
//   - G (ghost): bounded ring of keys recently evicted from S. A key found
//     in G on insert goes straight to M.
//
// Each entry carries a saturating frequency counter (max 3), bumped on
// every hit and reset on promotion to M.
//
// Eviction only drops the in-memory copy; the backing Store is never
// touched, since templates do not expire.
//
// Sizing:
//
//	sTarget  = max(1, capacity/10)
//	mTarget  = capacity - sTarget
//	ghostCap = max(4, 2*sTarget)
type s3fifo[V any] struct {
	mu sync.Mutex

	capacity int
	sTarget  int
	ghostCap int

	entries map[string]*s3fifoEntry[V]
	sQueue  *list.List
	mQueue  *list.List

	ghostBuf   []string
	ghostSet   map[string]struct{}
	ghostHead  int
	ghostCount int

	hits, misses uint64
}

// newS3FIFO returns an empty cache. capacity values < 2 are clamped to 2.
func newS3FIFO[V any](capacity int) *s3fifo[V] {
	if capacity < 2 {
		capacity = 2
	}
	sTarget := capacity / 10
	if sTarget < 1 {
		sTarget = 1
	}
	ghostCap := 2 * sTarget
	if ghostCap < 4 {
		ghostCap = 4
	}
	return &s3fifo[V]{
		capacity: capacity,
		sTarget:  sTarget,
		ghostCap: ghostCap,
		entries:  make(map[string]*s3fifoEntry[V], capacity),
		sQueue:   list.New(),
		mQueue:   list.New(),
		ghostBuf: make([]string, ghostCap),
		ghostSet: make(map[string]struct{}, ghostCap),
	}
}

func (c *s3fifo[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		c.misses++
		var zero V
		return zero, false
	}
	if e.freq < 3 {
		e.freq++
	}
	c.hits++
	return e.value, true
}

// Peek returns the cached value without counting a hit or bumping freq.
func (c *s3fifo[V]) Peek(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		return e.value, true
	}
	var zero V
	return zero, false
}

// Set inserts or updates key. An update keeps the queue position.
func (c *s3fifo[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		return
	}

	inM := c.ghostContains(key)
	var elem *list.Element
	if inM {
		elem = c.mQueue.PushBack(key)
	} else {
		elem = c.sQueue.PushBack(key)
	}
	c.entries[key] = &s3fifoEntry[V]{value: value, elem: elem, inM: inM}

	for c.sQueue.Len()+c.mQueue.Len() > c.capacity {
		c.evictOne()
	}
}

func (c *s3fifo[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return
	}
	if e.inM {
		c.mQueue.Remove(e.elem)
	} else {
		c.sQueue.Remove(e.elem)
	}
	delete(c.entries, key)
}

func (c *s3fifo[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns lifetime hit and miss counts.
func (c *s3fifo[V]) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// evictOne must be called with c.mu held.
func (c *s3fifo[V]) evictOne() {
	if c.sQueue.Len() > 0 {
		c.evictFromS()
		return
	}
	c.evictFromM()
}

// evictFromS pops the oldest S entry and promotes it to M if it was read
// since insertion, otherwise drops it into the ghost ring.
func (c *s3fifo[V]) evictFromS() {
	front := c.sQueue.Front()
	if front == nil {
		return
	}
	c.sQueue.Remove(front)
	key := front.Value.(string)
	e, ok := c.entries[key]
	if !ok {
		return
	}

	if e.freq > 0 {
		e.freq = 0
		e.inM = true
		e.elem = c.mQueue.PushBack(key)
		if c.mQueue.Len() > c.capacity-c.sTarget {
			c.evictFromM()
		}
		return
	}
	delete(c.entries, key)
	c.ghostAdd(key)
}

func (c *s3fifo[V]) evictFromM() {
	front := c.mQueue.Front()
	if front == nil {
		return
	}
	c.mQueue.Remove(front)
	delete(c.entries, front.Value.(string))
}

func (c *s3fifo[V]) ghostContains(key string) bool {
	_, ok := c.ghostSet[key]
	return ok
}

func (c *s3fifo[V]) ghostAdd(key string) {
	if _, exists := c.ghostSet[key]; exists {
		return
	}
	if c.ghostCount == c.ghostCap {
		oldest := c.ghostBuf[c.ghostHead]
		delete(c.ghostSet, oldest)
		c.ghostHead = (c.ghostHead + 1) % c.ghostCap
		c.ghostCount--
	}
	c.ghostBuf[(c.ghostHead+c.ghostCount)%c.ghostCap] = key
	c.ghostSet[key] = struct{}{}
	c.ghostCount++
}
