// ABOUTME: TTL cache of recently retired request IDs.
// ABOUTME: Lets the router tell a late reply to an expired call apart from garbage.

package recent

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	retiredAt time.Time
	element   *list.Element
}

// Cache remembers request IDs whose pending state was recently removed
// (answered, timed out, or cancelled). A reply arriving for one of these is
// late, not unknown, and is logged accordingly. Entries expire after the
// TTL; a size cap bounds memory with oldest-first eviction.
type Cache struct {
	mu      sync.Mutex
	ids     map[string]*entry
	order   *list.List // IDs in retirement order, oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a cache with the given TTL and maximum size. A background
// goroutine sweeps expired entries until Close is called.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		ids:     make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Retire records that the pending state for id was just removed.
func (c *Cache) Retire(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.ids[id]; ok {
		e.retiredAt = time.Now()
		c.order.MoveToBack(e.element)
		return
	}

	if len(c.ids) >= c.maxSize {
		c.evictOldestLocked()
	}

	el := c.order.PushBack(id)
	c.ids[id] = &entry{retiredAt: time.Now(), element: el}
}

// Seen reports whether id was retired within the TTL.
func (c *Cache) Seen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.ids[id]
	if !ok {
		return false
	}
	return time.Since(e.retiredAt) < c.ttl
}

// Len returns the number of tracked IDs, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ids)
}

// Close stops the background sweeper. Safe to call once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}

func (c *Cache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	id := front.Value.(string)
	c.order.Remove(front)
	delete(c.ids, id)
}

func (c *Cache) sweep() {
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

func (c *Cache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		id := front.Value.(string)
		e := c.ids[id]
		if now.Sub(e.retiredAt) < c.ttl {
			return
		}
		c.order.Remove(front)
		delete(c.ids, id)
	}
}
