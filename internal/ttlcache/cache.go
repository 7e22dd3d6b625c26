// ABOUTME: Generic thread-safe cache with write-time TTL and optional size bound
// ABOUTME: A background goroutine sweeps expired entries until Close is called

package ttlcache

import (
	"container/list"
	"sync"
	"time"
)

type entry[V any] struct {
	key     string
	value   V
	written time.Time
	element *list.Element
}

// Cache maps string keys to values of type V. A zero ttl disables expiry and a
// zero maxSize disables the size bound. Write order is tracked in a list so the
// oldest entry can be evicted in O(1).
type Cache[V any] struct {
	mu      sync.RWMutex
	items   map[string]*entry[V]
	order   *list.List
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache. When ttl is positive a sweeper runs every sweepInterval
// (or every ttl if sweepInterval is not positive).
func New[V any](ttl time.Duration, maxSize int, sweepInterval time.Duration) *Cache[V] {
	c := &Cache[V]{
		items:   make(map[string]*entry[V]),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	if ttl > 0 {
		if sweepInterval <= 0 {
			sweepInterval = ttl
		}
		go c.sweep(sweepInterval)
	}
	return c
}

// Get returns the live value stored under key.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.items[key]
	if !ok || c.expired(e) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Put stores value under key, replacing any previous value and resetting its age.
// It returns the previous live value, if any.
func (c *Cache[V]) Put(key string, value V) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var prev V
	if e, exists := c.items[key]; exists {
		live := !c.expired(e)
		if live {
			prev = e.value
		}
		e.value = value
		e.written = c.now()
		c.order.MoveToBack(e.element)
		return prev, live
	}

	if c.maxSize > 0 && len(c.items) >= c.maxSize {
		c.evictOldest()
	}

	e := &entry[V]{key: key, value: value, written: c.now()}
	e.element = c.order.PushBack(e)
	c.items[key] = e
	return prev, false
}

// Delete removes key and reports whether a live value was removed.
func (c *Cache[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		return false
	}
	c.removeLocked(e)
	return !c.expired(e)
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Keys returns the keys of all live entries, oldest write first.
func (c *Cache[V]) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.items))
	for el := c.order.Front(); el != nil; el = el.Next() {
		e, _ := el.Value.(*entry[V])
		if !c.expired(e) {
			keys = append(keys, e.key)
		}
	}
	return keys
}

// Must be called with mu held.
func (c *Cache[V]) expired(e *entry[V]) bool {
	return c.ttl > 0 && c.now().Sub(e.written) >= c.ttl
}

// Must be called with mu held.
func (c *Cache[V]) removeLocked(e *entry[V]) {
	c.order.Remove(e.element)
	delete(c.items, e.key)
}

// Must be called with mu held.
func (c *Cache[V]) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	e, _ := front.Value.(*entry[V])
	c.removeLocked(e)
}

func (c *Cache[V]) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.done:
			return
		}
	}
}

// removeExpired walks from the oldest write and stops at the first live entry.
func (c *Cache[V]) removeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		e, _ := el.Value.(*entry[V])
		if !c.expired(e) {
			break
		}
		c.removeLocked(e)
		removed++
		el = next
	}
	return removed
}

// Close stops the sweeper. It is safe to call multiple times.
func (c *Cache[V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
