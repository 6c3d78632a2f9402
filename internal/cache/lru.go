// Package cache memoizes search results in redis or, without redis, in a
// process-local LRU.
package cache

import (
	"container/list"
	"sync"
	"time"
)

const defaultLRUCapacity = 256

// LRU is a bounded, expiring, least-recently-used map.
type LRU[V any] struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	entries  map[string]*list.Element
}

type lruEntry[V any] struct {
	key     string
	value   V
	expires time.Time
}

// NewLRU creates an LRU holding at most capacity entries.
func NewLRU[V any](capacity int) *LRU[V] {
	if capacity <= 0 {
		capacity = defaultLRUCapacity
	}
	return &LRU[V]{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element, capacity),
	}
}

// Get returns the value for key unless it is missing or expired at now.
func (c *LRU[V]) Get(key string, now time.Time) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	elem, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	entry := elem.Value.(*lruEntry[V])
	if !entry.expires.IsZero() && !now.Before(entry.expires) {
		c.order.Remove(elem)
		delete(c.entries, key)
		return zero, false
	}
	c.order.MoveToFront(elem)
	return entry.value, true
}

// Put stores value until expires. A zero expiry never expires.
func (c *LRU[V]) Put(key string, value V, expires time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*lruEntry[V])
		entry.value = value
		entry.expires = expires
		c.order.MoveToFront(elem)
		return
	}

	c.entries[key] = c.order.PushFront(&lruEntry[V]{key: key, value: value, expires: expires})
	for c.order.Len() > c.capacity {
		last := c.order.Back()
		if last == nil {
			break
		}
		c.order.Remove(last)
		delete(c.entries, last.Value.(*lruEntry[V]).key)
	}
}

// Len returns the number of entries, expired ones included.
func (c *LRU[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Purge drops every entry.
func (c *LRU[V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.entries = make(map[string]*list.Element, c.capacity)
}
