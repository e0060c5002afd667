// Package cache holds the in-memory read paths of the engine: the symbol
// filter snapshot, the strategy index, the shared LRU utility and the
// redis-backed position guard.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// LRU is a size-bounded, TTL-aware cache. Eviction happens on insert when the
// size bound is exceeded and in Sweep for entries past their TTL. All methods
// are safe for concurrent use.
type LRU struct {
	mu       sync.Mutex
	maxSize  int
	ttl      time.Duration
	order    *list.List
	elements map[string]*list.Element

	hits   int64
	misses int64
}

type lruEntry struct {
	key       string
	value     interface{}
	updatedAt time.Time
}

// NewLRU creates an LRU bounded to maxSize entries with the given TTL.
func NewLRU(maxSize int, ttl time.Duration) *LRU {
	return &LRU{
		maxSize:  maxSize,
		ttl:      ttl,
		order:    list.New(),
		elements: make(map[string]*list.Element),
	}
}

// Get returns the value for key if present and fresh.
func (c *LRU) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.elements[key]
	if !ok {
		c.misses++
		return nil, false
	}
	entry := el.Value.(*lruEntry)
	if c.ttl > 0 && time.Since(entry.updatedAt) > c.ttl {
		c.removeLocked(el)
		c.misses++
		return nil, false
	}
	c.order.MoveToFront(el)
	c.hits++
	return entry.value, true
}

// Set inserts or replaces the value for key.
func (c *LRU) Set(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.elements[key]; ok {
		entry := el.Value.(*lruEntry)
		entry.value = value
		entry.updatedAt = time.Now()
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&lruEntry{key: key, value: value, updatedAt: time.Now()})
	c.elements[key] = el

	for c.order.Len() > c.maxSize {
		c.removeLocked(c.order.Back())
	}
}

// Delete removes key if present.
func (c *LRU) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.elements[key]; ok {
		c.removeLocked(el)
	}
}

// Sweep evicts all entries past their TTL and returns the evicted count.
func (c *LRU) Sweep() int {
	if c.ttl <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if time.Since(el.Value.(*lruEntry).updatedAt) > c.ttl {
			c.removeLocked(el)
			evicted++
		}
		el = prev
	}
	return evicted
}

// Len returns the current entry count.
func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// GetStats returns hit/miss counters and the current size.
func (c *LRU) GetStats() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]interface{}{
		"size":   c.order.Len(),
		"hits":   c.hits,
		"misses": c.misses,
	}
}

func (c *LRU) removeLocked(el *list.Element) {
	entry := el.Value.(*lruEntry)
	delete(c.elements, entry.key)
	c.order.Remove(el)
}
