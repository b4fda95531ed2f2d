package render

import (
	"container/list"
	"sync"
	"time"
)

// cacheEntry is one live cache record; element order in the LRU list is
// most-recently-used first.
type cacheEntry[V any] struct {
	key       string
	value     V
	sizeBytes int64
	expiresAt time.Time
}

// Cache is an in-memory LRU with three independent eviction pressures:
// entry count, total byte budget, and per-entry TTL. It is safe for
// concurrent use; all mutation happens under one mutex so readers never
// observe a half-evicted state.
type Cache[V any] struct {
	mu         sync.Mutex
	maxEntries int
	maxBytes   int64
	ttl        time.Duration
	totalBytes int64
	order      *list.List // front = most recently used
	entries    map[string]*list.Element
	now        func() time.Time
}

// NewCache creates a cache bounded by maxEntries entries and maxBytes total
// bytes, with every entry expiring ttl after insertion.
func NewCache[V any](maxEntries int, maxBytes int64, ttl time.Duration) *Cache[V] {
	return &Cache[V]{
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		ttl:        ttl,
		order:      list.New(),
		entries:    make(map[string]*list.Element),
		now:        time.Now,
	}
}

// Get returns the value for key if present and unexpired, promoting it to
// most-recently-used. Expired entries are deleted lazily.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	elem, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	entry := elem.Value.(*cacheEntry[V])
	if c.now().After(entry.expiresAt) {
		c.removeElement(elem)
		return zero, false
	}
	c.order.MoveToFront(elem)
	return entry.value, true
}

// Set stores value under key, evicting least-recently-used entries until
// both the entry count and byte budget hold. An entry whose own size
// exceeds the byte budget is silently rejected: it must not be allowed to
// evict everything and then still not fit.
func (c *Cache[V]) Set(key string, value V, sizeBytes int64) {
	if c.maxBytes > 0 && sizeBytes > c.maxBytes {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Remove any previous entry first so byte accounting stays paired.
	if elem, ok := c.entries[key]; ok {
		c.removeElement(elem)
	}

	for c.order.Len() > 0 &&
		((c.maxEntries > 0 && c.order.Len() >= c.maxEntries) ||
			(c.maxBytes > 0 && c.totalBytes+sizeBytes > c.maxBytes)) {
		c.removeElement(c.order.Back())
	}

	entry := &cacheEntry[V]{
		key:       key,
		value:     value,
		sizeBytes: sizeBytes,
		expiresAt: c.now().Add(c.ttl),
	}
	c.entries[key] = c.order.PushFront(entry)
	c.totalBytes += sizeBytes
}

// Delete removes one entry and reports whether anything was removed.
func (c *Cache[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return false
	}
	c.removeElement(elem)
	return true
}

// Len returns the number of live entries.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// TotalBytes returns the summed size of all live entries.
func (c *Cache[V]) TotalBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalBytes
}

// removeElement unlinks an entry and decrements the byte counter.
// Caller holds c.mu.
func (c *Cache[V]) removeElement(elem *list.Element) {
	entry := elem.Value.(*cacheEntry[V])
	c.order.Remove(elem)
	delete(c.entries, entry.key)
	c.totalBytes -= entry.sizeBytes
}
