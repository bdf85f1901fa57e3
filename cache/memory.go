// Package cache holds the memory and disk caches consulted by the pipeline's
// cache producers.
package cache

import (
	"container/list"
	"sync"

	"github.com/Skryldev/image-pipeline/core"
)

// Stats is a point-in-time view of a cache.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Count     int
	SizeBytes int64
}

type memoryEntry[K comparable, V any] struct {
	key  K
	ref  *core.Ref[V] // cache-owned handle
	size int64
}

// MemoryCache is a reference-counting LRU cache bounded by entry count and
// total size. Values are stored by handle: the cache owns one clone per entry
// and callers always receive their own clone.
type MemoryCache[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]*list.Element
	lru     *list.List // front = most recently used

	maxEntries int
	maxBytes   int64
	sizeOf     func(V) int
	size       int64

	hits, misses, evictions int64
}

// NewMemoryCache creates a cache. A limit <= 0 is unbounded. sizeOf may be nil,
// in which case every entry counts as one byte.
func NewMemoryCache[K comparable, V any](maxEntries int, maxBytes int64, sizeOf func(V) int) *MemoryCache[K, V] {
	if sizeOf == nil {
		sizeOf = func(V) int { return 1 }
	}
	return &MemoryCache[K, V]{
		entries:    make(map[K]*list.Element),
		lru:        list.New(),
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		sizeOf:     sizeOf,
	}
}

// Get returns a new handle to the cached value, or nil. The clone is taken
// under the cache lock so a concurrent eviction cannot release the value first.
func (c *MemoryCache[K, V]) Get(key K) *core.Ref[V] {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil
	}
	c.hits++
	c.lru.MoveToFront(el)
	return el.Value.(*memoryEntry[K, V]).ref.Clone()
}

// Cache stores a clone of ref under key, replacing and releasing any previous
// entry, and returns another clone for the caller to own. It returns nil when
// the value alone exceeds the size limit; nothing is cached then.
func (c *MemoryCache[K, V]) Cache(key K, ref *core.Ref[V]) *core.Ref[V] {
	size := int64(c.sizeOf(ref.Get()))
	if c.maxBytes > 0 && size > c.maxBytes {
		return nil
	}
	e := &memoryEntry[K, V]{key: key, ref: ref.Clone(), size: size}

	c.mu.Lock()
	var released []*core.Ref[V]
	if old, ok := c.entries[key]; ok {
		released = append(released, c.removeLocked(old))
	}
	c.entries[key] = c.lru.PushFront(e)
	c.size += size
	released = append(released, c.evictLocked()...)
	result := e.ref.Clone()
	c.mu.Unlock()

	for _, r := range released {
		_ = r.Close()
	}
	return result
}

func (c *MemoryCache[K, V]) removeLocked(el *list.Element) *core.Ref[V] {
	e := el.Value.(*memoryEntry[K, V])
	c.lru.Remove(el)
	delete(c.entries, e.key)
	c.size -= e.size
	return e.ref
}

func (c *MemoryCache[K, V]) evictLocked() []*core.Ref[V] {
	var out []*core.Ref[V]
	for c.lru.Len() > 1 && c.overLimitLocked() {
		out = append(out, c.removeLocked(c.lru.Back()))
		c.evictions++
	}
	return out
}

func (c *MemoryCache[K, V]) overLimitLocked() bool {
	return (c.maxEntries > 0 && c.lru.Len() > c.maxEntries) ||
		(c.maxBytes > 0 && c.size > c.maxBytes)
}

// Contains reports whether key is cached without touching its recency.
func (c *MemoryCache[K, V]) Contains(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// Remove drops key and reports whether it was present.
func (c *MemoryCache[K, V]) Remove(key K) bool {
	return c.RemoveAll(func(k K) bool { return k == key }) > 0
}

// RemoveAll drops every entry whose key matches and returns how many were removed.
func (c *MemoryCache[K, V]) RemoveAll(match func(K) bool) int {
	c.mu.Lock()
	var released []*core.Ref[V]
	for k, el := range c.entries {
		if match(k) {
			released = append(released, c.removeLocked(el))
		}
	}
	c.mu.Unlock()
	for _, r := range released {
		_ = r.Close()
	}
	return len(released)
}

// Clear drops every entry.
func (c *MemoryCache[K, V]) Clear() {
	c.RemoveAll(func(K) bool { return true })
}

// Stats returns hit, miss and eviction counters plus current occupancy.
func (c *MemoryCache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Count:     c.lru.Len(),
		SizeBytes: c.size,
	}
}
