// Package codecache holds compiled script artifacts, bounded and evicted
// least-recently-used. Entries are keyed by script name; both Get and Put
// count as use.
package codecache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCapacity is used when the source configuration does not set a
// cache size.
const DefaultCapacity = 128

// Entry is one cached compiled artifact together with its invalidation
// marker. Exactly one of Signature (inline code, content hash) or ModDate
// (store document, server modification timestamp) is set, depending on
// where the script came from.
type Entry struct {
	Signature string
	ModDate   string
	Artifact  any
}

// Cache is a bounded, concurrency-safe LRU of compiled artifacts. The
// zero value is not usable; construct with New.
type Cache struct {
	mu       sync.Mutex
	lru      *lru.Cache[string, Entry]
	capacity int
}

// New creates a cache with the given capacity. Capacities below one are
// clamped to one.
func New(capacity int) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	// lru.New only errors on non-positive size, which is clamped above.
	c, _ := lru.New[string, Entry](capacity)
	return &Cache{lru: c, capacity: capacity}
}

// Get returns the entry for key, promoting it to most-recently-used.
func (c *Cache) Get(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Get(key)
}

// Put inserts or overwrites the entry for key and promotes it. If the
// cache is over capacity the least-recently-used entry is evicted.
func (c *Cache) Put(key string, e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(key, e)
}

// Remove evicts the entry for key; removing an absent key is a no-op.
func (c *Cache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(key)
}

// SetCapacity changes the bound, evicting least-recently-used entries
// until the size fits.
func (c *Cache) SetCapacity(capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capacity = capacity
	c.lru.Resize(capacity)
}

// Len returns the current number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Capacity returns the current bound.
func (c *Cache) Capacity() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacity
}
