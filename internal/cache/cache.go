// Package cache provides the engine's bounded lookup cache: an LRU of
// decoded values with an optional write-back buffer for unflushed writes.
package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Entry is the cached, already-decoded value paired with its expiry.
type Entry struct {
	Value     string
	ExpiresAt time.Time
	HasExpiry bool
}

// Expired reports whether the entry's TTL has passed as of now.
func (e Entry) Expired(now time.Time) bool {
	return e.HasExpiry && !now.Before(e.ExpiresAt)
}

// Cache is a bounded-capacity LRU keyed by key string, with an optional
// unbounded write-back buffer for writes not yet flushed to the log. A nil
// *Cache behaves as "no cache" everywhere the engine calls it, which is how
// capacity-zero/absent caching is represented.
type Cache struct {
	mu        sync.Mutex
	lru       *lru.Cache[string, Entry]
	writeBack bool
	buffer    map[string]Entry
}

// New builds a cache with the given capacity. Capacity must be positive;
// the engine is responsible for treating an absent/zero capacity as "no
// cache" and never constructing one in that case.
func New(capacity int, writeBack bool) (*Cache, error) {
	inner, err := lru.New[string, Entry](capacity)
	if err != nil {
		return nil, err
	}
	c := &Cache{lru: inner, writeBack: writeBack}
	if writeBack {
		c.buffer = make(map[string]Entry)
	}
	return c, nil
}

// WriteBack reports whether this cache buffers writes until an explicit
// flush.
func (c *Cache) WriteBack() bool {
	return c != nil && c.writeBack
}

// Get returns the cached entry for key, checking the write-back buffer
// first when write-back mode is enabled.
func (c *Cache) Get(key string) (Entry, bool) {
	if c == nil {
		return Entry{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeBack {
		if e, ok := c.buffer[key]; ok {
			return e, true
		}
	}
	return c.lru.Get(key)
}

// Put inserts or updates the cached entry for key. In write-back mode it is
// also written into the buffer.
func (c *Cache) Put(key string, entry Entry) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeBack {
		c.buffer[key] = entry
	}
	c.lru.Add(key, entry)
}

// Remove evicts key from both the LRU and (if present) the write buffer.
func (c *Cache) Remove(key string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeBack {
		delete(c.buffer, key)
	}
	c.lru.Remove(key)
}

// DrainWriteBuffer empties and returns the write-back buffer's contents.
// It is a no-op returning nil for a cache not in write-back mode.
func (c *Cache) DrainWriteBuffer() map[string]Entry {
	if c == nil || !c.writeBack {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	drained := c.buffer
	c.buffer = make(map[string]Entry)
	return drained
}
