package geofence

import "sync"

// AccessCache remembers the geofence answer per token so nearby lookups skip
// the resolver. Entries live until the cache is cleared.
type AccessCache struct {
	mu       sync.RWMutex
	entries  map[Token]bool
	hits     int64
	misses   int64
	invalids int64
}

// NewAccessCache creates an empty cache.
func NewAccessCache() *AccessCache {
	return &AccessCache{entries: make(map[Token]bool)}
}

// Get returns the cached answer for token.
func (c *AccessCache) Get(token Token) (allowed bool, ok bool) {
	if c == nil || token == "" {
		return false, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	allowed, ok = c.entries[token]
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return allowed, ok
}

func (c *AccessCache) Put(token Token, allowed bool) {
	if c == nil || token == "" {
		return
	}
	c.mu.Lock()
	c.entries[token] = allowed
	c.mu.Unlock()
}

// Clear drops every entry.
func (c *AccessCache) Clear() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.entries = make(map[Token]bool)
	c.invalids++
	c.mu.Unlock()
}

func (c *AccessCache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *AccessCache) Stats() (hits, misses, invalids int64) {
	if c == nil {
		return 0, 0, 0
	}
	c.mu.RLock()
	hits, misses, invalids = c.hits, c.misses, c.invalids
	c.mu.RUnlock()
	return
}
