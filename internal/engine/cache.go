package engine

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// cachedValue is one cache entry. Misses are cached too (present=false), so
// repeated lookups of an absent key skip the backing store.
type cachedValue struct {
	data    []byte
	present bool
}

// keyCache is a bounded per-connection LRU from key to value or metadata
// blob. A nil keyCache (limit <= 0) disables caching; all methods are
// nil-receiver safe.
//
// Caches never cross connections. Foreign changesets only ever remove
// entries; values are never written into a sibling's cache.
type keyCache struct {
	lru *lru.Cache[string, cachedValue]
}

func newKeyCache(limit int) *keyCache {
	if limit <= 0 {
		return nil
	}
	// lru.New only fails for a non-positive size, which is excluded above.
	c, err := lru.New[string, cachedValue](limit)
	if err != nil {
		panic(err)
	}
	return &keyCache{lru: c}
}

func (c *keyCache) get(key string) (cachedValue, bool) {
	if c == nil {
		return cachedValue{}, false
	}
	return c.lru.Get(key)
}

func (c *keyCache) put(key string, value cachedValue) {
	if c == nil {
		return
	}
	c.lru.Add(key, value)
}

func (c *keyCache) remove(key string) {
	if c == nil {
		return
	}
	c.lru.Remove(key)
}

func (c *keyCache) purge() {
	if c == nil {
		return
	}
	c.lru.Purge()
}

func (c *keyCache) len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}
