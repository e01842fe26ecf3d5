package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyCacheDisabled(t *testing.T) {
	c := newKeyCache(0)
	assert.Nil(t, c)

	// A nil cache is inert, not a crash.
	c.put("k", cachedValue{data: []byte("v"), present: true})
	_, ok := c.get("k")
	assert.False(t, ok)
	c.remove("k")
	c.purge()
	assert.Zero(t, c.len())
}

func TestKeyCacheCachesMisses(t *testing.T) {
	c := newKeyCache(10)

	c.put("absent", cachedValue{present: false})
	v, ok := c.get("absent")
	assert.True(t, ok, "a cached miss is still a cache hit")
	assert.False(t, v.present)
}

func TestKeyCacheEvicts(t *testing.T) {
	c := newKeyCache(2)

	c.put("a", cachedValue{data: []byte("1"), present: true})
	c.put("b", cachedValue{data: []byte("2"), present: true})
	c.put("c", cachedValue{data: []byte("3"), present: true})

	assert.Equal(t, 2, c.len())
	_, ok := c.get("a")
	assert.False(t, ok, "least recently used entry is evicted")
}
