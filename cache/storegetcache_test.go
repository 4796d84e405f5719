package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewStoreGetCacheZeroSizeIsAbsent(t *testing.T) {
	assert.Nil(t, NewStoreGetCache(0), "size 0 should yield a nil cache")
}

func TestStoreGetCachePutGet(t *testing.T) {
	c := NewStoreGetCache(100)
	c.Put(257, []byte("k1"), []byte("v1"))
	v, ok := c.Get(257, []byte("k1"))
	assert.True(t, ok)
	assert.Equal(t, "v1", string(v))

	_, ok = c.Get(257, []byte("missing"))
	assert.False(t, ok, "Get on missing key should report false")

	// Different structureID, same key bytes, must not collide.
	_, ok = c.Get(513, []byte("k1"))
	assert.False(t, ok, "cache entries must be scoped per structureID")
}

func TestStoreGetCacheInvalidateStructure(t *testing.T) {
	c := NewStoreGetCache(100)
	c.Put(257, []byte("k1"), []byte("v1"))
	c.Put(513, []byte("k1"), []byte("v2"))
	c.InvalidateStructure(257)

	_, ok := c.Get(257, []byte("k1"))
	assert.False(t, ok, "entry for invalidated structure should be gone")

	_, ok = c.Get(513, []byte("k1"))
	assert.True(t, ok, "entry for untouched structure should remain")
}

func TestStoreGetCacheHitRate(t *testing.T) {
	c := NewStoreGetCache(100)
	c.Put(1, []byte("a"), []byte("1"))
	c.Get(1, []byte("a"))
	c.Get(1, []byte("missing"))
	assert.Equal(t, 0.5, c.HitRate())
}

func TestStoreGetCachePurge(t *testing.T) {
	c := NewStoreGetCache(100)
	c.Put(257, []byte("k1"), []byte("v1"))
	c.Put(513, []byte("k1"), []byte("v2"))
	c.Purge()

	_, ok := c.Get(257, []byte("k1"))
	assert.False(t, ok, "entry should be gone after Purge")
	_, ok = c.Get(513, []byte("k1"))
	assert.False(t, ok, "entry should be gone after Purge")
}

func TestStoreGetCacheEviction(t *testing.T) {
	// Size 1 gives every shard a capacity of 1 (size < storeGetShardCount
	// rounds up to 1 each), so the key's shard is already full.
	c := NewStoreGetCache(1)
	c.Put(1, []byte("a"), []byte("1"))
	// Overwriting an existing key must not evict anything else.
	c.Put(1, []byte("a"), []byte("2"))
	v, ok := c.Get(1, []byte("a"))
	assert.True(t, ok)
	assert.Equal(t, "2", string(v))
}
