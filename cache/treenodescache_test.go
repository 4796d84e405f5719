package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewTreeNodesCacheZeroSizeIsAbsent(t *testing.T) {
	assert.Nil(t, NewTreeNodesCache(0), "size 0 should yield a nil cache")
}

func TestTreeNodesCachePutGet(t *testing.T) {
	c := NewTreeNodesCache(10)
	c.Put(42, "node-42")
	v, ok := c.Get(42)
	assert.True(t, ok)
	assert.Equal(t, "node-42", v)

	_, ok = c.Get(99)
	assert.False(t, ok, "Get on missing address should report false")
	assert.Equal(t, 1, c.Len())
}

func TestTreeNodesCachePurge(t *testing.T) {
	c := NewTreeNodesCache(10)
	c.Put(1, "a")
	c.Put(2, "b")
	c.Purge()
	assert.Equal(t, 0, c.Len())
}

func TestTreeNodesCacheEvictsLRU(t *testing.T) {
	c := NewTreeNodesCache(2)
	c.Put(1, "a")
	c.Put(2, "b")
	c.Put(3, "c") // evicts 1, the least recently used

	_, ok := c.Get(1)
	assert.False(t, ok, "entry 1 should have been evicted")

	_, ok = c.Get(2)
	assert.True(t, ok, "entry 2 should still be present")
}
