package cache

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// TreeNodesCache caches decoded B-tree nodes keyed by their log address. The
// environment holds it through an ordinary pointer and replaces it wholesale
// on a configuration change, so there is no incremental resize path; nothing
// releases it under memory pressure.
type TreeNodesCache struct {
	inner *lru.Cache[uint64, any]
}

// NewTreeNodesCache returns a cache capped at size entries, or nil if size
// is zero or negative.
func NewTreeNodesCache(size int) *TreeNodesCache {
	if size <= 0 {
		return nil
	}
	inner, err := lru.New[uint64, any](size)
	if err != nil {
		// Only returned by golang-lru for a non-positive size, already
		// excluded above.
		return nil
	}
	return &TreeNodesCache{inner: inner}
}

// Get returns the decoded node cached at addr, if any.
func (c *TreeNodesCache) Get(addr uint64) (any, bool) {
	if c == nil {
		return nil, false
	}
	return c.inner.Get(addr)
}

// Put caches node under addr.
func (c *TreeNodesCache) Put(addr uint64, node any) {
	if c == nil {
		return
	}
	c.inner.Add(addr, node)
}

// Len reports the number of cached nodes.
func (c *TreeNodesCache) Len() int {
	if c == nil {
		return 0
	}
	return c.inner.Len()
}

// Purge drops every cached node, used when the log is cleared.
func (c *TreeNodesCache) Purge() {
	if c == nil {
		return
	}
	c.inner.Purge()
}
