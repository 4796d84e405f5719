// Package cache holds the two caches the environment coordinator rebuilds
// wholesale on configuration change: a sharded store-level value cache and a
// log-address-keyed B-tree node cache.
package cache

import (
	"container/list"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// StoreGetCache caches decoded values keyed by (structureId, keyBytes). It is
// sharded by xxhash of the key to spread lock contention, and each shard
// evicts least-recently-used entries once the shard's share of the overall
// size cap is exceeded.
type StoreGetCache struct {
	shards    []*storeGetShard
	shardMask uint64
}

type storeGetEntry struct {
	structureID int64
	key         string
	value       []byte
}

type storeGetShard struct {
	mu       sync.Mutex
	capacity int
	items    map[cacheKey]*list.Element
	order    *list.List // front = most recently used
	hits     uint64
	misses   uint64
}

type cacheKey struct {
	structureID int64
	key         string
}

const storeGetShardCount = 16

// NewStoreGetCache returns a cache whose shards each hold size divided by
// the shard count entries (at least one per shard, so a size below the
// shard count still allows one entry per shard), or nil if size is zero
// (per the "absent when size is zero" rule).
func NewStoreGetCache(size int) *StoreGetCache {
	if size <= 0 {
		return nil
	}
	perShard := size / storeGetShardCount
	if perShard < 1 {
		perShard = 1
	}
	c := &StoreGetCache{
		shards:    make([]*storeGetShard, storeGetShardCount),
		shardMask: storeGetShardCount - 1,
	}
	for i := range c.shards {
		c.shards[i] = &storeGetShard{
			capacity: perShard,
			items:    make(map[cacheKey]*list.Element),
			order:    list.New(),
		}
	}
	return c
}

func (c *StoreGetCache) shardFor(structureID int64, key []byte) *storeGetShard {
	h := xxhash.Sum64(key) ^ uint64(structureID)
	return c.shards[h&c.shardMask]
}

// Get returns the cached value for (structureID, key), if present.
func (c *StoreGetCache) Get(structureID int64, key []byte) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	shard := c.shardFor(structureID, key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	ck := cacheKey{structureID, string(key)}
	el, ok := shard.items[ck]
	if !ok {
		shard.misses++
		return nil, false
	}
	shard.hits++
	shard.order.MoveToFront(el)
	return el.Value.(*storeGetEntry).value, true
}

// Put inserts or refreshes the cached value for (structureID, key).
func (c *StoreGetCache) Put(structureID int64, key, value []byte) {
	if c == nil {
		return
	}
	shard := c.shardFor(structureID, key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	ck := cacheKey{structureID, string(key)}
	if el, ok := shard.items[ck]; ok {
		el.Value.(*storeGetEntry).value = value
		shard.order.MoveToFront(el)
		return
	}
	entry := &storeGetEntry{structureID: structureID, key: string(key), value: value}
	el := shard.order.PushFront(entry)
	shard.items[ck] = el
	if shard.order.Len() > shard.capacity {
		oldest := shard.order.Back()
		if oldest != nil {
			shard.order.Remove(oldest)
			delete(shard.items, cacheKey{oldest.Value.(*storeGetEntry).structureID, oldest.Value.(*storeGetEntry).key})
		}
	}
}

// InvalidateStructure drops every cached entry for structureID; used by
// truncateStore and by a commit for every structure it mutated, so stale
// values never leak across a structure-id reassignment or a new version.
func (c *StoreGetCache) InvalidateStructure(structureID int64) {
	if c == nil {
		return
	}
	for _, shard := range c.shards {
		shard.mu.Lock()
		for ck, el := range shard.items {
			if ck.structureID == structureID {
				shard.order.Remove(el)
				delete(shard.items, ck)
			}
		}
		shard.mu.Unlock()
	}
}

// Purge drops every cached entry in every shard, used when the log is
// cleared so a reused structureId can never serve a value cached under its
// prior, now-unrelated incarnation.
func (c *StoreGetCache) Purge() {
	if c == nil {
		return
	}
	for _, shard := range c.shards {
		shard.mu.Lock()
		shard.items = make(map[cacheKey]*list.Element)
		shard.order.Init()
		shard.mu.Unlock()
	}
}

// HitRate returns the fraction of Get calls that were hits since the cache
// was created, or zero with no Gets yet.
func (c *StoreGetCache) HitRate() float64 {
	if c == nil {
		return 0
	}
	var hits, total uint64
	for _, shard := range c.shards {
		shard.mu.Lock()
		hits += shard.hits
		total += shard.hits + shard.misses
		shard.mu.Unlock()
	}
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
