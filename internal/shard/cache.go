package shard

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// DefaultCacheSize is the default number of parsed shards kept in memory.
const DefaultCacheSize = 256

// cacheKey ties a parsed shard to the summary generation it was read
// under. Any index update bumps the summary's last_updated, so stale
// entries are never hit again and age out of the LRU.
type cacheKey struct {
	layout     Layout
	path       string
	generation int64
}

// shardCache keeps parsed shards. Values are shared between callers and
// must be treated as read-only.
type shardCache struct {
	lru    *lru.Cache[cacheKey, any]
	group  singleflight.Group
	hits   atomic.Int64
	misses atomic.Int64
}

func newShardCache(size int) *shardCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, _ := lru.New[cacheKey, any](size)
	return &shardCache{lru: c}
}

// CacheStats reports shard cache effectiveness.
type CacheStats struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

func (c *shardCache) stats() CacheStats {
	return CacheStats{Entries: c.lru.Len(), Hits: c.hits.Load(), Misses: c.misses.Load()}
}

func (c *shardCache) purge() {
	c.lru.Purge()
}
