package snapshot

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// maxCacheableEntryBytes excludes large blobs from the content cache;
// a single oversized read would otherwise evict everything else.
const maxCacheableEntryBytes = 10 * 1024 * 1024

// defaultContentCacheEntries bounds the cache by entry count. Unlike
// the scanner's hash cache, lazy content reads have no fixed eviction
// order to honor, so plain LRU fits.
const defaultContentCacheEntries = 256

// contentCache wraps a recency-based LRU keyed by content hash, with a
// byte budget on top of the entry-count bound.
type contentCache struct {
	cache      *lru.Cache[string, []byte]
	byteBudget int64
	used       int64
}

func newContentCache(entries int, byteBudget int64) (*contentCache, error) {
	if entries <= 0 {
		entries = defaultContentCacheEntries
	}
	c, err := lru.New[string, []byte](entries)
	if err != nil {
		return nil, err
	}
	return &contentCache{cache: c, byteBudget: byteBudget}, nil
}

func (c *contentCache) get(hash string) ([]byte, bool) {
	return c.cache.Get(hash)
}

func (c *contentCache) put(hash string, data []byte) {
	if len(data) > maxCacheableEntryBytes {
		return
	}
	if c.byteBudget > 0 && c.used+int64(len(data)) > c.byteBudget {
		c.cache.Purge()
		c.used = 0
	}
	c.cache.Add(hash, data)
	c.used += int64(len(data))
}
