package scanner

import (
	"fmt"
	"sync"
	"time"
)

// defaultCacheCapacity bounds the hash cache's entry count; on
// overflow the oldest ~10% of entries are evicted.
const defaultCacheCapacity = 50000

type hashCacheKey struct {
	path     string
	modified time.Time
	size     int64
}

func (k hashCacheKey) String() string {
	return fmt.Sprintf("%s|%d|%d", k.path, k.modified.UnixNano(), k.size)
}

// hashCache is a FIFO-eviction cache keyed by (path, modified_time,
// size). hashicorp/golang-lru implements recency-based LRU eviction,
// not FIFO batch eviction, so it cannot satisfy this invariant; this
// small insertion-ordered cache is hand-rolled instead.
type hashCache struct {
	mu       sync.Mutex
	capacity int
	values   map[string]string
	order    []string // insertion order, oldest first
}

func newHashCache(capacity int) *hashCache {
	if capacity <= 0 {
		capacity = defaultCacheCapacity
	}
	return &hashCache{
		capacity: capacity,
		values:   make(map[string]string),
	}
}

func (c *hashCache) get(key hashCacheKey) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	hash, ok := c.values[key.String()]
	return hash, ok
}

func (c *hashCache) put(key hashCacheKey, hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key.String()
	if _, exists := c.values[k]; exists {
		c.values[k] = hash
		return
	}

	c.values[k] = hash
	c.order = append(c.order, k)

	if len(c.order) > c.capacity {
		evictCount := c.capacity / 10
		if evictCount < 1 {
			evictCount = 1
		}
		for i := 0; i < evictCount && len(c.order) > 0; i++ {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.values, oldest)
		}
	}
}

func (c *hashCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.values)
}
