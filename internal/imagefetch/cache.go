package imagefetch

import (
	"sync"

	"github.com/golang/groupcache/lru"
)

// DefaultCacheEntries bounds the cache when no size is configured.
const DefaultCacheEntries = 128

// Cache is a bounded LRU of normalized images keyed by source URL. It is safe
// for concurrent use.
type Cache struct {
	mu  sync.Mutex
	lru *lru.Cache
}

// NewCache returns a cache holding at most maxEntries images.
func NewCache(maxEntries int) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultCacheEntries
	}
	return &Cache{lru: lru.New(maxEntries)}
}

// Get returns the cached result for key.
func (c *Cache) Get(key string) (Result, bool) {
	if c == nil {
		return Result{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	value, ok := c.lru.Get(key)
	if !ok {
		return Result{}, false
	}
	res, ok := value.(Result)
	return res, ok
}

// Add stores res under key, evicting the least recently used entry when full.
func (c *Cache) Add(key string, res Result) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(key, res)
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
