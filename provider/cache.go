package provider

import (
	"container/list"
	"sync"
	"time"
)

// binCacheEntry represents a cached BIN lookup
type binCacheEntry struct {
	info        BinInfo
	bin         string
	createdAt   time.Time
	listElement *list.Element
}

// CacheStats represents cache performance metrics
type CacheStats struct {
	Size        int           `json:"size"`
	MaxSize     int           `json:"max_size"`
	Hits        int64         `json:"hits"`
	Misses      int64         `json:"misses"`
	Evictions   int64         `json:"evictions"`
	TTLExpiries int64         `json:"ttl_expiries"`
	HitRatio    float64       `json:"hit_ratio"`
	TTL         time.Duration `json:"ttl"`
}

// BinCache is an LRU cache with TTL for BIN lookups.
// Issuer data changes rarely, so one lookup per BIN per TTL is enough.
type BinCache struct {
	entries     map[string]*binCacheEntry
	accessOrder *list.List // most recent at front
	maxSize     int
	ttl         time.Duration
	now         func() time.Time
	mu          sync.Mutex

	hits        int64
	misses      int64
	evictions   int64
	ttlExpiries int64
}

// NewBinCache creates a BIN cache holding up to maxSize entries for ttl
func NewBinCache(maxSize int, ttl time.Duration) *BinCache {
	if maxSize <= 0 {
		maxSize = 1024
	}
	return &BinCache{
		entries:     make(map[string]*binCacheEntry),
		accessOrder: list.New(),
		maxSize:     maxSize,
		ttl:         ttl,
		now:         time.Now,
	}
}

// Get returns the cached lookup for bin
func (c *BinCache) Get(bin string) (BinInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[bin]
	if !exists {
		c.misses++
		return BinInfo{}, false
	}

	if c.ttl > 0 && c.now().Sub(entry.createdAt) > c.ttl {
		c.deleteEntryUnsafe(entry)
		c.ttlExpiries++
		c.misses++
		return BinInfo{}, false
	}

	c.accessOrder.MoveToFront(entry.listElement)
	c.hits++
	return entry.info, true
}

// Set stores a lookup result
func (c *BinCache) Set(bin string, info BinInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, exists := c.entries[bin]; exists {
		existing.info = info
		existing.createdAt = c.now()
		c.accessOrder.MoveToFront(existing.listElement)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictLRUUnsafe()
	}

	entry := &binCacheEntry{info: info, bin: bin, createdAt: c.now()}
	entry.listElement = c.accessOrder.PushFront(entry)
	c.entries[bin] = entry
}

// Size returns the current number of cached entries
func (c *BinCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns cache statistics
func (c *BinCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	ratio := 0.0
	if total > 0 {
		ratio = float64(c.hits) / float64(total)
	}

	return CacheStats{
		Size:        len(c.entries),
		MaxSize:     c.maxSize,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		TTLExpiries: c.ttlExpiries,
		HitRatio:    ratio,
		TTL:         c.ttl,
	}
}

// evictLRUUnsafe removes the least recently used entry (must be called with lock held)
func (c *BinCache) evictLRUUnsafe() {
	back := c.accessOrder.Back()
	if back == nil {
		return
	}
	c.deleteEntryUnsafe(back.Value.(*binCacheEntry))
	c.evictions++
}

// deleteEntryUnsafe removes an entry from both map and list (must be called with lock held)
func (c *BinCache) deleteEntryUnsafe(entry *binCacheEntry) {
	delete(c.entries, entry.bin)
	if entry.listElement != nil {
		c.accessOrder.Remove(entry.listElement)
	}
}
