package cache

import (
	"math"
	"sync"

	"github.com/cyverse/thumbcache/service/imaging"
	"github.com/hashicorp/golang-lru/simplelru"
	log "github.com/sirupsen/logrus"
)

type memoryCacheEntry struct {
	key    string
	bitmap *imaging.Bitmap
	cost   int64
}

// MemoryCache is an in-process LRU of decoded bitmaps bounded by total byte cost.
// It is the single source of truth for bitmap residency.
type MemoryCache struct {
	sizeCap   int64
	totalSize int64
	cache     *simplelru.LRU
	mutex     sync.Mutex
}

// NewMemoryCache creates a new MemoryCache
func NewMemoryCache(sizeCap int64) (*MemoryCache, error) {
	memoryCache := &MemoryCache{
		sizeCap:   sizeCap,
		totalSize: 0,
		cache:     nil,
	}

	// eviction is driven by byte cost, not by entry count
	lruCache, err := simplelru.NewLRU(math.MaxInt32, memoryCache.onEvicted)
	if err != nil {
		return nil, err
	}

	memoryCache.cache = lruCache
	return memoryCache, nil
}

// Release releases all cached bitmaps
func (cache *MemoryCache) Release() {
	cache.Clear()
}

// GetSizeCap returns the byte budget
func (cache *MemoryCache) GetSizeCap() int64 {
	return cache.sizeCap
}

// GetTotalSize returns the sum of costs of resident entries
func (cache *MemoryCache) GetTotalSize() int64 {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	return cache.totalSize
}

// GetTotalEntries returns the number of resident entries
func (cache *MemoryCache) GetTotalEntries() int {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	return cache.cache.Len()
}

// Get returns the bitmap for the key and marks it most recently used
func (cache *MemoryCache) Get(key string) (*imaging.Bitmap, bool) {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	if entry, ok := cache.cache.Get(key); ok {
		if cacheEntry, ok := entry.(*memoryCacheEntry); ok {
			return cacheEntry.bitmap, true
		}
	}

	return nil, false
}

// Put inserts or replaces the bitmap for the key, then evicts least recently used
// entries until the total cost fits the budget. An entry costlier than the whole
// budget is evicted right away.
func (cache *MemoryCache) Put(key string, bitmap *imaging.Bitmap, cost int64) {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "MemoryCache",
		"function": "Put",
	})

	if bitmap == nil {
		return
	}

	if cost < 0 {
		cost = 0
	}

	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	// replacing an entry does not fire the eviction callback
	if old, ok := cache.cache.Peek(key); ok {
		if oldEntry, ok := old.(*memoryCacheEntry); ok {
			cache.totalSize -= oldEntry.cost
		}
	}

	cache.cache.Add(key, &memoryCacheEntry{
		key:    key,
		bitmap: bitmap,
		cost:   cost,
	})
	cache.totalSize += cost

	for cache.totalSize > cache.sizeCap && cache.cache.Len() > 0 {
		evictedKey, _, ok := cache.cache.RemoveOldest()
		if !ok {
			break
		}
		logger.Debugf("evicted memory cache entry %v", evictedKey)
	}
}

// Remove drops the entry for the key
func (cache *MemoryCache) Remove(key string) {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	cache.cache.Remove(key)
}

// Clear drops all entries
func (cache *MemoryCache) Clear() {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	cache.cache.Purge()
	cache.totalSize = 0
}

// GetEntryKeys returns keys from the least to the most recently used
func (cache *MemoryCache) GetEntryKeys() []string {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	keys := []string{}
	for _, key := range cache.cache.Keys() {
		if strkey, ok := key.(string); ok {
			keys = append(keys, strkey)
		}
	}
	return keys
}

// onEvicted is called with the mutex held
func (cache *MemoryCache) onEvicted(key interface{}, entry interface{}) {
	if cacheEntry, ok := entry.(*memoryCacheEntry); ok {
		cache.totalSize -= cacheEntry.cost
	}
}
