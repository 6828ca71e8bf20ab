package client

import (
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// ThumbnailCache keeps thumbnails fetched from the service for a short while
type ThumbnailCache struct {
	cacheTimeout   time.Duration
	cleanupTimeout time.Duration
	thumbnailCache *gocache.Cache
}

// NewThumbnailCache creates a new ThumbnailCache
func NewThumbnailCache(cacheTimeout time.Duration, cleanup time.Duration) *ThumbnailCache {
	thumbnailCache := gocache.New(cacheTimeout, cleanup)

	return &ThumbnailCache{
		cacheTimeout:   cacheTimeout,
		cleanupTimeout: cleanup,
		thumbnailCache: thumbnailCache,
	}
}

func makeThumbnailCacheKey(sourceID string, width int, height int) string {
	return fmt.Sprintf("%s@%dx%d", sourceID, width, height)
}

// AddThumbnailCache adds a thumbnail cache
func (cache *ThumbnailCache) AddThumbnailCache(thumbnail *Thumbnail) {
	cache.thumbnailCache.Set(makeThumbnailCacheKey(thumbnail.SourceID, thumbnail.Width, thumbnail.Height), thumbnail, 0)
}

// RemoveThumbnailCache removes a thumbnail cache
func (cache *ThumbnailCache) RemoveThumbnailCache(sourceID string, width int, height int) {
	cache.thumbnailCache.Delete(makeThumbnailCacheKey(sourceID, width, height))
}

// GetThumbnailCache retrieves a thumbnail cache
func (cache *ThumbnailCache) GetThumbnailCache(sourceID string, width int, height int) *Thumbnail {
	data, exist := cache.thumbnailCache.Get(makeThumbnailCacheKey(sourceID, width, height))
	if exist {
		if thumbnail, ok := data.(*Thumbnail); ok {
			return thumbnail
		}
	}
	return nil
}

// ClearThumbnailCache clears all thumbnail caches
func (cache *ThumbnailCache) ClearThumbnailCache() {
	cache.thumbnailCache.Flush()
}
