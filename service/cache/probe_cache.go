package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// ProbeCache remembers negative lookups for a while: sources that carry no usable
// embedded thumbnail, and cache keys whose decode recently failed
type ProbeCache struct {
	probeTimeout   time.Duration
	failureTimeout time.Duration
	noThumbnail    *gocache.Cache
	failures       *gocache.Cache
}

// NewProbeCache creates a new ProbeCache. A zero failureTimeout disables the failure memo.
func NewProbeCache(probeTimeout time.Duration, failureTimeout time.Duration) *ProbeCache {
	var failures *gocache.Cache
	if failureTimeout > 0 {
		failures = gocache.New(failureTimeout, failureTimeout*2)
	}

	return &ProbeCache{
		probeTimeout:   probeTimeout,
		failureTimeout: failureTimeout,
		noThumbnail:    gocache.New(probeTimeout, probeTimeout*2),
		failures:       failures,
	}
}

// AddNoEmbeddedThumbnail records that the source has no usable embedded thumbnail
func (cache *ProbeCache) AddNoEmbeddedThumbnail(sourceID string) {
	if cache.probeTimeout <= 0 {
		return
	}
	cache.noThumbnail.Set(sourceID, true, 0)
}

// HasNoEmbeddedThumbnail checks if the source is known to have no usable embedded thumbnail
func (cache *ProbeCache) HasNoEmbeddedThumbnail(sourceID string) bool {
	_, exist := cache.noThumbnail.Get(sourceID)
	return exist
}

// AddFailure records a failed decode for the key
func (cache *ProbeCache) AddFailure(key string, err error) {
	if cache.failures == nil || err == nil {
		return
	}
	cache.failures.Set(key, err, 0)
}

// GetFailure returns the recent failure for the key
func (cache *ProbeCache) GetFailure(key string) error {
	if cache.failures == nil {
		return nil
	}

	data, exist := cache.failures.Get(key)
	if exist {
		if err, ok := data.(error); ok {
			return err
		}
	}
	return nil
}

// RemoveFailure forgets the failure for the key
func (cache *ProbeCache) RemoveFailure(key string) {
	if cache.failures == nil {
		return
	}
	cache.failures.Delete(key)
}

// Clear forgets everything
func (cache *ProbeCache) Clear() {
	cache.noThumbnail.Flush()
	if cache.failures != nil {
		cache.failures.Flush()
	}
}
