package utils

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

const (
	// CacheKeyLengthMax is the maximum length of a cache key
	CacheKeyLengthMax int = 64

	cacheKeyHashLength int = 16
	// sanitized prefix + "_" + hash suffix
	cacheKeyPrefixLengthMax int = CacheKeyLengthMax - cacheKeyHashLength - 1
)

// DeriveCacheKey turns a source identifier into a short, filesystem-safe cache key.
// The key only contains [a-z0-9_] and is at most CacheKeyLengthMax characters long.
// It never fails; unrecognized characters are replaced with '_'.
//
// The readable prefix is the sanitized identifier, keeping its tail when it is too
// long since file names carry more entropy than their directories. The suffix is
// the xxhash64 of the raw identifier, so identifiers that sanitize to the same text
// still map to different keys.
func DeriveCacheKey(sourceID string) string {
	sanitized := SanitizeCacheKey(sourceID)
	if len(sanitized) > cacheKeyPrefixLengthMax {
		sanitized = sanitized[len(sanitized)-cacheKeyPrefixLengthMax:]
	}

	return fmt.Sprintf("%s_%016x", sanitized, xxhash.Sum64String(sourceID))
}

// SanitizeCacheKey lower-cases the given string and replaces every character outside [a-z0-9_] with '_'
func SanitizeCacheKey(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))

	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z':
			sb.WriteRune(r)
		case r >= '0' && r <= '9':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}

	return sb.String()
}

// IsValidCacheKey checks if the given key could have been produced by DeriveCacheKey
func IsValidCacheKey(key string) bool {
	if len(key) == 0 || len(key) > CacheKeyLengthMax {
		return false
	}

	return SanitizeCacheKey(key) == key
}
