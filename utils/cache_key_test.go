package utils

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveCacheKeyDeterministic(t *testing.T) {
	sources := []string{
		"",
		"/storage/emulated/0/DCIM/Camera/IMG_0001.jpg",
		"content://media/external/images/media/42",
		"日本語のファイル名.png",
		strings.Repeat("very/long/path/segment/", 20) + "photo.jpg",
	}

	for _, source := range sources {
		key := DeriveCacheKey(source)
		assert.Equal(t, key, DeriveCacheKey(source))
		assert.True(t, IsValidCacheKey(key), "invalid key %q for %q", key, source)
		assert.LessOrEqual(t, len(key), CacheKeyLengthMax)
	}
}

func TestDeriveCacheKeyDistinct(t *testing.T) {
	corpus := []string{
		"/photos/a.jpg",
		"/photos/a_jpg",
		"/photos/A.jpg",
		"/photos/b.jpg",
		"/photos/a.jpg@100x100",
		"/photos/a.jpg@200x200",
	}

	// long identifiers that only differ far from the end of the sanitized text
	for i := 0; i < 50; i++ {
		corpus = append(corpus, fmt.Sprintf("/album-%03d/%s/cover.jpg", i, strings.Repeat("x", 80)))
	}

	seen := map[string]string{}
	for _, source := range corpus {
		key := DeriveCacheKey(source)
		if other, ok := seen[key]; ok {
			t.Fatalf("key collision %q between %q and %q", key, other, source)
		}
		seen[key] = source
	}
}

func TestSanitizeCacheKey(t *testing.T) {
	assert.Equal(t, "img_0001_jpg", SanitizeCacheKey("IMG_0001.JPG"))
	assert.Equal(t, "_photos_a_b", SanitizeCacheKey("/photos/a-b"))
	assert.Equal(t, "", SanitizeCacheKey(""))
}

func TestIsSafeRelativePath(t *testing.T) {
	assert.True(t, IsSafeRelativePath("a.jpg"))
	assert.True(t, IsSafeRelativePath("album/a.jpg"))
	assert.True(t, IsSafeRelativePath("album/../a.jpg"))
	assert.False(t, IsSafeRelativePath(""))
	assert.False(t, IsSafeRelativePath("../a.jpg"))
	assert.False(t, IsSafeRelativePath("/etc/passwd"))
	assert.False(t, IsSafeRelativePath(".."))
}
