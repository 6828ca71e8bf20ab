package service

import (
	"encoding/json"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/cyverse/thumbcache/commons"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestThumbnailService(t *testing.T) (*ThumbnailService, *httptest.Server, string) {
	return newTestThumbnailServiceWithConfig(t, func(config *commons.Config) {})
}

func newTestThumbnailServiceWithConfig(t *testing.T, configure func(config *commons.Config)) (*ThumbnailService, *httptest.Server, string) {
	sourceDir := t.TempDir()

	config := commons.NewDefaultConfig()
	config.SourceRootPath = sourceDir
	config.DiskCacheRootPath = t.TempDir()
	config.DecodeWorkers = 2
	config.RequestTimeout = 10 * time.Second
	configure(config)
	require.NoError(t, config.Validate())

	svc, err := NewThumbnailService(config)
	require.NoError(t, err)

	httpServer := httptest.NewServer(svc.GetHandler())
	t.Cleanup(func() {
		httpServer.Close()
		svc.Destroy()
	})

	return svc, httpServer, sourceDir
}

func getThumbnail(t *testing.T, baseURL string, sourceID string, width string, height string) *http.Response {
	query := url.Values{}
	query.Set("source", sourceID)
	query.Set("width", width)
	query.Set("height", height)

	response, err := http.Get(baseURL + thumbnailPath + "?" + query.Encode())
	require.NoError(t, err)
	t.Cleanup(func() {
		response.Body.Close()
	})
	return response
}

func TestServiceThumbnail(t *testing.T) {
	svc, httpServer, sourceDir := newTestThumbnailService(t)
	writeTestJPEG(t, sourceDir, "a.jpg", 800, 600)

	response := getThumbnail(t, httpServer.URL, "a.jpg", "100", "100")
	require.Equal(t, http.StatusOK, response.StatusCode)
	assert.Equal(t, "image/jpeg", response.Header.Get("Content-Type"))
	assert.Equal(t, "full_decode", response.Header.Get(OriginHeader))
	assert.NotEmpty(t, response.Header.Get(RequestIDHeader))

	config, err := jpeg.DecodeConfig(response.Body)
	require.NoError(t, err)
	assert.Equal(t, 200, config.Width)
	assert.Equal(t, 150, config.Height)

	// memory hit
	response = getThumbnail(t, httpServer.URL, "a.jpg", "100", "100")
	require.Equal(t, http.StatusOK, response.StatusCode)
	assert.Equal(t, "full_decode", response.Header.Get(OriginHeader))
	assert.Equal(t, uint64(1), svc.GetServer().GetMetrics().GetCounterForMemoryHits())
}

func TestServiceThumbnailBadRequest(t *testing.T) {
	_, httpServer, _ := newTestThumbnailService(t)

	response := getThumbnail(t, httpServer.URL, "", "100", "100")
	assert.Equal(t, http.StatusBadRequest, response.StatusCode)

	response = getThumbnail(t, httpServer.URL, "a.jpg", "abc", "100")
	assert.Equal(t, http.StatusBadRequest, response.StatusCode)

	response = getThumbnail(t, httpServer.URL, "a.jpg", "100", "0")
	assert.Equal(t, http.StatusBadRequest, response.StatusCode)

	response = getThumbnail(t, httpServer.URL, "a.jpg", "100000", "100")
	assert.Equal(t, http.StatusBadRequest, response.StatusCode)

	response, err := http.Post(httpServer.URL+thumbnailPath, "text/plain", nil)
	require.NoError(t, err)
	defer response.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, response.StatusCode)
}

func TestServiceThumbnailNotFound(t *testing.T) {
	_, httpServer, _ := newTestThumbnailService(t)

	response := getThumbnail(t, httpServer.URL, "missing.jpg", "100", "100")
	assert.Equal(t, http.StatusNotFound, response.StatusCode)

	err := commons.HTTPStatusToError(response.StatusCode, response.Header.Get(commons.ErrorHeader))
	assert.True(t, commons.IsSourceUnreadableError(err))

	// escaping the source root is not allowed
	response = getThumbnail(t, httpServer.URL, "../etc/passwd", "100", "100")
	assert.Equal(t, http.StatusNotFound, response.StatusCode)
}

func TestServiceConfinesSourcesToRoot(t *testing.T) {
	config := commons.NewDefaultConfig()
	config.DiskCacheRootPath = t.TempDir()

	// no root, no service
	_, err := NewThumbnailService(config)
	assert.Error(t, err)

	_, httpServer, _ := newTestThumbnailService(t)

	outsideDir := t.TempDir()
	writeTestJPEG(t, outsideDir, "outside.jpg", 400, 300)
	outsidePath := filepath.Join(outsideDir, "outside.jpg")

	// an absolute path is resolved inside the root
	response := getThumbnail(t, httpServer.URL, outsidePath, "100", "100")
	assert.Equal(t, http.StatusNotFound, response.StatusCode)

	response = getThumbnail(t, httpServer.URL, "../"+filepath.Base(outsideDir)+"/outside.jpg", "100", "100")
	assert.Equal(t, http.StatusNotFound, response.StatusCode)
}

func TestServiceStatsAndEvict(t *testing.T) {
	_, httpServer, sourceDir := newTestThumbnailService(t)
	writeTestJPEG(t, sourceDir, "a.jpg", 400, 300)

	response := getThumbnail(t, httpServer.URL, "a.jpg", "100", "100")
	require.Equal(t, http.StatusOK, response.StatusCode)

	response, err := http.Get(httpServer.URL + statsPath)
	require.NoError(t, err)
	defer response.Body.Close()
	require.Equal(t, http.StatusOK, response.StatusCode)
	assert.Equal(t, "application/json", response.Header.Get("Content-Type"))

	stats := Stats{}
	err = json.NewDecoder(response.Body).Decode(&stats)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.Requests)
	assert.Equal(t, 1, stats.MemoryEntries)
	assert.Equal(t, 1, stats.DiskEntries)

	evictResponse, err := http.Post(httpServer.URL+evictPath, "text/plain", nil)
	require.NoError(t, err)
	defer evictResponse.Body.Close()
	assert.Equal(t, http.StatusNoContent, evictResponse.StatusCode)

	statsResponse, err := http.Get(httpServer.URL + statsPath)
	require.NoError(t, err)
	defer statsResponse.Body.Close()

	stats = Stats{}
	err = json.NewDecoder(statsResponse.Body).Decode(&stats)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.MemoryEntries)
	assert.Equal(t, 0, stats.DiskEntries)
}

func TestServiceKeepsRequestID(t *testing.T) {
	_, httpServer, _ := newTestThumbnailService(t)

	request, err := http.NewRequest(http.MethodGet, httpServer.URL+statsPath, nil)
	require.NoError(t, err)
	request.Header.Set(RequestIDHeader, "request-1")

	response, err := http.DefaultClient.Do(request)
	require.NoError(t, err)
	defer response.Body.Close()
	assert.Equal(t, "request-1", response.Header.Get(RequestIDHeader))
}

func TestServiceAfterDestroy(t *testing.T) {
	svc, httpServer, sourceDir := newTestThumbnailService(t)
	writeTestJPEG(t, sourceDir, "a.jpg", 400, 300)

	svc.GetServer().Release()

	response := getThumbnail(t, httpServer.URL, "a.jpg", "100", "100")
	assert.Equal(t, http.StatusServiceUnavailable, response.StatusCode)
	assert.True(t, IsServerReleasedError(NewServerReleasedError()))
}

func TestServiceRateLimit(t *testing.T) {
	_, httpServer, sourceDir := newTestThumbnailServiceWithConfig(t, func(config *commons.Config) {
		// one token, refilled once an hour
		config.RequestRateLimit = 1.0 / 3600
		config.RequestRateBurst = 1
	})
	writeTestJPEG(t, sourceDir, "a.jpg", 400, 300)

	response := getThumbnail(t, httpServer.URL, "a.jpg", "100", "100")
	assert.Equal(t, http.StatusOK, response.StatusCode)

	response = getThumbnail(t, httpServer.URL, "a.jpg", "100", "100")
	assert.Equal(t, http.StatusTooManyRequests, response.StatusCode)
	assert.Equal(t, "1", response.Header.Get("Retry-After"))

	// stats are not limited
	statsResponse, err := http.Get(httpServer.URL + statsPath)
	require.NoError(t, err)
	defer statsResponse.Body.Close()
	assert.Equal(t, http.StatusOK, statsResponse.StatusCode)
}
