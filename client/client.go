package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cyverse/thumbcache/commons"
	"github.com/cyverse/thumbcache/service"
	"github.com/rs/xid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

const (
	thumbnailLengthMax int64 = 64 * 1024 * 1024 // 64MB

	localThumbnailCacheTimeout time.Duration = 1 * time.Minute
)

// Thumbnail is an encoded thumbnail returned by the service
type Thumbnail struct {
	SourceID    string
	Width       int
	Height      int
	ContentType string
	Origin      string
	Data        []byte
}

// ThumbnailServiceClient is a client of thumbnail service
type ThumbnailServiceClient struct {
	id               string
	address          string // http://host:port
	operationTimeout time.Duration
	httpClient       *http.Client
	thumbnailCache   *ThumbnailCache
}

// NewThumbnailServiceClient creates a new thumbnail service client.
// address is a base URL, or a bare host:port.
func NewThumbnailServiceClient(address string, operationTimeout time.Duration, clientID string) *ThumbnailServiceClient {
	if len(clientID) == 0 {
		clientID = xid.New().String()
	}

	if !strings.Contains(address, "://") {
		address = "http://" + address
	}

	return &ThumbnailServiceClient{
		id:               clientID,
		address:          strings.TrimSuffix(address, "/"),
		operationTimeout: operationTimeout,
		httpClient:       &http.Client{},
		thumbnailCache:   NewThumbnailCache(localThumbnailCacheTimeout, localThumbnailCacheTimeout),
	}
}

// GetID returns client id
func (client *ThumbnailServiceClient) GetID() string {
	return client.id
}

// Release releases idle connections and local caches
func (client *ThumbnailServiceClient) Release() {
	client.httpClient.CloseIdleConnections()
	client.thumbnailCache.ClearThumbnailCache()
}

func (client *ThumbnailServiceClient) getContextWithDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, client.operationTimeout)
}

func (client *ThumbnailServiceClient) newRequest(ctx context.Context, method string, path string, query url.Values) (*http.Request, error) {
	requestURL := client.address + path
	if len(query) > 0 {
		requestURL = requestURL + "?" + query.Encode()
	}

	request, err := http.NewRequestWithContext(ctx, method, requestURL, nil)
	if err != nil {
		return nil, xerrors.Errorf("failed to make a request to %q: %w", requestURL, err)
	}

	request.Header.Set(service.RequestIDHeader, fmt.Sprintf("%s-%s", client.id, xid.New().String()))
	return request, nil
}

// GetThumbnail fetches sourceID rendered to fit width x height
func (client *ThumbnailServiceClient) GetThumbnail(ctx context.Context, sourceID string, width int, height int) (*Thumbnail, error) {
	logger := log.WithFields(log.Fields{
		"package":  "client",
		"struct":   "ThumbnailServiceClient",
		"function": "GetThumbnail",
	})

	cachedThumbnail := client.thumbnailCache.GetThumbnailCache(sourceID, width, height)
	if cachedThumbnail != nil {
		return cachedThumbnail, nil
	}

	ctx, cancel := client.getContextWithDeadline(ctx)
	defer cancel()

	query := url.Values{}
	query.Set("source", sourceID)
	query.Set("width", strconv.Itoa(width))
	query.Set("height", strconv.Itoa(height))

	request, err := client.newRequest(ctx, http.MethodGet, "/thumbnail", query)
	if err != nil {
		return nil, err
	}

	response, err := client.httpClient.Do(request)
	if err != nil {
		httpErr := xerrors.Errorf("failed to get a thumbnail of %q: %w", sourceID, err)
		logger.Errorf("%+v", httpErr)
		return nil, httpErr
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, commons.HTTPStatusToError(response.StatusCode, response.Header.Get(commons.ErrorHeader))
	}

	data, err := io.ReadAll(io.LimitReader(response.Body, thumbnailLengthMax))
	if err != nil {
		return nil, xerrors.Errorf("failed to read a thumbnail of %q: %w", sourceID, err)
	}

	thumbnail := &Thumbnail{
		SourceID:    sourceID,
		Width:       width,
		Height:      height,
		ContentType: response.Header.Get("Content-Type"),
		Origin:      response.Header.Get(service.OriginHeader),
		Data:        data,
	}

	client.thumbnailCache.AddThumbnailCache(thumbnail)
	return thumbnail, nil
}

// GetStats returns cache usage of the service
func (client *ThumbnailServiceClient) GetStats(ctx context.Context) (*service.Stats, error) {
	ctx, cancel := client.getContextWithDeadline(ctx)
	defer cancel()

	request, err := client.newRequest(ctx, http.MethodGet, "/stats", nil)
	if err != nil {
		return nil, err
	}

	response, err := client.httpClient.Do(request)
	if err != nil {
		return nil, xerrors.Errorf("failed to get stats: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, commons.HTTPStatusToError(response.StatusCode, response.Header.Get(commons.ErrorHeader))
	}

	stats := &service.Stats{}
	err = json.NewDecoder(response.Body).Decode(stats)
	if err != nil {
		return nil, xerrors.Errorf("failed to decode stats: %w", err)
	}

	return stats, nil
}

// EvictAll asks the service to drop every cached thumbnail
func (client *ThumbnailServiceClient) EvictAll(ctx context.Context) error {
	ctx, cancel := client.getContextWithDeadline(ctx)
	defer cancel()

	request, err := client.newRequest(ctx, http.MethodPost, "/evict", nil)
	if err != nil {
		return err
	}

	response, err := client.httpClient.Do(request)
	if err != nil {
		return xerrors.Errorf("failed to evict: %w", err)
	}
	defer response.Body.Close()

	client.thumbnailCache.ClearThumbnailCache()

	if response.StatusCode != http.StatusNoContent && response.StatusCode != http.StatusOK {
		return commons.HTTPStatusToError(response.StatusCode, response.Header.Get(commons.ErrorHeader))
	}

	return nil
}
