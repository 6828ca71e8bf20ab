package service

import (
	"context"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

// RequestIDHeader carries the id of an HTTP request
const RequestIDHeader string = "X-Request-ID"

type requestIDContextKey struct{}

// RequestIDFromContext returns the request id assigned by ThumbnailServiceStatHandler
func RequestIDFromContext(ctx context.Context) string {
	requestID, _ := ctx.Value(requestIDContextKey{}).(string)
	return requestID
}

var (
	promCounterForHTTPResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "thumbcache_http_responses_total",
		Help: "The total number of HTTP responses",
	}, []string{"path", "code"})

	promGaugeForLiveRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "thumbcache_http_live_requests",
		Help: "The number of HTTP requests being served",
	})
)

// ThumbnailServiceStatHandler tracks live requests and response codes of the HTTP front-end
type ThumbnailServiceStatHandler struct {
	liveRequests int64

	handler http.Handler
}

// NewThumbnailServiceStatHandler wraps handler
func NewThumbnailServiceStatHandler(handler http.Handler) *ThumbnailServiceStatHandler {
	return &ThumbnailServiceStatHandler{
		liveRequests: 0,
		handler:      handler,
	}
}

// GetLiveRequests returns the number of requests being served
func (handler *ThumbnailServiceStatHandler) GetLiveRequests() int64 {
	return atomic.LoadInt64(&handler.liveRequests)
}

// ServeHTTP serves the request through the wrapped handler
func (handler *ThumbnailServiceStatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := log.WithFields(log.Fields{
		"package":  "service",
		"struct":   "ThumbnailServiceStatHandler",
		"function": "ServeHTTP",
	})

	requestID := r.Header.Get(RequestIDHeader)
	if len(requestID) == 0 {
		requestID = uuid.NewString()
	}

	w.Header().Set(RequestIDHeader, requestID)
	r = r.WithContext(context.WithValue(r.Context(), requestIDContextKey{}, requestID))

	start := time.Now()
	live := atomic.AddInt64(&handler.liveRequests, 1)
	promGaugeForLiveRequests.Inc()

	defer func() {
		atomic.AddInt64(&handler.liveRequests, -1)
		promGaugeForLiveRequests.Dec()
	}()

	logger.Debugf("%s %s (request %s) - total %d live requests", r.Method, r.URL.Path, requestID, live)

	recorder := &statusRecorder{
		ResponseWriter: w,
		status:         http.StatusOK,
	}

	handler.handler.ServeHTTP(recorder, r)

	path := r.URL.Path
	switch path {
	case thumbnailPath, statsPath, evictPath:
	default:
		path = "other"
	}

	promCounterForHTTPResponses.WithLabelValues(path, strconv.Itoa(recorder.status)).Inc()

	logger.Debugf("%s %s (request %s) - status %d, %d bytes, %d ms", r.Method, r.URL.Path, requestID, recorder.status, recorder.size, time.Since(start).Milliseconds())
}

// statusRecorder remembers the status code written by a handler
type statusRecorder struct {
	http.ResponseWriter
	status int
	size   int
}

func (recorder *statusRecorder) WriteHeader(status int) {
	recorder.status = status
	recorder.ResponseWriter.WriteHeader(status)
}

func (recorder *statusRecorder) Write(data []byte) (int, error) {
	written, err := recorder.ResponseWriter.Write(data)
	recorder.size += written
	return written, err
}
