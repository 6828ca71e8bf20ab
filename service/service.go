package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyverse/thumbcache/commons"
	"github.com/cyverse/thumbcache/service/imaging"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"golang.org/x/xerrors"
)

const (
	thumbnailPath string = "/thumbnail"
	statsPath     string = "/stats"
	evictPath     string = "/evict"

	// ThumbnailDimensionMax is the largest width or height a client may request
	ThumbnailDimensionMax int = 4096

	// OriginHeader carries the lookup stage that produced a thumbnail
	OriginHeader string = "X-Thumbnail-Origin"
)

// httpSlot is the slot of a single HTTP request
type httpSlot struct {
	currentTaskID atomic.Uint64
	bitmapChan    chan *imaging.Bitmap
	failedChan    chan uint64
}

func newHTTPSlot() *httpSlot {
	return &httpSlot{
		bitmapChan: make(chan *imaging.Bitmap, 1),
		failedChan: make(chan uint64, 1),
	}
}

func (slot *httpSlot) SetBitmap(bitmap *imaging.Bitmap) {
	select {
	case slot.bitmapChan <- bitmap:
	default:
	}
}

func (slot *httpSlot) SetFailed(taskID uint64) {
	select {
	case slot.failedChan <- taskID:
	default:
	}
}

func (slot *httpSlot) GetCurrentTaskID() uint64 {
	return slot.currentTaskID.Load()
}

func (slot *httpSlot) SetCurrentTaskID(taskID uint64) {
	slot.currentTaskID.Store(taskID)
}

// ThumbnailService is a service object serving thumbnails over HTTP
type ThumbnailService struct {
	config        *commons.Config
	server        *Server
	httpServer    *http.Server
	statHandler   *ThumbnailServiceStatHandler
	limiter       *rate.Limiter // nil if unlimited
	terminateChan chan bool
	terminated    bool
	mutex         sync.Mutex // for termination
}

// NewThumbnailService creates a new thumbnail service
func NewThumbnailService(config *commons.Config) (*ThumbnailService, error) {
	logger := log.WithFields(log.Fields{
		"package":  "service",
		"function": "NewThumbnailService",
	})

	if len(config.SourceRootPath) == 0 {
		err := xerrors.Errorf("source root path must be given")
		logger.Error(err)
		return nil, err
	}

	opener := imaging.NewFileSourceOpener(config.SourceRootPath)
	storageRoot := NewLocalStorageRoot(config.DiskCacheRootPath, config.DiskCacheSizeMax)

	server, err := NewServer(NewServerConfig(config), opener, storageRoot, nil)
	if err != nil {
		logger.WithError(err).Error("failed to create a new server")
		return nil, err
	}

	svc := &ThumbnailService{
		config:        config,
		server:        server,
		terminateChan: make(chan bool, 1),
		terminated:    false,
	}

	if config.RequestRateLimit > 0 {
		svc.limiter = rate.NewLimiter(rate.Limit(config.RequestRateLimit), config.RequestRateBurst)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+thumbnailPath, svc.handleThumbnail)
	mux.HandleFunc("GET "+statsPath, svc.handleStats)
	mux.HandleFunc("POST "+evictPath, svc.handleEvict)

	svc.statHandler = NewThumbnailServiceStatHandler(mux)
	svc.httpServer = &http.Server{
		Handler:           svc.statHandler,
		ReadHeaderTimeout: 2 * time.Second,
		MaxHeaderBytes:    1 << 20,
		IdleTimeout:       60 * time.Second,
	}

	return svc, nil
}

// GetServer returns the cache server
func (svc *ThumbnailService) GetServer() *Server {
	return svc.server
}

// GetHandler returns the HTTP handler
func (svc *ThumbnailService) GetHandler() http.Handler {
	return svc.statHandler
}

// Init initializes the service
func (svc *ThumbnailService) Init() error {
	return nil
}

// Start starts the service and blocks until it is destroyed
func (svc *ThumbnailService) Start() error {
	logger := log.WithFields(log.Fields{
		"package":  "service",
		"struct":   "ThumbnailService",
		"function": "Start",
	})

	logger.Info("Starting the thumbnail cache service")

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", svc.config.ServicePort))
	if err != nil {
		logger.Error(err)
		return err
	}

	go func() {
		logger := log.WithFields(log.Fields{
			"package": "service",
			"struct":  "ThumbnailService",
		})

		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-svc.terminateChan:
				// terminate
				return
			case <-ticker.C:
				stats := svc.server.Stats()
				svc.server.CollectPrometheusMetrics()
				logger.Infof("Total %d live requests, memory cache %d/%d bytes, disk cache %d/%d bytes, hit rate %.3f", svc.statHandler.GetLiveRequests(), stats.MemoryBytesUsed, stats.MemoryBytesCap, stats.DiskBytesUsed, stats.DiskBytesCap, stats.HitRate)
			}
		}
	}()

	err = svc.httpServer.Serve(listener)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error(err)
		return err
	}

	return nil
}

// Destroy destroys the service
func (svc *ThumbnailService) Destroy() {
	svc.mutex.Lock()
	defer svc.mutex.Unlock()

	if svc.terminated {
		// already terminated
		return
	}

	svc.terminated = true

	logger := log.WithFields(log.Fields{
		"package":  "service",
		"struct":   "ThumbnailService",
		"function": "Destroy",
	})

	logger.Info("Destroying the thumbnail cache service")
	svc.terminateChan <- true

	if svc.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), svc.config.RequestTimeout)
		defer cancel()

		err := svc.httpServer.Shutdown(ctx)
		if err != nil {
			logger.WithError(err).Warn("forced to close the http server")
			svc.httpServer.Close()
		}
	}

	if svc.server != nil {
		svc.server.Release()
	}
}

func parseDimension(value string) (int, error) {
	dimension, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid dimension %q", value)
	}

	if dimension <= 0 || dimension > ThumbnailDimensionMax {
		return 0, fmt.Errorf("dimension %d is out of range (1-%d)", dimension, ThumbnailDimensionMax)
	}

	return dimension, nil
}

func (svc *ThumbnailService) handleThumbnail(w http.ResponseWriter, r *http.Request) {
	logger := log.WithFields(log.Fields{
		"package":  "service",
		"struct":   "ThumbnailService",
		"function": "handleThumbnail",
	})

	query := r.URL.Query()
	sourceID := query.Get("source")
	if len(sourceID) == 0 {
		http.Error(w, "source must be given", http.StatusBadRequest)
		return
	}

	width, err := parseDimension(query.Get("width"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	height, err := parseDimension(query.Get("height"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if svc.limiter != nil && !svc.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		http.Error(w, "too many thumbnail requests", http.StatusTooManyRequests)
		return
	}

	slot := newHTTPSlot()
	if !svc.server.RequestThumbnail(sourceID, width, height, slot) {
		http.Error(w, NewServerReleasedError().Error(), http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), svc.config.RequestTimeout)
	defer cancel()

	select {
	case bitmap := <-slot.bitmapChan:
		buffer := &bytes.Buffer{}
		format, err := imaging.EncodeBitmap(buffer, bitmap)
		if err != nil {
			logger.WithError(err).Errorf("failed to encode thumbnail of %s (request %s)", sourceID, RequestIDFromContext(r.Context()))
			http.Error(w, "failed to encode thumbnail", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/"+format)
		w.Header().Set("Content-Length", strconv.Itoa(buffer.Len()))
		w.Header().Set(OriginHeader, bitmap.GetOrigin().String())
		w.WriteHeader(http.StatusOK)
		w.Write(buffer.Bytes())
	case <-slot.failedChan:
		failure := svc.server.GetRecentFailure(sourceID, width, height)
		if failure == nil {
			failure = xerrors.Errorf("no thumbnail for %s", sourceID)
		}

		status, errorHeader := commons.ErrorToHTTPStatus(failure)
		w.Header().Set(commons.ErrorHeader, errorHeader)
		http.Error(w, failure.Error(), status)
	case <-ctx.Done():
		svc.server.ReleaseSlot(slot)
		if r.Context().Err() != nil {
			// client is gone
			return
		}
		http.Error(w, fmt.Sprintf("timed out making a thumbnail of %s", sourceID), http.StatusGatewayTimeout)
	}
}

func (svc *ThumbnailService) handleStats(w http.ResponseWriter, r *http.Request) {
	statsBytes, err := json.Marshal(svc.server.Stats())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(statsBytes)
}

func (svc *ThumbnailService) handleEvict(w http.ResponseWriter, r *http.Request) {
	svc.server.EvictAll()
	w.WriteHeader(http.StatusNoContent)
}
