package service

import (
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/cyverse/thumbcache/service/cache"
	"github.com/cyverse/thumbcache/service/imaging"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Stats is a snapshot of cache usage
type Stats struct {
	MemoryBytesUsed       int64   `json:"memory_bytes_used"`
	MemoryBytesCap        int64   `json:"memory_bytes_cap"`
	MemoryEntries         int     `json:"memory_entries"`
	DiskBytesUsed         int64   `json:"disk_bytes_used"`
	DiskBytesCap          int64   `json:"disk_bytes_cap"`
	DiskEntries           int     `json:"disk_entries"`
	HitRate               float64 `json:"hit_rate"`
	Requests              uint64  `json:"requests"`
	MemoryHits            uint64  `json:"memory_hits"`
	DiskHits              uint64  `json:"disk_hits"`
	EmbeddedThumbnailHits uint64  `json:"embedded_thumbnail_hits"`
	FullDecodes           uint64  `json:"full_decodes"`
	Delivered             uint64  `json:"delivered"`
	Discarded             uint64  `json:"discarded"`
	Failed                uint64  `json:"failed"`
	ActiveBindings        int     `json:"active_bindings"`
}

// TaskObserver is called whenever a task reaches a terminal state
type TaskObserver func(task *DecodeTask)

// Server is the process-wide thumbnail cache service
type Server struct {
	config *ServerConfig

	opener      imaging.SourceOpener
	downsampler *imaging.Downsampler

	memoryCache *cache.MemoryCache
	diskCache   cache.BlobStore
	probeCache  *cache.ProbeCache

	guard       *SlotGuard
	workerPool  *WorkerPool
	dispatcher  Dispatcher
	ownedSerial *SerialDispatcher
	decodeGroup singleflight.Group

	metrics      ServerMetrics
	nextTaskID   atomic.Uint64
	taskObserver atomic.Value // TaskObserver

	released bool
	mutex    sync.RWMutex
}

// NewServer creates a new Server.
// An unavailable storage root makes the server run on the memory cache only.
// A nil dispatcher makes the server deliver on its own serial goroutine.
func NewServer(config *ServerConfig, opener imaging.SourceOpener, storageRoot StorageRoot, dispatcher Dispatcher) (*Server, error) {
	logger := log.WithFields(log.Fields{
		"package":  "service",
		"function": "NewServer",
	})

	memoryCache, err := cache.NewMemoryCache(config.MemoryCacheSizeMax)
	if err != nil {
		return nil, err
	}

	var diskCache cache.BlobStore = cache.NewNilBlobStore()
	if storageRoot != nil && storageRoot.IsAvailable() {
		openedDiskCache, err := cache.OpenDiskCache(storageRoot.GetRootPath(), storageRoot.GetQuota())
		if err != nil {
			logger.WithError(err).Warnf("failed to open disk cache at %s, using memory cache only", storageRoot.GetRootPath())
		} else {
			diskCache = openedDiskCache
		}
	} else {
		logger.Info("Persistent storage is not available, using memory cache only")
	}

	var ownedSerial *SerialDispatcher
	if dispatcher == nil {
		ownedSerial = NewSerialDispatcher()
		dispatcher = ownedSerial
	}

	server := &Server{
		config: config,

		opener:      opener,
		downsampler: imaging.NewDownsampler(opener, config.DecodeMemoryMax),

		memoryCache: memoryCache,
		diskCache:   diskCache,
		probeCache:  cache.NewProbeCache(config.ProbeCacheTimeout, config.FailureCacheTimeout),

		guard:       NewSlotGuard(),
		workerPool:  NewWorkerPool("decode", config.DecodeWorkers),
		dispatcher:  dispatcher,
		ownedSerial: ownedSerial,

		released: false,
	}

	return server, nil
}

// Release cancels in-flight work and shuts down workers and caches.
// Disk cache entries stay on disk.
func (server *Server) Release() {
	logger := log.WithFields(log.Fields{
		"package":  "service",
		"struct":   "Server",
		"function": "Release",
	})

	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("stacktrace from panic: %s", string(debug.Stack()))
			logger.Panic(r)
		}
	}()

	server.mutex.Lock()
	if server.released {
		server.mutex.Unlock()
		return
	}
	server.released = true
	server.mutex.Unlock()

	logger.Info("Release")
	defer logger.Info("Released")

	server.guard.CancelAll()
	// queued tasks observe the cancellation before they start
	server.workerPool.Release()

	if server.ownedSerial != nil {
		server.ownedSerial.Release()
	}

	server.memoryCache.Release()
	server.diskCache.Release()
	server.probeCache.Clear()
}

// IsReleased checks if the server is released
func (server *Server) IsReleased() bool {
	server.mutex.RLock()
	defer server.mutex.RUnlock()

	return server.released
}

// SetTaskObserver sets a callback for terminal task states
func (server *Server) SetTaskObserver(observer TaskObserver) {
	server.taskObserver.Store(observer)
}

// GetMetrics returns the counters
func (server *Server) GetMetrics() *ServerMetrics {
	return &server.metrics
}

// GetSlotGuard returns the slot guard
func (server *Server) GetSlotGuard() *SlotGuard {
	return server.guard
}

// RequestThumbnail asks for sourceID rendered to fit width x height on the slot.
// A memory cache hit is applied to the slot before this returns. Otherwise a decode task
// is queued, unless the slot already has one in flight for the same target.
// It returns false if the server refused the request because it is released.
// Slot callbacks run without server locks held, so a slot may request again from them.
func (server *Server) RequestThumbnail(sourceID string, width int, height int, slot Slot) bool {
	logger := log.WithFields(log.Fields{
		"package":  "service",
		"struct":   "Server",
		"function": "RequestThumbnail",
	})

	server.mutex.RLock()

	if server.released {
		server.mutex.RUnlock()
		logger.Warnf("ignoring request for %s, server is released", sourceID)
		return false
	}

	server.metrics.requests.Add(1)

	key := MakeCacheKey(sourceID, width, height)
	if bitmap, ok := server.memoryCache.Get(key); ok {
		server.metrics.memoryHits.Add(1)
		// the slot has moved on from whatever it was waiting for
		server.guard.Release(slot)
		server.mutex.RUnlock()

		slot.SetBitmap(bitmap)
		return true
	}

	if failure := server.probeCache.GetFailure(key); failure != nil {
		server.metrics.recentFailureHits.Add(1)
		logger.Debugf("source %s failed recently - %v", sourceID, failure)
		server.guard.Release(slot)
		server.mutex.RUnlock()

		if failureAwareSlot, ok := slot.(FailureAwareSlot); ok {
			failureAwareSlot.SetFailed(0)
		}
		return true
	}

	defer server.mutex.RUnlock()

	request := NewDecodeRequest(sourceID, width, height, slot, server.nextTaskID.Add(1))
	task := NewDecodeTask(request)

	if !server.guard.TryBind(slot, task) {
		server.metrics.deduplicated.Add(1)
		logger.Debugf("request for %s is already in flight on the slot", sourceID)
		return true
	}

	if !server.workerPool.Submit(func() {
		server.runTask(task)
	}) {
		server.guard.Unbind(slot, task)
		return false
	}

	return true
}

// ReleaseSlot cancels the in-flight task of a slot that no longer wants a bitmap
func (server *Server) ReleaseSlot(slot Slot) {
	server.guard.Release(slot)
}

// GetRecentFailure returns the remembered failure of the target, or nil
func (server *Server) GetRecentFailure(sourceID string, width int, height int) error {
	return server.probeCache.GetFailure(MakeCacheKey(sourceID, width, height))
}

// EvictAll clears the memory cache, the disk cache, and the probe cache
func (server *Server) EvictAll() {
	logger := log.WithFields(log.Fields{
		"package":  "service",
		"struct":   "Server",
		"function": "EvictAll",
	})

	server.mutex.RLock()
	defer server.mutex.RUnlock()

	if server.released {
		return
	}

	logger.Info("Evicting all cache entries")

	server.memoryCache.Clear()
	server.diskCache.Clear()
	server.probeCache.Clear()
}

// Stats returns cache usage and hit rate.
// Hit rate is the share of requests answered by the memory cache or the disk cache.
func (server *Server) Stats() Stats {
	metrics := server.GetMetrics()

	requests := metrics.GetCounterForRequests()
	memoryHits := metrics.GetCounterForMemoryHits()
	diskHits := metrics.GetCounterForDiskHits()

	hitRate := 0.0
	if requests > 0 {
		hitRate = float64(memoryHits+diskHits) / float64(requests)
	}

	return Stats{
		MemoryBytesUsed:       server.memoryCache.GetTotalSize(),
		MemoryBytesCap:        server.memoryCache.GetSizeCap(),
		MemoryEntries:         server.memoryCache.GetTotalEntries(),
		DiskBytesUsed:         server.diskCache.GetTotalSize(),
		DiskBytesCap:          server.diskCache.GetSizeCap(),
		DiskEntries:           server.diskCache.GetTotalEntries(),
		HitRate:               hitRate,
		Requests:              requests,
		MemoryHits:            memoryHits,
		DiskHits:              diskHits,
		EmbeddedThumbnailHits: metrics.GetCounterForEmbeddedThumbnailHits(),
		FullDecodes:           metrics.GetCounterForFullDecodes(),
		Delivered:             metrics.GetCounterForDelivered(),
		Discarded:             metrics.GetCounterForDiscarded(),
		Failed:                metrics.GetCounterForFailed(),
		ActiveBindings:        server.guard.GetActiveBindings(),
	}
}

func (server *Server) notifyTaskObserver(task *DecodeTask) {
	if observer, ok := server.taskObserver.Load().(TaskObserver); ok && observer != nil {
		observer(task)
	}
}
