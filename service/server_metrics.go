package service

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ServerMetrics counts pipeline events
type ServerMetrics struct {
	requests              atomic.Uint64
	memoryHits            atomic.Uint64
	diskHits              atomic.Uint64
	embeddedThumbnailHits atomic.Uint64
	fullDecodes           atomic.Uint64
	decodeRetries         atomic.Uint64
	deduplicated          atomic.Uint64
	recentFailureHits     atomic.Uint64
	delivered             atomic.Uint64
	discarded             atomic.Uint64
	failed                atomic.Uint64
	diskWriteFailures     atomic.Uint64
}

// GetCounterForRequests returns the number of thumbnail requests
func (metrics *ServerMetrics) GetCounterForRequests() uint64 {
	return metrics.requests.Load()
}

// GetCounterForMemoryHits returns the number of requests answered from memory
func (metrics *ServerMetrics) GetCounterForMemoryHits() uint64 {
	return metrics.memoryHits.Load()
}

// GetCounterForDiskHits returns the number of tasks answered from disk
func (metrics *ServerMetrics) GetCounterForDiskHits() uint64 {
	return metrics.diskHits.Load()
}

// GetCounterForEmbeddedThumbnailHits returns the number of tasks answered by an embedded thumbnail
func (metrics *ServerMetrics) GetCounterForEmbeddedThumbnailHits() uint64 {
	return metrics.embeddedThumbnailHits.Load()
}

// GetCounterForFullDecodes returns the number of full decodes
func (metrics *ServerMetrics) GetCounterForFullDecodes() uint64 {
	return metrics.fullDecodes.Load()
}

// GetCounterForDecodeRetries returns the number of decodes retried at a larger sample size
func (metrics *ServerMetrics) GetCounterForDecodeRetries() uint64 {
	return metrics.decodeRetries.Load()
}

// GetCounterForDeduplicated returns the number of requests dropped as duplicates
func (metrics *ServerMetrics) GetCounterForDeduplicated() uint64 {
	return metrics.deduplicated.Load()
}

// GetCounterForRecentFailureHits returns the number of requests answered by a remembered failure
func (metrics *ServerMetrics) GetCounterForRecentFailureHits() uint64 {
	return metrics.recentFailureHits.Load()
}

// GetCounterForDelivered returns the number of delivered tasks
func (metrics *ServerMetrics) GetCounterForDelivered() uint64 {
	return metrics.delivered.Load()
}

// GetCounterForDiscarded returns the number of discarded tasks
func (metrics *ServerMetrics) GetCounterForDiscarded() uint64 {
	return metrics.discarded.Load()
}

// GetCounterForFailed returns the number of failed tasks
func (metrics *ServerMetrics) GetCounterForFailed() uint64 {
	return metrics.failed.Load()
}

// GetCounterForDiskWriteFailures returns the number of disk cache writes that did not commit
func (metrics *ServerMetrics) GetCounterForDiskWriteFailures() uint64 {
	return metrics.diskWriteFailures.Load()
}

var (
	promCounterForRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "thumbcache_requests_total",
		Help: "The total number of thumbnail requests",
	})
	oldCounterForRequests uint64 = 0

	promCounterForMemoryHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "thumbcache_memory_hits_total",
		Help: "The total number of memory cache hits",
	})
	oldCounterForMemoryHits uint64 = 0

	promCounterForDiskHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "thumbcache_disk_hits_total",
		Help: "The total number of disk cache hits",
	})
	oldCounterForDiskHits uint64 = 0

	promCounterForEmbeddedThumbnailHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "thumbcache_embedded_thumbnail_hits_total",
		Help: "The total number of requests served from embedded thumbnails",
	})
	oldCounterForEmbeddedThumbnailHits uint64 = 0

	promCounterForFullDecodes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "thumbcache_full_decodes_total",
		Help: "The total number of full source decodes",
	})
	oldCounterForFullDecodes uint64 = 0

	promCounterForDecodeRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "thumbcache_decode_retries_total",
		Help: "The total number of decodes retried at a larger sample size",
	})
	oldCounterForDecodeRetries uint64 = 0

	promCounterForDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "thumbcache_tasks_delivered_total",
		Help: "The total number of delivered decode tasks",
	})
	oldCounterForDelivered uint64 = 0

	promCounterForDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "thumbcache_tasks_discarded_total",
		Help: "The total number of discarded decode tasks",
	})
	oldCounterForDiscarded uint64 = 0

	promCounterForFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "thumbcache_tasks_failed_total",
		Help: "The total number of failed decode tasks",
	})
	oldCounterForFailed uint64 = 0

	promCounterForDiskWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "thumbcache_disk_write_failures_total",
		Help: "The total number of failed disk cache writes",
	})
	oldCounterForDiskWriteFailures uint64 = 0

	promGaugeForMemoryBytesUsed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "thumbcache_memory_bytes_used",
		Help: "The bytes used by the memory cache",
	})

	promGaugeForDiskBytesUsed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "thumbcache_disk_bytes_used",
		Help: "The bytes used by the disk cache",
	})

	promGaugeForActiveBindings = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "thumbcache_active_bindings",
		Help: "The number of slots with an in-flight task",
	})

	promGaugeForHitRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "thumbcache_hit_rate",
		Help: "The ratio of requests answered by the memory or disk cache",
	})

	metricsMutex sync.Mutex
)

// CollectPrometheusMetrics pushes counters accumulated since the last call to prometheus
func (server *Server) CollectPrometheusMetrics() {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	metrics := server.GetMetrics()

	addCounterDelta(promCounterForRequests, metrics.GetCounterForRequests(), &oldCounterForRequests)
	addCounterDelta(promCounterForMemoryHits, metrics.GetCounterForMemoryHits(), &oldCounterForMemoryHits)
	addCounterDelta(promCounterForDiskHits, metrics.GetCounterForDiskHits(), &oldCounterForDiskHits)
	addCounterDelta(promCounterForEmbeddedThumbnailHits, metrics.GetCounterForEmbeddedThumbnailHits(), &oldCounterForEmbeddedThumbnailHits)
	addCounterDelta(promCounterForFullDecodes, metrics.GetCounterForFullDecodes(), &oldCounterForFullDecodes)
	addCounterDelta(promCounterForDecodeRetries, metrics.GetCounterForDecodeRetries(), &oldCounterForDecodeRetries)
	addCounterDelta(promCounterForDelivered, metrics.GetCounterForDelivered(), &oldCounterForDelivered)
	addCounterDelta(promCounterForDiscarded, metrics.GetCounterForDiscarded(), &oldCounterForDiscarded)
	addCounterDelta(promCounterForFailed, metrics.GetCounterForFailed(), &oldCounterForFailed)
	addCounterDelta(promCounterForDiskWriteFailures, metrics.GetCounterForDiskWriteFailures(), &oldCounterForDiskWriteFailures)

	stats := server.Stats()
	promGaugeForMemoryBytesUsed.Set(float64(stats.MemoryBytesUsed))
	promGaugeForDiskBytesUsed.Set(float64(stats.DiskBytesUsed))
	promGaugeForActiveBindings.Set(float64(stats.ActiveBindings))
	promGaugeForHitRate.Set(stats.HitRate)
}

// addCounterDelta adds the growth of a counter since the last collection.
// A counter that went backwards belongs to a new server instance.
func addCounterDelta(counter prometheus.Counter, newValue uint64, oldValue *uint64) {
	if newValue < *oldValue {
		*oldValue = 0
	}

	counter.Add(float64(newValue - *oldValue))
	*oldValue = newValue
}
