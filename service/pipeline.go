package service

import (
	"runtime/debug"

	"github.com/cyverse/thumbcache/commons"
	"github.com/cyverse/thumbcache/service/cache"
	"github.com/cyverse/thumbcache/service/imaging"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// runTask executes a task on a decode worker
func (server *Server) runTask(task *DecodeTask) {
	logger := log.WithFields(log.Fields{
		"package":  "service",
		"struct":   "Server",
		"function": "runTask",
	})

	request := task.GetRequest()

	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("stacktrace from panic: %s", string(debug.Stack()))
			server.failTask(task, xerrors.Errorf("panic while decoding %s: %v", request.GetSourceID(), r))
		}
	}()

	// checkpoint: superseded while queued
	if task.IsCancelled() {
		server.discardTask(task, imaging.BitmapOriginUnknown)
		return
	}

	if !task.start() {
		return
	}

	bitmap, err := server.resolve(task)
	if err != nil {
		if IsTaskCancelledError(err) {
			server.discardTask(task, imaging.BitmapOriginUnknown)
			return
		}

		server.probeCache.AddFailure(request.GetCacheKey(), err)
		server.failTask(task, err)
		return
	}

	// checkpoint: superseded while caching
	if task.IsCancelled() {
		server.discardTask(task, bitmap.GetOrigin())
		return
	}

	server.dispatcher.Post(func() {
		server.deliverTask(task, bitmap)
	})
}

// resolve walks the lookup chain: disk cache, embedded thumbnail, full decode.
// Every produced bitmap lands in the caches before the cancellation checkpoint that follows it.
func (server *Server) resolve(task *DecodeTask) (*imaging.Bitmap, error) {
	logger := log.WithFields(log.Fields{
		"package":  "service",
		"struct":   "Server",
		"function": "resolve",
	})

	request := task.GetRequest()
	key := request.GetCacheKey()
	sourceID := request.GetSourceID()

	// disk cache
	if bitmap, ok := cache.LoadBitmap(server.diskCache, key); ok {
		server.metrics.diskHits.Add(1)
		server.memoryCache.Put(key, bitmap, bitmap.GetByteCost())
		logger.Debugf("disk cache hit for %s", sourceID)

		if task.IsCancelled() {
			return nil, NewTaskCancelledError()
		}
		return bitmap, nil
	}

	// checkpoint: after disk lookup
	if task.IsCancelled() {
		return nil, NewTaskCancelledError()
	}

	// embedded thumbnail
	if !server.probeCache.HasNoEmbeddedThumbnail(sourceID) {
		bitmap, err := imaging.ExtractEmbeddedThumbnail(server.opener, sourceID, request.GetWidth(), request.GetHeight())
		if err == nil {
			server.metrics.embeddedThumbnailHits.Add(1)
			server.storeBitmap(key, bitmap)

			if task.IsCancelled() {
				return nil, NewTaskCancelledError()
			}
			return bitmap, nil
		}

		if !imaging.IsNoEmbeddedThumbnail(err) {
			// the source itself is unreadable
			return nil, err
		}

		if xerrors.Is(err, imaging.ErrNoEmbeddedThumbnail) {
			server.probeCache.AddNoEmbeddedThumbnail(sourceID)
		}
	}

	// checkpoint: after thumbnail extraction
	if task.IsCancelled() {
		return nil, NewTaskCancelledError()
	}

	// full decode, shared by concurrent tasks for the same key
	result, err, shared := server.decodeGroup.Do(key, func() (interface{}, error) {
		bitmap, err := server.decodeFit(request)
		if err != nil {
			return nil, err
		}

		server.storeBitmap(key, bitmap)
		return bitmap, nil
	})
	if err != nil {
		return nil, err
	}

	if shared {
		logger.Debugf("shared a decode of %s with another task", sourceID)
	}

	bitmap, ok := result.(*imaging.Bitmap)
	if !ok {
		return nil, xerrors.Errorf("unexpected decode result %T for %s", result, sourceID)
	}

	// checkpoint: after full decode
	if task.IsCancelled() {
		return nil, NewTaskCancelledError()
	}

	return bitmap, nil
}

// decodeFit runs the downsampler, retrying once at twice the sample size when decoding fails
func (server *Server) decodeFit(request *DecodeRequest) (*imaging.Bitmap, error) {
	logger := log.WithFields(log.Fields{
		"package":  "service",
		"struct":   "Server",
		"function": "decodeFit",
	})

	sourceID := request.GetSourceID()

	naturalWidth, naturalHeight, err := server.downsampler.BoundsOnly(sourceID)
	if err != nil {
		return nil, err
	}

	sampleSize := imaging.ComputeSampleSize(naturalWidth, naturalHeight, request.GetWidth(), request.GetHeight())

	server.metrics.fullDecodes.Add(1)
	bitmap, err := server.downsampler.DecodeAt(sourceID, sampleSize)
	if err == nil {
		return bitmap, nil
	}

	if !commons.IsDecodeFailedError(err) {
		return nil, err
	}

	logger.WithError(err).Infof("retrying decode of %s at sample size %d", sourceID, sampleSize*2)
	server.metrics.decodeRetries.Add(1)

	return server.downsampler.DecodeAt(sourceID, sampleSize*2)
}

// storeBitmap puts a freshly produced bitmap into both cache tiers.
// A failed disk write only costs the disk entry.
func (server *Server) storeBitmap(key string, bitmap *imaging.Bitmap) {
	logger := log.WithFields(log.Fields{
		"package":  "service",
		"struct":   "Server",
		"function": "storeBitmap",
	})

	server.memoryCache.Put(key, bitmap, bitmap.GetByteCost())
	server.probeCache.RemoveFailure(key)

	if _, ok := server.diskCache.(*cache.NilBlobStore); ok {
		// memory only
		return
	}

	err := cache.StoreBitmap(server.diskCache, key, bitmap)
	if err != nil {
		server.metrics.diskWriteFailures.Add(1)
		logger.WithError(err).Debugf("continuing without a disk cache entry for %s", key)
	}
}

// deliverTask runs on the dispatcher
func (server *Server) deliverTask(task *DecodeTask, bitmap *imaging.Bitmap) {
	slot := task.GetRequest().GetSlot()

	if !server.guard.Deliver(slot, task, bitmap) {
		server.discardTask(task, bitmap.GetOrigin())
		return
	}

	if task.finish(TaskStateDelivered, bitmap.GetOrigin(), nil) {
		server.metrics.delivered.Add(1)
		server.notifyTaskObserver(task)
	}
}

func (server *Server) discardTask(task *DecodeTask, origin imaging.BitmapOrigin) {
	server.guard.Unbind(task.GetRequest().GetSlot(), task)

	if task.finish(TaskStateDiscarded, origin, nil) {
		server.metrics.discarded.Add(1)
		server.notifyTaskObserver(task)
	}
}

func (server *Server) failTask(task *DecodeTask, err error) {
	logger := log.WithFields(log.Fields{
		"package":  "service",
		"struct":   "Server",
		"function": "failTask",
	})

	request := task.GetRequest()
	logger.WithError(err).Warnf("failed to make a thumbnail of %s (%dx%d)", request.GetSourceID(), request.GetWidth(), request.GetHeight())

	if !task.finish(TaskStateFailed, imaging.BitmapOriginUnknown, err) {
		return
	}

	server.metrics.failed.Add(1)
	server.notifyTaskObserver(task)

	server.dispatcher.Post(func() {
		server.guard.DeliverFailure(request.GetSlot(), task)
	})
}
