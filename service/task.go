package service

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyverse/thumbcache/service/imaging"
	"github.com/cyverse/thumbcache/utils"
)

// DecodeRequest is an immutable request to show sourceID at width x height on a slot
type DecodeRequest struct {
	sourceID   string
	width      int
	height     int
	slot       Slot
	sequenceID uint64
	cacheKey   string
}

// NewDecodeRequest creates a new DecodeRequest
func NewDecodeRequest(sourceID string, width int, height int, slot Slot, sequenceID uint64) *DecodeRequest {
	return &DecodeRequest{
		sourceID:   sourceID,
		width:      width,
		height:     height,
		slot:       slot,
		sequenceID: sequenceID,
		cacheKey:   MakeCacheKey(sourceID, width, height),
	}
}

// MakeCacheKey returns the cache key of a source rendered at width x height
func MakeCacheKey(sourceID string, width int, height int) string {
	return utils.DeriveCacheKey(fmt.Sprintf("%s@%dx%d", sourceID, width, height))
}

// GetSourceID returns source id
func (request *DecodeRequest) GetSourceID() string {
	return request.sourceID
}

// GetWidth returns requested width
func (request *DecodeRequest) GetWidth() int {
	return request.width
}

// GetHeight returns requested height
func (request *DecodeRequest) GetHeight() int {
	return request.height
}

// GetSlot returns the slot
func (request *DecodeRequest) GetSlot() Slot {
	return request.slot
}

// GetSequenceID returns the sequence id
func (request *DecodeRequest) GetSequenceID() uint64 {
	return request.sequenceID
}

// GetCacheKey returns the cache key
func (request *DecodeRequest) GetCacheKey() string {
	return request.cacheKey
}

// HasSameTarget checks if both requests want the same source at the same size
func (request *DecodeRequest) HasSameTarget(sourceID string, width int, height int) bool {
	return request.sourceID == sourceID && request.width == width && request.height == height
}

// TaskState is a state of DecodeTask
type TaskState int32

const (
	TaskStatePending TaskState = iota
	TaskStateRunning
	TaskStateDelivered
	TaskStateDiscarded
	TaskStateFailed
)

// String returns the state in string
func (state TaskState) String() string {
	switch state {
	case TaskStatePending:
		return "pending"
	case TaskStateRunning:
		return "running"
	case TaskStateDelivered:
		return "delivered"
	case TaskStateDiscarded:
		return "discarded"
	case TaskStateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal checks if no further transition can happen
func (state TaskState) IsTerminal() bool {
	return state == TaskStateDelivered || state == TaskStateDiscarded || state == TaskStateFailed
}

// DecodeTask resolves one DecodeRequest through the lookup chain.
// Cancellation is cooperative; the pipeline checks the flag between stages.
type DecodeTask struct {
	request      *DecodeRequest
	state        atomic.Int32
	cancelled    atomic.Bool
	createdTime  time.Time
	finishedTime time.Time
	origin       imaging.BitmapOrigin
	lastError    error
	mutex        sync.Mutex
}

// NewDecodeTask creates a new DecodeTask in Pending state. Its id is the request's sequence id.
func NewDecodeTask(request *DecodeRequest) *DecodeTask {
	task := &DecodeTask{
		request:     request,
		createdTime: time.Now(),
		origin:      imaging.BitmapOriginUnknown,
	}
	task.state.Store(int32(TaskStatePending))
	return task
}

// GetID returns task id
func (task *DecodeTask) GetID() uint64 {
	return task.request.sequenceID
}

// GetRequest returns the request
func (task *DecodeTask) GetRequest() *DecodeRequest {
	return task.request
}

// GetState returns current state
func (task *DecodeTask) GetState() TaskState {
	return TaskState(task.state.Load())
}

// Cancel signals the task to stop at its next checkpoint
func (task *DecodeTask) Cancel() {
	task.cancelled.Store(true)
}

// IsCancelled checks if the task has been cancelled
func (task *DecodeTask) IsCancelled() bool {
	return task.cancelled.Load()
}

// GetOrigin returns the lookup stage that produced the bitmap
func (task *DecodeTask) GetOrigin() imaging.BitmapOrigin {
	task.mutex.Lock()
	defer task.mutex.Unlock()

	return task.origin
}

// GetError returns the error that failed the task
func (task *DecodeTask) GetError() error {
	task.mutex.Lock()
	defer task.mutex.Unlock()

	return task.lastError
}

// GetElapsedTime returns the time from creation to the terminal state, or until now
func (task *DecodeTask) GetElapsedTime() time.Duration {
	task.mutex.Lock()
	defer task.mutex.Unlock()

	if task.finishedTime.IsZero() {
		return time.Since(task.createdTime)
	}
	return task.finishedTime.Sub(task.createdTime)
}

// start moves Pending to Running
func (task *DecodeTask) start() bool {
	return task.state.CompareAndSwap(int32(TaskStatePending), int32(TaskStateRunning))
}

// finish moves the task to a terminal state. Only the first call wins.
func (task *DecodeTask) finish(state TaskState, origin imaging.BitmapOrigin, err error) bool {
	for {
		current := TaskState(task.state.Load())
		if current.IsTerminal() {
			return false
		}

		if task.state.CompareAndSwap(int32(current), int32(state)) {
			break
		}
	}

	task.mutex.Lock()
	defer task.mutex.Unlock()

	task.origin = origin
	task.lastError = err
	task.finishedTime = time.Now()
	return true
}
