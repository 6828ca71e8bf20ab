package service

import (
	"github.com/cyverse/thumbcache/service/imaging"
)

// Slot is a reusable placeholder that shows one bitmap at a time and may be
// rebound to other data before earlier work for it finishes.
// Implementations must be comparable (usually a pointer) since slots key the binding table.
type Slot interface {
	// SetBitmap replaces the placeholder. It is called on the dispatcher goroutine
	// for decoded results, or on the requesting goroutine for memory cache hits.
	SetBitmap(bitmap *imaging.Bitmap)
	GetCurrentTaskID() uint64
	SetCurrentTaskID(taskID uint64)
}

// FailureAwareSlot is a Slot that wants to hear when its active request ends without a bitmap.
// No error value crosses the slot boundary.
type FailureAwareSlot interface {
	Slot
	// SetFailed is called with the id of the failed task, or 0 when a recent failure
	// for the same target answered the request without a task
	SetFailed(taskID uint64)
}
