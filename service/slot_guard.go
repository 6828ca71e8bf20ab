package service

import (
	"sync"

	"github.com/cyverse/thumbcache/service/imaging"
	log "github.com/sirupsen/logrus"
)

// SlotGuard keeps the slot to task binding table.
// At most one live task is bound to a slot; only that task may deliver to it.
type SlotGuard struct {
	bindings map[Slot]*DecodeTask
	mutex    sync.Mutex
}

// NewSlotGuard creates a new SlotGuard
func NewSlotGuard() *SlotGuard {
	return &SlotGuard{
		bindings: map[Slot]*DecodeTask{},
	}
}

// ShouldStart tells whether a new task is needed for the target on the slot.
// A live task for the same target makes it false. A live task for another target
// is cancelled and the answer is true.
func (guard *SlotGuard) ShouldStart(slot Slot, sourceID string, width int, height int) bool {
	guard.mutex.Lock()
	defer guard.mutex.Unlock()

	return guard.shouldStartWithoutLock(slot, sourceID, width, height)
}

func (guard *SlotGuard) shouldStartWithoutLock(slot Slot, sourceID string, width int, height int) bool {
	logger := log.WithFields(log.Fields{
		"package":  "service",
		"struct":   "SlotGuard",
		"function": "shouldStartWithoutLock",
	})

	task, ok := guard.bindings[slot]
	if !ok || task.IsCancelled() || task.GetState().IsTerminal() {
		return true
	}

	if task.GetRequest().HasSameTarget(sourceID, width, height) {
		return false
	}

	logger.Debugf("cancelling task %d superseded by a request for %s", task.GetID(), sourceID)
	task.Cancel()
	return true
}

// Bind makes task the active task of the slot
func (guard *SlotGuard) Bind(slot Slot, task *DecodeTask) {
	guard.mutex.Lock()
	defer guard.mutex.Unlock()

	guard.bindWithoutLock(slot, task)
}

func (guard *SlotGuard) bindWithoutLock(slot Slot, task *DecodeTask) {
	if old, ok := guard.bindings[slot]; ok && old != task {
		old.Cancel()
	}

	guard.bindings[slot] = task
	slot.SetCurrentTaskID(task.GetID())
}

// TryBind runs ShouldStart and Bind as one step
func (guard *SlotGuard) TryBind(slot Slot, task *DecodeTask) bool {
	request := task.GetRequest()

	guard.mutex.Lock()
	defer guard.mutex.Unlock()

	if !guard.shouldStartWithoutLock(slot, request.GetSourceID(), request.GetWidth(), request.GetHeight()) {
		return false
	}

	guard.bindWithoutLock(slot, task)
	return true
}

// IsActive checks if task is still the live binding of the slot
func (guard *SlotGuard) IsActive(slot Slot, task *DecodeTask) bool {
	guard.mutex.Lock()
	defer guard.mutex.Unlock()

	return guard.isActiveWithoutLock(slot, task)
}

func (guard *SlotGuard) isActiveWithoutLock(slot Slot, task *DecodeTask) bool {
	bound, ok := guard.bindings[slot]
	if !ok || bound != task {
		return false
	}

	if task.IsCancelled() {
		return false
	}

	return slot.GetCurrentTaskID() == task.GetID()
}

// Release cancels and unbinds whatever task the slot has, and clears the slot's task id
func (guard *SlotGuard) Release(slot Slot) {
	guard.mutex.Lock()
	defer guard.mutex.Unlock()

	if task, ok := guard.bindings[slot]; ok {
		task.Cancel()
		delete(guard.bindings, slot)
	}

	// a delivery that already took its binding checks this before calling the slot
	slot.SetCurrentTaskID(0)
}

// takeActive unbinds task from the slot if it is still the active task
func (guard *SlotGuard) takeActive(slot Slot, task *DecodeTask) bool {
	guard.mutex.Lock()
	defer guard.mutex.Unlock()

	if !guard.isActiveWithoutLock(slot, task) {
		return false
	}

	delete(guard.bindings, slot)
	return true
}

// Deliver hands the bitmap to the slot if task is still active, then unbinds it.
// The slot is called without the lock held, so it may request another thumbnail from SetBitmap.
func (guard *SlotGuard) Deliver(slot Slot, task *DecodeTask, bitmap *imaging.Bitmap) bool {
	if !guard.takeActive(slot, task) {
		return false
	}

	// rebound after the binding was taken
	if slot.GetCurrentTaskID() != task.GetID() {
		return false
	}

	slot.SetBitmap(bitmap)
	return true
}

// DeliverFailure tells a failure-aware slot that its active task failed, then unbinds it
func (guard *SlotGuard) DeliverFailure(slot Slot, task *DecodeTask) bool {
	if !guard.takeActive(slot, task) {
		return false
	}

	if slot.GetCurrentTaskID() != task.GetID() {
		return false
	}

	if failureAwareSlot, ok := slot.(FailureAwareSlot); ok {
		failureAwareSlot.SetFailed(task.GetID())
	}
	return true
}

// Unbind removes the binding if it still points at task
func (guard *SlotGuard) Unbind(slot Slot, task *DecodeTask) {
	guard.mutex.Lock()
	defer guard.mutex.Unlock()

	if bound, ok := guard.bindings[slot]; ok && bound == task {
		delete(guard.bindings, slot)
	}
}

// CancelAll cancels and unbinds every task
func (guard *SlotGuard) CancelAll() {
	guard.mutex.Lock()
	defer guard.mutex.Unlock()

	for slot, task := range guard.bindings {
		task.Cancel()
		slot.SetCurrentTaskID(0)
	}
	guard.bindings = map[Slot]*DecodeTask{}
}

// GetActiveBindings returns the number of bound slots
func (guard *SlotGuard) GetActiveBindings() int {
	guard.mutex.Lock()
	defer guard.mutex.Unlock()

	return len(guard.bindings)
}
