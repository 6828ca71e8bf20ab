package service

import (
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cyverse/thumbcache/service/imaging"
	"github.com/stretchr/testify/assert"
)

// testSlot records everything delivered to it
type testSlot struct {
	currentTaskID atomic.Uint64

	bitmaps  []*imaging.Bitmap
	failures []uint64
	mutex    sync.Mutex
}

func newTestSlot() *testSlot {
	return &testSlot{}
}

func (slot *testSlot) SetBitmap(bitmap *imaging.Bitmap) {
	slot.mutex.Lock()
	defer slot.mutex.Unlock()

	slot.bitmaps = append(slot.bitmaps, bitmap)
}

func (slot *testSlot) SetFailed(taskID uint64) {
	slot.mutex.Lock()
	defer slot.mutex.Unlock()

	slot.failures = append(slot.failures, taskID)
}

func (slot *testSlot) GetCurrentTaskID() uint64 {
	return slot.currentTaskID.Load()
}

func (slot *testSlot) SetCurrentTaskID(taskID uint64) {
	slot.currentTaskID.Store(taskID)
}

func (slot *testSlot) getBitmaps() []*imaging.Bitmap {
	slot.mutex.Lock()
	defer slot.mutex.Unlock()

	return append([]*imaging.Bitmap{}, slot.bitmaps...)
}

func (slot *testSlot) getFailures() []uint64 {
	slot.mutex.Lock()
	defer slot.mutex.Unlock()

	return append([]uint64{}, slot.failures...)
}

func newTestTask(slot Slot, sourceID string, width int, height int, id uint64) *DecodeTask {
	return NewDecodeTask(NewDecodeRequest(sourceID, width, height, slot, id))
}

func TestSlotGuardShouldStart(t *testing.T) {
	guard := NewSlotGuard()
	slot := newTestSlot()

	assert.True(t, guard.ShouldStart(slot, "a.jpg", 100, 100))

	taskA := newTestTask(slot, "a.jpg", 100, 100, 1)
	guard.Bind(slot, taskA)
	assert.Equal(t, uint64(1), slot.GetCurrentTaskID())

	// same target is already in flight
	assert.False(t, guard.ShouldStart(slot, "a.jpg", 100, 100))
	assert.False(t, taskA.IsCancelled())

	// same source at another size is a different target
	assert.True(t, guard.ShouldStart(slot, "a.jpg", 200, 200))
	assert.True(t, taskA.IsCancelled())

	// a cancelled binding no longer blocks the same target
	assert.True(t, guard.ShouldStart(slot, "a.jpg", 100, 100))
}

func TestSlotGuardTryBind(t *testing.T) {
	guard := NewSlotGuard()
	slot := newTestSlot()

	taskA := newTestTask(slot, "a.jpg", 100, 100, 1)
	assert.True(t, guard.TryBind(slot, taskA))
	assert.True(t, guard.IsActive(slot, taskA))

	duplicate := newTestTask(slot, "a.jpg", 100, 100, 2)
	assert.False(t, guard.TryBind(slot, duplicate))
	assert.Equal(t, uint64(1), slot.GetCurrentTaskID())

	taskB := newTestTask(slot, "b.jpg", 100, 100, 3)
	assert.True(t, guard.TryBind(slot, taskB))
	assert.True(t, taskA.IsCancelled())
	assert.False(t, guard.IsActive(slot, taskA))
	assert.True(t, guard.IsActive(slot, taskB))
	assert.Equal(t, uint64(3), slot.GetCurrentTaskID())
	assert.Equal(t, 1, guard.GetActiveBindings())
}

func TestSlotGuardDeliver(t *testing.T) {
	guard := NewSlotGuard()
	slot := newTestSlot()
	bitmap := imaging.NewBitmap(image.NewGray(image.Rect(0, 0, 2, 2)), imaging.BitmapOriginFullDecode, 1)

	taskA := newTestTask(slot, "a.jpg", 100, 100, 1)
	guard.Bind(slot, taskA)

	taskB := newTestTask(slot, "b.jpg", 100, 100, 2)
	guard.Bind(slot, taskB)

	// superseded task may not deliver
	assert.False(t, guard.Deliver(slot, taskA, bitmap))
	assert.Empty(t, slot.getBitmaps())

	assert.True(t, guard.Deliver(slot, taskB, bitmap))
	assert.Len(t, slot.getBitmaps(), 1)
	assert.Equal(t, 0, guard.GetActiveBindings())

	// delivered task is unbound
	assert.False(t, guard.Deliver(slot, taskB, bitmap))
	assert.Len(t, slot.getBitmaps(), 1)
}

func TestSlotGuardDeliverChecksSlotTaskID(t *testing.T) {
	guard := NewSlotGuard()
	slot := newTestSlot()
	bitmap := imaging.NewBitmap(image.NewGray(image.Rect(0, 0, 2, 2)), imaging.BitmapOriginFullDecode, 1)

	task := newTestTask(slot, "a.jpg", 100, 100, 1)
	guard.Bind(slot, task)

	// the slot was rebound outside of the guard
	slot.SetCurrentTaskID(42)
	assert.False(t, guard.IsActive(slot, task))
	assert.False(t, guard.Deliver(slot, task, bitmap))
	assert.Empty(t, slot.getBitmaps())
}

func TestSlotGuardDeliverFailure(t *testing.T) {
	guard := NewSlotGuard()
	slot := newTestSlot()

	task := newTestTask(slot, "a.jpg", 100, 100, 7)
	guard.Bind(slot, task)

	assert.True(t, guard.DeliverFailure(slot, task))
	assert.Equal(t, []uint64{7}, slot.getFailures())
	assert.False(t, guard.DeliverFailure(slot, task))
	assert.Len(t, slot.getFailures(), 1)
}

func TestSlotGuardRelease(t *testing.T) {
	guard := NewSlotGuard()
	slot := newTestSlot()

	task := newTestTask(slot, "a.jpg", 100, 100, 1)
	guard.Bind(slot, task)

	guard.Release(slot)
	assert.True(t, task.IsCancelled())
	assert.Equal(t, uint64(0), slot.GetCurrentTaskID())
	assert.Equal(t, 0, guard.GetActiveBindings())

	// releasing an unbound slot only clears its task id
	slot.SetCurrentTaskID(7)
	guard.Release(slot)
	assert.Equal(t, uint64(0), slot.GetCurrentTaskID())
	assert.Equal(t, 0, guard.GetActiveBindings())
}

// rebindingSlot binds a task to another slot from inside its delivery callbacks
type rebindingSlot struct {
	*testSlot
	guard *SlotGuard
	next  Slot
	bound []bool
}

func (slot *rebindingSlot) SetBitmap(bitmap *imaging.Bitmap) {
	slot.testSlot.SetBitmap(bitmap)
	slot.bound = append(slot.bound, slot.guard.TryBind(slot.next, newTestTask(slot.next, "next.jpg", 100, 100, 10)))
}

func (slot *rebindingSlot) SetFailed(taskID uint64) {
	slot.testSlot.SetFailed(taskID)
	slot.guard.Release(slot.next)
	slot.bound = append(slot.bound, slot.guard.TryBind(slot.next, newTestTask(slot.next, "next.jpg", 100, 100, 11)))
}

func TestSlotGuardDeliverToRebindingSlot(t *testing.T) {
	guard := NewSlotGuard()
	next := newTestSlot()
	slot := &rebindingSlot{
		testSlot: newTestSlot(),
		guard:    guard,
		next:     next,
	}

	task := newTestTask(slot, "a.jpg", 100, 100, 1)
	guard.Bind(slot, task)

	done := make(chan bool, 1)
	go func() {
		done <- guard.Deliver(slot, task, imaging.NewBitmap(image.NewRGBA(image.Rect(0, 0, 4, 4)), imaging.BitmapOriginFullDecode, 1))
	}()

	select {
	case delivered := <-done:
		assert.True(t, delivered)
	case <-time.After(5 * time.Second):
		t.Fatal("Deliver did not return while the slot bound another task")
	}

	assert.Equal(t, []bool{true}, slot.bound)
	assert.Equal(t, uint64(10), next.GetCurrentTaskID())
	assert.Equal(t, 1, guard.GetActiveBindings())

	failing := newTestTask(slot, "b.jpg", 100, 100, 2)
	guard.Bind(slot, failing)

	go func() {
		done <- guard.DeliverFailure(slot, failing)
	}()

	select {
	case delivered := <-done:
		assert.True(t, delivered)
	case <-time.After(5 * time.Second):
		t.Fatal("DeliverFailure did not return while the slot bound another task")
	}

	assert.Equal(t, []bool{true, true}, slot.bound)
	assert.Equal(t, uint64(11), next.GetCurrentTaskID())
	assert.Equal(t, []uint64{2}, slot.getFailures())
}

func TestSlotGuardUnbindAndCancelAll(t *testing.T) {
	guard := NewSlotGuard()
	slot1 := newTestSlot()
	slot2 := newTestSlot()

	task1 := newTestTask(slot1, "a.jpg", 100, 100, 1)
	task2 := newTestTask(slot2, "b.jpg", 100, 100, 2)
	guard.Bind(slot1, task1)
	guard.Bind(slot2, task2)

	// unbinding a stale task leaves the current binding alone
	guard.Unbind(slot1, task2)
	assert.Equal(t, 2, guard.GetActiveBindings())

	guard.CancelAll()
	assert.True(t, task1.IsCancelled())
	assert.True(t, task2.IsCancelled())
	assert.Equal(t, 0, guard.GetActiveBindings())
	assert.Equal(t, uint64(0), slot1.GetCurrentTaskID())
}
