package service

// Dispatcher runs delivery callbacks on the single goroutine that owns the slots,
// e.g. a UI toolkit's main loop
type Dispatcher interface {
	Post(fn func())
}

// DispatcherFunc adapts a function to Dispatcher
type DispatcherFunc func(fn func())

// Post posts fn
func (dispatcher DispatcherFunc) Post(fn func()) {
	dispatcher(fn)
}

// SerialDispatcher runs posted callbacks one at a time, in order, on a dedicated goroutine
type SerialDispatcher struct {
	pool *WorkerPool
}

// NewSerialDispatcher creates a new SerialDispatcher
func NewSerialDispatcher() *SerialDispatcher {
	return &SerialDispatcher{
		pool: NewWorkerPool("delivery", 1),
	}
}

// Post posts fn. Callbacks posted after Release are dropped.
func (dispatcher *SerialDispatcher) Post(fn func()) {
	dispatcher.pool.Submit(fn)
}

// Release runs pending callbacks and stops the goroutine
func (dispatcher *SerialDispatcher) Release() {
	dispatcher.pool.Release()
}
