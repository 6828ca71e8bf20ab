package service

import (
	"container/list"
	"runtime/debug"
	"sync"

	log "github.com/sirupsen/logrus"
)

const (
	workerPoolBuffered int = 16
)

// WorkerPool runs submitted jobs on a fixed number of goroutines.
// Submission never waits for a free worker; pending jobs queue up in an unbounded buffer.
type WorkerPool struct {
	name      string
	workers   int
	inputChan chan func()
	workChan  chan func()
	doneChan  chan bool
	buffer    *list.List
	released  bool
	mutex     sync.Mutex
}

// NewWorkerPool creates a new WorkerPool and starts its workers
func NewWorkerPool(name string, workers int) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}

	pool := &WorkerPool{
		name:      name,
		workers:   workers,
		inputChan: make(chan func(), workerPoolBuffered),
		workChan:  make(chan func(), workerPoolBuffered),
		doneChan:  make(chan bool),
		buffer:    list.New(),
		released:  false,
	}

	go pool.pump()
	for i := 0; i < workers; i++ {
		go pool.work()
	}

	return pool
}

// GetName returns the pool name
func (pool *WorkerPool) GetName() string {
	return pool.name
}

// GetWorkers returns the number of workers
func (pool *WorkerPool) GetWorkers() int {
	return pool.workers
}

// Submit queues a job. It returns false if the pool is already released.
func (pool *WorkerPool) Submit(job func()) bool {
	pool.mutex.Lock()
	defer pool.mutex.Unlock()

	if pool.released {
		return false
	}

	pool.inputChan <- job
	return true
}

// Release stops accepting jobs and waits until queued jobs have run
func (pool *WorkerPool) Release() {
	pool.mutex.Lock()
	if pool.released {
		pool.mutex.Unlock()
		return
	}

	pool.released = true
	close(pool.inputChan)
	pool.mutex.Unlock()

	for i := 0; i < pool.workers; i++ {
		<-pool.doneChan
	}
}

// pump moves jobs from the input channel to the buffer, and from the buffer to workers
func (pool *WorkerPool) pump() {
	inputChan := pool.inputChan
	for inputChan != nil || pool.buffer.Len() > 0 {
		outputChan := pool.workChan
		var front func()
		if e := pool.buffer.Front(); e != nil {
			front = e.Value.(func())
		} else {
			outputChan = nil
		}

		select {
		case outputChan <- front:
			pool.buffer.Remove(pool.buffer.Front())
		case job, ok := <-inputChan:
			if !ok {
				inputChan = nil
				continue
			}
			pool.buffer.PushBack(job)
		}
	}
	close(pool.workChan)
}

func (pool *WorkerPool) work() {
	for job := range pool.workChan {
		pool.run(job)
	}
	pool.doneChan <- true
}

func (pool *WorkerPool) run(job func()) {
	logger := log.WithFields(log.Fields{
		"package":  "service",
		"struct":   "WorkerPool",
		"function": "run",
	})

	// a failing job must not take the worker down with it
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("stacktrace from panic in pool %s: %s", pool.name, string(debug.Stack()))
			logger.Error(r)
		}
	}()

	job()
}
