package service

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWorkerPoolRunsAllJobs(t *testing.T) {
	pool := NewWorkerPool("test", 4)
	assert.Equal(t, "test", pool.GetName())
	assert.Equal(t, 4, pool.GetWorkers())

	var done atomic.Int64
	for i := 0; i < 200; i++ {
		assert.True(t, pool.Submit(func() {
			done.Add(1)
		}))
	}

	// release waits for queued jobs
	pool.Release()
	assert.Equal(t, int64(200), done.Load())

	assert.False(t, pool.Submit(func() {}))
	pool.Release()
}

func TestWorkerPoolSubmitDoesNotWaitForWorkers(t *testing.T) {
	pool := NewWorkerPool("test", 1)
	defer pool.Release()

	gate := make(chan struct{})
	pool.Submit(func() {
		<-gate
	})

	submitted := make(chan struct{})
	go func() {
		for i := 0; i < workerPoolBuffered*4; i++ {
			pool.Submit(func() {})
		}
		close(submitted)
	}()

	select {
	case <-submitted:
	case <-time.After(5 * time.Second):
		assert.Fail(t, "submit blocked on a busy worker")
	}

	close(gate)
}

func TestWorkerPoolSurvivesPanic(t *testing.T) {
	pool := NewWorkerPool("test", 1)

	var ran atomic.Bool
	pool.Submit(func() {
		panic("job failure")
	})
	pool.Submit(func() {
		ran.Store(true)
	})

	pool.Release()
	assert.True(t, ran.Load())
}

func TestSerialDispatcherKeepsOrder(t *testing.T) {
	dispatcher := NewSerialDispatcher()

	order := []int{}
	mutex := sync.Mutex{}
	for i := 0; i < 100; i++ {
		value := i
		dispatcher.Post(func() {
			mutex.Lock()
			defer mutex.Unlock()
			order = append(order, value)
		})
	}

	dispatcher.Release()

	assert.Len(t, order, 100)
	for i, value := range order {
		assert.Equal(t, i, value)
	}

	// dropped after release
	dispatcher.Post(func() {
		order = append(order, -1)
	})
	assert.Len(t, order, 100)
}

func TestDispatcherFunc(t *testing.T) {
	called := false
	dispatcher := DispatcherFunc(func(fn func()) {
		fn()
	})

	dispatcher.Post(func() {
		called = true
	})
	assert.True(t, called)
}
