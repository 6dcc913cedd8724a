package history

import (
	"context"
	"sync"
)

// Task represents a work item
type Task interface {
	Execute(ctx context.Context) error
}

// TaskFunc adapts a function to Task.
type TaskFunc func(ctx context.Context) error

// Execute calls f(ctx).
func (f TaskFunc) Execute(ctx context.Context) error {
	return f(ctx)
}

// WorkerPool runs tasks on a fixed number of goroutines
type WorkerPool struct {
	workers   int
	taskQueue chan Task
	onError   func(error)
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc

	mu      sync.RWMutex
	stopped bool
}

// NewWorkerPool creates a new worker pool. onError, if set, receives every task error.
func NewWorkerPool(workers, queueSize int, onError func(error)) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers * 2
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		workers:   workers,
		taskQueue: make(chan Task, queueSize),
		onError:   onError,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start starts the worker pool
func (wp *WorkerPool) Start() {
	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

// Stop drains queued tasks and waits for the workers to exit
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if wp.stopped {
		wp.mu.Unlock()
		return
	}
	wp.stopped = true
	close(wp.taskQueue)
	wp.mu.Unlock()

	wp.wg.Wait()
	wp.cancel()
}

// TrySubmit queues a task without blocking. It reports false when the queue
// is full or the pool has stopped.
func (wp *WorkerPool) TrySubmit(task Task) bool {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	if wp.stopped {
		return false
	}
	select {
	case wp.taskQueue <- task:
		return true
	default:
		return false
	}
}

// worker runs a worker goroutine
func (wp *WorkerPool) worker() {
	defer wp.wg.Done()
	for task := range wp.taskQueue {
		if task == nil {
			continue
		}
		if err := task.Execute(wp.ctx); err != nil && wp.onError != nil {
			wp.onError(err)
		}
	}
}
