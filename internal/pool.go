package internal

import "sync"

type WorkerPool struct {
	N  int
	ch chan func()
	wg sync.WaitGroup
}

// Create a new worker pool of size N. Up to N work can be done concurrently.
// N should be derived from the shared resource the work contends on, e.g. a fraction of the
// remote database connection limit when warming per-user caches at startup. If more than N work
// is requested, WorkerPool.Queue blocks until some work is done.
func NewWorkerPool(n int) *WorkerPool {
	return &WorkerPool{
		N: n,
		// The amount of in-flight work is N, so allow up to N work to be queued up before
		// applying backpressure on the producer.
		ch: make(chan func(), n),
	}
}

// Start the workers. Only call this once.
func (wp *WorkerPool) Start() {
	wp.wg.Add(wp.N)
	for i := 0; i < wp.N; i++ {
		go wp.worker()
	}
}

// Stop the worker pool. Queued work is still processed. Only call this once.
func (wp *WorkerPool) Stop() {
	close(wp.ch)
}

// StopAndWait stops the pool and blocks until every queued function has returned.
func (wp *WorkerPool) StopAndWait() {
	wp.Stop()
	wp.wg.Wait()
}

// Queue some work on the pool. May or may not block until some work is processed.
func (wp *WorkerPool) Queue(fn func()) {
	wp.ch <- fn
}

// worker impl
func (wp *WorkerPool) worker() {
	defer wp.wg.Done()
	for fn := range wp.ch {
		fn()
	}
}
