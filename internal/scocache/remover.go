package scocache

import (
	"log/slog"
	"os"
	"sync"
)

// Remover asynchronously unlinks SCO files so that cache cleanup never
// blocks the data path on a potentially slow unlink. Files are queued
// by path and removed by a small bounded pool of background workers;
// the queue itself is a buffered channel, not an unbounded list, so a
// stalled filesystem backs up the queue rather than the heap.
//
// Grounded on the stop-channel / stopped-channel goroutine lifecycle
// convention used throughout the health and distributed packages.
type Remover struct {
	log     *slog.Logger
	queue   chan string
	stopCh  chan struct{}
	stopped chan struct{}
	wg      sync.WaitGroup
}

// NewRemover starts a Remover with the given number of worker
// goroutines and queue depth.
func NewRemover(workers, queueDepth int, log *slog.Logger) *Remover {
	if workers <= 0 {
		workers = 2
	}
	if queueDepth <= 0 {
		queueDepth = 1024
	}
	if log == nil {
		log = slog.Default()
	}

	r := &Remover{
		log:     log,
		queue:   make(chan string, queueDepth),
		stopCh:  make(chan struct{}),
		stopped: make(chan struct{}),
	}

	r.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go r.worker()
	}
	go func() {
		r.wg.Wait()
		close(r.stopped)
	}()

	return r
}

func (r *Remover) worker() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopCh:
			// Drain what's left without blocking on new arrivals.
			for {
				select {
				case path := <-r.queue:
					r.remove(path)
				default:
					return
				}
			}
		case path := <-r.queue:
			r.remove(path)
		}
	}
}

func (r *Remover) remove(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		r.log.Warn("deferred remove failed", "path", path, "error", err)
	}
}

// Schedule queues path for asynchronous removal. It never blocks the
// caller beyond the channel send; if the queue is saturated the caller
// blocks momentarily, matching the original's "scoped acquire-and-
// release worker" which likewise applies backpressure rather than
// dropping work.
func (r *Remover) Schedule(path string) {
	select {
	case r.queue <- path:
	case <-r.stopCh:
	}
}

// Stop signals all workers to drain and exit, then waits for them.
func (r *Remover) Stop() {
	close(r.stopCh)
	<-r.stopped
}
