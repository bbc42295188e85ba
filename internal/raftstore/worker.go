package raftstore

import (
	"sync"

	"go.uber.org/zap"
)

// taskHandler runs the tasks of one worker.
type taskHandler[T any] interface {
	handle(task T)
}

// worker runs tasks on a single goroutine fed by a bounded queue.
type worker[T any] struct {
	name    string
	ch      chan T
	closeCh chan struct{}
	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	logger  *zap.Logger
}

func newWorker[T any](name string, capacity int, logger *zap.Logger) *worker[T] {
	return &worker[T]{
		name:    name,
		ch:      make(chan T, capacity),
		closeCh: make(chan struct{}),
		logger:  logger.Named(name),
	}
}

func (w *worker[T]) start(h taskHandler[T]) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case task := <-w.ch:
				h.handle(task)
			case <-w.closeCh:
				for {
					select {
					case task := <-w.ch:
						h.handle(task)
					default:
						return
					}
				}
			}
		}
	}()
}

// schedule queues task without blocking.
func (w *worker[T]) schedule(task T) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrWorkerStopped
	}
	select {
	case w.ch <- task:
		return nil
	default:
		w.logger.Warn("worker queue is full, task dropped")
		return ErrWorkerBusy
	}
}

// stop drains the queued tasks and waits for the goroutine.
func (w *worker[T]) stop() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.closeCh)
	w.mu.Unlock()
	w.wg.Wait()
}
