package dispatch

import (
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Executor runs drain tasks. Execute may block to apply backpressure.
type Executor interface {
	Execute(task func())
}

type inline struct{}

func (inline) Execute(task func()) {
	task()
}

// Inline returns an executor that runs tasks on the publishing goroutine.
func Inline() Executor {
	return inline{}
}

// Pool runs tasks on a bounded set of goroutines shared by many Listeners.
type Pool struct {
	group   errgroup.Group
	mu      sync.RWMutex
	closed  bool
	workers int
}

// NewPool returns a pool running at most workers tasks at once.
func NewPool(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{workers: workers}
	p.group.SetLimit(workers)
	return p
}

// Workers returns the concurrency limit of the pool.
func (p *Pool) Workers() int {
	return p.workers
}

// Execute schedules task, blocking while every worker is busy. Tasks submitted
// after Close run on the caller.
func (p *Pool) Execute(task func()) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		slog.Warn("dispatch pool closed, running task inline")
		task()
		return
	}
	p.group.Go(func() error {
		task()
		return nil
	})
}

// Close waits for running tasks to finish.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return p.group.Wait()
}
