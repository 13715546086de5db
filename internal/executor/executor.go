// Package executor provides task executors for background responders: an
// unbounded spawner and a fixed-size worker pool that can reject work.
package executor

import (
	"errors"
	"sync"
)

// ErrQueueFull is returned by Pool.Execute when every worker is busy and
// the submission queue is at capacity.
var ErrQueueFull = errors.New("executor: task queue full")

// ErrClosed is returned by Pool.Execute after Close.
var ErrClosed = errors.New("executor: closed")

// Goroutine runs every task on its own goroutine and never rejects.
type Goroutine struct{}

func (Goroutine) Execute(task func()) error {
	go task()
	return nil
}

// Pool is a fixed-size worker pool with a bounded submission queue.
// Execute never blocks: once the queue is full it rejects, which the
// connection driver treats as fatal.
type Pool struct {
	tasks chan func()
	quit  chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewPool starts workers goroutines consuming a queue of depth queue.
func NewPool(workers, queue int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	p := &Pool{
		tasks: make(chan func(), queue),
		quit:  make(chan struct{}),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case task := <-p.tasks:
			task()
		case <-p.quit:
			// Drain what was accepted before Close.
			for {
				select {
				case task := <-p.tasks:
					task()
				default:
					return
				}
			}
		}
	}
}

// Execute submits task to the pool.
func (p *Pool) Execute(task func()) error {
	select {
	case <-p.quit:
		return ErrClosed
	default:
	}
	select {
	case p.tasks <- task:
		return nil
	case <-p.quit:
		return ErrClosed
	default:
		return ErrQueueFull
	}
}

// Close stops the workers after the accepted tasks finish. It does not
// wait for in-flight tasks; use Wait for that.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.quit)
	})
}

// Wait blocks until all workers have exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}
