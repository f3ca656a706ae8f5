// Package pool provides the bounded worker pool that executes blocking file
// I/O off the scheduler goroutine. Completions are reported by the caller
// posting a closure back to the scheduler.
package pool

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/keelworks/casevault/internal/domain"
)

// Pool runs submitted tasks on a fixed set of worker goroutines.
type Pool struct {
	jobs chan func()
	wg   sync.WaitGroup
	log  zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

// DefaultWorkers is the pool size used when the configuration leaves it
// unset.
const DefaultWorkers = 4

// New starts a pool with the given number of workers. Size values below one
// are raised to DefaultWorkers.
func New(size int, logger zerolog.Logger) *Pool {
	if size < 1 {
		size = DefaultWorkers
	}
	p := &Pool{
		jobs: make(chan func(), size*8),
		log:  logger.With().Str("component", "pool").Logger(),
	}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		job()
	}
}

// Submit queues a task for execution. It never blocks the caller: when the
// queue is momentarily full the handoff moves to a transient goroutine, so a
// stuck disk stalls only its own path, never the scheduler posting work.
// Returns domain.ErrClosed after Close.
func (p *Pool) Submit(task func()) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return domain.ErrClosed
	}
	select {
	case p.jobs <- task:
		p.mu.RUnlock()
		return nil
	default:
	}
	p.mu.RUnlock()
	go func() {
		// Re-checking closed under the read lock keeps the send safe
		// against a concurrent close of the jobs channel.
		p.mu.RLock()
		defer p.mu.RUnlock()
		if p.closed {
			return
		}
		p.jobs <- task
	}()
	return nil
}

// Close stops accepting tasks and waits for in-flight ones to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	close(p.jobs)
	p.wg.Wait()
}
