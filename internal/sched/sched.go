// Package sched provides the single-goroutine cooperative scheduler that all
// casevault policy decisions run on. Timers and worker completions are
// delivered as closures posted to the scheduler loop, so no two components
// ever race to decide whether a write should happen.
package sched

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Scheduler executes posted closures serially on one goroutine. Blocking
// work must never run on it; dispatch to a worker pool and post the
// completion back instead.
type Scheduler struct {
	posts  chan func()
	quit   chan struct{}
	done   chan struct{}
	closed atomic.Bool
	log    zerolog.Logger

	mu      sync.Mutex
	running map[*Handle]struct{}
}

// Handle identifies a scheduled timer so it can be canceled.
type Handle struct {
	once *time.Timer
	stop chan struct{}
	seq  uint64
}

// New creates a scheduler and starts its loop.
func New(logger zerolog.Logger) *Scheduler {
	s := &Scheduler{
		posts:   make(chan func(), 256),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		log:     logger.With().Str("component", "sched").Logger(),
		running: make(map[*Handle]struct{}),
	}
	go s.loop()
	return s
}

func (s *Scheduler) loop() {
	defer close(s.done)
	for {
		select {
		case fn := <-s.posts:
			fn()
		case <-s.quit:
			// Drain anything already queued so callers waiting on posted
			// completions are not stranded at shutdown.
			for {
				select {
				case fn := <-s.posts:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Post enqueues fn to run on the scheduler goroutine. It never blocks the
// caller: if the queue is momentarily full the handoff moves to a transient
// goroutine. Posts after Close are dropped.
func (s *Scheduler) Post(fn func()) {
	if s.closed.Load() {
		return
	}
	select {
	case s.posts <- fn:
	default:
		go func() {
			select {
			case s.posts <- fn:
			case <-s.quit:
			}
		}()
	}
}

// ScheduleOnce runs fn on the scheduler goroutine after delay. The returned
// handle can be passed to Cancel before the timer fires.
func (s *Scheduler) ScheduleOnce(delay time.Duration, fn func()) *Handle {
	h := &Handle{}
	h.once = time.AfterFunc(delay, func() {
		s.Post(fn)
	})
	return h
}

// ScheduleRepeating runs fn on the scheduler goroutine every interval until
// the handle is canceled or the scheduler closes. The first run happens one
// interval from now.
func (s *Scheduler) ScheduleRepeating(interval time.Duration, fn func()) *Handle {
	h := &Handle{stop: make(chan struct{})}
	s.mu.Lock()
	s.running[h] = struct{}{}
	s.mu.Unlock()

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				s.Post(fn)
			case <-h.stop:
				return
			case <-s.quit:
				return
			}
		}
	}()
	return h
}

// Cancel stops a pending or repeating timer. Canceling nil or an already
// canceled handle is a no-op. For one-shot timers that already fired the
// posted closure may still run.
func (s *Scheduler) Cancel(h *Handle) {
	if h == nil {
		return
	}
	if h.once != nil {
		h.once.Stop()
	}
	if h.stop != nil {
		s.mu.Lock()
		if _, ok := s.running[h]; ok {
			delete(s.running, h)
			close(h.stop)
		}
		s.mu.Unlock()
	}
}

// Call posts fn and blocks until it has run. It must not be invoked from the
// scheduler goroutine itself.
func (s *Scheduler) Call(fn func()) {
	done := make(chan struct{})
	s.Post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-s.done:
	}
}

// Close stops the loop after draining queued work. Repeating timers are
// stopped; pending one-shot timers whose closures have not been posted yet
// are abandoned.
func (s *Scheduler) Close() {
	if s.closed.Swap(true) {
		return
	}
	s.mu.Lock()
	for h := range s.running {
		close(h.stop)
	}
	s.running = make(map[*Handle]struct{})
	s.mu.Unlock()
	close(s.quit)
	<-s.done
}
