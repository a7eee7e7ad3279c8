// Package limiter provides bounded semaphores that cap concurrent outbound
// gateway calls. Callers arriving at saturation park in arrival order; Drain
// wakes every parked caller with a stopped flag during shutdown.
package limiter

import (
	"context"
	"fmt"
	"sync"
)

// ErrStopped is returned to parked and late callers once Drain has run.
var ErrStopped = fmt.Errorf("semaphore stopped")

// Semaphore admits at most capacity concurrent holders. An uncapped gateway
// raises the per-agent concurrent session count unbounded; with two agents
// and up to four calls per round the population explodes during bursts.
type Semaphore struct {
	mu       sync.Mutex
	name     string
	capacity int
	active   int
	waiters  []chan struct{}
	stopped  bool
}

// NewSemaphore creates a semaphore admitting capacity concurrent holders.
func NewSemaphore(name string, capacity int) *Semaphore {
	if capacity <= 0 {
		capacity = 1
	}
	return &Semaphore{
		name:     name,
		capacity: capacity,
	}
}

// Acquire takes a slot, parking in FIFO order when all slots are held.
// Returns ErrStopped after Drain, or ctx.Err() if the context ends first.
func (s *Semaphore) Acquire(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.active < s.capacity {
		s.active++
		s.mu.Unlock()
		return nil
	}

	wake := make(chan struct{})
	s.waiters = append(s.waiters, wake)
	s.mu.Unlock()

	select {
	case <-wake:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.stopped {
			return ErrStopped
		}
		// Slot was handed off by Release; active already accounts for us.
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, w := range s.waiters {
			if w == wake {
				s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
				return ctx.Err()
			}
		}
		// Handoff already happened; give the slot back.
		s.handoffOrDecrement()
		return ctx.Err()
	}
}

// Release returns a slot, handing it to the oldest parked caller if any.
func (s *Semaphore) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handoffOrDecrement()
}

// handoffOrDecrement transfers the slot to the head waiter or frees it.
// Must be called with mu held.
func (s *Semaphore) handoffOrDecrement() {
	if len(s.waiters) > 0 && !s.stopped {
		wake := s.waiters[0]
		s.waiters = s.waiters[1:]
		close(wake)
		return
	}
	if s.active > 0 {
		s.active--
	}
}

// Drain stops the semaphore: every parked caller wakes and observes
// ErrStopped, and later Acquire calls fail fast. Holders keep their slots
// until they Release.
func (s *Semaphore) Drain() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	s.stopped = true
	for _, wake := range s.waiters {
		close(wake)
	}
	s.waiters = nil
}

// Stats returns the current holder count, parked caller count, and whether
// the semaphore has been drained.
func (s *Semaphore) Stats() (active, waiting int, stopped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, len(s.waiters), s.stopped
}

// Name returns the label the semaphore was created with.
func (s *Semaphore) Name() string {
	return s.name
}
