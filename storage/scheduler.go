package storage

import (
	"sync"
	"time"
)

// Scheduler runs delayed one-shot tasks and can cancel all of them on shutdown.
type Scheduler struct {
	mu      sync.Mutex
	timers  map[uint64]*time.Timer
	nextID  uint64
	stopped bool
	running sync.WaitGroup
}

// NewScheduler returns an idle scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{timers: map[uint64]*time.Timer{}}
}

// After runs fn once d has elapsed. It never blocks the caller and returns
// false if the scheduler was already stopped.
func (s *Scheduler) After(d time.Duration, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}

	id := s.nextID
	s.nextID++
	// The callback takes s.mu, so it cannot observe the map before the timer is stored.
	s.timers[id] = time.AfterFunc(d, func() {
		s.mu.Lock()
		if _, ok := s.timers[id]; !ok || s.stopped {
			s.mu.Unlock()
			return
		}
		delete(s.timers, id)
		s.running.Add(1)
		s.mu.Unlock()

		defer s.running.Done()
		fn()
	})
	return true
}

// Pending is the number of tasks that have not fired yet.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels every pending task, waits for tasks already running and
// returns how many were cancelled. Later calls to After are rejected.
func (s *Scheduler) Stop() int {
	s.mu.Lock()
	s.stopped = true
	cancelled := 0
	for id, t := range s.timers {
		if t.Stop() {
			cancelled++
		}
		delete(s.timers, id)
	}
	s.mu.Unlock()

	s.running.Wait()
	return cancelled
}
