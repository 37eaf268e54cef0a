// Package scheduler runs cancellable delayed tasks keyed by an identifier.
//
// At most one task is pending per key. Scheduling a key again replaces the
// pending task, and a task that was cancelled or replaced never runs even if
// its timer already fired and is racing to acquire the lock.
package scheduler

import (
	"sync"
	"time"
)

// Timer is the subset of *time.Timer the scheduler uses.
type Timer interface {
	Stop() bool
}

// Clock creates timers. The zero Scheduler uses the real clock.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// RealClock returns a Clock backed by time.AfterFunc.
func RealClock() Clock { return realClock{} }

type task struct {
	gen   uint64
	timer Timer
	due   time.Time
}

// Scheduler holds keyed delayed tasks.
type Scheduler struct {
	clock Clock

	mu      sync.Mutex
	tasks   map[string]*task
	nextGen uint64
	stopped bool
}

// New creates a scheduler. A nil clock means the real clock.
func New(clock Clock) *Scheduler {
	if clock == nil {
		clock = realClock{}
	}
	return &Scheduler{
		clock: clock,
		tasks: make(map[string]*task),
	}
}

// Schedule runs fn after delay unless cancelled or replaced first. Any task
// already pending for key is cancelled. It returns false after Stop.
func (s *Scheduler) Schedule(key string, delay time.Duration, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return false
	}
	if old, ok := s.tasks[key]; ok {
		old.timer.Stop()
	}

	s.nextGen++
	gen := s.nextGen
	t := &task{gen: gen, due: time.Now().Add(delay)}
	t.timer = s.clock.AfterFunc(delay, func() {
		if s.claim(key, gen) {
			fn()
		}
	})
	s.tasks[key] = t
	return true
}

// claim removes the task for key if it is still generation gen.
func (s *Scheduler) claim(key string, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[key]
	if !ok || t.gen != gen {
		return false
	}
	delete(s.tasks, key)
	return true
}

// Cancel drops the pending task for key. It reports whether one existed.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[key]
	if !ok {
		return false
	}
	t.timer.Stop()
	delete(s.tasks, key)
	return true
}

// Pending reports whether a task is waiting for key.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[key]
	return ok
}

// Due returns when the pending task for key fires.
func (s *Scheduler) Due(key string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[key]
	if !ok {
		return time.Time{}, false
	}
	return t.due, true
}

// Len returns the number of pending tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Stop cancels every pending task and rejects new ones.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, t := range s.tasks {
		t.timer.Stop()
		delete(s.tasks, key)
	}
	s.stopped = true
}
