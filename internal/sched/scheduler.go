// Package sched is the engine's only source of timer-driven control flow:
// cancellable one-shot timers keyed by (mission, generation, name), built on
// an injectable clock so tests can fast-forward instead of sleeping.
package sched

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type handleKey struct {
	id   string
	gen  uint64
	name string
}

// Scheduler owns all pending timers. Scheduling a timer under a key that is
// already pending replaces it; closing a mission view cancels every timer for
// that mission in one call, so no stale callback can outlive its cursor.
type Scheduler struct {
	clock clockwork.Clock

	mu     sync.Mutex
	timers map[handleKey]clockwork.Timer
}

func New(clock clockwork.Clock) *Scheduler {
	return &Scheduler{
		clock:  clock,
		timers: make(map[handleKey]clockwork.Timer),
	}
}

// Clock exposes the scheduler's clock for callers that need Now().
func (s *Scheduler) Clock() clockwork.Clock {
	return s.clock
}

// After schedules fn to run once after d, replacing any pending timer under
// the same (id, gen, name). fn runs on the clock's timer goroutine; it must
// not block.
func (s *Scheduler) After(id string, gen uint64, name string, d time.Duration, fn func()) {
	k := handleKey{id: id, gen: gen, name: name}

	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[k]; ok {
		t.Stop()
	}
	s.timers[k] = s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		delete(s.timers, k)
		s.mu.Unlock()
		fn()
	})
}

// Cancel stops one pending timer. Cancelling an already-fired or unknown
// timer is a no-op.
func (s *Scheduler) Cancel(id string, gen uint64, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := handleKey{id: id, gen: gen, name: name}
	if t, ok := s.timers[k]; ok {
		t.Stop()
		delete(s.timers, k)
	}
}

// CancelMission stops every pending timer for a mission, any generation.
func (s *Scheduler) CancelMission(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, t := range s.timers {
		if k.id == id {
			t.Stop()
			delete(s.timers, k)
		}
	}
}

// Pending returns the number of timers currently scheduled; used by tests and
// leak checks.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
