package tick

import (
	"fmt"
	"sort"
	"sync"
)

// Scheduler runs callbacks a number of update ticks in the future. The
// world loop calls Advance once per tick; callbacks due at that tick run in
// the order they were scheduled.
type Scheduler struct {
	mu      sync.Mutex
	now     uint64
	counter uint64
	events  []*scheduledEvent // ordered by 'at', then by id
	index   map[string]*scheduledEvent
}

type scheduledEvent struct {
	id        string
	seq       uint64
	at        uint64
	f         func()
	cancelled bool
}

// NewScheduler creates a scheduler at tick zero.
func NewScheduler() *Scheduler {
	return &Scheduler{index: make(map[string]*scheduledEvent)}
}

// Now returns the number of ticks advanced so far.
func (s *Scheduler) Now() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// After registers f to run once n further ticks have elapsed. n == 0 runs f
// on the next RunDue call. It returns an id usable with Cancel.
func (s *Scheduler) After(n uint64, f func()) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counter++
	ev := &scheduledEvent{
		id:  fmt.Sprintf("tick-%d", s.counter),
		seq: s.counter,
		at:  s.now + n,
		f:   f,
	}
	idx := sort.Search(len(s.events), func(i int) bool {
		return s.events[i].at > ev.at
	})
	s.events = append(s.events, nil)
	copy(s.events[idx+1:], s.events[idx:])
	s.events[idx] = ev
	s.index[ev.id] = ev
	return ev.id
}

// Cancel drops a pending callback and reports whether it was still waiting.
// Unknown or already-run ids are ignored.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.index[id]
	if !ok {
		return false
	}
	ev.cancelled = true
	delete(s.index, id)
	return true
}

// CancelAll drops every pending callback.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		ev.cancelled = true
	}
	s.events = nil
	s.index = make(map[string]*scheduledEvent)
}

// Pending returns the number of callbacks still waiting.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

// Advance moves time forward by one tick and runs every due callback.
func (s *Scheduler) Advance() {
	s.mu.Lock()
	s.now++
	s.mu.Unlock()
	s.RunDue()
}

// RunDue executes all callbacks scheduled at or before the current tick.
// Callbacks run outside the lock and may schedule further callbacks; those
// due immediately run in the same call.
func (s *Scheduler) RunDue() {
	for {
		s.mu.Lock()
		ev := s.popDueLocked()
		s.mu.Unlock()
		if ev == nil {
			return
		}
		if ev.f != nil {
			ev.f()
		}
	}
}

// popDueLocked removes and returns the earliest due, non-cancelled event.
// Caller must hold s.mu.
func (s *Scheduler) popDueLocked() *scheduledEvent {
	for len(s.events) > 0 {
		ev := s.events[0]
		if ev.at > s.now {
			return nil
		}
		s.events = s.events[1:]
		if ev.cancelled {
			continue
		}
		delete(s.index, ev.id)
		return ev
	}
	return nil
}
