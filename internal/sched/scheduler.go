// Package sched provides single-shot timers keyed to an injectable clock.
package sched

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/satellite-access/timectrl"
)

// Scheduler schedules callbacks to run at specific times. The access engine
// uses it for its idle-release and location-wait timers; callbacks only post
// events back to the engine, so they may run on any goroutine.
type Scheduler interface {
	// Schedule registers a callback f to run at time 'at'.
	// It returns an opaque event ID that can be used to cancel the event.
	Schedule(at time.Time, f func()) (id string)

	// Cancel attempts to cancel a previously scheduled event.
	// It is a no-op if the ID is unknown or the event already ran.
	Cancel(id string)

	// Now returns the current time of the underlying clock.
	Now() time.Time
}

// scheduledEvent represents a single scheduled callback.
type scheduledEvent struct {
	id        string
	when      time.Time
	f         func()
	cancelled bool
}

// WallScheduler is a Scheduler that fires callbacks in real time. Events are
// kept ordered by time and a single runtime timer is armed for the earliest.
type WallScheduler struct {
	clock timectrl.Clock

	mu      sync.Mutex
	counter uint64
	events  []*scheduledEvent // ordered by 'when' (earliest first)
	index   map[string]*scheduledEvent
	timer   *time.Timer
	closed  bool
}

// NewScheduler creates a scheduler backed by the given clock; nil uses the
// system clock.
func NewScheduler(clock timectrl.Clock) *WallScheduler {
	if clock == nil {
		clock = timectrl.SystemClock{}
	}
	return &WallScheduler{
		clock: clock,
		index: make(map[string]*scheduledEvent),
	}
}

// Schedule registers a callback to run at the specified time.
func (s *WallScheduler) Schedule(at time.Time, f func()) (id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counter++
	id = fmt.Sprintf("ev-%d", s.counter)
	if s.closed {
		return id
	}

	ev := &scheduledEvent{id: id, when: at, f: f}
	s.addEventLocked(ev)
	s.index[id] = ev
	s.armLocked()
	return id
}

// addEventLocked inserts an event into the events slice maintaining time order.
// Caller must hold s.mu lock.
func (s *WallScheduler) addEventLocked(ev *scheduledEvent) {
	idx := sort.Search(len(s.events), func(i int) bool {
		return ev.when.Before(s.events[i].when)
	})
	s.events = append(s.events, nil)
	copy(s.events[idx+1:], s.events[idx:])
	s.events[idx] = ev
}

// Cancel attempts to cancel a previously scheduled event.
func (s *WallScheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.index[id]
	if !ok {
		return
	}
	ev.cancelled = true
	delete(s.index, id)
	// Removal from s.events is lazy; RunDue skips cancelled events.
	s.armLocked()
}

// Now returns the current time from the underlying clock.
func (s *WallScheduler) Now() time.Time {
	return s.clock.Now()
}

// Pending reports how many events are still waiting to fire.
func (s *WallScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

// Close stops the runtime timer and drops every pending event.
func (s *WallScheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.events = nil
	s.index = make(map[string]*scheduledEvent)
}

// armLocked points the runtime timer at the earliest live event.
// Caller must hold s.mu lock.
func (s *WallScheduler) armLocked() {
	for len(s.events) > 0 && s.events[0].cancelled {
		s.events = s.events[1:]
	}
	if len(s.events) == 0 || s.closed {
		if s.timer != nil {
			s.timer.Stop()
		}
		return
	}
	d := s.events[0].when.Sub(s.clock.Now())
	if d < 0 {
		d = 0
	}
	if s.timer == nil {
		s.timer = time.AfterFunc(d, s.RunDue)
		return
	}
	s.timer.Stop()
	s.timer.Reset(d)
}

// popDueLocked removes and returns the next due event, or nil.
// Caller must hold s.mu lock.
func (s *WallScheduler) popDueLocked() *scheduledEvent {
	now := s.clock.Now()
	for len(s.events) > 0 {
		ev := s.events[0]
		if ev.cancelled {
			s.events = s.events[1:]
			continue
		}
		if ev.when.After(now) {
			return nil
		}
		s.events = s.events[1:]
		return ev
	}
	return nil
}

// RunDue executes all events whose scheduled time is <= Now() and re-arms the
// timer for the next one. Already-run events never run again.
func (s *WallScheduler) RunDue() {
	for {
		s.mu.Lock()
		ev := s.popDueLocked()
		if ev == nil {
			s.armLocked()
			s.mu.Unlock()
			return
		}
		delete(s.index, ev.id)
		s.mu.Unlock()

		// Execute callback outside the lock to allow re-entrant scheduling.
		if ev.f != nil {
			ev.f()
		}
	}
}
