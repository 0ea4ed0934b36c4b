package access

import (
	"sync"
	"time"
)

// event is a unit of work for the engine goroutine.
type event interface{ isEvent() }

type requestEvent struct{ req *request }

type supportedEvent struct {
	id        string
	supported bool
	err       error
}

type provisionedEvent struct {
	id          string
	provisioned bool
	err         error
}

type locationEvent struct {
	generation uint64
	loc        *Location
}

type locationTimeoutEvent struct{ generation uint64 }

type idleTimeoutEvent struct{ generation uint64 }

type configUpdatedEvent struct{}

type barrierEvent struct{ done chan struct{} }

type inspectEvent struct{ reply chan Status }

func (requestEvent) isEvent()         {}
func (supportedEvent) isEvent()       {}
func (provisionedEvent) isEvent()     {}
func (locationEvent) isEvent()        {}
func (locationTimeoutEvent) isEvent() {}
func (idleTimeoutEvent) isEvent()     {}
func (configUpdatedEvent) isEvent()   {}
func (barrierEvent) isEvent()         {}
func (inspectEvent) isEvent()         {}

// eventQueue is an unbounded FIFO. push never blocks, so collaborators may
// call back synchronously from inside an engine transition.
type eventQueue struct {
	mu     sync.Mutex
	items  []event
	notify chan struct{}
	closed bool
}

func newEventQueue() *eventQueue {
	return &eventQueue{notify: make(chan struct{}, 1)}
}

// push appends ev. It reports false once the queue has been closed.
func (q *eventQueue) push(ev event) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// drain takes every queued event.
func (q *eventQueue) drain() []event {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// Status is a point-in-time view of engine state, computed on the engine
// goroutine.
type Status struct {
	InFlight           int
	WaitingForLocation int
	LocationWaitArmed  bool
	IdleTimerArmed     bool
	ResolverActive     bool
	AccessCacheSize    int
	AnswerCacheSet     bool
	AnswerCacheAllowed bool
	AnswerCacheSetAt   time.Time
	Allowed            bool
	CountryCodes       []string
	GeofenceFile       string
	ReloadsAccepted    int
	ReloadsRejected    int
}
