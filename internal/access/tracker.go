package access

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Decision sources, used for logs and metrics.
const (
	sourceNone          = "none"
	sourceNetwork       = "network"
	sourceCachedCountry = "cached_country"
	sourceOnDevice      = "on_device"
)

// request is one in-flight access decision.
type request struct {
	id        string
	subID     int
	sink      ResponseSink
	createdAt time.Time
	ctx       context.Context
	span      trace.Span
	source    string
}

// tracker owns the in-flight requests. It is only touched from the engine
// goroutine.
type tracker struct {
	requests map[string]*request
	// waiting holds requests joined to the outstanding location wait, in
	// arrival order.
	waiting []*request
}

func newTracker() *tracker {
	return &tracker{requests: make(map[string]*request)}
}

func (t *tracker) add(r *request) {
	t.requests[r.id] = r
}

func (t *tracker) get(id string) (*request, bool) {
	r, ok := t.requests[id]
	return r, ok
}

// remove drops id and reports whether it was still tracked. A request is
// answered only by the caller that removed it.
func (t *tracker) remove(id string) (*request, bool) {
	r, ok := t.requests[id]
	if !ok {
		return nil, false
	}
	delete(t.requests, id)
	return r, true
}

func (t *tracker) joinWait(r *request) {
	t.waiting = append(t.waiting, r)
}

func (t *tracker) takeWaiting() []*request {
	w := t.waiting
	t.waiting = nil
	return w
}

// takeAll empties the tracker.
func (t *tracker) takeAll() []*request {
	out := make([]*request, 0, len(t.requests))
	for id, r := range t.requests {
		out = append(out, r)
		delete(t.requests, id)
	}
	t.waiting = nil
	return out
}

func (t *tracker) len() int { return len(t.requests) }
