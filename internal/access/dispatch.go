package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/signalsfoundry/satellite-access/internal/logging"
)

// dispatcher runs response sinks off the engine goroutine.
type dispatcher struct {
	pool *ants.Pool
	log  logging.Logger
}

func newDispatcher(size int, log logging.Logger) *dispatcher {
	d := &dispatcher{log: log}
	pool, err := ants.NewPool(size,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p any) {
			log.Error(context.Background(), "response sink panicked", logging.String("panic", fmt.Sprint(p)))
		}),
	)
	if err != nil {
		log.Warn(context.Background(), "dispatch pool unavailable; sinks run inline", logging.Error(err))
		return d
	}
	d.pool = pool
	return d
}

// dispatch hands resp to sink. Without a pool the sink runs on the calling
// goroutine; when the pool is saturated it gets a goroutine of its own.
func (d *dispatcher) dispatch(sink ResponseSink, resp Response) {
	if sink == nil {
		return
	}
	run := func() { sink.Deliver(resp) }
	if d.pool == nil {
		run()
		return
	}
	err := d.pool.Submit(run)
	switch {
	case err == nil:
	case errors.Is(err, ants.ErrPoolOverload):
		go run()
	default:
		run()
	}
}

// release waits up to timeout for running sinks, then stops the pool.
func (d *dispatcher) release(timeout time.Duration) {
	if d.pool == nil {
		return
	}
	if err := d.pool.ReleaseTimeout(timeout); err != nil {
		d.log.Warn(context.Background(), "dispatch pool release timed out", logging.Error(err))
	}
}
