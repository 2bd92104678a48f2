// Package ioloop implements a single-threaded asynchronous I/O runtime on
// top of io_uring.
//
// A cooperative executor drives poll-based futures to completion on one OS
// thread, multiplexing their kernel I/O over two rings: a buffered ring for
// regular file and generic operations and a polled ring for direct I/O.
// Tasks queue submission entries through an ambient context installed around
// each poll, and are woken when the matching completions are drained.
//
// There are no cross-thread wakeups and no locks on the hot path; readiness
// is conveyed exclusively through the executor's ready set.
package ioloop

import (
	"time"

	"github.com/ehrlich-b/go-ioloop/internal/constants"
)

// Config configures an executor run. The zero value is not valid; start
// from NewConfig.
type Config struct {
	ringDepth       uint32
	preemptDuration time.Duration
	observer        Observer
}

// NewConfig returns the default configuration: ring depth 64, preemption
// budget 10ms, no observer.
func NewConfig() Config {
	return Config{
		ringDepth:       constants.DefaultRingDepth,
		preemptDuration: constants.DefaultPreemptDuration,
		observer:        NoOpObserver{},
	}
}

// WithRingDepth sets the submission queue depth of both rings.
func (c Config) WithRingDepth(depth uint32) Config {
	c.ringDepth = depth
	return c
}

// WithPreemptDuration sets the wallclock budget after which running tasks
// are expected to yield.
func (c Config) WithPreemptDuration(d time.Duration) Config {
	c.preemptDuration = d
	return c
}

// WithObserver installs an instrumentation observer, e.g.
// NewMetricsObserver(NewMetrics()).
func (c Config) WithObserver(o Observer) Config {
	if o == nil {
		o = NoOpObserver{}
	}
	c.observer = o
	return c
}

// Run drives fut to completion on the calling goroutine and returns its
// output. It locks the OS thread for the duration, creates both rings, and
// does not return until the root future has completed and every deferred
// file close has been drained through the ring.
//
// Ring construction failures are returned as *Error. A panic inside a task
// propagates out of Run after the ambient context slot has been cleared.
func Run[T any](cfg Config, fut Future[T]) (T, error) {
	var out T
	done := false
	rootPoll := func() bool {
		v, ok := fut.Poll()
		if ok {
			out = v
			done = true
		}
		return ok
	}
	if err := run(cfg, rootPoll, &done); err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}
