package ioloop

import "time"

// Timer is an awaitable that completes once the wall clock passes its
// deadline. Wakeups go through the executor's deadline set; there is no
// kernel timer involved.
type Timer struct {
	deadline   time.Time
	registered bool
}

// Until returns a timer that completes at or after the given instant.
func Until(deadline time.Time) *Timer {
	return &Timer{deadline: deadline}
}

// Sleep returns a timer that completes after d has elapsed, measured from
// now.
func Sleep(d time.Duration) *Timer {
	return &Timer{deadline: time.Now().Add(d)}
}

// Poll implements Future.
func (t *Timer) Poll() (struct{}, bool) {
	if !time.Now().Before(t.deadline) {
		return struct{}{}, true
	}
	if !t.registered {
		c := mustCurrent("Timer")
		c.notifyWhen(t.deadline)
		t.registered = true
	}
	return struct{}{}, false
}
