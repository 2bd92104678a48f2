package ioloop

// joinState is the single-slot shared between a spawned child and its join
// handle. Safe without synchronization: both sides run on the executor
// thread.
type joinState[T any] struct {
	val    T
	filled bool
}

// JoinHandle resolves to the output of a spawned task. Polling it returns
// the stored value once the child has completed; the child marks its
// spawning task ready at that point, so the handle is polled again without
// any waker machinery.
type JoinHandle[T any] struct {
	state *joinState[T]
}

// Poll implements Future. The value is taken: a second completion-side poll
// reports pending again.
func (h *JoinHandle[T]) Poll() (T, bool) {
	if !h.state.filled {
		var zero T
		return zero, false
	}
	v := h.state.val
	var zero T
	h.state.val = zero
	h.state.filled = false
	return v, true
}

// Spawn inserts fut into the task table as a new task and marks it ready.
// The spawning task is marked ready again when the child completes, so
// awaiting the returned handle makes progress without polling in a loop.
//
// Spawn is only callable from inside a running task. It is meant for
// computations that should advance independently of the caller; sequential
// composition is better expressed by polling the inner future directly.
func Spawn[T any](fut Future[T]) *JoinHandle[T] {
	c := mustCurrent("Spawn")
	e := c.exec
	parent := c.taskID
	state := &joinState[T]{}

	child := &task{}
	child.poll = func() bool {
		v, ok := fut.Poll()
		if !ok {
			return false
		}
		state.val = v
		state.filled = true
		// Back-reference, not ownership: if the parent completed first,
		// the notification lands on a removed id and is ignored.
		e.notify(parent)
		return true
	}

	id := e.tasks.Insert(child)
	e.observer.ObserveSpawn()
	e.notify(id)
	return &JoinHandle[T]{state: state}
}
