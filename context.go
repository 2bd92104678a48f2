package ioloop

import (
	"time"

	"github.com/pawelgaczynski/giouring"

	"github.com/ehrlich-b/go-ioloop/internal/slab"
)

// SQEPrep writes one submission queue entry. The executor assigns the entry's
// user data after the prep runs; preps must leave it alone.
type SQEPrep func(*giouring.SubmissionQueueEntry)

// IOID correlates a submitted kernel operation with its completion.
type IOID uint64

// taskContext is the ambient handle available to code running inside a poll.
// It is installed before each poll and cleared on every exit path, including
// panics, so a failing poll cannot leave dangling pointers behind.
type taskContext struct {
	exec   *executor
	taskID slab.Key
	start  time.Time
}

// current is the single ambient slot. Run locks its OS thread and executors
// are serialized process-wide, so plain access is safe.
var current *taskContext

// filesToClose holds raw file descriptors awaiting asynchronous close
// through the ring. It is owned by the running executor's thread, not by any
// task, and deliberately survives an executor that exits early on error: the
// next Run drains it.
var filesToClose []int

func mustCurrent(op string) *taskContext {
	if current == nil {
		panic("ioloop: " + op + " called outside a running task")
	}
	return current
}

// QueueIO inserts an I/O record for the current task, queues the entry on
// the chosen ring tagged with the record's id, and returns the id. The entry
// itself is not handed to the kernel until the scheduler's next submit.
//
// Memory referenced by the prepared entry must stay valid until the matching
// result has been taken with TakeIOResult. The executor keeps the prep
// closure (and everything it captures) reachable until then, but the caller
// must not complete its future before taking the result: the executor
// destroys completed tasks while the kernel may still be using their
// buffers. Only callable from inside a poll.
func QueueIO(prep SQEPrep, direct bool) IOID {
	c := mustCurrent("QueueIO")
	return IOID(c.queueIO(prep, direct).Uint64())
}

// TakeIOResult returns the completion result for id if one has been posted,
// removing the I/O record. A negative result is a negated kernel errno.
// Only callable from inside a poll.
func TakeIOResult(id IOID) (int32, bool) {
	c := mustCurrent("TakeIOResult")
	return c.takeIOResult(slab.FromUint64(uint64(id)))
}

// NotifyWhen registers the current task for wakeup at or after the given
// instant. Only callable from inside a poll.
func NotifyWhen(when time.Time) {
	c := mustCurrent("NotifyWhen")
	c.notifyWhen(when)
}

// DeferClose registers a file descriptor for asynchronous close through the
// ring. The executor batches close submissions each iteration and does not
// exit before all of them complete. If Run exits early via an error or
// panic, queued descriptors stay registered and are closed by the next Run.
func DeferClose(fd int) {
	filesToClose = append(filesToClose, fd)
}

func (c *taskContext) queueIO(prep SQEPrep, direct bool) slab.Key {
	e := c.exec
	ioID := e.io.Insert(ioRecord{owner: c.taskID, direct: direct, pinned: prep})
	if direct {
		e.numDioRunning++
		e.dioRing.Queue(uringPrep(prep), ioID.Uint64())
	} else {
		e.ring.Queue(uringPrep(prep), ioID.Uint64())
	}
	e.observer.ObserveQueueIO(direct)
	return ioID
}

func (c *taskContext) takeIOResult(ioID slab.Key) (int32, bool) {
	e := c.exec
	res, ok := e.ioResults[ioID]
	if !ok {
		return 0, false
	}
	delete(e.ioResults, ioID)
	if _, removed := e.io.Remove(ioID); !removed {
		panic("ioloop: result posted for io id not in the record table")
	}
	return res, true
}

func (c *taskContext) notifyWhen(when time.Time) {
	e := c.exec
	e.timers = append(e.timers, when)
	e.timerTasks = append(e.timerTasks, c.taskID)
}

// yieldIfNeeded reports whether the caller should suspend: true once the
// iteration has exceeded the preemption budget, in which case the task has
// already been re-inserted into the ready set.
func (c *taskContext) yieldIfNeeded() bool {
	if time.Since(c.start) < c.exec.preempt {
		return false
	}
	c.exec.notify(c.taskID)
	return true
}
