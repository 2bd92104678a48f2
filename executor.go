package ioloop

import (
	"runtime"
	"sync"
	"time"

	"github.com/pawelgaczynski/giouring"

	"github.com/ehrlich-b/go-ioloop/internal/constants"
	"github.com/ehrlich-b/go-ioloop/internal/logging"
	"github.com/ehrlich-b/go-ioloop/internal/slab"
	"github.com/ehrlich-b/go-ioloop/internal/uring"
)

type uringPrep = uring.Prep

// task is one pinned computation in the task table. The poll closure owns
// the wrapped future; its address never changes because the closure value is
// heap-allocated and the table only moves the pointer.
type task struct {
	poll func() bool
}

// ioRecord tracks one outstanding kernel operation.
type ioRecord struct {
	owner  slab.Key
	direct bool
	// pinned keeps memory referenced by the submission entry reachable
	// until the result is taken.
	pinned SQEPrep
}

// runLock serializes executors: the ambient context slot and the deferred
// close queue are process-wide singletons.
var runLock sync.Mutex

// afterLoop, when non-nil, observes the executor after the loop exits and
// before ring teardown. Test hook.
var afterLoop func(*executor)

type executor struct {
	ring    *uring.Ring // buffered
	dioRing *uring.Ring // direct, polled

	tasks      *slab.Slab[*task]
	io         *slab.Slab[ioRecord]
	ioResults  map[slab.Key]int32
	ready      map[slab.Key]struct{}
	notifying  []slab.Key
	timers     []time.Time
	timerTasks []slab.Key

	// Polled completions only surface on an explicit submit, so the idle
	// phase needs to know whether any are outstanding.
	numDioRunning int

	closeIOID    slab.Key
	closeTaskID  slab.Key
	filesClosing int

	preempt   time.Duration
	iterStart time.Time

	logger   *logging.Logger
	observer Observer
}

func newExecutor(cfg Config) (*executor, error) {
	if cfg.ringDepth == 0 {
		return nil, NewError("run", ErrCodeInvalidParameters, "ring depth must be positive")
	}
	if cfg.preemptDuration <= 0 {
		return nil, NewError("run", ErrCodeInvalidParameters, "preemption budget must be positive")
	}
	observer := cfg.observer
	if observer == nil {
		observer = NoOpObserver{}
	}

	ring, err := uring.New(uring.Config{Depth: cfg.ringDepth})
	if err != nil {
		return nil, WrapError("ring_setup", err)
	}
	dioRing, err := uring.New(uring.Config{Depth: cfg.ringDepth, Polled: true})
	if err != nil {
		ring.Close()
		return nil, WrapError("ring_setup", err)
	}

	return &executor{
		ring:      ring,
		dioRing:   dioRing,
		tasks:     slab.New[*task](constants.InitialTableCapacity),
		io:        slab.New[ioRecord](constants.InitialTableCapacity),
		ioResults: make(map[slab.Key]int32, cfg.ringDepth*4),
		ready:     make(map[slab.Key]struct{}, constants.InitialTableCapacity),
		notifying: make([]slab.Key, 0, constants.InitialTableCapacity),
		preempt:   cfg.preemptDuration,
		logger:    logging.Default(),
		observer:  observer,
	}, nil
}

func run(cfg Config, rootPoll func() bool, rootDone *bool) error {
	runLock.Lock()
	defer runLock.Unlock()

	// The rings are set up single-issuer; every kernel interaction must
	// come from the thread that created them.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	e, err := newExecutor(cfg)
	if err != nil {
		return err
	}
	defer e.close()

	// Clear the ambient slot even when a task poll panics; a stale slot
	// would dangle into a dead executor on the next run.
	defer func() { current = nil }()

	e.loop(rootPoll, rootDone)
	return nil
}

func (e *executor) close() {
	e.ring.Close()
	e.dioRing.Close()
}

// loop is the scheduler: idle wait, drain the ready set, submit queued
// entries, drain completions, fire timers, enqueue deferred closes. It exits
// when the root output is filled, no close is pending, and the deferred
// close queue is empty.
func (e *executor) loop(rootPoll func() bool, rootDone *bool) {
	// Reserved record for deferred closes: their completions carry this io
	// id and produce no user-visible result. The placeholder task is never
	// notified, so it is never polled.
	e.closeTaskID = e.tasks.Insert(&task{poll: func() bool { return false }})
	e.closeIOID = e.io.Insert(ioRecord{owner: e.closeTaskID})

	rootID := e.tasks.Insert(&task{poll: rootPoll})
	e.observer.ObserveSpawn()
	e.notify(rootID)

	for !*rootDone || e.filesClosing > 0 || len(filesToClose) > 0 {
		e.observer.ObserveIteration()

		e.idleWait()
		e.runReady()

		e.ring.TrySubmit(false)
		// Direct I/O must be kicked even with nothing new to submit, or
		// polled completions never surface.
		e.dioRing.TrySubmit(true)

		e.drainCompletions()
		e.fireTimers()
		e.enqueueDeferredCloses()
	}

	if afterLoop != nil {
		afterLoop(e)
	}
}

// idleWait parks the loop when nothing can make progress: no queued or
// unsubmitted entries, no posted completions, no ready tasks, no deferred
// closes. It repeatedly fires elapsed timers and, while direct I/O is in
// flight, pokes the polled ring, sleeping between rounds to keep CPU usage
// negligible.
func (e *executor) idleWait() {
	if e.ring.PendingLen() > 0 || e.ring.Unsubmitted() > 0 || e.ring.HasCompletions() ||
		e.dioRing.PendingLen() > 0 || e.dioRing.Unsubmitted() > 0 || e.dioRing.HasCompletions() ||
		len(e.ready) > 0 || len(filesToClose) > 0 {
		return
	}

	for {
		for i := 0; i < constants.IdleSpinPasses; i++ {
			if e.ring.HasCompletions() || e.dioRing.HasCompletions() || len(e.ready) > 0 {
				return
			}
			e.fireTimers()
			if e.numDioRunning > 0 {
				e.dioRing.Poke()
			}
		}
		time.Sleep(constants.IdleSleep)
	}
}

// runReady snapshots the ready set and polls each member once. After each
// poll it opportunistically submits queued entries; once the iteration
// exceeds the preemption budget it stops polling and leaves the remaining
// snapshot for the next iteration's ready set.
func (e *executor) runReady() {
	e.iterStart = time.Now()
	if len(e.ready) == 0 {
		return
	}

	e.notifying = e.notifying[:0]
	for id := range e.ready {
		e.notifying = append(e.notifying, id)
	}
	clear(e.ready)

	for len(e.notifying) > 0 {
		id := e.notifying[len(e.notifying)-1]
		e.notifying = e.notifying[:len(e.notifying)-1]

		t, ok := e.tasks.Get(id)
		if !ok {
			// Notified after removal, e.g. a child notifying a parent
			// that already completed.
			continue
		}

		pollStart := time.Now()
		done := e.pollOne(id, t)
		pollLatency := time.Since(pollStart)
		if pollLatency > e.preempt {
			e.logger.Warn("task exceeded the preemption budget without yielding; other tasks may starve",
				"poll", pollLatency, "budget", e.preempt)
			e.observer.ObservePreemptOverrun()
		}
		e.observer.ObservePoll(uint64(pollLatency.Nanoseconds()), done)

		if done {
			e.tasks.Remove(id)
		}

		if time.Since(e.iterStart) > e.preempt {
			// Remaining snapshot entries go back to the ready set so the
			// loop can submit and drain before polling them.
			for _, rest := range e.notifying {
				e.notify(rest)
			}
			e.notifying = e.notifying[:0]
			break
		}

		e.ring.TrySubmit(false)
		e.dioRing.TrySubmit(false)
	}
}

// pollOne installs the ambient context, polls the task once, and clears the
// context on every exit path.
func (e *executor) pollOne(id slab.Key, t *task) bool {
	current = &taskContext{exec: e, taskID: id, start: e.iterStart}
	defer func() { current = nil }()
	return t.poll()
}

// drainCompletions consumes posted completions from both rings, buffered
// first, posts results into the I/O result table and wakes the owning tasks.
func (e *executor) drainCompletions() {
	handle := func(direct bool) func(uring.Completion) {
		return func(c uring.Completion) {
			ioID := slab.FromUint64(c.UserData)
			if ioID == e.closeIOID {
				if e.filesClosing == 0 {
					panic("ioloop: pending close counter underflow")
				}
				e.filesClosing--
				if c.Res < 0 {
					e.logger.Warn("deferred close failed", "errno", -c.Res)
				}
				return
			}
			rec, ok := e.io.Get(ioID)
			if !ok {
				panic("ioloop: completion for unknown io id")
			}
			if _, dup := e.ioResults[ioID]; dup {
				panic("ioloop: duplicate completion for io id")
			}
			e.ioResults[ioID] = c.Res
			e.notify(rec.owner)
			e.observer.ObserveCompletion(direct, c.Res >= 0)
		}
	}

	e.ring.DrainCompletions(handle(false))
	drained := e.dioRing.DrainCompletions(handle(true))
	if drained > e.numDioRunning {
		panic("ioloop: direct in-flight counter underflow")
	}
	e.numDioRunning -= drained
}

// fireTimers moves every deadline strictly in the past into the ready set.
func (e *executor) fireTimers() {
	now := time.Now()
	fired := uint64(0)
	for i := 0; i < len(e.timers); {
		if !e.timers[i].Before(now) {
			i++
			continue
		}
		last := len(e.timers) - 1
		e.timers[i] = e.timers[last]
		e.timers = e.timers[:last]
		id := e.timerTasks[i]
		e.timerTasks[i] = e.timerTasks[last]
		e.timerTasks = e.timerTasks[:last]
		e.notify(id)
		fired++
	}
	if fired > 0 {
		e.observer.ObserveTimersFired(fired)
	}
}

// enqueueDeferredCloses turns every fd on the thread-local close queue into
// a close submission tagged with the reserved io id.
func (e *executor) enqueueDeferredCloses() {
	if len(filesToClose) == 0 {
		return
	}
	for _, fd := range filesToClose {
		e.filesClosing++
		e.ring.Queue(func(sqe *giouring.SubmissionQueueEntry) {
			sqe.PrepareClose(fd)
		}, e.closeIOID.Uint64())
	}
	e.observer.ObserveDeferredCloses(uint64(len(filesToClose)))
	filesToClose = filesToClose[:0]
}

func (e *executor) notify(id slab.Key) {
	e.ready[id] = struct{}{}
}
