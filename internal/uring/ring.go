// Package uring wraps one io_uring instance behind the queue/submit/drain
// contract the scheduler loop needs.
//
// Entries are queued in memory as prep closures and written into the kernel
// submission region in FIFO order by TrySubmit. An EBUSY from submit is a
// transient condition: queued entries stay where they are and are retried on
// the next call. Any other submit error is fatal, because entries already
// handed to the kernel reference caller memory that cannot be safely
// reclaimed.
package uring

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/pawelgaczynski/giouring"

	"github.com/ehrlich-b/go-ioloop/internal/constants"
)

// Prep writes one submission queue entry. The adapter assigns the user data
// after the prep runs, so preps must not set it themselves.
type Prep func(*giouring.SubmissionQueueEntry)

type queuedOp struct {
	prep     Prep
	userData uint64
}

// Config selects the ring variant.
type Config struct {
	// Depth is the submission queue depth.
	Depth uint32
	// Polled enables IORING_SETUP_IOPOLL. Polled completions only surface
	// on an explicit submit call.
	Polled bool
}

// Ring wraps one io_uring instance plus the in-memory FIFO of entries that
// have not yet been written into the submission region. Not safe for
// concurrent use; the ring is set up single-issuer.
type Ring struct {
	ring   *giouring.Ring
	polled bool

	pending []queuedOp
	// Entries written into the submission region but not yet accepted by
	// the kernel.
	unsubmitted int
	// Entries accepted by the kernel whose completion has not been drained.
	inFlight int

	cqes [constants.CQEBatchSize]*giouring.CompletionQueueEvent
}

// New sets up a ring with single-issuer, batched submit-all and cooperative
// task-run notification, plus polled I/O mode if requested.
func New(cfg Config) (*Ring, error) {
	if cfg.Depth == 0 {
		return nil, fmt.Errorf("uring: ring depth must be positive")
	}
	flags := giouring.SetupSingleIssuer | giouring.SetupSubmitAll | giouring.SetupCoopTaskrun
	if cfg.Polled {
		flags |= giouring.SetupIOPoll
	}
	ring := giouring.NewRing()
	if err := ring.QueueInit(cfg.Depth, flags); err != nil {
		return nil, fmt.Errorf("uring: ring setup failed: %w", err)
	}
	return &Ring{
		ring:    ring,
		polled:  cfg.Polled,
		pending: make([]queuedOp, 0, constants.InitialTableCapacity),
	}, nil
}

// Close tears down the ring. Outstanding operations are abandoned.
func (r *Ring) Close() {
	if r.ring != nil {
		r.ring.QueueExit()
		r.ring = nil
	}
}

// Queue appends an entry to the in-memory queue. It does not touch the
// kernel; call TrySubmit to flush.
func (r *Ring) Queue(prep Prep, userData uint64) {
	r.pending = append(r.pending, queuedOp{prep: prep, userData: userData})
}

// TrySubmit drains the in-memory queue into the submission region in FIFO
// order, submitting whenever the region fills. At the end it submits once
// more if force is set or the region is non-empty. EBUSY leaves remaining
// entries queued for a later retry.
func (r *Ring) TrySubmit(force bool) {
	for {
		prepared := 0
		for _, op := range r.pending {
			sqe := r.ring.GetSQE()
			if sqe == nil {
				break
			}
			op.prep(sqe)
			sqe.UserData = op.userData
			prepared++
			r.unsubmitted++
		}
		if prepared == len(r.pending) {
			r.pending = r.pending[:0]
		} else {
			r.pending = append(r.pending[:0], r.pending[prepared:]...)
		}
		if len(r.pending) == 0 {
			break
		}
		// Submission region is full; hand it to the kernel to make room.
		if !r.submit() {
			return
		}
	}

	if force || r.unsubmitted > 0 {
		r.submit()
	}
}

// submit reports false when the kernel returned EBUSY; queued state is
// untouched in that case. Other errors are fatal.
func (r *Ring) submit() bool {
	n, err := r.ring.Submit()
	if err != nil {
		if IsBusy(err) {
			return false
		}
		panic(fmt.Sprintf("uring: io_uring submit failed: %v", err))
	}
	submitted := int(n)
	if submitted > r.unsubmitted {
		submitted = r.unsubmitted
	}
	r.unsubmitted -= submitted
	r.inFlight += submitted
	return true
}

// Poke issues a zero-wait submit. On a polled ring this is what surfaces
// completions when there is nothing new to submit.
func (r *Ring) Poke() {
	r.submit()
}

// Completion is one posted completion queue entry.
type Completion struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

// DrainCompletions consumes every posted completion, invoking fn for each
// in kernel-reported order, and returns how many were drained.
func (r *Ring) DrainCompletions(fn func(Completion)) int {
	total := 0
	for {
		peeked := r.ring.PeekBatchCQE(r.cqes[:])
		for _, cqe := range r.cqes[:peeked] {
			fn(Completion{UserData: cqe.UserData, Res: cqe.Res, Flags: cqe.Flags})
		}
		r.ring.CQAdvance(peeked)
		total += int(peeked)
		if peeked < uint32(len(r.cqes)) {
			break
		}
	}
	if total > r.inFlight {
		r.inFlight = 0
	} else {
		r.inFlight -= total
	}
	return total
}

// HasCompletions reports whether at least one completion is posted, without
// consuming anything.
func (r *Ring) HasCompletions() bool {
	var peek [1]*giouring.CompletionQueueEvent
	return r.ring.PeekBatchCQE(peek[:]) > 0
}

// PendingLen returns the number of entries still in the in-memory queue.
func (r *Ring) PendingLen() int {
	return len(r.pending)
}

// Unsubmitted returns the number of entries written into the submission
// region but not yet accepted by the kernel.
func (r *Ring) Unsubmitted() int {
	return r.unsubmitted
}

// InFlight returns the number of kernel-accepted entries whose completions
// have not been drained yet.
func (r *Ring) InFlight() int {
	return r.inFlight
}

// Polled reports whether the ring runs in polled I/O mode.
func (r *Ring) Polled() bool {
	return r.polled
}

// IsBusy reports whether err is the kernel's transient EBUSY retry signal.
func IsBusy(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EBUSY
	}
	return false
}
