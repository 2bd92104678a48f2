// Package constants defines shared constants for the go-ioloop project
package constants

import "time"

// Default executor configuration
const (
	// DefaultRingDepth is the submission queue depth used for both rings
	// when the caller does not override it.
	DefaultRingDepth = 64

	// DefaultPreemptDuration is the wallclock budget one scheduler
	// iteration may spend polling tasks before it expects them to yield.
	DefaultPreemptDuration = 10 * time.Millisecond

	// InitialTableCapacity sizes the task table, the I/O record table and
	// the in-memory submission queues at startup.
	InitialTableCapacity = 128
)

// Idle phase tuning
//
// When nothing is queued, completed or ready, the loop spins over the
// completion queues a few times and then sleeps. The sleep keeps CPU usage
// negligible while waiting for the kernel without blocking completion
// delivery on the polled ring, which only surfaces completions on an
// explicit submit.
const (
	// IdleSpinPasses is how many empty passes the idle phase makes over
	// the completion queues before sleeping.
	IdleSpinPasses = 16

	// IdleSleep is the sleep between idle spin rounds.
	IdleSleep = time.Nanosecond
)

// CQEBatchSize is how many completions are peeked per drain call.
const CQEBatchSize = 128

// Environment variable names
const (
	// LogLevelEnvVar selects the default logger level (debug, info, warn, error).
	LogLevelEnvVar = "IOLOOP_LOG_LEVEL"

	// HugePageSizeEnvVar selects the large-page policy of the buffer
	// allocator. Accepted values are "2MB" and "1GB"; anything else falls
	// back to regular pages.
	HugePageSizeEnvVar = "IOLOOP_HUGE_PAGE_SIZE"
)
