package ioloop

import (
	"sync/atomic"
	"time"
)

// PollLatencyBuckets defines the poll latency histogram buckets in
// nanoseconds, from 1us to 10s with logarithmic spacing.
var PollLatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks operational statistics for one or more executor runs
type Metrics struct {
	// Task lifecycle counters
	TasksSpawned   atomic.Uint64 // Tasks inserted into the task table
	TasksCompleted atomic.Uint64 // Tasks destroyed after completing
	Polls          atomic.Uint64 // Individual task polls

	// I/O counters
	BufferedQueued    atomic.Uint64 // Entries queued on the buffered ring
	DirectQueued      atomic.Uint64 // Entries queued on the direct-polled ring
	BufferedCompleted atomic.Uint64 // Completions drained from the buffered ring
	DirectCompleted   atomic.Uint64 // Completions drained from the direct-polled ring
	IOErrors          atomic.Uint64 // Completions with a negative result

	// Loop behavior
	TimersFired     atomic.Uint64 // Deadline entries moved to the ready set
	DeferredCloses  atomic.Uint64 // File descriptors queued for deferred close
	PreemptOverruns atomic.Uint64 // Polls that exceeded the preemption budget
	LoopIterations  atomic.Uint64 // Scheduler loop iterations

	// Poll latency tracking
	TotalPollLatencyNs atomic.Uint64

	// Poll latency histogram buckets (cumulative counts).
	// Bucket[i] counts polls with latency <= PollLatencyBuckets[i].
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Run lifecycle
	StartTime atomic.Int64 // Creation or last Reset timestamp (UnixNano)
	StopTime  atomic.Int64 // Last Stop call timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordPoll records one task poll
func (m *Metrics) RecordPoll(latencyNs uint64, completed bool) {
	m.Polls.Add(1)
	if completed {
		m.TasksCompleted.Add(1)
	}
	m.TotalPollLatencyNs.Add(latencyNs)
	for i, bucket := range PollLatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// RecordQueueIO records one queued submission entry
func (m *Metrics) RecordQueueIO(direct bool) {
	if direct {
		m.DirectQueued.Add(1)
	} else {
		m.BufferedQueued.Add(1)
	}
}

// RecordCompletion records one drained completion
func (m *Metrics) RecordCompletion(direct bool, success bool) {
	if direct {
		m.DirectCompleted.Add(1)
	} else {
		m.BufferedCompleted.Add(1)
	}
	if !success {
		m.IOErrors.Add(1)
	}
}

// Stop marks the run as stopped
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of the counters plus derived
// statistics.
type MetricsSnapshot struct {
	TasksSpawned   uint64
	TasksCompleted uint64
	Polls          uint64

	BufferedQueued    uint64
	DirectQueued      uint64
	BufferedCompleted uint64
	DirectCompleted   uint64
	IOErrors          uint64

	TimersFired     uint64
	DeferredCloses  uint64
	PreemptOverruns uint64
	LoopIterations  uint64

	AvgPollLatencyNs uint64
	UptimeNs         uint64

	// Poll latency percentiles (in nanoseconds)
	PollLatencyP50Ns  uint64
	PollLatencyP99Ns  uint64
	PollLatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	TotalQueued    uint64
	TotalCompleted uint64
	PollsPerSecond float64
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		TasksSpawned:      m.TasksSpawned.Load(),
		TasksCompleted:    m.TasksCompleted.Load(),
		Polls:             m.Polls.Load(),
		BufferedQueued:    m.BufferedQueued.Load(),
		DirectQueued:      m.DirectQueued.Load(),
		BufferedCompleted: m.BufferedCompleted.Load(),
		DirectCompleted:   m.DirectCompleted.Load(),
		IOErrors:          m.IOErrors.Load(),
		TimersFired:       m.TimersFired.Load(),
		DeferredCloses:    m.DeferredCloses.Load(),
		PreemptOverruns:   m.PreemptOverruns.Load(),
		LoopIterations:    m.LoopIterations.Load(),
	}

	snap.TotalQueued = snap.BufferedQueued + snap.DirectQueued
	snap.TotalCompleted = snap.BufferedCompleted + snap.DirectCompleted

	totalLatencyNs := m.TotalPollLatencyNs.Load()
	if snap.Polls > 0 {
		snap.AvgPollLatencyNs = totalLatencyNs / snap.Polls
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		snap.PollsPerSecond = float64(snap.Polls) / (float64(snap.UptimeNs) / 1e9)
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if snap.Polls > 0 {
		snap.PollLatencyP50Ns = m.calculatePercentile(0.50)
		snap.PollLatencyP99Ns = m.calculatePercentile(0.99)
		snap.PollLatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the poll latency at the given percentile
// (0.0-1.0) using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalPolls := m.Polls.Load()
	if totalPolls == 0 {
		return 0
	}

	targetCount := uint64(float64(totalPolls) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range PollLatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return PollLatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters (useful for testing)
func (m *Metrics) Reset() {
	m.TasksSpawned.Store(0)
	m.TasksCompleted.Store(0)
	m.Polls.Store(0)
	m.BufferedQueued.Store(0)
	m.DirectQueued.Store(0)
	m.BufferedCompleted.Store(0)
	m.DirectCompleted.Store(0)
	m.IOErrors.Store(0)
	m.TimersFired.Store(0)
	m.DeferredCloses.Store(0)
	m.PreemptOverruns.Store(0)
	m.LoopIterations.Store(0)
	m.TotalPollLatencyNs.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable executor instrumentation
type Observer interface {
	// ObservePoll is called after each task poll
	ObservePoll(latencyNs uint64, completed bool)

	// ObserveSpawn is called when a task is inserted into the task table
	ObserveSpawn()

	// ObserveQueueIO is called when a submission entry is queued
	ObserveQueueIO(direct bool)

	// ObserveCompletion is called for each drained completion
	ObserveCompletion(direct bool, success bool)

	// ObserveTimersFired is called with the number of elapsed deadlines
	ObserveTimersFired(count uint64)

	// ObserveDeferredCloses is called with the number of fds queued for close
	ObserveDeferredCloses(count uint64)

	// ObservePreemptOverrun is called when a single poll exceeds the budget
	ObservePreemptOverrun()

	// ObserveIteration is called once per scheduler loop iteration
	ObserveIteration()
}

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObservePoll(uint64, bool)     {}
func (NoOpObserver) ObserveSpawn()                {}
func (NoOpObserver) ObserveQueueIO(bool)          {}
func (NoOpObserver) ObserveCompletion(bool, bool) {}
func (NoOpObserver) ObserveTimersFired(uint64)    {}
func (NoOpObserver) ObserveDeferredCloses(uint64) {}
func (NoOpObserver) ObservePreemptOverrun()       {}
func (NoOpObserver) ObserveIteration()            {}

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObservePoll(latencyNs uint64, completed bool) {
	o.metrics.RecordPoll(latencyNs, completed)
}

func (o *MetricsObserver) ObserveSpawn() {
	o.metrics.TasksSpawned.Add(1)
}

func (o *MetricsObserver) ObserveQueueIO(direct bool) {
	o.metrics.RecordQueueIO(direct)
}

func (o *MetricsObserver) ObserveCompletion(direct bool, success bool) {
	o.metrics.RecordCompletion(direct, success)
}

func (o *MetricsObserver) ObserveTimersFired(count uint64) {
	o.metrics.TimersFired.Add(count)
}

func (o *MetricsObserver) ObserveDeferredCloses(count uint64) {
	o.metrics.DeferredCloses.Add(count)
}

func (o *MetricsObserver) ObservePreemptOverrun() {
	o.metrics.PreemptOverruns.Add(1)
}

func (o *MetricsObserver) ObserveIteration() {
	o.metrics.LoopIterations.Add(1)
}

// Compile-time interface check
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
