// Package metrics reports scheduler-observable statistics: queue depths, KV
// utilization, and throughput (spec.md §6 get_stats()).
//
// CalculatePercentile is adapted from the teacher's sim/metrics_utils.go,
// same linear-interpolation-between-ranks formula, applied here to
// time.Duration samples (TTFT, TPOT) instead of simulation tick counts.
package metrics

import (
	"math"
	"sort"
	"time"
)

// SchedulerStats is the snapshot returned by Scheduler.Stats() (spec.md §6).
type SchedulerStats struct {
	WaitingCount    int
	PrefillingCount int
	DecodingCount   int
	PausedCount     int

	TotalKVBlocks int
	FreeKVBlocks  int
	KVUtilization float64 // (TotalKVBlocks - FreeKVBlocks) / TotalKVBlocks

	CompletedCount  uint64
	CancelledCount  uint64
	FailedCount     uint64
	PreemptedCount  uint64
	TokensGenerated uint64

	TTFTP50 time.Duration
	TTFTP99 time.Duration
	TPOTP50 time.Duration
	TPOTP99 time.Duration
}

// Recorder accumulates per-request timing samples for percentile reporting.
// Not safe for concurrent use; callers serialize access (the scheduler holds
// its own lock around every call).
type Recorder struct {
	ttft []time.Duration
	tpot []time.Duration
}

// ObserveTTFT records one request's time-to-first-token sample.
func (r *Recorder) ObserveTTFT(d time.Duration) {
	r.ttft = append(r.ttft, d)
}

// ObserveTPOT records one request's mean time-per-output-token sample.
func (r *Recorder) ObserveTPOT(d time.Duration) {
	r.tpot = append(r.tpot, d)
}

// Percentiles returns (p50, p99) for both TTFT and TPOT observed so far.
func (r *Recorder) Percentiles() (ttftP50, ttftP99, tpotP50, tpotP99 time.Duration) {
	ttftP50 = percentile(r.ttft, 50)
	ttftP99 = percentile(r.ttft, 99)
	tpotP50 = percentile(r.tpot, 50)
	tpotP99 = percentile(r.tpot, 99)
	return
}

// percentile is CalculatePercentile from sim/metrics_utils.go, generalized
// from []float64 ticks to time.Duration samples via float64 nanoseconds.
func percentile(samples []time.Duration, p float64) time.Duration {
	n := len(samples)
	if n == 0 {
		return 0
	}
	data := make([]float64, n)
	for i, d := range samples {
		data[i] = float64(d)
	}
	sort.Float64s(data)

	rank := p / 100.0 * float64(n-1)
	lowerIdx := int(math.Floor(rank))
	upperIdx := int(math.Ceil(rank))

	var v float64
	if lowerIdx == upperIdx {
		v = data[lowerIdx]
	} else if upperIdx >= n {
		v = data[n-1]
	} else {
		v = data[lowerIdx] + (data[upperIdx]-data[lowerIdx])*(rank-float64(lowerIdx))
	}
	return time.Duration(v)
}
