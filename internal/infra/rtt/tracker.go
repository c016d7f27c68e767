// Package rtt implements a smoothed round-trip-time estimator in the
// Jacobson/Karels style used by TCP retransmission timers (RFC 6298):
// an EWMA of samples plus an EWMA of deviation, combined into a suggested
// probe timeout of srtt + 4·var.
package rtt

import (
	"sync"
	"time"

	"github.com/meshlog-network/meshlog/internal/domain"
)

const (
	// alpha is the SRTT gain (1/8) and beta the variance gain (1/4).
	alpha = 0.125
	beta  = 0.25

	// DefaultInitialRTT seeds the estimator before any sample arrives.
	DefaultInitialRTT = 500 * time.Millisecond
	// DefaultInitialVariance is half the initial estimate.
	DefaultInitialVariance = 250 * time.Millisecond
)

// Tracker keeps a smoothed RTT and variance for one probe target (or,
// for the global tracker, for the node as a whole). Safe for concurrent
// use: the estimator fields are read and written as a pair under a small
// critical section.
type Tracker struct {
	mu       sync.Mutex
	srtt     time.Duration
	variance time.Duration
	samples  uint64
}

// NewTracker returns a tracker seeded with the default initial estimate.
func NewTracker() *Tracker {
	return NewTrackerWithInitial(DefaultInitialRTT, DefaultInitialVariance)
}

// NewTrackerWithInitial returns a tracker seeded with a custom estimate.
func NewTrackerWithInitial(initialRTT, initialVariance time.Duration) *Tracker {
	return &Tracker{srtt: initialRTT, variance: initialVariance}
}

// RecordSample folds one measured round trip into the estimate. The first
// real sample replaces the seed outright (RFC 6298 §2.2: srtt ← R,
// var ← R/2); later samples update the variance first, against the
// pre-update SRTT.
func (t *Tracker) RecordSample(sample time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.samples == 0 {
		t.srtt = sample
		t.variance = sample / 2
		t.samples = 1
		return
	}

	deviation := sample - t.srtt
	if deviation < 0 {
		deviation = -deviation
	}
	t.variance = time.Duration((1-beta)*float64(t.variance) + beta*float64(deviation))
	t.srtt = time.Duration((1-alpha)*float64(t.srtt) + alpha*float64(sample))
	t.samples++
}

// SuggestedTimeout returns srtt + 4·var clamped to [min, max].
func (t *Tracker) SuggestedTimeout(min, max time.Duration) time.Duration {
	return t.Estimate().SuggestedTimeout(min, max)
}

// SmoothedRTT returns the current smoothed estimate.
func (t *Tracker) SmoothedRTT() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.srtt
}

// SampleCount returns how many samples have been folded in.
func (t *Tracker) SampleCount() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.samples
}

// HasSamples reports whether at least one real sample has been recorded.
func (t *Tracker) HasSamples() bool { return t.SampleCount() > 0 }

// Estimate returns a consistent snapshot of the estimator.
func (t *Tracker) Estimate() domain.RttEstimate {
	t.mu.Lock()
	defer t.mu.Unlock()
	return domain.RttEstimate{
		SmoothedRTT: t.srtt,
		Variance:    t.variance,
		SampleCount: t.samples,
	}
}
