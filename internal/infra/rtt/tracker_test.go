package rtt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitialEstimate(t *testing.T) {
	tr := NewTracker()
	assert.Equal(t, DefaultInitialRTT, tr.SmoothedRTT())
	assert.False(t, tr.HasSamples())
	assert.Equal(t, uint64(0), tr.SampleCount())
}

func TestRecordSampleConverges(t *testing.T) {
	tr := NewTracker()
	// Feed a steady 100ms signal; the EWMA must converge toward it.
	for i := 0; i < 100; i++ {
		tr.RecordSample(100 * time.Millisecond)
	}
	require.Equal(t, uint64(100), tr.SampleCount())
	assert.InDelta(t, float64(100*time.Millisecond), float64(tr.SmoothedRTT()), float64(5*time.Millisecond))
	// Variance decays toward zero on a steady signal.
	assert.Less(t, tr.Estimate().Variance, 10*time.Millisecond)
}

func TestFirstSampleReplacesSeed(t *testing.T) {
	tr := NewTracker()
	tr.RecordSample(150 * time.Millisecond)

	est := tr.Estimate()
	assert.Equal(t, 150*time.Millisecond, est.SmoothedRTT)
	assert.Equal(t, 75*time.Millisecond, est.Variance)
	assert.Equal(t, uint64(1), est.SampleCount)
}

func TestUpdateOrder(t *testing.T) {
	// Variance must be computed against the pre-update SRTT.
	tr := NewTracker()
	tr.RecordSample(500 * time.Millisecond) // srtt=500ms var=250ms
	tr.RecordSample(100 * time.Millisecond)

	est := tr.Estimate()
	// var ← 0.75·250ms + 0.25·|100ms − 500ms| = 287.5ms
	assert.InDelta(t, float64(287500*time.Microsecond), float64(est.Variance), float64(time.Millisecond))
	// srtt ← 0.875·500ms + 0.125·100ms = 450ms
	assert.InDelta(t, float64(450*time.Millisecond), float64(est.SmoothedRTT), float64(time.Millisecond))
}

func TestSuggestedTimeout(t *testing.T) {
	tests := []struct {
		name     string
		srtt     time.Duration
		variance time.Duration
		min, max time.Duration
		want     time.Duration
	}{
		{"within bounds", 100 * time.Millisecond, 25 * time.Millisecond, 200 * time.Millisecond, 10 * time.Second, 200 * time.Millisecond},
		{"srtt plus four var", 300 * time.Millisecond, 50 * time.Millisecond, 200 * time.Millisecond, 10 * time.Second, 500 * time.Millisecond},
		{"clamped to max", 8 * time.Second, time.Second, 200 * time.Millisecond, 10 * time.Second, 10 * time.Second},
		{"clamped to min", 10 * time.Millisecond, 0, 200 * time.Millisecond, 10 * time.Second, 200 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTrackerWithInitial(tt.srtt, tt.variance)
			assert.Equal(t, tt.want, tr.SuggestedTimeout(tt.min, tt.max))
		})
	}
}

func TestConcurrentAccess(t *testing.T) {
	tr := NewTracker()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			tr.RecordSample(50 * time.Millisecond)
		}
		close(done)
	}()
	for i := 0; i < 1000; i++ {
		_ = tr.SuggestedTimeout(time.Millisecond, time.Minute)
	}
	<-done
	assert.Equal(t, uint64(1000), tr.SampleCount())
}
