package common

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIntervalTracker_Backoff(t *testing.T) {
	tracker := NewIntervalTracker(BaseInterval, MaxInterval)
	require.Equal(t, BaseInterval, tracker.Interval())

	expected := []time.Duration{
		15000 * time.Millisecond,
		30000 * time.Millisecond,
		60000 * time.Millisecond,
		60000 * time.Millisecond,
		60000 * time.Millisecond,
	}
	for i, want := range expected {
		tracker.Fail()
		require.Equal(t, want, tracker.Interval(), "after %d failures", i+1)
		require.Equal(t, i+1, tracker.ConsecutiveErrors())
	}

	tracker.Succeed()
	require.Equal(t, BaseInterval, tracker.Interval())
	require.Equal(t, 0, tracker.ConsecutiveErrors())
}

func TestIntervalTracker_CircuitBreaker(t *testing.T) {
	tracker := NewIntervalTracker(BaseInterval, MaxInterval)

	for i := 0; i < CircuitBreakerThreshold-1; i++ {
		tracker.Fail()
		require.False(t, tracker.ShouldBreak())
	}

	tracker.Fail()
	require.True(t, tracker.ShouldBreak())
	require.Equal(t, MaxInterval, tracker.Interval())

	tracker.Reset()
	require.False(t, tracker.ShouldBreak())
	require.Equal(t, BaseInterval, tracker.Interval())
}
