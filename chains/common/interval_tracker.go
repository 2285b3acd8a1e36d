package common

import (
	"sync"
	"time"
)

const (
	BaseInterval            = 7500 * time.Millisecond
	MaxInterval             = 60000 * time.Millisecond
	CircuitBreakerThreshold = 10
	CircuitBreakerPause     = 300000 * time.Millisecond
)

// IntervalTracker tracks how long a poller should wait before its next request. Failures double the
// interval up to a ceiling; a long enough streak of failures opens the circuit breaker.
type IntervalTracker struct {
	lock              *sync.RWMutex
	base              time.Duration
	max               time.Duration
	currentValue      time.Duration
	consecutiveErrors int
}

func NewIntervalTracker(base, max time.Duration) *IntervalTracker {
	if max < base {
		max = base
	}

	return &IntervalTracker{
		lock:         &sync.RWMutex{},
		base:         base,
		max:          max,
		currentValue: base,
	}
}

// Succeed is called after a successful request.
func (t *IntervalTracker) Succeed() {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.consecutiveErrors = 0
	t.currentValue = t.base
}

// Fail is called after a failed request.
func (t *IntervalTracker) Fail() {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.consecutiveErrors++
	t.currentValue = t.currentValue * 2
	if t.currentValue > t.max {
		t.currentValue = t.max
	}
}

// ShouldBreak reports whether enough consecutive failures happened to pause polling.
func (t *IntervalTracker) ShouldBreak() bool {
	t.lock.RLock()
	defer t.lock.RUnlock()

	return t.consecutiveErrors >= CircuitBreakerThreshold
}

// Reset puts the tracker back to its initial state. Called once the breaker pause is over.
func (t *IntervalTracker) Reset() {
	t.Succeed()
}

func (t *IntervalTracker) Interval() time.Duration {
	t.lock.RLock()
	defer t.lock.RUnlock()

	return t.currentValue
}

func (t *IntervalTracker) ConsecutiveErrors() int {
	t.lock.RLock()
	defer t.lock.RUnlock()

	return t.consecutiveErrors
}
