package reranker

import (
	"sync"
	"sync/atomic"
	"time"
)

// breaker is the three-state circuit breaker gating the reranker upstream.
// A single mutex protects state transitions and is taken by every method,
// admit() included; the failure streak and the half-open probe flag are
// atomics.
type breaker struct {
	mu     sync.Mutex
	st     breakerState
	openAt time.Time

	failureLimit int
	resetAfter   time.Duration

	consecutiveFailures atomic.Int64
	halfOpenProbeInFlight atomic.Bool
}

// admit reports whether a call may proceed. While open, it checks whether
// resetAfter has elapsed and transitions to half_open, admitting exactly
// one probe call.
func (b *breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.st {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(b.openAt) >= b.resetAfter {
			b.st = stateHalfOpen
			b.halfOpenProbeInFlight.Store(true)
			return true
		}
		return false
	case stateHalfOpen:
		// Only the first probe is admitted; concurrent callers during the
		// probe window are rejected until the probe resolves.
		if b.halfOpenProbeInFlight.CompareAndSwap(false, true) {
			return true
		}
		return false
	default:
		return true
	}
}

// recordFailure increments the failure streak and flips to open once the
// threshold is reached (or immediately, if the failing call was the
// half_open probe).
func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.st == stateHalfOpen {
		b.st = stateOpen
		b.openAt = time.Now()
		b.halfOpenProbeInFlight.Store(false)
		b.consecutiveFailures.Store(0)
		return
	}

	n := b.consecutiveFailures.Add(1)
	if int(n) >= b.failureLimit {
		b.st = stateOpen
		b.openAt = time.Now()
	}
}

// recordSuccess resets the failure streak and, if this success resolved a
// half_open probe, restores closed. Returns true iff it transitioned out
// of half_open (used to fire the "recovered" counter exactly once).
func (b *breaker) recordSuccess() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures.Store(0)
	if b.st == stateHalfOpen {
		b.st = stateClosed
		b.halfOpenProbeInFlight.Store(false)
		return true
	}
	return false
}

// state returns the current breaker state, for tests and metrics.
func (b *breaker) state() breakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.st
}
