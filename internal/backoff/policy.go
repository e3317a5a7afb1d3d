// Package backoff implements the pure admission and reconnect-delay
// policy from spec §4.7: a tiered function of consecutive failure count
// and a rolling success rate over the last 30 attempts.
package backoff

import "time"

// rollingWindow is the number of recent attempts the success rate is
// computed over (spec §4.7).
const rollingWindow = 30

// degradedThreshold is the rolling success rate below which, combined
// with n > 5 consecutive failures, the computed delay is doubled.
const degradedThreshold = 0.2

// maxDelay is the absolute cap applied after doubling (spec §4.7).
const maxDelay = 300 * time.Second

// resetAfter is how long a session must remain in Serving before the
// failure counters reset (spec §4.7).
const resetAfter = 60 * time.Second

// NextDelay returns the reconnect delay for the n-th consecutive failure
// given a rolling success rate r (successes / attempts over the last
// rollingWindow attempts), per spec §4.7's tier table.
func NextDelay(n int, r float64) time.Duration {
	delay := tierDelay(n)
	if r < degradedThreshold && n > 5 {
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return delay
}

func tierDelay(n int) time.Duration {
	switch {
	case n <= 0:
		return 0
	case n <= 3:
		return time.Duration(5+5*(n-1)) * time.Second // 5s, 10s, 15s
	case n <= 10:
		return 30 * time.Second
	case n <= 30:
		return 60 * time.Second
	default:
		return 120 * time.Second
	}
}

// Tracker accumulates consecutive failures and a rolling success/attempt
// window, and exposes NextDelay as a method so callers don't have to
// thread n and r through themselves.
type Tracker struct {
	consecutiveFailures int
	window              [rollingWindow]bool
	windowLen           int
	windowPos           int
}

// NewTracker returns a Tracker with no recorded attempts.
func NewTracker() *Tracker {
	return &Tracker{}
}

// RecordFailure registers a failed connection attempt.
func (t *Tracker) RecordFailure() {
	t.consecutiveFailures++
	t.record(false)
}

// RecordSuccess registers a successful connection attempt.
func (t *Tracker) RecordSuccess() {
	t.record(true)
}

func (t *Tracker) record(ok bool) {
	t.window[t.windowPos] = ok
	t.windowPos = (t.windowPos + 1) % rollingWindow
	if t.windowLen < rollingWindow {
		t.windowLen++
	}
}

// successRate returns the fraction of successes over the last
// rollingWindow recorded attempts. Returns 1.0 if no attempts have been
// recorded yet, so a fresh Tracker never looks degraded.
func (t *Tracker) successRate() float64 {
	if t.windowLen == 0 {
		return 1.0
	}
	successes := 0
	for i := 0; i < t.windowLen; i++ {
		if t.window[i] {
			successes++
		}
	}
	return float64(successes) / float64(t.windowLen)
}

// NextDelay returns the reconnect delay for the current failure streak.
func (t *Tracker) NextDelay() time.Duration {
	return NextDelay(t.consecutiveFailures, t.successRate())
}

// MaybeReset clears the consecutive-failure counter once the connection
// has actually remained in Serving for at least resetAfter (spec §4.7,
// "Counters reset after a session remains in Serving for >= 60s"). served
// is the real duration the caller spent in the Serving state, measured
// from registration completing to disconnect.
func (t *Tracker) MaybeReset(served time.Duration) {
	if served >= resetAfter {
		t.consecutiveFailures = 0
	}
}

// Failures returns the current consecutive-failure count.
func (t *Tracker) Failures() int {
	return t.consecutiveFailures
}
