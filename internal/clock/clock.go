// Package clock abstracts time for components that schedule work
// (cooldown gates, refresh ticks, staleness sweeps). Production code
// injects Real(); tests inject a Fake and advance it explicitly, so no
// test ever sleeps on a real timer.
package clock

import "time"

// Clock is the time source injected into every component that reads the
// wall clock or schedules a future action.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives once d has elapsed. If d <= 0
	// the channel receives immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f once d has elapsed. The returned Timer cancels the
	// pending call via Stop.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker returns a Ticker delivering on C every d. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker

	// Sleep blocks the calling goroutine for at least d.
	Sleep(d time.Duration)
}

// Ticker delivers periodic ticks on C. C is buffered with capacity 1;
// ticks the consumer misses are dropped, matching time.Ticker.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns the ticker off. No sends on C after Stop returns; C is not
// closed. Safe to call more than once.
func (t *Ticker) Stop() { t.stop() }

// Timer is a pending AfterFunc call.
type Timer struct {
	stop func() bool
}

// Stop cancels the pending call. Returns false if the timer already fired
// or was already stopped.
func (t *Timer) Stop() bool { return t.stop() }
