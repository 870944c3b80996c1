// Package clock provides an injectable time abstraction so the
// registry sweeper and completion-store sweeper can be tested without
// real sleeps. Production code takes a Clock field; Real() wires the
// standard library, Fake() wires a deterministic clock that only moves
// when Advance is called.
package clock

import "time"

// Clock abstracts the handful of time operations the sweepers need.
// Every periodic task in this module accepts a Clock instead of calling
// time.Now or time.NewTicker directly.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// NewTicker returns a Ticker delivering ticks on its C channel at
	// the given interval. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker

	// Sleep pauses the calling goroutine for at least d.
	Sleep(d time.Duration)
}

// Ticker wraps a periodic timer. Read ticks from C; call Stop when
// done. C has capacity 1; a slow consumer drops ticks rather than
// queuing them, matching time.Ticker.
type Ticker struct {
	C <-chan time.Time

	stopFunc func()
}

// Stop turns off the ticker. Does not close C.
func (t *Ticker) Stop() { t.stopFunc() }
