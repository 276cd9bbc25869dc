// Copyright 2026 The Tollgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time operations for testability. Production
// code injects Real(); tests inject Fake() and advance it manually.
//
// Every production function that would call time.Now, time.After,
// time.NewTicker, or time.Sleep should instead go through a Clock
// carried in its config struct.
package clock

import "time"

// Clock is the time source used by loops, backoff, and timestamps.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time after
	// duration d elapses. If d <= 0 the channel receives immediately.
	After(d time.Duration) <-chan time.Time

	// NewTicker returns a Ticker delivering ticks at the given
	// interval. Panics if d <= 0, matching time.NewTicker.
	NewTicker(d time.Duration) *Ticker

	// Sleep pauses the calling goroutine for at least d.
	Sleep(d time.Duration)
}

// Ticker wraps a periodic timer. Read ticks from C; call Stop when
// done. C has capacity 1: if the consumer falls behind, ticks are
// dropped rather than queued.
type Ticker struct {
	C <-chan time.Time

	stopFunc func()
}

// Stop turns off the ticker. No more ticks arrive after Stop returns.
// Stop does not close C.
func (t *Ticker) Stop() { t.stopFunc() }
