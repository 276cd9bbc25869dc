// Copyright 2026 The Tollgate Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sync"
	"time"
)

// FakeClock is a manually-advanced Clock for deterministic tests.
// Time only moves when the test calls Advance or Set. Timers and
// tickers created from the fake fire synchronously inside Advance,
// in deadline order.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
	tickers []*fakeTicker
}

type fakeWaiter struct {
	deadline time.Time
	ch       chan time.Time
}

type fakeTicker struct {
	interval time.Duration
	next     time.Time
	ch       chan time.Time
	stopped  bool
}

// Fake returns a FakeClock frozen at the given start time.
func Fake(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now returns the fake's current time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After returns a channel that receives once the fake clock has been
// advanced past d. If d <= 0 it receives immediately.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.waiters = append(c.waiters, &fakeWaiter{deadline: c.now.Add(d), ch: ch})
	return ch
}

// NewTicker returns a Ticker that fires each time Advance crosses a
// multiple of d. Panics if d <= 0.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ticker := &fakeTicker{
		interval: d,
		next:     c.now.Add(d),
		ch:       make(chan time.Time, 1),
	}
	c.tickers = append(c.tickers, ticker)

	return &Ticker{
		C: ticker.ch,
		stopFunc: func() {
			c.mu.Lock()
			ticker.stopped = true
			c.mu.Unlock()
		},
	}
}

// Sleep blocks until the fake clock advances past d. A test goroutine
// must call Advance concurrently or Sleep never returns.
func (c *FakeClock) Sleep(d time.Duration) {
	<-c.After(d)
}

// Advance moves the fake clock forward by d, firing due timers and
// tickers in deadline order.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.setLocked(c.now.Add(d))
	c.mu.Unlock()
}

// Set moves the fake clock to the given instant. Panics if the target
// is earlier than the current fake time.
func (c *FakeClock) Set(target time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if target.Before(c.now) {
		panic("clock: cannot move fake clock backwards")
	}
	c.setLocked(target)
}

func (c *FakeClock) setLocked(target time.Time) {
	c.now = target

	remaining := c.waiters[:0]
	for _, waiter := range c.waiters {
		if !waiter.deadline.After(target) {
			waiter.ch <- waiter.deadline
		} else {
			remaining = append(remaining, waiter)
		}
	}
	c.waiters = remaining

	for _, ticker := range c.tickers {
		if ticker.stopped {
			continue
		}
		for !ticker.next.After(target) {
			// Non-blocking send: ticks are dropped when the consumer
			// has not drained the previous one, matching time.Ticker.
			select {
			case ticker.ch <- ticker.next:
			default:
			}
			ticker.next = ticker.next.Add(ticker.interval)
		}
	}
}
