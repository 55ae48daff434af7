// Copyright 2026 The FormBridge Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock is the time surface FormBridge components depend on. Production
// code injects Real(); tests inject Fake() and control time explicitly.
//
// The interface is deliberately small: only the operations the bridge
// core, keepalive loop, and event log actually perform.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once
	// duration d has elapsed. If d <= 0, the channel receives
	// immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc waits for duration d, then calls f in its own
	// goroutine (real clock) or synchronously during Advance (fake
	// clock). The returned Timer cancels the pending call with Stop.
	// If d <= 0, f runs immediately.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker returns a Ticker delivering ticks on C at the given
	// interval. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Timer is a scheduled one-shot event created by AfterFunc. Its only
// operation is cancellation; FormBridge never rearms a timer, it
// registers a fresh one.
type Timer struct {
	stopFunc func() bool
}

// Stop prevents the timer from firing. Returns true if the call stopped
// the timer, false if it already fired or was already stopped. Stop
// does not wait for a running callback to complete.
func (t *Timer) Stop() bool { return t.stopFunc() }

// Ticker delivers periodic ticks on C. The channel has capacity 1,
// matching time.Ticker: a slow consumer drops ticks rather than
// queueing them, which is exactly right for keepalive (a missed
// keepalive tick carries no information the next one lacks).
type Ticker struct {
	// C delivers ticks.
	C <-chan time.Time

	stopFunc func()
}

// Stop turns the ticker off. No more ticks are sent after Stop
// returns. Stop does not close C.
func (t *Ticker) Stop() { t.stopFunc() }
