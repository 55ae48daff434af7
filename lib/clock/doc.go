// Copyright 2026 The FormBridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time so that every time-dependent behavior in
// FormBridge is deterministic under test.
//
// The bridge core schedules dispatch timeouts with AfterFunc, drives
// keepalive with NewTicker, and stamps session expiry with Now. The
// event log prunes old rows on a ticker. All of these take a Clock:
// production wiring passes Real(), tests pass Fake() and move time
// explicitly with Advance.
//
// # Wiring Pattern
//
// Add a Clock field to structs that use time:
//
//	type Registry struct {
//	    clock clock.Clock
//	    // ...
//	}
//
// In tests:
//
//	fakeClock := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	registry := bridge.NewRegistry(bridge.Options{Clock: fakeClock})
//	// ... dispatch with a 50ms timeout in a goroutine ...
//	fakeClock.WaitForTimers(1)               // timeout timer registered
//	fakeClock.Advance(50 * time.Millisecond) // fires it, deterministically
//
// WaitForTimers eliminates the race between a goroutine registering a
// timer and the test advancing the clock; tests never need time.Sleep
// for synchronization. Direct calls to time.Now, time.After,
// time.AfterFunc, or time.NewTicker in production code defeat all of
// this; route them through a Clock instead.
package clock
