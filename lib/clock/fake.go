// Copyright 2026 The FormBridge Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock initialized to the given time. Time stands
// still until Advance is called; every timer and ticker registered
// against the clock fires when an Advance carries the clock past its
// deadline.
//
// FakeClock is safe for concurrent use.
func Fake(initial time.Time) *FakeClock {
	fakeClock := &FakeClock{current: initial}
	fakeClock.scheduleChanged = sync.NewCond(&fakeClock.mu)
	return fakeClock
}

// FakeClock is a deterministic Clock for tests. AfterFunc callbacks run
// synchronously inside Advance, in deadline order; channel sends for
// After and tickers are non-blocking (a full buffer drops the tick,
// matching time.Ticker).
//
// Do not call Advance from inside an AfterFunc callback; that
// deadlocks. Bridge timeout callbacks never do (they only touch the
// registry), which is the property the bridge tests rely on.
type FakeClock struct {
	mu              sync.Mutex
	current         time.Time
	schedule        []*fakeEntry
	scheduleChanged *sync.Cond
}

// fakeEntry is one pending timer or ticker.
type fakeEntry struct {
	deadline time.Time

	// channel receives the fire time for After and ticker entries;
	// nil for AfterFunc entries.
	channel chan time.Time

	// callback runs synchronously during Advance for AfterFunc
	// entries; nil otherwise.
	callback func()

	// interval is non-zero for tickers: after firing, the entry is
	// rescheduled at deadline + interval.
	interval time.Duration

	// stopped entries are skipped during Advance and dropped.
	stopped bool

	// fired marks a one-shot entry that has already run, so a
	// concurrent Advance cannot fire it twice.
	fired bool
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After returns a channel that receives once the clock advances past
// duration d from now. If d <= 0, the channel receives immediately.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.current
		return channel
	}

	c.schedule = append(c.schedule, &fakeEntry{
		deadline: c.current.Add(d),
		channel:  channel,
	})
	c.scheduleChanged.Broadcast()
	return channel
}

// AfterFunc schedules f to run when the clock advances past duration d
// from now. If d <= 0, f runs synchronously before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d <= 0 {
		c.mu.Unlock()
		f()
		c.mu.Lock()
		return &Timer{stopFunc: func() bool { return false }}
	}

	entry := &fakeEntry{
		deadline: c.current.Add(d),
		callback: f,
	}
	c.schedule = append(c.schedule, entry)
	c.scheduleChanged.Broadcast()

	return &Timer{
		stopFunc: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			if entry.stopped || entry.fired {
				return false
			}
			entry.stopped = true
			return true
		},
	}
}

// NewTicker returns a Ticker that fires each time the clock advances
// past another multiple of d. Panics if d <= 0.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	entry := &fakeEntry{
		deadline: c.current.Add(d),
		channel:  channel,
		interval: d,
	}
	c.schedule = append(c.schedule, entry)
	c.scheduleChanged.Broadcast()

	return &Ticker{
		C: channel,
		stopFunc: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			entry.stopped = true
		},
	}
}

// Advance moves the clock forward by d and fires everything whose
// deadline falls within the new time, in deadline order. A ticker
// whose interval fits several times into d fires once per interval.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	target := c.current
	c.mu.Unlock()

	for {
		due := c.takeDue(target)
		if len(due) == 0 {
			return
		}

		sort.Slice(due, func(i, j int) bool {
			return due[i].deadline.Before(due[j].deadline)
		})

		for _, entry := range due {
			if entry.callback != nil {
				entry.callback()
			} else if entry.channel != nil {
				select {
				case entry.channel <- target:
				default:
				}
			}
		}
	}
}

// takeDue removes due entries from the schedule, reschedules tickers,
// and returns what should fire. Acquires c.mu internally; callbacks
// must not run while it is held.
func (c *FakeClock) takeDue(target time.Time) []*fakeEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due []*fakeEntry
	var remaining []*fakeEntry

	for _, entry := range c.schedule {
		if entry.stopped {
			continue
		}
		if !entry.deadline.After(target) {
			due = append(due, entry)
		} else {
			remaining = append(remaining, entry)
		}
	}

	for _, entry := range due {
		if entry.interval > 0 {
			entry.deadline = entry.deadline.Add(entry.interval)
			remaining = append(remaining, entry)
		} else {
			entry.fired = true
		}
	}

	c.schedule = remaining
	return due
}

// WaitForTimers blocks until at least n timers or tickers are pending.
// Call it before Advance when the timer is registered by another
// goroutine, so the registration/advance race cannot occur.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pendingLocked() < n {
		c.scheduleChanged.Wait()
	}
}

// PendingCount returns the number of active pending timers and
// tickers. Useful for asserting that a cleanup path actually released
// its timers.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingLocked()
}

func (c *FakeClock) pendingLocked() int {
	count := 0
	for _, entry := range c.schedule {
		if !entry.stopped {
			count++
		}
	}
	return count
}
