// Copyright 2026 The FormBridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package eventlog persists bridge lifecycle events to SQLite for
// operational history.
//
// The Store is a bridge tap: Record accepts events from inside
// registry critical sections and must not block, so it hands them to
// a buffered queue consumed by a single writer goroutine. When the
// queue is full events are dropped and counted rather than applying
// backpressure to the bridge.
//
// The log is append-only operational history. It is never read back
// into the registry: sessions and in-flight requests do not survive a
// restart.
package eventlog
