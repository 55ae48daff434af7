// Copyright 2026 The FormBridge Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import "time"

// EventKind enumerates the bridge lifecycle transitions a Tap
// observes.
type EventKind string

const (
	EventSessionCreated    EventKind = "session_created"
	EventSessionExpired    EventKind = "session_expired"
	EventStreamAttached    EventKind = "stream_attached"
	EventStreamDetached    EventKind = "stream_detached"
	EventRequestDispatched EventKind = "request_dispatched"
	EventRequestSettled    EventKind = "request_settled"
)

// Event is one bridge lifecycle transition. Fields beyond Kind, Time,
// and SessionID are populated where they apply: request events carry
// the request id and type, settlements carry either the response type
// or the error code.
type Event struct {
	Kind      EventKind `json:"kind"`
	Time      time.Time `json:"time"`
	SessionID string    `json:"sessionId"`

	RequestID    string `json:"requestId,omitempty"`
	RequestType  string `json:"requestType,omitempty"`
	ResponseType string `json:"responseType,omitempty"`

	// ErrorCode is set on failed settlements and empty on success.
	ErrorCode Code `json:"errorCode,omitempty"`

	// Detail is free-form context: the settlement error message, the
	// detach reason, the eviction cause.
	Detail string `json:"detail,omitempty"`
}

// Tap observes bridge lifecycle events. Record is called from inside
// Registry critical sections and must not block; implementations that
// do real work hand the event to their own goroutine (the event log
// appends through a buffered channel, the transcript recorder through
// its writer queue).
type Tap interface {
	Record(event Event)
}

// MultiTap fans each event out to several taps in order.
type MultiTap []Tap

func (m MultiTap) Record(event Event) {
	for _, tap := range m {
		tap.Record(event)
	}
}
