// Copyright 2026 The FormBridge Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"strings"
	"testing"

	"github.com/formbridge/formbridge/lib/testutil"
)

func TestAttachStream_BadCredentials(t *testing.T) {
	registry, _ := newTestRegistry(t, Options{})
	credentials := createSession(t, registry)

	_, err := registry.AttachStream(credentials.SessionID, "0000")
	if !IsCode(err, CodeUnauthorized) {
		t.Fatalf("attach with bad token: got %v, want UNAUTHORIZED", err)
	}
	_, err = registry.AttachStream("deadbeefdeadbeefdeadbeefdeadbeef", credentials.Token)
	if !IsCode(err, CodeUnauthorized) {
		t.Fatalf("attach to unknown session: got %v, want UNAUTHORIZED", err)
	}
}

// The ready frame is the first thing on a fresh stream, ahead of any
// request dispatched after the attach.
func TestAttachStream_ReadyPrecedesRequests(t *testing.T) {
	registry, _ := newTestRegistry(t, Options{})
	credentials := createSession(t, registry)

	stream, err := registry.AttachStream(credentials.SessionID, credentials.Token)
	if err != nil {
		t.Fatalf("AttachStream: %v", err)
	}
	results := dispatchAsync(t, registry, credentials, snapshotRequest("req-1"), 0)

	first := testutil.RequireReceive(t, stream.Frames(), receiveTimeout, "first frame")
	if first.Kind != FrameReady {
		t.Fatalf("first frame kind = %v, want FrameReady", first.Kind)
	}
	second := testutil.RequireReceive(t, stream.Frames(), receiveTimeout, "second frame")
	if second.Kind != FrameRequest {
		t.Fatalf("second frame kind = %v, want FrameRequest", second.Kind)
	}

	if err := registry.Resolve(credentials.SessionID, credentials.Token, snapshotResponse("req-1")); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	testutil.RequireReceive(t, results, receiveTimeout, "dispatch outcome")
}

// A second attach replaces the first stream outright: the old stream
// closes, its pending requests fail with NO_BROWSER, and nothing is
// re-delivered on the new stream.
func TestAttachStream_ReplacesExisting(t *testing.T) {
	registry, _ := newTestRegistry(t, Options{})
	credentials := createSession(t, registry)
	oldStream := attachStream(t, registry, credentials)

	results := dispatchAsync(t, registry, credentials, snapshotRequest("req-1"), 0)
	testutil.RequireReceive(t, oldStream.Frames(), receiveTimeout, "request frame on old stream")

	newStream := attachStream(t, registry, credentials)
	testutil.RequireClosed(t, oldStream.Done(), receiveTimeout, "old stream closed by replacement")

	result := testutil.RequireReceive(t, results, receiveTimeout, "orphaned dispatch outcome")
	if !IsCode(result.err, CodeNoBrowser) {
		t.Fatalf("orphaned dispatch: got %v, want NO_BROWSER", result.err)
	}
	if !strings.Contains(result.err.Error(), "replaced") {
		t.Fatalf("orphaned dispatch error %q does not say the stream was replaced", result.err)
	}

	// The orphaned request is not re-delivered; the new stream only
	// carries what is dispatched after it.
	retried := dispatchAsync(t, registry, credentials, snapshotRequest("req-2"), 0)
	frame := testutil.RequireReceive(t, newStream.Frames(), receiveTimeout, "request frame on new stream")
	if frame.Request.RequestID != "req-2" {
		t.Fatalf("new stream carried request %q, want req-2", frame.Request.RequestID)
	}
	if err := registry.Resolve(credentials.SessionID, credentials.Token, snapshotResponse("req-2")); err != nil {
		t.Fatalf("Resolve on new stream: %v", err)
	}
	outcome := testutil.RequireReceive(t, retried, receiveTimeout, "retried dispatch outcome")
	if outcome.err != nil {
		t.Fatalf("retried dispatch: %v", outcome.err)
	}

	// The only settlement path for req-1 was the replacement.
	err := registry.Resolve(credentials.SessionID, credentials.Token, snapshotResponse("req-1"))
	if !IsCode(err, CodeNotFound) {
		t.Fatalf("late resolve of orphaned request: got %v, want NOT_FOUND", err)
	}
}

func TestDetachStream_SettlesPending(t *testing.T) {
	registry, _ := newTestRegistry(t, Options{})
	credentials := createSession(t, registry)
	stream := attachStream(t, registry, credentials)

	results := dispatchAsync(t, registry, credentials, snapshotRequest("req-1"), 0)
	testutil.RequireReceive(t, stream.Frames(), receiveTimeout, "request frame")

	registry.DetachStream(credentials.SessionID, stream)

	result := testutil.RequireReceive(t, results, receiveTimeout, "dispatch outcome")
	if !IsCode(result.err, CodeNoBrowser) {
		t.Fatalf("dispatch after detach: got %v, want NO_BROWSER", result.err)
	}
	testutil.RequireClosed(t, stream.Done(), receiveTimeout, "detached stream closed")
	if status := registry.Sessions()[0]; status.StreamAttached {
		t.Fatal("StreamAttached = true after detach")
	}

	// The session itself survives and accepts a fresh attach.
	attachStream(t, registry, credentials)
}

// Detaching a stream that was already replaced must not disturb the
// current one.
func TestDetachStream_StaleStreamIsNoOp(t *testing.T) {
	registry, _ := newTestRegistry(t, Options{})
	credentials := createSession(t, registry)
	oldStream := attachStream(t, registry, credentials)
	newStream := attachStream(t, registry, credentials)

	results := dispatchAsync(t, registry, credentials, snapshotRequest("req-1"), 0)
	testutil.RequireReceive(t, newStream.Frames(), receiveTimeout, "request frame")

	registry.DetachStream(credentials.SessionID, oldStream)

	status := registry.Sessions()[0]
	if !status.StreamAttached {
		t.Fatal("stale detach removed the current stream")
	}
	if status.PendingRequests != 1 {
		t.Fatalf("PendingRequests = %d after stale detach, want 1", status.PendingRequests)
	}

	if err := registry.Resolve(credentials.SessionID, credentials.Token, snapshotResponse("req-1")); err != nil {
		t.Fatalf("Resolve after stale detach: %v", err)
	}
	result := testutil.RequireReceive(t, results, receiveTimeout, "dispatch outcome")
	if result.err != nil {
		t.Fatalf("Dispatch: %v", result.err)
	}
}
