// Copyright 2026 The FormBridge Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/formbridge/formbridge/lib/testutil"
)

type dispatchResult struct {
	response *Response
	err      error
}

// dispatchAsync runs Dispatch on its own goroutine and returns the
// channel carrying the outcome.
func dispatchAsync(t *testing.T, registry *Registry, credentials SessionCredentials, request *Request, timeout time.Duration) <-chan dispatchResult {
	t.Helper()
	ctx := t.Context()
	results := make(chan dispatchResult, 1)
	go func() {
		response, err := registry.Dispatch(ctx, credentials.SessionID, credentials.Token, request, timeout)
		results <- dispatchResult{response: response, err: err}
	}()
	return results
}

func executeRequest(requestID string) *Request {
	return &Request{
		Type:      TypeExecuteRequest,
		RequestID: requestID,
		Actions: []Action{
			{Kind: ActionFill, Ref: "field-name", Value: "Ada Lovelace"},
			{Kind: ActionCheck, Ref: "field-terms"},
		},
	}
}

func snapshotResponse(requestID string) *Response {
	return &Response{
		Type:      TypeSnapshotResponse,
		RequestID: requestID,
		Fields: []Field{
			{Ref: "field-name", Label: "Full name", Kind: "text", Required: true},
			{Ref: "field-plan", Label: "Plan", Kind: "select", Options: []string{"free", "pro"}},
		},
	}
}

func executeResponse(requestID string) *Response {
	return &Response{
		Type:      TypeExecuteResponse,
		RequestID: requestID,
		Report: &Report{
			Applied:  []string{"field-name", "field-terms"},
			Skipped:  []SkippedAction{},
			Warnings: []string{},
		},
	}
}

func TestDispatch_NoStream(t *testing.T) {
	registry, _ := newTestRegistry(t, Options{})
	credentials := createSession(t, registry)

	_, err := registry.Dispatch(t.Context(), credentials.SessionID, credentials.Token, snapshotRequest("req-1"), 0)
	if !IsCode(err, CodeNoBrowser) {
		t.Fatalf("dispatch without stream: got %v, want NO_BROWSER", err)
	}
}

func TestDispatch_BadCredentials(t *testing.T) {
	registry, _ := newTestRegistry(t, Options{})
	credentials := createSession(t, registry)
	attachStream(t, registry, credentials)

	_, err := registry.Dispatch(t.Context(), credentials.SessionID, "0000", snapshotRequest("req-1"), 0)
	if !IsCode(err, CodeUnauthorized) {
		t.Fatalf("dispatch with bad token: got %v, want UNAUTHORIZED", err)
	}
}

// The full snapshot round trip: the request frame reaches the stream
// intact and the resolved payload reaches the dispatcher untouched.
func TestDispatch_SnapshotRoundTrip(t *testing.T) {
	registry, _ := newTestRegistry(t, Options{})
	credentials := createSession(t, registry)
	stream := attachStream(t, registry, credentials)

	request := snapshotRequest("req-1")
	results := dispatchAsync(t, registry, credentials, request, 0)

	frame := testutil.RequireReceive(t, stream.Frames(), receiveTimeout, "request frame")
	if frame.Kind != FrameRequest {
		t.Fatalf("frame kind = %v, want FrameRequest", frame.Kind)
	}
	if !reflect.DeepEqual(frame.Request, request) {
		t.Fatalf("delivered request = %+v, want %+v", frame.Request, request)
	}

	submitted := snapshotResponse("req-1")
	if err := registry.Resolve(credentials.SessionID, credentials.Token, submitted); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	result := testutil.RequireReceive(t, results, receiveTimeout, "dispatch outcome")
	if result.err != nil {
		t.Fatalf("Dispatch: %v", result.err)
	}
	if !reflect.DeepEqual(result.response, submitted) {
		t.Fatalf("dispatch response = %+v, want the submitted payload %+v", result.response, submitted)
	}
}

func TestDispatch_ExecuteRoundTrip(t *testing.T) {
	registry, _ := newTestRegistry(t, Options{})
	credentials := createSession(t, registry)
	stream := attachStream(t, registry, credentials)

	results := dispatchAsync(t, registry, credentials, executeRequest("req-1"), 0)
	testutil.RequireReceive(t, stream.Frames(), receiveTimeout, "request frame")

	if err := registry.Resolve(credentials.SessionID, credentials.Token, executeResponse("req-1")); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	result := testutil.RequireReceive(t, results, receiveTimeout, "dispatch outcome")
	if result.err != nil {
		t.Fatalf("Dispatch: %v", result.err)
	}
	if result.response.Report == nil {
		t.Fatal("execute response lost its report")
	}
	if got := result.response.Report.Applied; len(got) != 2 {
		t.Fatalf("report applied = %v, want 2 refs", got)
	}
}

// A request id already in flight is rejected; the original request is
// untouched and still resolvable.
func TestDispatch_DuplicateRequestID(t *testing.T) {
	registry, _ := newTestRegistry(t, Options{})
	credentials := createSession(t, registry)
	stream := attachStream(t, registry, credentials)

	first := dispatchAsync(t, registry, credentials, snapshotRequest("req-1"), 0)
	testutil.RequireReceive(t, stream.Frames(), receiveTimeout, "first request frame")

	_, err := registry.Dispatch(t.Context(), credentials.SessionID, credentials.Token, snapshotRequest("req-1"), 0)
	if !IsCode(err, CodeInvalidResponse) {
		t.Fatalf("duplicate dispatch: got %v, want INVALID_RESPONSE", err)
	}

	if err := registry.Resolve(credentials.SessionID, credentials.Token, snapshotResponse("req-1")); err != nil {
		t.Fatalf("Resolve after duplicate attempt: %v", err)
	}
	result := testutil.RequireReceive(t, first, receiveTimeout, "first dispatch outcome")
	if result.err != nil {
		t.Fatalf("first dispatch: %v", result.err)
	}
}

func TestDispatch_Timeout(t *testing.T) {
	registry, fakeClock := newTestRegistry(t, Options{})
	credentials := createSession(t, registry)
	stream := attachStream(t, registry, credentials)

	results := dispatchAsync(t, registry, credentials, snapshotRequest("req-1"), 50*time.Millisecond)
	testutil.RequireReceive(t, stream.Frames(), receiveTimeout, "request frame")

	fakeClock.WaitForTimers(2) // keepalive ticker plus the request timer
	fakeClock.Advance(50 * time.Millisecond)

	result := testutil.RequireReceive(t, results, receiveTimeout, "dispatch outcome")
	if !IsCode(result.err, CodeTimeout) {
		t.Fatalf("dispatch: got %v, want TIMEOUT", result.err)
	}

	// The late response finds nothing to settle.
	err := registry.Resolve(credentials.SessionID, credentials.Token, snapshotResponse("req-1"))
	if !IsCode(err, CodeNotFound) {
		t.Fatalf("late resolve: got %v, want NOT_FOUND", err)
	}
}

// A zero timeout means the registry default; an oversized one is
// clamped to the ceiling.
func TestDispatch_TimeoutClamping(t *testing.T) {
	registry, fakeClock := newTestRegistry(t, Options{
		DispatchTimeout:        40 * time.Millisecond,
		DispatchTimeoutCeiling: 100 * time.Millisecond,
	})
	credentials := createSession(t, registry)
	stream := attachStream(t, registry, credentials)

	results := dispatchAsync(t, registry, credentials, snapshotRequest("req-default"), 0)
	testutil.RequireReceive(t, stream.Frames(), receiveTimeout, "request frame")
	fakeClock.WaitForTimers(2)
	fakeClock.Advance(40 * time.Millisecond)
	result := testutil.RequireReceive(t, results, receiveTimeout, "default-timeout outcome")
	if !IsCode(result.err, CodeTimeout) {
		t.Fatalf("default timeout: got %v, want TIMEOUT", result.err)
	}
	if !strings.Contains(result.err.Error(), "40ms") {
		t.Fatalf("default timeout message %q does not name the default", result.err)
	}

	results = dispatchAsync(t, registry, credentials, snapshotRequest("req-ceiling"), 10*time.Minute)
	testutil.RequireReceive(t, stream.Frames(), receiveTimeout, "request frame")
	fakeClock.WaitForTimers(2)
	fakeClock.Advance(100 * time.Millisecond)
	result = testutil.RequireReceive(t, results, receiveTimeout, "ceiling-timeout outcome")
	if !IsCode(result.err, CodeTimeout) {
		t.Fatalf("clamped timeout: got %v, want TIMEOUT", result.err)
	}
	if !strings.Contains(result.err.Error(), "100ms") {
		t.Fatalf("clamped timeout message %q does not name the ceiling", result.err)
	}
}

// Malformed requests are rejected before anything is registered or
// pushed.
func TestDispatch_RejectsMalformedRequests(t *testing.T) {
	registry, _ := newTestRegistry(t, Options{})
	credentials := createSession(t, registry)

	tests := []struct {
		name    string
		request *Request
	}{
		{"unknown type", &Request{Type: "ping", RequestID: "req-1"}},
		{"missing request id", &Request{Type: TypeSnapshotRequest, Instruction: "fill the form"}},
		{"snapshot without instruction", &Request{Type: TypeSnapshotRequest, RequestID: "req-1"}},
		{"execute without actions", &Request{Type: TypeExecuteRequest, RequestID: "req-1"}},
		{"unknown action kind", &Request{
			Type:      TypeExecuteRequest,
			RequestID: "req-1",
			Actions:   []Action{{Kind: "hover", Ref: "field-name"}},
		}},
		{"action without ref", &Request{
			Type:      TypeExecuteRequest,
			RequestID: "req-1",
			Actions:   []Action{{Kind: ActionFill, Value: "x"}},
		}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := registry.Dispatch(t.Context(), credentials.SessionID, credentials.Token, test.request, 0)
			if !IsCode(err, CodeInvalidResponse) {
				t.Fatalf("got %v, want INVALID_RESPONSE", err)
			}
		})
	}
}

func TestResolve_UnknownRequestID(t *testing.T) {
	registry, _ := newTestRegistry(t, Options{})
	credentials := createSession(t, registry)
	stream := attachStream(t, registry, credentials)

	results := dispatchAsync(t, registry, credentials, snapshotRequest("req-1"), 0)
	testutil.RequireReceive(t, stream.Frames(), receiveTimeout, "request frame")

	err := registry.Resolve(credentials.SessionID, credentials.Token, snapshotResponse("req-wrong"))
	if !IsCode(err, CodeNotFound) {
		t.Fatalf("unknown request id: got %v, want NOT_FOUND", err)
	}

	// The in-flight request is unaffected by the stray response.
	if err := registry.Resolve(credentials.SessionID, credentials.Token, snapshotResponse("req-1")); err != nil {
		t.Fatalf("Resolve after stray response: %v", err)
	}
	result := testutil.RequireReceive(t, results, receiveTimeout, "dispatch outcome")
	if result.err != nil {
		t.Fatalf("Dispatch: %v", result.err)
	}
}

func TestResolve_BadCredentials(t *testing.T) {
	registry, _ := newTestRegistry(t, Options{})
	credentials := createSession(t, registry)
	stream := attachStream(t, registry, credentials)

	results := dispatchAsync(t, registry, credentials, snapshotRequest("req-1"), 0)
	testutil.RequireReceive(t, stream.Frames(), receiveTimeout, "request frame")

	err := registry.Resolve(credentials.SessionID, "0000", snapshotResponse("req-1"))
	if !IsCode(err, CodeUnauthorized) {
		t.Fatalf("resolve with bad token: got %v, want UNAUTHORIZED", err)
	}

	// The rejected resolve left the pending request intact.
	if err := registry.Resolve(credentials.SessionID, credentials.Token, snapshotResponse("req-1")); err != nil {
		t.Fatalf("Resolve with good token: %v", err)
	}
	testutil.RequireReceive(t, results, receiveTimeout, "dispatch outcome")
}

// A response of the wrong type settles the waiter with
// INVALID_RESPONSE and reports the same error to the responder.
func TestResolve_TypeMismatch(t *testing.T) {
	registry, _ := newTestRegistry(t, Options{})
	credentials := createSession(t, registry)
	stream := attachStream(t, registry, credentials)

	results := dispatchAsync(t, registry, credentials, snapshotRequest("req-1"), 0)
	testutil.RequireReceive(t, stream.Frames(), receiveTimeout, "request frame")

	err := registry.Resolve(credentials.SessionID, credentials.Token, executeResponse("req-1"))
	if !IsCode(err, CodeInvalidResponse) {
		t.Fatalf("responder side: got %v, want INVALID_RESPONSE", err)
	}

	result := testutil.RequireReceive(t, results, receiveTimeout, "dispatch outcome")
	if !IsCode(result.err, CodeInvalidResponse) {
		t.Fatalf("waiter side: got %v, want INVALID_RESPONSE", result.err)
	}

	// The mismatch consumed the entry.
	err = registry.Resolve(credentials.SessionID, credentials.Token, snapshotResponse("req-1"))
	if !IsCode(err, CodeNotFound) {
		t.Fatalf("resolve after mismatch: got %v, want NOT_FOUND", err)
	}
}

// An error_response is a valid settlement for the responder; the
// waiter sees INVALID_RESPONSE carrying the browser's message.
func TestResolve_ErrorResponse(t *testing.T) {
	registry, _ := newTestRegistry(t, Options{})
	credentials := createSession(t, registry)
	stream := attachStream(t, registry, credentials)

	results := dispatchAsync(t, registry, credentials, snapshotRequest("req-1"), 0)
	testutil.RequireReceive(t, stream.Frames(), receiveTimeout, "request frame")

	errorResponse := &Response{
		Type:      TypeErrorResponse,
		RequestID: "req-1",
		Message:   "page navigated away mid-snapshot",
	}
	if err := registry.Resolve(credentials.SessionID, credentials.Token, errorResponse); err != nil {
		t.Fatalf("Resolve(error_response): %v", err)
	}

	result := testutil.RequireReceive(t, results, receiveTimeout, "dispatch outcome")
	if !IsCode(result.err, CodeInvalidResponse) {
		t.Fatalf("waiter: got %v, want INVALID_RESPONSE", result.err)
	}
	if !strings.Contains(result.err.Error(), "page navigated away mid-snapshot") {
		t.Fatalf("waiter error %q does not carry the browser message", result.err)
	}
}

// Responses correlate by request id, not arrival order.
func TestDispatch_OutOfOrderResolution(t *testing.T) {
	registry, _ := newTestRegistry(t, Options{})
	credentials := createSession(t, registry)
	stream := attachStream(t, registry, credentials)

	first := dispatchAsync(t, registry, credentials, snapshotRequest("req-1"), 0)
	testutil.RequireReceive(t, stream.Frames(), receiveTimeout, "first request frame")
	second := dispatchAsync(t, registry, credentials, snapshotRequest("req-2"), 0)
	testutil.RequireReceive(t, stream.Frames(), receiveTimeout, "second request frame")

	responseTwo := &Response{
		Type:      TypeSnapshotResponse,
		RequestID: "req-2",
		Fields:    []Field{{Ref: "field-2", Kind: "text", Value: "two"}},
	}
	responseOne := &Response{
		Type:      TypeSnapshotResponse,
		RequestID: "req-1",
		Fields:    []Field{{Ref: "field-1", Kind: "text", Value: "one"}},
	}
	if err := registry.Resolve(credentials.SessionID, credentials.Token, responseTwo); err != nil {
		t.Fatalf("Resolve(req-2): %v", err)
	}
	if err := registry.Resolve(credentials.SessionID, credentials.Token, responseOne); err != nil {
		t.Fatalf("Resolve(req-1): %v", err)
	}

	resultOne := testutil.RequireReceive(t, first, receiveTimeout, "first dispatch outcome")
	resultTwo := testutil.RequireReceive(t, second, receiveTimeout, "second dispatch outcome")
	if resultOne.err != nil || resultTwo.err != nil {
		t.Fatalf("dispatch errors: %v, %v", resultOne.err, resultTwo.err)
	}
	if got := resultOne.response.Fields[0].Value; got != "one" {
		t.Fatalf("first waiter got field value %q, want \"one\"", got)
	}
	if got := resultTwo.response.Fields[0].Value; got != "two" {
		t.Fatalf("second waiter got field value %q, want \"two\"", got)
	}
}

// Cancelling the dispatch context abandons the wait and removes the
// pending entry.
func TestDispatch_ContextCancelled(t *testing.T) {
	registry, fakeClock := newTestRegistry(t, Options{})
	credentials := createSession(t, registry)
	stream := attachStream(t, registry, credentials)

	ctx, cancel := context.WithCancel(t.Context())
	results := make(chan dispatchResult, 1)
	go func() {
		response, err := registry.Dispatch(ctx, credentials.SessionID, credentials.Token, snapshotRequest("req-1"), 0)
		results <- dispatchResult{response: response, err: err}
	}()
	testutil.RequireReceive(t, stream.Frames(), receiveTimeout, "request frame")

	cancel()
	result := testutil.RequireReceive(t, results, receiveTimeout, "dispatch outcome")
	if !errors.Is(result.err, context.Canceled) {
		t.Fatalf("cancelled dispatch: got %v, want context.Canceled", result.err)
	}

	err := registry.Resolve(credentials.SessionID, credentials.Token, snapshotResponse("req-1"))
	if !IsCode(err, CodeNotFound) {
		t.Fatalf("resolve after cancel: got %v, want NOT_FOUND", err)
	}
	// Only the keepalive ticker remains; the request timer was
	// stopped by the cancel path.
	if pending := fakeClock.PendingCount(); pending != 1 {
		t.Fatalf("fake clock pending = %d, want 1", pending)
	}
}

// A dispatch that cannot buffer its frame reports NO_BROWSER and
// detaches the stalled stream.
func TestDispatch_FullBufferDetaches(t *testing.T) {
	registry, _ := newTestRegistry(t, Options{StreamBuffer: 1})
	credentials := createSession(t, registry)

	// Leave the ready frame in the single buffer slot.
	stream, err := registry.AttachStream(credentials.SessionID, credentials.Token)
	if err != nil {
		t.Fatalf("AttachStream: %v", err)
	}

	_, err = registry.Dispatch(t.Context(), credentials.SessionID, credentials.Token, snapshotRequest("req-1"), 0)
	if !IsCode(err, CodeNoBrowser) {
		t.Fatalf("dispatch into full buffer: got %v, want NO_BROWSER", err)
	}
	testutil.RequireClosed(t, stream.Done(), receiveTimeout, "stalled stream closed")

	status := registry.Sessions()[0]
	if status.StreamAttached {
		t.Fatal("StreamAttached = true after forced detach")
	}
	if status.PendingRequests != 0 {
		t.Fatalf("PendingRequests = %d, want 0", status.PendingRequests)
	}
}
