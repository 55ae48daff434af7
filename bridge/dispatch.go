// Copyright 2026 The FormBridge Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"time"
)

// Dispatch pushes a request down the session's browser stream and
// blocks until the browser resolves it, the timeout fires, the stream
// goes away, or ctx ends. A non-positive timeout means the registry
// default; values above the ceiling are clamped down to it.
//
// Failure modes: UNAUTHORIZED (bad credentials), INVALID_RESPONSE
// (malformed request or a request id already in flight), NO_BROWSER
// (no stream attached, or the push failed), TIMEOUT (deadline
// elapsed, or session expired mid-wait). The duplicate check is the
// correlator's only id discipline — ids are caller-supplied so the
// caller can correlate against its own bookkeeping, and the first
// in-flight request always survives a duplicate attempt untouched.
//
// Cancellation via ctx removes the pending entry and stops its timer;
// the browser's eventual response then settles as NOT_FOUND, which is
// benign.
func (r *Registry) Dispatch(ctx context.Context, sessionID, token string, request *Request, timeout time.Duration) (*Response, error) {
	r.mu.Lock()
	r.sweepLocked()

	ses, err := r.authorizeLocked(sessionID, token)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	if err := request.Validate(); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	if ses.stream == nil {
		r.mu.Unlock()
		return nil, NoBrowser("no browser stream attached")
	}
	if _, inFlight := ses.pending[request.RequestID]; inFlight {
		r.mu.Unlock()
		return nil, InvalidResponse("duplicate request id %q", request.RequestID)
	}

	timeout = r.clampTimeout(timeout)
	pending := &pendingRequest{
		requestType: request.Type,
		timeout:     timeout,
		settled:     make(chan settlement, 1),
	}
	ses.pending[request.RequestID] = pending
	pending.timer = r.clock.AfterFunc(timeout, func() {
		r.timeoutRequest(sessionID, request.RequestID)
	})

	stream := ses.stream
	if !stream.push(Frame{Kind: FrameRequest, Request: request}) {
		// The buffer is full or the stream closed under us; either
		// way the browser is effectively gone.
		delete(ses.pending, request.RequestID)
		pending.timer.Stop()
		r.mu.Unlock()
		r.DetachStream(sessionID, stream)
		return nil, NoBrowser("browser stream rejected the request")
	}

	r.record(Event{
		Kind:        EventRequestDispatched,
		SessionID:   sessionID,
		RequestID:   request.RequestID,
		RequestType: request.Type,
	})
	r.logger.Debug("request dispatched",
		"session_id", sessionID,
		"request_id", request.RequestID,
		"request_type", request.Type,
		"timeout", timeout,
	)
	r.mu.Unlock()

	// Wait outside the lock. Settlement arrives on a 1-buffered
	// channel written under the mutex, so whichever of these cases
	// wins observes a consistent outcome.
	select {
	case result := <-pending.settled:
		return result.response, result.err
	case <-ctx.Done():
	}

	// Caller cancelled. Reclaim the entry if it is still ours; if a
	// settlement beat us to the map, its outcome is already buffered.
	r.mu.Lock()
	if current, exists := r.sessions[sessionID]; exists {
		if inFlight, still := current.pending[request.RequestID]; still && inFlight == pending {
			delete(current.pending, request.RequestID)
			pending.timer.Stop()
			r.record(Event{
				Kind:        EventRequestSettled,
				SessionID:   sessionID,
				RequestID:   request.RequestID,
				RequestType: request.Type,
				ErrorCode:   CodeInternal,
				Detail:      "dispatch cancelled by caller",
			})
			r.mu.Unlock()
			return nil, ctx.Err()
		}
	}
	r.mu.Unlock()

	result := <-pending.settled
	return result.response, result.err
}

// Resolve settles the pending request named by response.RequestID.
// The entry is removed and its timer stopped before anything else, so
// every request settles exactly once.
//
// An unknown request id returns NOT_FOUND: late responses after a
// timeout, duplicates, and unsolicited responses all land here and
// are benign. An error_response settles the waiter with
// INVALID_RESPONSE carrying the browser's message while the responder
// itself gets nil (it delivered its report). A response whose type
// does not match the request settles the waiter with INVALID_RESPONSE
// and returns that same error to the responder, so both sides see the
// mismatch.
func (r *Registry) Resolve(sessionID, token string, response *Response) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()

	ses, err := r.authorizeLocked(sessionID, token)
	if err != nil {
		return err
	}
	if err := response.Validate(); err != nil {
		return err
	}

	pending, exists := ses.pending[response.RequestID]
	if !exists {
		return NotFound("no pending request %q", response.RequestID)
	}

	if response.Type == TypeErrorResponse {
		r.settleLocked(ses, response.RequestID, pending, nil,
			InvalidResponse("browser error: %s", response.Message))
		r.logger.Debug("request settled with browser error",
			"session_id", sessionID,
			"request_id", response.RequestID,
		)
		return nil
	}

	if expected := ExpectedResponse(pending.requestType); response.Type != expected {
		mismatch := InvalidResponse("response type %q does not match request type %q",
			response.Type, pending.requestType)
		r.settleLocked(ses, response.RequestID, pending, nil, mismatch)
		return mismatch
	}

	r.settleLocked(ses, response.RequestID, pending, response, nil)
	r.logger.Debug("request resolved",
		"session_id", sessionID,
		"request_id", response.RequestID,
		"response_type", response.Type,
	)
	return nil
}

// timeoutRequest is the AfterFunc body for a pending request's
// deadline. A concurrent resolve wins by removing the entry first, in
// which case this finds nothing and returns. Timeouts are routine
// (the browser tab may be slow or gone), logged at info.
func (r *Registry) timeoutRequest(sessionID, requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ses, exists := r.sessions[sessionID]
	if !exists {
		return
	}
	pending, exists := ses.pending[requestID]
	if !exists {
		return
	}

	r.settleLocked(ses, requestID, pending, nil,
		Timeout("no browser response within %s", pending.timeout))
	r.logger.Info("request timed out",
		"session_id", sessionID,
		"request_id", requestID,
		"timeout", pending.timeout,
	)
}

// clampTimeout applies the default and ceiling to a caller-supplied
// dispatch timeout.
func (r *Registry) clampTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return r.dispatchTimeout
	}
	if timeout > r.timeoutCeiling {
		return r.timeoutCeiling
	}
	return timeout
}
