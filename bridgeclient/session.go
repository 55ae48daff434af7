// Copyright 2026 The FormBridge Authors
// SPDX-License-Identifier: Apache-2.0

package bridgeclient

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/formbridge/formbridge/bridge"
)

// Session is a bridge session bound to a Client. The agent side
// dispatches through Snapshot, Execute, or raw Dispatch; the browser
// side posts settlements through Respond.
type Session struct {
	client      *Client
	credentials bridge.SessionCredentials
}

// ID returns the session id.
func (s *Session) ID() string { return s.credentials.SessionID }

// Credentials returns the bound credentials, including the token.
// Handle with the same care as the token itself.
func (s *Session) Credentials() bridge.SessionCredentials { return s.credentials }

// BrowserError is returned by Snapshot and Execute when the browser
// capability answered with an error_response instead of the typed
// response. The request reached the browser; the browser could not
// serve it.
type BrowserError struct {
	RequestID string
	Message   string
}

func (e *BrowserError) Error() string {
	return fmt.Sprintf("bridgeclient: browser reported for request %s: %s", e.RequestID, e.Message)
}

// SnapshotRequest parameterizes Session.Snapshot.
type SnapshotRequest struct {
	// Instruction tells the browser capability what to enumerate.
	Instruction string

	// Document optionally carries serialized form context (raw HTML
	// or equivalent) for capabilities that work off a live DOM.
	Document string

	// Timeout bounds the wait for the browser's response. Zero uses
	// the server default; the server clamps to its ceiling.
	Timeout time.Duration
}

// Snapshot asks the browser to enumerate the form's fields.
func (s *Session) Snapshot(ctx context.Context, request SnapshotRequest) ([]bridge.Field, error) {
	requestID, err := NewRequestID()
	if err != nil {
		return nil, err
	}
	response, err := s.Dispatch(ctx, &bridge.Request{
		Type:        bridge.TypeSnapshotRequest,
		RequestID:   requestID,
		Instruction: request.Instruction,
		Document:    request.Document,
	}, request.Timeout)
	if err != nil {
		return nil, err
	}
	if err := settled(response, bridge.TypeSnapshotResponse); err != nil {
		return nil, err
	}
	return response.Fields, nil
}

// ExecuteRequest parameterizes Session.Execute.
type ExecuteRequest struct {
	// Actions are applied in order by the browser capability.
	Actions []bridge.Action

	// Fields optionally restates the snapshot the actions refer to.
	Fields []bridge.Field

	// Timeout bounds the wait for the browser's report. Zero uses
	// the server default; the server clamps to its ceiling.
	Timeout time.Duration
}

// Execute asks the browser to apply actions and reports the outcome.
func (s *Session) Execute(ctx context.Context, request ExecuteRequest) (*bridge.Report, error) {
	requestID, err := NewRequestID()
	if err != nil {
		return nil, err
	}
	response, err := s.Dispatch(ctx, &bridge.Request{
		Type:      bridge.TypeExecuteRequest,
		RequestID: requestID,
		Actions:   request.Actions,
		Fields:    request.Fields,
	}, request.Timeout)
	if err != nil {
		return nil, err
	}
	if err := settled(response, bridge.TypeExecuteResponse); err != nil {
		return nil, err
	}
	if response.Report == nil {
		return nil, fmt.Errorf("bridgeclient: execute_response for %s carried no report", requestID)
	}
	return response.Report, nil
}

// Dispatch sends a raw bridge request and waits for its settlement.
// The returned response may be any valid settlement, including an
// error_response; Snapshot and Execute are the typed conveniences
// that translate those into Go errors.
func (s *Session) Dispatch(ctx context.Context, request *bridge.Request, timeout time.Duration) (*bridge.Response, error) {
	payload := struct {
		SessionID string          `json:"sessionId"`
		Token     string          `json:"token"`
		Request   *bridge.Request `json:"request"`
		TimeoutMs int             `json:"timeoutMs,omitempty"`
	}{
		SessionID: s.credentials.SessionID,
		Token:     s.credentials.Token,
		Request:   request,
		TimeoutMs: int(timeout / time.Millisecond),
	}

	var result struct {
		Response *bridge.Response `json:"response"`
	}
	if err := s.client.doRequest(ctx, http.MethodPost, "/v1/bridge/dispatch", payload, &result); err != nil {
		return nil, fmt.Errorf("bridgeclient: dispatch: %w", err)
	}
	if result.Response == nil {
		return nil, fmt.Errorf("bridgeclient: dispatch succeeded without a response body")
	}
	return result.Response, nil
}

// Respond posts a settlement for a previously pushed request. The
// browser side calls this; the Responder does it automatically.
func (s *Session) Respond(ctx context.Context, response *bridge.Response) error {
	payload := struct {
		SessionID string           `json:"sessionId"`
		Token     string           `json:"token"`
		Response  *bridge.Response `json:"response"`
	}{
		SessionID: s.credentials.SessionID,
		Token:     s.credentials.Token,
		Response:  response,
	}
	if err := s.client.doRequest(ctx, http.MethodPost, "/v1/bridge/respond", payload, nil); err != nil {
		return fmt.Errorf("bridgeclient: respond %s: %w", response.RequestID, err)
	}
	return nil
}

// settled translates a settlement into the typed method's outcome: the
// expected type passes, an error_response becomes a *BrowserError,
// anything else is a protocol violation.
func settled(response *bridge.Response, wantType string) error {
	switch response.Type {
	case wantType:
		return nil
	case bridge.TypeErrorResponse:
		return &BrowserError{RequestID: response.RequestID, Message: response.Message}
	default:
		return fmt.Errorf("bridgeclient: unexpected settlement type %q for request %s",
			response.Type, response.RequestID)
	}
}
