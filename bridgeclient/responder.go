// Copyright 2026 The FormBridge Authors
// SPDX-License-Identifier: Apache-2.0

package bridgeclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/formbridge/formbridge/bridge"
)

// Capability is the browser-side implementation a Responder drives.
// Implementations own the form: a live DOM, a headless page, or a
// parsed document.
type Capability interface {
	// Snapshot enumerates the form's fields per the instruction.
	Snapshot(ctx context.Context, instruction, document string) ([]bridge.Field, error)

	// Execute applies the actions in order and reports the outcome.
	Execute(ctx context.Context, actions []bridge.Action, fields []bridge.Field) (*bridge.Report, error)
}

// ResponderConfig holds the collaborators for a Responder.
type ResponderConfig struct {
	// Session supplies the credentials and transport. Required.
	Session *Session

	// Capability serves the pushed requests. Required.
	Capability Capability

	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger

	// OnReady, when set, is called once the server confirms the
	// stream is attached.
	OnReady func(sessionID string)
}

// Responder holds a session's browser stream: it reads pushed
// requests off SSE, answers them through the Capability, and posts
// each settlement on the respond endpoint.
//
// Requests are served one at a time in push order; a capability is a
// single form, and interleaving actions against it would race.
type Responder struct {
	session    *Session
	capability Capability
	logger     *slog.Logger
	onReady    func(string)
}

// NewResponder creates a Responder for the session.
func NewResponder(config ResponderConfig) (*Responder, error) {
	if config.Session == nil {
		return nil, fmt.Errorf("bridgeclient: Session is required")
	}
	if config.Capability == nil {
		return nil, fmt.Errorf("bridgeclient: Capability is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{
		session:    config.Session,
		capability: config.Capability,
		logger:     logger,
		onReady:    config.OnReady,
	}, nil
}

// Run opens the event stream and serves requests until ctx is
// canceled or the server ends the stream. A nil return means the
// stream closed cleanly — the session expired, the registry shut
// down, or another browser attached and took the stream over.
// Whether to re-attach is the caller's call: attaching again would
// in turn take the stream from whoever holds it now.
func (r *Responder) Run(ctx context.Context) error {
	query := url.Values{}
	query.Set("sessionId", r.session.credentials.SessionID)
	query.Set("token", r.session.credentials.Token)

	requestURL := r.session.client.baseURL + "/v1/bridge/events?" + query.Encode()
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return fmt.Errorf("bridgeclient: building stream request: %w", err)
	}
	request.Header.Set("Accept", "text/event-stream")

	response, err := r.session.client.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("bridgeclient: opening event stream: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return decodeError(response)
	}

	scanner := newSSEScanner(response.Body)
	for scanner.next() {
		event := scanner.event()
		switch event.Name {
		case "ready":
			var frame struct {
				SessionID string `json:"sessionId"`
			}
			if err := json.Unmarshal([]byte(event.Data), &frame); err != nil {
				return fmt.Errorf("bridgeclient: malformed ready frame: %w", err)
			}
			r.logger.Info("browser stream attached", "session_id", frame.SessionID)
			if r.onReady != nil {
				r.onReady(frame.SessionID)
			}
		case "request":
			var pushed bridge.Request
			if err := json.Unmarshal([]byte(event.Data), &pushed); err != nil {
				return fmt.Errorf("bridgeclient: malformed request frame: %w", err)
			}
			r.serve(ctx, &pushed)
		case "error":
			// Authentication failures arrive as an in-stream frame
			// on an otherwise-valid SSE response.
			var envelope struct {
				ErrorCode bridge.Code `json:"errorCode"`
				Message   string      `json:"message"`
			}
			if err := json.Unmarshal([]byte(event.Data), &envelope); err != nil || envelope.ErrorCode == "" {
				return fmt.Errorf("bridgeclient: stream error: %s", event.Data)
			}
			return &bridge.Error{Code: envelope.ErrorCode, Message: envelope.Message}
		default:
			r.logger.Debug("ignoring unknown stream event", "event", event.Name)
		}
	}

	if err := scanner.scanErr(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("bridgeclient: reading event stream: %w", err)
	}
	return nil
}

// serve answers one pushed request. Capability failures settle the
// request as an error_response rather than failing the stream: the
// dispatcher learns what went wrong, and the next request still gets
// served.
func (r *Responder) serve(ctx context.Context, pushed *bridge.Request) {
	response := r.answer(ctx, pushed)
	if err := r.session.Respond(ctx, response); err != nil {
		// The settlement may race session expiry or a dispatch
		// timeout; the dispatcher already has its outcome.
		r.logger.Warn("posting settlement",
			"request_id", pushed.RequestID,
			"error", err,
		)
	}
}

func (r *Responder) answer(ctx context.Context, pushed *bridge.Request) *bridge.Response {
	switch pushed.Type {
	case bridge.TypeSnapshotRequest:
		fields, err := r.capability.Snapshot(ctx, pushed.Instruction, pushed.Document)
		if err != nil {
			return errorResponse(pushed.RequestID, err)
		}
		return &bridge.Response{
			Type:      bridge.TypeSnapshotResponse,
			RequestID: pushed.RequestID,
			Fields:    fields,
		}
	case bridge.TypeExecuteRequest:
		report, err := r.capability.Execute(ctx, pushed.Actions, pushed.Fields)
		if err != nil {
			return errorResponse(pushed.RequestID, err)
		}
		if report == nil {
			report = &bridge.Report{}
		}
		return &bridge.Response{
			Type:      bridge.TypeExecuteResponse,
			RequestID: pushed.RequestID,
			Report:    report,
		}
	default:
		return errorResponse(pushed.RequestID,
			fmt.Errorf("unsupported request type %q", pushed.Type))
	}
}

func errorResponse(requestID string, err error) *bridge.Response {
	return &bridge.Response{
		Type:      bridge.TypeErrorResponse,
		RequestID: requestID,
		Message:   err.Error(),
	}
}
