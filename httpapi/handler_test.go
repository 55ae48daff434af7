// Copyright 2026 The FormBridge Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/formbridge/formbridge/bridge"
	"github.com/formbridge/formbridge/eventlog"
	"github.com/formbridge/formbridge/lib/clock"
)

var apiTestEpoch = time.Date(2026, 2, 14, 9, 0, 0, 0, time.UTC)

type testAPI struct {
	server   *httptest.Server
	registry *bridge.Registry
	events   *eventlog.Store
	clock    *clock.FakeClock
	handler  *Handler
}

// newTestAPI stands up the full surface: registry and event log on a
// fake clock, handler, and an httptest server. The configure hook
// adjusts the handler config before construction.
func newTestAPI(t *testing.T, configure func(*HandlerConfig)) *testAPI {
	t.Helper()

	fakeClock := clock.Fake(apiTestEpoch)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	events, err := eventlog.Open(eventlog.StoreConfig{
		Path:   filepath.Join(t.TempDir(), "events.db"),
		Clock:  fakeClock,
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("eventlog.Open: %v", err)
	}

	registry := bridge.NewRegistry(bridge.Options{
		Clock:             fakeClock,
		Logger:            logger,
		Tap:               events,
		KeepaliveInterval: 20 * time.Second,
	})

	config := HandlerConfig{
		Registry: registry,
		Events:   events,
		Clock:    fakeClock,
		Logger:   logger,
		BaseURL:  "http://bridge.test",
	}
	if configure != nil {
		configure(&config)
	}

	handler, err := NewHandler(config)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	server := httptest.NewServer(handler.Routes())

	// Shutdown order matters: closing the registry first releases any
	// streaming handlers so the server close cannot hang on them.
	t.Cleanup(func() {
		if err := events.Close(); err != nil {
			t.Errorf("events.Close: %v", err)
		}
	})
	t.Cleanup(server.Close)
	t.Cleanup(registry.Close)

	return &testAPI{
		server:   server,
		registry: registry,
		events:   events,
		clock:    fakeClock,
		handler:  handler,
	}
}

// postJSON posts value and decodes the response body into out,
// returning the status code.
func (api *testAPI) postJSON(t *testing.T, path string, value, out any) int {
	t.Helper()

	body, err := json.Marshal(value)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	response, err := http.Post(api.server.URL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer response.Body.Close()

	if out != nil {
		if err := json.NewDecoder(response.Body).Decode(out); err != nil {
			t.Fatalf("decoding POST %s response: %v", path, err)
		}
	}
	return response.StatusCode
}

func (api *testAPI) getJSON(t *testing.T, path string, out any) int {
	t.Helper()

	response, err := http.Get(api.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer response.Body.Close()

	if out != nil {
		if err := json.NewDecoder(response.Body).Decode(out); err != nil {
			t.Fatalf("decoding GET %s response: %v", path, err)
		}
	}
	return response.StatusCode
}

// createSession provisions a session through the HTTP surface.
func (api *testAPI) createSession(t *testing.T) sessionResponse {
	t.Helper()

	var session sessionResponse
	status := api.postJSON(t, "/v1/bridge/session", struct{}{}, &session)
	if status != http.StatusOK {
		t.Fatalf("session create status = %d", status)
	}
	if !session.OK || session.SessionID == "" || session.Token == "" {
		t.Fatalf("session response = %+v", session)
	}
	return session
}

func TestCreateSessionEndpoint(t *testing.T) {
	api := newTestAPI(t, nil)
	session := api.createSession(t)

	if len(session.SessionID) != 32 {
		t.Errorf("session id length = %d, want 32", len(session.SessionID))
	}
	if len(session.Token) != 64 {
		t.Errorf("token length = %d, want 64", len(session.Token))
	}
	want := apiTestEpoch.Add(bridge.DefaultSessionTTL)
	if !session.ExpiresAt.Equal(want) {
		t.Errorf("expiresAt = %v, want %v", session.ExpiresAt, want)
	}
}

func TestDispatchWithoutBrowser(t *testing.T) {
	api := newTestAPI(t, nil)
	session := api.createSession(t)

	var envelope errorEnvelope
	status := api.postJSON(t, "/v1/bridge/dispatch", dispatchRequest{
		SessionID: session.SessionID,
		Token:     session.Token,
		Request: &bridge.Request{
			Type:        bridge.TypeSnapshotRequest,
			RequestID:   "req-1",
			Instruction: "list the fields",
		},
	}, &envelope)

	if status != http.StatusConflict {
		t.Fatalf("status = %d, want 409", status)
	}
	if envelope.OK || envelope.ErrorCode != bridge.CodeNoBrowser {
		t.Fatalf("envelope = %+v", envelope)
	}
}

func TestDispatchBadCredentials(t *testing.T) {
	api := newTestAPI(t, nil)
	api.createSession(t)

	var envelope errorEnvelope
	status := api.postJSON(t, "/v1/bridge/dispatch", dispatchRequest{
		SessionID: "bogus",
		Token:     "bogus",
		Request: &bridge.Request{
			Type:        bridge.TypeSnapshotRequest,
			RequestID:   "req-1",
			Instruction: "list the fields",
		},
	}, &envelope)

	if status != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", status)
	}
	if envelope.ErrorCode != bridge.CodeUnauthorized {
		t.Fatalf("errorCode = %q", envelope.ErrorCode)
	}
}

func TestDispatchMalformedBody(t *testing.T) {
	api := newTestAPI(t, nil)

	response, err := http.Post(api.server.URL+"/v1/bridge/dispatch",
		"application/json", strings.NewReader(`{"sessionId": `))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", response.StatusCode)
	}
	var envelope errorEnvelope
	if err := json.NewDecoder(response.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if envelope.ErrorCode != bridge.CodeInvalidResponse {
		t.Fatalf("errorCode = %q", envelope.ErrorCode)
	}
}

func TestDispatchBodyTooLarge(t *testing.T) {
	api := newTestAPI(t, func(config *HandlerConfig) {
		config.MaxBodyBytes = 256
	})

	oversized := `{"sessionId": "a", "token": "b", "request": {"document": "` +
		strings.Repeat("x", 1024) + `"}}`
	response, err := http.Post(api.server.URL+"/v1/bridge/dispatch",
		"application/json", strings.NewReader(oversized))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", response.StatusCode)
	}
	var envelope errorEnvelope
	if err := json.NewDecoder(response.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if !strings.Contains(envelope.Message, "too large") {
		t.Fatalf("message = %q", envelope.Message)
	}
}

func TestRespondUnknownRequest(t *testing.T) {
	api := newTestAPI(t, nil)
	session := api.createSession(t)

	var envelope errorEnvelope
	status := api.postJSON(t, "/v1/bridge/respond", respondRequest{
		SessionID: session.SessionID,
		Token:     session.Token,
		Response: &bridge.Response{
			Type:      bridge.TypeSnapshotResponse,
			RequestID: "never-dispatched",
		},
	}, &envelope)

	if status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", status)
	}
	if envelope.ErrorCode != bridge.CodeNotFound {
		t.Fatalf("errorCode = %q", envelope.ErrorCode)
	}
}

func TestSessionsEndpointHidesTokens(t *testing.T) {
	api := newTestAPI(t, nil)
	first := api.createSession(t)
	api.createSession(t)

	response, err := http.Get(api.server.URL + "/v1/bridge/sessions")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer response.Body.Close()
	raw, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}

	var listing sessionsResponse
	if err := json.Unmarshal(raw, &listing); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listing.Sessions) != 2 {
		t.Fatalf("got %d sessions, want 2", len(listing.Sessions))
	}
	if strings.Contains(string(raw), first.Token) {
		t.Fatal("sessions listing leaked a token")
	}
}

func TestHealthz(t *testing.T) {
	api := newTestAPI(t, nil)
	api.createSession(t)
	api.clock.Advance(90 * time.Second)

	var health healthResponse
	if status := api.getJSON(t, "/healthz", &health); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if !health.OK || health.Version == "" {
		t.Fatalf("health = %+v", health)
	}
	if health.UptimeSeconds != 90 {
		t.Errorf("uptimeSeconds = %d, want 90", health.UptimeSeconds)
	}
	if health.Sessions != 1 {
		t.Errorf("sessions = %d, want 1", health.Sessions)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	api := newTestAPI(t, nil)
	first := api.createSession(t)
	api.createSession(t)

	// The registry taps into the event log; make sure the appends
	// have landed before querying.
	if err := api.events.Sync(t.Context()); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	var history historyResponse
	status := api.getJSON(t, "/v1/history?sessionId="+first.SessionID, &history)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if len(history.Events) != 1 {
		t.Fatalf("got %d events, want 1: %+v", len(history.Events), history.Events)
	}
	if history.Events[0].Kind != bridge.EventSessionCreated {
		t.Fatalf("event kind = %q", history.Events[0].Kind)
	}

	var all historyResponse
	if status := api.getJSON(t, "/v1/history?limit=1", &all); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if len(all.Events) != 1 {
		t.Fatalf("limit ignored: got %d events", len(all.Events))
	}

	var envelope errorEnvelope
	if status := api.getJSON(t, "/v1/history?limit=potato", &envelope); status != http.StatusUnprocessableEntity {
		t.Fatalf("bad limit status = %d, want 422", status)
	}
}

func TestHistoryDisabled(t *testing.T) {
	registry := bridge.NewRegistry(bridge.Options{
		Clock:  clock.Fake(apiTestEpoch),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(registry.Close)

	handler, err := NewHandler(HandlerConfig{
		Registry: registry,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	server := httptest.NewServer(handler.Routes())
	defer server.Close()

	response, err := http.Get(server.URL + "/v1/history")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", response.StatusCode)
	}
}
