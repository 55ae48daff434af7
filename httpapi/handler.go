// Copyright 2026 The FormBridge Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/formbridge/formbridge/bridge"
	"github.com/formbridge/formbridge/eventlog"
	"github.com/formbridge/formbridge/lib/clock"
	"github.com/formbridge/formbridge/lib/version"
	"github.com/formbridge/formbridge/runner"
)

// defaultMaxBodyBytes caps request bodies. Execute dispatches can
// carry a serialized form snapshot, so the cap is generous.
const defaultMaxBodyBytes = 4 << 20

// HandlerConfig holds the collaborators and limits for a Handler.
type HandlerConfig struct {
	// Registry is the bridge session registry. Required.
	Registry *bridge.Registry

	// Events is the persistent event log backing GET /v1/history.
	// Optional; when nil the history endpoint reports NOT_FOUND.
	Events *eventlog.Store

	// Runner starts agent processes for POST /v1/runs. Defaults to
	// runner.NewLocal.
	Runner runner.Runner

	// Profiles are the named agent invocations a run request may
	// reference. Optional.
	Profiles map[string]*runner.Profile

	// DefaultProfile is used when a run request names neither a
	// command nor a profile. Optional.
	DefaultProfile string

	// BaseURL is the externally reachable server URL handed to agent
	// processes as FORMBRIDGE_URL.
	BaseURL string

	// MaxBodyBytes caps JSON request bodies. Defaults to 4 MiB.
	MaxBodyBytes int64

	// MaxConcurrentRuns caps simultaneous agent processes. Defaults
	// to 4.
	MaxConcurrentRuns int

	// StartupTimeout bounds the wait for an agent's first output
	// event; 0 disables the bound.
	StartupTimeout time.Duration

	// Clock provides time for uptime reporting and run startup
	// deadlines. Defaults to the real clock.
	Clock clock.Clock

	// Logger receives request-level operational messages. Defaults to
	// slog.Default.
	Logger *slog.Logger
}

// Handler owns the HTTP surface. Create one with NewHandler and mount
// its Routes.
type Handler struct {
	registry       *bridge.Registry
	events         *eventlog.Store
	runner         runner.Runner
	profiles       map[string]*runner.Profile
	defaultProfile string
	baseURL        string
	maxBody        int64
	startupTimeout time.Duration
	clock          clock.Clock
	logger         *slog.Logger
	startTime      time.Time

	// runSlots is a semaphore bounding concurrent agent processes.
	runSlots chan struct{}
}

// NewHandler applies defaults and returns a Handler ready to mount.
func NewHandler(config HandlerConfig) (*Handler, error) {
	if config.Registry == nil {
		return nil, fmt.Errorf("httpapi: Registry is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	agentRunner := config.Runner
	if agentRunner == nil {
		agentRunner = runner.NewLocal(logger)
	}
	maxBody := config.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	maxRuns := config.MaxConcurrentRuns
	if maxRuns <= 0 {
		maxRuns = 4
	}

	return &Handler{
		registry:       config.Registry,
		events:         config.Events,
		runner:         agentRunner,
		profiles:       config.Profiles,
		defaultProfile: config.DefaultProfile,
		baseURL:        config.BaseURL,
		maxBody:        maxBody,
		startupTimeout: config.StartupTimeout,
		clock:          clk,
		logger:         logger,
		startTime:      clk.Now(),
		runSlots:       make(chan struct{}, maxRuns),
	}, nil
}

// Routes returns the full route table on a fresh mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/bridge/session", h.handleCreateSession)
	mux.HandleFunc("POST /v1/bridge/dispatch", h.handleDispatch)
	mux.HandleFunc("POST /v1/bridge/respond", h.handleRespond)
	mux.HandleFunc("GET /v1/bridge/events", h.handleEventStream)
	mux.HandleFunc("GET /v1/bridge/ws", h.handleWebSocket)
	mux.HandleFunc("GET /v1/bridge/sessions", h.handleSessions)
	mux.HandleFunc("POST /v1/runs", h.handleRun)
	mux.HandleFunc("GET /v1/history", h.handleHistory)
	mux.HandleFunc("GET /healthz", h.handleHealth)
	return mux
}

// Wire envelopes. Every success body carries ok: true; every failure
// is errorEnvelope with the status derived from the code.

type errorEnvelope struct {
	OK        bool        `json:"ok"`
	ErrorCode bridge.Code `json:"errorCode"`
	Message   string      `json:"message"`
}

type sessionResponse struct {
	OK        bool      `json:"ok"`
	SessionID string    `json:"sessionId"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type dispatchRequest struct {
	SessionID string          `json:"sessionId"`
	Token     string          `json:"token"`
	Request   *bridge.Request `json:"request"`
	TimeoutMs int             `json:"timeoutMs,omitempty"`
}

type dispatchResponse struct {
	OK       bool             `json:"ok"`
	Response *bridge.Response `json:"response"`
}

type respondRequest struct {
	SessionID string           `json:"sessionId"`
	Token     string           `json:"token"`
	Response  *bridge.Response `json:"response"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

type sessionsResponse struct {
	OK       bool                   `json:"ok"`
	Sessions []bridge.SessionStatus `json:"sessions"`
}

type historyResponse struct {
	OK     bool           `json:"ok"`
	Events []bridge.Event `json:"events"`
}

type healthResponse struct {
	OK            bool   `json:"ok"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
	Sessions      int    `json:"sessions"`
}

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	credentials, err := h.registry.CreateSession()
	if err != nil {
		h.bridgeError(w, r, err)
		return
	}
	h.writeJSON(w, sessionResponse{
		OK:        true,
		SessionID: credentials.SessionID,
		Token:     credentials.Token,
		ExpiresAt: credentials.ExpiresAt,
	})
}

func (h *Handler) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var request dispatchRequest
	if err := h.decodeBody(w, r, &request); err != nil {
		h.bridgeError(w, r, err)
		return
	}
	if request.Request == nil {
		h.bridgeError(w, r, bridge.InvalidResponse("missing request payload"))
		return
	}

	timeout := time.Duration(request.TimeoutMs) * time.Millisecond
	response, err := h.registry.Dispatch(r.Context(),
		request.SessionID, request.Token, request.Request, timeout)
	if err != nil {
		h.bridgeError(w, r, err)
		return
	}
	h.writeJSON(w, dispatchResponse{OK: true, Response: response})
}

func (h *Handler) handleRespond(w http.ResponseWriter, r *http.Request) {
	var request respondRequest
	if err := h.decodeBody(w, r, &request); err != nil {
		h.bridgeError(w, r, err)
		return
	}
	if request.Response == nil {
		h.bridgeError(w, r, bridge.InvalidResponse("missing response payload"))
		return
	}

	if err := h.registry.Resolve(request.SessionID, request.Token, request.Response); err != nil {
		h.bridgeError(w, r, err)
		return
	}
	h.writeJSON(w, okResponse{OK: true})
}

func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, sessionsResponse{OK: true, Sessions: h.registry.Sessions()})
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		h.bridgeError(w, r, bridge.NotFound("event log is not enabled"))
		return
	}

	query := eventlog.Query{
		SessionID: r.URL.Query().Get("sessionId"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			h.bridgeError(w, r, bridge.InvalidResponse("invalid limit %q", raw))
			return
		}
		query.Limit = limit
	}

	events, err := h.events.Recent(r.Context(), query)
	if err != nil {
		h.bridgeError(w, r, err)
		return
	}
	if events == nil {
		events = []bridge.Event{}
	}
	h.writeJSON(w, historyResponse{OK: true, Events: events})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, healthResponse{
		OK:            true,
		Version:       version.Short(),
		UptimeSeconds: int64(h.clock.Now().Sub(h.startTime).Seconds()),
		Sessions:      h.registry.SessionCount(),
	})
}

// decodeBody parses the JSON request body with the size cap applied.
// Failures come back as INVALID_RESPONSE bridge errors so the caller
// always sees the uniform envelope.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, into any) error {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		if strings.Contains(err.Error(), "http: request body too large") {
			return bridge.InvalidResponse("request body too large (max %d bytes)", h.maxBody)
		}
		return bridge.InvalidResponse("invalid JSON body: %v", err)
	}
	return nil
}

// bridgeError renders err as the uniform envelope. INTERNAL messages
// are logged with full detail but masked on the wire.
func (h *Handler) bridgeError(w http.ResponseWriter, r *http.Request, err error) {
	bridgeErr := bridge.Normalize(err)
	message := bridgeErr.Message
	if bridgeErr.Code == bridge.CodeInternal {
		h.logger.Error("internal error",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		message = "internal error"
	}
	h.sendError(w, bridgeErr.Code.HTTPStatus(), bridgeErr.Code, "%s", message)
}

func (h *Handler) sendError(w http.ResponseWriter, status int, code bridge.Code, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(errorEnvelope{
		ErrorCode: code,
		Message:   fmt.Sprintf(format, args...),
	}); err != nil {
		h.logger.Warn("writing JSON error response", "error", err, "status", status)
	}
}

// writeJSON encodes value into w with the Content-Type header set. If
// encoding fails (typically because the client disconnected), the
// error is logged — there is no corrective response to send to a dead
// client.
func (h *Handler) writeJSON(w http.ResponseWriter, value any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(value); err != nil {
		h.logger.Warn("writing JSON response", "error", err)
	}
}
