// Copyright 2026 The FormBridge Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/formbridge/formbridge/lib/clock"
)

// Defaults applied by NewRegistry for zero Options fields.
const (
	DefaultSessionTTL             = 10 * time.Minute
	DefaultDispatchTimeout        = 20 * time.Second
	DefaultDispatchTimeoutCeiling = 55 * time.Second
	DefaultKeepaliveInterval      = 20 * time.Second
	DefaultStreamBuffer           = 32
)

// Options configures a Registry. The zero value is usable: real
// clock, default logger, no tap, and the package default durations.
type Options struct {
	// Clock supplies time for expiry, dispatch timeouts, and
	// keepalive. Nil means the real clock; tests inject clock.Fake.
	Clock clock.Clock

	// Logger receives structured log output. Nil means slog.Default().
	Logger *slog.Logger

	// Tap observes lifecycle events. Nil means no observation.
	Tap Tap

	// SessionTTL is the idle lifetime of a session. Every authorized
	// operation renews it. Zero means 10 minutes.
	SessionTTL time.Duration

	// DispatchTimeout applies when Dispatch is called with a
	// non-positive timeout. Zero means 20 seconds.
	DispatchTimeout time.Duration

	// DispatchTimeoutCeiling caps caller-supplied dispatch timeouts,
	// keeping waits under typical platform request limits. Zero means
	// 55 seconds.
	DispatchTimeoutCeiling time.Duration

	// KeepaliveInterval is the period between keepalive frames on an
	// attached stream. Zero means 20 seconds.
	KeepaliveInterval time.Duration

	// StreamBuffer is the outbound frame buffer per stream. A browser
	// that falls this far behind is treated as disconnected. Zero
	// means 32.
	StreamBuffer int
}

// Registry owns all bridge state for one server process: the session
// map, each session's browser stream, and the pending-request tables.
// All methods are safe for concurrent use.
//
// One mutex guards everything. Every operation is lock, sweep,
// authorize, mutate, unlock; the only long wait (Dispatch awaiting
// settlement) happens after unlock on a per-request channel, so no
// caller ever blocks the registry.
type Registry struct {
	clock             clock.Clock
	logger            *slog.Logger
	tap               Tap
	sessionTTL        time.Duration
	dispatchTimeout   time.Duration
	timeoutCeiling    time.Duration
	keepaliveInterval time.Duration
	streamBuffer      int

	mu       sync.Mutex
	sessions map[string]*session
}

// session is the registry's record of one bridge session. All fields
// are guarded by Registry.mu.
type session struct {
	id        string
	token     string
	expiresAt time.Time

	// stream is the single installed delivery channel, nil when no
	// browser is attached.
	stream *Stream

	// keepaliveStop ends the keepalive goroutine for the current
	// stream; nil when none is running.
	keepaliveStop chan struct{}

	// pending maps in-flight request ids to their settlement state.
	pending map[string]*pendingRequest
}

// pendingRequest is one in-flight dispatched request awaiting its
// response.
type pendingRequest struct {
	requestType string
	timeout     time.Duration

	// timer fires the TIMEOUT settlement.
	timer *clock.Timer

	// settled delivers the outcome to the dispatcher. Capacity 1 and
	// written exactly once, under Registry.mu, by whichever path
	// removes the entry from the pending map; the send can therefore
	// never block.
	settled chan settlement
}

type settlement struct {
	response *Response
	err      error
}

// SessionCredentials are returned once, at session creation. The
// token is never exposed again.
type SessionCredentials struct {
	SessionID string    `json:"sessionId"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SessionStatus is the operational view of one session for
// introspection. It never carries the token.
type SessionStatus struct {
	SessionID       string    `json:"sessionId"`
	ExpiresAt       time.Time `json:"expiresAt"`
	PendingRequests int       `json:"pendingRequests"`
	StreamAttached  bool      `json:"streamAttached"`
}

// NewRegistry returns an empty Registry with defaults applied for
// zero Options fields.
func NewRegistry(options Options) *Registry {
	registry := &Registry{
		clock:             options.Clock,
		logger:            options.Logger,
		tap:               options.Tap,
		sessionTTL:        options.SessionTTL,
		dispatchTimeout:   options.DispatchTimeout,
		timeoutCeiling:    options.DispatchTimeoutCeiling,
		keepaliveInterval: options.KeepaliveInterval,
		streamBuffer:      options.StreamBuffer,
		sessions:          make(map[string]*session),
	}
	if registry.clock == nil {
		registry.clock = clock.Real()
	}
	if registry.logger == nil {
		registry.logger = slog.Default()
	}
	if registry.sessionTTL <= 0 {
		registry.sessionTTL = DefaultSessionTTL
	}
	if registry.dispatchTimeout <= 0 {
		registry.dispatchTimeout = DefaultDispatchTimeout
	}
	if registry.timeoutCeiling <= 0 {
		registry.timeoutCeiling = DefaultDispatchTimeoutCeiling
	}
	if registry.keepaliveInterval <= 0 {
		registry.keepaliveInterval = DefaultKeepaliveInterval
	}
	if registry.streamBuffer <= 0 {
		registry.streamBuffer = DefaultStreamBuffer
	}
	return registry
}

// CreateSession sweeps expired sessions, then issues a fresh session
// with independent random session id (16 bytes hex) and bearer token
// (32 bytes hex).
func (r *Registry) CreateSession() (SessionCredentials, error) {
	sessionID, err := randomHex(16)
	if err != nil {
		return SessionCredentials{}, fmt.Errorf("generating session id: %w", err)
	}
	token, err := randomHex(32)
	if err != nil {
		return SessionCredentials{}, fmt.Errorf("generating session token: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()

	expiresAt := r.clock.Now().Add(r.sessionTTL).UTC()
	r.sessions[sessionID] = &session{
		id:        sessionID,
		token:     token,
		expiresAt: expiresAt,
		pending:   make(map[string]*pendingRequest),
	}

	r.record(Event{Kind: EventSessionCreated, SessionID: sessionID})
	r.logger.Info("bridge session created",
		"session_id", sessionID,
		"expires_at", expiresAt,
	)

	return SessionCredentials{
		SessionID: sessionID,
		Token:     token,
		ExpiresAt: expiresAt,
	}, nil
}

// Sessions sweeps, then returns a snapshot of all live sessions
// ordered by session id.
func (r *Registry) Sessions() []SessionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()

	statuses := make([]SessionStatus, 0, len(r.sessions))
	for _, ses := range r.sessions {
		statuses = append(statuses, SessionStatus{
			SessionID:       ses.id,
			ExpiresAt:       ses.expiresAt,
			PendingRequests: len(ses.pending),
			StreamAttached:  ses.stream != nil,
		})
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].SessionID < statuses[j].SessionID
	})
	return statuses
}

// SessionCount sweeps, then returns the number of live sessions.
func (r *Registry) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()
	return len(r.sessions)
}

// AssertSession authorizes without any other effect beyond the touch.
// Exposed for transports that need an auth probe (the event stream
// endpoints authenticate before committing to a streaming response).
func (r *Registry) AssertSession(sessionID, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()
	_, err := r.authorizeLocked(sessionID, token)
	return err
}

// Close expires every session immediately: streams close, pending
// requests settle with a session-expired TIMEOUT, keepalive loops
// stop. Used for graceful server shutdown; the registry remains
// usable afterward.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ses := range r.sessions {
		r.expireSessionLocked(ses)
		delete(r.sessions, id)
	}
}

// authorizeLocked looks up the session and verifies the token in
// constant time, renewing the expiry on success. The error does not
// distinguish an unknown session from a bad token. Must be called
// with r.mu held, after sweepLocked.
func (r *Registry) authorizeLocked(sessionID, token string) (*session, error) {
	ses, exists := r.sessions[sessionID]
	if !exists {
		return nil, Unauthorized("unknown session or bad token")
	}
	if subtle.ConstantTimeCompare([]byte(ses.token), []byte(token)) != 1 {
		return nil, Unauthorized("unknown session or bad token")
	}
	r.touchLocked(ses)
	return ses, nil
}

// touchLocked renews the session's expiry. Must be called with r.mu
// held.
func (r *Registry) touchLocked(ses *session) {
	ses.expiresAt = r.clock.Now().Add(r.sessionTTL).UTC()
}

// sweepLocked evicts every expired session: close its stream, stop
// its keepalive, settle its pending requests with a TIMEOUT-class
// error, remove it from the map. Called at the top of every entry
// point, which keeps expiry self-cleaning without a background timer.
// Must be called with r.mu held.
func (r *Registry) sweepLocked() {
	now := r.clock.Now()
	for id, ses := range r.sessions {
		if now.Before(ses.expiresAt) {
			continue
		}
		r.expireSessionLocked(ses)
		delete(r.sessions, id)
	}
}

// expireSessionLocked tears one session down without removing it from
// the map (callers delete). Must be called with r.mu held.
func (r *Registry) expireSessionLocked(ses *session) {
	pendingCount := len(ses.pending)

	if ses.stream != nil {
		r.stopKeepaliveLocked(ses)
		ses.stream.Close()
		ses.stream = nil
	}
	r.settleAllLocked(ses, Timeout("session expired"))

	r.record(Event{Kind: EventSessionExpired, SessionID: ses.id})
	r.logger.Info("bridge session expired",
		"session_id", ses.id,
		"pending_failed", pendingCount,
	)
}

// settleAllLocked settles every pending request on the session with
// the same error. Must be called with r.mu held.
func (r *Registry) settleAllLocked(ses *session, cause *Error) {
	for requestID, pending := range ses.pending {
		r.settleLocked(ses, requestID, pending, nil, cause)
	}
}

// settleLocked removes one pending entry and delivers its outcome.
// The entry must currently be in ses.pending; removal under the mutex
// is what makes settlement exactly-once. Must be called with r.mu
// held.
func (r *Registry) settleLocked(ses *session, requestID string, pending *pendingRequest, response *Response, settleErr error) {
	delete(ses.pending, requestID)
	pending.timer.Stop()
	pending.settled <- settlement{response: response, err: settleErr}

	event := Event{
		Kind:        EventRequestSettled,
		SessionID:   ses.id,
		RequestID:   requestID,
		RequestType: pending.requestType,
	}
	if settleErr != nil {
		normalized := Normalize(settleErr)
		event.ErrorCode = normalized.Code
		event.Detail = normalized.Message
	} else if response != nil {
		event.ResponseType = response.Type
	}
	r.record(event)
}

// record forwards an event to the tap, stamping the time. Called with
// r.mu held; the Tap contract forbids blocking.
func (r *Registry) record(event Event) {
	if r.tap == nil {
		return
	}
	event.Time = r.clock.Now()
	r.tap.Record(event)
}

// randomHex returns byteCount bytes from crypto/rand as lowercase
// hex.
func randomHex(byteCount int) (string, error) {
	buffer := make([]byte, byteCount)
	if _, err := rand.Read(buffer); err != nil {
		return "", err
	}
	return hex.EncodeToString(buffer), nil
}
