// Copyright 2026 The FormBridge Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/formbridge/formbridge/bridge"
	"github.com/formbridge/formbridge/bridgeclient"
	"github.com/formbridge/formbridge/runner"
)

type runRequest struct {
	// Command is the agent argv. Mutually exclusive with Profile.
	Command []string `json:"command,omitempty"`

	// Profile names a configured runner profile.
	Profile string `json:"profile,omitempty"`

	// Env is extra environment for the agent process.
	Env map[string]string `json:"env,omitempty"`

	// TimeoutSeconds bounds the run; 0 falls back to the profile's
	// timeout (unlimited for direct commands).
	TimeoutSeconds int `json:"timeoutSeconds,omitempty"`
}

// runStartedEvent is the first relay line. It carries the bridge
// credentials the caller hands to the browser side.
type runStartedEvent struct {
	Type      string    `json:"type"`
	RunID     string    `json:"runId"`
	SessionID string    `json:"sessionId"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// runFinishedEvent is the last relay line.
type runFinishedEvent struct {
	Type     string `json:"type"`
	RunID    string `json:"runId"`
	ExitCode int    `json:"exitCode"`
	Error    string `json:"error,omitempty"`
}

// handleRun starts an agent process under a fresh bridge session and
// relays its output as NDJSON: run_started with the session
// credentials, the agent's own events (structured lines, raw output,
// stderr), and run_finished with the exit code. Closing the response
// aborts the run: the process context is the request context.
func (h *Handler) handleRun(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.logger.Error("streaming not supported by response writer")
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	var request runRequest
	if err := h.decodeBody(w, r, &request); err != nil {
		h.bridgeError(w, r, err)
		return
	}

	spec, timeoutSeconds, err := h.runSpec(&request)
	if err != nil {
		h.bridgeError(w, r, err)
		return
	}

	// One slot per concurrent agent process. Saturation is reported
	// immediately rather than queued: the caller can retry.
	select {
	case h.runSlots <- struct{}{}:
		defer func() { <-h.runSlots }()
	default:
		h.sendError(w, http.StatusServiceUnavailable, bridge.CodeInternal,
			"too many concurrent runs (max %d)", cap(h.runSlots))
		return
	}

	credentials, err := h.registry.CreateSession()
	if err != nil {
		h.bridgeError(w, r, err)
		return
	}
	spec.Env = append(spec.Env,
		bridgeclient.EnvSessionID+"="+credentials.SessionID,
		bridgeclient.EnvToken+"="+credentials.Token,
		bridgeclient.EnvBaseURL+"="+h.baseURL,
	)

	var runCtx context.Context
	var cancel context.CancelFunc
	if timeoutSeconds > 0 {
		runCtx, cancel = context.WithTimeout(r.Context(),
			time.Duration(timeoutSeconds)*time.Second)
	} else {
		runCtx, cancel = context.WithCancel(r.Context())
	}
	defer cancel()

	run, err := h.runner.Start(runCtx, spec)
	if err != nil {
		h.bridgeError(w, r, bridge.InvalidResponse("starting agent: %v", err))
		return
	}

	h.logger.Info("run started",
		"run_id", run.ID(),
		"session_id", credentials.SessionID,
		"command", spec.Command,
	)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	clientGone := false
	writeLine := func(payload []byte) {
		if clientGone {
			return
		}
		if _, err := w.Write(append(payload, '\n')); err != nil {
			clientGone = true
			// No caller left; stop the agent.
			cancel()
			return
		}
		flusher.Flush()
	}
	writeValue := func(value any) {
		data, err := json.Marshal(value)
		if err != nil {
			h.logger.Error("marshaling relay event", "error", err)
			return
		}
		writeLine(data)
	}

	writeValue(runStartedEvent{
		Type:      "run_started",
		RunID:     run.ID(),
		SessionID: credentials.SessionID,
		Token:     credentials.Token,
		ExpiresAt: credentials.ExpiresAt,
	})

	events := run.Events()
	startupExpired := false

	// The first event is bounded by the startup timeout: an agent
	// that produces nothing is killed rather than holding a run slot
	// for its whole timeout.
	var startupTimer <-chan time.Time
	if h.startupTimeout > 0 {
		startupTimer = h.clock.After(h.startupTimeout)
	}
	select {
	case event, ok := <-events:
		if ok {
			writeLine(event.Payload)
		}
	case <-startupTimer:
		startupExpired = true
		h.logger.Warn("agent produced no output before startup timeout",
			"run_id", run.ID(),
			"timeout", h.startupTimeout,
		)
		cancel()
	}

	// Relay until the agent's pipes close. This keeps draining after
	// a client disconnect or kill so the agent never blocks on a full
	// pipe.
	for event := range events {
		writeLine(event.Payload)
	}

	exitCode, waitErr := run.Wait()
	finished := runFinishedEvent{
		Type:     "run_finished",
		RunID:    run.ID(),
		ExitCode: exitCode,
	}
	switch {
	case waitErr != nil:
		finished.ExitCode = -1
		finished.Error = waitErr.Error()
	case startupExpired:
		finished.Error = fmt.Sprintf("agent produced no output within %s", h.startupTimeout)
	}
	writeValue(finished)

	h.logger.Info("run finished",
		"run_id", run.ID(),
		"session_id", credentials.SessionID,
		"exit_code", finished.ExitCode,
	)
}

// runSpec resolves the request into a concrete RunSpec. An explicit
// command wins; otherwise the named profile; otherwise the configured
// default profile.
func (h *Handler) runSpec(request *runRequest) (runner.RunSpec, int, error) {
	extraEnv := environmentList(request.Env)

	if len(request.Command) > 0 {
		if request.Profile != "" {
			return runner.RunSpec{}, 0, bridge.InvalidResponse("command and profile are mutually exclusive")
		}
		return runner.RunSpec{
			Command: request.Command[0],
			Args:    append([]string(nil), request.Command[1:]...),
			Env:     extraEnv,
		}, request.TimeoutSeconds, nil
	}

	name := request.Profile
	if name == "" {
		name = h.defaultProfile
	}
	if name == "" {
		return runner.RunSpec{}, 0, bridge.InvalidResponse("either command or profile is required")
	}
	profile, ok := h.profiles[name]
	if !ok {
		return runner.RunSpec{}, 0, bridge.NotFound("unknown profile %q", name)
	}

	timeoutSeconds := request.TimeoutSeconds
	if timeoutSeconds == 0 {
		timeoutSeconds = profile.TimeoutSeconds
	}
	return profile.Spec(extraEnv), timeoutSeconds, nil
}

// environmentList renders an env map as sorted KEY=VALUE entries so
// the spawned process environment is deterministic.
func environmentList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	entries := make([]string, 0, len(env))
	for _, key := range keys {
		entries = append(entries, key+"="+env[key])
	}
	return entries
}
