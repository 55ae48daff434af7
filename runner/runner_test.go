// Copyright 2026 The FormBridge Authors
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func newTestLocal(t *testing.T) *Local {
	t.Helper()
	local := NewLocal(slog.New(slog.NewTextHandler(io.Discard, nil)))
	local.KillGrace = 0 // tests kill immediately
	return local
}

// collectEvents drains the run's channel to completion.
func collectEvents(t *testing.T, run Run) []Event {
	t.Helper()
	var events []Event
	for event := range run.Events() {
		events = append(events, event)
	}
	return events
}

func shellRun(t *testing.T, script string, env ...string) Run {
	t.Helper()
	run, err := newTestLocal(t).Start(t.Context(), RunSpec{
		Command: "sh",
		Args:    []string{"-c", script},
		Env:     env,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return run
}

func TestLocalRun_StructuredEvents(t *testing.T) {
	run := shellRun(t, `
printf '%s\n' '{"type":"greeting","text":"hello"}'
printf '%s\n' '{"type":"tool_call","name":"snapshot"}'
printf '%s\n' 'plain progress line'
`)
	events := collectEvents(t, run)
	code, err := run.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}

	if len(events) != 3 {
		t.Fatalf("got %d events, want 3: %+v", len(events), events)
	}
	if events[0].Type != "greeting" || events[1].Type != "tool_call" {
		t.Fatalf("structured event types = %q, %q", events[0].Type, events[1].Type)
	}
	if !strings.Contains(string(events[1].Payload), `"snapshot"`) {
		t.Fatalf("tool_call payload lost content: %s", events[1].Payload)
	}
	if events[2].Type != EventOutput {
		t.Fatalf("plain line type = %q, want %q", events[2].Type, EventOutput)
	}
	if !strings.Contains(string(events[2].Payload), "plain progress line") {
		t.Fatalf("plain line payload = %s", events[2].Payload)
	}
}

func TestLocalRun_StderrEvents(t *testing.T) {
	run := shellRun(t, `echo 'warning: low disk' >&2`)
	events := collectEvents(t, run)
	if _, err := run.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if len(events) != 1 {
		t.Fatalf("got %d events, want 1: %+v", len(events), events)
	}
	if events[0].Type != EventStderr {
		t.Fatalf("event type = %q, want %q", events[0].Type, EventStderr)
	}
	if !strings.Contains(string(events[0].Payload), "low disk") {
		t.Fatalf("stderr payload = %s", events[0].Payload)
	}
}

func TestLocalRun_StderrSinkOverride(t *testing.T) {
	var sink strings.Builder
	run, err := newTestLocal(t).Start(t.Context(), RunSpec{
		Command: "sh",
		Args:    []string{"-c", `echo 'to the sink' >&2`},
		Stderr:  &sink,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	events := collectEvents(t, run)
	if _, err := run.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if len(events) != 0 {
		t.Fatalf("stderr leaked onto event channel: %+v", events)
	}
	if !strings.Contains(sink.String(), "to the sink") {
		t.Fatalf("sink content = %q", sink.String())
	}
}

func TestLocalRun_ExitCode(t *testing.T) {
	run := shellRun(t, "exit 3")
	collectEvents(t, run)
	code, err := run.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if code != 3 {
		t.Fatalf("exit code = %d, want 3", code)
	}
}

func TestLocalRun_EnvInjection(t *testing.T) {
	run := shellRun(t, `printf '{"type":"env","value":"%s"}\n' "$FORMBRIDGE_SESSION_ID"`,
		"FORMBRIDGE_SESSION_ID=abc123")
	events := collectEvents(t, run)
	if _, err := run.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if len(events) != 1 || events[0].Type != "env" {
		t.Fatalf("events = %+v", events)
	}
	if !strings.Contains(string(events[0].Payload), "abc123") {
		t.Fatalf("injected env missing from payload: %s", events[0].Payload)
	}
}

func TestLocalRun_CancelKillsProcessGroup(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	run, err := newTestLocal(t).Start(ctx, RunSpec{
		Command: "sh",
		Args:    []string{"-c", "sleep 60"},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		collectEvents(t, run)
	}()

	cancel()
	code, err := run.Wait()
	if err != nil {
		t.Fatalf("Wait after cancel: %v", err)
	}
	if code != -1 {
		t.Fatalf("exit code = %d, want -1 for a killed run", code)
	}

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("event channel never closed after kill")
	}
}

func TestLocalStart_Errors(t *testing.T) {
	local := newTestLocal(t)
	if _, err := local.Start(t.Context(), RunSpec{}); err == nil {
		t.Fatal("Start with empty command succeeded")
	}
	if _, err := local.Start(t.Context(), RunSpec{Command: "/nonexistent/agent-binary"}); err == nil {
		t.Fatal("Start with missing binary succeeded")
	}
}
