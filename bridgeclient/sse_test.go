// Copyright 2026 The FormBridge Authors
// SPDX-License-Identifier: Apache-2.0

package bridgeclient

import (
	"strings"
	"testing"
)

func TestSSEScannerFrames(t *testing.T) {
	t.Parallel()

	input := "event: ready\ndata: {\"type\":\"ready\",\"sessionId\":\"abc\"}\n\n" +
		"event: request\ndata: {\"type\":\"snapshot_request\"}\n\n"
	scanner := newSSEScanner(strings.NewReader(input))

	if !scanner.next() {
		t.Fatal("expected first event")
	}
	event := scanner.event()
	if event.Name != "ready" {
		t.Errorf("Name = %q, want ready", event.Name)
	}
	if event.Data != `{"type":"ready","sessionId":"abc"}` {
		t.Errorf("Data = %q", event.Data)
	}

	if !scanner.next() {
		t.Fatal("expected second event")
	}
	if scanner.event().Name != "request" {
		t.Errorf("Name = %q, want request", scanner.event().Name)
	}

	if scanner.next() {
		t.Error("expected end of stream")
	}
	if err := scanner.scanErr(); err != nil {
		t.Errorf("scanErr = %v", err)
	}
}

func TestSSEScannerKeepaliveComments(t *testing.T) {
	t.Parallel()

	// Keepalive comments between frames must not surface as events.
	input := ": keepalive\n\n: keepalive\n\nevent: ready\ndata: {}\n\n: keepalive\n\n"
	scanner := newSSEScanner(strings.NewReader(input))

	if !scanner.next() {
		t.Fatal("expected event")
	}
	if scanner.event().Name != "ready" {
		t.Errorf("Name = %q, want ready", scanner.event().Name)
	}
	if scanner.next() {
		t.Error("trailing keepalive surfaced as an event")
	}
	if err := scanner.scanErr(); err != nil {
		t.Errorf("scanErr = %v", err)
	}
}

func TestSSEScannerMultipleDataLines(t *testing.T) {
	t.Parallel()

	input := "data: line one\ndata: line two\n\n"
	scanner := newSSEScanner(strings.NewReader(input))

	if !scanner.next() {
		t.Fatal("expected event")
	}
	if got := scanner.event().Data; got != "line one\nline two" {
		t.Errorf("Data = %q", got)
	}
}

func TestSSEScannerFinalEventWithoutBlankLine(t *testing.T) {
	t.Parallel()

	// A stream cut mid-flight can end without the closing blank line.
	scanner := newSSEScanner(strings.NewReader("event: request\ndata: {\"a\":1}"))

	if !scanner.next() {
		t.Fatal("expected final event")
	}
	event := scanner.event()
	if event.Name != "request" || event.Data != `{"a":1}` {
		t.Errorf("event = %+v", event)
	}
	if scanner.next() {
		t.Error("expected end of stream")
	}
	if err := scanner.scanErr(); err != nil {
		t.Errorf("scanErr = %v", err)
	}
}

func TestSSEScannerCarriageReturns(t *testing.T) {
	t.Parallel()

	scanner := newSSEScanner(strings.NewReader("event: ready\r\ndata: {}\r\n\r\n"))

	if !scanner.next() {
		t.Fatal("expected event")
	}
	event := scanner.event()
	if event.Name != "ready" || event.Data != "{}" {
		t.Errorf("event = %+v", event)
	}
}
