// Copyright 2026 The FormBridge Authors
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
)

// Synthesized event types. Anything else in Event.Type comes verbatim
// from the agent's own "type" discriminant.
const (
	// EventOutput wraps a stdout line that was not a JSON object.
	EventOutput = "output"

	// EventStderr wraps one line of the agent's stderr.
	EventStderr = "stderr"
)

// Event is one line of agent output. Payload is always a complete
// JSON object ready to be written as an NDJSON line: the agent's
// original line for structured events, or a synthesized
// {"type":"output"|"stderr","text":...} wrapper for plain text.
type Event struct {
	Type    string
	Payload json.RawMessage
}

// textEvent is the wrapper for non-JSON stdout lines and stderr lines.
type textEvent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// typeEnvelope sniffs the discriminant of an agent event line.
type typeEnvelope struct {
	Type string `json:"type"`
}

// maxLineBytes bounds a single agent output line. Agents embedding
// tool results or DOM snapshots in events produce long lines.
const maxLineBytes = 1024 * 1024

// scanEvents reads line-delimited agent stdout and emits one Event
// per line. JSON object lines pass through with their declared type
// (or EventOutput when the "type" field is absent); everything else
// is wrapped as an EventOutput text event. Blank lines are skipped.
func scanEvents(stdout io.Reader, events chan<- Event) error {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		events <- parseEventLine(line)
	}
	return scanner.Err()
}

// scanStderr reads the agent's stderr and emits one EventStderr per
// line. Stderr is never parsed as JSON: agents log freely there.
func scanStderr(stderr io.Reader, events chan<- Event) error {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		events <- textLineEvent(EventStderr, line)
	}
	return scanner.Err()
}

func parseEventLine(line []byte) Event {
	if line[0] != '{' {
		return textLineEvent(EventOutput, string(line))
	}

	var envelope typeEnvelope
	if err := json.Unmarshal(line, &envelope); err != nil {
		// Looked like JSON but is not; preserve it as text.
		return textLineEvent(EventOutput, string(line))
	}

	eventType := envelope.Type
	if eventType == "" {
		eventType = EventOutput
	}
	return Event{
		Type:    eventType,
		Payload: json.RawMessage(append([]byte(nil), line...)),
	}
}

func textLineEvent(eventType, text string) Event {
	payload, err := json.Marshal(textEvent{Type: eventType, Text: text})
	if err != nil {
		// A string field cannot fail to marshal.
		panic("encoding text event: " + err.Error())
	}
	return Event{Type: eventType, Payload: payload}
}
