// Copyright 2026 The FormBridge Authors
// SPDX-License-Identifier: Apache-2.0

package bridgeclient

import (
	"bufio"
	"io"
	"strings"
)

// sseEvent is one Server-Sent Event. Name comes from the "event:"
// field ("" for the default type); Data joins the "data:" lines with
// newlines.
type sseEvent struct {
	Name string
	Data string
}

// sseScanner reads Server-Sent Events from a stream. Events are
// delimited by blank lines; comment lines (leading ":") and fields
// other than "event" and "data" are ignored. The bridge stream uses
// comments for keepalive, so the scanner only surfaces real frames.
type sseScanner struct {
	reader  *bufio.Reader
	current sseEvent
	err     error
}

func newSSEScanner(reader io.Reader) *sseScanner {
	return &sseScanner{reader: bufio.NewReaderSize(reader, 64*1024)}
}

// next advances to the next event. It returns false at end of stream
// or on error; err distinguishes the two.
func (s *sseScanner) next() bool {
	s.current = sseEvent{}

	var dataLines []string
	var name string
	hasData := false

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil && line == "" {
			if err == io.EOF {
				if hasData {
					// Final event with no trailing blank line.
					s.current = sseEvent{Name: name, Data: strings.Join(dataLines, "\n")}
					s.err = io.EOF
					return true
				}
				return false
			}
			s.err = err
			return false
		}

		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if hasData {
				s.current = sseEvent{Name: name, Data: strings.Join(dataLines, "\n")}
				return true
			}
			name = ""
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, hasColon := strings.Cut(line, ":")
		if !hasColon {
			field, value = line, ""
		} else {
			// One leading space after the colon is part of the
			// delimiter, not the value.
			value = strings.TrimPrefix(value, " ")
		}

		switch field {
		case "data":
			dataLines = append(dataLines, value)
			hasData = true
		case "event":
			name = value
		default:
			// "id", "retry", and unknown fields are ignored.
		}
	}
}

// event returns the event parsed by the last successful next.
func (s *sseScanner) event() sseEvent {
	return s.current
}

// scanErr returns the terminal error, nil for a clean end of stream.
func (s *sseScanner) scanErr() error {
	if s.err == io.EOF {
		return nil
	}
	return s.err
}
