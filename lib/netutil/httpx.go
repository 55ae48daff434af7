// Copyright 2026 The FormBridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides HTTP I/O utilities for FormBridge.
//
// Response helpers (ReadResponse, DecodeResponse, ErrorBody) bound all
// body reads at MaxResponseSize so a misbehaving server cannot drive
// unbounded allocation in the client. They are for JSON API responses
// (session creation, dispatch, respond envelopes) — not for the SSE
// event stream, which is consumed incrementally.
//
// IsExpectedCloseError classifies the errors that normal client
// disconnects produce on a streaming write, so handlers can log them
// at debug instead of error.
package netutil

import (
	"encoding/json"
	"fmt"
	"io"
)

// MaxResponseSize is the bound on JSON API response body reads: 8 MB.
// Bridge payloads are form snapshots and action reports, normally a few
// kilobytes; the limit only exists so a pathological response cannot
// exhaust memory, and is generous enough never to bite a legitimate
// document-bearing snapshot.
const MaxResponseSize int64 = 8 << 20

// ReadResponse reads a JSON API response body up to MaxResponseSize
// bytes. Use instead of io.ReadAll when reading HTTP response bodies.
func ReadResponse(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, MaxResponseSize))
}

// DecodeResponse reads a JSON API response body (up to MaxResponseSize
// bytes) and JSON-decodes it into v. Replaces the common io.ReadAll +
// json.Unmarshal pattern.
func DecodeResponse(body io.Reader, v any) error {
	data, err := io.ReadAll(io.LimitReader(body, MaxResponseSize))
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	return json.Unmarshal(data, v)
}

// ErrorBody reads an HTTP error response body and returns it as a
// string for diagnostic error messages. Read errors are silently
// ignored — a partial or empty body is still useful in an error
// message.
func ErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, MaxResponseSize))
	return string(data)
}
