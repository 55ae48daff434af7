// Copyright 2026 The FormBridge Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies a bridge failure. Every error returned by the
// Registry carries one, and each code maps to a fixed HTTP status.
type Code string

const (
	// CodeUnauthorized means the session id is unknown, expired, or
	// the token does not match.
	CodeUnauthorized Code = "UNAUTHORIZED"

	// CodeNoBrowser means no browser stream is attached to the
	// session, or it disconnected mid-flight.
	CodeNoBrowser Code = "NO_BROWSER"

	// CodeTimeout means no response arrived within the dispatch
	// deadline, or the session expired while requests were pending.
	CodeTimeout Code = "TIMEOUT"

	// CodeInvalidResponse means a malformed payload, a duplicate
	// request id, or a response type mismatched to its request.
	CodeInvalidResponse Code = "INVALID_RESPONSE"

	// CodeNotFound means a response referenced an unknown or already
	// settled request id.
	CodeNotFound Code = "NOT_FOUND"

	// CodeInternal means an unexpected failure.
	CodeInternal Code = "INTERNAL"
)

// HTTPStatus returns the HTTP status corresponding to the code.
// Unknown codes map to 500.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeNoBrowser:
		return http.StatusConflict
	case CodeTimeout:
		return http.StatusRequestTimeout
	case CodeInvalidResponse:
		return http.StatusUnprocessableEntity
	case CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Error is a structured bridge failure. Callers can use errors.As to
// extract the structured information:
//
//	var bridgeErr *bridge.Error
//	if errors.As(err, &bridgeErr) {
//	    if bridgeErr.Code == bridge.CodeTimeout { ... }
//	}
type Error struct {
	// Code is the bridge error code.
	Code Code
	// Message is the human-readable description.
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("bridge: %s: %s", e.Code, e.Message)
}

// Unauthorized builds an UNAUTHORIZED error.
func Unauthorized(format string, args ...any) *Error {
	return &Error{Code: CodeUnauthorized, Message: fmt.Sprintf(format, args...)}
}

// NoBrowser builds a NO_BROWSER error.
func NoBrowser(format string, args ...any) *Error {
	return &Error{Code: CodeNoBrowser, Message: fmt.Sprintf(format, args...)}
}

// Timeout builds a TIMEOUT error.
func Timeout(format string, args ...any) *Error {
	return &Error{Code: CodeTimeout, Message: fmt.Sprintf(format, args...)}
}

// InvalidResponse builds an INVALID_RESPONSE error.
func InvalidResponse(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidResponse, Message: fmt.Sprintf(format, args...)}
}

// NotFound builds a NOT_FOUND error.
func NotFound(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// Internal builds an INTERNAL error.
func Internal(format string, args ...any) *Error {
	return &Error{Code: CodeInternal, Message: fmt.Sprintf(format, args...)}
}

// Normalize maps an arbitrary error to a *Error. A *Error anywhere in
// the chain passes through with its code and message intact; anything
// else wraps as INTERNAL. Callers at the HTTP boundary log the
// original error and must not echo INTERNAL message text to clients.
func Normalize(err error) *Error {
	var bridgeErr *Error
	if errors.As(err, &bridgeErr) {
		return bridgeErr
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}

// IsCode checks whether err carries the given bridge error code.
func IsCode(err error, code Code) bool {
	var bridgeErr *Error
	if errors.As(err, &bridgeErr) {
		return bridgeErr.Code == code
	}
	return false
}
