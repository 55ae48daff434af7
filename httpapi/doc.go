// Copyright 2026 The FormBridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package httpapi exposes the bridge over HTTP.
//
// Agents call the request/response endpoints (POST /v1/bridge/session,
// /v1/bridge/dispatch). Browsers hold the push channel open as SSE
// (GET /v1/bridge/events) or WebSocket (GET /v1/bridge/ws) and post
// results back through POST /v1/bridge/respond. POST /v1/runs starts
// an agent process with bridge credentials injected and relays its
// NDJSON output to the caller.
//
// Every failure is the same JSON envelope, {ok: false, errorCode,
// message}, with the HTTP status derived from the bridge error code.
// INTERNAL details are logged server-side and masked on the wire.
package httpapi
