// Copyright 2026 The FormBridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package bridge implements the broker that lets a sandboxed agent
// process issue synchronous-looking calls into a user's browser and
// receive correlated responses, over a transport limited to one-way
// push plus stateless HTTP POST callbacks.
//
// The package is transport-free. A [Registry] owns all state: the
// session map, each session's single browser [Stream], and the
// pending-request table keyed by caller-supplied request ids. The HTTP
// layer (package httpapi) translates between wire framing (SSE,
// WebSocket, JSON POST bodies) and the Registry's methods:
//
//   - [Registry.CreateSession] issues a session id and bearer token.
//   - [Registry.AttachStream] installs the one delivery channel for a
//     session, evicting any previous one. The returned Stream is the
//     sender half; the transport drains [Stream.Frames] and renders
//     each [Frame] to the wire.
//   - [Registry.Dispatch] pushes a typed [Request] down the stream and
//     blocks until a matching [Response] arrives, the timeout fires,
//     the stream goes away, or the caller's context ends.
//   - [Registry.Resolve] settles a pending request with the browser's
//     response.
//
// Sessions expire lazily: every entry point sweeps the registry before
// doing its work, so expiry needs no background goroutine. Any
// authorized operation renews the session's expiry.
//
// All failures crossing this API are [*Error] values carrying one of
// six [Code] constants; [Normalize] wraps anything else as
// [CodeInternal].
//
// Registries are constructed per process (or per test) and injected;
// there is no package-level instance.
package bridge
