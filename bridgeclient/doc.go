// Copyright 2026 The FormBridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package bridgeclient is the typed HTTP client for a FormBridge
// server, covering both halves of the bridge.
//
// Agent side: [Client.CreateSession] obtains bridge credentials and
// returns a [Session]; [Session.Snapshot] and [Session.Execute]
// dispatch typed requests to the browser and wait for the settled
// response. Agent processes launched by the run relay rebuild their
// session from injected environment with [FromEnvironment].
//
// Browser side (headless): [Responder] opens the session's SSE event
// stream and serves pushed requests through a caller-supplied
// [Capability], posting each result on the respond endpoint. A
// replaced or closed stream ends [Responder.Run]; reconnecting is the
// caller's decision, because attaching again detaches whoever holds
// the stream now.
//
// Failures reported by the server arrive as *bridge.Error carrying
// the code from the wire envelope, so callers branch on bridge.IsCode
// the same way server-side code does.
package bridgeclient
