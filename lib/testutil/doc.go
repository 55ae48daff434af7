// Copyright 2026 The FormBridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for FormBridge packages.
//
// [RequireReceive], [RequireSend], and [RequireClosed] encapsulate the
// timeout safety valve pattern (select with a time.After fallback) so
// that individual tests never block forever on a channel that a bug
// left unserved. They are the only place in the test suite where real
// wall-clock timeouts appear; everything else drives time through
// lib/clock's fake.
//
// [UniqueID] generates monotonically increasing identifiers for test
// disambiguation: request ids, session labels, line payloads that must
// be distinguishable in shared fixtures.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
//
// This package has no FormBridge-internal dependencies.
package testutil
