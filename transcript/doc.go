// Copyright 2026 The FormBridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package transcript records bridge lifecycle events into
// tamper-evident session transcript files.
//
// A Recorder is a registry tap: every event it observes becomes one
// frame in an append-only file. Frames are deterministic CBOR,
// compressed per frame (none, lz4, or zstd, auto-selected under a
// configurable ceiling), and optionally encrypted with
// XChaCha20-Poly1305 under a per-transcript key derived from the
// master key via HKDF-SHA256. A BLAKE3 hash
// chain runs over the stored frame bytes; Close appends a seal frame
// carrying the chain head, so any byte change, reorder, or removal in
// a sealed transcript is detected on read.
//
// File layout: the magic "FBTR", a version byte, a flags byte, a
// length-prefixed plaintext header (transcript id, creation time),
// then big-endian u32 length-prefixed frames ending with the seal.
//
// ReadFile verifies, decrypts, and decodes a transcript. A transcript
// whose recorder died before sealing is still readable; it reports as
// unsealed rather than as an error, because crash-truncated tails are
// an operational fact, not tampering.
package transcript
