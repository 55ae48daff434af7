// Copyright 2026 The FormBridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret provides a memory-safe buffer for sensitive data, in
// FormBridge's case the transcript encryption master key.
//
// [Buffer] allocates memory outside the Go heap via mmap(MAP_ANONYMOUS),
// locks it into physical RAM via mlock (preventing swap), and marks it
// excluded from core dumps via madvise(MADV_DONTDUMP). On Close, the
// memory is zeroed, unlocked, and unmapped. Because the memory lives
// outside the Go heap, the garbage collector cannot copy or relocate
// it, so secret material does not linger after release.
//
// Constructors:
//
//   - [New] allocates a zero-filled buffer of a given size
//   - [NewFromBytes] copies into protected memory and zeros the source
//   - [ReadFromPath] loads a key file (or stdin with "-"), trimmed
//
// Access via [Buffer.Bytes] (slice into the mmap region) or
// [Buffer.String] (heap copy, for API boundaries that insist on
// strings). [Buffer.Equal] uses constant-time comparison. After Close,
// any access panics. Close is idempotent.
// [Zero] wipes an ordinary byte slice in place for transient key
// material that never reaches a Buffer.
//
// Depends on golang.org/x/sys/unix. No FormBridge-internal
// dependencies.
package secret
