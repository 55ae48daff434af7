// Copyright 2026 The FormBridge Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import "sync"

// FrameKind discriminates how the transport renders a frame.
type FrameKind int

const (
	// FrameReady is the attach handshake acknowledgment, pushed once
	// after every setup step of AttachStream has succeeded.
	FrameReady FrameKind = iota

	// FrameRequest carries a dispatched bridge request.
	FrameRequest

	// FrameKeepalive is a no-op liveness frame. SSE renders it as a
	// comment line, WebSocket as a ping.
	FrameKeepalive
)

// Frame is one unit pushed down a browser stream.
type Frame struct {
	Kind FrameKind

	// SessionID is set on ready frames.
	SessionID string

	// Request is set on request frames.
	Request *Request
}

// Stream is the sender half of one browser delivery channel. The
// Registry owns pushing; the transport layer owns the receiver half,
// draining Frames and rendering each frame to the wire (SSE event,
// WebSocket message). At most one Stream is installed per session;
// attaching a new one evicts this one.
//
// Pushes never block: the frame buffer absorbs bursts, and a browser
// that stops draining long enough to fill it is treated as
// disconnected.
type Stream struct {
	frames    chan Frame
	done      chan struct{}
	closeOnce sync.Once
}

func newStream(buffer int) *Stream {
	return &Stream{
		frames: make(chan Frame, buffer),
		done:   make(chan struct{}),
	}
}

// Frames returns the receive side of the stream. Frames pushed before
// Close may still be buffered after Done closes; receivers render
// until Done and drop the remainder.
func (s *Stream) Frames() <-chan Frame {
	return s.frames
}

// Done is closed when the stream is closed: eviction by a newer
// stream, detach, session expiry, or registry shutdown.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Close marks the stream closed and wakes the receiver. Idempotent.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// push enqueues a frame without blocking. It reports false when the
// stream is closed or the buffer is full; the Registry treats both as
// a disconnected browser.
func (s *Stream) push(frame Frame) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.frames <- frame:
		return true
	case <-s.done:
		return false
	default:
		return false
	}
}
