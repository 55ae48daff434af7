// Copyright 2026 The FormBridge Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import "github.com/formbridge/formbridge/lib/clock"

// AttachStream installs a fresh delivery channel for the session and
// returns its sender half; the transport drains Frames and renders
// them to the wire. If a stream is already attached it is evicted
// first: closed, and every pending request settled with NO_BROWSER. A
// replace is never a merge — requests registered against the old
// stream are not re-delivered on the new one, the dispatcher must
// re-dispatch.
//
// The ready frame is pushed only after every setup step (eviction,
// install, keepalive start) has succeeded, so a client that sees
// ready is guaranteed a fully installed stream.
func (r *Registry) AttachStream(sessionID, token string) (*Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()

	ses, err := r.authorizeLocked(sessionID, token)
	if err != nil {
		return nil, err
	}

	if ses.stream != nil {
		r.evictStreamLocked(ses)
	}

	stream := newStream(r.streamBuffer)
	ses.stream = stream
	r.startKeepaliveLocked(ses, stream)

	if !stream.push(Frame{Kind: FrameReady, SessionID: ses.id}) {
		// A fresh stream only rejects a push if its buffer is
		// misconfigured to zero. Roll the attach back so the client
		// never half-connects.
		r.stopKeepaliveLocked(ses)
		stream.Close()
		ses.stream = nil
		return nil, Internal("could not deliver ready frame")
	}

	r.record(Event{Kind: EventStreamAttached, SessionID: ses.id})
	r.logger.Info("browser stream attached", "session_id", ses.id)

	return stream, nil
}

// DetachStream removes the stream from the session if it is still the
// installed one: keepalive stops, the stream closes, and every
// pending request settles with NO_BROWSER. The transport calls this
// when the delivery connection ends, so it takes no token; a stale
// stream (already replaced or detached) is a no-op, which keeps a
// late disconnect from clobbering a newer attach.
func (r *Registry) DetachStream(sessionID string, stream *Stream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()

	ses, exists := r.sessions[sessionID]
	if !exists || ses.stream != stream {
		return
	}

	pendingCount := len(ses.pending)
	r.stopKeepaliveLocked(ses)
	ses.stream = nil
	stream.Close()
	r.settleAllLocked(ses, NoBrowser("browser stream disconnected"))

	r.record(Event{Kind: EventStreamDetached, SessionID: ses.id, Detail: "disconnected"})
	r.logger.Info("browser stream detached",
		"session_id", ses.id,
		"pending_failed", pendingCount,
	)
}

// evictStreamLocked tears down the currently installed stream in
// favor of a replacement. Must be called with r.mu held.
func (r *Registry) evictStreamLocked(ses *session) {
	pendingCount := len(ses.pending)
	r.stopKeepaliveLocked(ses)
	ses.stream.Close()
	ses.stream = nil
	r.settleAllLocked(ses, NoBrowser("browser stream replaced"))

	r.record(Event{Kind: EventStreamDetached, SessionID: ses.id, Detail: "replaced"})
	r.logger.Info("browser stream replaced",
		"session_id", ses.id,
		"pending_failed", pendingCount,
	)
}

// startKeepaliveLocked launches the keepalive goroutine for a freshly
// installed stream. Must be called with r.mu held.
func (r *Registry) startKeepaliveLocked(ses *session, stream *Stream) {
	stop := make(chan struct{})
	ses.keepaliveStop = stop
	ticker := r.clock.NewTicker(r.keepaliveInterval)
	go r.keepaliveLoop(ses.id, stream, ticker, stop)
}

// stopKeepaliveLocked signals the keepalive goroutine to exit. Must
// be called with r.mu held.
func (r *Registry) stopKeepaliveLocked(ses *session) {
	if ses.keepaliveStop != nil {
		close(ses.keepaliveStop)
		ses.keepaliveStop = nil
	}
}

// keepaliveLoop touches the session and pushes a keepalive frame once
// per tick, keeping the transport's idle timeouts at bay and the
// session alive while a browser stays connected. Exits on stop
// signal, stream close, or push failure.
func (r *Registry) keepaliveLoop(sessionID string, stream *Stream, ticker *clock.Ticker, stop chan struct{}) {
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-stream.Done():
			return
		case <-ticker.C:
			if !r.keepaliveTick(sessionID, stream) {
				return
			}
		}
	}
}

// keepaliveTick performs one keepalive beat. Returns false when the
// stream is no longer the session's installed one or the push failed,
// either way the loop is done.
func (r *Registry) keepaliveTick(sessionID string, stream *Stream) bool {
	r.mu.Lock()
	ses, exists := r.sessions[sessionID]
	if !exists || ses.stream != stream {
		r.mu.Unlock()
		return false
	}
	r.touchLocked(ses)
	pushed := stream.push(Frame{Kind: FrameKeepalive})
	r.mu.Unlock()

	if !pushed {
		// Push failure is an implicit disconnect.
		r.logger.Debug("keepalive push failed, detaching stream", "session_id", sessionID)
		r.DetachStream(sessionID, stream)
		return false
	}
	return true
}
