// Copyright 2026 The FormBridge Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/formbridge/formbridge/bridge"
)

// readyEvent is the SSE/WebSocket handshake payload confirming the
// stream is installed.
type readyEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// handleEventStream is the browser's push channel as Server-Sent
// Events: a ready frame on attach, one request event per dispatched
// request, keepalive comment lines in between. Auth failures arrive
// as an error event on an otherwise well-formed SSE stream so the
// browser's EventSource sees them before the close.
func (h *Handler) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.logger.Error("streaming not supported by response writer")
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	sessionID := r.URL.Query().Get("sessionId")
	token := r.URL.Query().Get("token")

	stream, err := h.registry.AttachStream(sessionID, token)
	if err != nil {
		bridgeErr := bridge.Normalize(err)
		w.WriteHeader(http.StatusOK)
		writeSSEEvent(w, "error", errorEnvelope{
			ErrorCode: bridgeErr.Code,
			Message:   bridgeErr.Message,
		})
		flusher.Flush()
		return
	}
	defer h.registry.DetachStream(sessionID, stream)

	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.logger.Info("browser stream attached",
		"transport", "sse",
		"session_id", sessionID,
	)

	for {
		select {
		case frame := <-stream.Frames():
			if err := writeSSEFrame(w, frame); err != nil {
				h.logger.Info("browser stream write failed",
					"transport", "sse",
					"session_id", sessionID,
					"error", err,
				)
				return
			}
			flusher.Flush()
		case <-stream.Done():
			return
		case <-r.Context().Done():
			return
		}
	}
}

// writeSSEFrame renders one bridge frame in SSE framing. Keepalives
// are comment lines: they reset proxy idle timers without surfacing
// as events in the browser.
func writeSSEFrame(w io.Writer, frame bridge.Frame) error {
	switch frame.Kind {
	case bridge.FrameReady:
		return writeSSEEvent(w, "ready", readyEvent{
			Type:      "ready",
			SessionID: frame.SessionID,
		})
	case bridge.FrameRequest:
		return writeSSEEvent(w, "request", frame.Request)
	case bridge.FrameKeepalive:
		_, err := fmt.Fprint(w, ": keepalive\n\n")
		return err
	default:
		return fmt.Errorf("unknown frame kind %d", frame.Kind)
	}
}

func writeSSEEvent(w io.Writer, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
