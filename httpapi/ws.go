// Copyright 2026 The FormBridge Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/formbridge/formbridge/bridge"
)

const (
	// wsWriteWait bounds each outbound frame write so a wedged socket
	// cannot stall the stream goroutine forever.
	wsWriteWait = 10 * time.Second

	// wsReadLimit caps inbound messages. The browser responds through
	// POST /v1/bridge/respond, so inbound traffic is control frames
	// and noise.
	wsReadLimit = 32 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The bridge authenticates with the session token, not the
	// Origin header.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebSocket is the browser's push channel over WebSocket: the
// same frames as the SSE endpoint, with keepalives as ping control
// frames. Auth failures arrive as one error JSON message after the
// upgrade, then the connection closes.
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	token := r.URL.Query().Get("token")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsReadLimit)

	stream, err := h.registry.AttachStream(sessionID, token)
	if err != nil {
		bridgeErr := bridge.Normalize(err)
		h.writeWS(conn, errorEnvelope{
			ErrorCode: bridgeErr.Code,
			Message:   bridgeErr.Message,
		})
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, string(bridgeErr.Code)),
			time.Now().Add(wsWriteWait))
		return
	}
	defer h.registry.DetachStream(sessionID, stream)

	h.logger.Info("browser stream attached",
		"transport", "websocket",
		"session_id", sessionID,
	)

	// The browser sends nothing meaningful on this socket, but a
	// reader must run to process close and pong control frames.
	readerGone := make(chan struct{})
	go func() {
		defer close(readerGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case frame := <-stream.Frames():
			if err := h.writeWSFrame(conn, frame); err != nil {
				h.logger.Info("browser stream write failed",
					"transport", "websocket",
					"session_id", sessionID,
					"error", err,
				)
				return
			}
		case <-stream.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream closed"),
				time.Now().Add(wsWriteWait))
			return
		case <-readerGone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (h *Handler) writeWSFrame(conn *websocket.Conn, frame bridge.Frame) error {
	switch frame.Kind {
	case bridge.FrameReady:
		return h.writeWS(conn, readyEvent{Type: "ready", SessionID: frame.SessionID})
	case bridge.FrameRequest:
		return h.writeWS(conn, frame.Request)
	case bridge.FrameKeepalive:
		return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
	default:
		return nil
	}
}

func (h *Handler) writeWS(conn *websocket.Conn, value any) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(value)
}
