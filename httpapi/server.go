// Copyright 2026 The FormBridge Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Server owns the HTTP listener for a Handler.
type Server struct {
	listenAddress string
	httpServer    *http.Server
	listener      net.Listener
	logger        *slog.Logger
}

// ServerConfig holds configuration for creating a new Server.
type ServerConfig struct {
	// ListenAddress is the TCP host:port to bind.
	ListenAddress string

	// Handler is the mounted API surface. Required.
	Handler *Handler

	// Logger receives lifecycle messages.
	Logger *slog.Logger
}

// NewServer creates a server around the handler's routes.
func NewServer(config ServerConfig) (*Server, error) {
	if config.ListenAddress == "" {
		return nil, fmt.Errorf("listen address is required")
	}
	if config.Handler == nil {
		return nil, fmt.Errorf("handler is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		listenAddress: config.ListenAddress,
		httpServer: &http.Server{
			Handler:     config.Handler.Routes(),
			ReadTimeout: 30 * time.Second,
			// WriteTimeout stays zero: the SSE, WebSocket, and run
			// relay responses hold the connection open indefinitely.
		},
		logger: logger,
	}, nil
}

// Start begins listening and serving in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.listenAddress)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.listenAddress, err)
	}
	s.listener = listener

	s.logger.Info("http server started", "address", listener.Addr().String())

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, useful when the configured port was
// 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.listenAddress
	}
	return s.listener.Addr().String()
}

// Shutdown gracefully stops the server. Streaming handlers exit when
// the registry closes their streams; close the registry before
// calling Shutdown so draining can finish within the grace period.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.httpServer.Shutdown(ctx)
}
