// Copyright 2026 The FormBridge Authors
// SPDX-License-Identifier: Apache-2.0

package bridgeclient

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/formbridge/formbridge/bridge"
	"github.com/formbridge/formbridge/lib/netutil"
)

// Environment variable names the run relay injects into agent
// processes. FromEnvironment reads them back.
const (
	EnvBaseURL   = "FORMBRIDGE_URL"
	EnvSessionID = "FORMBRIDGE_SESSION_ID"
	EnvToken     = "FORMBRIDGE_TOKEN"
)

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// BaseURL is the FormBridge server base URL (e.g.
	// "http://127.0.0.1:8642").
	BaseURL string

	// HTTPClient is used for all requests. If nil, http.DefaultClient
	// is used.
	HTTPClient *http.Client

	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
}

// Client is an unauthenticated FormBridge API client. It holds the
// server URL and HTTP transport, shared across Sessions.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a FormBridge API client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("bridgeclient: BaseURL is required")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("bridgeclient: invalid BaseURL %q: %w", config.BaseURL, err)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// CreateSession asks the server for a fresh bridge session and
// returns it bound to this client.
func (c *Client) CreateSession(ctx context.Context) (*Session, error) {
	var result struct {
		SessionID string    `json:"sessionId"`
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expiresAt"`
	}
	err := c.doRequest(ctx, http.MethodPost, "/v1/bridge/session", struct{}{}, &result)
	if err != nil {
		return nil, fmt.Errorf("bridgeclient: creating session: %w", err)
	}
	return c.Session(bridge.SessionCredentials{
		SessionID: result.SessionID,
		Token:     result.Token,
		ExpiresAt: result.ExpiresAt,
	}), nil
}

// Session binds existing credentials to this client.
func (c *Client) Session(credentials bridge.SessionCredentials) *Session {
	return &Session{client: c, credentials: credentials}
}

// Health is the server's liveness summary from GET /healthz.
type Health struct {
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
	Sessions      int    `json:"sessions"`
}

// Health reports whether the server is reachable and what it is
// running.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var result Health
	if err := c.doRequest(ctx, http.MethodGet, "/healthz", nil, &result); err != nil {
		return nil, fmt.Errorf("bridgeclient: health check: %w", err)
	}
	return &result, nil
}

// FromEnvironment builds a session from the variables the run relay
// injects into agent processes. All three must be set.
func FromEnvironment() (*Session, error) {
	baseURL := os.Getenv(EnvBaseURL)
	sessionID := os.Getenv(EnvSessionID)
	token := os.Getenv(EnvToken)
	if baseURL == "" || sessionID == "" || token == "" {
		return nil, fmt.Errorf("bridgeclient: %s, %s, and %s must all be set",
			EnvBaseURL, EnvSessionID, EnvToken)
	}

	client, err := NewClient(ClientConfig{BaseURL: baseURL})
	if err != nil {
		return nil, err
	}
	return client.Session(bridge.SessionCredentials{
		SessionID: sessionID,
		Token:     token,
	}), nil
}

// NewRequestID returns a fresh correlation id: 8 random bytes, hex
// encoded. Snapshot and Execute call it for you; use it directly when
// building raw requests for Dispatch.
func NewRequestID() (string, error) {
	raw := make([]byte, 8)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("bridgeclient: generating request id: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// doRequest performs a JSON API request. On 2xx the body is decoded
// into result (which may be nil to discard it). On any other status
// the error envelope is decoded and returned as a *bridge.Error.
func (c *Client) doRequest(ctx context.Context, method, path string, requestBody, result any) error {
	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return decodeError(response)
	}
	if result == nil {
		return nil
	}
	if err := netutil.DecodeResponse(response.Body, result); err != nil {
		return fmt.Errorf("decoding %s %s response: %w", method, path, err)
	}
	return nil
}

// decodeError maps a non-2xx response to a *bridge.Error when the
// body carries the standard envelope, and to a raw diagnostic error
// when it does not (a proxy in the way, a non-FormBridge server).
func decodeError(response *http.Response) error {
	body, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return fmt.Errorf("reading %d response: %w", response.StatusCode, err)
	}

	var envelope struct {
		ErrorCode bridge.Code `json:"errorCode"`
		Message   string      `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.ErrorCode == "" {
		return fmt.Errorf("unexpected %d response: %s", response.StatusCode, body)
	}
	return &bridge.Error{Code: envelope.ErrorCode, Message: envelope.Message}
}
