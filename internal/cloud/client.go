// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jeranaias/rigrun-turns/internal/errclass"
	"github.com/jeranaias/rigrun-turns/internal/stream"
	"github.com/jeranaias/rigrun-turns/internal/turn"
)

// Configuration constants for OpenRouter API.
const (
	// DefaultOpenRouterURL is the base URL for OpenRouter API.
	DefaultOpenRouterURL = "https://openrouter.ai/api/v1"

	// DefaultModel is used when no model is configured.
	DefaultModel = "openrouter/auto"

	// DefaultMaxRetries is the default number of attempts for 5xx and
	// connection failures before any byte of the stream was received.
	DefaultMaxRetries = 3

	// retryBaseDelay is the base delay for exponential backoff.
	retryBaseDelay = 500 * time.Millisecond

	// retryMaxDelay is the maximum delay for exponential backoff.
	retryMaxDelay = 10 * time.Second

	// MaxErrorBodySize caps how much of an error response is read.
	MaxErrorBodySize = 64 * 1024
)

// ErrNotConfigured indicates neither an API key nor an access token is set.
var ErrNotConfigured = errors.New("OpenRouter credentials not configured")

// PERFORMANCE: Connection pooling reduces TCP handshake overhead.
// Streaming requests have no client timeout; the turn context bounds them.
var sharedStreamingClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
	},
}

// =============================================================================
// CLIENT
// =============================================================================

// Client is a ModelTransport backed by OpenRouter's streaming chat
// completions endpoint.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	maxTokens  int
	maxRetries int
	siteURL    string
	siteName   string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a client. apiKey is used when a request carries no
// access token of its own.
func NewClient(apiKey string) *Client {
	return &Client{
		apiKey:     strings.TrimSpace(apiKey),
		baseURL:    DefaultOpenRouterURL,
		model:      DefaultModel,
		maxRetries: DefaultMaxRetries,
		siteURL:    "https://rigrun.local",
		siteName:   "rigrun",
		httpClient: sharedStreamingClient,
		logger:     slog.New(slog.DiscardHandler),
	}
}

// WithBaseURL sets a custom base URL.
func (c *Client) WithBaseURL(url string) *Client {
	c.baseURL = strings.TrimRight(url, "/")
	return c
}

// WithModel sets the model identifier.
func (c *Client) WithModel(model string) *Client {
	if model != "" {
		c.model = model
	}
	return c
}

// WithMaxTokens caps the completion length. Zero leaves it to the provider.
func (c *Client) WithMaxTokens(n int) *Client {
	c.maxTokens = n
	return c
}

// WithMaxRetries sets the connection attempt count.
func (c *Client) WithMaxRetries(n int) *Client {
	c.maxRetries = max(n, 1)
	return c
}

// WithHTTPClient replaces the HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// WithLogger sets the logger.
func (c *Client) WithLogger(logger *slog.Logger) *Client {
	if logger != nil {
		c.logger = logger
	}
	return c
}

// Model returns the configured model.
func (c *Client) Model() string {
	return c.model
}

// Open implements turn.ModelTransport. The returned sequence reads one SSE
// event per pull.
func (c *Client) Open(ctx context.Context, req turn.Request) (stream.Sequence, error) {
	token := req.AccessToken
	if token == "" {
		token = c.apiKey
	}
	if token == "" {
		return nil, ErrNotConfigured
	}

	body, err := json.Marshal(buildChatRequest(c.model, c.maxTokens, req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := c.doWithRetry(ctx, token, body)
	if err != nil {
		return nil, err
	}
	return newSSESequence(resp.Body, c.logger), nil
}

// doWithRetry posts the request, retrying 5xx responses and connection
// failures with exponential backoff. Other failures return at once.
func (c *Client) doWithRetry(ctx context.Context, token string, body []byte) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(calculateBackoff(attempt)):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		c.setHeaders(req, token)

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = &errclass.TransportError{Message: "request failed", Err: err}
			c.logger.Warn("openrouter request failed", "attempt", attempt+1, "error", err)
			continue
		}
		// Don't log headers (may contain auth) or bodies.
		c.logger.Debug("openrouter response", "status", resp.StatusCode, "duration", time.Since(start))

		if resp.StatusCode == http.StatusOK {
			return resp, nil
		}
		lastErr = handleErrorResponse(resp)
		resp.Body.Close()
		if resp.StatusCode < 500 {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

// setHeaders sets the required headers for OpenRouter API requests.
func (c *Client) setHeaders(req *http.Request, token string) {
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("User-Agent", "rigrun-turns/0.1.0")
	if c.siteURL != "" {
		req.Header.Set("HTTP-Referer", c.siteURL)
	}
	if c.siteName != "" {
		req.Header.Set("X-Title", c.siteName)
	}
}

// calculateBackoff returns the delay to wait before the next attempt.
func calculateBackoff(attempt int) time.Duration {
	// Exponential backoff: 500ms, 1000ms, 2000ms, etc.
	delay := retryBaseDelay * time.Duration(1<<uint(attempt-1))
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

// apiErrorResponse represents an error response from the API.
type apiErrorResponse struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    any    `json:"code"`
	Message string `json:"message"`
}

// handleErrorResponse converts an HTTP error response into the error types
// the turn controller classifies.
func handleErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, MaxErrorBodySize))

	msg := strings.TrimSpace(string(body))
	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		msg = apiErr.Error.Message
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return statusError(resp.StatusCode, msg, resp.Header.Get("Retry-After"))
}

// statusError maps a status code and message to a classified error.
func statusError(status int, msg, retryAfter string) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", errclass.ErrAuthExpired, msg)
	case http.StatusPaymentRequired:
		return fmt.Errorf("%w: %s", errclass.ErrInsufficientCredits, msg)
	case http.StatusTooManyRequests:
		return &errclass.QuotaError{Cooldown: parseRetryAfter(retryAfter), Message: msg}
	default:
		return &errclass.TransportError{Status: status, Message: msg}
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d.Round(time.Second)
		}
	}
	return 0
}

// codeStatus extracts an HTTP status from an in-stream error code, which
// OpenRouter sends as a number or a numeric string.
func codeStatus(code any) int {
	switch v := code.(type) {
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}
