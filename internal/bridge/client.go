// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package bridge speaks the wire protocol of the local CLI bridge
// daemon and converts its event-stream responses into a plain
// incremental byte stream with the same shape as the cloud paths.
//
// The daemon fronts locally-installed AI CLI tools (claude, codex,
// gemini) over HTTP. Responses are server-sent events whose data
// payloads are either "[DONE]", {"text": ...}, or {"error": ...}.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jeranaias/marginalia/internal/chat"
	"github.com/jeranaias/marginalia/internal/provider"
)

// DefaultBaseURL is where the bridge daemon listens unless configured
// otherwise.
const DefaultBaseURL = "http://127.0.0.1:3456"

// maxErrorExcerpt bounds how much of an error body is embedded in the
// returned error.
const maxErrorExcerpt = 300

// Error variables for bridge failures.
var (
	// ErrNotLocal indicates the provider is not routed to the bridge.
	ErrNotLocal = errors.New("provider is not a local CLI provider")

	// ErrIdleTimeout indicates the daemon went silent for longer than
	// the configured idle window.
	ErrIdleTimeout = errors.New("bridge stream idle timeout")
)

// StatusError represents a non-2xx response from the bridge daemon.
type StatusError struct {
	Status int
	Body   string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("bridge error (HTTP %d): %s", e.Status, e.Body)
}

// StreamError represents an explicit {"error": ...} event received
// mid-stream from the CLI tool.
type StreamError struct {
	Message string
}

// Error implements the error interface.
func (e *StreamError) Error() string {
	return "bridge stream error: " + e.Message
}

// Client talks to the local bridge daemon.
type Client struct {
	baseURL    string
	httpClient *http.Client

	// idleTimeout bounds the gap between events; zero disables it.
	// A hung CLI tool otherwise leaves the consumer blocked forever.
	idleTimeout time.Duration
}

// NewClient creates a bridge client against the default local URL.
// The HTTP client carries no timeout; stream lifetime is controlled
// per-request through contexts.
func NewClient() *Client {
	return &Client{
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{},
	}
}

// WithBaseURL overrides the daemon base URL.
func (c *Client) WithBaseURL(url string) *Client {
	c.baseURL = strings.TrimSuffix(url, "/")
	return c
}

// WithIdleTimeout bounds the silence between events. Zero disables.
func (c *Client) WithIdleTimeout(d time.Duration) *Client {
	c.idleTimeout = d
	return c
}

// chatRequest is the bridge chat endpoint request body.
type chatRequest struct {
	Tool         string         `json:"tool"`
	Model        string         `json:"model,omitempty"`
	Messages     []chat.Message `json:"messages"`
	SystemPrompt string         `json:"systemPrompt,omitempty"`
}

// eventPayload is the union of data payloads the daemon emits.
type eventPayload struct {
	Text  string `json:"text"`
	Error string `json:"error"`
}

// OpenStream issues a chat request for a local provider and returns
// the assistant reply as a plain incremental byte stream.
//
// The synthetic "<tool>-local" model placeholder (and an empty model)
// omit the model field so the CLI tool picks its own. Closing the
// returned reader cancels the underlying HTTP response. An {"error"}
// event aborts the stream on the next event tick, even if the daemon
// keeps streaming or closes cleanly afterward; malformed event
// payloads are dropped without aborting, since some tools emit
// non-JSON keepalive noise.
func (c *Client) OpenStream(ctx context.Context, p provider.Provider, model string, messages []chat.Message, systemPrompt string) (io.ReadCloser, error) {
	tool := provider.CLITool(p)
	if tool == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotLocal, p)
	}

	reqBody := chatRequest{
		Tool:         tool,
		Messages:     messages,
		SystemPrompt: systemPrompt,
	}
	if model != "" && model != provider.LocalPlaceholder(p) {
		reqBody.Model = model
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("bridge request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer cancel()
		defer resp.Body.Close()
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorExcerpt))
		body := strings.TrimSpace(string(excerpt))
		if body == "" {
			body = resp.Status
		}
		return nil, &StatusError{Status: resp.StatusCode, Body: body}
	}

	pr, pw := io.Pipe()
	t := &translator{
		body:        resp.Body,
		pw:          pw,
		ctx:         ctx,
		cancel:      cancel,
		idleTimeout: c.idleTimeout,
	}
	go t.run()

	return &streamReader{r: pr, cancel: cancel}, nil
}
