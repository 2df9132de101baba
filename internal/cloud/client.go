// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cloud implements the HTTP clients for the routing gateway and
// the three direct cloud APIs.
//
// Four structurally different wire protocols are normalized here into a
// single incremental text callback: the gateway and OpenAI speak
// OpenAI-shaped SSE deltas, Anthropic streams content-block delta
// events, and Google streams generate-content candidates. The local CLI
// bridge is the fifth path and lives in the bridge package.
package cloud

import (
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// Configuration constants shared by all cloud requests.
const (
	// DefaultGatewayURL is the base URL for the routing gateway.
	DefaultGatewayURL = "https://ai-gateway.vercel.sh/v1"

	// DefaultOpenAIURL is the base URL for the OpenAI API.
	DefaultOpenAIURL = "https://api.openai.com/v1"

	// DefaultAnthropicURL is the base URL for the Anthropic API.
	DefaultAnthropicURL = "https://api.anthropic.com/v1"

	// DefaultGoogleURL is the base URL for the Google Generative
	// Language API.
	DefaultGoogleURL = "https://generativelanguage.googleapis.com/v1beta"

	// GatewayKeyEnv is the environment fallback credential for the
	// gateway when the user has not supplied one.
	GatewayKeyEnv = "AI_GATEWAY_API_KEY"

	// DefaultTimeout bounds non-streaming requests.
	DefaultTimeout = 60 * time.Second

	// MaxResponseSize is the maximum allowed response body size for
	// non-streaming requests.
	MaxResponseSize = 10 * 1024 * 1024

	// maxErrorExcerpt bounds how much of an error body is embedded in
	// the returned error.
	maxErrorExcerpt = 300
)

var (
	// sharedHTTPClient serves non-streaming requests with pooling.
	sharedHTTPClient = &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		},
		Timeout: DefaultTimeout,
	}

	// sharedStreamingClient has no client timeout; streaming lifetime
	// is controlled through the request context.
	sharedStreamingClient = &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		},
	}
)

// Error variables for common cloud failures.
var (
	// ErrNotConfigured indicates a required API key is not set.
	ErrNotConfigured = errors.New("API key not configured")

	// ErrAuthFailed indicates the credential was rejected.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrRateLimited indicates too many requests were made.
	ErrRateLimited = errors.New("rate limited")

	// ErrModelNotFound indicates the requested model does not exist.
	ErrModelNotFound = errors.New("model not found")
)

// APIError represents a non-2xx response from any cloud endpoint.
type APIError struct {
	Status  int
	Message string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("cloud error (HTTP %d): %s", e.Status, e.Message)
}

// Is maps well-known statuses onto the sentinel errors.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrAuthFailed:
		return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
	case ErrRateLimited:
		return e.Status == http.StatusTooManyRequests
	case ErrModelNotFound:
		return e.Status == http.StatusNotFound
	}
	return false
}

// Endpoints holds the base URLs for every cloud family. Tests point
// these at httptest servers.
type Endpoints struct {
	Gateway   string
	OpenAI    string
	Anthropic string
	Google    string
}

// DefaultEndpoints returns the production base URLs.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Gateway:   DefaultGatewayURL,
		OpenAI:    DefaultOpenAIURL,
		Anthropic: DefaultAnthropicURL,
		Google:    DefaultGoogleURL,
	}
}

// GatewayKey returns the supplied gateway credential or the
// environment fallback.
func GatewayKey(apiKey string) string {
	if apiKey != "" {
		return apiKey
	}
	return strings.TrimSpace(os.Getenv(GatewayKeyEnv))
}

// KeyFingerprint returns a secure fingerprint of an API key for
// logging. Key material itself is never logged.
func KeyFingerprint(apiKey string) string {
	if apiKey == "" {
		return "none"
	}
	h := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(h[:4])
}

// readBounded reads a response body with a size limit.
func readBounded(r io.Reader) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, MaxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) == MaxResponseSize {
		return nil, fmt.Errorf("response exceeded maximum size of %d bytes", MaxResponseSize)
	}
	return body, nil
}

// errorFromResponse drains up to maxErrorExcerpt of an error body and
// builds an APIError carrying the status and that excerpt.
func errorFromResponse(resp *http.Response) error {
	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorExcerpt))
	msg := strings.TrimSpace(string(excerpt))
	if msg == "" {
		msg = resp.Status
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}
