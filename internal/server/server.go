// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes the completion gateway over HTTP for the
// annotation front end.
//
// Endpoints:
//   - POST /api/ai/chat   - stream a completion as incremental plain text
//   - POST /api/ai/models - list models for a provider
//   - GET  /health        - health check
//
// The chat endpoint deliberately streams text/plain rather than SSE:
// the front end renders raw deltas, and plain chunked text survives
// more proxies than event framing does.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/jeranaias/marginalia/internal/catalog"
	"github.com/jeranaias/marginalia/internal/chat"
	"github.com/jeranaias/marginalia/internal/cloud"
	"github.com/jeranaias/marginalia/internal/prompt"
	"github.com/jeranaias/marginalia/internal/provider"
	"github.com/jeranaias/marginalia/internal/router"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// DefaultPort is the default port for the HTTP server.
	DefaultPort = 8787

	// MaxRequestBodySize bounds request bodies (1MB).
	MaxRequestBodySize = 1 * 1024 * 1024

	// MaxMessageCount is the maximum number of messages in a request.
	MaxMessageCount = 200

	// MaxContentLength is the maximum length of a single message.
	MaxContentLength = 100000

	// Version is the server version.
	Version = "0.1.0"
)

// validRoles is the set of acceptable message roles.
var validRoles = map[string]bool{
	chat.RoleUser:      true,
	chat.RoleAssistant: true,
	chat.RoleSystem:    true,
}

// ============================================================================
// SERVER
// ============================================================================

// Server is the HTTP front for the completion gateway.
type Server struct {
	port   int
	mux    *http.ServeMux
	server *http.Server

	stream  router.StreamFunc
	catalog *catalog.Resolver
	limiter *RateLimiter
}

// NewServer creates a server on the given port (0 uses the default)
// backed by the given stream function and catalog resolver.
func NewServer(port int, stream router.StreamFunc, resolver *catalog.Resolver) *Server {
	if port == 0 {
		port = DefaultPort
	}
	s := &Server{
		port:    port,
		mux:     http.NewServeMux(),
		stream:  stream,
		catalog: resolver,
		limiter: DefaultRateLimiter(),
	}
	s.setupRoutes()
	return s
}

// Port returns the server port.
func (s *Server) Port() int {
	return s.port
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.mux.HandleFunc("POST /api/ai/chat", s.handleChat)
	s.mux.HandleFunc("POST /api/ai/models", s.handleModels)
	s.mux.HandleFunc("GET /health", s.handleHealth)
}

// Handler returns the fully wrapped HTTP handler. The rate limiter is
// the server's own, so repeated calls share one client table.
func (s *Server) Handler() http.Handler {
	return Chain(
		RecoveryMiddleware(),
		LoggingMiddleware(nil),
		RateLimitMiddleware(s.limiter),
	)(s.mux)
}

// Start runs the server until Shutdown or a listener error.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Printf("SERVER_START | port=%d version=%s", s.port, Version)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server and its rate limiter.
func (s *Server) Shutdown(ctx context.Context) error {
	s.limiter.Close()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// ============================================================================
// REQUEST TYPES
// ============================================================================

// ChatRequest is the POST /api/ai/chat payload. Document and
// annotations are optional; when present the system prompt is built
// server-side from them.
type ChatRequest struct {
	Provider string         `json:"provider"`
	Model    string         `json:"model"`
	APIKey   string         `json:"apiKey,omitempty"`
	Messages []chat.Message `json:"messages"`

	Document    *prompt.Document    `json:"document,omitempty"`
	Annotations []prompt.Annotation `json:"annotations,omitempty"`
}

// ModelsRequest is the POST /api/ai/models payload.
type ModelsRequest struct {
	Provider string `json:"provider"`
	APIKey   string `json:"apiKey,omitempty"`
	Current  string `json:"current,omitempty"`
}

// errorResponse is the JSON error envelope.
type errorResponse struct {
	Error string `json:"error"`
}

// ============================================================================
// CHAT HANDLER
// ============================================================================

// handleChat streams a completion as incremental plain text. Errors
// before the first byte produce a JSON error envelope; once streaming
// has begun the connection simply terminates, and the client treats a
// truncated body as an aborted reply.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		log.Printf("CHAT_BAD_REQUEST | error=%v", err)
		s.writeError(w, http.StatusBadRequest, "invalid request format")
		return
	}

	cfg, status, msg := s.validateChat(&req)
	if msg != "" {
		s.writeError(w, status, msg)
		return
	}

	system := ""
	if req.Document != nil {
		system = prompt.BuildSystem(*req.Document, req.Annotations)
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")

	started := false
	err := s.stream(r.Context(), cfg, req.Messages, system, func(delta string) {
		if !started {
			w.WriteHeader(http.StatusOK)
			started = true
		}
		if _, werr := w.Write([]byte(delta)); werr != nil {
			return
		}
		flusher.Flush()
	})

	if err != nil {
		log.Printf("CHAT_STREAM_ERROR | provider=%s model=%s error=%v", cfg.Provider, cfg.Model, err)
		if !started {
			s.writeError(w, statusForStreamError(err), publicStreamError(err))
		}
		return
	}
	if !started {
		// The upstream produced no deltas; still answer 200 so the
		// client sees an empty reply rather than a hang.
		w.WriteHeader(http.StatusOK)
	}
}

// validateChat checks the request and resolves its configuration.
func (s *Server) validateChat(req *ChatRequest) (provider.AIConfig, int, string) {
	p := provider.Provider(req.Provider)
	if !provider.Known(p) {
		return provider.AIConfig{}, http.StatusBadRequest, fmt.Sprintf("unknown provider %q", req.Provider)
	}
	if len(req.Messages) == 0 {
		return provider.AIConfig{}, http.StatusBadRequest, "request must contain at least one message"
	}
	if len(req.Messages) > MaxMessageCount {
		return provider.AIConfig{}, http.StatusBadRequest, fmt.Sprintf("too many messages: maximum is %d", MaxMessageCount)
	}
	for i, msg := range req.Messages {
		if !validRoles[msg.Role] {
			return provider.AIConfig{}, http.StatusBadRequest, fmt.Sprintf("invalid role at message %d", i)
		}
		if len(msg.Content) > MaxContentLength {
			return provider.AIConfig{}, http.StatusBadRequest, fmt.Sprintf("message %d exceeds maximum length of %d", i, MaxContentLength)
		}
	}

	cfg := provider.AIConfig{Provider: p, Model: req.Model, APIKey: req.APIKey}
	if cfg.Model == "" {
		cfg.Model = provider.DefaultModel(p)
	}
	if !cfg.Ready() {
		return provider.AIConfig{}, http.StatusUnauthorized, provider.MissingKeyMessage(p)
	}
	return cfg, 0, ""
}

// statusForStreamError maps upstream failures to HTTP statuses.
func statusForStreamError(err error) int {
	switch {
	case errors.Is(err, cloud.ErrAuthFailed), errors.Is(err, cloud.ErrNotConfigured):
		return http.StatusUnauthorized
	case errors.Is(err, cloud.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, cloud.ErrModelNotFound):
		return http.StatusNotFound
	default:
		return http.StatusBadGateway
	}
}

// publicStreamError keeps upstream detail out of client responses.
func publicStreamError(err error) string {
	switch {
	case errors.Is(err, cloud.ErrAuthFailed):
		return "provider rejected the API key"
	case errors.Is(err, cloud.ErrRateLimited):
		return "provider rate limit exceeded"
	case errors.Is(err, cloud.ErrModelNotFound):
		return "model not found"
	default:
		return "completion request failed"
	}
}

// ============================================================================
// MODELS HANDLER
// ============================================================================

// handleModels lists models for a provider. The response always
// carries HTTP 200 with the catalog result; a failed live scan is
// reported inside the payload alongside the fallback list.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)

	var req ModelsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request format")
		return
	}

	p := provider.Provider(req.Provider)
	if !provider.Known(p) {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown provider %q", req.Provider))
		return
	}

	result := s.catalog.List(r.Context(), p, req.APIKey, req.Current)
	s.writeJSON(w, http.StatusOK, result)
}

// ============================================================================
// HEALTH HANDLER
// ============================================================================

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": Version,
	})
}

// ============================================================================
// RESPONSE HELPERS
// ============================================================================

// writeJSON writes a JSON response with the given status.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("WRITE_ERROR | error=%v", err)
	}
}

// writeError writes a JSON error envelope.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, errorResponse{Error: message})
}
