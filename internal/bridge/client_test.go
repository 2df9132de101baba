// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/marginalia/internal/chat"
	"github.com/jeranaias/marginalia/internal/provider"
)

// sseHandler writes the given event data payloads as an SSE response.
func sseHandler(t *testing.T, capture *chatRequest, payloads ...string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if capture != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(capture))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, p := range payloads {
			fmt.Fprintf(w, "data: %s\n\n", p)
			flusher.Flush()
		}
	}
}

func userMessages(text string) []chat.Message {
	return []chat.Message{chat.NewUserMessage(text)}
}

func TestOpenStreamTranslatesTextEvents(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t, nil,
		`{"text":"Hel"}`, `{"text":"lo"}`, "[DONE]"))
	defer srv.Close()

	client := NewClient().WithBaseURL(srv.URL)
	rc, err := client.OpenStream(context.Background(), provider.ClaudeCLI, "", userMessages("hi"), "")
	require.NoError(t, err)
	defer rc.Close()

	out, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "Hello", string(out))
}

func TestOpenStreamRejectsCloudProvider(t *testing.T) {
	client := NewClient()
	_, err := client.OpenStream(context.Background(), provider.OpenAI, "", userMessages("hi"), "")
	assert.ErrorIs(t, err, ErrNotLocal)
}

func TestOpenStreamRequestShape(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(sseHandler(t, &got, "[DONE]"))
	defer srv.Close()

	client := NewClient().WithBaseURL(srv.URL)
	rc, err := client.OpenStream(context.Background(), provider.CodexCLI, "o3-mini", userMessages("question"), "system here")
	require.NoError(t, err)
	_, _ = io.ReadAll(rc)
	rc.Close()

	assert.Equal(t, "codex", got.Tool)
	assert.Equal(t, "o3-mini", got.Model)
	assert.Equal(t, "system here", got.SystemPrompt)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "question", got.Messages[0].Content)
}

func TestOpenStreamOmitsPlaceholderModel(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(sseHandler(t, &got, "[DONE]"))
	defer srv.Close()

	client := NewClient().WithBaseURL(srv.URL)
	rc, err := client.OpenStream(context.Background(), provider.ClaudeCLI, "claude-local", userMessages("hi"), "")
	require.NoError(t, err)
	_, _ = io.ReadAll(rc)
	rc.Close()

	assert.Empty(t, got.Model, "placeholder model must not be forwarded")
}

func TestOpenStreamErrorEventAbortsStream(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t, nil,
		`{"text":"partial"}`, `{"error":"tool crashed"}`, `{"text":"late"}`))
	defer srv.Close()

	client := NewClient().WithBaseURL(srv.URL)
	rc, err := client.OpenStream(context.Background(), provider.GeminiCLI, "", userMessages("hi"), "")
	require.NoError(t, err)
	defer rc.Close()

	out, err := io.ReadAll(rc)
	assert.Equal(t, "partial", string(out))
	var streamErr *StreamError
	require.ErrorAs(t, err, &streamErr)
	assert.Equal(t, "tool crashed", streamErr.Message)
}

func TestOpenStreamErrorWinsOverCleanClose(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t, nil, `{"error":"boom"}`, "[DONE]"))
	defer srv.Close()

	client := NewClient().WithBaseURL(srv.URL)
	rc, err := client.OpenStream(context.Background(), provider.ClaudeCLI, "", userMessages("hi"), "")
	require.NoError(t, err)
	defer rc.Close()

	_, err = io.ReadAll(rc)
	var streamErr *StreamError
	assert.ErrorAs(t, err, &streamErr)
}

func TestOpenStreamDropsMalformedPayloads(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t, nil,
		"not json", `{"text":"ok"}`, "ping"))
	defer srv.Close()

	client := NewClient().WithBaseURL(srv.URL)
	rc, err := client.OpenStream(context.Background(), provider.ClaudeCLI, "", userMessages("hi"), "")
	require.NoError(t, err)
	defer rc.Close()

	out, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(out))
}

func TestOpenStreamStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such tool", http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient().WithBaseURL(srv.URL)
	_, err := client.OpenStream(context.Background(), provider.ClaudeCLI, "", userMessages("hi"), "")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.Status)
	assert.Contains(t, statusErr.Body, "no such tool")
}

func TestOpenStreamDaemonUnreachable(t *testing.T) {
	client := NewClient().WithBaseURL("http://127.0.0.1:1")
	_, err := client.OpenStream(context.Background(), provider.ClaudeCLI, "", userMessages("hi"), "")
	assert.Error(t, err)
}

func TestOpenStreamIdleTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"text\":\"start\"}\n\n")
		flusher.Flush()
		// Outlive the idle window without sending anything.
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	client := NewClient().WithBaseURL(srv.URL).WithIdleTimeout(100 * time.Millisecond)
	rc, err := client.OpenStream(context.Background(), provider.ClaudeCLI, "", userMessages("hi"), "")
	require.NoError(t, err)
	defer rc.Close()

	out, err := io.ReadAll(rc)
	assert.Equal(t, "start", string(out))
	assert.ErrorIs(t, err, ErrIdleTimeout)
}

func TestOpenStreamCloseReleasesStream(t *testing.T) {
	released := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"text\":\"x\"}\n\n")
		flusher.Flush()
		<-r.Context().Done()
		close(released)
	}))
	defer srv.Close()

	client := NewClient().WithBaseURL(srv.URL)
	rc, err := client.OpenStream(context.Background(), provider.ClaudeCLI, "", userMessages("hi"), "")
	require.NoError(t, err)

	buf := make([]byte, 1)
	_, err = rc.Read(buf)
	require.NoError(t, err)

	require.NoError(t, rc.Close())
	require.NoError(t, rc.Close(), "double close is safe")

	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("server request was not cancelled after Close")
	}
}

func TestOpenStreamContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	client := NewClient().WithBaseURL(srv.URL)
	rc, err := client.OpenStream(ctx, provider.ClaudeCLI, "", userMessages("hi"), "")
	require.NoError(t, err)
	defer rc.Close()

	cancel()
	_, err = io.ReadAll(rc)
	require.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)
}
