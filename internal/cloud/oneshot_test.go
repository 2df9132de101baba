// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/marginalia/internal/provider"
)

func TestResolveOpenAIGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-x", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"summary"}}]}`))
	}))
	defer srv.Close()

	m := ResolveWith(Endpoints{OpenAI: srv.URL}, provider.OpenAI, "gpt-4o-mini", "sk-x")
	assert.Equal(t, "gpt-4o-mini", m.ModelID())

	out, err := m.Generate(context.Background(), "summarize")
	require.NoError(t, err)
	assert.Equal(t, "summary", out)
}

func TestResolveOpenAIWithoutKeyFailsAtGenerate(t *testing.T) {
	m := ResolveWith(Endpoints{OpenAI: "http://127.0.0.1:1"}, provider.OpenAI, "gpt-4o-mini", "")
	require.NotNil(t, m, "resolution never fails")

	_, err := m.Generate(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestResolveAnthropicGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "sk-ant", r.Header.Get("x-api-key"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"content":[{"text":"reply"}]}`))
	}))
	defer srv.Close()

	m := ResolveWith(Endpoints{Anthropic: srv.URL}, provider.Anthropic, "claude-3-5-haiku-20241022", "sk-ant")
	out, err := m.Generate(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "reply", out)
}

func TestResolveGoogleGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, ":generateContent")
		assert.Equal(t, "g-key", r.URL.Query().Get("key"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"out"}]}}]}`))
	}))
	defer srv.Close()

	m := ResolveWith(Endpoints{Google: srv.URL}, provider.Google, "gemini-1.5-flash", "g-key")
	out, err := m.Generate(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, "out", out)
}

func TestResolveLocalProviderUnsupported(t *testing.T) {
	m := Resolve(provider.ClaudeCLI, "claude-local", "")
	require.NotNil(t, m)
	assert.Equal(t, "claude-local", m.ModelID())

	_, err := m.Generate(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "one-shot")
}

func TestGenerateSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	m := ResolveWith(Endpoints{Anthropic: srv.URL}, provider.Anthropic, "claude-3-opus-20240229", "sk-bad")
	_, err := m.Generate(context.Background(), "x")
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestGenerateEmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	m := ResolveWith(Endpoints{OpenAI: srv.URL}, provider.OpenAI, "gpt-4o-mini", "sk-x")
	_, err := m.Generate(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty completion")
}
