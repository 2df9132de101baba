// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllProvidersKnown(t *testing.T) {
	for _, p := range All() {
		assert.True(t, Known(p), "provider %s must resolve", p)
		assert.NotEmpty(t, Label(p))
		assert.NotEmpty(t, DefaultModel(p))
		assert.NotEmpty(t, FallbackModels(p))
	}
	assert.False(t, Known(Provider("mystery")))
}

func TestDefaultModelIsFirstFallback(t *testing.T) {
	for _, p := range All() {
		assert.Equal(t, FallbackModels(p)[0], DefaultModel(p))
	}
}

func TestCredentialRules(t *testing.T) {
	assert.False(t, RequiresCredential(Gateway), "gateway key is optional")
	assert.True(t, RequiresCredential(OpenAI))
	assert.True(t, RequiresCredential(Anthropic))
	assert.True(t, RequiresCredential(Google))
	for _, p := range []Provider{ClaudeCLI, CodexCLI, GeminiCLI} {
		assert.False(t, RequiresCredential(p), "%s is local", p)
		assert.True(t, IsLocal(p))
	}
}

func TestCLITools(t *testing.T) {
	assert.Equal(t, "claude", CLITool(ClaudeCLI))
	assert.Equal(t, "codex", CLITool(CodexCLI))
	assert.Equal(t, "gemini", CLITool(GeminiCLI))
	assert.Empty(t, CLITool(OpenAI))
}

func TestLocalPlaceholder(t *testing.T) {
	assert.Equal(t, "claude-local", LocalPlaceholder(ClaudeCLI))
	assert.Equal(t, LocalPlaceholder(CodexCLI), DefaultModel(CodexCLI))
}

func TestFallbackModelsAreCopies(t *testing.T) {
	a := FallbackModels(OpenAI)
	a[0] = "mutated"
	assert.NotEqual(t, "mutated", FallbackModels(OpenAI)[0])
}

func TestReady(t *testing.T) {
	assert.True(t, AIConfig{Provider: Gateway}.Ready())
	assert.False(t, AIConfig{Provider: OpenAI}.Ready())
	assert.True(t, AIConfig{Provider: OpenAI, APIKey: "sk-x"}.Ready())
	assert.True(t, AIConfig{Provider: ClaudeCLI}.Ready())
}

func TestWithProviderResetsModel(t *testing.T) {
	cfg := AIConfig{Provider: OpenAI, Model: "gpt-4o", APIKey: "sk-x"}
	next := cfg.WithProvider(Anthropic)
	assert.Equal(t, Anthropic, next.Provider)
	assert.Equal(t, DefaultModel(Anthropic), next.Model)
	assert.Equal(t, "sk-x", next.APIKey, "key survives a provider switch")
}

func TestMissingKeyMessage(t *testing.T) {
	assert.Equal(t, "Add an API key for OpenAI.", MissingKeyMessage(OpenAI))
	assert.Equal(t, "Add an API key for Anthropic.", MissingKeyMessage(Anthropic))
}
