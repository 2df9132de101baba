// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/jeranaias/marginalia/internal/chat"
	"github.com/jeranaias/marginalia/internal/provider"
)

// =============================================================================
// ONE-SHOT LANGUAGE MODEL HANDLES
// =============================================================================

// LanguageModel is a callable handle for one-shot, non-streaming
// generation (structured summaries and similar). Chat streaming does
// not go through these handles.
type LanguageModel interface {
	// ModelID returns the model identifier the handle was resolved for.
	ModelID() string

	// Generate produces a single completion for the prompt.
	Generate(ctx context.Context, prompt string) (string, error)
}

// Resolve produces a language model handle for the given provider,
// model, and credential. Resolution is pure configuration: malformed
// credentials and unknown models surface when Generate is invoked,
// never here. The gateway handle falls back to the environment
// credential when apiKey is empty.
func Resolve(p provider.Provider, model, apiKey string) LanguageModel {
	return ResolveWith(DefaultEndpoints(), p, model, apiKey)
}

// ResolveWith is Resolve with explicit endpoints, for tests.
func ResolveWith(eps Endpoints, p provider.Provider, model, apiKey string) LanguageModel {
	switch p {
	case provider.Gateway:
		return &openaiStyleModel{base: eps.Gateway, apiKey: GatewayKey(apiKey), model: model}
	case provider.OpenAI:
		return &openaiStyleModel{base: eps.OpenAI, apiKey: apiKey, model: model, mandatory: true}
	case provider.Anthropic:
		return &anthropicModel{base: eps.Anthropic, apiKey: apiKey, model: model}
	case provider.Google:
		return &googleModel{base: eps.Google, apiKey: apiKey, model: model}
	default:
		return &unsupportedModel{p: p, model: model}
	}
}

// doJSON posts a JSON body and decodes a bounded JSON response.
func doJSON(ctx context.Context, endpoint string, header http.Header, reqBody, respBody any) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := sharedHTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errorFromResponse(resp)
	}
	body, err := readBounded(resp.Body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, respBody); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// openaiStyleModel serves the gateway and OpenAI chat completions.
type openaiStyleModel struct {
	base      string
	apiKey    string
	model     string
	mandatory bool // credential required even for resolution-time empty keys
}

func (m *openaiStyleModel) ModelID() string { return m.model }

func (m *openaiStyleModel) Generate(ctx context.Context, prompt string) (string, error) {
	if m.mandatory && m.apiKey == "" {
		return "", ErrNotConfigured
	}
	header := http.Header{}
	if m.apiKey != "" {
		header.Set("Authorization", "Bearer "+m.apiKey)
	}

	var resp struct {
		Choices []struct {
			Message chat.Message `json:"message"`
		} `json:"choices"`
	}
	err := doJSON(ctx, m.base+"/chat/completions", header, openaiChatRequest{
		Model:    m.model,
		Messages: []chat.Message{chat.NewUserMessage(prompt)},
	}, &resp)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty completion response")
	}
	return resp.Choices[0].Message.Content, nil
}

// anthropicModel serves the direct Anthropic messages API.
type anthropicModel struct {
	base   string
	apiKey string
	model  string
}

func (m *anthropicModel) ModelID() string { return m.model }

func (m *anthropicModel) Generate(ctx context.Context, prompt string) (string, error) {
	if m.apiKey == "" {
		return "", ErrNotConfigured
	}
	header := http.Header{}
	header.Set("x-api-key", m.apiKey)
	header.Set("anthropic-version", anthropicVersion)

	var resp struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	err := doJSON(ctx, m.base+"/messages", header, anthropicRequest{
		Model:     m.model,
		Messages:  []chat.Message{chat.NewUserMessage(prompt)},
		MaxTokens: anthropicMaxTokens,
	}, &resp)
	if err != nil {
		return "", err
	}
	if len(resp.Content) == 0 {
		return "", fmt.Errorf("empty completion response")
	}
	return resp.Content[0].Text, nil
}

// googleModel serves the direct Google generate-content API.
type googleModel struct {
	base   string
	apiKey string
	model  string
}

func (m *googleModel) ModelID() string { return m.model }

func (m *googleModel) Generate(ctx context.Context, prompt string) (string, error) {
	if m.apiKey == "" {
		return "", ErrNotConfigured
	}
	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s",
		m.base, url.PathEscape(m.model), url.QueryEscape(m.apiKey))

	var resp googleChunk
	err := doJSON(ctx, endpoint, http.Header{}, googleRequest{
		Contents: []googleContent{{Role: "user", Parts: []googlePart{{Text: prompt}}}},
	}, &resp)
	if err != nil {
		return "", err
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("empty completion response")
	}
	return resp.Candidates[0].Content.Parts[0].Text, nil
}

// unsupportedModel is returned for local providers, which have no
// one-shot path. The error surfaces at invocation, matching the other
// handles.
type unsupportedModel struct {
	p     provider.Provider
	model string
}

func (m *unsupportedModel) ModelID() string { return m.model }

func (m *unsupportedModel) Generate(context.Context, string) (string, error) {
	return "", fmt.Errorf("provider %q does not support one-shot generation", m.p)
}
