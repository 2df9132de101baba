// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/jeranaias/marginalia/internal/chat"
	"github.com/jeranaias/marginalia/internal/provider"
	"github.com/jeranaias/marginalia/internal/sse"
)

// =============================================================================
// STREAMING
// =============================================================================

// DeltaFunc receives each incremental piece of assistant text.
type DeltaFunc func(text string)

// Streamer issues streaming chat requests against whichever cloud
// family the provider tag selects. The zero value is not usable; call
// NewStreamer.
type Streamer struct {
	Endpoints Endpoints
}

// NewStreamer creates a streamer against the production endpoints.
func NewStreamer() *Streamer {
	return &Streamer{Endpoints: DefaultEndpoints()}
}

// NewStreamerWith creates a streamer against explicit endpoints.
func NewStreamerWith(eps Endpoints) *Streamer {
	return &Streamer{Endpoints: eps}
}

// Stream performs a streaming chat completion for a cloud provider,
// invoking onDelta for every piece of text as it arrives. It returns
// after the stream closes or fails; cancellation happens through ctx.
func (s *Streamer) Stream(ctx context.Context, p provider.Provider, model, apiKey string, messages []chat.Message, system string, onDelta DeltaFunc) error {
	switch p {
	case provider.Gateway:
		return s.streamOpenAIStyle(ctx, s.Endpoints.Gateway, GatewayKey(apiKey), model, messages, system, onDelta)
	case provider.OpenAI:
		if apiKey == "" {
			return ErrNotConfigured
		}
		return s.streamOpenAIStyle(ctx, s.Endpoints.OpenAI, apiKey, model, messages, system, onDelta)
	case provider.Anthropic:
		if apiKey == "" {
			return ErrNotConfigured
		}
		return s.streamAnthropic(ctx, model, apiKey, messages, system, onDelta)
	case provider.Google:
		if apiKey == "" {
			return ErrNotConfigured
		}
		return s.streamGoogle(ctx, model, apiKey, messages, system, onDelta)
	default:
		return fmt.Errorf("provider %q is not a cloud provider", p)
	}
}

// openRequest issues a streaming POST and returns the open body.
func openRequest(ctx context.Context, url string, body any, header http.Header) (io.ReadCloser, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := sharedStreamingClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, errorFromResponse(resp)
	}
	return resp.Body, nil
}

// =============================================================================
// OPENAI-SHAPED PATH (gateway and OpenAI)
// =============================================================================

// openaiChatRequest is the chat completions request body.
type openaiChatRequest struct {
	Model    string         `json:"model"`
	Messages []chat.Message `json:"messages"`
	Stream   bool           `json:"stream"`
}

// openaiChunk is one streamed completion delta.
type openaiChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// streamOpenAIStyle drives the gateway and OpenAI wire protocol:
// "data:" events carrying completion chunks, terminated by [DONE].
func (s *Streamer) streamOpenAIStyle(ctx context.Context, base, apiKey, model string, messages []chat.Message, system string, onDelta DeltaFunc) error {
	header := http.Header{}
	if apiKey != "" {
		header.Set("Authorization", "Bearer "+apiKey)
	}

	body, err := openRequest(ctx, base+"/chat/completions", openaiChatRequest{
		Model:    model,
		Messages: withSystem(messages, system),
		Stream:   true,
	}, header)
	if err != nil {
		return err
	}
	defer body.Close()

	reader := sse.NewReader(body)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		ev, err := reader.Next()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if bytes.Equal(ev.Data, []byte("[DONE]")) {
			return nil
		}

		var chunk openaiChunk
		if err := json.Unmarshal(ev.Data, &chunk); err != nil {
			// Skip malformed chunks.
			continue
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				onDelta(choice.Delta.Content)
			}
		}
	}
}

// withSystem prepends a system message when one is provided.
func withSystem(messages []chat.Message, system string) []chat.Message {
	if system == "" {
		return messages
	}
	out := make([]chat.Message, 0, len(messages)+1)
	out = append(out, chat.NewSystemMessage(system))
	return append(out, messages...)
}

// =============================================================================
// ANTHROPIC PATH
// =============================================================================

// anthropicVersion is the required API version header value.
const anthropicVersion = "2023-06-01"

// anthropicMaxTokens caps assistant replies on the direct Anthropic
// path, which mandates the field.
const anthropicMaxTokens = 4096

// anthropicRequest is the messages API request body.
type anthropicRequest struct {
	Model     string         `json:"model"`
	System    string         `json:"system,omitempty"`
	Messages  []chat.Message `json:"messages"`
	MaxTokens int            `json:"max_tokens"`
	Stream    bool           `json:"stream"`
}

// anthropicEvent is the union of streamed event payloads we care
// about: text deltas and mid-stream errors.
type anthropicEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// streamAnthropic drives the Anthropic messages protocol: typed SSE
// events where text arrives in content_block_delta frames.
func (s *Streamer) streamAnthropic(ctx context.Context, model, apiKey string, messages []chat.Message, system string, onDelta DeltaFunc) error {
	header := http.Header{}
	header.Set("x-api-key", apiKey)
	header.Set("anthropic-version", anthropicVersion)

	body, err := openRequest(ctx, s.Endpoints.Anthropic+"/messages", anthropicRequest{
		Model:     model,
		System:    system,
		Messages:  messages,
		MaxTokens: anthropicMaxTokens,
		Stream:    true,
	}, header)
	if err != nil {
		return err
	}
	defer body.Close()

	reader := sse.NewReader(body)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		ev, err := reader.Next()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		var event anthropicEvent
		if err := json.Unmarshal(ev.Data, &event); err != nil {
			continue
		}
		switch event.Type {
		case "content_block_delta":
			if event.Delta.Text != "" {
				onDelta(event.Delta.Text)
			}
		case "error":
			return fmt.Errorf("anthropic stream error: %s", event.Error.Message)
		case "message_stop":
			return nil
		}
	}
}

// =============================================================================
// GOOGLE PATH
// =============================================================================

// googlePart is one text fragment of a content block.
type googlePart struct {
	Text string `json:"text"`
}

// googleContent is one turn in Google's contents format.
type googleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []googlePart `json:"parts"`
}

// googleRequest is the streamGenerateContent request body.
type googleRequest struct {
	SystemInstruction *googleContent  `json:"systemInstruction,omitempty"`
	Contents          []googleContent `json:"contents"`
}

// googleChunk is one streamed candidate frame.
type googleChunk struct {
	Candidates []struct {
		Content googleContent `json:"content"`
	} `json:"candidates"`
}

// streamGoogle drives Google's generate-content protocol: SSE frames
// of candidate content, no explicit terminator.
func (s *Streamer) streamGoogle(ctx context.Context, model, apiKey string, messages []chat.Message, system string, onDelta DeltaFunc) error {
	endpoint := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s",
		s.Endpoints.Google, url.PathEscape(model), url.QueryEscape(apiKey))

	req := googleRequest{Contents: toGoogleContents(messages)}
	if system != "" {
		req.SystemInstruction = &googleContent{Parts: []googlePart{{Text: system}}}
	}

	body, err := openRequest(ctx, endpoint, req, http.Header{})
	if err != nil {
		return err
	}
	defer body.Close()

	reader := sse.NewReader(body)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		ev, err := reader.Next()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		var chunk googleChunk
		if err := json.Unmarshal(ev.Data, &chunk); err != nil {
			continue
		}
		for _, cand := range chunk.Candidates {
			for _, part := range cand.Content.Parts {
				if part.Text != "" {
					onDelta(part.Text)
				}
			}
		}
	}
}

// toGoogleContents converts chat history to Google's role vocabulary,
// where the assistant role is called "model".
func toGoogleContents(messages []chat.Message) []googleContent {
	out := make([]googleContent, 0, len(messages))
	for _, m := range messages {
		role := m.Role
		if role == chat.RoleAssistant {
			role = "model"
		}
		out = append(out, googleContent{
			Role:  role,
			Parts: []googlePart{{Text: m.Content}},
		})
	}
	return out
}
