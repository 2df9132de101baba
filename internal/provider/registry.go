// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package provider defines the closed set of AI backends marginalia can
// talk to, their static metadata, and the resolver that turns a
// (provider, model, key) triple into a callable language model handle.
//
// The set is fixed at process start: one routing gateway, three direct
// cloud APIs, and three local CLI tools reached through the bridge
// daemon. Everything here is a pure lookup table with no side effects.
package provider

// Provider identifies one of the supported AI backends.
type Provider string

// The supported providers.
const (
	Gateway   Provider = "gateway"
	OpenAI    Provider = "openai"
	Anthropic Provider = "anthropic"
	Google    Provider = "google"
	ClaudeCLI Provider = "claude-cli"
	CodexCLI  Provider = "codex-cli"
	GeminiCLI Provider = "gemini-cli"
)

// Info holds the static metadata for one provider.
type Info struct {
	// Label is the human-readable display name.
	Label string

	// RequiresKey is true when chat cannot start without a caller
	// credential. The gateway accepts an optional key (an environment
	// fallback may cover it); locals never need one.
	RequiresKey bool

	// Local routes requests to the CLI bridge instead of a cloud API.
	Local bool

	// CLITool is the bridge tool name for local providers.
	CLITool string

	// FallbackModels is the static model list used when live discovery
	// fails or is unavailable. The first entry is the default model.
	FallbackModels []string
}

// registry is the authoritative provider table.
var registry = map[Provider]Info{
	Gateway: {
		Label: "AI Gateway",
		FallbackModels: []string{
			"openai/gpt-4o-mini",
			"anthropic/claude-3.5-sonnet",
			"google/gemini-1.5-flash",
			"openai/gpt-4o",
		},
	},
	OpenAI: {
		Label:       "OpenAI",
		RequiresKey: true,
		FallbackModels: []string{
			"gpt-4o-mini",
			"gpt-4o",
			"gpt-4.1-mini",
			"o3-mini",
		},
	},
	Anthropic: {
		Label:       "Anthropic",
		RequiresKey: true,
		FallbackModels: []string{
			"claude-3-5-sonnet-20241022",
			"claude-3-5-haiku-20241022",
			"claude-3-opus-20240229",
		},
	},
	Google: {
		Label:       "Google",
		RequiresKey: true,
		FallbackModels: []string{
			"gemini-1.5-flash",
			"gemini-1.5-pro",
			"gemini-2.0-flash",
		},
	},
	ClaudeCLI: {
		Label:          "Claude CLI",
		Local:          true,
		CLITool:        "claude",
		FallbackModels: []string{"claude-local"},
	},
	CodexCLI: {
		Label:          "Codex CLI",
		Local:          true,
		CLITool:        "codex",
		FallbackModels: []string{"codex-local"},
	},
	GeminiCLI: {
		Label:          "Gemini CLI",
		Local:          true,
		CLITool:        "gemini",
		FallbackModels: []string{"gemini-local"},
	},
}

// order fixes the display order for All.
var order = []Provider{Gateway, OpenAI, Anthropic, Google, ClaudeCLI, CodexCLI, GeminiCLI}

// All returns every provider in display order.
func All() []Provider {
	out := make([]Provider, len(order))
	copy(out, order)
	return out
}

// Lookup returns the metadata for a provider.
func Lookup(p Provider) (Info, bool) {
	info, ok := registry[p]
	return info, ok
}

// Known reports whether p is a member of the closed provider set.
func Known(p Provider) bool {
	_, ok := registry[p]
	return ok
}

// Label returns the display label for a provider, or the raw identifier
// for an unknown one.
func Label(p Provider) string {
	if info, ok := registry[p]; ok {
		return info.Label
	}
	return string(p)
}

// DefaultModel returns the first entry of the provider's fallback list.
func DefaultModel(p Provider) string {
	info, ok := registry[p]
	if !ok || len(info.FallbackModels) == 0 {
		return ""
	}
	return info.FallbackModels[0]
}

// FallbackModels returns a copy of the provider's static model list.
func FallbackModels(p Provider) []string {
	info, ok := registry[p]
	if !ok {
		return nil
	}
	out := make([]string, len(info.FallbackModels))
	copy(out, info.FallbackModels)
	return out
}

// RequiresCredential reports whether chat requires a caller-supplied key.
func RequiresCredential(p Provider) bool {
	info, ok := registry[p]
	return ok && info.RequiresKey
}

// IsLocal reports whether the provider is routed to the CLI bridge.
func IsLocal(p Provider) bool {
	info, ok := registry[p]
	return ok && info.Local
}

// CLITool returns the bridge tool name for a local provider, or "" for
// cloud providers.
func CLITool(p Provider) string {
	info, ok := registry[p]
	if !ok {
		return ""
	}
	return info.CLITool
}

// LocalPlaceholder returns the synthetic model identifier that means
// "let the CLI tool pick its own model". The bridge omits the model
// field entirely when it sees this value.
func LocalPlaceholder(p Provider) string {
	tool := CLITool(p)
	if tool == "" {
		return ""
	}
	return tool + "-local"
}
