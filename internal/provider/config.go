// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import "fmt"

// AIConfig is the user's current assistant configuration.
//
// It is loaded once at session start from the settings store, mutated
// only by explicit user action, and persisted back on every mutation.
// Model must belong to the provider's current catalog or its fallback
// list; switching providers resets Model to the new default.
type AIConfig struct {
	Provider Provider `json:"provider"`
	Model    string   `json:"model"`
	APIKey   string   `json:"apiKey"`
}

// DefaultConfig returns the configuration used before the user has
// picked anything, and after a corrupt settings read.
func DefaultConfig() AIConfig {
	return AIConfig{
		Provider: Gateway,
		Model:    DefaultModel(Gateway),
	}
}

// WithProvider returns a copy of the config switched to p, with the
// model reset to p's default.
func (c AIConfig) WithProvider(p Provider) AIConfig {
	c.Provider = p
	c.Model = DefaultModel(p)
	return c
}

// Ready reports whether a chat request may be issued with this config.
// Local providers and the gateway are always ready; direct cloud
// providers need a non-empty credential.
func (c AIConfig) Ready() bool {
	return !RequiresCredential(c.Provider) || c.APIKey != ""
}

// MissingKeyMessage is the user-facing explanation for a rejected
// submit on a credentialed provider with no key.
func MissingKeyMessage(p Provider) string {
	return fmt.Sprintf("Add an API key for %s.", Label(p))
}
