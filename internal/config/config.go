// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for
// marginalia.
//
// Configuration is TOML with sensible defaults and environment
// variable overrides. File location: ~/.marginalia/config.toml.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete marginalia configuration.
type Config struct {
	Version string `toml:"version"`

	// AI holds default assistant settings. The sqlite settings store
	// takes precedence once the user has saved a choice there.
	AI AIConfig `toml:"ai"`

	// Server configures the local HTTP API.
	Server ServerConfig `toml:"server"`

	// Bridge configures the local CLI bridge daemon.
	Bridge BridgeConfig `toml:"bridge"`

	// Persist configures the document persistence backend.
	Persist PersistConfig `toml:"persist"`

	// UI configures terminal rendering.
	UI UIConfig `toml:"ui"`
}

// AIConfig contains default assistant provider settings.
type AIConfig struct {
	// Provider is the default provider id, e.g. "gateway" or "openai".
	Provider string `toml:"provider"`
	// Model is the default model id; empty means the provider default.
	Model string `toml:"model"`
	// GatewayURL overrides the gateway base URL.
	GatewayURL string `toml:"gateway_url"`
}

// ServerConfig contains local HTTP API settings.
type ServerConfig struct {
	// Port is the listen port for -serve mode.
	Port int `toml:"port"`
	// RequestsPerSecond bounds inbound request rate (0 = default).
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// BridgeConfig contains local CLI bridge settings.
type BridgeConfig struct {
	// URL is the bridge daemon base URL.
	URL string `toml:"url"`
	// IdleTimeoutSecs aborts a bridge stream after this many seconds
	// without an event. 0 disables the timeout.
	IdleTimeoutSecs int `toml:"idle_timeout_secs"`
}

// PersistConfig contains document persistence settings.
type PersistConfig struct {
	// URL is the document store base URL.
	URL string `toml:"url"`
	// DebounceMs is the quiet period before a chat history write.
	DebounceMs int `toml:"debounce_ms"`
	// HistoryCap is the number of recent messages persisted per chat.
	HistoryCap int `toml:"history_cap"`
}

// UIConfig contains terminal UI settings.
type UIConfig struct {
	// Theme is "dark", "light", or "auto".
	Theme string `toml:"theme"`
	// Markdown enables rendered assistant output.
	Markdown bool `toml:"markdown"`
	// CompactMode tightens vertical spacing.
	CompactMode bool `toml:"compact_mode"`
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Version: "1.0.0",

		AI: AIConfig{
			Provider: "gateway",
			Model:    "",
		},

		Server: ServerConfig{
			Port:              8787,
			RequestsPerSecond: 10,
		},

		Bridge: BridgeConfig{
			URL:             "http://127.0.0.1:3456",
			IdleTimeoutSecs: 0,
		},

		Persist: PersistConfig{
			URL:        "http://127.0.0.1:8788",
			DebounceMs: 750,
			HistoryCap: 80,
		},

		UI: UIConfig{
			Theme:       "dark",
			Markdown:    true,
			CompactMode: false,
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// Dir returns the marginalia configuration directory path.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".marginalia"), nil
}

// Path returns the path to the TOML config file.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// EnsureDir creates the configuration directory if needed.
func EnsureDir() error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o700)
}

// =============================================================================
// LOAD / SAVE
// =============================================================================

// Load reads the config file, applies environment overrides, and
// validates. A missing file yields defaults, not an error.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}
	return LoadFromPath(path)
}

// LoadFromPath loads configuration from an explicit file path.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// No file yet; defaults stand.
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to the default path.
func Save(cfg *Config) error {
	if err := EnsureDir(); err != nil {
		return err
	}
	path, err := Path()
	if err != nil {
		return err
	}
	return SaveToPath(cfg, path)
}

// SaveToPath writes the configuration as TOML to the given path.
func SaveToPath(cfg *Config, path string) error {
	var sb strings.Builder
	sb.WriteString("# marginalia configuration\n\n")
	if err := toml.NewEncoder(&sb).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	// Write-then-rename keeps a partially written file from ever
	// being loaded.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(sb.String()), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variables on top of the
// loaded file:
//   - MARGINALIA_PROVIDER: overrides ai.provider
//   - MARGINALIA_MODEL: overrides ai.model
//   - MARGINALIA_GATEWAY_URL: overrides ai.gateway_url
//   - MARGINALIA_PORT: overrides server.port
//   - MARGINALIA_BRIDGE_URL: overrides bridge.url
//   - MARGINALIA_PERSIST_URL: overrides persist.url
//   - MARGINALIA_THEME: overrides ui.theme
func (c *Config) ApplyEnvOverrides() {
	if p := os.Getenv("MARGINALIA_PROVIDER"); p != "" {
		c.AI.Provider = p
	}
	if m := os.Getenv("MARGINALIA_MODEL"); m != "" {
		c.AI.Model = m
	}
	if u := os.Getenv("MARGINALIA_GATEWAY_URL"); u != "" {
		c.AI.GatewayURL = u
	}
	if p := os.Getenv("MARGINALIA_PORT"); p != "" {
		if port, err := strconv.Atoi(p); err == nil {
			c.Server.Port = port
		}
	}
	if u := os.Getenv("MARGINALIA_BRIDGE_URL"); u != "" {
		c.Bridge.URL = u
	}
	if u := os.Getenv("MARGINALIA_PERSIST_URL"); u != "" {
		c.Persist.URL = u
	}
	if theme := os.Getenv("MARGINALIA_THEME"); theme != "" {
		c.UI.Theme = theme
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError describes a single invalid config field.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// Validate checks the configuration for invalid values and clamps
// recoverable ones to their defaults.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return ValidationError{Field: "server.port", Message: "must be 0-65535"}
	}
	if c.Server.RequestsPerSecond < 0 {
		return ValidationError{Field: "server.requests_per_second", Message: "must not be negative"}
	}
	for field, value := range map[string]string{
		"bridge.url":  c.Bridge.URL,
		"persist.url": c.Persist.URL,
	} {
		if value == "" {
			continue
		}
		if u, err := url.Parse(value); err != nil || u.Scheme == "" || u.Host == "" {
			return ValidationError{Field: field, Message: "must be an absolute URL"}
		}
	}
	if c.Bridge.IdleTimeoutSecs < 0 {
		return ValidationError{Field: "bridge.idle_timeout_secs", Message: "must not be negative"}
	}
	if c.Persist.DebounceMs <= 0 {
		c.Persist.DebounceMs = Default().Persist.DebounceMs
	}
	if c.Persist.HistoryCap <= 0 {
		c.Persist.HistoryCap = Default().Persist.HistoryCap
	}
	switch c.UI.Theme {
	case "dark", "light", "auto", "":
	default:
		return ValidationError{Field: "ui.theme", Message: "must be dark, light, or auto"}
	}
	return nil
}

// Debounce returns persist.debounce_ms as a duration.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Persist.DebounceMs) * time.Millisecond
}

// BridgeIdleTimeout returns the bridge idle timeout, 0 when disabled.
func (c *Config) BridgeIdleTimeout() time.Duration {
	return time.Duration(c.Bridge.IdleTimeoutSecs) * time.Second
}

// =============================================================================
// GLOBAL CONFIG
// =============================================================================

var (
	globalMu  sync.RWMutex
	globalCfg *Config
)

// Global returns the process-wide configuration, loading it on first
// use. Load failures fall back to defaults.
func Global() *Config {
	globalMu.RLock()
	if globalCfg != nil {
		defer globalMu.RUnlock()
		return globalCfg
	}
	globalMu.RUnlock()

	cfg, err := Load()
	if err != nil {
		cfg = Default()
	}
	SetGlobal(cfg)
	return cfg
}

// SetGlobal replaces the process-wide configuration.
func SetGlobal(cfg *Config) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalCfg = cfg
}
