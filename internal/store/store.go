// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store persists assistant settings and an offline chat cache
// in a local SQLite database under the user's data directory.
//
// Settings are stored as a single JSON row; the API key inside it is
// encrypted at rest (see crypto.go). A corrupt or unreadable settings
// row degrades to defaults rather than failing startup.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jeranaias/marginalia/internal/chat"
	"github.com/jeranaias/marginalia/internal/provider"
)

// settingsKey is the fixed row key for the assistant configuration.
const settingsKey = "ai_config"

// busyTimeout is passed to SQLite so concurrent openers wait instead
// of failing immediately.
const busyTimeout = 5 * time.Second

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is a SQLite-backed settings and chat cache.
type Store struct {
	db     *sql.DB
	cipher *keyCipher
}

// Open opens (creating if needed) the database at
// ~/.marginalia/marginalia.db with its key material alongside.
func Open() (*Store, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return OpenAt(filepath.Join(home, ".marginalia"))
}

// OpenAt opens the database inside the given directory.
func OpenAt(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}

	cipher, err := loadKeyCipher(filepath.Join(dir, "store.key"))
	if err != nil {
		return nil, fmt.Errorf("failed to load key material: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)",
		filepath.Join(dir, "marginalia.db"), busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	s := &Store{db: db, cipher: cipher}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the schema if it does not exist yet.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS settings (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS chats (
			doc_id     TEXT PRIMARY KEY,
			messages   TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
	`)
	return err
}

// =============================================================================
// SETTINGS
// =============================================================================

// storedConfig is the on-disk shape of the assistant configuration.
// The key field holds ciphertext, never the plaintext key.
type storedConfig struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	EncryptedKey string `json:"encryptedKey,omitempty"`
}

// LoadConfig returns the persisted assistant configuration. A missing,
// corrupt, or undecryptable row yields the default configuration.
func (s *Store) LoadConfig(ctx context.Context) provider.AIConfig {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, settingsKey).Scan(&raw)
	if err != nil {
		return provider.DefaultConfig()
	}

	var stored storedConfig
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return provider.DefaultConfig()
	}
	if !provider.Known(provider.Provider(stored.Provider)) {
		return provider.DefaultConfig()
	}

	cfg := provider.AIConfig{
		Provider: provider.Provider(stored.Provider),
		Model:    stored.Model,
	}
	if cfg.Model == "" {
		cfg.Model = provider.DefaultModel(cfg.Provider)
	}
	if stored.EncryptedKey != "" {
		key, err := s.cipher.decrypt(stored.EncryptedKey)
		if err == nil {
			cfg.APIKey = key
		}
	}
	return cfg
}

// SaveConfig persists the assistant configuration, encrypting the API
// key at rest.
func (s *Store) SaveConfig(ctx context.Context, cfg provider.AIConfig) error {
	stored := storedConfig{
		Provider: string(cfg.Provider),
		Model:    cfg.Model,
	}
	if cfg.APIKey != "" {
		enc, err := s.cipher.encrypt(cfg.APIKey)
		if err != nil {
			return fmt.Errorf("failed to encrypt API key: %w", err)
		}
		stored.EncryptedKey = enc
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, settingsKey, string(data))
	return err
}

// =============================================================================
// OFFLINE CHAT CACHE
// =============================================================================

// CacheChat stores a document's chat history locally so it survives
// the persistence backend being unreachable.
func (s *Store) CacheChat(ctx context.Context, docID string, messages []chat.Message) error {
	if docID == "" {
		return errors.New("store: empty document id")
	}
	if messages == nil {
		messages = []chat.Message{}
	}
	data, err := json.Marshal(messages)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chats (doc_id, messages, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(doc_id) DO UPDATE SET
			messages = excluded.messages,
			updated_at = excluded.updated_at
	`, docID, string(data), time.Now().UTC().Format(time.RFC3339))
	return err
}

// LoadChat returns the cached chat history for a document, or
// ErrNotFound when none exists.
func (s *Store) LoadChat(ctx context.Context, docID string) ([]chat.Message, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT messages FROM chats WHERE doc_id = ?`, docID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var messages []chat.Message
	if err := json.Unmarshal([]byte(raw), &messages); err != nil {
		return nil, fmt.Errorf("corrupt cached chat for %s: %w", docID, err)
	}
	return messages, nil
}

// DeleteChat removes a document's cached history.
func (s *Store) DeleteChat(ctx context.Context, docID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chats WHERE doc_id = ?`, docID)
	return err
}
