// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/marginalia/internal/chat"
	"github.com/jeranaias/marginalia/internal/provider"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenAt(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLoadConfigDefaultsWhenEmpty(t *testing.T) {
	s := openTestStore(t)

	cfg := s.LoadConfig(context.Background())
	assert.Equal(t, provider.DefaultConfig(), cfg)
}

func TestConfigRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	want := provider.AIConfig{
		Provider: provider.Anthropic,
		Model:    "claude-3-5-sonnet-20241022",
		APIKey:   "sk-ant-secret",
	}
	require.NoError(t, s.SaveConfig(ctx, want))

	got := s.LoadConfig(ctx)
	assert.Equal(t, want, got)
}

func TestAPIKeyEncryptedAtRest(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenAt(dir)
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	cfg := provider.AIConfig{
		Provider: provider.OpenAI,
		Model:    "gpt-4o-mini",
		APIKey:   "sk-plaintext-never-on-disk",
	}
	require.NoError(t, s.SaveConfig(ctx, cfg))
	require.NoError(t, s.Close())

	// The raw database file must not contain the plaintext key.
	for _, name := range []string{"marginalia.db", "marginalia.db-wal"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		assert.NotContains(t, string(data), cfg.APIKey, "%s leaks plaintext key", name)
	}
}

func TestLoadConfigDegradesOnUnknownProvider(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)`,
		settingsKey, `{"provider":"mystery","model":"x"}`)
	require.NoError(t, err)

	assert.Equal(t, provider.DefaultConfig(), s.LoadConfig(ctx))
}

func TestLoadConfigDegradesOnCorruptRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)`,
		settingsKey, `{{{not json`)
	require.NoError(t, err)

	assert.Equal(t, provider.DefaultConfig(), s.LoadConfig(ctx))
}

func TestChatCacheRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	messages := []chat.Message{
		chat.NewUserMessage("what is this article about?"),
		chat.NewAssistantMessage("it covers tidal ecosystems"),
	}
	require.NoError(t, s.CacheChat(ctx, "doc-42", messages))

	got, err := s.LoadChat(ctx, "doc-42")
	require.NoError(t, err)
	assert.Equal(t, messages, got)

	// Overwrite replaces, not appends.
	require.NoError(t, s.CacheChat(ctx, "doc-42", messages[:1]))
	got, err = s.LoadChat(ctx, "doc-42")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestLoadChatNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.LoadChat(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteChat(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CacheChat(ctx, "doc-1", []chat.Message{chat.NewUserMessage("hi")}))
	require.NoError(t, s.DeleteChat(ctx, "doc-1"))

	_, err := s.LoadChat(ctx, "doc-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestKeyCipherRoundTrip(t *testing.T) {
	c, err := loadKeyCipher(filepath.Join(t.TempDir(), "store.key"))
	require.NoError(t, err)

	enc, err := c.encrypt("sk-12345")
	require.NoError(t, err)
	assert.NotContains(t, enc, "sk-12345")

	plain, err := c.decrypt(enc)
	require.NoError(t, err)
	assert.Equal(t, "sk-12345", plain)
}

func TestKeyCipherStableAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.key")

	c1, err := loadKeyCipher(path)
	require.NoError(t, err)
	enc, err := c1.encrypt("secret")
	require.NoError(t, err)

	// A second load of the same key file must decrypt the first
	// cipher's output.
	c2, err := loadKeyCipher(path)
	require.NoError(t, err)
	plain, err := c2.decrypt(enc)
	require.NoError(t, err)
	assert.Equal(t, "secret", plain)
}
