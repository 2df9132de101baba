// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/marginalia/internal/chat"
	"github.com/jeranaias/marginalia/internal/provider"
	"github.com/jeranaias/marginalia/internal/router"
)

// fakeSaver records SaveChat calls.
type fakeSaver struct {
	mu    sync.Mutex
	calls [][]chat.Message
	err   error
}

func (f *fakeSaver) SaveChat(_ context.Context, _ string, messages []chat.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, chat.Clone(messages))
	return nil
}

func (f *fakeSaver) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSaver) last() []chat.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

// scriptedStream emits the given deltas then returns err.
func scriptedStream(deltas []string, err error) router.StreamFunc {
	return func(_ context.Context, _ provider.AIConfig, _ []chat.Message, _ string, onDelta func(string)) error {
		for _, d := range deltas {
			onDelta(d)
		}
		return err
	}
}

// blockingStream emits one delta then waits until release is closed.
func blockingStream(release <-chan struct{}) router.StreamFunc {
	return func(ctx context.Context, _ provider.AIConfig, _ []chat.Message, _ string, onDelta func(string)) error {
		onDelta("partial")
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func readyConfig() provider.AIConfig {
	return provider.AIConfig{
		Provider: provider.OpenAI,
		Model:    "gpt-4o-mini",
		APIKey:   "sk-test",
	}
}

func waitIdle(t *testing.T, c *Controller) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !c.Streaming() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("stream did not settle")
}

func TestSubmitRejectsEmptyInput(t *testing.T) {
	c := New("doc-1", readyConfig(), scriptedStream(nil, nil), &fakeSaver{}, Options{})
	defer c.Close()

	err := c.Submit(context.Background(), "   \n\t")
	assert.ErrorIs(t, err, ErrEmptyInput)
	assert.Empty(t, c.History())
}

func TestSubmitRejectsMissingKey(t *testing.T) {
	cfg := provider.AIConfig{Provider: provider.OpenAI, Model: "gpt-4o-mini"}
	c := New("doc-1", cfg, scriptedStream(nil, nil), &fakeSaver{}, Options{})
	defer c.Close()

	err := c.Submit(context.Background(), "hello")
	var nre *NotReadyError
	require.ErrorAs(t, err, &nre)
	assert.Equal(t, "Add an API key for OpenAI.", nre.Message)
	assert.Empty(t, c.History(), "rejected submit must not consume the prompt")
}

func TestSubmitRejectsWhileStreaming(t *testing.T) {
	release := make(chan struct{})
	c := New("doc-1", readyConfig(), blockingStream(release), &fakeSaver{}, Options{})
	defer c.Close()

	require.NoError(t, c.Submit(context.Background(), "first"))
	err := c.Submit(context.Background(), "second")
	assert.ErrorIs(t, err, ErrBusy)

	close(release)
	waitIdle(t, c)

	history := c.History()
	require.Len(t, history, 2)
	assert.Equal(t, "first", history[0].Content)
}

func TestStreamCommitsFinalReply(t *testing.T) {
	c := New("doc-1", readyConfig(), scriptedStream([]string{"Hel", "lo ", "there"}, nil), &fakeSaver{}, Options{})
	defer c.Close()

	require.NoError(t, c.Submit(context.Background(), "hi"))
	waitIdle(t, c)

	history := c.History()
	require.Len(t, history, 2)
	assert.Equal(t, chat.RoleUser, history[0].Role)
	assert.Equal(t, "hi", history[0].Content)
	assert.Equal(t, chat.RoleAssistant, history[1].Role)
	assert.Equal(t, "Hello there", history[1].Content)
	assert.NoError(t, c.LastError())
}

func TestStreamErrorDropsPlaceholder(t *testing.T) {
	boom := errors.New("upstream failed")
	c := New("doc-1", readyConfig(), scriptedStream([]string{"part"}, boom), &fakeSaver{}, Options{})
	defer c.Close()

	var reported error
	var mu sync.Mutex
	c.SetOnError(func(err error) {
		mu.Lock()
		reported = err
		mu.Unlock()
	})

	require.NoError(t, c.Submit(context.Background(), "hi"))
	waitIdle(t, c)

	history := c.History()
	require.Len(t, history, 1, "partial reply must be dropped")
	assert.Equal(t, chat.RoleUser, history[0].Role)
	assert.ErrorIs(t, c.LastError(), boom)

	mu.Lock()
	defer mu.Unlock()
	assert.ErrorIs(t, reported, boom)
}

func TestStopRevertsToSnapshot(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	c := New("doc-1", readyConfig(), blockingStream(release), &fakeSaver{}, Options{})
	defer c.Close()

	require.NoError(t, c.Submit(context.Background(), "hi"))
	// Wait for the first delta to land.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h := c.History(); len(h) == 2 && h[1].Content == "partial" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	c.Stop()
	history := c.History()
	require.Len(t, history, 1)
	assert.Equal(t, "hi", history[0].Content)
	assert.False(t, c.Streaming())
}

func TestFlushSkipsUnchangedSignature(t *testing.T) {
	saver := &fakeSaver{}
	c := New("doc-1", readyConfig(), scriptedStream([]string{"ok"}, nil), saver, Options{Debounce: time.Hour})
	defer c.Close()

	require.NoError(t, c.Submit(context.Background(), "hi"))
	waitIdle(t, c)

	require.NoError(t, c.Flush(context.Background()))
	assert.Equal(t, 1, saver.count())

	// Same history, same signature: no second write.
	require.NoError(t, c.Flush(context.Background()))
	assert.Equal(t, 1, saver.count())
}

func TestFlushRetriesAfterFailure(t *testing.T) {
	saver := &fakeSaver{err: errors.New("store offline")}
	c := New("doc-1", readyConfig(), scriptedStream([]string{"ok"}, nil), saver, Options{Debounce: time.Hour})
	defer c.Close()

	require.NoError(t, c.Submit(context.Background(), "hi"))
	waitIdle(t, c)

	require.Error(t, c.Flush(context.Background()))

	saver.mu.Lock()
	saver.err = nil
	saver.mu.Unlock()

	require.NoError(t, c.Flush(context.Background()))
	assert.Equal(t, 1, saver.count())
	require.Len(t, saver.last(), 2)
}

func TestFlushCapsPersistedHistory(t *testing.T) {
	saver := &fakeSaver{}
	c := New("doc-1", readyConfig(), scriptedStream([]string{"ok"}, nil), saver, Options{Debounce: time.Hour, HistoryCap: 4})
	defer c.Close()

	for i := 0; i < 4; i++ {
		require.NoError(t, c.Submit(context.Background(), "turn"))
		waitIdle(t, c)
	}
	require.NoError(t, c.Flush(context.Background()))

	persisted := saver.last()
	assert.Len(t, persisted, 4, "persisted history must honor the cap")
	assert.Len(t, c.History(), 8, "in-memory history is not truncated")
}

func TestDebouncedSaveFires(t *testing.T) {
	saver := &fakeSaver{}
	c := New("doc-1", readyConfig(), scriptedStream([]string{"ok"}, nil), saver, Options{Debounce: 20 * time.Millisecond})
	defer c.Close()

	require.NoError(t, c.Submit(context.Background(), "hi"))
	waitIdle(t, c)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if saver.count() == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("debounced save never fired")
}

func TestQueuePromptConsumedOnce(t *testing.T) {
	saver := &fakeSaver{}
	c := New("doc-1", readyConfig(), scriptedStream([]string{"ok"}, nil), saver, Options{Debounce: time.Hour})
	defer c.Close()

	require.NoError(t, c.QueuePrompt(context.Background(), "summarize this"))
	waitIdle(t, c)

	// Re-supplying the same prompt is a no-op, not a re-submit.
	require.NoError(t, c.QueuePrompt(context.Background(), "summarize this"))
	waitIdle(t, c)

	assert.Len(t, c.History(), 2)
}

func TestQueuePromptRetriesAfterRejection(t *testing.T) {
	release := make(chan struct{})
	c := New("doc-1", readyConfig(), blockingStream(release), &fakeSaver{}, Options{Debounce: time.Hour})
	defer c.Close()

	require.NoError(t, c.Submit(context.Background(), "first"))
	assert.ErrorIs(t, c.QueuePrompt(context.Background(), "queued"), ErrBusy)

	close(release)
	waitIdle(t, c)

	// The rejection must not have consumed the prompt.
	require.NoError(t, c.QueuePrompt(context.Background(), "queued"))
	waitIdle(t, c)

	history := c.History()
	require.Len(t, history, 4)
	assert.Equal(t, "queued", history[2].Content)
}

func TestQueuePromptResetsOnDocumentChange(t *testing.T) {
	c := New("doc-1", readyConfig(), scriptedStream([]string{"ok"}, nil), &fakeSaver{}, Options{Debounce: time.Hour})
	defer c.Close()

	require.NoError(t, c.QueuePrompt(context.Background(), "same prompt"))
	waitIdle(t, c)

	c.Hydrate("doc-2", nil)

	// A new document starts fresh; the same text submits again.
	require.NoError(t, c.QueuePrompt(context.Background(), "same prompt"))
	waitIdle(t, c)

	assert.Len(t, c.History(), 2)
}

func TestHydrateReplacesOnDocumentChange(t *testing.T) {
	c := New("doc-1", readyConfig(), scriptedStream([]string{"ok"}, nil), &fakeSaver{}, Options{Debounce: time.Hour})
	defer c.Close()

	require.NoError(t, c.Submit(context.Background(), "hi"))
	waitIdle(t, c)

	persisted := []chat.Message{chat.NewUserMessage("old"), chat.NewAssistantMessage("reply")}
	c.Hydrate("doc-2", persisted)

	assert.Equal(t, "doc-2", c.DocumentID())
	assert.Equal(t, persisted, c.History())
}

func TestHydrateIgnoresEcho(t *testing.T) {
	saver := &fakeSaver{}
	c := New("doc-1", readyConfig(), scriptedStream([]string{"ok"}, nil), saver, Options{Debounce: time.Hour})
	defer c.Close()

	c.Hydrate("doc-1", nil)
	require.NoError(t, c.Submit(context.Background(), "hi"))
	waitIdle(t, c)
	require.NoError(t, c.Flush(context.Background()))

	var changes int
	c.SetOnChange(func([]chat.Message, bool) { changes++ })

	// The server echoes back our own write.
	c.Hydrate("doc-1", c.History())
	assert.Zero(t, changes, "echo hydration must not rewrite state")
}

func TestHydratePreservesUnsyncedEdits(t *testing.T) {
	c := New("doc-1", readyConfig(), scriptedStream([]string{"ok"}, nil), &fakeSaver{}, Options{Debounce: time.Hour})
	defer c.Close()

	c.Hydrate("doc-1", nil)
	require.NoError(t, c.Submit(context.Background(), "hi"))
	waitIdle(t, c)

	// Local history has not been flushed yet; a stale persisted
	// history must not clobber it.
	c.Hydrate("doc-1", []chat.Message{chat.NewUserMessage("stale")})

	history := c.History()
	require.Len(t, history, 2)
	assert.Equal(t, "hi", history[0].Content)
}

func TestHydrateAppliesRemoteUpdateWhenSynced(t *testing.T) {
	saver := &fakeSaver{}
	c := New("doc-1", readyConfig(), scriptedStream([]string{"ok"}, nil), saver, Options{Debounce: time.Hour})
	defer c.Close()

	c.Hydrate("doc-1", nil)
	require.NoError(t, c.Submit(context.Background(), "hi"))
	waitIdle(t, c)
	require.NoError(t, c.Flush(context.Background()))

	remote := []chat.Message{chat.NewUserMessage("from another window")}
	c.Hydrate("doc-1", remote)
	assert.Equal(t, remote, c.History())
}

func TestCloseFlushesOwedHistory(t *testing.T) {
	saver := &fakeSaver{}
	c := New("doc-1", readyConfig(), scriptedStream([]string{"ok"}, nil), saver, Options{Debounce: time.Hour})

	require.NoError(t, c.Submit(context.Background(), "hi"))
	waitIdle(t, c)

	c.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if saver.count() == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 1, saver.count())

	// Closed sessions reject further submits.
	assert.ErrorIs(t, c.Submit(context.Background(), "again"), ErrClosed)
}
