// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session owns the per-document chat session: the
// authoritative message history, the single in-flight streaming reply,
// and debounced persistence of the history.
//
// One controller exists per open document. Exactly one stream may be
// active at a time; a submit while streaming is rejected, never
// queued, and the caller keeps its input. Persistence is
// fire-and-forget relative to callers, serialized through a debounce
// timer, and skipped when the serialized history matches the last
// durably-saved signature.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/marginalia/internal/chat"
	"github.com/jeranaias/marginalia/internal/provider"
	"github.com/jeranaias/marginalia/internal/router"
)

// Defaults for the persistence cycle.
const (
	// DefaultDebounce is the quiet period before a persistence write.
	DefaultDebounce = 750 * time.Millisecond

	// DefaultHistoryCap is how many recent messages are persisted.
	DefaultHistoryCap = 80

	// persistTimeout bounds one background persistence write.
	persistTimeout = 30 * time.Second
)

// Error variables for rejected submits.
var (
	// ErrEmptyInput indicates the prompt was empty or whitespace.
	ErrEmptyInput = errors.New("prompt is empty")

	// ErrBusy indicates a reply is already streaming. The rejected
	// text is not consumed; the caller keeps it.
	ErrBusy = errors.New("a reply is already streaming")

	// ErrClosed indicates the session has been disposed.
	ErrClosed = errors.New("session is closed")
)

// NotReadyError indicates the configuration cannot issue a request
// yet. Message is the user-facing settings prompt.
type NotReadyError struct {
	Message string
}

// Error implements the error interface.
func (e *NotReadyError) Error() string { return e.Message }

// ChatSaver persists a document's chat history. The persist package
// provides the HTTP implementation; tests supply fakes.
type ChatSaver interface {
	SaveChat(ctx context.Context, docID string, messages []chat.Message) error
}

// Options tune a controller. Zero values take the defaults.
type Options struct {
	Debounce   time.Duration
	HistoryCap int
}

// Controller is the per-document chat session state machine:
// Idle -> Streaming -> (Committing | Aborted) -> Idle.
type Controller struct {
	mu sync.Mutex

	id    string
	docID string

	cfg    provider.AIConfig
	system string

	// history is the authoritative, displayed message list.
	history []chat.Message

	// pending snapshots the history as it existed immediately before
	// the in-flight reply's placeholder was appended. Nil when idle.
	pending []chat.Message

	// lastSaved is the signature of the most recently durably-saved
	// history; it advances only on successful writes.
	lastSaved string

	hydrated  bool
	streaming bool
	closed    bool

	cancel  context.CancelFunc
	lastErr error

	// lastQueued guards at-most-once consumption of external prompts.
	lastQueued string

	stream router.StreamFunc
	saver  ChatSaver

	debounce   time.Duration
	historyCap int
	saveTimer  *time.Timer

	onChange func(history []chat.Message, streaming bool)
	onError  func(err error)
}

// New creates a controller for a document. cfg is injected explicitly;
// the controller never reads ambient settings itself.
func New(docID string, cfg provider.AIConfig, stream router.StreamFunc, saver ChatSaver, opts Options) *Controller {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.HistoryCap <= 0 {
		opts.HistoryCap = DefaultHistoryCap
	}
	return &Controller{
		id:         uuid.NewString(),
		docID:      docID,
		cfg:        cfg,
		stream:     stream,
		saver:      saver,
		debounce:   opts.Debounce,
		historyCap: opts.HistoryCap,
		lastSaved:  chat.Signature(nil),
	}
}

// ID returns the controller's unique identifier.
func (c *Controller) ID() string { return c.id }

// DocumentID returns the current document identity.
func (c *Controller) DocumentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.docID
}

// SetOnChange registers the history-changed callback. It fires outside
// the controller lock.
func (c *Controller) SetOnChange(fn func(history []chat.Message, streaming bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = fn
}

// SetOnError registers the error callback. It fires outside the lock.
func (c *Controller) SetOnError(fn func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = fn
}

// History returns a copy of the displayed message list.
func (c *Controller) History() []chat.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return chat.Clone(c.history)
}

// Streaming reports whether a reply is in flight.
func (c *Controller) Streaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streaming
}

// LastError returns the most recent stream or configuration error, or
// nil. Cleared on the next accepted submit.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Config returns the current assistant configuration.
func (c *Controller) Config() provider.AIConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// SetConfig replaces the assistant configuration. It does not affect a
// stream already in flight.
func (c *Controller) SetConfig(cfg provider.AIConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
}

// SetSystemPrompt sets the system prompt used for subsequent submits.
func (c *Controller) SetSystemPrompt(system string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.system = system
}

// =============================================================================
// SUBMIT AND STREAMING
// =============================================================================

// Submit appends the user's prompt and starts the streaming reply.
//
// Rejections never consume the input: ErrEmptyInput for blank text,
// ErrBusy while a reply streams, and NotReadyError (with a settings
// prompt) when a credentialed provider has no key.
func (c *Controller) Submit(ctx context.Context, text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ErrEmptyInput
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.streaming {
		c.mu.Unlock()
		return ErrBusy
	}
	if !c.cfg.Ready() {
		err := &NotReadyError{Message: provider.MissingKeyMessage(c.cfg.Provider)}
		c.lastErr = err
		c.mu.Unlock()
		return err
	}

	c.lastErr = nil
	c.history = append(c.history, chat.NewUserMessage(trimmed))
	c.pending = chat.Clone(c.history)
	c.history = append(c.history, chat.NewAssistantMessage(""))
	c.streaming = true

	sctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	cfg := c.cfg
	system := c.system
	messages := chat.Clone(c.pending)
	c.mu.Unlock()

	c.notifyChange()
	go c.runStream(sctx, cfg, messages, system)
	return nil
}

// QueuePrompt submits an externally supplied prompt as if the user had
// typed and sent it. A value equal to the previously queued one is
// ignored, so re-supplying the same prompt across renders submits at
// most once. Rejection rules are identical to Submit; a rejected prompt
// is not recorded, so it may be re-supplied once the session can take
// it.
func (c *Controller) QueuePrompt(ctx context.Context, text string) error {
	c.mu.Lock()
	if text == "" || text == c.lastQueued {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.Submit(ctx, text); err != nil {
		return err
	}

	c.mu.Lock()
	c.lastQueued = text
	c.mu.Unlock()
	return nil
}

// Stop cancels the in-flight reply. The underlying transport is
// cancelled and the history reverts to the pending snapshot; no
// "stopped" marker is appended.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.streaming {
		c.mu.Unlock()
		return
	}
	c.streaming = false
	cancel := c.cancel
	c.cancel = nil
	c.history = c.pending
	c.pending = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.notifyChange()
	c.scheduleSave()
}

// runStream drives one streaming reply to completion.
func (c *Controller) runStream(ctx context.Context, cfg provider.AIConfig, messages []chat.Message, system string) {
	var acc strings.Builder

	err := c.stream(ctx, cfg, messages, system, func(delta string) {
		c.mu.Lock()
		if !c.streaming {
			// Stopped while the delta was in flight.
			c.mu.Unlock()
			return
		}
		acc.WriteString(delta)
		// Full replace of the placeholder so out-of-order renders
		// never show stale partial text.
		c.history = append(chat.Clone(c.pending), chat.NewAssistantMessage(acc.String()))
		c.mu.Unlock()
		c.notifyChange()
	})

	c.mu.Lock()
	if !c.streaming {
		// Stop or Close already reverted the history.
		c.mu.Unlock()
		return
	}
	c.streaming = false
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}

	switch {
	case err == nil:
		// Committing: pending snapshot plus the finished reply.
		c.history = append(chat.Clone(c.pending), chat.NewAssistantMessage(acc.String()))
		c.pending = nil
		c.mu.Unlock()
		c.notifyChange()
		c.scheduleSave()
	case errors.Is(err, context.Canceled):
		// Cancelled from outside; treat like a stop.
		c.history = c.pending
		c.pending = nil
		c.mu.Unlock()
		c.notifyChange()
		c.scheduleSave()
	default:
		// Aborted: the partial reply is unverified output, drop it.
		c.history = c.pending
		c.pending = nil
		c.lastErr = err
		c.mu.Unlock()
		c.notifyError(err)
		c.notifyChange()
		c.scheduleSave()
	}
}

// =============================================================================
// HYDRATION
// =============================================================================

// Hydrate reconciles the session with persisted state.
//
// A document identity change always replaces in-memory state. For the
// same document, a persisted history whose signature equals the local
// one is an echo of our own prior write and is ignored; otherwise the
// persisted history wins only when no unsynced local edits exist.
func (c *Controller) Hydrate(docID string, persisted []chat.Message) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	if docID != c.docID || !c.hydrated {
		cancel := c.cancel
		c.cancel = nil
		c.streaming = false
		c.docID = docID
		c.history = chat.Clone(persisted)
		c.pending = nil
		c.lastSaved = chat.Signature(persisted)
		c.lastErr = nil
		c.lastQueued = ""
		c.hydrated = true
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		c.notifyChange()
		return
	}

	incoming := chat.Signature(persisted)
	local := chat.Signature(c.history)
	if incoming == local {
		// Echo of our own write; nothing to do.
		c.mu.Unlock()
		return
	}
	if c.streaming || local != c.lastSaved {
		// Unsynced local edits take precedence.
		c.mu.Unlock()
		return
	}

	c.history = chat.Clone(persisted)
	c.lastSaved = incoming
	c.mu.Unlock()
	c.notifyChange()
}

// =============================================================================
// PERSISTENCE
// =============================================================================

// scheduleSave (re)starts the debounce timer. A new settled mutation
// within the quiet period restarts it.
func (c *Controller) scheduleSave() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.saveTimer != nil {
		c.saveTimer.Stop()
	}
	c.saveTimer = time.AfterFunc(c.debounce, func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		c.flush(ctx, true)
	})
}

// Flush forces an immediate persistence write if one is owed.
func (c *Controller) Flush(ctx context.Context) error {
	return c.flush(ctx, false)
}

// flush performs one signature-guarded persistence write. A failed
// write leaves the signature unchanged so the next cycle retries it.
func (c *Controller) flush(ctx context.Context, report bool) error {
	c.mu.Lock()
	if c.streaming {
		// Only settled histories are persisted; the commit after the
		// stream reschedules.
		c.mu.Unlock()
		return nil
	}
	snapshot := chat.Clone(chat.Tail(c.history, c.historyCap))
	sig := chat.Signature(snapshot)
	if sig == c.lastSaved {
		c.mu.Unlock()
		return nil
	}
	docID := c.docID
	c.mu.Unlock()

	if err := c.saver.SaveChat(ctx, docID, snapshot); err != nil {
		wrapped := fmt.Errorf("failed to save chat history: %w", err)
		if report {
			c.notifyError(wrapped)
		}
		return wrapped
	}

	c.mu.Lock()
	c.lastSaved = sig
	c.mu.Unlock()
	return nil
}

// Close disposes the session. An in-flight stream is cancelled and a
// final best-effort write is issued without blocking teardown; its
// failure is swallowed since there is no retry opportunity left.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.saveTimer != nil {
		c.saveTimer.Stop()
		c.saveTimer = nil
	}
	cancel := c.cancel
	c.cancel = nil
	if c.streaming {
		c.streaming = false
		c.history = c.pending
		c.pending = nil
	}
	snapshot := chat.Clone(chat.Tail(c.history, c.historyCap))
	sig := chat.Signature(snapshot)
	owed := sig != c.lastSaved
	docID := c.docID
	saver := c.saver
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if owed {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
			defer cancel()
			_ = saver.SaveChat(ctx, docID, snapshot)
		}()
	}
}

// =============================================================================
// CALLBACKS
// =============================================================================

// notifyChange fires the history callback outside the lock.
func (c *Controller) notifyChange() {
	c.mu.Lock()
	fn := c.onChange
	history := chat.Clone(c.history)
	streaming := c.streaming
	c.mu.Unlock()
	if fn != nil {
		fn(history, streaming)
	}
}

// notifyError fires the error callback outside the lock.
func (c *Controller) notifyError(err error) {
	c.mu.Lock()
	fn := c.onError
	c.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}
