// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// =============================================================================
// STREAMING BUFFER
// =============================================================================

// StreamingBuffer batches reply deltas for rendering. Deltas arrive
// from the session goroutine far faster than a terminal can repaint;
// the buffer accumulates them and releases a batch when either enough
// deltas have arrived or the frame interval has elapsed.
type StreamingBuffer struct {
	mu        sync.Mutex
	buffer    strings.Builder
	count     int
	lastFlush time.Time

	batchSize     int
	flushInterval time.Duration
}

// Default pacing: flush every 15 deltas or at 30fps, whichever first.
const (
	defaultBatchSize     = 15
	defaultFlushInterval = 33 * time.Millisecond
)

// NewStreamingBuffer creates a buffer with default pacing.
func NewStreamingBuffer() *StreamingBuffer {
	return &StreamingBuffer{
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
		lastFlush:     time.Now(),
	}
}

// Write adds a delta. Called from the session goroutine.
func (sb *StreamingBuffer) Write(delta string) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.buffer.WriteString(delta)
	sb.count++
}

// Flush returns the accumulated content when a batch is due. Called
// from the Bubble Tea loop on each stream tick.
func (sb *StreamingBuffer) Flush() (string, bool) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if sb.buffer.Len() == 0 || !sb.dueLocked() {
		return "", false
	}
	return sb.takeLocked(), true
}

// ForceFlush drains the buffer regardless of pacing. Used when the
// stream ends so the tail of the reply is never lost.
func (sb *StreamingBuffer) ForceFlush() (string, bool) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if sb.buffer.Len() == 0 {
		return "", false
	}
	return sb.takeLocked(), true
}

// Reset discards buffered content, for stop or a new submit.
func (sb *StreamingBuffer) Reset() {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.buffer.Reset()
	sb.count = 0
	sb.lastFlush = time.Now()
}

// Pending returns the number of unflushed deltas.
func (sb *StreamingBuffer) Pending() int {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.count
}

func (sb *StreamingBuffer) dueLocked() bool {
	return sb.count >= sb.batchSize || time.Since(sb.lastFlush) >= sb.flushInterval
}

func (sb *StreamingBuffer) takeLocked() string {
	content := sb.buffer.String()
	sb.buffer.Reset()
	sb.count = 0
	sb.lastFlush = time.Now()
	return content
}

// =============================================================================
// STREAM TICK
// =============================================================================

// StreamTickMsg paces streaming repaints.
type StreamTickMsg struct {
	Time time.Time
}

// streamTickCmd schedules the next streaming repaint.
func streamTickCmd() tea.Cmd {
	return tea.Tick(defaultFlushInterval, func(t time.Time) tea.Msg {
		return StreamTickMsg{Time: t}
	})
}
