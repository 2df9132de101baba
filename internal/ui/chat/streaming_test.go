// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStreamingBufferBatchesBySize(t *testing.T) {
	sb := NewStreamingBuffer()

	// Below both thresholds: nothing flushes.
	sb.Write("a")
	content, ok := sb.Flush()
	assert.False(t, ok)
	assert.Empty(t, content)
	assert.Equal(t, 1, sb.Pending())

	// Crossing the batch size releases everything.
	for i := 0; i < defaultBatchSize; i++ {
		sb.Write("b")
	}
	content, ok = sb.Flush()
	assert.True(t, ok)
	assert.Equal(t, "a"+strings.Repeat("b", defaultBatchSize), content)
	assert.Zero(t, sb.Pending())
}

func TestStreamingBufferBatchesByTime(t *testing.T) {
	sb := NewStreamingBuffer()
	sb.Write("slow")

	time.Sleep(defaultFlushInterval + 5*time.Millisecond)

	content, ok := sb.Flush()
	assert.True(t, ok)
	assert.Equal(t, "slow", content)
}

func TestStreamingBufferForceFlush(t *testing.T) {
	sb := NewStreamingBuffer()

	_, ok := sb.ForceFlush()
	assert.False(t, ok, "empty buffer has nothing to force")

	sb.Write("tail")
	content, ok := sb.ForceFlush()
	assert.True(t, ok)
	assert.Equal(t, "tail", content)
}

func TestStreamingBufferReset(t *testing.T) {
	sb := NewStreamingBuffer()
	sb.Write("discarded")
	sb.Reset()

	_, ok := sb.ForceFlush()
	assert.False(t, ok)
	assert.Zero(t, sb.Pending())
}
