// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jeranaias/marginalia/internal/sse"
)

// =============================================================================
// STREAM TRANSLATION
// =============================================================================

// translator pumps bridge events from the HTTP body onto the pipe.
// It is driven purely by the transport's demand signal: no polling,
// no backpressure of its own. Bytes are forwarded as fast as produced
// and as fast as the consumer reads them.
type translator struct {
	body        io.ReadCloser
	pw          *io.PipeWriter
	ctx         context.Context
	cancel      context.CancelFunc
	idleTimeout time.Duration
}

// run reads events until the daemon closes the connection, a recorded
// error comes due, or the consumer cancels.
//
// Error priority: an {"error"} event is not surfaced immediately but
// recorded, and the stream is aborted with it at the top of the next
// tick. This guarantees the error wins over both later text events and
// an orderly close that follows it.
func (t *translator) run() {
	defer t.cancel()
	defer t.body.Close()

	var idle *time.Timer
	var idleFired atomic.Bool
	if t.idleTimeout > 0 {
		idle = time.AfterFunc(t.idleTimeout, func() {
			idleFired.Store(true)
			t.cancel()
		})
		defer idle.Stop()
	}

	reader := sse.NewReader(t.body)
	var pending error

	for {
		if pending != nil {
			t.pw.CloseWithError(pending)
			return
		}

		ev, err := reader.Next()
		if err != nil {
			switch {
			case err == io.EOF:
				// Clean close and no recorded error.
				t.pw.Close()
			case idleFired.Load():
				t.pw.CloseWithError(ErrIdleTimeout)
			case t.ctx.Err() != nil:
				t.pw.CloseWithError(t.ctx.Err())
			default:
				t.pw.CloseWithError(err)
			}
			return
		}
		if idle != nil {
			idle.Reset(t.idleTimeout)
		}

		// End-of-stream is signaled by the transport closing, not by
		// the [DONE] marker.
		if bytes.Equal(ev.Data, []byte("[DONE]")) {
			continue
		}

		var payload eventPayload
		if err := json.Unmarshal(ev.Data, &payload); err != nil {
			// Keepalive noise from the CLI tool; drop it.
			continue
		}

		if payload.Error != "" {
			pending = &StreamError{Message: payload.Error}
			continue
		}
		if payload.Text == "" {
			continue
		}

		if _, err := t.pw.Write([]byte(payload.Text)); err != nil {
			// Consumer closed its end.
			return
		}
	}
}

// streamReader is the consumer-facing half of the translated stream.
// Close cancels the underlying HTTP response reader so the local
// process is actually released.
type streamReader struct {
	r      *io.PipeReader
	cancel context.CancelFunc
	once   sync.Once
}

// Read implements io.Reader.
func (s *streamReader) Read(p []byte) (int, error) {
	return s.r.Read(p)
}

// Close implements io.Closer. Safe to call more than once.
func (s *streamReader) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.r.Close()
	})
	return nil
}
