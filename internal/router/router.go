// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package router dispatches chat requests to the right transport.
//
// Local providers go to the CLI bridge daemon; everything else goes to
// a cloud streaming client. Both paths are normalized to the same
// incremental delta callback, so the session controller and the HTTP
// server never care which one served a request.
package router

import (
	"context"
	"io"

	"github.com/jeranaias/marginalia/internal/bridge"
	"github.com/jeranaias/marginalia/internal/chat"
	"github.com/jeranaias/marginalia/internal/cloud"
	"github.com/jeranaias/marginalia/internal/provider"
)

// readBufSize is the chunk size for draining bridge streams.
const readBufSize = 4096

// StreamFunc is the uniform streaming contract both the session
// controller and the HTTP server consume.
type StreamFunc func(ctx context.Context, cfg provider.AIConfig, messages []chat.Message, system string, onDelta func(string)) error

// Router picks the bridge or cloud path per request.
type Router struct {
	cloud  *cloud.Streamer
	bridge *bridge.Client
}

// New creates a router over the given transports.
func New(c *cloud.Streamer, b *bridge.Client) *Router {
	return &Router{cloud: c, bridge: b}
}

// Stream issues one streaming chat request and invokes onDelta for
// every piece of assistant text. It blocks until the stream finishes
// or fails; cancel through ctx.
func (r *Router) Stream(ctx context.Context, cfg provider.AIConfig, messages []chat.Message, system string, onDelta func(string)) error {
	if provider.IsLocal(cfg.Provider) {
		return r.streamLocal(ctx, cfg, messages, system, onDelta)
	}
	return r.cloud.Stream(ctx, cfg.Provider, cfg.Model, cfg.APIKey, messages, system, cloud.DeltaFunc(onDelta))
}

// streamLocal drains a translated bridge stream into delta callbacks.
func (r *Router) streamLocal(ctx context.Context, cfg provider.AIConfig, messages []chat.Message, system string, onDelta func(string)) error {
	rc, err := r.bridge.OpenStream(ctx, cfg.Provider, cfg.Model, messages, system)
	if err != nil {
		return err
	}
	defer rc.Close()

	buf := make([]byte, readBufSize)
	for {
		n, err := rc.Read(buf)
		if n > 0 {
			onDelta(string(buf[:n]))
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}
