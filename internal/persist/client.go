// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package persist is the client for the document persistence
// collaborator, which owns document storage and exposes a per-document
// resource this subsystem writes chat history into.
package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jeranaias/marginalia/internal/chat"
)

// requestTimeout bounds one persistence write.
const requestTimeout = 30 * time.Second

// maxErrorExcerpt bounds how much of an error body is surfaced.
const maxErrorExcerpt = 300

// Client writes chat history to the document service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a persistence client against the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// chatUpdate is the per-document resource body. Note, tag, and title
// fields live on the same resource but are written elsewhere.
type chatUpdate struct {
	AIChat []chat.Message `json:"aiChat"`
}

// SaveChat replaces the stored chat history for a document.
func (c *Client) SaveChat(ctx context.Context, docID string, messages []chat.Message) error {
	if docID == "" {
		return fmt.Errorf("document id is empty")
	}
	if messages == nil {
		messages = []chat.Message{}
	}

	payload, err := json.Marshal(chatUpdate{AIChat: messages})
	if err != nil {
		return fmt.Errorf("failed to marshal chat history: %w", err)
	}

	endpoint := c.baseURL + "/api/documents/" + url.PathEscape(docID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("persistence request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorExcerpt))
		return fmt.Errorf("persistence write failed (HTTP %d): %s", resp.StatusCode, strings.TrimSpace(string(excerpt)))
	}
	return nil
}
