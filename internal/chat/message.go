// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat defines the message types shared by every provider path.
//
// A Message is immutable once appended to a history, with one exception:
// the single in-flight assistant message owned by the session controller,
// which is rewritten in place as stream chunks arrive.
package chat

import "encoding/json"

// Roles for chat messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message represents a single message in a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// NewAssistantMessage creates a new assistant message.
func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// Signature returns a deterministic serialization of a message list.
//
// The session controller compares signatures to decide whether a
// persistence write is redundant and whether an incoming persisted
// history is an echo of its own prior write.
func Signature(messages []Message) string {
	if len(messages) == 0 {
		return "[]"
	}
	b, err := json.Marshal(messages)
	if err != nil {
		// Message contains only strings; Marshal cannot fail in practice.
		return "[]"
	}
	return string(b)
}

// Clone returns a copy of the message list that shares no backing array
// with the original.
func Clone(messages []Message) []Message {
	if messages == nil {
		return nil
	}
	out := make([]Message, len(messages))
	copy(out, messages)
	return out
}

// Tail returns at most the last n messages of the list.
func Tail(messages []Message, n int) []Message {
	if n <= 0 || len(messages) <= n {
		return messages
	}
	return messages[len(messages)-n:]
}
