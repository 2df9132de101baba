// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat provides the chat view for the terminal UI: a viewport
// of the conversation, an input line, and paced streaming rendering on
// top of the session controller.
package chat

import (
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"

	chatmsg "github.com/jeranaias/marginalia/internal/chat"
	"github.com/jeranaias/marginalia/internal/session"
	"github.com/jeranaias/marginalia/internal/ui/styles"
)

// =============================================================================
// STATE
// =============================================================================

// State represents the current state of the chat view.
type State int

const (
	StateReady     State = iota // Ready for input
	StateStreaming              // Receiving a streaming reply
	StateError                  // Showing an error
)

// =============================================================================
// MESSAGES
// =============================================================================

// historyMsg carries a session history snapshot into the update loop.
type historyMsg struct {
	history   []chatmsg.Message
	streaming bool
}

// sessionErrMsg carries a session error into the update loop.
type sessionErrMsg struct {
	err error
}

// =============================================================================
// MODEL
// =============================================================================

// Model is the Bubble Tea model for the chat view.
type Model struct {
	// State
	state State

	// Styling
	theme    *styles.Theme
	renderer *glamour.TermRenderer
	markdown bool

	// Dimensions
	width  int
	height int

	// Session
	session *session.Controller
	events  chan tea.Msg

	// Conversation as currently displayed. During streaming the last
	// assistant message trails the session by whatever the buffer is
	// still holding.
	history []chatmsg.Message

	// Streaming pacing
	buffer *StreamingBuffer
	// shown is how many bytes of the in-flight reply have been
	// handed to the buffer so far.
	shown int
	// partial is the flushed portion of the in-flight reply.
	partial string

	// UI components
	viewport viewport.Model
	input    textinput.Model
	spinner  spinner.Model
	keys     KeyMap

	// Status
	title     string
	modelName string
	lastErr   error
	ready     bool
}

// NewModel creates the chat view bound to a session controller. The
// controller's callbacks are wired to feed this model's update loop.
func NewModel(ctrl *session.Controller, title, modelName, themeName string, markdown bool) *Model {
	input := textinput.New()
	input.Placeholder = "Ask about this article..."
	input.Focus()
	input.CharLimit = 4000

	theme := styles.ForName(themeName)

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = theme.Spinner

	m := &Model{
		state:     StateReady,
		theme:     theme,
		markdown:  markdown,
		session:   ctrl,
		events:    make(chan tea.Msg, 64),
		buffer:    NewStreamingBuffer(),
		input:     input,
		spinner:   sp,
		keys:      DefaultKeyMap(),
		title:     title,
		modelName: modelName,
		history:   ctrl.History(),
	}

	if markdown {
		if r, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(0),
		); err == nil {
			m.renderer = r
		}
	}

	ctrl.SetOnChange(func(history []chatmsg.Message, streaming bool) {
		select {
		case m.events <- historyMsg{history: history, streaming: streaming}:
		default:
			// A full queue means a newer snapshot is already waiting.
		}
	})
	ctrl.SetOnError(func(err error) {
		select {
		case m.events <- sessionErrMsg{err: err}:
		default:
		}
	})

	return m
}

// Init starts the event pump and spinner.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.waitEvent(), m.spinner.Tick, textinput.Blink)
}

// waitEvent delivers the next session event to the update loop.
func (m *Model) waitEvent() tea.Cmd {
	return func() tea.Msg {
		return <-m.events
	}
}
