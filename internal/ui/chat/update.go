// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"errors"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	chatmsg "github.com/jeranaias/marginalia/internal/chat"
	"github.com/jeranaias/marginalia/internal/session"
)

// Update handles incoming messages.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)

	case tea.KeyMsg:
		if cmd, handled := m.handleKey(msg); handled {
			return m, cmd
		}

	case historyMsg:
		cmds = append(cmds, m.handleHistory(msg), m.waitEvent())

	case sessionErrMsg:
		m.lastErr = msg.err
		m.state = StateError
		cmds = append(cmds, m.waitEvent())

	case StreamTickMsg:
		if m.state == StateStreaming {
			if chunk, ok := m.buffer.Flush(); ok {
				m.partial += chunk
				m.refreshViewport()
			}
			cmds = append(cmds, streamTickCmd())
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

// handleKey processes key bindings; the bool result reports whether
// the key was consumed.
func (m *Model) handleKey(msg tea.KeyMsg) (tea.Cmd, bool) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		m.session.Close()
		return tea.Quit, true

	case key.Matches(msg, m.keys.Send):
		return m.submit(), true

	case key.Matches(msg, m.keys.Stop):
		if m.state == StateStreaming {
			m.session.Stop()
			return nil, true
		}
		return nil, false

	case key.Matches(msg, m.keys.Clear):
		if m.state == StateError {
			m.lastErr = nil
			m.state = StateReady
			return nil, true
		}
		return nil, false
	}
	return nil, false
}

// submit sends the input line to the session.
func (m *Model) submit() tea.Cmd {
	text := strings.TrimSpace(m.input.Value())
	if text == "" {
		return nil
	}

	err := m.session.Submit(context.Background(), text)
	switch {
	case err == nil:
		m.input.Reset()
		m.lastErr = nil
		m.beginStream()
		return streamTickCmd()
	case errors.Is(err, session.ErrBusy):
		// Keep the typed text; the user can resend after the reply.
		return nil
	default:
		m.lastErr = err
		m.state = StateError
		return nil
	}
}

// beginStream resets streaming bookkeeping for a fresh reply.
func (m *Model) beginStream() {
	m.state = StateStreaming
	m.buffer.Reset()
	m.shown = 0
	m.partial = ""
}

// handleHistory folds a session snapshot into the view. While a reply
// streams, only the unseen suffix of the assistant text enters the
// pacing buffer; the rest of the history is applied directly.
func (m *Model) handleHistory(msg historyMsg) tea.Cmd {
	if !msg.streaming {
		// Settled: show exactly what the session has.
		if chunk, ok := m.buffer.ForceFlush(); ok {
			m.partial += chunk
		}
		m.history = msg.history
		m.shown = 0
		m.partial = ""
		if m.state == StateStreaming {
			m.state = StateReady
		}
		m.refreshViewport()
		return nil
	}

	if m.state != StateStreaming {
		m.beginStream()
	}

	// The in-flight reply is the final assistant message; everything
	// before it is stable.
	if n := len(msg.history); n > 0 {
		m.history = msg.history[:n-1]
		content := msg.history[n-1].Content
		if len(content) < m.shown {
			// The reply restarted (stop then resubmit raced us).
			m.buffer.Reset()
			m.shown = 0
			m.partial = ""
		}
		m.buffer.Write(content[m.shown:])
		m.shown = len(content)
	}
	return streamTickCmd()
}

// resize lays out the viewport and input for a new terminal size.
func (m *Model) resize(width, height int) {
	m.width = width
	m.height = height

	headerHeight := 2
	footerHeight := 3
	vpHeight := height - headerHeight - footerHeight
	if vpHeight < 1 {
		vpHeight = 1
	}

	if !m.ready {
		m.viewport = viewport.New(width, vpHeight)
		m.ready = true
	} else {
		m.viewport.Width = width
		m.viewport.Height = vpHeight
	}
	m.input.Width = width - 4
	m.refreshViewport()
}

// refreshViewport re-renders the conversation and keeps the view
// pinned to the bottom.
func (m *Model) refreshViewport() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(m.renderConversation())
	m.viewport.GotoBottom()
}

// displayedHistory returns the messages to render, including the
// in-flight partial reply.
func (m *Model) displayedHistory() []chatmsg.Message {
	if m.state != StateStreaming {
		return m.history
	}
	out := make([]chatmsg.Message, len(m.history), len(m.history)+1)
	copy(out, m.history)
	return append(out, chatmsg.NewAssistantMessage(m.partial))
}
