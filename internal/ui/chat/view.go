// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	chatmsg "github.com/jeranaias/marginalia/internal/chat"
)

// View renders the chat view.
func (m *Model) View() string {
	if !m.ready {
		return "loading..."
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	b.WriteString(m.renderFooter())
	return b.String()
}

// renderHeader draws the title line with the active model.
func (m *Model) renderHeader() string {
	title := m.theme.Title.Render(runewidth.Truncate(m.title, m.width*2/3, "…"))
	model := m.theme.Muted.Render(m.modelName)

	gap := m.width - lipgloss.Width(title) - lipgloss.Width(model)
	if gap < 1 {
		gap = 1
	}
	return title + strings.Repeat(" ", gap) + model
}

// renderFooter draws the input line, status, and help.
func (m *Model) renderFooter() string {
	var b strings.Builder
	b.WriteString(m.input.View())
	b.WriteString("\n")

	switch m.state {
	case StateStreaming:
		b.WriteString(m.spinner.View())
		b.WriteString(m.theme.Muted.Render(" thinking... (esc to stop)"))
	case StateError:
		if m.lastErr != nil {
			b.WriteString(m.theme.Error.Render("✗ " + m.lastErr.Error()))
			b.WriteString(m.theme.Help.Render("  ctrl+l to dismiss"))
		}
	default:
		b.WriteString(m.theme.Help.Render("enter send · pgup/pgdn scroll · ctrl+c quit"))
	}
	return b.String()
}

// renderConversation renders the full message list.
func (m *Model) renderConversation() string {
	history := m.displayedHistory()
	if len(history) == 0 {
		return m.theme.Muted.Render("No messages yet. Ask something about the article.")
	}

	var b strings.Builder
	for i, msg := range history {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(m.renderMessage(msg))
	}
	return b.String()
}

// renderMessage renders one message with its role label.
func (m *Model) renderMessage(msg chatmsg.Message) string {
	switch msg.Role {
	case chatmsg.RoleUser:
		return m.theme.UserLabel.Render("You") + "\n" +
			m.theme.UserText.Render(wrap(msg.Content, m.width))
	case chatmsg.RoleAssistant:
		return m.theme.AssistantLabel.Render("Assistant") + "\n" +
			m.renderAssistant(msg.Content)
	default:
		return m.theme.Muted.Render(wrap(msg.Content, m.width))
	}
}

// renderAssistant renders assistant output, through glamour when
// markdown rendering is on. Glamour is skipped for the in-flight
// partial since half-open markdown renders badly.
func (m *Model) renderAssistant(content string) string {
	if m.renderer != nil && m.state != StateStreaming {
		if rendered, err := m.renderer.Render(content); err == nil {
			return strings.TrimRight(rendered, "\n")
		}
	}
	return m.theme.AssistantText.Render(wrap(content, m.width))
}

// wrap soft-wraps text to the view width.
func wrap(s string, width int) string {
	if width <= 0 {
		return s
	}
	return lipgloss.NewStyle().Width(width).Render(s)
}
