// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package styles provides the shared color theme and lipgloss styles
// for the terminal UI.
package styles

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// Theme holds the resolved styles for one color scheme.
type Theme struct {
	Name string

	// Chrome
	Title     lipgloss.Style
	StatusBar lipgloss.Style
	Help      lipgloss.Style
	Border    lipgloss.Style

	// Messages
	UserLabel      lipgloss.Style
	AssistantLabel lipgloss.Style
	UserText       lipgloss.Style
	AssistantText  lipgloss.Style

	// Feedback
	Error   lipgloss.Style
	Warning lipgloss.Style
	Muted   lipgloss.Style
	Spinner lipgloss.Style
}

// Dark returns the default dark theme.
func Dark() *Theme {
	return &Theme{
		Name: "dark",

		Title:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")),
		StatusBar: lipgloss.NewStyle().Foreground(lipgloss.Color("250")).Background(lipgloss.Color("236")),
		Help:      lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		Border:    lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240")),

		UserLabel:      lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		AssistantLabel: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")),
		UserText:       lipgloss.NewStyle().Foreground(lipgloss.Color("252")),
		AssistantText:  lipgloss.NewStyle().Foreground(lipgloss.Color("255")),

		Error:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("203")),
		Warning: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		Muted:   lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		Spinner: lipgloss.NewStyle().Foreground(lipgloss.Color("213")),
	}
}

// Light returns the light theme.
func Light() *Theme {
	return &Theme{
		Name: "light",

		Title:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("127")),
		StatusBar: lipgloss.NewStyle().Foreground(lipgloss.Color("238")).Background(lipgloss.Color("254")),
		Help:      lipgloss.NewStyle().Foreground(lipgloss.Color("246")),
		Border:    lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("248")),

		UserLabel:      lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("26")),
		AssistantLabel: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("127")),
		UserText:       lipgloss.NewStyle().Foreground(lipgloss.Color("235")),
		AssistantText:  lipgloss.NewStyle().Foreground(lipgloss.Color("234")),

		Error:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("160")),
		Warning: lipgloss.NewStyle().Foreground(lipgloss.Color("130")),
		Muted:   lipgloss.NewStyle().Foreground(lipgloss.Color("246")),
		Spinner: lipgloss.NewStyle().Foreground(lipgloss.Color("127")),
	}
}

// ForName resolves a theme by name; "auto" follows the terminal
// background, unknown names fall back to dark.
func ForName(name string) *Theme {
	switch name {
	case "light":
		return Light()
	case "auto":
		if termenv.HasDarkBackground() {
			return Dark()
		}
		return Light()
	default:
		return Dark()
	}
}
