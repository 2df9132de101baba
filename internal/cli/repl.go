// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli provides the plain-terminal REPL, an alternative to the
// full-screen UI for dumb terminals and scripting.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/peterh/liner"

	"github.com/jeranaias/marginalia/internal/catalog"
	"github.com/jeranaias/marginalia/internal/chat"
	"github.com/jeranaias/marginalia/internal/config"
	"github.com/jeranaias/marginalia/internal/provider"
	"github.com/jeranaias/marginalia/internal/session"
)

// =============================================================================
// STYLES
// =============================================================================

var (
	promptStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)

	infoStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))

	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
)

// =============================================================================
// INPUT HISTORY
// =============================================================================

// Input wraps liner with persistent history.
type Input struct {
	line        *liner.State
	historyFile string
}

// NewInput creates a liner with history loaded from the config dir.
func NewInput() *Input {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	dir, err := config.Dir()
	if err != nil {
		dir = os.TempDir()
	}
	in := &Input{
		line:        line,
		historyFile: filepath.Join(dir, "chat_history"),
	}
	if f, err := os.Open(in.historyFile); err == nil {
		in.line.ReadHistory(f)
		f.Close()
	}
	return in
}

// Read reads one line, recording non-empty input into history.
func (in *Input) Read(prompt string) (string, error) {
	input, err := in.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		in.line.AppendHistory(input)
	}
	return input, nil
}

// Close saves history and releases the terminal.
func (in *Input) Close() {
	if err := config.EnsureDir(); err == nil {
		if f, err := os.OpenFile(in.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600); err == nil {
			in.line.WriteHistory(f)
			f.Close()
		}
	}
	in.line.Close()
}

// =============================================================================
// REPL
// =============================================================================

// ConfigStore persists the assistant configuration between runs.
// Satisfied by *store.Store.
type ConfigStore interface {
	LoadConfig(ctx context.Context) provider.AIConfig
	SaveConfig(ctx context.Context, cfg provider.AIConfig) error
}

// REPL is the interactive plain-terminal chat loop.
type REPL struct {
	input      *Input
	newSession func(cfg provider.AIConfig) *session.Controller
	catalog    *catalog.Resolver
	store      ConfigStore

	ctrl *session.Controller
	cfg  provider.AIConfig

	// printed tracks how much of the in-flight reply is on screen.
	mu      sync.Mutex
	printed int
	done    chan struct{}
}

// NewREPL creates a REPL. newSession builds a controller for the
// current configuration; it is re-invoked on /clear and when the
// provider changes.
func NewREPL(cfg provider.AIConfig, newSession func(cfg provider.AIConfig) *session.Controller, resolver *catalog.Resolver, store ConfigStore) *REPL {
	return &REPL{
		input:      NewInput(),
		newSession: newSession,
		catalog:    resolver,
		store:      store,
		cfg:        cfg,
	}
}

// Run executes the REPL until exit.
func (r *REPL) Run() error {
	defer r.input.Close()

	r.resetSession()
	defer r.ctrl.Close()

	fmt.Println(infoStyle.Render(fmt.Sprintf(
		"marginalia · %s · %s · /help for commands",
		provider.Label(r.cfg.Provider), r.cfg.Model)))

	// First Ctrl+C during a reply cancels it, never the process.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		for range sigChan {
			if r.ctrl.Streaming() {
				r.ctrl.Stop()
				fmt.Fprintln(os.Stderr, "\n"+warningStyle.Render("[stopped]"))
			}
		}
	}()

	for {
		input, err := r.input.Read(promptStyle.Render("marginalia> "))
		if err != nil {
			// Ctrl+C at the prompt or EOF ends the session.
			fmt.Println()
			return nil
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		if strings.EqualFold(input, "exit") || strings.EqualFold(input, "quit") {
			return nil
		}

		if strings.HasPrefix(input, "/") {
			keepGoing, err := r.handleCommand(input)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s %v\n", errorStyle.Render("[error]"), err)
			}
			if !keepGoing {
				return nil
			}
			continue
		}

		if err := r.send(input); err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", errorStyle.Render("[error]"), err)
		}
	}
}

// resetSession replaces the controller with a fresh one wired to
// incremental stdout printing.
func (r *REPL) resetSession() {
	if r.ctrl != nil {
		r.ctrl.Close()
	}
	r.ctrl = r.newSession(r.cfg)
	r.ctrl.SetOnChange(r.onChange)
	r.ctrl.SetOnError(func(err error) {
		fmt.Fprintf(os.Stderr, "\n%s %v\n", errorStyle.Render("[error]"), err)
	})
}

// onChange prints only the unseen suffix of the in-flight reply, so
// output appears token by token.
func (r *REPL) onChange(history []chat.Message, streaming bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !streaming {
		if r.done != nil {
			close(r.done)
			r.done = nil
		}
		return
	}
	if len(history) == 0 {
		return
	}
	last := history[len(history)-1]
	if last.Role != chat.RoleAssistant {
		return
	}
	if len(last.Content) < r.printed {
		r.printed = 0
	}
	fmt.Print(last.Content[r.printed:])
	r.printed = len(last.Content)
}

// send submits a prompt and blocks until the reply settles.
func (r *REPL) send(text string) error {
	r.mu.Lock()
	r.printed = 0
	done := make(chan struct{})
	r.done = done
	r.mu.Unlock()

	if err := r.ctrl.Submit(context.Background(), text); err != nil {
		r.mu.Lock()
		r.done = nil
		r.mu.Unlock()
		return err
	}

	// Stream and persistence failures surface through the error
	// callback; here we only wait for the reply to settle.
	<-done
	fmt.Println()
	return nil
}
