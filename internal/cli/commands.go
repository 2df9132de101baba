// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/jeranaias/marginalia/internal/catalog"
	"github.com/jeranaias/marginalia/internal/provider"
)

// commandTimeout bounds slash commands that hit the network.
const commandTimeout = 20 * time.Second

// handleCommand dispatches a slash command. The bool result reports
// whether the REPL should keep running.
func (r *REPL) handleCommand(input string) (bool, error) {
	fields := strings.Fields(input)
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	switch cmd {
	case "/help":
		r.printHelp()
		return true, nil

	case "/quit", "/exit":
		return false, nil

	case "/provider":
		return true, r.cmdProvider(args)

	case "/model":
		return true, r.cmdModel(args)

	case "/models":
		return true, r.cmdModels()

	case "/key":
		return true, r.cmdKey()

	case "/clear":
		r.resetSession()
		fmt.Println(infoStyle.Render("conversation cleared"))
		return true, nil

	case "/status":
		r.printStatus()
		return true, nil

	default:
		return true, fmt.Errorf("unknown command %s (try /help)", cmd)
	}
}

// printHelp lists the available commands.
func (r *REPL) printHelp() {
	fmt.Println(infoStyle.Render(strings.TrimSpace(`
/provider <id>   switch provider (` + strings.Join(providerIDs(), ", ") + `)
/model <id>      switch model
/models          list models for the current provider
/key             set the API key for the current provider
/status          show the active configuration
/clear           start a new conversation
/quit            exit`)))
}

// printStatus shows the active provider, model, and key state.
func (r *REPL) printStatus() {
	keyState := "not set"
	if r.cfg.APIKey != "" {
		keyState = "set"
	} else if !provider.RequiresCredential(r.cfg.Provider) {
		keyState = "optional"
	}
	fmt.Println(infoStyle.Render(fmt.Sprintf(
		"provider: %s\nmodel:    %s\napi key:  %s",
		provider.Label(r.cfg.Provider), r.cfg.Model, keyState)))
}

// cmdProvider switches provider and resets the model to its default.
func (r *REPL) cmdProvider(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: /provider <%s>", strings.Join(providerIDs(), "|"))
	}
	p := provider.Provider(args[0])
	if !provider.Known(p) {
		return fmt.Errorf("unknown provider %q", args[0])
	}

	r.cfg = r.cfg.WithProvider(p)
	r.applyConfig()

	if !r.cfg.Ready() {
		fmt.Println(warningStyle.Render(provider.MissingKeyMessage(p) + " Use /key."))
	}
	fmt.Println(infoStyle.Render(fmt.Sprintf("now using %s · %s", provider.Label(p), r.cfg.Model)))
	return nil
}

// cmdModel switches the model within the current provider.
func (r *REPL) cmdModel(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: /model <id>")
	}
	r.cfg.Model = args[0]
	r.applyConfig()
	fmt.Println(infoStyle.Render("model set to " + r.cfg.Model))
	return nil
}

// cmdModels lists models for the current provider, marking the
// active one.
func (r *REPL) cmdModels() error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	result := r.catalog.List(ctx, r.cfg.Provider, r.cfg.APIKey, r.cfg.Model)
	if result.Source == catalog.SourceFallback && result.Err != "" {
		fmt.Println(warningStyle.Render("live listing failed, showing known models: " + result.Err))
	}
	for _, id := range result.Models {
		marker := "  "
		if id == r.cfg.Model {
			marker = "* "
		}
		fmt.Println(marker + id)
	}
	return nil
}

// cmdKey prompts for an API key without echoing it.
func (r *REPL) cmdKey() error {
	if provider.IsLocal(r.cfg.Provider) {
		return fmt.Errorf("%s runs locally and needs no API key", provider.Label(r.cfg.Provider))
	}

	fmt.Printf("API key for %s: ", provider.Label(r.cfg.Provider))
	key, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return fmt.Errorf("failed to read key: %w", err)
	}

	r.cfg.APIKey = strings.TrimSpace(string(key))
	r.applyConfig()
	if r.cfg.APIKey == "" {
		fmt.Println(infoStyle.Render("API key cleared"))
	} else {
		fmt.Println(infoStyle.Render("API key saved"))
	}
	return nil
}

// applyConfig pushes the configuration into the live session and
// persists it.
func (r *REPL) applyConfig() {
	r.ctrl.SetConfig(r.cfg)
	if r.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		if err := r.store.SaveConfig(ctx, r.cfg); err != nil {
			fmt.Fprintf(os.Stderr, "%s failed to save settings: %v\n", warningStyle.Render("[warn]"), err)
		}
	}
}

// providerIDs returns all provider ids in display order.
func providerIDs() []string {
	all := provider.All()
	ids := make([]string, len(all))
	for i, p := range all {
		ids[i] = string(p)
	}
	return ids
}
