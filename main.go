// marginalia - AI reading companion for annotated articles.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/jeranaias/marginalia/internal/bridge"
	"github.com/jeranaias/marginalia/internal/catalog"
	"github.com/jeranaias/marginalia/internal/cli"
	"github.com/jeranaias/marginalia/internal/cloud"
	"github.com/jeranaias/marginalia/internal/config"
	"github.com/jeranaias/marginalia/internal/persist"
	"github.com/jeranaias/marginalia/internal/provider"
	"github.com/jeranaias/marginalia/internal/router"
	"github.com/jeranaias/marginalia/internal/server"
	"github.com/jeranaias/marginalia/internal/session"
	"github.com/jeranaias/marginalia/internal/store"
	uichat "github.com/jeranaias/marginalia/internal/ui/chat"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	var (
		serve      = flag.Bool("serve", false, "run the HTTP gateway instead of the terminal UI")
		port       = flag.Int("port", 0, "HTTP port for -serve (default from config)")
		plain      = flag.Bool("plain", false, "use the plain-terminal REPL instead of the full-screen UI")
		docID      = flag.String("doc", "scratch", "document id for the chat session")
		configPath = flag.String("config", "", "path to config.toml (default ~/.marginalia/config.toml)")
		version    = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Printf("marginalia %s (%s, %s)\n", Version, GitCommit, BuildDate)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "marginalia: %v\n", err)
		os.Exit(1)
	}
	config.SetGlobal(cfg)

	if err := run(cfg, *serve, *port, *plain, *docID, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "marginalia: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}

func run(cfg *config.Config, serve bool, port int, plain bool, docID, configPath string) error {
	// Wire the streaming stack: cloud streamer + local bridge behind
	// one router.
	endpoints := cloud.DefaultEndpoints()
	if cfg.AI.GatewayURL != "" {
		endpoints.Gateway = cfg.AI.GatewayURL
	}
	streamer := cloud.NewStreamerWith(endpoints)

	bridgeClient := bridge.NewClient().WithBaseURL(cfg.Bridge.URL)
	if d := cfg.BridgeIdleTimeout(); d > 0 {
		bridgeClient = bridgeClient.WithIdleTimeout(d)
	}

	rt := router.New(streamer, bridgeClient)
	resolver := catalog.NewResolverWith(endpoints)

	if serve {
		return runServer(cfg, port, rt, resolver, configPath)
	}

	// Interactive modes: settings come from the sqlite store, seeded
	// from the config file on first run.
	st, err := store.Open()
	if err != nil {
		return fmt.Errorf("failed to open settings store: %w", err)
	}
	defer st.Close()

	aiCfg := resolveAIConfig(cfg, st)
	saver := persist.NewClient(cfg.Persist.URL)
	opts := session.Options{Debounce: cfg.Debounce(), HistoryCap: cfg.Persist.HistoryCap}

	newSession := func(c provider.AIConfig) *session.Controller {
		ctrl := session.New(docID, c, rt.Stream, saver, opts)
		hydrateFromCache(ctrl, st, docID)
		return ctrl
	}

	if plain {
		repl := cli.NewREPL(aiCfg, newSession, resolver, st)
		return repl.Run()
	}
	return runTUI(cfg, aiCfg, newSession, docID)
}

// resolveAIConfig prefers stored settings over the config file
// defaults.
func resolveAIConfig(cfg *config.Config, st *store.Store) provider.AIConfig {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	aiCfg := st.LoadConfig(ctx)
	if aiCfg == provider.DefaultConfig() && cfg.AI.Provider != "" {
		p := provider.Provider(cfg.AI.Provider)
		if provider.Known(p) {
			aiCfg = aiCfg.WithProvider(p)
			if cfg.AI.Model != "" {
				aiCfg.Model = cfg.AI.Model
			}
		}
	}
	return aiCfg
}

// hydrateFromCache seeds a fresh session from the offline chat cache.
func hydrateFromCache(ctrl *session.Controller, st *store.Store, docID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if messages, err := st.LoadChat(ctx, docID); err == nil {
		ctrl.Hydrate(docID, messages)
	}
}

// runTUI starts the full-screen chat interface.
func runTUI(cfg *config.Config, aiCfg provider.AIConfig, newSession func(provider.AIConfig) *session.Controller, docID string) error {
	ctrl := newSession(aiCfg)
	defer ctrl.Close()

	model := uichat.NewModel(ctrl, docID, aiCfg.Model, cfg.UI.Theme, cfg.UI.Markdown)
	program := tea.NewProgram(model, tea.WithAltScreen())
	_, err := program.Run()
	return err
}

// runServer starts the HTTP gateway with config hot reload.
func runServer(cfg *config.Config, port int, rt *router.Router, resolver *catalog.Resolver, configPath string) error {
	if port == 0 {
		port = cfg.Server.Port
	}
	srv := server.NewServer(port, rt.Stream, resolver)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Reload config edits while serving.
	watchPath := configPath
	if watchPath == "" {
		if p, err := config.Path(); err == nil {
			watchPath = p
		}
	}
	if watchPath != "" {
		go func() {
			if err := config.Watch(ctx, watchPath, nil); err != nil && ctx.Err() == nil {
				log.Printf("CONFIG_WATCH_ERROR | error=%v", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigChan:
		log.Printf("SERVER_SHUTDOWN | signal=%v", sig)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	}
}
