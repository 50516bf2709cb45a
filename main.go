// TAIMS - a conversational study-planning assistant served over HTTP.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/thomasng/taims/internal/chat"
	"github.com/thomasng/taims/internal/config"
	"github.com/thomasng/taims/internal/export"
	"github.com/thomasng/taims/internal/genai"
	"github.com/thomasng/taims/internal/identity"
	"github.com/thomasng/taims/internal/logging"
	"github.com/thomasng/taims/internal/metrics"
	"github.com/thomasng/taims/internal/server"
	"github.com/thomasng/taims/internal/session"
	"github.com/thomasng/taims/internal/store"
)

// Version information (set at build time)
var (
	Version   = "1.0.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to the TOML config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("taims %s (%s, built %s)\n", Version, GitCommit, BuildDate)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		if errors.Is(err, config.ErrMissingAPIKey) {
			return fmt.Errorf("%w\nSet GEMINI_API_KEY or add genai.api_key to %s", err, configPath)
		}
		return err
	}

	log := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
	})

	printBanner(cfg)

	m, registry := metrics.New()

	// Storage backend
	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open storage backend: %w", err)
	}
	defer st.Close()
	log.Info().Str("backend", cfg.Storage.Backend).Msg("storage ready")

	// Identity provider
	idc := identity.NewClient(cfg.Identity.Endpoint, cfg.Identity.WebAPIKey)
	if !idc.IsConfigured() {
		log.Warn().Msg("identity web API key not set, sign-in will be unavailable")
	}

	// Generation client
	gen := genai.NewClient(&genai.ClientConfig{
		BaseURL:    cfg.GenAI.Endpoint,
		APIKey:     cfg.GenAI.APIKey,
		Model:      cfg.GenAI.Model,
		Timeout:    time.Duration(cfg.GenAI.TimeoutSecs) * time.Second,
		MaxRetries: cfg.GenAI.MaxRetries,
		RetryDelay: time.Duration(cfg.GenAI.RetryDelaySecs) * time.Second,
	})
	gen.OnRetry = func(attempt int) {
		m.GenerationRetries.Inc()
		log.Warn().Int("attempt", attempt).Msg("generation rate limited, retrying")
	}

	startupCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	modelName, err := gen.ResolveModel(startupCtx)
	cancel()
	if err != nil {
		if errors.Is(err, genai.ErrNoModels) {
			return fmt.Errorf("resolve model: %w", err)
		}
		log.Warn().Err(err).Msg("model resolution failed, continuing with fallback")
		modelName = genai.FallbackModel
	}
	log.Info().Str("model", modelName).Msg("generation model resolved")

	// Config watcher for live event-prefix reloads
	watcher, err := config.NewWatcher(configPath, cfg, log)
	if err != nil {
		log.Warn().Err(err).Msg("config watcher unavailable, prefixes are fixed for this run")
	} else {
		if err := watcher.Watch(); err != nil {
			log.Warn().Err(err).Msg("config watch failed")
		}
		defer watcher.Close()
	}

	prefixes := func() []string {
		if watcher != nil {
			return watcher.EventPrefixes()
		}
		return cfg.Export.EventPrefixes
	}

	svc := chat.NewService(st, gen,
		export.NewSpreadsheetExporter(),
		export.NewCalendarExporter(prefixes),
		log, m)

	sessions := session.NewManager(time.Duration(cfg.Server.SessionTimeoutMins) * time.Minute)
	defer sessions.Close()

	srv := server.NewServer(cfg.Server.Port, idc, svc, sessions, log, m, registry).
		WithRateLimit(cfg.Server.RateLimitPerSec, cfg.Server.RateLimitBurst)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return srv.Start(ctx)
}

// openStore selects the storage backend from configuration.
func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		return store.NewSQLiteStore(cfg.Storage.SQLitePath)
	case "firestore":
		token := cfg.Storage.FirestoreToken
		if token == "" && cfg.Storage.FirestoreCredentialsFile != "" {
			data, err := os.ReadFile(cfg.Storage.FirestoreCredentialsFile)
			if err != nil {
				return nil, fmt.Errorf("read firestore credentials: %w", err)
			}
			token = strings.TrimSpace(string(data))
		}
		return store.NewFirestoreStore(cfg.Storage.FirestoreProject, token)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// printBanner prints the startup banner.
func printBanner(cfg *config.Config) {
	title := color.New(color.FgCyan, color.Bold)
	dim := color.New(color.Faint)

	title.Println("TAIMS - study planning assistant")
	dim.Printf("  version %s  port %d  storage %s\n", Version, cfg.Server.Port, cfg.Storage.Backend)
}
