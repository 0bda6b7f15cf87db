// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Mail Clerk — Email Assistant
//
// Entry point for the assistant service. It:
//  1. Loads provider and pipeline configuration from config.yaml
//  2. Connects to PostgreSQL and Redis
//  3. Seeds the routed mailbox set into the departments table
//  4. Runs the ingestion loop (IMAP fetch → dedup → queue) and the
//     processing loop (queue → pipeline → transactional store)
//  5. Serves a health check endpoint
//  6. Handles graceful shutdown on SIGTERM/SIGINT
//
// Modes:
//
//	-mode background   run both loops continuously (default)
//	-mode once         one fetch cycle, drain the queue, exit
//	-mode scheduled    full fetch-and-drain cycle at the fetch interval
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/mailclerk/assistant/internal/blob"
	"github.com/mailclerk/assistant/internal/config"
	"github.com/mailclerk/assistant/internal/dedup"
	"github.com/mailclerk/assistant/internal/llm"
	"github.com/mailclerk/assistant/internal/pipeline"
	"github.com/mailclerk/assistant/internal/provider"
	"github.com/mailclerk/assistant/internal/queue"
	"github.com/mailclerk/assistant/internal/redact"
	"github.com/mailclerk/assistant/internal/store"
	"github.com/mailclerk/assistant/internal/worker"
)

func main() {
	mode := flag.String("mode", "background", "run mode: background, once, or scheduled")
	flag.Parse()

	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting mail clerk assistant", "mode", *mode)

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"providers", len(cfg.Providers),
		"mailboxes", len(cfg.Mailboxes),
		"fetch_interval", cfg.FetchInterval,
		"batch_size", cfg.BatchSize,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	if err := pgPool.Ping(ctx); err != nil {
		slog.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to PostgreSQL")

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)

	q := queue.New(rdb, cfg.EmailsQueue)
	if err := q.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

	// --- Dedup Filter ---
	filter := dedup.NewFilter(rdb)

	// --- Email Store (Postgres) ---
	st, err := store.New(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise email store", "error", err)
		os.Exit(1)
	}

	mailboxes := make([]store.Mailbox, 0, len(cfg.Mailboxes))
	for _, m := range cfg.Mailboxes {
		mailboxes = append(mailboxes, store.Mailbox{
			Email:       m.Email,
			Type:        m.Department,
			Description: m.Description,
		})
	}
	if err := st.SeedMailboxes(ctx, mailboxes); err != nil {
		slog.Error("failed to seed mailboxes", "error", err)
		os.Exit(1)
	}

	// --- Analysis Pipeline ---
	llmClient := llm.NewHTTPClient(llm.Config{
		BaseURL:           cfg.LLM.BaseURL,
		APIKey:            cfg.LLM.APIKey,
		Model:             cfg.LLM.Model,
		Temperature:       cfg.LLM.Temperature,
		RequestsPerMinute: cfg.LLM.RequestsPerMinute,
	})
	redactor := redact.NewClient(cfg.Redaction.URL, cfg.Redaction.Language, cfg.Redaction.FailClosed)

	orch, err := pipeline.New(llmClient, redactor)
	if err != nil {
		slog.Error("failed to build pipeline", "error", err)
		os.Exit(1)
	}

	// --- Mail Providers ---
	fetchers := make([]worker.Fetcher, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		fetchers = append(fetchers, provider.New(ctx, p, cfg.MarkSeen))
		slog.Info("configured provider", "name", p.Name, "kind", p.Kind, "server", p.Server)
	}

	// --- Worker ---
	opts := worker.Options{
		Fetchers:      fetchers,
		Queue:         q,
		Dedup:         filter,
		Store:         st,
		Pipeline:      orch,
		FetchInterval: cfg.FetchInterval,
		AgeLimit:      cfg.EmailAgeLimit,
		BatchSize:     cfg.BatchSize,
	}
	if cfg.StorageDir != "" {
		blobs, err := blob.NewStore(cfg.StorageDir)
		if err != nil {
			slog.Error("failed to initialise blob store", "error", err)
			os.Exit(1)
		}
		opts.Blobs = blobs
	}
	runner := worker.New(opts)

	switch *mode {
	case "once":
		sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
		defer stop()
		if err := runner.RunOnce(sigCtx); err != nil {
			slog.Error("one-shot run failed", "error", err)
			os.Exit(1)
		}
		slog.Info("one-shot run complete")
		return

	case "scheduled":
		sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
		defer stop()
		if err := runner.RunScheduled(sigCtx, cfg.FetchInterval); err != nil {
			slog.Error("scheduled run failed", "error", err)
			os.Exit(1)
		}
		slog.Info("scheduled run stopped")
		return

	case "background":
		// Fall through to the long-running service below.

	default:
		slog.Error("unknown mode", "mode", *mode)
		os.Exit(1)
	}

	runner.Start(ctx)

	// --- Health Check Server ---
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		// Check Redis
		if err := q.Ping(r.Context()); err != nil {
			http.Error(w, "redis unhealthy", http.StatusServiceUnavailable)
			return
		}
		// Check Postgres
		if err := st.Ping(r.Context()); err != nil {
			http.Error(w, "postgres unhealthy", http.StatusServiceUnavailable)
			return
		}
		depth, _ := q.Len(r.Context())
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status": "healthy", "queue_depth": %d}`, depth)
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// --- Graceful Shutdown ---
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh

		slog.Info("received shutdown signal", "signal", sig)

		// Stop the loops first so an in-flight message commits before
		// the connections close.
		runner.Stop()
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}

		rdb.Close()
		pgPool.Close()
	}()

	slog.Info("assistant service listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("assistant service stopped")
}
