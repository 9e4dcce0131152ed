// Relay - Real-Time Session Replay Broker
// Copyright 2026 Relay contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sessionreplay/relay

// Command server runs the Relay broker: the WebSocket connection hub,
// the in-memory session registry, the write-behind batcher into
// PostgreSQL, and the HTTP query surface, all under a suture
// supervision tree.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sessionreplay/relay/internal/api"
	"github.com/sessionreplay/relay/internal/batcher"
	"github.com/sessionreplay/relay/internal/config"
	"github.com/sessionreplay/relay/internal/logging"
	"github.com/sessionreplay/relay/internal/registry"
	"github.com/sessionreplay/relay/internal/store"
	"github.com/sessionreplay/relay/internal/supervisor"
	"github.com/sessionreplay/relay/internal/supervisor/services"
	"github.com/sessionreplay/relay/internal/websocket"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "relay: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().
		Str("addr", cfg.Server.Addr()).
		Int("batch_size", cfg.Batch.Size).
		Dur("batch_interval", cfg.Batch.Interval).
		Int("max_events_per_session", cfg.Session.MaxEvents).
		Msg("starting relay")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("connect store: %w", err)
	}
	defer st.Close()

	b, err := batcher.New(st, batcher.Config{
		BatchSize:     cfg.Batch.Size,
		FlushInterval: cfg.Batch.Interval,
		Breaker:       batcher.DefaultBreakerConfig(),
	})
	if err != nil {
		return fmt.Errorf("create batcher: %w", err)
	}

	hub := websocket.NewHub(cfg.Hub, st)
	reg, err := registry.New(hub, b, cfg.Session.MaxEvents)
	if err != nil {
		return fmt.Errorf("create registry: %w", err)
	}
	hub.SetRegistry(reg)

	cleaner, err := registry.NewCleaner(
		reg,
		st,
		cfg.Session.CleanupInterval,
		cfg.Session.MaxIdleAge,
		time.Duration(cfg.Session.RetentionHours)*time.Hour,
	)
	if err != nil {
		return fmt.Errorf("create cleaner: %w", err)
	}

	handler := api.NewHandler(st, hub, reg, b, cfg.API)
	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           api.NewRouter(handler, cfg.API).Setup(),
		ReadHeaderTimeout: cfg.Server.Timeout,
	}

	treeCfg := supervisor.DefaultTreeConfig()
	treeCfg.ShutdownTimeout = cfg.Server.ShutdownTimeout
	tree := supervisor.NewTree(logging.NewSlogLogger(), treeCfg)
	tree.AddBrokerService(services.NewWebSocketHubService(hub))
	tree.AddBrokerService(b)
	tree.AddBrokerService(cleaner)
	tree.AddAPIService(services.NewHTTPServerService(server, cfg.Server.ShutdownTimeout))

	errCh := tree.ServeBackground(ctx)
	logging.Info().Str("addr", cfg.Server.Addr()).Msg("relay started")

	err = <-errCh
	if err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("supervisor tree stopped with error")
	}
	if report, reportErr := tree.UnstoppedServiceReport(); reportErr == nil && len(report) > 0 {
		for _, svc := range report {
			logging.Warn().Str("service", svc.Name).Msg("service did not stop within timeout")
		}
	}

	// Shutdown order: the tree has stopped the hub and the batcher's
	// flush loop; draining the queue happens here, before the pool
	// closes on the deferred store.Close.
	if err := b.Close(); err != nil {
		logging.Error().Err(err).Msg("final batcher drain failed")
	}

	logging.Info().Msg("relay stopped")
	return nil
}
