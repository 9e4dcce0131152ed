// Relay - Real-Time Session Replay Broker
// Copyright 2026 Relay contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sessionreplay/relay

// Package store is the durable PostgreSQL repository for sessions,
// event batches, and errors. All writes arrive through ApplyBatches,
// which the batcher invokes with a drained queue prefix; each call is
// one transaction so a failed flush leaves no partial state.
//
// Event payloads, error records, and session metadata are opaque JSON
// and land in JSONB columns unmodified.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sessionreplay/relay/internal/config"
	"github.com/sessionreplay/relay/internal/logging"
)

// Store wraps a pgx connection pool with the broker's query surface.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to PostgreSQL, verifies the connection, and ensures the
// schema exists. Pool sizing and timeouts come from the database config.
func New(ctx context.Context, cfg *config.DatabaseConfig) (*Store, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name)

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConnections)
	poolCfg.MaxConnIdleTime = cfg.IdleTimeout
	poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectionTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	logging.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Str("database", cfg.Name).
		Int("max_connections", cfg.MaxConnections).
		Msg("connected to database")

	return s, nil
}

// Close releases the connection pool. Call after the batcher has
// drained so no in-flight flush loses its connection.
func (s *Store) Close() {
	s.pool.Close()
	logging.Info().Msg("database pool closed")
}
