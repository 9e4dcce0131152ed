// Relay - Real-Time Session Replay Broker
// Copyright 2026 Relay contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sessionreplay/relay

package store

import (
	"context"
	"fmt"
)

// Schema: three tables. session_events rows hold whole batches in a
// JSONB array plus a denormalized event_count so listing queries can sum
// counts without unpacking arrays. Deleting a session cascades to its
// events and errors.
func schemaStatements() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL DEFAULT '',
			metadata   JSONB NOT NULL DEFAULT '{}',
			is_active  BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS session_events (
			id          BIGSERIAL PRIMARY KEY,
			session_id  TEXT NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
			events      JSONB NOT NULL,
			event_count INTEGER NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS session_errors (
			id         BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
			error_data JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions (user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON sessions (created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions (updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events (session_id, created_at, id)`,
		`CREATE INDEX IF NOT EXISTS idx_session_errors_session ON session_errors (session_id)`,
	}
}

func (s *Store) ensureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements() {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("execute schema statement: %w", err)
		}
	}
	return nil
}
