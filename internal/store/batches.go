// Relay - Real-Time Session Replay Broker
// Copyright 2026 Relay contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sessionreplay/relay

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/sessionreplay/relay/internal/metrics"
	"github.com/sessionreplay/relay/internal/models"
)

const (
	upsertSessionSQL = `
		INSERT INTO sessions (session_id, user_id, metadata, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		ON CONFLICT (session_id) DO UPDATE SET
			user_id    = EXCLUDED.user_id,
			metadata   = EXCLUDED.metadata,
			is_active  = EXCLUDED.is_active,
			updated_at = now()`

	insertEventsRowSQL = `
		INSERT INTO session_events (session_id, events, event_count)
		VALUES ($1, $2, $3)`

	insertErrorSQL = `
		INSERT INTO session_errors (session_id, error_data)
		VALUES ($1, $2)`
)

// ApplyBatches applies a drained queue prefix inside one transaction.
// Per batch, in order: session upsert, events row (when non-empty), one
// row per error. Any failure rolls the whole transaction back so the
// batcher can re-queue the prefix without partial writes.
func (s *Store) ApplyBatches(ctx context.Context, batches []*models.Batch) error {
	start := time.Now()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		metrics.RecordDBQuery("apply_batches", time.Since(start), err)
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, b := range batches {
		if _, err := tx.Exec(ctx, upsertSessionSQL,
			b.SessionID, b.UserID, metadataOrEmpty(b.Metadata), b.IsActive); err != nil {
			metrics.RecordDBQuery("apply_batches", time.Since(start), err)
			return fmt.Errorf("upsert session %s: %w", b.SessionID, err)
		}

		if len(b.Events) > 0 {
			payload, err := json.Marshal(b.Events)
			if err != nil {
				return fmt.Errorf("marshal events for session %s: %w", b.SessionID, err)
			}
			if _, err := tx.Exec(ctx, insertEventsRowSQL, b.SessionID, payload, len(b.Events)); err != nil {
				metrics.RecordDBQuery("apply_batches", time.Since(start), err)
				return fmt.Errorf("append events for session %s: %w", b.SessionID, err)
			}
		}

		for _, errData := range b.Errors {
			if _, err := tx.Exec(ctx, insertErrorSQL, b.SessionID, []byte(errData)); err != nil {
				metrics.RecordDBQuery("apply_batches", time.Since(start), err)
				return fmt.Errorf("append error for session %s: %w", b.SessionID, err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		metrics.RecordDBQuery("apply_batches", time.Since(start), err)
		return fmt.Errorf("commit transaction: %w", err)
	}

	metrics.RecordDBQuery("apply_batches", time.Since(start), nil)
	return nil
}

func metadataOrEmpty(metadata json.RawMessage) []byte {
	if len(metadata) == 0 {
		return []byte("{}")
	}
	return []byte(metadata)
}
