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

const listSessionsSQL = `
	SELECT s.session_id, s.user_id, s.metadata, s.is_active,
	       COALESCE(e.event_count, 0), COALESCE(er.error_count, 0),
	       s.created_at, s.updated_at
	FROM sessions s
	LEFT JOIN (
		SELECT session_id, SUM(event_count) AS event_count
		FROM session_events GROUP BY session_id
	) e USING (session_id)
	LEFT JOIN (
		SELECT session_id, COUNT(*) AS error_count
		FROM session_errors GROUP BY session_id
	) er USING (session_id)`

// GetSessionEvents returns the page [fromIndex, fromIndex+limit) of a
// session's persisted event stream plus the stream total.
//
// Batch rows hold variable event counts, so event-level pagination reads
// the rows in insertion order, concatenates their arrays, and slices.
// An unknown session or an offset past the end yields an empty page, not
// an error. Consistency is eventual with respect to in-flight batcher
// writes.
func (s *Store) GetSessionEvents(ctx context.Context, sessionID string, fromIndex, limit int) ([]json.RawMessage, int, error) {
	start := time.Now()

	rows, err := s.pool.Query(ctx,
		`SELECT events FROM session_events WHERE session_id = $1 ORDER BY created_at ASC, id ASC`,
		sessionID)
	if err != nil {
		metrics.RecordDBQuery("get_session_events", time.Since(start), err)
		return nil, 0, fmt.Errorf("query session events: %w", err)
	}
	defer rows.Close()

	var all []json.RawMessage
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			metrics.RecordDBQuery("get_session_events", time.Since(start), err)
			return nil, 0, fmt.Errorf("scan events row: %w", err)
		}
		var batch []json.RawMessage
		if err := json.Unmarshal(raw, &batch); err != nil {
			metrics.RecordDBQuery("get_session_events", time.Since(start), err)
			return nil, 0, fmt.Errorf("decode events row: %w", err)
		}
		all = append(all, batch...)
	}
	if err := rows.Err(); err != nil {
		metrics.RecordDBQuery("get_session_events", time.Since(start), err)
		return nil, 0, fmt.Errorf("iterate events rows: %w", err)
	}

	metrics.RecordDBQuery("get_session_events", time.Since(start), nil)
	return pageEvents(all, fromIndex, limit), len(all), nil
}

// pageEvents slices the concatenated stream to [fromIndex, fromIndex+limit).
// Out-of-range offsets and non-positive limits yield an empty page.
func pageEvents(events []json.RawMessage, fromIndex, limit int) []json.RawMessage {
	if fromIndex < 0 || limit <= 0 || fromIndex >= len(events) {
		return []json.RawMessage{}
	}
	end := fromIndex + limit
	if end > len(events) {
		end = len(events)
	}
	return events[fromIndex:end]
}

// GetActiveSessions lists active sessions with persisted event and error
// counts, most recently updated first.
func (s *Store) GetActiveSessions(ctx context.Context) ([]models.SessionSummary, error) {
	return s.querySessions(ctx, "get_active_sessions",
		listSessionsSQL+` WHERE s.is_active = TRUE ORDER BY s.updated_at DESC`)
}

// GetAllSessions lists sessions regardless of activity, paginated.
func (s *Store) GetAllSessions(ctx context.Context, limit, offset int) ([]models.SessionSummary, error) {
	return s.querySessions(ctx, "get_all_sessions",
		listSessionsSQL+` ORDER BY s.updated_at DESC LIMIT $1 OFFSET $2`, limit, offset)
}

func (s *Store) querySessions(ctx context.Context, operation, query string, args ...any) ([]models.SessionSummary, error) {
	start := time.Now()

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		metrics.RecordDBQuery(operation, time.Since(start), err)
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	sessions := []models.SessionSummary{}
	for rows.Next() {
		var (
			summary    models.SessionSummary
			metadata   []byte
			eventCount int64
			errorCount int64
		)
		if err := rows.Scan(&summary.SessionID, &summary.UserID, &metadata, &summary.IsActive,
			&eventCount, &errorCount, &summary.CreatedAt, &summary.UpdatedAt); err != nil {
			metrics.RecordDBQuery(operation, time.Since(start), err)
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		summary.Metadata = json.RawMessage(metadata)
		summary.EventCount = int(eventCount)
		summary.ErrorCount = int(errorCount)
		sessions = append(sessions, summary)
	}
	if err := rows.Err(); err != nil {
		metrics.RecordDBQuery(operation, time.Since(start), err)
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}

	metrics.RecordDBQuery(operation, time.Since(start), nil)
	return sessions, nil
}

// GetStats returns persisted totals.
func (s *Store) GetStats(ctx context.Context) (models.StoreStats, error) {
	start := time.Now()

	var stats models.StoreStats
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM sessions),
			(SELECT COUNT(*) FROM sessions WHERE is_active),
			COALESCE((SELECT SUM(event_count) FROM session_events), 0)`).
		Scan(&stats.TotalSessions, &stats.ActiveSessions, &stats.TotalEvents)
	metrics.RecordDBQuery("get_stats", time.Since(start), err)
	if err != nil {
		return models.StoreStats{}, fmt.Errorf("query stats: %w", err)
	}
	return stats, nil
}

// CleanupOldSessions deletes inactive sessions whose last update is older
// than maxAge; the FK cascade removes their events and errors. Returns
// the number of sessions deleted.
func (s *Store) CleanupOldSessions(ctx context.Context, maxAge time.Duration) (int64, error) {
	start := time.Now()
	cutoff := time.Now().Add(-maxAge)

	tag, err := s.pool.Exec(ctx,
		`DELETE FROM sessions WHERE is_active = FALSE AND updated_at < $1`, cutoff)
	metrics.RecordDBQuery("cleanup_old_sessions", time.Since(start), err)
	if err != nil {
		return 0, fmt.Errorf("cleanup old sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}
