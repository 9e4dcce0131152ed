// Relay - Real-Time Session Replay Broker
// Copyright 2026 Relay contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sessionreplay/relay

package models

// StoreStats aggregates persisted totals for /health and /stats.
type StoreStats struct {
	TotalSessions  int   `json:"totalSessions"`
	ActiveSessions int   `json:"activeSessions"`
	TotalEvents    int64 `json:"totalEvents"`
}
