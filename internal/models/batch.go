// Relay - Real-Time Session Replay Broker
// Copyright 2026 Relay contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sessionreplay/relay

package models

import "github.com/goccy/go-json"

// Batch is one coalesced persistence unit targeting exactly one session.
// Once enqueued with the batcher the producer relinquishes mutation.
// All drained batches of a flush are applied inside one transaction:
// session upsert first, then the events row (if any), then one row per
// error.
type Batch struct {
	SessionID string
	UserID    string
	Metadata  json.RawMessage
	IsActive  bool
	Events    []json.RawMessage
	Errors    []json.RawMessage
}
