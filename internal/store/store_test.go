// Relay - Real-Time Session Replay Broker
// Copyright 2026 Relay contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sessionreplay/relay

package store

import (
	"fmt"
	"strings"
	"testing"

	"github.com/goccy/go-json"
)

func makeEvents(n int) []json.RawMessage {
	events := make([]json.RawMessage, n)
	for i := range events {
		events[i] = json.RawMessage(fmt.Sprintf(`{"k":%d}`, i))
	}
	return events
}

func TestPageEvents(t *testing.T) {
	stream := makeEvents(10)

	cases := []struct {
		name      string
		fromIndex int
		limit     int
		wantFirst string
		wantLen   int
	}{
		{"first page", 0, 3, `{"k":0}`, 3},
		{"middle page", 4, 3, `{"k":4}`, 3},
		{"partial tail", 8, 5, `{"k":8}`, 2},
		{"exact end", 9, 1, `{"k":9}`, 1},
		{"offset at total", 10, 1, "", 0},
		{"offset past total", 100, 5, "", 0},
		{"negative offset", -1, 5, "", 0},
		{"zero limit", 0, 0, "", 0},
		{"whole stream", 0, 10, `{"k":0}`, 10},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			page := pageEvents(stream, c.fromIndex, c.limit)
			if len(page) != c.wantLen {
				t.Fatalf("got %d events, want %d", len(page), c.wantLen)
			}
			if c.wantLen > 0 && string(page[0]) != c.wantFirst {
				t.Errorf("first event = %s, want %s", page[0], c.wantFirst)
			}
		})
	}
}

func TestPageEventsEmptyStream(t *testing.T) {
	page := pageEvents(nil, 0, 10)
	if len(page) != 0 {
		t.Errorf("expected empty page for empty stream, got %d events", len(page))
	}
	// Must be a non-nil empty slice so JSON responses render [] not null.
	if page == nil {
		t.Error("expected non-nil empty slice")
	}
}

func TestPageEventsPreservesOrder(t *testing.T) {
	stream := makeEvents(100)
	var collected []json.RawMessage
	for from := 0; from < 100; from += 7 {
		collected = append(collected, pageEvents(stream, from, 7)...)
	}
	if len(collected) != 100 {
		t.Fatalf("paged collection returned %d events, want 100", len(collected))
	}
	for i, ev := range collected {
		if want := fmt.Sprintf(`{"k":%d}`, i); string(ev) != want {
			t.Fatalf("event %d = %s, want %s", i, ev, want)
		}
	}
}

func TestSchemaStatements(t *testing.T) {
	stmts := schemaStatements()

	joined := strings.Join(stmts, "\n")
	for _, want := range []string{
		"CREATE TABLE IF NOT EXISTS sessions",
		"CREATE TABLE IF NOT EXISTS session_events",
		"CREATE TABLE IF NOT EXISTS session_errors",
		"ON DELETE CASCADE",
		"session_id TEXT PRIMARY KEY",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("schema missing %q", want)
		}
	}

	// Every statement must be idempotent; startup runs them on every boot.
	for _, stmt := range stmts {
		if !strings.Contains(stmt, "IF NOT EXISTS") {
			t.Errorf("schema statement is not idempotent: %s", stmt)
		}
	}
}

func TestMetadataOrEmpty(t *testing.T) {
	if got := metadataOrEmpty(nil); string(got) != "{}" {
		t.Errorf("nil metadata should become empty object, got %s", got)
	}
	raw := json.RawMessage(`{"url":"/a"}`)
	if got := metadataOrEmpty(raw); string(got) != `{"url":"/a"}` {
		t.Errorf("metadata should pass through, got %s", got)
	}
}
