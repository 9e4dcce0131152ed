// Relay - Real-Time Session Replay Broker
// Copyright 2026 Relay contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sessionreplay/relay

package websocket

import (
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

type wireMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func dial(t *testing.T, url, role string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(url, "http") + "?type=" + role
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", role, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, wantType string) wireMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(deadline)
		var msg wireMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read waiting for %s: %v", wantType, err)
		}
		if msg.Type == wantType {
			return msg
		}
	}
	t.Fatalf("timed out waiting for %s", wantType)
	return wireMessage{}
}

func writeFrame(t *testing.T, conn *websocket.Conn, msgType string, data any) {
	t.Helper()
	if err := conn.WriteJSON(map[string]any{"type": msgType, "data": data}); err != nil {
		t.Fatalf("write %s: %v", msgType, err)
	}
}

func TestUpgradeJoinThenStreamOverWire(t *testing.T) {
	f := newHubFixture(t, testHubConfig())
	srv := httptest.NewServer(http.HandlerFunc(f.hub.HandleUpgrade))
	defer srv.Close()

	tracker := dial(t, srv.URL, "tracker")
	writeFrame(t, tracker, TypeSessionStart, map[string]any{
		"sessionId": "s1",
		"userId":    "u1",
		"url":       "/a",
		"viewport":  map[string]int{"width": 100, "height": 100},
	})

	// Wait for the session to register before the viewer connects, so
	// the connect-time snapshot already contains it.
	waitFor(t, func() bool {
		_, ok := f.registry.Summary("s1")
		return ok
	})

	viewer := dial(t, srv.URL, "viewer")
	snapshot := readUntil(t, viewer, TypeActiveSessions)
	var active struct {
		Sessions []struct {
			SessionID string `json:"sessionId"`
		} `json:"sessions"`
	}
	if err := json.Unmarshal(snapshot.Data, &active); err != nil {
		t.Fatalf("decode active_sessions: %v", err)
	}
	if len(active.Sessions) != 1 || active.Sessions[0].SessionID != "s1" {
		t.Fatalf("active_sessions = %+v", active)
	}

	writeFrame(t, viewer, TypeViewerJoinSession, map[string]any{"sessionId": "s1"})
	joined := readUntil(t, viewer, TypeSessionJoined)
	var jd sessionJoinedData
	if err := json.Unmarshal(joined.Data, &jd); err != nil {
		t.Fatalf("decode session_joined: %v", err)
	}
	if jd.SessionID != "s1" || !jd.IsActive || len(jd.Events) != 0 {
		t.Fatalf("session_joined = %+v", jd)
	}

	writeFrame(t, tracker, TypeEventsBatch, map[string]any{
		"events": []map[string]int{{"k": 1}, {"k": 2}},
	})

	batch := readUntil(t, viewer, TypeEventsBatch)
	var bd struct {
		SessionID string            `json:"sessionId"`
		Events    []json.RawMessage `json:"events"`
	}
	if err := json.Unmarshal(batch.Data, &bd); err != nil {
		t.Fatalf("decode events_batch: %v", err)
	}
	if bd.SessionID != "s1" || len(bd.Events) != 2 {
		t.Fatalf("events_batch = %+v", bd)
	}
	if string(bd.Events[0]) != `{"k":1}` || string(bd.Events[1]) != `{"k":2}` {
		t.Errorf("events out of order: %s, %s", bd.Events[0], bd.Events[1])
	}

	// Closing the tracker ends the session within one sweep cycle.
	_ = tracker.Close()
	ended := readUntil(t, viewer, TypeSessionEnded)
	var ed sessionEndedData
	if err := json.Unmarshal(ended.Data, &ed); err != nil {
		t.Fatalf("decode session_ended: %v", err)
	}
	if ed.SessionID != "s1" {
		t.Errorf("session_ended = %+v", ed)
	}
}

func TestUpgradeDefaultsToTracker(t *testing.T) {
	f := newHubFixture(t, testHubConfig())
	srv := httptest.NewServer(http.HandlerFunc(f.hub.HandleUpgrade))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial without type: %v", err)
	}
	defer func() { _ = conn.Close() }()

	waitFor(t, func() bool { return f.hub.Stats().Trackers == 1 })
	if s := f.hub.Stats(); s.Viewers != 0 {
		t.Errorf("stats = %+v, want tracker classification", s)
	}
}

func TestMalformedFrameKeepsConnectionOpen(t *testing.T) {
	f := newHubFixture(t, testHubConfig())
	srv := httptest.NewServer(http.HandlerFunc(f.hub.HandleUpgrade))
	defer srv.Close()

	tracker := dial(t, srv.URL, "tracker")
	if err := tracker.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write malformed frame: %v", err)
	}
	readUntil(t, tracker, TypeError)

	// The connection still works.
	writeFrame(t, tracker, TypeSessionStart, map[string]any{"sessionId": "s1", "userId": "u1"})
	waitFor(t, func() bool {
		_, ok := f.registry.Summary("s1")
		return ok
	})
}

func TestShutdownReleasesClientPumps(t *testing.T) {
	f := newHubFixture(t, testHubConfig())
	srv := httptest.NewServer(http.HandlerFunc(f.hub.HandleUpgrade))
	defer srv.Close()

	baseline := runtime.NumGoroutine()

	tracker := dial(t, srv.URL, "tracker")
	viewer := dial(t, srv.URL, "viewer")
	writeFrame(t, tracker, TypeSessionStart, map[string]any{"sessionId": "s1", "userId": "u1"})
	readUntil(t, viewer, TypeActiveSessions)
	waitFor(t, func() bool { return f.hub.Stats().TotalClients == 2 })

	f.cancel()

	// The hub loop is gone, so nothing reads Unregister anymore; the
	// read pumps must still wind down instead of blocking on the
	// handoff.
	waitFor(t, func() bool { return runtime.NumGoroutine() <= baseline+2 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never satisfied")
}
