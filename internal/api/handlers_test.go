// Relay - Real-Time Session Replay Broker
// Copyright 2026 Relay contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sessionreplay/relay

package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/sessionreplay/relay/internal/batcher"
	"github.com/sessionreplay/relay/internal/config"
	"github.com/sessionreplay/relay/internal/logging"
	"github.com/sessionreplay/relay/internal/models"
	"github.com/sessionreplay/relay/internal/websocket"
)

//nolint:gochecknoinits // init ensures quiet logging for tests
func init() {
	logging.Init(logging.Config{Level: "error", Format: "json", Output: io.Discard})
}

type fakeStore struct {
	sessions    []models.SessionSummary
	events      []json.RawMessage
	stats       models.StoreStats
	deleted     int64
	lastMaxAge  time.Duration
	lastLimit   int
	lastOffset  int
	failNextErr error
}

func (f *fakeStore) GetActiveSessions(context.Context) ([]models.SessionSummary, error) {
	if f.failNextErr != nil {
		return nil, f.failNextErr
	}
	return f.sessions, nil
}

func (f *fakeStore) GetAllSessions(_ context.Context, limit, offset int) ([]models.SessionSummary, error) {
	if f.failNextErr != nil {
		return nil, f.failNextErr
	}
	f.lastLimit, f.lastOffset = limit, offset
	return f.sessions, nil
}

func (f *fakeStore) GetSessionEvents(_ context.Context, _ string, fromIndex, limit int) ([]json.RawMessage, int, error) {
	if f.failNextErr != nil {
		return nil, 0, f.failNextErr
	}
	total := len(f.events)
	if fromIndex >= total || limit <= 0 {
		return []json.RawMessage{}, total, nil
	}
	end := fromIndex + limit
	if end > total {
		end = total
	}
	return f.events[fromIndex:end], total, nil
}

func (f *fakeStore) GetStats(context.Context) (models.StoreStats, error) {
	if f.failNextErr != nil {
		return models.StoreStats{}, f.failNextErr
	}
	return f.stats, nil
}

func (f *fakeStore) CleanupOldSessions(_ context.Context, maxAge time.Duration) (int64, error) {
	if f.failNextErr != nil {
		return 0, f.failNextErr
	}
	f.lastMaxAge = maxAge
	return f.deleted, nil
}

type fakeHub struct {
	stats websocket.Stats
}

func (f *fakeHub) Stats() websocket.Stats { return f.stats }

func (f *fakeHub) HandleUpgrade(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusSwitchingProtocols)
}

type fakeRegistry struct {
	live, active int
	totalEvents  int64
}

func (f *fakeRegistry) Counts() (int, int) { return f.live, f.active }
func (f *fakeRegistry) TotalEvents() int64 { return f.totalEvents }

type fakeBatcher struct {
	healthy bool
	stats   batcher.Stats
}

func (f *fakeBatcher) Stats() batcher.Stats { return f.stats }
func (f *fakeBatcher) Healthy() bool        { return f.healthy }

type fixture struct {
	store    *fakeStore
	hub      *fakeHub
	registry *fakeRegistry
	batcher  *fakeBatcher
	srv      *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    &fakeStore{},
		hub:      &fakeHub{},
		registry: &fakeRegistry{},
		batcher:  &fakeBatcher{healthy: true},
	}
	cfg := config.APIConfig{
		DefaultPageSize: 20,
		MaxPageSize:     100,
		CORSOrigins:     []string{"*"},
		RateLimitReqs:   1000,
		RateLimitWindow: time.Minute,
	}
	handler := NewHandler(f.store, f.hub, f.registry, f.batcher, cfg)
	f.srv = httptest.NewServer(NewRouter(handler, cfg).Setup())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	return f.do(t, http.MethodGet, path)
}

func (f *fixture) do(t *testing.T, method, path string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode %s body: %v", path, err)
	}
	return resp, body
}

func TestRootIdentifiesService(t *testing.T) {
	f := newFixture(t)
	resp, body := f.get(t, "/")
	if resp.StatusCode != http.StatusOK || body["service"] != "relay" {
		t.Errorf("GET / = %d %v", resp.StatusCode, body)
	}
}

func TestHealthOK(t *testing.T) {
	f := newFixture(t)
	f.store.stats = models.StoreStats{TotalSessions: 5, ActiveSessions: 2, TotalEvents: 100}
	f.registry.live, f.registry.active = 3, 2

	resp, body := f.get(t, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Errorf("health status = %v", body["status"])
	}
	db := body["database"].(map[string]any)
	if db["totalSessions"].(float64) != 5 {
		t.Errorf("database totals = %v", db)
	}
}

func TestHealthDegradedWhenBreakerOpen(t *testing.T) {
	f := newFixture(t)
	f.batcher.healthy = false

	resp, body := f.get(t, "/health")
	if resp.StatusCode != http.StatusServiceUnavailable || body["status"] != "degraded" {
		t.Errorf("GET /health = %d %v, want 503 degraded", resp.StatusCode, body["status"])
	}
}

func TestHealthDegradedOnStoreError(t *testing.T) {
	f := newFixture(t)
	f.store.failNextErr = errors.New("db down")

	resp, body := f.get(t, "/health")
	if resp.StatusCode != http.StatusServiceUnavailable || body["status"] != "degraded" {
		t.Errorf("GET /health = %d %v, want 503 degraded", resp.StatusCode, body["status"])
	}
}

func TestStatsFromMemory(t *testing.T) {
	f := newFixture(t)
	f.hub.stats = websocket.Stats{TotalClients: 4, Trackers: 1, Viewers: 3}
	f.registry.active = 1
	f.registry.totalEvents = 42

	resp, body := f.get(t, "/stats")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["totalClients"].(float64) != 4 || body["viewers"].(float64) != 3 {
		t.Errorf("client counts = %v", body)
	}
	if body["activeSessions"].(float64) != 1 || body["totalEvents"].(float64) != 42 {
		t.Errorf("session counters = %v", body)
	}
}

func TestActiveSessions(t *testing.T) {
	f := newFixture(t)
	f.store.sessions = []models.SessionSummary{{SessionID: "s1", IsActive: true, EventCount: 2}}

	resp, body := f.get(t, "/sessions/active")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	sessions := body["sessions"].([]any)
	if len(sessions) != 1 || sessions[0].(map[string]any)["sessionId"] != "s1" {
		t.Errorf("sessions = %v", sessions)
	}
}

func TestActiveSessionsStoreError(t *testing.T) {
	f := newFixture(t)
	f.store.failNextErr = errors.New("db down")

	resp, body := f.get(t, "/sessions/active")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	if _, ok := body["error"]; !ok {
		t.Errorf("expected {error} body, got %v", body)
	}
}

func TestSessionsPagination(t *testing.T) {
	f := newFixture(t)

	resp, body := f.get(t, "/sessions?limit=10&offset=5")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["limit"].(float64) != 10 || body["offset"].(float64) != 5 {
		t.Errorf("echoed pagination = %v", body)
	}
	if f.store.lastLimit != 10 || f.store.lastOffset != 5 {
		t.Errorf("store called with limit=%d offset=%d", f.store.lastLimit, f.store.lastOffset)
	}
}

func TestSessionsLimitClampedToMax(t *testing.T) {
	f := newFixture(t)
	f.get(t, "/sessions?limit=5000")
	if f.store.lastLimit != 100 {
		t.Errorf("limit = %d, want clamped to 100", f.store.lastLimit)
	}
}

func TestSessionsInvalidLimit(t *testing.T) {
	f := newFixture(t)
	resp, body := f.get(t, "/sessions?limit=abc")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if _, ok := body["error"]; !ok {
		t.Errorf("expected {error} body, got %v", body)
	}
}

func TestSessionEventsPaging(t *testing.T) {
	f := newFixture(t)
	f.store.events = []json.RawMessage{
		json.RawMessage(`{"k":1}`),
		json.RawMessage(`{"k":2}`),
	}

	resp, body := f.get(t, "/sessions/s1/events?fromIndex=0&limit=1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["sessionId"] != "s1" || body["count"].(float64) != 1 {
		t.Errorf("page = %v", body)
	}
	events := body["events"].([]any)
	if fmt.Sprint(events[0].(map[string]any)["k"]) != "1" {
		t.Errorf("first event = %v", events[0])
	}

	_, body = f.get(t, "/sessions/s1/events?fromIndex=1&limit=1")
	events = body["events"].([]any)
	if len(events) != 1 || fmt.Sprint(events[0].(map[string]any)["k"]) != "2" {
		t.Errorf("second page = %v", events)
	}
}

func TestSessionEventsPastEnd(t *testing.T) {
	f := newFixture(t)
	f.store.events = []json.RawMessage{json.RawMessage(`{"k":1}`)}

	resp, body := f.get(t, "/sessions/s1/events?fromIndex=10")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 for past-end offset", resp.StatusCode)
	}
	if body["count"].(float64) != 0 {
		t.Errorf("count = %v, want 0", body["count"])
	}
	if events, ok := body["events"].([]any); !ok || len(events) != 0 {
		t.Errorf("events = %v, want empty array", body["events"])
	}
}

func TestSessionEventsNegativeFromIndex(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.get(t, "/sessions/s1/events?fromIndex=-1")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCleanup(t *testing.T) {
	f := newFixture(t)
	f.store.deleted = 7

	resp, body := f.do(t, http.MethodDelete, "/sessions/cleanup?maxAgeHours=48")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["deletedCount"].(float64) != 7 {
		t.Errorf("deletedCount = %v", body["deletedCount"])
	}
	if f.store.lastMaxAge != 48*time.Hour {
		t.Errorf("maxAge = %v, want 48h", f.store.lastMaxAge)
	}
}

func TestCleanupRejectsZeroAge(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodDelete, "/sessions/cleanup?maxAgeHours=0")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}
