// Relay - Real-Time Session Replay Broker
// Copyright 2026 Relay contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sessionreplay/relay

package batcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/sessionreplay/relay/internal/logging"
	"github.com/sessionreplay/relay/internal/models"
)

//nolint:gochecknoinits // init ensures quiet logging for tests
func init() {
	logging.Init(logging.Config{Level: "error", Format: "json", Output: io.Discard})
}

// fakeStore records applied batches and can fail a configurable number
// of times.
type fakeStore struct {
	mu       sync.Mutex
	applied  [][]*models.Batch
	failures int
}

func (f *fakeStore) ApplyBatches(_ context.Context, batches []*models.Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("store unavailable")
	}
	copied := make([]*models.Batch, len(batches))
	copy(copied, batches)
	f.applied = append(f.applied, copied)
	return nil
}

func (f *fakeStore) flatten() []*models.Batch {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []*models.Batch
	for _, call := range f.applied {
		all = append(all, call...)
	}
	return all
}

func eventBatch(sessionID string, seq int) *models.Batch {
	return &models.Batch{
		SessionID: sessionID,
		UserID:    "u1",
		IsActive:  true,
		Events:    []json.RawMessage{json.RawMessage(fmt.Sprintf(`{"seq":%d}`, seq))},
	}
}

func testConfig(batchSize int) Config {
	return Config{
		BatchSize:     batchSize,
		FlushInterval: 20 * time.Millisecond,
		Breaker:       DefaultBreakerConfig(),
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(nil, testConfig(10)); err == nil {
		t.Error("expected error for nil store")
	}
	if _, err := New(&fakeStore{}, Config{BatchSize: 0, FlushInterval: time.Second}); err == nil {
		t.Error("expected error for zero batch size")
	}
	if _, err := New(&fakeStore{}, Config{BatchSize: 1, FlushInterval: 0}); err == nil {
		t.Error("expected error for zero flush interval")
	}
}

func TestQueuePressureTriggersFlush(t *testing.T) {
	store := &fakeStore{}
	b, err := New(store, testConfig(2))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	// 2*BatchSize enqueues reach the pressure threshold.
	for i := 0; i < 4; i++ {
		if err := b.Enqueue(eventBatch("s1", i)); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(store.flatten()) >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := len(store.flatten()); got < 2 {
		t.Fatalf("pressure flush applied %d batches, want at least 2", got)
	}
}

func TestIntervalFlush(t *testing.T) {
	store := &fakeStore{}
	b, err := New(store, testConfig(10))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Serve(ctx) }()

	if err := b.Enqueue(eventBatch("s1", 0)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(store.flatten()) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("interval flush did not apply the queued batch")
}

func TestFlushErrorRequeuesInOrder(t *testing.T) {
	store := &fakeStore{failures: 1}
	b, err := New(store, testConfig(5))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := b.Enqueue(eventBatch("s1", i)); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	ctx := context.Background()
	if err := b.flushOnce(ctx); err == nil {
		t.Fatal("expected first flush to fail")
	}

	stats := b.Stats()
	if stats.ErrorCount != 1 {
		t.Errorf("error count = %d, want 1", stats.ErrorCount)
	}
	if stats.QueueLength != 3 {
		t.Errorf("queue length after requeue = %d, want 3", stats.QueueLength)
	}

	if err := b.flushOnce(ctx); err != nil {
		t.Fatalf("retry flush failed: %v", err)
	}

	all := store.flatten()
	if len(all) != 3 {
		t.Fatalf("applied %d batches, want 3", len(all))
	}
	for i, batch := range all {
		want := fmt.Sprintf(`{"seq":%d}`, i)
		if string(batch.Events[0]) != want {
			t.Errorf("batch %d = %s, want %s (order lost across requeue)", i, batch.Events[0], want)
		}
	}
}

func TestFlushDrainsAtMostBatchSize(t *testing.T) {
	store := &fakeStore{}
	b, err := New(store, testConfig(2))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	b.mu.Lock()
	for i := 0; i < 5; i++ {
		b.queue = append(b.queue, eventBatch("s1", i))
	}
	b.mu.Unlock()

	if err := b.flushOnce(context.Background()); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	store.mu.Lock()
	calls := len(store.applied)
	first := len(store.applied[0])
	store.mu.Unlock()
	if calls != 1 || first != 2 {
		t.Errorf("flush drained %d batches in %d calls, want one call of 2", first, calls)
	}
	if b.Stats().QueueLength != 3 {
		t.Errorf("queue length = %d, want 3", b.Stats().QueueLength)
	}
}

func TestCloseDrainsEverything(t *testing.T) {
	store := &fakeStore{}
	b, err := New(store, testConfig(3))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	total := 10
	for i := 0; i < total; i++ {
		if err := b.Enqueue(eventBatch("s1", i)); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	all := store.flatten()
	if len(all) != total {
		t.Fatalf("after Close store holds %d batches, want %d", len(all), total)
	}
	for i, batch := range all {
		want := fmt.Sprintf(`{"seq":%d}`, i)
		if string(batch.Events[0]) != want {
			t.Errorf("batch %d = %s, want %s", i, batch.Events[0], want)
		}
	}

	if err := b.Enqueue(eventBatch("s1", 99)); !errors.Is(err, ErrClosed) {
		t.Errorf("Enqueue after Close = %v, want ErrClosed", err)
	}
	if err := b.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
}

func TestServeStopsOnContextCancel(t *testing.T) {
	b, err := New(&fakeStore{}, testConfig(2))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Serve(ctx) }()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Serve did not stop on context cancel")
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	store := &fakeStore{failures: 100}
	cfg := testConfig(5)
	cfg.Breaker = BreakerConfig{FailureThreshold: 2, OpenTimeout: time.Minute}
	b, err := New(store, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := b.Enqueue(eventBatch("s1", 0)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := b.flushOnce(ctx); err == nil {
			t.Fatal("expected flush failure")
		}
	}

	if b.Healthy() {
		t.Error("breaker should be open after consecutive failures")
	}
	if b.Stats().BreakerState != "open" {
		t.Errorf("breaker state = %q, want open", b.Stats().BreakerState)
	}
	// Batches stay queued while the breaker is open.
	if b.Stats().QueueLength != 1 {
		t.Errorf("queue length = %d, want 1", b.Stats().QueueLength)
	}
}

func TestStatsSnapshot(t *testing.T) {
	store := &fakeStore{}
	b, err := New(store, testConfig(5))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		_ = b.Enqueue(eventBatch("s1", i))
	}
	if err := b.flushOnce(context.Background()); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	stats := b.Stats()
	if stats.BatchesReceived != 3 || stats.BatchesFlushed != 3 || stats.FlushCount != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.LastFlushTime.IsZero() {
		t.Error("LastFlushTime should be set after a successful flush")
	}
}
