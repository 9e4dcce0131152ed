// Relay - Real-Time Session Replay Broker
// Copyright 2026 Relay contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sessionreplay/relay

// Package batcher is the write-behind queue between the session registry
// and the store. Batches accumulate in a FIFO and are applied to the
// store in one transaction per flush, triggered by either the flush
// interval or the queue reaching twice the batch size. A failed flush
// restores the drained prefix to the head of the queue so per-session
// write order survives retries.
package batcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/sessionreplay/relay/internal/logging"
	"github.com/sessionreplay/relay/internal/metrics"
	"github.com/sessionreplay/relay/internal/models"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("batcher is closed")

// flushTimeout bounds a single flush transaction. Flushes run on a
// detached context: the caller's context may be canceled while the
// flush must still complete to persist data.
const flushTimeout = 30 * time.Second

// BatchStore is the store surface the batcher writes through.
// *store.Store satisfies it; tests use fakes.
type BatchStore interface {
	ApplyBatches(ctx context.Context, batches []*models.Batch) error
}

// Stats holds runtime statistics for monitoring, surfaced by /health.
type Stats struct {
	BatchesReceived int64     `json:"batchesReceived"`
	BatchesFlushed  int64     `json:"batchesFlushed"`
	FlushCount      int64     `json:"flushCount"`
	ErrorCount      int64     `json:"errorCount"`
	LastFlushTime   time.Time `json:"lastFlushTime"`
	LastError       string    `json:"lastError,omitempty"`
	QueueLength     int       `json:"queueLength"`
	BreakerState    string    `json:"breakerState"`
}

// Batcher coalesces session/event/error batches and flushes them to the
// store. A single flush runs at a time; overlapping triggers (timer vs
// queue pressure) serialize on flushMu so store writes keep arrival
// order within each session.
type Batcher struct {
	store   BatchStore
	cfg     Config
	breaker *gobreaker.CircuitBreaker[any]

	mu    sync.Mutex
	queue []*models.Batch

	flushMu sync.Mutex

	closed   atomic.Bool
	started  atomic.Bool
	stopOnce sync.Once
	stopChan chan struct{}
	doneChan chan struct{}
	flushWg  sync.WaitGroup

	batchesReceived atomic.Int64
	batchesFlushed  atomic.Int64
	flushCount      atomic.Int64
	errorCount      atomic.Int64
	lastFlushTime   atomic.Value // time.Time
	lastError       atomic.Value // string
}

// New creates a Batcher writing through the given store.
func New(store BatchStore, cfg Config) (*Batcher, error) {
	if store == nil {
		return nil, fmt.Errorf("store required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	b := &Batcher{
		store:    store,
		cfg:      cfg,
		breaker:  newBreaker(cfg.Breaker),
		queue:    make([]*models.Batch, 0, cfg.BatchSize),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
	b.lastFlushTime.Store(time.Time{})
	b.lastError.Store("")
	return b, nil
}

// Enqueue adds a batch to the queue without blocking on I/O. When the
// queue reaches twice the batch size an immediate asynchronous flush is
// triggered to bound memory. Returns ErrClosed after Close.
func (b *Batcher) Enqueue(batch *models.Batch) error {
	if b.closed.Load() {
		return ErrClosed
	}

	b.mu.Lock()
	b.queue = append(b.queue, batch)
	queueLen := len(b.queue)
	b.mu.Unlock()

	b.batchesReceived.Add(1)
	metrics.BatchQueueLength.Set(float64(queueLen))

	if queueLen >= 2*b.cfg.BatchSize {
		b.flushWg.Add(1)
		go func() {
			defer b.flushWg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
			defer cancel()
			if err := b.flushOnce(ctx); err != nil {
				logging.Debug().Err(err).Msg("pressure-triggered flush failed")
			}
		}()
	}

	return nil
}

// Serve runs the interval flush loop. It implements suture.Service and
// returns when the context is canceled or Close is called.
func (b *Batcher) Serve(ctx context.Context) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if b.started.Swap(true) {
		return fmt.Errorf("batcher already running")
	}
	defer close(b.doneChan)

	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.stopChan:
			return nil
		case <-ticker.C:
			flushCtx, cancel := context.WithTimeout(context.Background(), flushTimeout)
			if err := b.flushOnce(flushCtx); err != nil {
				logging.Debug().Err(err).Msg("interval flush failed")
			}
			cancel()
		}
	}
}

// String implements fmt.Stringer for supervisor logging.
func (b *Batcher) String() string {
	return "batcher"
}

// Flush synchronously flushes the whole queue, waiting first for any
// in-flight asynchronous flushes. Used by tests and shutdown.
func (b *Batcher) Flush(ctx context.Context) error {
	b.flushWg.Wait()
	for {
		b.mu.Lock()
		remaining := len(b.queue)
		b.mu.Unlock()
		if remaining == 0 {
			return nil
		}
		if err := b.flushOnce(ctx); err != nil {
			return err
		}
	}
}

// Close stops the flush loop, waits for in-flight flushes, and drains
// the queue synchronously. Idempotent.
func (b *Batcher) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	b.stopOnce.Do(func() { close(b.stopChan) })
	if b.started.Load() {
		<-b.doneChan
	}
	b.flushWg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := b.Flush(ctx); err != nil {
		return fmt.Errorf("final flush: %w", err)
	}
	logging.Info().Int64("flushed", b.batchesFlushed.Load()).Msg("batcher drained")
	return nil
}

// Stats returns a snapshot of runtime statistics.
func (b *Batcher) Stats() Stats {
	b.mu.Lock()
	queueLen := len(b.queue)
	b.mu.Unlock()

	lastFlush, _ := b.lastFlushTime.Load().(time.Time)
	lastErr, _ := b.lastError.Load().(string)

	return Stats{
		BatchesReceived: b.batchesReceived.Load(),
		BatchesFlushed:  b.batchesFlushed.Load(),
		FlushCount:      b.flushCount.Load(),
		ErrorCount:      b.errorCount.Load(),
		LastFlushTime:   lastFlush,
		LastError:       lastErr,
		QueueLength:     queueLen,
		BreakerState:    b.breaker.State().String(),
	}
}

// Healthy reports whether the store path is usable (breaker not open).
func (b *Batcher) Healthy() bool {
	return b.breaker.State() != gobreaker.StateOpen
}

// flushOnce drains up to BatchSize entries from the head of the queue
// and applies them in one store transaction. On error the drained prefix
// is restored to the head, preserving relative order.
func (b *Batcher) flushOnce(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	if len(b.queue) == 0 {
		b.mu.Unlock()
		return nil
	}
	n := b.cfg.BatchSize
	if n > len(b.queue) {
		n = len(b.queue)
	}
	drained := b.queue[:n:n]
	b.queue = b.queue[n:]
	b.mu.Unlock()

	start := time.Now()
	_, err := b.breaker.Execute(func() (any, error) {
		return nil, b.store.ApplyBatches(ctx, drained)
	})
	if err != nil {
		b.mu.Lock()
		b.queue = append(drained, b.queue...)
		queueLen := len(b.queue)
		b.mu.Unlock()

		b.errorCount.Add(1)
		b.lastError.Store(err.Error())
		metrics.BatchRequeueTotal.Inc()
		metrics.BatchQueueLength.Set(float64(queueLen))
		logging.Warn().Err(err).Int("requeued", len(drained)).Msg("flush failed, batches re-queued")
		return fmt.Errorf("apply %d batches: %w", len(drained), err)
	}

	elapsed := time.Since(start)
	b.batchesFlushed.Add(int64(n))
	b.flushCount.Add(1)
	b.lastFlushTime.Store(time.Now())
	b.lastError.Store("")
	metrics.RecordBatchFlush(elapsed, n)

	b.mu.Lock()
	queueLen := len(b.queue)
	b.mu.Unlock()
	metrics.BatchQueueLength.Set(float64(queueLen))

	logging.Debug().Int("batches", n).Dur("elapsed", elapsed).Msg("flushed batches to store")
	return nil
}
