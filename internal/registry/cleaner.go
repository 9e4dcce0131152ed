// Relay - Real-Time Session Replay Broker
// Copyright 2026 Relay contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sessionreplay/relay

package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/sessionreplay/relay/internal/logging"
)

// CleanupStore is the store surface the cleaner deletes through.
type CleanupStore interface {
	CleanupOldSessions(ctx context.Context, maxAge time.Duration) (int64, error)
}

// Cleaner periodically evicts idle sessions from registry memory and
// deletes aged rows from the store. Memory eviction (MaxIdleAge) and
// store retention (Retention) are independent windows; the operator
// sets both.
type Cleaner struct {
	registry *Registry
	store    CleanupStore

	interval   time.Duration
	maxIdleAge time.Duration
	retention  time.Duration
}

// NewCleaner creates a Cleaner sweeping every interval.
func NewCleaner(registry *Registry, store CleanupStore, interval, maxIdleAge, retention time.Duration) (*Cleaner, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry required")
	}
	if store == nil {
		return nil, fmt.Errorf("store required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("cleanup interval must be positive")
	}
	return &Cleaner{
		registry:   registry,
		store:      store,
		interval:   interval,
		maxIdleAge: maxIdleAge,
		retention:  retention,
	}, nil
}

// Serve runs the sweep loop. It implements suture.Service.
func (c *Cleaner) Serve(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	logging.Info().
		Dur("interval", c.interval).
		Dur("max_idle_age", c.maxIdleAge).
		Dur("retention", c.retention).
		Msg("session cleaner started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

// String implements fmt.Stringer for supervisor logging.
func (c *Cleaner) String() string {
	return "session-cleaner"
}

func (c *Cleaner) sweep(ctx context.Context) {
	evicted := c.registry.Evict(c.maxIdleAge)

	deleted, err := c.store.CleanupOldSessions(ctx, c.retention)
	if err != nil {
		logging.Error().Err(err).Msg("store cleanup failed")
		return
	}
	if evicted > 0 || deleted > 0 {
		logging.Info().
			Int("evicted", evicted).
			Int64("deleted", deleted).
			Msg("cleanup sweep complete")
	}
}
