// Relay - Real-Time Session Replay Broker
// Copyright 2026 Relay contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sessionreplay/relay

package batcher

import (
	"fmt"
	"time"
)

// Config holds batcher settings.
type Config struct {
	// BatchSize is the maximum number of batches drained per flush.
	BatchSize int

	// FlushInterval is the period of the timer-driven flush loop.
	FlushInterval time.Duration

	// Breaker configures the circuit breaker guarding store writes.
	Breaker BreakerConfig
}

// BreakerConfig configures the store circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive flush failures that
	// opens the breaker.
	FailureThreshold uint32

	// OpenTimeout is how long the breaker stays open before probing the
	// store again. While open, flushes fail fast and batches stay queued.
	OpenTimeout time.Duration
}

// DefaultBreakerConfig returns production defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
	}
}

func (c *Config) validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flush interval must be positive")
	}
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker = DefaultBreakerConfig()
	}
	return nil
}
