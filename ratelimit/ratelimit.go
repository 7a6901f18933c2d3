// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// DeliveryLimiter paces how fast a consumer takes deliveries off its
// channel. A nil *DeliveryLimiter never limits.
type DeliveryLimiter struct {
	limiter *rate.Limiter
}

// NewDeliveryLimiter creates a token bucket limiter.
// perSecond is deliveries per second, burst is the burst allowance.
// A non-positive rate disables limiting and returns nil.
func NewDeliveryLimiter(perSecond float64, burst int) *DeliveryLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &DeliveryLimiter{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Wait blocks until a delivery may be taken or ctx is done.
func (l *DeliveryLimiter) Wait(ctx context.Context) error {
	if l == nil {
		return ctx.Err()
	}
	return l.limiter.Wait(ctx)
}

// Allow reports whether a delivery may be taken now.
func (l *DeliveryLimiter) Allow() bool {
	if l == nil {
		return true
	}
	return l.limiter.Allow()
}

// Limit returns the configured rate, 0 when unlimited.
func (l *DeliveryLimiter) Limit() float64 {
	if l == nil {
		return 0
	}
	return float64(l.limiter.Limit())
}

// QueueLimit is a per-queue override.
type QueueLimit struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// Config holds rate limiting configuration.
type Config struct {
	Enabled   bool                  `yaml:"enabled"`
	PerSecond float64               `yaml:"per_second"`
	Burst     int                   `yaml:"burst"`
	Queues    map[string]QueueLimit `yaml:"queues"`
}

// DefaultConfig returns rate limiting disabled with a 100/s default bucket.
func DefaultConfig() Config {
	return Config{
		Enabled:   false,
		PerSecond: 100,
		Burst:     10,
	}
}

// Manager hands out one limiter per queue.
type Manager struct {
	mu       sync.Mutex
	cfg      Config
	limiters map[string]*DeliveryLimiter
}

// NewManager creates a rate limit manager with the given configuration.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:      cfg,
		limiters: make(map[string]*DeliveryLimiter),
	}
}

// For returns the limiter for queue, or nil when limiting is disabled.
// Consumers of the same queue share one bucket.
func (m *Manager) For(queue string) *DeliveryLimiter {
	if m == nil || !m.cfg.Enabled {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.limiters[queue]; ok {
		return l
	}

	perSecond, burst := m.cfg.PerSecond, m.cfg.Burst
	if q, ok := m.cfg.Queues[queue]; ok {
		perSecond, burst = q.PerSecond, q.Burst
	}
	l := NewDeliveryLimiter(perSecond, burst)
	m.limiters[queue] = l
	return l
}
