// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"log/slog"
	"time"

	"github.com/absmach/fluxconsumer/client/amqp"
	"github.com/absmach/fluxconsumer/storage"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Default values.
const (
	DefaultPrefetch           = 1
	DefaultConsumerTag        = "fluxconsumer"
	DefaultResubscribeBackoff = time.Second
	DefaultResubscribeMaxWait = 30 * time.Second
	DefaultDedupTTL           = 24 * time.Hour
)

// Config configures a Consumer.
type Config struct {
	Queue    amqp.QueueOptions
	Prefetch int
	// ConsumerTag prefixes the unique tag of every subscription.
	ConsumerTag    string
	HandlerTimeout time.Duration
	// MaxRedeliveries rejects retryable failures once the broker-reported
	// delivery count reaches it. 0 requeues forever.
	MaxRedeliveries    int
	ResubscribeBackoff time.Duration
	ResubscribeMaxWait time.Duration
	MaxMessageSize     int
	DecodeBodies       bool
}

func (c Config) withDefaults() Config {
	if c.Prefetch == 0 {
		c.Prefetch = DefaultPrefetch
	}
	if c.ConsumerTag == "" {
		c.ConsumerTag = DefaultConsumerTag
	}
	if c.ResubscribeBackoff <= 0 {
		c.ResubscribeBackoff = DefaultResubscribeBackoff
	}
	if c.ResubscribeMaxWait < c.ResubscribeBackoff {
		c.ResubscribeMaxWait = max(DefaultResubscribeMaxWait, c.ResubscribeBackoff)
	}
	return c
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	if c.Queue.Name == "" {
		return amqp.ErrInvalidQueueName
	}
	if c.Prefetch <= 0 {
		return ErrInvalidPrefetch
	}
	if c.MaxRedeliveries < 0 {
		return ErrInvalidRedeliveries
	}
	return nil
}

// ChannelSource supplies channels on the current broker connection.
// *amqp.Client satisfies it.
type ChannelSource interface {
	Channel(ctx context.Context) (amqp.Channel, error)
}

// Limiter paces deliveries. *ratelimit.DeliveryLimiter satisfies it.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Notifier receives lifecycle events. webhook.Notifier satisfies it.
type Notifier interface {
	Notify(ctx context.Context, event interface{}) error
}

// Metrics records consumer activity.
type Metrics interface {
	MessageDelivered(queue string, size int)
	MessageSettled(queue string, outcome Outcome, requeued bool, d time.Duration)
	DuplicateSkipped(queue string)
	InflightChanged(queue string, delta int64)
	StateChanged(queue string, from, to State)
}

type nopMetrics struct{}

func (nopMetrics) MessageDelivered(string, int)                        {}
func (nopMetrics) MessageSettled(string, Outcome, bool, time.Duration) {}
func (nopMetrics) DuplicateSkipped(string)                             {}
func (nopMetrics) InflightChanged(string, int64)                       {}
func (nopMetrics) StateChanged(string, State, State)                   {}

// Option configures a Consumer.
type Option func(*Consumer)

// WithID sets the identifier reported in events.
func WithID(id string) Option {
	return func(c *Consumer) {
		if id != "" {
			c.id = id
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Consumer) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m Metrics) Option {
	return func(c *Consumer) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithNotifier sets the lifecycle event sink.
func WithNotifier(n Notifier) Option {
	return func(c *Consumer) {
		c.notifier = n
	}
}

// WithDedup skips messages whose id was already processed successfully.
// A non-positive ttl uses DefaultDedupTTL.
func WithDedup(s storage.DedupStore, ttl time.Duration) Option {
	return func(c *Consumer) {
		if ttl <= 0 {
			ttl = DefaultDedupTTL
		}
		c.dedup = s
		c.dedupTTL = ttl
	}
}

// WithRateLimiter paces deliveries.
func WithRateLimiter(l Limiter) Option {
	return func(c *Consumer) {
		c.limiter = l
	}
}

// WithTracerProvider sets the tracer provider used for handler spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Consumer) {
		if tp != nil {
			c.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithPropagator sets how trace context is read from message headers.
func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(c *Consumer) {
		if p != nil {
			c.propagator = p
		}
	}
}
