// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"
	"time"

	"github.com/absmach/fluxconsumer/consumer"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/absmach/fluxconsumer"

// Metrics holds the consumer and connection instruments.
// It implements consumer.Metrics.
type Metrics struct {
	delivered   metric.Int64Counter
	acked       metric.Int64Counter
	nacked      metric.Int64Counter
	duplicates  metric.Int64Counter
	transitions metric.Int64Counter
	reconnects  metric.Int64Counter
	lost        metric.Int64Counter

	inflight metric.Int64UpDownCounter

	handlerDuration metric.Float64Histogram
	messageSize     metric.Int64Histogram
}

var _ consumer.Metrics = (*Metrics)(nil)

// NewMetrics creates the instruments on mp, or on the global provider when
// mp is nil.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)
	m := &Metrics{}

	var err error
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.delivered, "consumer.messages.delivered", "Messages delivered by the broker"},
		{&m.acked, "consumer.messages.acked", "Messages acknowledged"},
		{&m.nacked, "consumer.messages.nacked", "Messages negatively acknowledged"},
		{&m.duplicates, "consumer.messages.duplicates", "Duplicate messages skipped"},
		{&m.transitions, "consumer.state.transitions", "Consumer state transitions"},
		{&m.reconnects, "connection.reconnects", "Successful reconnections to the broker"},
		{&m.lost, "connection.lost", "Broker connection losses"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	m.inflight, err = meter.Int64UpDownCounter(
		"consumer.inflight",
		metric.WithDescription("Messages delivered and not yet settled"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create inflight gauge: %w", err)
	}

	m.handlerDuration, err = meter.Float64Histogram(
		"consumer.handler.duration.ms",
		metric.WithDescription("Handler duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create handlerDuration histogram: %w", err)
	}

	m.messageSize, err = meter.Int64Histogram(
		"consumer.message.size.bytes",
		metric.WithDescription("Message body size distribution"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messageSize histogram: %w", err)
	}

	return m, nil
}

func queueAttr(queue string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("queue", queue))
}

// MessageDelivered records a delivery and its body size.
func (m *Metrics) MessageDelivered(queue string, size int) {
	ctx := context.Background()
	m.delivered.Add(ctx, 1, queueAttr(queue))
	m.messageSize.Record(ctx, int64(size), queueAttr(queue))
}

// MessageSettled records the settlement of a message.
func (m *Metrics) MessageSettled(queue string, outcome consumer.Outcome, requeued bool, d time.Duration) {
	ctx := context.Background()
	if outcome == consumer.Success {
		m.acked.Add(ctx, 1, queueAttr(queue))
	} else {
		m.nacked.Add(ctx, 1, metric.WithAttributes(
			attribute.String("queue", queue),
			attribute.String("outcome", outcome.String()),
			attribute.Bool("requeued", requeued),
		))
	}
	if d > 0 {
		m.handlerDuration.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributes(
			attribute.String("queue", queue),
			attribute.String("outcome", outcome.String()),
		))
	}
}

// DuplicateSkipped records a message acked without handling.
func (m *Metrics) DuplicateSkipped(queue string) {
	m.duplicates.Add(context.Background(), 1, queueAttr(queue))
}

// InflightChanged moves the in-flight gauge.
func (m *Metrics) InflightChanged(queue string, delta int64) {
	m.inflight.Add(context.Background(), delta, queueAttr(queue))
}

// StateChanged records a consumer state transition.
func (m *Metrics) StateChanged(queue string, from, to consumer.State) {
	m.transitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("from", from.String()),
		attribute.String("to", to.String()),
	))
}

// ConnectionLost records a lost broker connection.
func (m *Metrics) ConnectionLost(kind string) {
	m.lost.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// Reconnected records a successful reconnection.
func (m *Metrics) Reconnected() {
	m.reconnects.Add(context.Background(), 1)
}
