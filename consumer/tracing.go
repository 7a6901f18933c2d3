// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"

	"github.com/absmach/fluxconsumer/client/amqp"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/absmach/fluxconsumer/consumer"

var _ propagation.TextMapCarrier = headerCarrier(nil)

// headerCarrier reads trace context from AMQP headers.
type headerCarrier amqp091.Table

func (c headerCarrier) Get(key string) string {
	v, _ := amqp.HeaderString(amqp091.Table(c), key)
	return v
}

func (c headerCarrier) Set(key, value string) {
	if c != nil {
		c[key] = value
	}
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

func (c *Consumer) startSpan(ctx context.Context, msg *Message) (context.Context, trace.Span) {
	ctx = c.propagator.Extract(ctx, headerCarrier(msg.Headers))
	return c.tracer.Start(ctx, msg.Queue+" process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.operation", "process"),
			attribute.String("messaging.destination.name", msg.Queue),
			attribute.String("messaging.message.id", msg.MessageID),
			attribute.Int64("messaging.rabbitmq.delivery_tag", int64(msg.DeliveryTag)),
			attribute.Int("messaging.message.body.size", len(msg.Body)),
			attribute.Bool("messaging.rabbitmq.redelivered", msg.Redelivered),
		))
}
