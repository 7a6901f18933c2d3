// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"sync/atomic"
	"time"

	"github.com/absmach/fluxconsumer/client/amqp"
	amqp091 "github.com/rabbitmq/amqp091-go"
)

// Message is a delivery handed to a Handler. Handlers must treat it as
// read-only; the consumer settles it once the handler returns.
type Message struct {
	Body        []byte
	DeliveryTag uint64
	Redelivered bool

	Queue           string
	Exchange        string
	RoutingKey      string
	MessageID       string
	CorrelationID   string
	ContentType     string
	ContentEncoding string
	Headers         amqp091.Table
	Timestamp       time.Time
	// DeliveryCount is the broker-reported number of prior deliveries,
	// available on quorum queues.
	DeliveryCount int64

	acker   amqp091.Acknowledger
	settled atomic.Bool
}

func newMessage(queue string, d amqp091.Delivery) *Message {
	count, _ := amqp.DeliveryCount(d.Headers)
	return &Message{
		Body:            d.Body,
		DeliveryTag:     d.DeliveryTag,
		Redelivered:     d.Redelivered,
		Queue:           queue,
		Exchange:        d.Exchange,
		RoutingKey:      d.RoutingKey,
		MessageID:       d.MessageId,
		CorrelationID:   d.CorrelationId,
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		Headers:         d.Headers,
		Timestamp:       d.Timestamp,
		DeliveryCount:   count,
		acker:           d.Acknowledger,
	}
}

// Settled reports whether the message was acked or nacked.
func (m *Message) Settled() bool {
	return m.settled.Load()
}

func (m *Message) ack() error {
	if !m.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	if m.acker == nil {
		return ErrNoAcknowledger
	}
	return m.acker.Ack(m.DeliveryTag, false)
}

func (m *Message) nack(requeue bool) error {
	if !m.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	if m.acker == nil {
		return ErrNoAcknowledger
	}
	return m.acker.Nack(m.DeliveryTag, false, requeue)
}
