// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp

import (
	amqp091 "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp091.Channel used by consumers.
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp091.Table) (<-chan amqp091.Delivery, error)
	Get(queue string, autoAck bool) (amqp091.Delivery, bool, error)
	Cancel(consumer string, noWait bool) error
	NotifyClose(c chan *amqp091.Error) chan *amqp091.Error
	Close() error
}

// Transport is a live broker connection able to multiplex channels.
type Transport interface {
	Channel() (Channel, error)
	NotifyClose(c chan *amqp091.Error) chan *amqp091.Error
	Close() error
	IsClosed() bool
}

// Dialer opens a Transport to the broker at url.
type Dialer func(url string, cfg amqp091.Config) (Transport, error)

var _ Channel = (*amqp091.Channel)(nil)

type amqpTransport struct {
	conn *amqp091.Connection
}

// DialAMQP is the default Dialer backed by amqp091-go.
func DialAMQP(url string, cfg amqp091.Config) (Transport, error) {
	conn, err := amqp091.DialConfig(url, cfg)
	if err != nil {
		return nil, err
	}
	return &amqpTransport{conn: conn}, nil
}

func (t *amqpTransport) Channel() (Channel, error) {
	ch, err := t.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (t *amqpTransport) NotifyClose(c chan *amqp091.Error) chan *amqp091.Error {
	return t.conn.NotifyClose(c)
}

func (t *amqpTransport) Close() error {
	return t.conn.Close()
}

func (t *amqpTransport) IsClosed() bool {
	return t.conn.IsClosed()
}
