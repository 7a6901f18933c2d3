// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp

import (
	"errors"
	"math"
	"strconv"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

// Queue argument keys understood by RabbitMQ.
const (
	ArgQueueType            = "x-queue-type"
	ArgDeadLetterExchange   = "x-dead-letter-exchange"
	ArgDeadLetterRoutingKey = "x-dead-letter-routing-key"
	ArgMessageTTL           = "x-message-ttl"
	ArgMaxLength            = "x-max-length"

	HeaderDeliveryCount = "x-delivery-count"
)

// QueueOptions configures a queue declaration.
type QueueOptions struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	// Passive only checks that the queue exists.
	Passive bool

	QueueType            string // "classic" or "quorum"
	DeadLetterExchange   string
	DeadLetterRoutingKey string
	MessageTTL           time.Duration
	MaxLength            int64
	Arguments            amqp091.Table
}

// Table builds the declaration arguments.
func (o QueueOptions) Table() amqp091.Table {
	args := amqp091.Table{}
	for k, v := range o.Arguments {
		args[k] = v
	}
	if o.QueueType != "" {
		args[ArgQueueType] = o.QueueType
	}
	if o.DeadLetterExchange != "" {
		args[ArgDeadLetterExchange] = o.DeadLetterExchange
	}
	if o.DeadLetterRoutingKey != "" {
		args[ArgDeadLetterRoutingKey] = o.DeadLetterRoutingKey
	}
	if o.MessageTTL > 0 {
		args[ArgMessageTTL] = o.MessageTTL.Milliseconds()
	}
	if o.MaxLength > 0 {
		args[ArgMaxLength] = o.MaxLength
	}
	if len(args) == 0 {
		return nil
	}
	return args
}

// DeclareQueue declares the queue described by opts. Declaring an existing
// queue with identical properties is a no-op; declaring it with different
// properties returns a *QueueConflictError.
func DeclareQueue(ch Channel, opts QueueOptions) (amqp091.Queue, error) {
	if opts.Name == "" {
		return amqp091.Queue{}, ErrInvalidQueueName
	}

	declare := ch.QueueDeclare
	if opts.Passive {
		declare = ch.QueueDeclarePassive
	}

	q, err := declare(opts.Name, opts.Durable, opts.AutoDelete, opts.Exclusive, false, opts.Table())
	if err != nil {
		var ae *amqp091.Error
		if errors.As(err, &ae) && ae.Code == amqp091.PreconditionFailed {
			return amqp091.Queue{}, &QueueConflictError{Queue: opts.Name, Err: err}
		}
		return amqp091.Queue{}, err
	}
	return q, nil
}

// DeliveryCount returns the broker-reported delivery count, if present.
func DeliveryCount(headers amqp091.Table) (int64, bool) {
	return HeaderInt64(headers, HeaderDeliveryCount)
}

// HeaderUint64 reads an unsigned integer header.
func HeaderUint64(headers amqp091.Table, key string) (uint64, bool) {
	if headers == nil {
		return 0, false
	}
	val, ok := headers[key]
	if !ok {
		return 0, false
	}
	switch v := val.(type) {
	case uint64:
		return v, true
	case uint32:
		return uint64(v), true
	case int64:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case int32:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case int:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case string:
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

// HeaderInt64 reads a signed integer header.
func HeaderInt64(headers amqp091.Table, key string) (int64, bool) {
	if headers == nil {
		return 0, false
	}
	val, ok := headers[key]
	if !ok {
		return 0, false
	}
	switch v := val.(type) {
	case int64:
		return v, true
	case int32:
		return int64(v), true
	case int16:
		return int64(v), true
	case int:
		return int64(v), true
	case uint64:
		if v > math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	case uint32:
		return int64(v), true
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

// HeaderBool reads a boolean header.
func HeaderBool(headers amqp091.Table, key string) (bool, bool) {
	if headers == nil {
		return false, false
	}
	val, ok := headers[key]
	if !ok {
		return false, false
	}
	switch v := val.(type) {
	case bool:
		return v, true
	case string:
		if v == "true" {
			return true, true
		}
		if v == "false" {
			return false, true
		}
	}
	return false, false
}

// HeaderString reads a string header.
func HeaderString(headers amqp091.Table, key string) (string, bool) {
	if headers == nil {
		return "", false
	}
	val, ok := headers[key]
	if !ok {
		return "", false
	}
	switch v := val.(type) {
	case string:
		return v, true
	case []byte:
		return string(v), true
	}
	return "", false
}
