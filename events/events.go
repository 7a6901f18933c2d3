// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event type constants.
const (
	TypeConnectionLost       = "connection.lost"
	TypeConnectionRestored   = "connection.restored"
	TypeConsumerStateChanged = "consumer.state_changed"
	TypeMessageRejected      = "message.rejected"
)

// Event is the common interface for all lifecycle events.
type Event interface {
	// Type returns the event type identifier (e.g., "connection.lost")
	Type() string

	// Queue returns the queue the event concerns, empty for connection events
	Queue() string

	// Wrap wraps the event in a common envelope with metadata
	Wrap(consumerID string) *Envelope
}

// Envelope is the common wrapper for all events.
type Envelope struct {
	EventType  string `json:"event_type"`
	EventID    string `json:"event_id"`
	Timestamp  string `json:"timestamp"`
	ConsumerID string `json:"consumer_id"`
	Data       any    `json:"data"`
}

// MarshalJSON serializes the envelope to JSON.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	type plain Envelope
	return json.Marshal((*plain)(e))
}

func wrap(e Event, consumerID string) *Envelope {
	return &Envelope{
		EventType:  e.Type(),
		EventID:    uuid.New().String(),
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		ConsumerID: consumerID,
		Data:       e,
	}
}

// ConnectionLost is emitted when the broker connection goes away.
type ConnectionLost struct {
	ConnectionID string `json:"connection_id"`
	Kind         string `json:"kind"` // "network", "heartbeat", "auth", ...
	Reason       string `json:"reason"`
	Permanent    bool   `json:"permanent"`
}

func (e ConnectionLost) Type() string                     { return TypeConnectionLost }
func (e ConnectionLost) Queue() string                    { return "" }
func (e ConnectionLost) Wrap(consumerID string) *Envelope { return wrap(e, consumerID) }

// ConnectionRestored is emitted when a new connection replaces a lost one.
type ConnectionRestored struct {
	ConnectionID string `json:"connection_id"`
}

func (e ConnectionRestored) Type() string                     { return TypeConnectionRestored }
func (e ConnectionRestored) Queue() string                    { return "" }
func (e ConnectionRestored) Wrap(consumerID string) *Envelope { return wrap(e, consumerID) }

// ConsumerStateChanged is emitted on every consumer state transition.
type ConsumerStateChanged struct {
	QueueName string `json:"queue"`
	From      string `json:"from"`
	To        string `json:"to"`
	Error     string `json:"error,omitempty"`
}

func (e ConsumerStateChanged) Type() string                     { return TypeConsumerStateChanged }
func (e ConsumerStateChanged) Queue() string                    { return e.QueueName }
func (e ConsumerStateChanged) Wrap(consumerID string) *Envelope { return wrap(e, consumerID) }

// MessageRejected is emitted when a message is negatively acknowledged
// without requeue.
type MessageRejected struct {
	QueueName   string `json:"queue"`
	MessageID   string `json:"message_id,omitempty"`
	DeliveryTag uint64 `json:"delivery_tag"`
	Reason      string `json:"reason"`
	PayloadSize int    `json:"payload_size"`
}

func (e MessageRejected) Type() string                     { return TypeMessageRejected }
func (e MessageRejected) Queue() string                    { return e.QueueName }
func (e MessageRejected) Wrap(consumerID string) *Envelope { return wrap(e, consumerID) }
