// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp

import (
	"errors"
	"fmt"
	"strings"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

// Client errors.
var (
	ErrNoAddress            = errors.New("no broker address configured")
	ErrNotConnected         = errors.New("client not connected")
	ErrAlreadyConnected     = errors.New("client already connected")
	ErrClosed               = errors.New("client closed")
	ErrRetryBudgetExhausted = errors.New("reconnect attempts exhausted")
	ErrGaveUp               = errors.New("client gave up on the broker connection")
	ErrInvalidQueueName     = errors.New("queue name cannot be empty")
	ErrInvalidBackoff       = errors.New("reconnect backoff must be positive and not exceed the maximum wait")
	ErrInvalidJitter        = errors.New("reconnect jitter must be between 0 and 1")
	ErrNilOptions           = errors.New("options cannot be nil")
)

// ErrorKind classifies connection failures.
type ErrorKind int

// Connection failure kinds.
const (
	KindNetwork ErrorKind = iota
	KindHeartbeat
	KindAuth
	KindProtocol
	KindRetryBudget
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindHeartbeat:
		return "heartbeat"
	case KindAuth:
		return "auth"
	case KindProtocol:
		return "protocol"
	case KindRetryBudget:
		return "retry_budget"
	default:
		return "unknown"
	}
}

// ConnectionError reports a failure to open or keep a broker connection.
type ConnectionError struct {
	Kind ErrorKind
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("amqp connection (%s): %v", e.Kind, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Permanent reports whether retrying cannot succeed without operator action.
func (e *ConnectionError) Permanent() bool {
	switch e.Kind {
	case KindAuth, KindProtocol, KindRetryBudget:
		return true
	default:
		return false
	}
}

// QueueConflictError is returned when a queue already exists with properties
// that differ from the requested declaration.
type QueueConflictError struct {
	Queue string
	Err   error
}

func (e *QueueConflictError) Error() string {
	return fmt.Sprintf("queue %q exists with incompatible properties: %v", e.Queue, e.Err)
}

func (e *QueueConflictError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether err is a connection error that must not be retried.
func IsPermanent(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce) && ce.Permanent()
}

// IsQueueConflict reports whether err wraps a QueueConflictError.
func IsQueueConflict(err error) bool {
	var qe *QueueConflictError
	return errors.As(err, &qe)
}

// classify wraps err into a ConnectionError with the matching kind.
func classify(err error) *ConnectionError {
	if err == nil {
		return nil
	}

	var ce *ConnectionError
	if errors.As(err, &ce) {
		return ce
	}

	switch {
	case errors.Is(err, amqp091.ErrSASL),
		errors.Is(err, amqp091.ErrCredentials),
		errors.Is(err, amqp091.ErrVhost):
		return &ConnectionError{Kind: KindAuth, Err: err}
	case errors.Is(err, amqp091.ErrSyntax),
		errors.Is(err, amqp091.ErrFrame),
		errors.Is(err, amqp091.ErrCommandInvalid),
		errors.Is(err, amqp091.ErrUnexpectedFrame),
		errors.Is(err, amqp091.ErrFieldType):
		return &ConnectionError{Kind: KindProtocol, Err: err}
	}

	var ae *amqp091.Error
	if errors.As(err, &ae) {
		switch ae.Code {
		case amqp091.AccessRefused, amqp091.NotAllowed:
			return &ConnectionError{Kind: KindAuth, Err: err}
		case amqp091.FrameError, amqp091.SyntaxError, amqp091.CommandInvalid:
			if heartbeatReason(ae.Reason) {
				return &ConnectionError{Kind: KindHeartbeat, Err: err}
			}
			return &ConnectionError{Kind: KindProtocol, Err: err}
		}
		if heartbeatReason(ae.Reason) {
			return &ConnectionError{Kind: KindHeartbeat, Err: err}
		}
		return &ConnectionError{Kind: KindNetwork, Err: err}
	}

	return &ConnectionError{Kind: KindNetwork, Err: err}
}

// classifyDisconnect classifies the reason an established connection went away.
// Only an explicit access refusal is permanent; everything else is retried.
func classifyDisconnect(err error) *ConnectionError {
	if err == nil {
		return &ConnectionError{Kind: KindNetwork, Err: amqp091.ErrClosed}
	}

	var ae *amqp091.Error
	if errors.As(err, &ae) {
		switch {
		case ae.Code == amqp091.AccessRefused:
			return &ConnectionError{Kind: KindAuth, Err: err}
		case heartbeatReason(ae.Reason):
			return &ConnectionError{Kind: KindHeartbeat, Err: err}
		}
	}
	return &ConnectionError{Kind: KindNetwork, Err: err}
}

func heartbeatReason(reason string) bool {
	r := strings.ToLower(reason)
	return strings.Contains(r, "heartbeat") || strings.Contains(r, "timeout")
}
