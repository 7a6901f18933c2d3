// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"errors"
	"fmt"
)

// Consumer errors.
var (
	ErrNilSource           = errors.New("channel source cannot be nil")
	ErrNilHandler          = errors.New("handler cannot be nil")
	ErrInvalidPrefetch     = errors.New("prefetch must be positive")
	ErrInvalidRedeliveries = errors.New("max redeliveries cannot be negative")
	ErrAlreadyRunning      = errors.New("consumer already running")
	ErrAlreadySettled      = errors.New("message already settled")
	ErrMessageTooLarge     = errors.New("message body exceeds size limit")
	ErrUnsupportedEncoding = errors.New("unsupported content encoding")
	ErrClosed              = errors.New("consumer closed")
	ErrNoAcknowledger      = errors.New("delivery has no acknowledger")

	// ErrRetry asks for the message to be requeued.
	ErrRetry = errors.New("retry requested")
)

// PanicError carries a value recovered from a panicking handler.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}

type retryableError struct {
	err error
}

func (e *retryableError) Error() string {
	return e.err.Error()
}

func (e *retryableError) Unwrap() error {
	return e.err
}

// Retryable marks err as transient: the message is requeued for another try.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}
