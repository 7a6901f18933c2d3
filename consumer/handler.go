// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Handler processes one message. The returned error decides settlement:
// nil acks, Retryable errors requeue, anything else rejects.
type Handler interface {
	Handle(ctx context.Context, msg *Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *Message) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, msg *Message) error {
	return f(ctx, msg)
}

// BodyHandler adapts a function that only needs the message body.
func BodyHandler(fn func(ctx context.Context, body []byte) error) Handler {
	return HandlerFunc(func(ctx context.Context, msg *Message) error {
		return fn(ctx, msg.Body)
	})
}

// JSONHandler decodes the body into T before calling fn. A body that does
// not decode is rejected without calling fn.
func JSONHandler[T any](fn func(ctx context.Context, v T, msg *Message) error) Handler {
	return HandlerFunc(func(ctx context.Context, msg *Message) error {
		var v T
		if err := json.Unmarshal(msg.Body, &v); err != nil {
			return fmt.Errorf("decode %T: %w", v, err)
		}
		return fn(ctx, v, msg)
	})
}

// Outcome is the result of handling a message.
type Outcome int

// Handling outcomes.
const (
	Success Outcome = iota
	RetryableFailure
	PermanentFailure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case RetryableFailure:
		return "retryable_failure"
	case PermanentFailure:
		return "permanent_failure"
	default:
		return "unknown"
	}
}

// Classify maps a handler error to an Outcome.
func Classify(err error) Outcome {
	if err == nil {
		return Success
	}
	var re *retryableError
	if errors.As(err, &re) || errors.Is(err, ErrRetry) {
		return RetryableFailure
	}
	return PermanentFailure
}
