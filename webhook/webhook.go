// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package webhook delivers consumer lifecycle events to HTTP endpoints.
package webhook

import (
	"context"
	"time"
)

// Notifier sends webhook notifications asynchronously.
type Notifier interface {
	// Notify queues an event without blocking.
	Notify(ctx context.Context, event interface{}) error

	// Close stops the workers, flushing what is already queued.
	Close() error
}

// Sender delivers one payload to one URL.
type Sender interface {
	Send(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error
}
