// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package storage defines the deduplication store used to skip messages
// that were already processed successfully.
package storage

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	ErrClosed   = errors.New("store closed")
	ErrEmptyKey = errors.New("dedup key cannot be empty")
)

// DedupStore remembers processed message keys for a bounded time.
type DedupStore interface {
	// Seen reports whether key was marked and has not expired.
	Seen(ctx context.Context, key string) (bool, error)

	// Mark records key as processed. A zero ttl keeps the key forever.
	Mark(ctx context.Context, key string, ttl time.Duration) error

	// Close releases the store's resources.
	Close() error
}

// Key builds the dedup key for a message on a queue. Messages without an
// identifier cannot be deduplicated and yield an empty key.
func Key(queue, messageID string) string {
	if messageID == "" {
		return ""
	}
	return queue + "/" + messageID
}
