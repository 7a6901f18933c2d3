// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sync"
	"time"

	"github.com/absmach/fluxconsumer/storage"
)

var _ storage.DedupStore = (*Store)(nil)

const defaultCleanupInterval = time.Minute

// Store is an in-memory dedup store. Keys are lost on restart.
type Store struct {
	mu      sync.Mutex
	entries map[string]time.Time // zero time never expires
	closed  bool
	now     func() time.Time

	stopCh chan struct{}
	done   chan struct{}
}

// New creates an in-memory store that purges expired keys every interval.
func New(interval time.Duration) *Store {
	if interval <= 0 {
		interval = defaultCleanupInterval
	}
	s := &Store{
		entries: make(map[string]time.Time),
		now:     time.Now,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.cleanupLoop(interval)
	return s
}

// Seen reports whether key is marked and not expired.
func (s *Store) Seen(_ context.Context, key string) (bool, error) {
	if key == "" {
		return false, storage.ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, storage.ErrClosed
	}

	exp, ok := s.entries[key]
	if !ok {
		return false, nil
	}
	if !exp.IsZero() && !s.now().Before(exp) {
		delete(s.entries, key)
		return false, nil
	}
	return true, nil
}

// Mark records key for ttl.
func (s *Store) Mark(_ context.Context, key string, ttl time.Duration) error {
	if key == "" {
		return storage.ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}

	var exp time.Time
	if ttl > 0 {
		exp = s.now().Add(ttl)
	}
	s.entries[key] = exp
	return nil
}

// Len returns the number of tracked keys, expired or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close stops the cleanup loop.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stopCh)
	<-s.done
	return nil
}

func (s *Store) cleanupLoop(interval time.Duration) {
	defer close(s.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.purge()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Store) purge() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, exp := range s.entries {
		if !exp.IsZero() && !now.Before(exp) {
			delete(s.entries, k)
		}
	}
}
