// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/absmach/fluxconsumer/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.DedupStore = (*Store)(nil)

const (
	keyPrefix         = "dedup:"
	defaultGCInterval = 5 * time.Minute
)

// Store is a BadgerDB-backed dedup store. Expiry uses Badger entry TTLs,
// which have one-second resolution.
type Store struct {
	db *badger.DB

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// Config holds BadgerDB configuration.
type Config struct {
	Dir        string        // Directory for BadgerDB data
	InMemory   bool          // Keep everything in memory (Dir is ignored)
	GCInterval time.Duration // Value log GC period
}

// New opens a BadgerDB-backed dedup store.
func New(cfg Config) (*Store, error) {
	dir := cfg.Dir
	if cfg.InMemory {
		dir = ""
	}
	opts := badger.DefaultOptions(dir).WithInMemory(cfg.InMemory)
	opts.Logger = nil
	// Dedup keys are advisory: losing the tail on crash causes a redelivery
	// to be handled twice, never a lost message.
	opts.SyncWrites = false
	opts.NumVersionsToKeep = 1
	opts.NumCompactors = 2

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	interval := cfg.GCInterval
	if interval <= 0 {
		interval = defaultGCInterval
	}

	s := &Store{
		db:       db,
		gcStopCh: make(chan struct{}),
		gcDone:   make(chan struct{}),
	}
	go s.runGC(interval, cfg.InMemory)

	return s, nil
}

// Seen reports whether key is marked and not expired.
func (s *Store) Seen(_ context.Context, key string) (bool, error) {
	if key == "" {
		return false, storage.ErrEmptyKey
	}
	if s.isClosed() {
		return false, storage.ErrClosed
	}

	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(keyPrefix + key))
		return err
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return false, nil
	default:
		return false, err
	}
}

// Mark records key for ttl.
func (s *Store) Mark(_ context.Context, key string, ttl time.Duration) error {
	if key == "" {
		return storage.ErrEmptyKey
	}
	if s.isClosed() {
		return storage.ErrClosed
	}

	return s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(keyPrefix+key), []byte{1})
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
}

// Close gracefully closes the BadgerDB database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone

	return s.db.Close()
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// runGC runs BadgerDB's value log garbage collection periodically.
func (s *Store) runGC(interval time.Duration, inMemory bool) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if inMemory {
				continue
			}
			// Returns ErrNoRewrite when nothing was reclaimed.
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			return
		}
	}
}
