// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package redis

import (
	"context"
	"time"

	"github.com/absmach/fluxconsumer/storage"
	goredis "github.com/redis/go-redis/v9"
)

var _ storage.DedupStore = (*Store)(nil)

// DefaultPrefix namespaces dedup keys in a shared Redis.
const DefaultPrefix = "fluxconsumer:dedup:"

// Config holds Redis connection settings.
type Config struct {
	Addr     string
	Username string
	Password string
	DB       int
	Prefix   string
}

// Store is a Redis-backed dedup store shared across consumer instances.
type Store struct {
	rdb    goredis.UniversalClient
	prefix string
	owned  bool
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	s := NewWithClient(rdb, cfg.Prefix)
	s.owned = true
	return s, nil
}

// NewWithClient wraps an existing client. Close leaves the client open.
func NewWithClient(rdb goredis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{rdb: rdb, prefix: prefix}
}

// Seen reports whether key is marked and not expired.
func (s *Store) Seen(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, storage.ErrEmptyKey
	}
	n, err := s.rdb.Exists(ctx, s.prefix+key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Mark records key for ttl.
func (s *Store) Mark(ctx context.Context, key string, ttl time.Duration) error {
	if key == "" {
		return storage.ErrEmptyKey
	}
	return s.rdb.Set(ctx, s.prefix+key, "1", ttl).Err()
}

// Close closes the client if the store created it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.rdb.Close()
}
