// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"

	"github.com/absmach/fluxconsumer/client/amqp"
	"github.com/absmach/fluxconsumer/config"
	"github.com/absmach/fluxconsumer/consumer"
	fluxtls "github.com/absmach/fluxconsumer/pkg/tls"
	"github.com/absmach/fluxconsumer/storage"
	"github.com/absmach/fluxconsumer/storage/badger"
	"github.com/absmach/fluxconsumer/storage/memory"
	"github.com/absmach/fluxconsumer/storage/redis"
	"gopkg.in/natefinch/lumberjack.v2"
)

// newLogger builds the process logger. With a log file configured, output
// goes to stdout and to a rotated file.
func newLogger(cfg config.LogConfig, stdout io.Writer) (*slog.Logger, func() error) {
	logLevel := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var out io.Writer = stdout
	closer := func() error { return nil }
	if cfg.File.Path != "" {
		rotated := &lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    cfg.File.MaxSizeMB,
			MaxBackups: cfg.File.MaxBackups,
			MaxAge:     cfg.File.MaxAgeDays,
			Compress:   cfg.File.Compress,
		}
		out = io.MultiWriter(stdout, rotated)
		closer = rotated.Close
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler), closer
}

// clientOptions maps the broker and reconnect sections onto connection
// manager options. Callbacks are set by the caller.
func clientOptions(cfg *config.Config, logger *slog.Logger) (*amqp.Options, error) {
	tlsCfg, err := fluxtls.LoadClientConfig(cfg.Broker.TLS)
	if err != nil {
		return nil, fmt.Errorf("broker tls: %w", err)
	}

	opts := amqp.NewOptions().
		SetTLSConfig(tlsCfg).
		SetDialTimeout(cfg.Broker.DialTimeout).
		SetHeartbeat(cfg.Broker.Heartbeat).
		SetAutoReconnect(cfg.Reconnect.Enabled).
		SetReconnectBackoff(cfg.Reconnect.BackoffBase).
		SetMaxReconnectWait(cfg.Reconnect.BackoffCap).
		SetReconnectJitter(cfg.Reconnect.Jitter).
		SetMaxReconnectAttempts(cfg.Reconnect.MaxAttempts).
		SetLogger(logger)

	if cfg.Broker.URL != "" {
		opts.SetURL(cfg.Broker.URL)
	} else {
		opts.SetAddress(net.JoinHostPort(cfg.Broker.Host, strconv.Itoa(cfg.Broker.Port))).
			SetCredentials(cfg.Broker.Username, cfg.Broker.Password).
			SetVhost(cfg.Broker.Vhost)
	}
	return opts, opts.Validate()
}

// consumerConfig maps one consumers[] entry onto a consumer configuration.
// consumerConfig maps one consumers[] entry. Subscribe retries follow the
// same backoff as broker reconnects.
func consumerConfig(cc config.ConsumerConfig, rc config.ReconnectConfig) consumer.Config {
	return consumer.Config{
		Queue: amqp.QueueOptions{
			Name:                 cc.Queue,
			Durable:              cc.Durable,
			AutoDelete:           cc.AutoDelete,
			Exclusive:            cc.Exclusive,
			Passive:              cc.Passive,
			QueueType:            cc.QueueType,
			DeadLetterExchange:   cc.DeadLetterExchange,
			DeadLetterRoutingKey: cc.DeadLetterKey,
			MessageTTL:           cc.MessageTTL,
			MaxLength:            cc.MaxLength,
		},
		Prefetch:        cc.Prefetch,
		ConsumerTag:     cc.ConsumerTag,
		HandlerTimeout:  cc.HandlerTimeout,
		MaxRedeliveries: cc.MaxRedeliveries,
		MaxMessageSize:  cc.MaxMessageSize,
		DecodeBodies:    cc.DecodeBodies,

		ResubscribeBackoff: rc.BackoffBase,
		ResubscribeMaxWait: rc.BackoffCap,
	}
}

// newDedupStore opens the configured backend, or returns nil when
// deduplication is off.
func newDedupStore(ctx context.Context, cfg config.DedupConfig) (storage.DedupStore, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Type {
	case "memory":
		return memory.New(0), nil
	case "badger":
		if err := os.MkdirAll(cfg.BadgerDir, 0o755); err != nil {
			return nil, fmt.Errorf("create badger dir: %w", err)
		}
		s, err := badger.New(badger.Config{Dir: cfg.BadgerDir})
		if err != nil {
			return nil, err
		}
		return s, nil
	case "redis":
		s, err := redis.New(ctx, redis.Config{
			Addr:     cfg.Redis.Addr,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown dedup type %q", cfg.Type)
	}
}

// instanceID names this process in events and telemetry.
func instanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "fluxconsumer"
	}
	return host + "-" + strconv.Itoa(os.Getpid())
}
