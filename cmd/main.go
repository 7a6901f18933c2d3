// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/absmach/fluxconsumer/client/amqp"
	"github.com/absmach/fluxconsumer/config"
	"github.com/absmach/fluxconsumer/consumer"
	"github.com/absmach/fluxconsumer/events"
	"github.com/absmach/fluxconsumer/orders"
	fluxtls "github.com/absmach/fluxconsumer/pkg/tls"
	"github.com/absmach/fluxconsumer/ratelimit"
	"github.com/absmach/fluxconsumer/server/health"
	"github.com/absmach/fluxconsumer/server/otel"
	"github.com/absmach/fluxconsumer/webhook"
	otelglobal "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/sync/errgroup"
)

func main() {
	os.Exit(run())
}

func run() int {
	configFile := flag.String("config", "", "Path to configuration file")
	queue := flag.String("queue", "", "Override the queue of the first consumer")
	once := flag.Bool("once", false, "Drain the configured queues with basic.get and exit")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return 1
	}
	if *queue != "" {
		cfg.Consumers[0].Queue = *queue
		if err := cfg.Validate(); err != nil {
			slog.Error("Invalid queue override", "error", err)
			return 1
		}
	}

	logger, closeLog := newLogger(cfg.Log, os.Stdout)
	defer closeLog()
	slog.SetDefault(logger)

	id := instanceID()
	slog.Info("Starting consumer", "version", "0.1.0", "instance", id)
	slog.Info("Configuration loaded",
		"broker", cfg.Broker.Host,
		"port", cfg.Broker.Port,
		"consumers", len(cfg.Consumers),
		"reconnect", cfg.Reconnect.Enabled,
		"dedup", cfg.Dedup.Enabled,
		"webhook", cfg.Webhook.Enabled,
		"health_enabled", cfg.Health.Enabled,
		"log_level", cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelglobal.SetTextMapPropagator(propagation.TraceContext{})
	var provider *otel.Provider
	if cfg.Metrics.Enabled {
		provider, err = otel.InitProvider(cfg.Metrics, id)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			return 1
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := provider.Shutdown(shutdownCtx); err != nil {
				slog.Error("OpenTelemetry shutdown error", "error", err)
			}
		}()
		slog.Info("OpenTelemetry initialized", "exporter", cfg.Metrics.Exporter, "traces", cfg.Metrics.TracesEnabled)
	}
	metrics, err := otel.NewMetrics(nil)
	if err != nil {
		slog.Error("Failed to create metrics", "error", err)
		return 1
	}

	store, err := newDedupStore(ctx, cfg.Dedup)
	if err != nil {
		slog.Error("Failed to open dedup store", "type", cfg.Dedup.Type, "error", err)
		return 1
	}
	if store != nil {
		defer store.Close()
		slog.Info("Deduplication enabled", "type", cfg.Dedup.Type, "ttl", cfg.Dedup.TTL)
	}

	var notifier consumer.Notifier
	if cfg.Webhook.Enabled {
		n, err := webhook.NewNotifier(cfg.Webhook, id, webhook.NewHTTPSender(), logger)
		if err != nil {
			slog.Error("Failed to create webhook notifier", "error", err)
			return 1
		}
		defer n.Close()
		notifier = n
	}
	emit := func(ev events.Event) {
		if notifier == nil {
			return
		}
		if err := notifier.Notify(context.Background(), ev); err != nil {
			slog.Debug("Event not delivered", "event_type", ev.Type(), "error", err)
		}
	}

	opts, err := clientOptions(cfg, logger)
	if err != nil {
		slog.Error("Invalid broker configuration", "error", err)
		return 1
	}
	var connectedBefore atomic.Bool
	opts.SetOnConnect(func(conn *amqp.Connection) {
		if connectedBefore.Swap(true) {
			metrics.Reconnected()
			emit(events.ConnectionRestored{ConnectionID: conn.ID()})
		}
	})

	client, err := amqp.New(opts)
	if err != nil {
		slog.Error("Failed to create connection manager", "error", err)
		return 1
	}
	defer client.Close()

	client.OnDisconnect(func(conn *amqp.Connection, err error) {
		ev := events.ConnectionLost{ConnectionID: conn.ID(), Kind: amqp.KindNetwork.String()}
		var ce *amqp.ConnectionError
		if errors.As(err, &ce) {
			ev.Kind = ce.Kind.String()
			ev.Permanent = ce.Permanent()
		}
		if err != nil {
			ev.Reason = err.Error()
		}
		metrics.ConnectionLost(ev.Kind)
		emit(ev)
	})

	slog.Info("Connecting to broker", "security", fluxtls.SecurityStatus(opts.TLSConfig))
	if _, err := client.Connect(ctx); err != nil {
		if amqp.IsPermanent(err) || !cfg.Reconnect.Enabled {
			slog.Error("Failed to connect to broker", "error", err)
			return 1
		}
		slog.Warn("Broker unavailable, retrying in background", "error", err)
	}

	limits := ratelimit.NewManager(cfg.RateLimit)
	handler := orders.NewLogHandler(logger)

	consumers := make([]*consumer.Consumer, 0, len(cfg.Consumers))
	for _, cc := range cfg.Consumers {
		copts := []consumer.Option{
			consumer.WithLogger(logger),
			consumer.WithMetrics(metrics),
			consumer.WithPropagator(otelglobal.GetTextMapPropagator()),
		}
		if notifier != nil {
			copts = append(copts, consumer.WithNotifier(notifier))
		}
		if store != nil {
			copts = append(copts, consumer.WithDedup(store, cfg.Dedup.TTL))
		}
		if l := limits.For(cc.Queue); l != nil {
			copts = append(copts, consumer.WithRateLimiter(l))
		}

		c, err := consumer.New(client, consumerConfig(cc, cfg.Reconnect), handler, copts...)
		if err != nil {
			slog.Error("Failed to create consumer", "queue", cc.Queue, "error", err)
			return 1
		}
		consumers = append(consumers, c)
	}

	if *once {
		return drainOnce(ctx, consumers)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range consumers {
		g.Go(func() error {
			return c.Run(gctx)
		})
	}
	g.Go(func() error {
		select {
		case <-client.Done():
			return fmt.Errorf("%w: %w", amqp.ErrGaveUp, client.Err())
		case <-gctx.Done():
			return nil
		}
	})

	if cfg.Health.Enabled {
		probes := make([]health.Consumer, len(consumers))
		for i, c := range consumers {
			probes[i] = c
		}
		hs := health.New(health.Config{
			Address:         cfg.Health.Addr,
			ShutdownTimeout: 5 * time.Second,
		}, client, probes, provider.MetricsHandler(), logger)
		g.Go(func() error {
			return hs.Listen(gctx)
		})
	}

	errCh := make(chan error, 1)
	go func() { errCh <- g.Wait() }()

	var runErr error
	select {
	case runErr = <-errCh:
	case <-ctx.Done():
		slog.Info("Shutdown signal received, draining consumers")
		var deadline <-chan time.Time
		if cfg.ShutdownTimeout > 0 {
			deadline = time.After(cfg.ShutdownTimeout)
		}
		select {
		case runErr = <-errCh:
		case <-deadline:
			slog.Warn("Shutdown timeout exceeded, exiting with consumers still draining")
			return 1
		}
	}

	if runErr != nil {
		slog.Error("Consumer stopped with error", "error", runErr)
		return 1
	}
	slog.Info("Consumer stopped")
	return 0
}

// drainOnce handles everything currently queued on every consumer's queue.
func drainOnce(ctx context.Context, consumers []*consumer.Consumer) int {
	code := 0
	for _, c := range consumers {
		n, err := c.GetAll(ctx)
		if cerr := c.Close(); cerr != nil {
			slog.Warn("Failed to close pull channel", "queue", c.Queue(), "error", cerr)
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Drain failed", "queue", c.Queue(), "handled", n, "error", err)
			code = 1
			continue
		}
		slog.Info("Queue drained", "queue", c.Queue(), "handled", n)
	}
	return code
}
