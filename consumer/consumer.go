// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxconsumer/client/amqp"
	"github.com/absmach/fluxconsumer/events"
	"github.com/absmach/fluxconsumer/storage"
	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

// drainGrace bounds how long a draining consumer waits for the library to
// hand over deliveries it buffered before the cancel took effect.
const drainGrace = 2 * time.Second

// Consumer pulls deliveries from one queue and settles each one according
// to its handler's outcome.
type Consumer struct {
	id      string
	source  ChannelSource
	cfg     Config
	handler Handler

	logger     *slog.Logger
	metrics    Metrics
	notifier   Notifier
	dedup      storage.DedupStore
	dedupTTL   time.Duration
	limiter    Limiter
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator

	stateMu sync.Mutex
	state   atomic.Int32
	running atomic.Bool

	pullMu sync.Mutex
	pullCh amqp.Channel

	after func(time.Duration) <-chan time.Time
}

type subscription struct {
	ch         amqp.Channel
	tag        string
	deliveries <-chan amqp091.Delivery
}

// New creates a consumer for cfg.Queue.
func New(source ChannelSource, cfg Config, h Handler, opts ...Option) (*Consumer, error) {
	if source == nil {
		return nil, ErrNilSource
	}
	if h == nil {
		return nil, ErrNilHandler
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Consumer{
		id:         uuid.NewString(),
		source:     source,
		cfg:        cfg,
		handler:    h,
		logger:     slog.Default(),
		metrics:    nopMetrics{},
		tracer:     otel.GetTracerProvider().Tracer(tracerName),
		propagator: otel.GetTextMapPropagator(),
		after:      time.After,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("queue", cfg.Queue.Name)

	return c, nil
}

// ID returns the consumer identifier.
func (c *Consumer) ID() string {
	return c.id
}

// Queue returns the consumed queue name.
func (c *Consumer) Queue() string {
	return c.cfg.Queue.Name
}

// State returns the current lifecycle state.
func (c *Consumer) State() State {
	return State(c.state.Load())
}

// Run consumes until ctx is cancelled, then drains and returns nil.
// Transient connection loss is survived by re-subscribing. A queue
// conflict, a permanent connection failure or a source that gave up on
// the broker is returned.
func (c *Consumer) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer c.running.Store(false)

	pool, err := ants.NewPool(c.cfg.Prefetch, ants.WithPreAlloc(true))
	if err != nil {
		return fmt.Errorf("new pool: %w", err)
	}
	defer pool.Release()

	b := amqp.NewBackoff(c.cfg.ResubscribeBackoff, c.cfg.ResubscribeMaxWait, amqp.DefaultReconnectJitter)

	for {
		c.setState(StateSubscribing, nil)

		sub, err := c.subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.setState(StateIdle, nil)
				return nil
			}
			if fatal(err) {
				c.setState(StateFailed, err)
				c.logger.Error("Consumer stopped", "error", err)
				return err
			}

			c.setState(StateFailed, err)
			delay := b.Next()
			c.logger.Warn("Subscribe failed, retrying", "error", err, "delay", delay)
			select {
			case <-c.after(delay):
				continue
			case <-ctx.Done():
				c.setState(StateIdle, nil)
				return nil
			}
		}

		b.Reset()
		c.setState(StateConsuming, nil)
		c.logger.Info("Consuming", "consumer_tag", sub.tag, "prefetch", c.cfg.Prefetch)

		if lost := c.consume(ctx, sub, pool); !lost {
			c.setState(StateIdle, nil)
			return nil
		}

		c.setState(StateFailed, errSubscriptionLost)
		c.logger.Warn("Subscription lost, re-subscribing", "consumer_tag", sub.tag)
	}
}

var errSubscriptionLost = errors.New("delivery channel closed")

func fatal(err error) bool {
	return amqp.IsQueueConflict(err) || amqp.IsPermanent(err) ||
		errors.Is(err, amqp.ErrClosed) || errors.Is(err, amqp.ErrGaveUp)
}

func (c *Consumer) subscribe(ctx context.Context) (*subscription, error) {
	ch, err := c.source.Channel(ctx)
	if err != nil {
		return nil, err
	}

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	if _, err := amqp.DeclareQueue(ch, c.cfg.Queue); err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}

	tag := c.cfg.ConsumerTag + "-" + uuid.NewString()
	deliveries, err := ch.Consume(c.cfg.Queue.Name, tag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("consume: %w", err)
	}

	return &subscription{ch: ch, tag: tag, deliveries: deliveries}, nil
}

// consume receives deliveries until the subscription is lost (returns true)
// or ctx is cancelled and the subscription has been drained (returns false).
func (c *Consumer) consume(ctx context.Context, sub *subscription, pool *ants.Pool) bool {
	sem := semaphore.NewWeighted(int64(c.cfg.Prefetch))
	handlerCtx := context.WithoutCancel(ctx)
	var wg sync.WaitGroup

	for {
		if ctx.Err() != nil {
			break
		}
		// At most Prefetch messages are held unsettled.
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				sem.Release(1)
				break
			}
		}

		var (
			d  amqp091.Delivery
			ok bool
		)
		select {
		case <-ctx.Done():
			sem.Release(1)
		case d, ok = <-sub.deliveries:
		}
		if ctx.Err() != nil {
			if ok {
				c.requeue(d)
			}
			break
		}
		if !ok {
			sem.Release(1)
			wg.Wait()
			sub.ch.Close()
			return true
		}

		msg := newMessage(c.cfg.Queue.Name, d)
		wg.Add(1)
		c.metrics.InflightChanged(msg.Queue, 1)
		task := func() {
			defer wg.Done()
			defer sem.Release(1)
			defer c.metrics.InflightChanged(msg.Queue, -1)
			c.process(handlerCtx, msg)
		}
		if err := pool.Submit(task); err != nil {
			task()
		}
	}

	c.drain(sub, &wg)
	return false
}

func (c *Consumer) drain(sub *subscription, wg *sync.WaitGroup) {
	c.setState(StateDraining, nil)

	if err := sub.ch.Cancel(sub.tag, false); err != nil {
		c.logger.Warn("Failed to cancel consumer", "consumer_tag", sub.tag, "error", err)
	}
	wg.Wait()

	requeued := 0
	grace := time.NewTimer(drainGrace)
	defer grace.Stop()
loop:
	for {
		select {
		case d, ok := <-sub.deliveries:
			if !ok {
				break loop
			}
			c.requeue(d)
			requeued++
		case <-grace.C:
			break loop
		}
	}

	if err := sub.ch.Close(); err != nil {
		c.logger.Debug("Channel close failed", "error", err)
	}
	c.logger.Info("Drained", "consumer_tag", sub.tag, "requeued", requeued)
}

// requeue returns a delivery the handler never saw.
func (c *Consumer) requeue(d amqp091.Delivery) {
	if d.Acknowledger == nil {
		return
	}
	if err := d.Acknowledger.Nack(d.DeliveryTag, false, true); err != nil {
		c.logger.Warn("Failed to requeue buffered delivery", "delivery_tag", d.DeliveryTag, "error", err)
		return
	}
	c.metrics.MessageSettled(c.cfg.Queue.Name, RetryableFailure, true, 0)
}

func (c *Consumer) process(ctx context.Context, msg *Message) Outcome {
	start := time.Now()
	ctx, span := c.startSpan(ctx, msg)
	defer span.End()

	c.metrics.MessageDelivered(msg.Queue, len(msg.Body))

	outcome, err := c.handle(ctx, msg)

	requeue := false
	var settleErr error
	switch outcome {
	case Success:
		settleErr = msg.ack()
	case RetryableFailure:
		requeue = c.cfg.MaxRedeliveries == 0 || msg.DeliveryCount < int64(c.cfg.MaxRedeliveries)
		settleErr = msg.nack(requeue)
	default:
		settleErr = msg.nack(false)
	}
	elapsed := time.Since(start)
	c.metrics.MessageSettled(msg.Queue, outcome, requeue, elapsed)

	log := c.logger.With("delivery_tag", msg.DeliveryTag, "outcome", outcome.String())
	if msg.MessageID != "" {
		log = log.With("message_id", msg.MessageID)
	}
	if settleErr != nil {
		// The broker redelivers unsettled messages once the channel is gone.
		log.Warn("Failed to settle message", "error", settleErr)
		span.RecordError(settleErr)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		var pe *PanicError
		if errors.As(err, &pe) {
			log.Error("Handler panicked", "panic", pe.Value, "stack", string(pe.Stack))
		} else {
			log.Warn("Handler failed", "error", err, "requeue", requeue, "duration", elapsed)
		}
		if !requeue {
			c.notify(events.MessageRejected{
				QueueName:   msg.Queue,
				MessageID:   msg.MessageID,
				DeliveryTag: msg.DeliveryTag,
				Reason:      err.Error(),
				PayloadSize: len(msg.Body),
			})
		}
		return outcome
	}

	log.Debug("Message handled", "duration", elapsed)
	return outcome
}

func (c *Consumer) handle(ctx context.Context, msg *Message) (Outcome, error) {
	if limit := c.cfg.MaxMessageSize; limit > 0 && len(msg.Body) > limit {
		return PermanentFailure, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(msg.Body))
	}
	if c.cfg.DecodeBodies && msg.ContentEncoding != "" {
		body, err := decodeBody(msg.ContentEncoding, msg.Body, c.cfg.MaxMessageSize)
		if err != nil {
			return PermanentFailure, fmt.Errorf("decode body: %w", err)
		}
		msg.Body = body
		msg.ContentEncoding = ""
	}

	key := ""
	if c.dedup != nil {
		key = storage.Key(msg.Queue, msg.MessageID)
	}
	if key != "" {
		seen, err := c.dedup.Seen(ctx, key)
		switch {
		case err != nil:
			c.logger.Warn("Dedup lookup failed", "key", key, "error", err)
		case seen:
			c.metrics.DuplicateSkipped(msg.Queue)
			c.logger.Debug("Skipping duplicate message", "key", key)
			return Success, nil
		}
	}

	err := c.invoke(ctx, msg)
	outcome := Classify(err)

	if outcome == Success && key != "" {
		if err := c.dedup.Mark(ctx, key, c.dedupTTL); err != nil {
			c.logger.Warn("Dedup mark failed", "key", key, "error", err)
		}
	}
	return outcome, err
}

func (c *Consumer) invoke(ctx context.Context, msg *Message) (err error) {
	if c.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.HandlerTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return c.handler.Handle(ctx, msg)
}

func (c *Consumer) setState(to State, cause error) {
	c.stateMu.Lock()
	from := State(c.state.Load())
	if from == to {
		c.stateMu.Unlock()
		return
	}
	if !from.CanTransition(to) {
		c.logger.Error("Unexpected consumer state transition", "from", from.String(), "to", to.String())
	}
	c.state.Store(int32(to))
	c.stateMu.Unlock()

	c.logger.Info("Consumer state changed", "from", from.String(), "to", to.String())
	c.metrics.StateChanged(c.cfg.Queue.Name, from, to)

	ev := events.ConsumerStateChanged{
		QueueName: c.cfg.Queue.Name,
		From:      from.String(),
		To:        to.String(),
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	c.notify(ev)
}

func (c *Consumer) notify(ev events.Event) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.Notify(context.Background(), ev); err != nil {
		c.logger.Debug("Failed to queue event", "event", ev.Type(), "error", err)
	}
}
