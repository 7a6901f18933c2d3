// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp091 "github.com/rabbitmq/amqp091-go"
)

// Connection is one live transport session to the broker.
// A Connection is never reused once it has been invalidated.
type Connection struct {
	id        string
	transport Transport
	openedAt  time.Time
	closed    atomic.Bool
	lost      chan struct{} // closed once the client has dropped the connection

	mu      sync.Mutex
	lastErr error
}

// ID returns the session identifier.
func (c *Connection) ID() string {
	return c.id
}

// OpenedAt returns when the session was established.
func (c *Connection) OpenedAt() time.Time {
	return c.openedAt
}

// IsClosed reports whether the session is no longer usable.
func (c *Connection) IsClosed() bool {
	return c.closed.Load() || c.transport.IsClosed()
}

// LastError returns the error that invalidated the session, if any.
func (c *Connection) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Channel opens a new channel multiplexed on this session.
func (c *Connection) Channel() (Channel, error) {
	if c.IsClosed() {
		return nil, ErrNotConnected
	}
	return c.transport.Channel()
}

func (c *Connection) invalidate(err error) bool {
	if !c.closed.CompareAndSwap(false, true) {
		return false
	}
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	_ = c.transport.Close()
	return true
}

// closeNotifyGrace bounds how long Channel waits for the close watcher
// before recording a loss without a cause.
const closeNotifyGrace = time.Second

// Client owns the broker connection lifecycle: it dials, watches for loss
// and reconnects with backoff until closed or a permanent failure occurs.
type Client struct {
	opts   *Options
	dial   Dialer
	logger *slog.Logger

	mu    sync.RWMutex
	conn  *Connection
	ready chan struct{}

	cbMu         sync.Mutex
	onDisconnect []func(*Connection, error)

	connected atomic.Bool
	closing   atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	reconnectCh    chan struct{}
	supervisorOnce sync.Once

	done     chan struct{}
	failOnce sync.Once
	failErr  error

	after func(time.Duration) <-chan time.Time
}

// New creates a connection manager with the given options.
func New(opts *Options) (*Client, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	dial := opts.Dialer
	if dial == nil {
		dial = DialAMQP
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:        opts,
		dial:        dial,
		logger:      logger,
		ready:       make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
		reconnectCh: make(chan struct{}, 1),
		done:        make(chan struct{}),
		after:       time.After,
	}, nil
}

// Connect performs a single connection attempt. On a transient failure with
// auto-reconnect enabled, reconnection continues in the background.
func (c *Client) Connect(ctx context.Context) (*Connection, error) {
	if c.closing.Load() {
		return nil, ErrClosed
	}
	if c.connected.Load() {
		return c.Current(), ErrAlreadyConnected
	}

	c.supervisorOnce.Do(func() {
		c.wg.Add(1)
		go c.supervise()
	})

	conn, err := c.connectOnce(ctx)
	if err != nil {
		switch {
		case errors.Is(err, ErrClosed), errors.Is(err, ErrAlreadyConnected):
		case IsPermanent(err):
			c.fail(err)
		case c.opts.AutoReconnect:
			c.signalReconnect()
		}
		return nil, err
	}
	return conn, nil
}

// OnDisconnect registers fn to be called whenever the live connection is lost.
func (c *Client) OnDisconnect(fn func(conn *Connection, err error)) {
	if fn == nil {
		return
	}
	c.cbMu.Lock()
	c.onDisconnect = append(c.onDisconnect, fn)
	c.cbMu.Unlock()
}

// Channel waits for a live connection and opens a dedicated channel on it.
func (c *Client) Channel(ctx context.Context) (Channel, error) {
	for {
		if c.closing.Load() {
			return nil, ErrClosed
		}

		c.mu.RLock()
		conn, ready := c.conn, c.ready
		c.mu.RUnlock()

		if conn != nil {
			if !conn.IsClosed() {
				ch, err := conn.Channel()
				if err == nil {
					return ch, nil
				}
				if !conn.IsClosed() {
					return nil, fmt.Errorf("open channel: %w", err)
				}
			}
			// amqp091 marks the connection closed before it delivers the
			// cause on NotifyClose. Let the watcher record the real cause.
			if err := c.awaitLoss(ctx, conn); err != nil {
				return nil, err
			}
			continue
		}

		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.done:
			return nil, fmt.Errorf("%w: %w", ErrGaveUp, c.Err())
		case <-c.ctx.Done():
			return nil, ErrClosed
		}
	}
}

func (c *Client) awaitLoss(ctx context.Context, conn *Connection) error {
	t := time.NewTimer(closeNotifyGrace)
	defer t.Stop()

	select {
	case <-conn.lost:
	case <-t.C:
		c.handleDisconnect(conn, amqp091.ErrClosed)
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrClosed
	}
	return nil
}

// Current returns the live connection or nil.
func (c *Client) Current() *Connection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// IsConnected reports whether the client is connected.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Done is closed once the client gives up: a permanent connection error or
// an exhausted retry budget.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the terminal error after Done is closed.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.failErr
	default:
		return nil
	}
}

// Close stops reconnection and closes the live connection.
func (c *Client) Close() error {
	if c.closing.Swap(true) {
		return nil
	}
	c.cancel()

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	c.connected.Store(false)

	var err error
	if conn != nil && conn.closed.CompareAndSwap(false, true) {
		err = conn.transport.Close()
	}

	c.wg.Wait()
	return err
}

func (c *Client) connectOnce(ctx context.Context) (*Connection, error) {
	url, err := c.opts.dialURL()
	if err != nil {
		return nil, err
	}

	timeout := c.opts.DialTimeout
	cfg := amqp091.Config{
		TLSClientConfig: c.opts.TLSConfig,
		Heartbeat:       c.opts.Heartbeat,
		Vhost:           c.opts.Vhost,
		Dial: func(network, addr string) (net.Conn, error) {
			d := &net.Dialer{Timeout: timeout}
			nc, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			// Bounds the TLS and AMQP handshakes; amqp091 clears it once open.
			if timeout > 0 {
				if err := nc.SetDeadline(time.Now().Add(timeout)); err != nil {
					nc.Close()
					return nil, err
				}
			}
			return nc, nil
		},
	}
	if c.opts.URL != "" {
		cfg.Vhost = ""
	}

	t, err := c.dial(url, cfg)
	if err != nil {
		return nil, classify(err)
	}

	conn := &Connection{
		id:        uuid.NewString(),
		transport: t,
		openedAt:  time.Now(),
		lost:      make(chan struct{}),
	}
	notify := t.NotifyClose(make(chan *amqp091.Error, 1))

	c.mu.Lock()
	if c.closing.Load() {
		c.mu.Unlock()
		_ = t.Close()
		return nil, ErrClosed
	}
	if c.conn != nil && !c.conn.IsClosed() {
		c.mu.Unlock()
		_ = t.Close()
		return nil, ErrAlreadyConnected
	}
	c.conn = conn
	select {
	case <-c.ready:
	default:
		close(c.ready)
	}
	c.mu.Unlock()

	c.connected.Store(true)
	c.watchClose(conn, notify)

	c.logger.Info("Connected to broker", "connection_id", conn.id, "url", redact(url))
	if c.opts.OnConnect != nil {
		go c.opts.OnConnect(conn)
	}

	return conn, nil
}

func (c *Client) watchClose(conn *Connection, notify chan *amqp091.Error) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		select {
		case amqpErr, ok := <-notify:
			var cause error
			if ok && amqpErr != nil {
				cause = amqpErr
			}
			c.handleDisconnect(conn, cause)
		case <-c.ctx.Done():
		}
	}()
}

func (c *Client) handleDisconnect(conn *Connection, cause error) {
	if c.closing.Load() {
		return
	}
	if !conn.invalidate(cause) {
		return
	}

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.ready = make(chan struct{})
		c.connected.Store(false)
	}
	c.mu.Unlock()
	close(conn.lost)

	ce := classifyDisconnect(cause)
	c.logger.Warn("Connection to broker lost",
		"connection_id", conn.id,
		"kind", ce.Kind.String(),
		"error", ce.Err)

	if c.opts.OnConnectionLost != nil {
		go c.opts.OnConnectionLost(ce)
	}

	c.cbMu.Lock()
	callbacks := append([]func(*Connection, error){}, c.onDisconnect...)
	c.cbMu.Unlock()
	for _, fn := range callbacks {
		go fn(conn, ce)
	}

	switch {
	case ce.Permanent():
		c.fail(ce)
	case c.opts.AutoReconnect:
		c.signalReconnect()
	default:
		c.fail(ce)
	}
}

func (c *Client) signalReconnect() {
	select {
	case c.reconnectCh <- struct{}{}:
	default:
	}
}

// supervise serializes reconnection runs so that every loss is handled by
// exactly one run.
func (c *Client) supervise() {
	defer c.wg.Done()
	for {
		select {
		case <-c.reconnectCh:
			c.reconnect()
		case <-c.ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

func (c *Client) reconnect() {
	b := NewBackoff(c.opts.ReconnectBackoff, c.opts.MaxReconnectWait, c.opts.ReconnectJitter)

	for attempt := 1; ; attempt++ {
		if c.connected.Load() || c.closing.Load() {
			return
		}
		if limit := c.opts.MaxReconnectAttempts; limit > 0 && attempt > limit {
			c.fail(&ConnectionError{
				Kind: KindRetryBudget,
				Err:  fmt.Errorf("%w after %d attempts", ErrRetryBudgetExhausted, limit),
			})
			return
		}

		delay := b.Next()
		if c.opts.OnReconnecting != nil {
			c.opts.OnReconnecting(attempt, delay)
		}
		c.logger.Info("Reconnecting to broker", "attempt", attempt, "delay", delay)

		select {
		case <-c.after(delay):
		case <-c.ctx.Done():
			return
		}

		conn, err := c.connectOnce(c.ctx)
		if err == nil {
			c.logger.Info("Reconnected to broker", "connection_id", conn.id, "attempts", attempt)
			return
		}
		switch {
		case errors.Is(err, ErrClosed), errors.Is(err, ErrAlreadyConnected):
			return
		case IsPermanent(err):
			c.fail(err)
			return
		}
		c.logger.Warn("Reconnect attempt failed", "attempt", attempt, "error", err)
	}
}

func (c *Client) fail(err error) {
	c.failOnce.Do(func() {
		c.failErr = err
		c.logger.Error("Giving up on broker connection", "error", err)
		close(c.done)
	})
}

func redact(raw string) string {
	u, err := amqp091.ParseURI(raw)
	if err != nil {
		return ""
	}
	u.Password = ""
	return u.String()
}
