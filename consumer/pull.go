// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"fmt"

	"github.com/absmach/fluxconsumer/client/amqp"
)

// GetNext fetches a single message with basic.get, handles and settles it.
// It reports false when the queue is empty.
func (c *Consumer) GetNext(ctx context.Context) (bool, error) {
	c.pullMu.Lock()
	defer c.pullMu.Unlock()

	return c.getNext(ctx)
}

// GetAll handles messages until the queue is empty and returns how many
// were handled. Cancelling ctx stops before the next fetch.
func (c *Consumer) GetAll(ctx context.Context) (int, error) {
	c.pullMu.Lock()
	defer c.pullMu.Unlock()

	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		ok, err := c.getNext(ctx)
		if err != nil {
			return n, err
		}
		if !ok {
			return n, nil
		}
		n++
	}
}

// Close releases the pull-mode channel.
func (c *Consumer) Close() error {
	c.pullMu.Lock()
	defer c.pullMu.Unlock()

	if c.pullCh == nil {
		return nil
	}
	err := c.pullCh.Close()
	c.pullCh = nil
	return err
}

func (c *Consumer) getNext(ctx context.Context) (bool, error) {
	ch, err := c.pullChannel(ctx)
	if err != nil {
		return false, err
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return false, err
		}
	}

	d, ok, err := ch.Get(c.cfg.Queue.Name, false)
	if err != nil {
		// The channel is unusable after a broker error.
		ch.Close()
		c.pullCh = nil
		return false, fmt.Errorf("basic.get: %w", err)
	}
	if !ok {
		return false, nil
	}

	msg := newMessage(c.cfg.Queue.Name, d)
	c.metrics.InflightChanged(msg.Queue, 1)
	c.process(context.WithoutCancel(ctx), msg)
	c.metrics.InflightChanged(msg.Queue, -1)
	return true, nil
}

func (c *Consumer) pullChannel(ctx context.Context) (amqp.Channel, error) {
	if c.pullCh != nil {
		return c.pullCh, nil
	}

	ch, err := c.source.Channel(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := amqp.DeclareQueue(ch, c.cfg.Queue); err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	c.pullCh = ch
	return ch, nil
}
