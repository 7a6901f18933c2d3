// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"errors"
	"testing"

	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetNextEmptyQueue(t *testing.T) {
	ch := newFakeChannel(0)
	c, err := New(newFakeSource(ch), orderConfig(1), HandlerFunc(func(context.Context, *Message) error { return nil }))
	require.NoError(t, err)

	ok, err := c.GetNext(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, ch.declared)
	assert.Zero(t, ch.acker.count())
}

func TestGetAllDrainsQueue(t *testing.T) {
	ch := newFakeChannel(0)
	ch.gets = []amqp091.Delivery{
		ch.delivery(1, "order-1"),
		ch.delivery(2, "bad-payload"),
		ch.delivery(3, "order-3"),
	}

	var seen []string
	c, err := New(newFakeSource(ch), orderConfig(1), BodyHandler(func(_ context.Context, body []byte) error {
		seen = append(seen, string(body))
		if string(body) == "bad-payload" {
			return errors.New("invalid order")
		}
		return nil
	}))
	require.NoError(t, err)

	n, err := c.GetAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"order-1", "bad-payload", "order-3"}, seen)
	assert.Equal(t, []settlement{
		{tag: 1, ack: true},
		{tag: 2, requeue: false},
		{tag: 3, ack: true},
	}, ch.acker.settlements())

	// The pull channel is reused and declared once.
	ok, err := c.GetNext(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, ch.declared)

	require.NoError(t, c.Close())
	assert.True(t, ch.isClosed())
	assert.NoError(t, c.Close())
}

func TestGetNextReopensAfterError(t *testing.T) {
	broken := newFakeChannel(0)
	broken.getErr = &amqp091.Error{Code: amqp091.ChannelError, Reason: "channel closed"}
	healthy := newFakeChannel(0)
	healthy.gets = []amqp091.Delivery{healthy.delivery(5, "order-5")}

	c, err := New(newFakeSource(broken, healthy), orderConfig(1), HandlerFunc(func(context.Context, *Message) error { return nil }))
	require.NoError(t, err)

	_, err = c.GetNext(context.Background())
	require.Error(t, err)
	assert.True(t, broken.isClosed())

	ok, err := c.GetNext(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []settlement{{tag: 5, ack: true}}, healthy.acker.settlements())
}

func TestGetAllStopsOnCancel(t *testing.T) {
	ch := newFakeChannel(0)
	ch.gets = []amqp091.Delivery{ch.delivery(1, "order-1"), ch.delivery(2, "order-2")}

	ctx, cancel := context.WithCancel(context.Background())
	c, err := New(newFakeSource(ch), orderConfig(1), HandlerFunc(func(context.Context, *Message) error {
		cancel()
		return nil
	}))
	require.NoError(t, err)

	n, err := c.GetAll(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, n)
	assert.Equal(t, []settlement{{tag: 1, ack: true}}, ch.acker.settlements())
}
