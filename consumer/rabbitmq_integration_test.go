// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build integration

package consumer_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/absmach/fluxconsumer/client/amqp"
	"github.com/absmach/fluxconsumer/consumer"
	"github.com/google/uuid"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func brokerURL(t *testing.T) string {
	t.Helper()
	url := os.Getenv("RABBITMQ_URL")
	if url == "" {
		t.Skip("RABBITMQ_URL not set")
	}
	return url
}

func publish(t *testing.T, url, queue string, bodies ...string) {
	t.Helper()
	conn, err := amqp091.Dial(url)
	require.NoError(t, err)
	defer conn.Close()
	ch, err := conn.Channel()
	require.NoError(t, err)
	defer ch.Close()

	for _, b := range bodies {
		err := ch.PublishWithContext(context.Background(), "", queue, false, false, amqp091.Publishing{
			ContentType: "text/plain",
			MessageId:   uuid.NewString(),
			Body:        []byte(b),
		})
		require.NoError(t, err)
	}
}

func queueDepth(t *testing.T, url, queue string) int {
	t.Helper()
	conn, err := amqp091.Dial(url)
	require.NoError(t, err)
	defer conn.Close()
	ch, err := conn.Channel()
	require.NoError(t, err)
	defer ch.Close()

	q, err := ch.QueueDeclarePassive(queue, false, false, false, false, nil)
	require.NoError(t, err)
	return q.Messages
}

func TestRabbitMQConsume(t *testing.T) {
	url := brokerURL(t)
	queue := "fluxconsumer-it-" + uuid.NewString()

	client, err := amqp.New(amqp.NewOptions().SetURL(url))
	require.NoError(t, err)
	defer client.Close()
	_, err = client.Connect(context.Background())
	require.NoError(t, err)

	var mu sync.Mutex
	var got []string
	handler := consumer.HandlerFunc(func(_ context.Context, msg *consumer.Message) error {
		mu.Lock()
		got = append(got, string(msg.Body))
		mu.Unlock()
		if string(msg.Body) == "bad-payload" {
			panic("cannot parse bad-payload")
		}
		return nil
	})

	c, err := consumer.New(client, consumer.Config{
		Queue:    amqp.QueueOptions{Name: queue, Durable: false},
		Prefetch: 2,
	}, handler)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return c.State() == consumer.StateConsuming }, 10*time.Second, 20*time.Millisecond)
	publish(t, url, queue, "order-42", "bad-payload", "order-43")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, 10*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("consumer did not stop")
	}

	assert.Equal(t, 0, queueDepth(t, url, queue))
}

func TestRabbitMQPullDrain(t *testing.T) {
	url := brokerURL(t)
	queue := "fluxconsumer-it-" + uuid.NewString()

	client, err := amqp.New(amqp.NewOptions().SetURL(url))
	require.NoError(t, err)
	defer client.Close()
	_, err = client.Connect(context.Background())
	require.NoError(t, err)

	var count int
	c, err := consumer.New(client, consumer.Config{Queue: amqp.QueueOptions{Name: queue}},
		consumer.BodyHandler(func(context.Context, []byte) error {
			count++
			return nil
		}))
	require.NoError(t, err)
	defer c.Close()

	ok, err := c.GetNext(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	publish(t, url, queue, "a", "b", "c")
	require.Eventually(t, func() bool { return queueDepth(t, url, queue) == 3 }, 5*time.Second, 20*time.Millisecond)

	n, err := c.GetAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, count)
	assert.Equal(t, 0, queueDepth(t, url, queue))
}
