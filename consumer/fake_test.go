// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxconsumer/client/amqp"
	amqp091 "github.com/rabbitmq/amqp091-go"
)

type settlement struct {
	tag     uint64
	ack     bool
	requeue bool
}

// fakeAcker records every settlement issued to the broker.
type fakeAcker struct {
	mu    sync.Mutex
	calls []settlement
}

func (a *fakeAcker) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, settlement{tag: tag, ack: true})
	return nil
}

func (a *fakeAcker) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, settlement{tag: tag, requeue: requeue})
	return nil
}

func (a *fakeAcker) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcker) settlements() []settlement {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]settlement(nil), a.calls...)
}

func (a *fakeAcker) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

// perTag counts settlements per delivery tag.
func (a *fakeAcker) perTag() map[uint64]int {
	out := map[uint64]int{}
	for _, s := range a.settlements() {
		out[s.tag]++
	}
	return out
}

type fakeChannel struct {
	acker      *fakeAcker
	deliveries chan amqp091.Delivery
	closeOnce  sync.Once

	mu        sync.Mutex
	qos       int
	declErr   error
	declared  int
	consumed  []string
	cancelled []string
	closed    bool
	gets      []amqp091.Delivery
	getErr    error
}

func newFakeChannel(buffer int) *fakeChannel {
	return &fakeChannel{
		acker:      &fakeAcker{},
		deliveries: make(chan amqp091.Delivery, buffer),
	}
}

func (c *fakeChannel) delivery(tag uint64, body string) amqp091.Delivery {
	return amqp091.Delivery{
		Acknowledger: c.acker,
		DeliveryTag:  tag,
		Body:         []byte(body),
	}
}

// push buffers deliveries as if the broker pushed them.
func (c *fakeChannel) push(ds ...amqp091.Delivery) {
	for _, d := range ds {
		c.deliveries <- d
	}
}

// lose simulates the library closing the delivery stream.
func (c *fakeChannel) lose() {
	c.closeOnce.Do(func() { close(c.deliveries) })
}

func (c *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.qos = prefetchCount
	return nil
}

func (c *fakeChannel) QueueDeclare(string, bool, bool, bool, bool, amqp091.Table) (amqp091.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.declErr != nil {
		return amqp091.Queue{}, c.declErr
	}
	c.declared++
	return amqp091.Queue{}, nil
}

func (c *fakeChannel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error) {
	return c.QueueDeclare(name, durable, autoDelete, exclusive, noWait, args)
}

func (c *fakeChannel) Consume(_ string, tag string, _, _, _, _ bool, _ amqp091.Table) (<-chan amqp091.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consumed = append(c.consumed, tag)
	return c.deliveries, nil
}

func (c *fakeChannel) Get(string, bool) (amqp091.Delivery, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return amqp091.Delivery{}, false, c.getErr
	}
	if len(c.gets) == 0 {
		return amqp091.Delivery{}, false, nil
	}
	d := c.gets[0]
	c.gets = c.gets[1:]
	return d, true, nil
}

// Cancel closes the stream; buffered deliveries stay readable.
func (c *fakeChannel) Cancel(tag string, _ bool) error {
	c.mu.Lock()
	c.cancelled = append(c.cancelled, tag)
	c.mu.Unlock()
	c.lose()
	return nil
}

func (c *fakeChannel) NotifyClose(ch chan *amqp091.Error) chan *amqp091.Error { return ch }

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeTransport backs a real amqp.Client with a single fake channel.
type fakeTransport struct {
	ch     *fakeChannel
	closed atomic.Bool

	mu     sync.Mutex
	notify []chan *amqp091.Error
}

func (t *fakeTransport) dial(string, amqp091.Config) (amqp.Transport, error) {
	return t, nil
}

func (t *fakeTransport) Channel() (amqp.Channel, error) {
	if t.closed.Load() {
		return nil, amqp091.ErrClosed
	}
	return t.ch, nil
}

func (t *fakeTransport) NotifyClose(c chan *amqp091.Error) chan *amqp091.Error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notify = append(t.notify, c)
	return c
}

func (t *fakeTransport) Close() error {
	t.drop(nil)
	return nil
}

func (t *fakeTransport) IsClosed() bool {
	return t.closed.Load()
}

// drop closes the connection the way amqp091 does: the closed flag and the
// delivery stream go first, the reason follows on NotifyClose.
func (t *fakeTransport) drop(err *amqp091.Error) {
	if !t.closed.CompareAndSwap(false, true) {
		return
	}
	t.ch.lose()

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.notify {
		if err != nil {
			c <- err
		}
		close(c)
	}
}

// fakeSource hands out queued channels or errors in order, then blocks.
type fakeSource struct {
	mu    sync.Mutex
	queue []any // amqp.Channel or error
	calls int
	ready chan struct{}
}

func newFakeSource(items ...any) *fakeSource {
	s := &fakeSource{ready: make(chan struct{}, 16)}
	s.add(items...)
	return s
}

func (s *fakeSource) add(items ...any) {
	s.mu.Lock()
	s.queue = append(s.queue, items...)
	s.mu.Unlock()
	for range items {
		s.ready <- struct{}{}
	}
}

func (s *fakeSource) Channel(ctx context.Context) (amqp.Channel, error) {
	select {
	case <-s.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	item := s.queue[0]
	s.queue = s.queue[1:]
	if err, ok := item.(error); ok {
		return nil, err
	}
	return item.(amqp.Channel), nil
}

// recordingMetrics captures state transitions and counters.
type recordingMetrics struct {
	mu          sync.Mutex
	transitions []State
	duplicates  int
	inflight    int64
	maxInflight int64
	settled     map[Outcome]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{settled: map[Outcome]int{}}
}

func (m *recordingMetrics) MessageDelivered(string, int) {}

func (m *recordingMetrics) MessageSettled(_ string, o Outcome, _ bool, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settled[o]++
}

func (m *recordingMetrics) DuplicateSkipped(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.duplicates++
}

func (m *recordingMetrics) InflightChanged(_ string, delta int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inflight += delta
	if m.inflight > m.maxInflight {
		m.maxInflight = m.inflight
	}
}

func (m *recordingMetrics) StateChanged(_ string, _, to State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, to)
}

func (m *recordingMetrics) states() []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]State(nil), m.transitions...)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []any
}

func (n *recordingNotifier) Notify(_ context.Context, ev interface{}) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *recordingNotifier) all() []any {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]any(nil), n.events...)
}
