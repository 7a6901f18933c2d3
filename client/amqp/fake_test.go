// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp

import (
	"errors"
	"sync"
	"sync/atomic"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

type fakeChannel struct {
	mu        sync.Mutex
	declared  []string
	args      amqp091.Table
	declErr   error
	closed    bool
	qosCount  int
	deliverCh chan amqp091.Delivery
}

func (c *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.qosCount = prefetchCount
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, args amqp091.Table) (amqp091.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.declErr != nil {
		return amqp091.Queue{}, c.declErr
	}
	c.declared = append(c.declared, name)
	c.args = args
	return amqp091.Queue{Name: name}, nil
}

func (c *fakeChannel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error) {
	return c.QueueDeclare("passive:"+name, durable, autoDelete, exclusive, noWait, args)
}

func (c *fakeChannel) Consume(string, string, bool, bool, bool, bool, amqp091.Table) (<-chan amqp091.Delivery, error) {
	if c.deliverCh == nil {
		c.deliverCh = make(chan amqp091.Delivery)
	}
	return c.deliverCh, nil
}

func (c *fakeChannel) Get(string, bool) (amqp091.Delivery, bool, error) {
	return amqp091.Delivery{}, false, nil
}

func (c *fakeChannel) Cancel(string, bool) error { return nil }

func (c *fakeChannel) NotifyClose(ch chan *amqp091.Error) chan *amqp091.Error { return ch }

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type fakeTransport struct {
	mu     sync.Mutex
	notify []chan *amqp091.Error
	closed atomic.Bool
}

func (t *fakeTransport) Channel() (Channel, error) {
	if t.closed.Load() {
		return nil, amqp091.ErrClosed
	}
	return &fakeChannel{}, nil
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

// drop simulates the broker closing the connection with err.
func (t *fakeTransport) drop(err *amqp091.Error) {
	if !t.closed.CompareAndSwap(false, true) {
		return
	}
	t.sendClose(err)
}

// markClosed flips the closed flag without notifying, as amqp091 does
// before it delivers the close reason.
func (t *fakeTransport) markClosed() {
	t.closed.Store(true)
}

func (t *fakeTransport) sendClose(err *amqp091.Error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.notify {
		if err != nil {
			c <- err
		}
		close(c)
	}
	t.notify = nil
}

// fakeDialer hands out transports and records every dial.
type fakeDialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
	errs       []error // consumed in order before dials succeed
	dialed     chan *fakeTransport
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialed: make(chan *fakeTransport, 64)}
}

func (d *fakeDialer) dial(string, amqp091.Config) (Transport, error) {
	d.mu.Lock()
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		d.mu.Unlock()
		return nil, err
	}
	t := &fakeTransport{}
	d.transports = append(d.transports, t)
	d.mu.Unlock()
	d.dialed <- t
	return t, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transports)
}

var errRefused = errors.New("dial tcp 127.0.0.1:5672: connect: connection refused")
