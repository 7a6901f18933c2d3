// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp

import (
	"math/rand/v2"
	"time"
)

// Backoff produces exponentially growing delays with jitter.
// The sequence returned by Next never decreases and never exceeds Max.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	attempt int
	prev    time.Duration
	rand    func() float64
}

// NewBackoff creates a backoff starting at base and capped at max.
func NewBackoff(base, max time.Duration, jitter float64) *Backoff {
	return &Backoff{
		Base:   base,
		Max:    max,
		Jitter: jitter,
		rand:   rand.Float64,
	}
}

// Next returns the delay to wait before the next attempt.
func (b *Backoff) Next() time.Duration {
	d := b.Max
	if b.attempt < 32 {
		if exp := b.Base << b.attempt; exp > 0 && exp < b.Max {
			d = exp
		}
	}
	b.attempt++

	if b.Jitter > 0 && b.rand != nil {
		d = time.Duration(float64(d) * (1 + b.Jitter*(2*b.rand()-1)))
	}
	if d > b.Max {
		d = b.Max
	}
	if d < b.prev {
		d = b.prev
	}
	b.prev = d
	return d
}

// Attempt returns how many delays have been handed out since the last reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Reset starts the sequence over from Base.
func (b *Backoff) Reset() {
	b.attempt = 0
	b.prev = 0
}
