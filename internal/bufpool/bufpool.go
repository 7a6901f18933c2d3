// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bufpool recycles the scratch buffers used to inflate message
// bodies.
package bufpool

import (
	"bytes"
	"io"
	"sync"
)

// Buffers that grew past this are left to the GC.
const maxPooledCap = 1 << 20

var pool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// Get returns an empty buffer.
func Get() *bytes.Buffer {
	b := pool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

// Put returns b to the pool. b must not be used afterwards.
func Put(b *bytes.Buffer) {
	if b == nil || b.Cap() > maxPooledCap {
		return
	}
	pool.Put(b)
}

// ReadAll reads r to EOF through a pooled buffer and returns a right-sized
// copy. With limit > 0 it stops after limit+1 bytes, so callers can tell an
// oversized stream from one that is exactly limit bytes long.
func ReadAll(r io.Reader, limit int) ([]byte, error) {
	if limit > 0 {
		r = io.LimitReader(r, int64(limit)+1)
	}

	b := Get()
	defer Put(b)
	if _, err := b.ReadFrom(r); err != nil {
		return nil, err
	}
	return bytes.Clone(b.Bytes()), nil
}
