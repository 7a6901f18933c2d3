// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bufpool

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
)

func TestGetReturnsResetBuffer(t *testing.T) {
	b := Get()
	b.WriteString("order-42")
	Put(b)

	b2 := Get()
	if b2.Len() != 0 {
		t.Fatalf("expected empty buffer, got %d bytes", b2.Len())
	}
	Put(b2)
}

func TestPutDiscardsOversizedBuffer(t *testing.T) {
	b := Get()
	b.Grow(maxPooledCap + 1)
	Put(b)
	Put(nil)
}

func TestReadAllCopiesOutOfThePool(t *testing.T) {
	got, err := ReadAll(strings.NewReader("order-42"), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The returned slice must survive the buffer being reused.
	b := Get()
	b.WriteString("XXXXXXXX")
	Put(b)

	if string(got) != "order-42" {
		t.Fatalf("expected order-42, got %q", got)
	}
}

func TestReadAllLimit(t *testing.T) {
	body := strings.Repeat("a", 100)

	got, err := ReadAll(strings.NewReader(body), 100)
	if err != nil || len(got) != 100 {
		t.Fatalf("expected 100 bytes, got %d (%v)", len(got), err)
	}

	got, err = ReadAll(strings.NewReader(body), 10)
	if err != nil || len(got) != 11 {
		t.Fatalf("expected limit+1 bytes, got %d (%v)", len(got), err)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("corrupt stream") }

func TestReadAllError(t *testing.T) {
	if _, err := ReadAll(failingReader{}, 0); err == nil {
		t.Fatal("expected error")
	}
}

func TestConcurrentReadAll(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			want := bytes.Repeat([]byte{byte(i)}, 512)
			got, err := ReadAll(bytes.NewReader(want), 0)
			if err != nil || !bytes.Equal(got, want) {
				t.Errorf("corrupted read for %d", i)
			}
		}()
	}
	wg.Wait()
}
