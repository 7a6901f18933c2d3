// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/absmach/fluxconsumer/consumer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubConn bool

func (c stubConn) IsConnected() bool { return bool(c) }

type stubConsumer struct {
	queue string
	state consumer.State
}

func (c stubConsumer) Queue() string         { return c.queue }
func (c stubConsumer) State() consumer.State { return c.state }

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAddrWithoutListener(t *testing.T) {
	server := New(Config{}, stubConn(true), nil, nil, quiet())
	assert.Equal(t, "", server.Addr())
}

func TestHealthEndpoint(t *testing.T) {
	server := New(Config{}, stubConn(false), nil, nil, quiet())

	tests := []struct {
		name           string
		method         string
		expectedStatus int
	}{
		{"GET request returns healthy", http.MethodGet, http.StatusOK},
		{"POST request not allowed", http.MethodPost, http.StatusMethodNotAllowed},
		{"PUT request not allowed", http.MethodPut, http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "http://test/health", nil)
			rec := httptest.NewRecorder()

			server.handleHealth(rec, req)

			assert.Equal(t, tt.expectedStatus, rec.Code)
			if tt.expectedStatus == http.StatusOK {
				var response HealthResponse
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&response))
				assert.Equal(t, "healthy", response.Status)
				assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			}
		})
	}
}

func TestReadyEndpoint(t *testing.T) {
	tests := []struct {
		name           string
		conn           Connection
		consumers      []Consumer
		expectedStatus int
		expectedReady  string
	}{
		{
			name: "connected and consuming",
			conn: stubConn(true),
			consumers: []Consumer{
				stubConsumer{"order", consumer.StateConsuming},
				stubConsumer{"fill", consumer.StateConsuming},
			},
			expectedStatus: http.StatusOK,
			expectedReady:  "ready",
		},
		{
			name:           "connection down",
			conn:           stubConn(false),
			consumers:      []Consumer{stubConsumer{"order", consumer.StateConsuming}},
			expectedStatus: http.StatusServiceUnavailable,
			expectedReady:  "not_ready",
		},
		{
			name:           "no connection manager",
			expectedStatus: http.StatusServiceUnavailable,
			expectedReady:  "not_ready",
		},
		{
			name: "consumer resubscribing",
			conn: stubConn(true),
			consumers: []Consumer{
				stubConsumer{"order", consumer.StateConsuming},
				stubConsumer{"fill", consumer.StateSubscribing},
			},
			expectedStatus: http.StatusServiceUnavailable,
			expectedReady:  "not_ready",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := New(Config{}, tt.conn, tt.consumers, nil, quiet())
			req := httptest.NewRequest(http.MethodGet, "http://test/ready", nil)
			rec := httptest.NewRecorder()

			server.handleReady(rec, req)

			assert.Equal(t, tt.expectedStatus, rec.Code)
			var response ReadyResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&response))
			assert.Equal(t, tt.expectedReady, response.Status)
			for _, c := range tt.consumers {
				assert.Equal(t, c.State().String(), response.Consumers[c.Queue()])
			}
		})
	}
}

func TestMetricsMount(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("consumer_messages_delivered_total 1\n"))
	})

	with := New(Config{}, stubConn(true), nil, metrics, quiet())
	rec := httptest.NewRecorder()
	with.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "consumer_messages_delivered_total")

	without := New(Config{}, stubConn(true), nil, nil, quiet())
	rec = httptest.NewRecorder()
	without.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListenAndShutdown(t *testing.T) {
	server := New(Config{Address: "127.0.0.1:0", ShutdownTimeout: time.Second}, stubConn(true), nil, nil, quiet())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- server.Listen(ctx) }()

	require.Eventually(t, func() bool { return server.Addr() != "" }, time.Second, 5*time.Millisecond)

	resp, err := http.Get("http://" + server.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
