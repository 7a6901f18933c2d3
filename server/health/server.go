// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/fluxconsumer/consumer"
)

// Config holds health check server configuration.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
}

// Connection reports whether the broker connection is live.
type Connection interface {
	IsConnected() bool
}

// Consumer reports the state of one queue subscription.
type Consumer interface {
	Queue() string
	State() consumer.State
}

// Server provides health check endpoints for monitoring and orchestration.
type Server struct {
	config    Config
	conn      Connection
	consumers []Consumer
	logger    *slog.Logger
	server    *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// New creates a new health check server. A non-nil metrics handler is
// mounted at /metrics.
func New(cfg Config, conn Connection, consumers []Consumer, metrics http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	s := &Server{
		config:    cfg,
		conn:      conn,
		consumers: consumers,
		logger:    logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the endpoint multiplexer.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Addr returns the listener's network address, or "" before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("Starting health check server", "address", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Health check server shutdown error", "error", err)
			return err
		}

		s.logger.Info("Health check server stopped")
		return nil
	}
}

// HealthResponse represents the liveness probe response.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

// ReadyResponse represents the readiness probe response.
type ReadyResponse struct {
	Status    string            `json:"status"`
	Connected bool              `json:"connected"`
	Consumers map[string]string `json:"consumers,omitempty"`
	Details   string            `json:"details,omitempty"`
}

// handleReady reports ready only while the connection is live and every
// consumer is consuming.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := ReadyResponse{
		Status:    "ready",
		Connected: s.conn != nil && s.conn.IsConnected(),
		Consumers: make(map[string]string, len(s.consumers)),
	}
	if !resp.Connected {
		resp.Status = "not_ready"
		resp.Details = "broker connection down"
	}
	for _, c := range s.consumers {
		st := c.State()
		resp.Consumers[c.Queue()] = st.String()
		if st != consumer.StateConsuming && resp.Status == "ready" {
			resp.Status = "not_ready"
			resp.Details = "consumer " + c.Queue() + " is " + st.String()
		}
	}

	code := http.StatusOK
	if resp.Status != "ready" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
