// Copyright (c) AxonMQ
// SPDX-License-Identifier: Apache-2.0

// Package health exposes liveness and readiness probes for
// orchestration.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/axonmq/axonmq/broker"
)

// Config holds health check server configuration.
type Config struct {
	Address         string
	Logger          *slog.Logger
	ShutdownTimeout time.Duration
}

// Server provides health check endpoints for monitoring.
type Server struct {
	config   Config
	broker   *broker.Broker
	server   *http.Server
	listener net.Listener
}

// New creates a health check server over the given broker.
func New(cfg Config, b *broker.Broker) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	s := &Server{config: cfg, broker: b}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/stats", s.handleStats)

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Addr returns the listener address, empty before Listen.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen starts the health server and blocks until the context is
// cancelled.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.listener = listener

	s.config.Logger.Info("health server started", slog.String("address", listener.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
			return err
		}
		s.config.Logger.Info("health server stopped")
		return nil
	}
}

type statusResponse struct {
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.broker == nil {
		writeJSON(w, http.StatusServiceUnavailable, statusResponse{
			Status:  "not_ready",
			Details: "broker not initialized",
		})
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "ready"})
}

type statsResponse struct {
	UptimeSeconds     float64 `json:"uptime_seconds"`
	Sessions          int     `json:"sessions"`
	ConnectedSessions int     `json:"connected_sessions"`
	PublishReceived   uint64  `json:"publish_received"`
	PublishSent       uint64  `json:"publish_sent"`
	Dropped           uint64  `json:"dropped"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stats := s.broker.Stats()
	writeJSON(w, http.StatusOK, statsResponse{
		UptimeSeconds:     stats.Uptime().Seconds(),
		Sessions:          s.broker.Sessions().Count(),
		ConnectedSessions: s.broker.Sessions().ConnectedCount(),
		PublishReceived:   stats.PublishReceived(),
		PublishSent:       stats.PublishSent(),
		Dropped:           stats.Dropped(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
