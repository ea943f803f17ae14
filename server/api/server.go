// Copyright (c) AxonMQ
// SPDX-License-Identifier: Apache-2.0

// Package api exposes the Sparkplug host application state over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/axonmq/axonmq/sparkplug"
)

// Config holds the HTTP API server configuration.
type Config struct {
	Address         string
	Logger          *slog.Logger
	ShutdownTimeout time.Duration
}

// Server serves the REST API backed by the Sparkplug host application.
type Server struct {
	config    Config
	sparkplug *sparkplug.Service
	server    *http.Server
}

// New creates an API server over the given Sparkplug service.
func New(cfg Config, sp *sparkplug.Service) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	s := &Server{config: cfg, sparkplug: sp}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Route("/api/v1/services/sparkplug_b", func(r chi.Router) {
		r.Get("/groups", s.handleGroups)
		r.Route("/groups/{group}", func(r chi.Router) {
			r.Get("/", s.handleGroup)
			r.Get("/nodes", s.handleNodes)
			r.Route("/nodes/{node}", func(r chi.Router) {
				r.Get("/", s.handleNode)
				r.Put("/", s.handleNodeCommand)
				r.Get("/devices", s.handleDevices)
				r.Route("/devices/{device}", func(r chi.Router) {
					r.Get("/", s.handleDevice)
					r.Put("/", s.handleDeviceCommand)
				})
			})
		})
	})

	s.server = &http.Server{Addr: cfg.Address, Handler: r}
	return s
}

// Listen starts the HTTP server and blocks until the context is
// cancelled.
func (s *Server) Listen(ctx context.Context) error {
	s.config.Logger.Info("api server started", slog.String("address", s.config.Address))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
		s.config.Logger.Info("api server stopped")
		return nil
	}
}

// Handler returns the HTTP handler, for mounting in tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.sparkplug.Groups(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, groups)
}

func (s *Server) handleGroup(w http.ResponseWriter, r *http.Request) {
	g, err := s.sparkplug.Group(r.Context(), chi.URLParam(r, "group"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.sparkplug.Nodes(r.Context(), chi.URLParam(r, "group"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	n, err := s.sparkplug.Node(r.Context(), chi.URLParam(r, "group"), chi.URLParam(r, "node"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.sparkplug.Devices(r.Context(), chi.URLParam(r, "group"), chi.URLParam(r, "node"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	d, err := s.sparkplug.Device(r.Context(),
		chi.URLParam(r, "group"), chi.URLParam(r, "node"), chi.URLParam(r, "device"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleNodeCommand(w http.ResponseWriter, r *http.Request) {
	s.handleCommand(w, r, "")
}

func (s *Server) handleDeviceCommand(w http.ResponseWriter, r *http.Request) {
	s.handleCommand(w, r, chi.URLParam(r, "device"))
}

// commandDetail is the per-metric outcome in a command response.
type commandDetail struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request, deviceID string) {
	var metrics []sparkplug.CommandMetric
	if err := json.NewDecoder(r.Body).Decode(&metrics); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return
	}
	if len(metrics) == 0 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no metrics in request"})
		return
	}

	results, err := s.sparkplug.SendCommand(r.Context(),
		chi.URLParam(r, "group"), chi.URLParam(r, "node"), deviceID, metrics)
	if err != nil {
		s.writeError(w, err)
		return
	}

	details := make([]commandDetail, 0, len(results))
	for _, res := range results {
		d := commandDetail{Name: res.Name}
		if res.Err != nil {
			d.Error = res.Err.Error()
		} else {
			d.Error = "success"
		}
		details = append(details, d)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"details": details})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, sparkplug.ErrUnknownGroup),
		errors.Is(err, sparkplug.ErrUnknownNode),
		errors.Is(err, sparkplug.ErrUnknownDevice):
		status = http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.config.Logger.Error("encode response", slog.String("error", err.Error()))
	}
}
