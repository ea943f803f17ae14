// Copyright (c) AxonMQ
// SPDX-License-Identifier: Apache-2.0

// Package websocket serves MQTT over WebSocket per the MQTT transport
// mapping: only binary messages carry MQTT packets, and an inbound
// packet may span several of them.
package websocket

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/axonmq/axonmq/broker"
)

// Config holds the WebSocket server configuration.
type Config struct {
	Address         string
	Path            string
	Logger          *slog.Logger
	ShutdownTimeout time.Duration
}

// Server upgrades HTTP requests to WebSocket and bridges each socket to
// the broker as a net.Conn.
type Server struct {
	config   Config
	broker   *broker.Broker
	server   *http.Server
	upgrader websocket.Upgrader
}

// New creates a WebSocket server serving the given broker.
func New(cfg Config, b *broker.Broker) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "/mqtt"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	s := &Server{
		config: cfg,
		broker: b,
		upgrader: websocket.Upgrader{
			Subprotocols: []string{"mqtt"},
			CheckOrigin:  func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, s.handleUpgrade)
	s.server = &http.Server{Addr: cfg.Address, Handler: mux}

	return s
}

// Listen starts the HTTP server and blocks until the context is
// cancelled.
func (s *Server) Listen(ctx context.Context) error {
	s.config.Logger.Info("websocket server started",
		slog.String("address", s.config.Address),
		slog.String("path", s.config.Path))

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
			s.config.Logger.Error("websocket server shutdown", slog.String("error", err.Error()))
			return err
		}
		s.config.Logger.Info("websocket server stopped")
		return nil
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.config.Logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	s.config.Logger.Debug("websocket connection accepted",
		slog.String("remote", r.RemoteAddr))

	conn := newWSConn(ws)
	defer conn.Close()
	s.broker.ServeConn(conn)
}

// wsConn adapts a WebSocket to net.Conn. Reads drain the current
// binary message and pull the next one when exhausted; each Write is
// sent as one binary message since packet encoders emit a whole packet
// per Write.
type wsConn struct {
	ws     *websocket.Conn
	reader *bytes.Reader
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws, reader: bytes.NewReader(nil)}
}

func (c *wsConn) Read(b []byte) (int, error) {
	for c.reader.Len() == 0 {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		if messageType != websocket.BinaryMessage {
			return 0, errors.New("websocket: expected binary message")
		}
		c.reader.Reset(data)
	}
	n, err := c.reader.Read(b)
	if errors.Is(err, io.EOF) {
		err = nil
	}
	return n, err
}

func (c *wsConn) Write(b []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *wsConn) Close() error { return c.ws.Close() }

func (c *wsConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }
