// Copyright (c) AxonMQ
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/axonmq/axonmq/broker"
	"github.com/axonmq/axonmq/config"
	"github.com/axonmq/axonmq/router"
	"github.com/axonmq/axonmq/server/api"
	"github.com/axonmq/axonmq/server/health"
	"github.com/axonmq/axonmq/server/tcp"
	"github.com/axonmq/axonmq/server/websocket"
	"github.com/axonmq/axonmq/sparkplug"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	slog.Info("Starting AxonMQ broker",
		"listeners", len(cfg.Listeners),
		"api_enabled", cfg.API.Enabled,
		"log_level", cfg.Log.Level)

	b := broker.New(broker.Limits{
		ReceiveMaximum:    cfg.Broker.ReceiveMaximum,
		TopicAliasMaximum: cfg.Broker.TopicAliasMaximum,
		MaxPacketSize:     cfg.Broker.MaxPacketSize,
		MaxQoS:            cfg.Broker.MaxQoS,
		OutboundQueueSize: cfg.Broker.OutboundQueueSize,
		KeepAliveMax:      cfg.Broker.KeepAliveMax,
	}, logger)
	defer b.Close()

	sp := sparkplug.New(cfg.SparkplugOptions(), b, logger)
	sp.Start()
	defer sp.Close()
	b.SetSparkplugSink(sp.Submit)

	procs, chains, rules, err := cfg.RouterSpecs()
	if err != nil {
		slog.Error("Failed to assemble router specs", "error", err)
		os.Exit(1)
	}
	engine, err := router.Build(procs, chains, rules, b, logger)
	if err != nil {
		slog.Error("Failed to build router", "error", err)
		os.Exit(1)
	}
	engine.SetDeliverer(b)
	defer engine.Close()
	b.SetForker(engine)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	serverErr := make(chan error, len(cfg.Listeners)+2)

	for _, l := range cfg.Listeners {
		tlsConfig, err := listenerTLS(l)
		if err != nil {
			slog.Error("Failed to load TLS material", "address", l.Address, "error", err)
			os.Exit(1)
		}

		switch l.Protocol {
		case "tcp":
			srv := tcp.New(tcp.Config{
				Address:         l.Address,
				TLSConfig:       tlsConfig,
				Logger:          logger,
				ShutdownTimeout: cfg.Broker.ShutdownTimeout,
				MaxConnections:  l.MaxConnections,
			}, b)
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := srv.Listen(ctx); err != nil {
					serverErr <- err
				}
			}()
		case "ws":
			srv := websocket.New(websocket.Config{
				Address:         l.Address,
				Path:            l.Path,
				Logger:          logger,
				ShutdownTimeout: cfg.Broker.ShutdownTimeout,
			}, b)
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := srv.Listen(ctx); err != nil {
					serverErr <- err
				}
			}()
		}
	}

	if cfg.API.Enabled {
		srv := api.New(api.Config{
			Address:         cfg.API.Address,
			Logger:          logger,
			ShutdownTimeout: cfg.Broker.ShutdownTimeout,
		}, sp)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	if cfg.Health.Enabled {
		srv := health.New(health.Config{
			Address:         cfg.Health.Address,
			Logger:          logger,
			ShutdownTimeout: cfg.Broker.ShutdownTimeout,
		}, b)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	slog.Info("AxonMQ broker started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
		cancel()
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
		cancel()
	}

	wg.Wait()
	slog.Info("AxonMQ broker stopped")
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

func listenerTLS(l config.ListenerConfig) (*tls.Config, error) {
	if !l.TLSEnabled() {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(l.TLSCertFile, l.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if l.TLSCAFile != "" {
		pem, err := os.ReadFile(l.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in CA file %s", l.TLSCAFile)
		}
		tlsConfig.ClientCAs = pool
	}

	switch l.TLSClientAuth {
	case "", "none":
	case "request":
		tlsConfig.ClientAuth = tls.RequestClientCert
	case "require":
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return tlsConfig, nil
}
