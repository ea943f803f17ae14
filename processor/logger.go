// Copyright (c) AxonMQ
// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/axonmq/axonmq/storage"
)

// Logger emits one structured log line per message and forwards it
// unchanged.
type Logger struct {
	instanceID string
	level      slog.Level
	logger     *slog.Logger
}

type loggerConfig struct {
	Level string `json:"level"`
}

// NewLogger creates a logger processor.
func NewLogger(logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{level: slog.LevelInfo, logger: logger}
}

func (l *Logger) Name() string        { return "logger" }
func (l *Logger) Version() string     { return "1.0.0" }
func (l *Logger) Description() string { return "logs every message at a configured level" }

func (l *Logger) SetInstanceID(id string) { l.instanceID = id }

func (l *Logger) SetConfig(config json.RawMessage) error {
	if len(config) == 0 {
		return nil
	}
	var cfg loggerConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return err
	}
	switch cfg.Level {
	case "", "info":
		l.level = slog.LevelInfo
	case "debug":
		l.level = slog.LevelDebug
	case "warn":
		l.level = slog.LevelWarn
	case "error":
		l.level = slog.LevelError
	default:
		l.level = slog.LevelInfo
	}
	return nil
}

func (l *Logger) OnMessage(ctx context.Context, msg *storage.Message) Result {
	l.logger.Log(ctx, l.level, "message",
		slog.String("processor", l.instanceID),
		slog.String("client_id", msg.Origin),
		slog.String("topic", msg.Topic),
		slog.Int("qos", int(msg.QoS)),
		slog.Bool("retain", msg.Retain),
		slog.Int("payload_len", len(msg.Payload)))
	return Forward(msg)
}
