// Copyright (c) AxonMQ
// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/axonmq/axonmq/storage"
	"github.com/axonmq/axonmq/template"
)

// Republish publishes a derived message to a rendered topic as a side
// effect and forwards the original unchanged. The derived message
// carries an incremented republish depth.
type Republish struct {
	instanceID string
	topic      *template.Template
	payload    *template.Template
	qos        *byte
	retain     *bool
	publisher  Publisher
	logger     *slog.Logger
}

type republishConfig struct {
	Topic   string `json:"topic"`
	Payload string `json:"payload"`
	QoS     *byte  `json:"qos"`
	Retain  *bool  `json:"retain"`
}

// NewRepublish creates a republish processor submitting into the given
// publisher.
func NewRepublish(publisher Publisher, logger *slog.Logger) *Republish {
	if logger == nil {
		logger = slog.Default()
	}
	return &Republish{publisher: publisher, logger: logger}
}

func (r *Republish) Name() string    { return "republish" }
func (r *Republish) Version() string { return "1.0.0" }
func (r *Republish) Description() string {
	return "publishes a derived message to another topic"
}

func (r *Republish) SetInstanceID(id string) { r.instanceID = id }

func (r *Republish) SetConfig(config json.RawMessage) error {
	var cfg republishConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return err
	}
	topic, err := template.Parse(cfg.Topic)
	if err != nil {
		return err
	}
	r.topic = topic
	if cfg.Payload != "" {
		payload, err := template.Parse(cfg.Payload)
		if err != nil {
			return err
		}
		r.payload = payload
	}
	r.qos = cfg.QoS
	r.retain = cfg.Retain
	return nil
}

func (r *Republish) OnMessage(_ context.Context, msg *storage.Message) Result {
	topic, err := r.topic.Render(msg)
	if err != nil {
		return Err(err)
	}

	out := storage.CopyMessage(msg)
	out.Topic = topic
	out.Retain = false
	out.PublishTime = time.Now()
	out.Depth = msg.Depth + 1
	if r.payload != nil {
		rendered, err := r.payload.Render(msg)
		if err != nil {
			return Err(err)
		}
		out.Payload = []byte(rendered)
	}
	if r.qos != nil {
		out.QoS = *r.qos
	}
	if r.retain != nil {
		out.Retain = *r.retain
	}

	if err := r.publisher.Publish(out); err != nil {
		r.logger.Warn("republish failed",
			slog.String("processor", r.instanceID),
			slog.String("topic", topic),
			slog.Any("error", err))
	}
	return Forward(msg)
}
