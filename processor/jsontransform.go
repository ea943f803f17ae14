// Copyright (c) AxonMQ
// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/axonmq/axonmq/storage"
	"github.com/axonmq/axonmq/template"
)

// JSONTransform replaces a JSON payload with the rendered template
// output. Non-JSON payloads pass through unchanged.
type JSONTransform struct {
	instanceID string
	tpl        *template.Template
	logger     *slog.Logger
}

type jsonTransformConfig struct {
	Template string `json:"template"`
}

// NewJSONTransform creates a json-transform processor.
func NewJSONTransform(logger *slog.Logger) *JSONTransform {
	if logger == nil {
		logger = slog.Default()
	}
	return &JSONTransform{logger: logger}
}

func (j *JSONTransform) Name() string    { return "json-transform" }
func (j *JSONTransform) Version() string { return "1.0.0" }
func (j *JSONTransform) Description() string {
	return "rewrites JSON payloads through a template"
}

func (j *JSONTransform) SetInstanceID(id string) { j.instanceID = id }

func (j *JSONTransform) SetConfig(config json.RawMessage) error {
	var cfg jsonTransformConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return err
	}
	tpl, err := template.Parse(cfg.Template)
	if err != nil {
		return err
	}
	j.tpl = tpl
	return nil
}

func (j *JSONTransform) OnMessage(_ context.Context, msg *storage.Message) Result {
	if !json.Valid(msg.Payload) {
		j.logger.Warn("payload is not JSON, forwarding unchanged",
			slog.String("processor", j.instanceID),
			slog.String("topic", msg.Topic))
		return Forward(msg)
	}

	out, err := j.tpl.Render(msg)
	if err != nil {
		return Err(err)
	}

	next := storage.CopyMessage(msg)
	next.Payload = []byte(out)
	return Forward(next)
}
