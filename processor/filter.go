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

// Filter forwards a message when its condition template renders truthy
// and drops it otherwise.
type Filter struct {
	instanceID  string
	condition   *template.Template
	onErrorPass bool
	logger      *slog.Logger
}

type filterConfig struct {
	Condition   string `json:"condition"`
	OnErrorPass *bool  `json:"on_error_pass"`
}

// NewFilter creates a filter processor.
func NewFilter(logger *slog.Logger) *Filter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Filter{onErrorPass: true, logger: logger}
}

func (f *Filter) Name() string        { return "filter" }
func (f *Filter) Version() string     { return "1.0.0" }
func (f *Filter) Description() string { return "forwards messages whose condition renders truthy" }

func (f *Filter) SetInstanceID(id string) { f.instanceID = id }

func (f *Filter) SetConfig(config json.RawMessage) error {
	var cfg filterConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return err
	}
	tpl, err := template.Parse(cfg.Condition)
	if err != nil {
		return err
	}
	f.condition = tpl
	if cfg.OnErrorPass != nil {
		f.onErrorPass = *cfg.OnErrorPass
	}
	return nil
}

func (f *Filter) OnMessage(_ context.Context, msg *storage.Message) Result {
	out, err := f.condition.Render(msg)
	if err != nil {
		f.logger.Warn("filter condition render failed",
			slog.String("processor", f.instanceID),
			slog.String("topic", msg.Topic),
			slog.Any("error", err))
		if f.onErrorPass {
			return Forward(msg)
		}
		return Drop()
	}
	if template.Truthy(out) {
		return Forward(msg)
	}
	return Drop()
}
