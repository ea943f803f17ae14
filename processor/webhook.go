// Copyright (c) AxonMQ
// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/axonmq/axonmq/storage"
	"github.com/axonmq/axonmq/template"
)

const (
	defaultWebhookConcurrency = 100
	defaultWebhookTimeout     = 10 * time.Second
)

// Webhook posts each message to an HTTP endpoint in the background and
// forwards it regardless of the HTTP outcome. Requests are bounded by a
// semaphore and a per-endpoint circuit breaker.
type Webhook struct {
	instanceID string
	url        string
	method     string
	headers    map[string]string
	body       *template.Template
	timeout    time.Duration

	sem     chan struct{}
	breaker *gobreaker.CircuitBreaker
	client  *http.Client
	logger  *slog.Logger
}

type webhookConfig struct {
	URL            string            `json:"url"`
	Method         string            `json:"method"`
	Headers        map[string]string `json:"headers"`
	Body           string            `json:"body"`
	MaxConcurrency int               `json:"max_concurrency"`
	TimeoutSecs    int               `json:"timeout_secs"`
}

// NewWebhook creates a webhook processor.
func NewWebhook(logger *slog.Logger) *Webhook {
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{
		method:  http.MethodPost,
		timeout: defaultWebhookTimeout,
		logger:  logger,
	}
}

func (w *Webhook) Name() string        { return "webhook" }
func (w *Webhook) Version() string     { return "1.0.0" }
func (w *Webhook) Description() string { return "posts messages to an HTTP endpoint" }

func (w *Webhook) SetInstanceID(id string) { w.instanceID = id }

func (w *Webhook) SetConfig(config json.RawMessage) error {
	var cfg webhookConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return err
	}
	w.url = cfg.URL
	if cfg.Method != "" {
		w.method = strings.ToUpper(cfg.Method)
	}
	w.headers = cfg.Headers
	if cfg.Body != "" {
		body, err := template.Parse(cfg.Body)
		if err != nil {
			return err
		}
		w.body = body
	}
	if cfg.TimeoutSecs > 0 {
		w.timeout = time.Duration(cfg.TimeoutSecs) * time.Second
	}

	concurrency := cfg.MaxConcurrency
	if concurrency <= 0 {
		concurrency = defaultWebhookConcurrency
	}
	w.sem = make(chan struct{}, concurrency)

	w.client = &http.Client{Timeout: w.timeout}
	w.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: w.url,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			w.logger.Warn("webhook circuit breaker state changed",
				slog.String("endpoint", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	return nil
}

func (w *Webhook) OnMessage(_ context.Context, msg *storage.Message) Result {
	body := string(msg.Payload)
	if w.body != nil {
		rendered, err := w.body.Render(msg)
		if err != nil {
			w.logger.Warn("webhook body render failed",
				slog.String("processor", w.instanceID),
				slog.String("topic", msg.Topic),
				slog.Any("error", err))
			return Forward(msg)
		}
		body = rendered
	}

	select {
	case w.sem <- struct{}{}:
	default:
		w.logger.Warn("webhook concurrency limit reached, request dropped",
			slog.String("processor", w.instanceID),
			slog.String("url", w.url))
		return Forward(msg)
	}

	go func() {
		defer func() { <-w.sem }()
		w.send(msg.Topic, body)
	}()

	return Forward(msg)
}

func (w *Webhook) send(topic, body string) {
	_, err := w.breaker.Execute(func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, w.method, w.url, strings.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range w.headers {
			req.Header.Set(k, v)
		}

		resp, err := w.client.Do(req)
		if err != nil {
			return nil, err
		}
		resp.Body.Close()
		if resp.StatusCode >= 400 {
			return nil, &httpStatusError{status: resp.StatusCode}
		}
		return nil, nil
	})
	if err != nil {
		w.logger.Warn("webhook request failed",
			slog.String("processor", w.instanceID),
			slog.String("url", w.url),
			slog.String("topic", topic),
			slog.Any("error", err))
	}
}

type httpStatusError struct {
	status int
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d %s", e.status, http.StatusText(e.status))
}
