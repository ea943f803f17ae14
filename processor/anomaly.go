// Copyright (c) AxonMQ
// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/axonmq/axonmq/storage"
	"github.com/axonmq/axonmq/template"
)

const (
	strategyThreshold     = "threshold"
	strategyMovingAverage = "moving_average"
)

// AnomalyDetector evaluates a numeric value per message and flags
// outliers, either against a fixed threshold band or against a moving
// average over a per-series sample window. Messages whose value parses
// as a number always forward; flagged ones carry an "anomaly" user
// property and a warn log line. A non-numeric value is an error result.
type AnomalyDetector struct {
	instanceID    string
	valueSelector *template.Template
	seriesID      *template.Template
	strategy      string

	min, max        float64
	windowSize      int
	deviationFactor float64

	mu     sync.Mutex
	series map[string]*window

	logger *slog.Logger
}

type anomalyConfig struct {
	ValueSelector   string   `json:"value_selector"`
	SeriesID        string   `json:"series_id"`
	Strategy        string   `json:"strategy"`
	Min             *float64 `json:"min"`
	Max             *float64 `json:"max"`
	WindowSize      int      `json:"window_size"`
	DeviationFactor float64  `json:"deviation_factor"`
}

// NewAnomalyDetector creates an anomaly-detector processor.
func NewAnomalyDetector(logger *slog.Logger) *AnomalyDetector {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnomalyDetector{
		series: make(map[string]*window),
		logger: logger,
	}
}

func (a *AnomalyDetector) Name() string    { return "anomaly-detector" }
func (a *AnomalyDetector) Version() string { return "1.0.0" }
func (a *AnomalyDetector) Description() string {
	return "flags numeric outliers per series"
}

func (a *AnomalyDetector) SetInstanceID(id string) { a.instanceID = id }

func (a *AnomalyDetector) SetConfig(config json.RawMessage) error {
	var cfg anomalyConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return err
	}

	selector, err := template.Parse(cfg.ValueSelector)
	if err != nil {
		return err
	}
	a.valueSelector = selector

	if cfg.SeriesID != "" {
		series, err := template.Parse(cfg.SeriesID)
		if err != nil {
			return err
		}
		a.seriesID = series
	}

	switch cfg.Strategy {
	case strategyThreshold:
		if cfg.Min == nil || cfg.Max == nil {
			return fmt.Errorf("threshold strategy requires min and max")
		}
		a.min, a.max = *cfg.Min, *cfg.Max
	case strategyMovingAverage:
		if cfg.WindowSize <= 0 {
			return fmt.Errorf("moving_average strategy requires window_size > 0")
		}
		if cfg.DeviationFactor <= 0 {
			return fmt.Errorf("moving_average strategy requires deviation_factor > 0")
		}
		a.windowSize = cfg.WindowSize
		a.deviationFactor = cfg.DeviationFactor
	default:
		return fmt.Errorf("unknown strategy %q", cfg.Strategy)
	}
	a.strategy = cfg.Strategy
	return nil
}

func (a *AnomalyDetector) OnMessage(_ context.Context, msg *storage.Message) Result {
	rendered, err := a.valueSelector.Render(msg)
	if err != nil {
		return Err(err)
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(rendered), 64)
	if err != nil {
		return Errf("value selector yielded %q, not a number", rendered)
	}

	series := msg.Topic
	if a.seriesID != nil {
		s, err := a.seriesID.Render(msg)
		if err != nil {
			return Err(err)
		}
		series = s
	}

	flagged := false
	switch a.strategy {
	case strategyThreshold:
		flagged = value < a.min || value > a.max
	case strategyMovingAverage:
		flagged = a.observe(series, value)
	}

	if !flagged {
		return Forward(msg)
	}

	a.logger.Warn("anomaly detected",
		slog.String("processor", a.instanceID),
		slog.String("series", series),
		slog.Float64("value", value))

	out := storage.CopyMessage(msg)
	if out.UserProperties == nil {
		out.UserProperties = make(map[string]string, 1)
	}
	out.UserProperties["anomaly"] = "true"
	return Forward(out)
}

// observe adds a sample to the series window and reports whether it
// deviates from the mean by more than deviationFactor standard
// deviations. Samples never flag until the window is full.
func (a *AnomalyDetector) observe(series string, value float64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	w := a.series[series]
	if w == nil {
		w = newWindow(a.windowSize)
		a.series[series] = w
	}

	flagged := false
	if w.full() {
		mean, std := w.stats()
		flagged = std > 0 && math.Abs(value-mean) > a.deviationFactor*std
	}
	w.push(value)
	return flagged
}

// window is a fixed-size sample ring with running Welford moments,
// updated incrementally as samples enter and leave.
type window struct {
	samples []float64
	head    int
	count   int

	mean float64
	m2   float64
}

func newWindow(size int) *window {
	return &window{samples: make([]float64, size)}
}

func (w *window) full() bool {
	return w.count == len(w.samples)
}

func (w *window) push(value float64) {
	if w.full() {
		old := w.samples[w.head]
		// remove the departing sample from the running moments
		n := float64(w.count)
		oldMean := w.mean
		w.mean = (n*w.mean - old) / (n - 1)
		w.m2 -= (old - oldMean) * (old - w.mean)
		w.count--
	}

	w.samples[w.head] = value
	w.head = (w.head + 1) % len(w.samples)

	w.count++
	delta := value - w.mean
	w.mean += delta / float64(w.count)
	w.m2 += delta * (value - w.mean)
	if w.m2 < 0 {
		w.m2 = 0
	}
}

func (w *window) stats() (mean, std float64) {
	if w.count == 0 {
		return 0, 0
	}
	variance := w.m2 / float64(w.count)
	return w.mean, math.Sqrt(variance)
}
