// Copyright (c) AxonMQ
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/axonmq/axonmq/processor"
)

// ProcessorSpec declares one processor instance. Config carries the
// processor type under "type" plus type-specific settings.
type ProcessorSpec struct {
	UUID   string
	Config json.RawMessage
}

// ChainSpec declares a named chain over processor UUIDs.
type ChainSpec struct {
	Name       string
	Processors []string
	Delivery   bool
}

// RuleSpec declares one router rule.
type RuleSpec struct {
	Topic    string
	ClientID string
	Chains   []string
}

// Build instantiates processors, chains and rules from their specs and
// returns a ready engine. The publisher backs republish processors.
func Build(procs []ProcessorSpec, chains []ChainSpec, rules []RuleSpec,
	publisher processor.Publisher, logger *slog.Logger,
) (*Engine, error) {
	instances := make(map[string]processor.Processor, len(procs))
	for _, spec := range procs {
		if spec.UUID == "" {
			return nil, fmt.Errorf("processor without uuid")
		}
		if _, ok := instances[spec.UUID]; ok {
			return nil, fmt.Errorf("duplicate processor uuid %q", spec.UUID)
		}
		p, err := newProcessor(spec, publisher, logger)
		if err != nil {
			return nil, fmt.Errorf("processor %s: %w", spec.UUID, err)
		}
		instances[spec.UUID] = p
	}

	built := make([]*Chain, 0, len(chains))
	names := make(map[string]struct{}, len(chains))
	for _, spec := range chains {
		if _, ok := names[spec.Name]; ok {
			return nil, fmt.Errorf("duplicate chain %q", spec.Name)
		}
		names[spec.Name] = struct{}{}

		c := &Chain{Name: spec.Name, Delivery: spec.Delivery}
		for _, uuid := range spec.Processors {
			p, ok := instances[uuid]
			if !ok {
				return nil, fmt.Errorf("chain %q references unknown processor %q", spec.Name, uuid)
			}
			c.Processors = append(c.Processors, p)
		}
		built = append(built, c)
	}

	out := make([]Rule, 0, len(rules))
	for _, spec := range rules {
		for _, name := range spec.Chains {
			if _, ok := names[name]; !ok {
				return nil, fmt.Errorf("rule %q references unknown chain %q", spec.Topic, name)
			}
		}
		out = append(out, Rule{Filter: spec.Topic, ClientID: spec.ClientID, Chains: spec.Chains})
	}

	return NewEngine(out, built, logger), nil
}

func newProcessor(spec ProcessorSpec, publisher processor.Publisher, logger *slog.Logger) (processor.Processor, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(spec.Config, &head); err != nil {
		return nil, err
	}

	var p processor.Processor
	switch head.Type {
	case "logger":
		p = processor.NewLogger(logger)
	case "filter":
		p = processor.NewFilter(logger)
	case "json_transform":
		p = processor.NewJSONTransform(logger)
	case "republish":
		p = processor.NewRepublish(publisher, logger)
	case "webhook":
		p = processor.NewWebhook(logger)
	case "anomaly_detector":
		p = processor.NewAnomalyDetector(logger)
	case "wasm":
		p = processor.NewWasm(logger)
	default:
		return nil, fmt.Errorf("unknown processor type %q", head.Type)
	}

	p.SetInstanceID(spec.UUID)
	if err := p.SetConfig(spec.Config); err != nil {
		return nil, err
	}
	return p, nil
}
