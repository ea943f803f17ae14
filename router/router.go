// Copyright (c) AxonMQ
// SPDX-License-Identifier: Apache-2.0

// Package router matches published messages against configured rules
// and runs the referenced processor chains.
package router

import (
	"context"
	"log/slog"
	"sync"

	"github.com/axonmq/axonmq/processor"
	"github.com/axonmq/axonmq/storage"
	"github.com/axonmq/axonmq/topics"
)

// Deliverer injects chain output back into subscriber delivery.
type Deliverer interface {
	Deliver(msg *storage.Message)
}

// Chain is an ordered processor list. With Delivery set, the final
// forwarded message is handed to the deliverer.
type Chain struct {
	Name       string
	Delivery   bool
	Processors []processor.Processor
}

// Rule binds a topic filter, an optional publisher client id and the
// chains to run on a match.
type Rule struct {
	Filter   string
	ClientID string
	Chains   []string
}

// Engine evaluates rules for every ingested message and executes the
// matched chains. Chains run concurrently with respect to each other;
// processors within a chain run sequentially.
type Engine struct {
	rules     []Rule
	chains    map[string]*Chain
	deliverer Deliverer
	logger    *slog.Logger
	wg        sync.WaitGroup
}

// NewEngine creates a chain engine. Rules keep their configured order.
func NewEngine(rules []Rule, chains []*Chain, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	byName := make(map[string]*Chain, len(chains))
	for _, c := range chains {
		byName[c.Name] = c
	}
	return &Engine{rules: rules, chains: byName, logger: logger}
}

// SetDeliverer wires the delivery sink for chains with Delivery set.
func (e *Engine) SetDeliverer(d Deliverer) {
	e.deliverer = d
}

// Fork runs all chains matched by the message's topic and origin. The
// caller hands over ownership of msg; each chain works on its own copy.
func (e *Engine) Fork(msg *storage.Message) {
	matched := e.match(msg)
	for _, chain := range matched {
		e.wg.Add(1)
		go func(c *Chain) {
			defer e.wg.Done()
			e.run(c, storage.CopyMessage(msg))
		}(chain)
	}
}

// match unions the chain sets of all matching rules, preserving rule
// order and deduplicating chains referenced by more than one rule.
func (e *Engine) match(msg *storage.Message) []*Chain {
	var out []*Chain
	seen := make(map[string]struct{})
	for _, r := range e.rules {
		if r.ClientID != "" && r.ClientID != msg.Origin {
			continue
		}
		if !topics.TopicMatch(r.Filter, msg.Topic) {
			continue
		}
		for _, name := range r.Chains {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			if c := e.chains[name]; c != nil {
				out = append(out, c)
			}
		}
	}
	return out
}

func (e *Engine) run(chain *Chain, msg *storage.Message) {
	ctx := context.Background()
	cur := msg
	for _, p := range chain.Processors {
		res := p.OnMessage(ctx, cur)
		switch res.Action {
		case processor.ActionForward:
			cur = res.Message
		case processor.ActionDrop:
			return
		case processor.ActionError:
			e.logger.Warn("processor failed, chain aborted",
				slog.String("chain", chain.Name),
				slog.String("processor", p.Name()),
				slog.String("topic", msg.Topic),
				slog.Any("error", res.Err))
			return
		}
	}
	if chain.Delivery && e.deliverer != nil {
		e.deliverer.Deliver(cur)
	}
}

// Close waits for in-flight chains to finish.
func (e *Engine) Close() {
	e.wg.Wait()
}
