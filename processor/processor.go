// Copyright (c) AxonMQ
// SPDX-License-Identifier: Apache-2.0

// Package processor defines the per-message processor contract used by
// the routing chains, together with the built-in processor set.
package processor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/axonmq/axonmq/storage"
)

// Action is the processor outcome kind.
type Action int

const (
	// ActionForward passes a message to the next processor.
	ActionForward Action = iota
	// ActionDrop ends the chain without delivery.
	ActionDrop
	// ActionError aborts the chain; the original message still follows
	// the standard delivery path.
	ActionError
)

// Result is the outcome of one processor invocation.
type Result struct {
	Action  Action
	Message *storage.Message
	Err     error
}

// Forward passes msg along the chain.
func Forward(msg *storage.Message) Result {
	return Result{Action: ActionForward, Message: msg}
}

// Drop ends the chain.
func Drop() Result {
	return Result{Action: ActionDrop}
}

// Errf aborts the chain with an error.
func Errf(format string, args ...any) Result {
	return Result{Action: ActionError, Err: fmt.Errorf(format, args...)}
}

// Err aborts the chain with an error.
func Err(err error) Result {
	return Result{Action: ActionError, Err: err}
}

// Processor handles one message at a time within a chain. SetInstanceID
// and SetConfig are called once before the first OnMessage.
type Processor interface {
	Name() string
	Version() string
	Description() string
	SetInstanceID(id string)
	SetConfig(config json.RawMessage) error
	OnMessage(ctx context.Context, msg *storage.Message) Result
}

// Publisher re-enters messages into the broker dispatch pipeline.
type Publisher interface {
	Publish(msg *storage.Message) error
}
