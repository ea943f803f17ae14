// Copyright (c) AxonMQ
// SPDX-License-Identifier: Apache-2.0

// Package storage defines the broker's message representation and the
// pluggable store interfaces. The in-memory implementations live in
// the memory subpackage.
package storage

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// Message is the internal representation of an application message as
// it moves between the codec, the dispatcher, sessions and processors.
type Message struct {
	Topic           string
	Payload         []byte
	QoS             byte
	Retain          bool
	Dup             bool
	PacketID        uint16
	PublishTime     time.Time
	Expiry          time.Time
	MessageExpiry   *uint32
	PayloadFormat   *byte
	ContentType     string
	ResponseTopic   string
	CorrelationData []byte
	UserProperties  map[string]string
	SubscriptionIDs []int
	// Origin is the client identifier of the publisher, or "internal"
	// for broker-generated messages.
	Origin string
	// Depth counts republish re-entries through the routing engine.
	Depth int
}

// Expired reports whether the message expiry deadline has passed.
func (m *Message) Expired(now time.Time) bool {
	return !m.Expiry.IsZero() && now.After(m.Expiry)
}

// RemainingExpiry returns the message expiry interval in seconds left
// at delivery time, for rewriting the property on egress.
func (m *Message) RemainingExpiry(now time.Time) uint32 {
	if m.Expiry.IsZero() {
		return 0
	}
	left := m.Expiry.Sub(now)
	if left <= 0 {
		return 0
	}
	return uint32(left / time.Second)
}

// CopyMessage creates a deep copy of a message.
func CopyMessage(msg *Message) *Message {
	if msg == nil {
		return nil
	}

	cp := *msg
	if msg.Payload != nil {
		cp.Payload = make([]byte, len(msg.Payload))
		copy(cp.Payload, msg.Payload)
	}
	if msg.CorrelationData != nil {
		cp.CorrelationData = make([]byte, len(msg.CorrelationData))
		copy(cp.CorrelationData, msg.CorrelationData)
	}
	if msg.UserProperties != nil {
		cp.UserProperties = make(map[string]string, len(msg.UserProperties))
		for k, v := range msg.UserProperties {
			cp.UserProperties[k] = v
		}
	}
	if msg.SubscriptionIDs != nil {
		cp.SubscriptionIDs = append([]int(nil), msg.SubscriptionIDs...)
	}
	if msg.MessageExpiry != nil {
		me := *msg.MessageExpiry
		cp.MessageExpiry = &me
	}
	if msg.PayloadFormat != nil {
		pf := *msg.PayloadFormat
		cp.PayloadFormat = &pf
	}
	return &cp
}

// RetainedStore keeps the last retained message per topic.
type RetainedStore interface {
	// Set stores or updates a retained message. An empty payload
	// removes the entry.
	Set(ctx context.Context, topic string, msg *Message) error

	// Get retrieves a retained message by exact topic.
	Get(ctx context.Context, topic string) (*Message, error)

	// Delete removes a retained message.
	Delete(ctx context.Context, topic string) error

	// Match returns all retained messages matching a filter.
	Match(ctx context.Context, filter string) ([]*Message, error)

	// Count returns the number of retained messages.
	Count(ctx context.Context) (int, error)
}
