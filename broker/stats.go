// Copyright (c) AxonMQ
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/axonmq/axonmq/storage"
)

const statsInterval = 10 * time.Second

// Stats holds broker counters published under $SYS topics.
type Stats struct {
	startTime time.Time

	totalConnections atomic.Uint64
	disconnections   atomic.Uint64
	publishReceived  atomic.Uint64
	publishSent      atomic.Uint64
	droppedMessages  atomic.Uint64
	protocolErrors   atomic.Uint64
}

// NewStats creates zeroed stats anchored at the current time.
func NewStats() *Stats {
	return &Stats{startTime: time.Now()}
}

// Uptime returns the time since broker start.
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// PublishReceived returns the count of inbound PUBLISH packets.
func (s *Stats) PublishReceived() uint64 { return s.publishReceived.Load() }

// PublishSent returns the count of outbound PUBLISH packets.
func (s *Stats) PublishSent() uint64 { return s.publishSent.Load() }

// Dropped returns the count of messages shed under backpressure or
// size limits.
func (s *Stats) Dropped() uint64 { return s.droppedMessages.Load() }

// statsLoop periodically publishes broker statistics as retained
// messages under $SYS/broker.
func (b *Broker) statsLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.publishStats()
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) publishStats() {
	entries := []struct {
		topic string
		value string
	}{
		{"$SYS/broker/uptime", strconv.FormatInt(int64(b.stats.Uptime().Seconds()), 10)},
		{"$SYS/broker/clients/connected", strconv.Itoa(b.sessions.ConnectedCount())},
		{"$SYS/broker/clients/total", strconv.Itoa(b.sessions.Count())},
		{"$SYS/broker/clients/disconnected", strconv.FormatUint(b.stats.disconnections.Load(), 10)},
		{"$SYS/broker/messages/publish/received", strconv.FormatUint(b.stats.publishReceived.Load(), 10)},
		{"$SYS/broker/messages/publish/sent", strconv.FormatUint(b.stats.publishSent.Load(), 10)},
		{"$SYS/broker/messages/dropped", strconv.FormatUint(b.stats.droppedMessages.Load(), 10)},
		{"$SYS/broker/errors/protocol", strconv.FormatUint(b.stats.protocolErrors.Load(), 10)},
	}

	count, err := b.retained.Count(context.Background())
	if err == nil {
		entries = append(entries, struct {
			topic string
			value string
		}{"$SYS/broker/retained/count", strconv.Itoa(count)})
	}

	for _, e := range entries {
		msg := &storage.Message{
			Topic:       e.topic,
			Payload:     []byte(e.value),
			Retain:      true,
			PublishTime: time.Now(),
			Origin:      internalOrigin,
		}
		if err := b.Publish(msg); err != nil {
			b.logger.Debug("stats publish failed", "topic", e.topic, "error", err)
		}
	}
}
