// Copyright (c) AxonMQ
// SPDX-License-Identifier: Apache-2.0

// Package broker ties the packet codec, topic matcher and session
// store together into the MQTT broker core: connection handling, the
// QoS state machines and the publish dispatcher.
package broker

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/axonmq/axonmq/packets"
	"github.com/axonmq/axonmq/session"
	"github.com/axonmq/axonmq/storage"
	"github.com/axonmq/axonmq/storage/memory"
	"github.com/axonmq/axonmq/topics"
)

// Broker errors.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrBackpressure    = errors.New("outbound queue full")
)

const (
	// sparkplugPrefix marks topics forwarded to the Sparkplug host
	// application.
	sparkplugPrefix = "spBv1.0/"

	// maxRepublishDepth bounds republish re-entry through the
	// dispatcher to stop routing loops.
	maxRepublishDepth = 8

	retryInterval = 1 * time.Second
	retryTimeout  = 20 * time.Second
)

// internalOrigin marks broker-generated messages.
const internalOrigin = "internal"

// Limits carries the broker-side protocol limits advertised to and
// enforced on clients.
type Limits struct {
	// ReceiveMaximum caps concurrent unacknowledged inbound QoS>0
	// publishes per client.
	ReceiveMaximum uint16
	// TopicAliasMaximum is the highest inbound topic alias accepted.
	TopicAliasMaximum uint16
	// MaxPacketSize caps inbound packet size, 0 for no limit.
	MaxPacketSize uint32
	// MaxQoS is the highest QoS granted on subscribe and accepted on
	// publish.
	MaxQoS byte
	// OutboundQueueSize is the per-connection egress channel depth,
	// the high-water mark past which QoS 0 deliveries are dropped.
	OutboundQueueSize int
	// KeepAliveMax, when non-zero, overrides client keep-alive values
	// above it.
	KeepAliveMax uint16
}

// DefaultLimits returns the stock broker limits.
func DefaultLimits() Limits {
	return Limits{
		ReceiveMaximum:    1024,
		TopicAliasMaximum: 32,
		MaxPacketSize:     0,
		MaxQoS:            2,
		OutboundQueueSize: 512,
	}
}

// Forker receives a clone of every ingested message for chain
// processing. Implementations must not block the dispatcher.
type Forker interface {
	Fork(msg *storage.Message)
}

// Broker is the MQTT broker core.
type Broker struct {
	limits   Limits
	sessions *session.Store
	tree     *topics.Tree
	retained storage.RetainedStore
	stats    *Stats
	logger   *slog.Logger

	mu        sync.RWMutex
	forker    Forker
	sparkplug func(msg *storage.Message)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a broker with an in-memory retained store and starts its
// background loops.
func New(limits Limits, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{
		limits:   limits,
		tree:     topics.NewTree(),
		retained: memory.NewRetainedStore(),
		stats:    NewStats(),
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
	b.sessions = session.NewStore(logger)
	b.sessions.OnWill(func(s *session.Session, w *session.Will) {
		b.publishWill(s.ID, w)
	})
	b.sessions.OnExpire(func(s *session.Session) {
		b.removeSubscriptions(s)
	})

	b.wg.Add(2)
	go b.retryLoop()
	go b.statsLoop()

	return b
}

// SetForker wires the chain engine fork point.
func (b *Broker) SetForker(f Forker) {
	b.mu.Lock()
	b.forker = f
	b.mu.Unlock()
}

// SetSparkplugSink wires the Sparkplug inbox. The sink receives a
// clone and must not block.
func (b *Broker) SetSparkplugSink(fn func(msg *storage.Message)) {
	b.mu.Lock()
	b.sparkplug = fn
	b.mu.Unlock()
}

// Sessions exposes the session store.
func (b *Broker) Sessions() *session.Store {
	return b.sessions
}

// Retained exposes the retained message store.
func (b *Broker) Retained() storage.RetainedStore {
	return b.retained
}

// Stats exposes the broker counters.
func (b *Broker) Stats() *Stats {
	return b.stats
}

// Publish runs the full dispatch pipeline for an ingested message:
// retained update, subscriber delivery, chain fork and Sparkplug
// forwarding. Republished messages re-enter here with an incremented
// depth and are dropped past the limit.
func (b *Broker) Publish(msg *storage.Message) error {
	if msg.Depth > maxRepublishDepth {
		b.logger.Warn("republish depth exceeded, dropping",
			slog.String("topic", msg.Topic), slog.Int("depth", msg.Depth))
		return nil
	}

	ctx := context.Background()

	if msg.Retain {
		if err := b.retained.Set(ctx, msg.Topic, msg); err != nil {
			return err
		}
	}

	b.deliver(msg)

	b.mu.RLock()
	forker := b.forker
	spark := b.sparkplug
	b.mu.RUnlock()

	if forker != nil {
		forker.Fork(storage.CopyMessage(msg))
	}
	if spark != nil && strings.HasPrefix(msg.Topic, sparkplugPrefix) {
		spark(storage.CopyMessage(msg))
	}

	return nil
}

// Deliver sends a message to matching subscribers without touching the
// retained store or re-forking it. Chain outputs with delivery enabled
// enter here.
func (b *Broker) Deliver(msg *storage.Message) {
	if msg.Depth > maxRepublishDepth {
		b.logger.Warn("republish depth exceeded, dropping",
			slog.String("topic", msg.Topic), slog.Int("depth", msg.Depth))
		return
	}
	b.deliver(msg)
}

func (b *Broker) deliver(msg *storage.Message) {
	credit := func(clientID string) bool {
		s := b.sessions.Get(clientID)
		return s != nil && s.IsConnected() && s.HasSendQuota()
	}

	matches := b.tree.Match(msg.Topic, credit)
	for _, d := range topics.Coalesce(matches, msg.Origin) {
		s := b.sessions.Get(d.ClientID)
		if s == nil {
			continue
		}

		out := storage.CopyMessage(msg)
		if d.QoS < out.QoS {
			out.QoS = d.QoS
		}
		if !d.RetainAsPublished {
			out.Retain = false
		}
		out.SubscriptionIDs = d.SubscriptionIDs

		if err := b.deliverToSession(s, out); err != nil {
			b.logger.Debug("delivery failed",
				slog.String("client_id", d.ClientID),
				slog.String("topic", msg.Topic),
				slog.Any("error", err))
		}
	}
}

func (b *Broker) publishWill(clientID string, w *session.Will) {
	msg := &storage.Message{
		Topic:           w.Topic,
		Payload:         w.Payload,
		QoS:             w.QoS,
		Retain:          w.Retain,
		PublishTime:     time.Now(),
		MessageExpiry:   w.MessageExpiry,
		PayloadFormat:   w.PayloadFormat,
		ContentType:     w.ContentType,
		ResponseTopic:   w.ResponseTopic,
		CorrelationData: w.CorrelationData,
		UserProperties:  w.UserProperties,
		Origin:          clientID,
	}
	if w.MessageExpiry != nil {
		msg.Expiry = msg.PublishTime.Add(time.Duration(*w.MessageExpiry) * time.Second)
	}
	if err := b.Publish(msg); err != nil {
		b.logger.Warn("will publish failed",
			slog.String("client_id", clientID),
			slog.String("topic", w.Topic),
			slog.Any("error", err))
	}
}

func (b *Broker) removeSubscriptions(s *session.Session) {
	for _, sub := range s.Subscriptions() {
		b.tree.Unsubscribe(s.ID, sub.Filter)
	}
}

// retryLoop periodically retransmits expired outbound QoS>0
// exchanges: PUBLISH with the DUP flag, or PUBREL once PUBREC has
// been received.
func (b *Broker) retryLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.sessions.Range(func(s *session.Session) {
				if !s.IsConnected() {
					return
				}
				b.resendExpired(s)
			})
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) resendExpired(s *session.Session) {
	for _, inf := range s.Inflight.Expired(retryTimeout) {
		var err error
		if inf.State == session.AwaitPubComp {
			// PUBREC already received, retransmit the release
			rel := packets.NewControlPacket(packets.PubRelType, s.Version).(*packets.PubRel)
			rel.ID = inf.PacketID
			err = s.WritePacket(rel)
		} else {
			err = b.writePublish(s, inf.Message, inf.PacketID, true)
		}
		if err != nil {
			b.logger.Debug("resend failed",
				slog.String("client_id", s.ID),
				slog.Int("packet_id", int(inf.PacketID)),
				slog.Any("error", err))
			continue
		}
		s.Inflight.MarkRetry(inf.PacketID)
	}
}

// Close stops the background loops and the session store.
func (b *Broker) Close() error {
	close(b.stopCh)
	b.wg.Wait()
	return b.sessions.Close()
}
