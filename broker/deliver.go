// Copyright (c) AxonMQ
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"log/slog"
	"time"

	"github.com/axonmq/axonmq/packets"
	"github.com/axonmq/axonmq/session"
	"github.com/axonmq/axonmq/storage"
)

// deliverToSession places one egress variant onto a session. Detached
// sessions queue QoS>0 messages; connected sessions get the packet
// written, with QoS>0 exchanges tracked inflight. When the client's
// receive maximum is exhausted the message waits in the queue and is
// pumped out as acknowledgements free quota.
func (b *Broker) deliverToSession(s *session.Session, msg *storage.Message) error {
	if msg.Expired(time.Now()) {
		return nil
	}

	if !s.IsConnected() {
		return b.enqueue(s, msg)
	}

	if msg.QoS == 0 {
		pkt := b.buildPublish(s, msg, 0, false)
		if pkt == nil {
			return nil
		}
		if err := b.tryWrite(s, pkt); err != nil {
			b.stats.droppedMessages.Add(1)
			return nil
		}
		b.stats.publishSent.Add(1)
		return nil
	}

	if !s.AcquireSendQuota() {
		return b.enqueue(s, msg)
	}

	id := s.NextPacketID()
	state := session.AwaitPubAck
	if msg.QoS == 2 {
		state = session.AwaitPubRec
	}
	if err := s.Inflight.Add(id, msg, session.Outbound, state); err != nil {
		s.ReleaseSendQuota()
		return b.enqueue(s, msg)
	}

	// a write failure leaves the exchange inflight for the retry loop
	if err := b.writePublish(s, msg, id, false); err != nil {
		b.logger.Debug("publish write failed",
			slog.String("client_id", s.ID), slog.Any("error", err))
		return nil
	}
	b.stats.publishSent.Add(1)
	return nil
}

// enqueue stores a QoS>0 message for later delivery. A full queue on a
// connected session evicts the client with Quota Exceeded.
func (b *Broker) enqueue(s *session.Session, msg *storage.Message) error {
	err := s.Enqueue(msg)
	if err == nil {
		return nil
	}
	b.stats.droppedMessages.Add(1)

	if s.IsConnected() {
		b.logger.Warn("outbound queue overflow, evicting client",
			slog.String("client_id", s.ID))
		b.evict(s, packets.CodeQuotaExceeded)
		return nil
	}

	b.logger.Debug("offline queue full, dropping",
		slog.String("client_id", s.ID), slog.String("topic", msg.Topic))
	return nil
}

// pump delivers queued messages while send quota is available. Called
// after acknowledgements release quota.
func (b *Broker) pump(s *session.Session) {
	for s.IsConnected() && s.HasSendQuota() {
		msg := s.Dequeue()
		if msg == nil {
			return
		}
		if err := b.deliverToSession(s, msg); err != nil {
			return
		}
	}
}

// evict disconnects a client for a policy violation. v5 clients are
// told why.
func (b *Broker) evict(s *session.Session, code byte) {
	if s.Version == packets.V5 {
		d := packets.NewControlPacket(packets.DisconnectType, packets.V5).(*packets.Disconnect)
		d.ReasonCode = code
		if err := s.WritePacket(d); err != nil {
			b.logger.Debug("evict disconnect write failed",
				slog.String("client_id", s.ID), slog.Any("error", err))
		}
	}
	s.Disconnect(false)
}

// writePublish encodes and writes one outbound PUBLISH.
func (b *Broker) writePublish(s *session.Session, msg *storage.Message, id uint16, dup bool) error {
	pkt := b.buildPublish(s, msg, id, dup)
	if pkt == nil {
		return nil
	}
	return s.WritePacket(pkt)
}

// buildPublish constructs the egress PUBLISH for a session, applying
// the outbound topic alias map and the peer's maximum packet size.
// Returns nil when the packet must be silently dropped.
func (b *Broker) buildPublish(s *session.Session, msg *storage.Message, id uint16, dup bool) *packets.Publish {
	pkt := packets.NewControlPacket(packets.PublishType, s.Version).(*packets.Publish)
	pkt.FixedHeader.QoS = msg.QoS
	pkt.FixedHeader.Retain = msg.Retain
	pkt.FixedHeader.Dup = dup
	pkt.TopicName = msg.Topic
	pkt.Payload = msg.Payload
	pkt.ID = id

	if s.Version == packets.V5 {
		props := &packets.Properties{}
		used := false

		if alias, fresh, ok := s.OutboundAlias(msg.Topic); ok {
			props.TopicAlias = &alias
			used = true
			if !fresh {
				pkt.TopicName = ""
			}
		}
		if !msg.Expiry.IsZero() {
			left := msg.RemainingExpiry(time.Now())
			props.MessageExpiry = &left
			used = true
		}
		if msg.PayloadFormat != nil {
			props.PayloadFormat = msg.PayloadFormat
			used = true
		}
		if msg.ContentType != "" {
			props.ContentType = msg.ContentType
			used = true
		}
		if msg.ResponseTopic != "" {
			props.ResponseTopic = msg.ResponseTopic
			used = true
		}
		if len(msg.CorrelationData) > 0 {
			props.CorrelationData = msg.CorrelationData
			used = true
		}
		for k, v := range msg.UserProperties {
			props.User = append(props.User, packets.User{Key: k, Value: v})
			used = true
		}
		if len(msg.SubscriptionIDs) > 0 {
			props.SubscriptionIdentifiers = msg.SubscriptionIDs
			used = true
		}
		if used {
			pkt.Properties = props
		}
	}

	if s.MaxPacketSize > 0 {
		if uint32(len(pkt.Encode())) > s.MaxPacketSize {
			b.stats.droppedMessages.Add(1)
			return nil
		}
	}
	return pkt
}

// tryWrite writes without blocking when the connection supports it,
// so a slow consumer sheds QoS 0 traffic instead of stalling the
// dispatcher.
func (b *Broker) tryWrite(s *session.Session, pkt packets.ControlPacket) error {
	conn := s.Conn()
	if conn == nil {
		return ErrSessionNotFound
	}
	if tw, ok := conn.(interface {
		TryWritePacket(pkt packets.ControlPacket) error
	}); ok {
		return tw.TryWritePacket(pkt)
	}
	return conn.WritePacket(pkt)
}

// resumeSession replays persisted state to a freshly attached client:
// unacknowledged exchanges first (DUP set, PUBREL for half-done QoS 2
// flows), then the offline queue in publish order.
func (b *Broker) resumeSession(s *session.Session) {
	for _, inf := range s.Inflight.All() {
		if inf.Direction != session.Outbound {
			continue
		}
		if inf.State == session.AwaitPubComp {
			rel := packets.NewControlPacket(packets.PubRelType, s.Version).(*packets.PubRel)
			rel.ID = inf.PacketID
			if err := s.WritePacket(rel); err != nil {
				continue
			}
		} else {
			if err := b.writePublish(s, inf.Message, inf.PacketID, true); err != nil {
				continue
			}
		}
		s.Inflight.MarkRetry(inf.PacketID)
	}

	for {
		msg := s.Dequeue()
		if msg == nil {
			return
		}
		if err := b.deliverToSession(s, msg); err != nil {
			return
		}
	}
}
