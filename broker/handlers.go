// Copyright (c) AxonMQ
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/axonmq/axonmq/packets"
	"github.com/axonmq/axonmq/session"
	"github.com/axonmq/axonmq/storage"
	"github.com/axonmq/axonmq/topics"
)

// handlePublish validates an inbound PUBLISH, resolves topic aliases
// and runs the QoS acknowledgement flow before handing the message to
// the broker.
func (c *conn) handlePublish(p *packets.Publish) error {
	if p.QoS > c.broker.limits.MaxQoS {
		return &protocolError{code: packets.CodeQoSNotSupported,
			reason: fmt.Sprintf("publish qos %d exceeds maximum", p.QoS)}
	}

	topic := p.TopicName
	if c.version == packets.V5 && p.Properties != nil && p.Properties.TopicAlias != nil {
		alias := *p.Properties.TopicAlias
		if alias == 0 || alias > c.broker.limits.TopicAliasMaximum {
			return &protocolError{code: packets.CodeTopicAliasInvalid,
				reason: fmt.Sprintf("topic alias %d out of range", alias)}
		}
		if topic == "" {
			mapped, ok := c.sess.ResolveInboundAlias(alias)
			if !ok {
				return &protocolError{code: packets.CodeTopicAliasInvalid,
					reason: fmt.Sprintf("topic alias %d not established", alias)}
			}
			topic = mapped
		} else {
			c.sess.SetInboundAlias(alias, topic)
		}
	}

	if err := topics.ValidateTopicName(topic); err != nil {
		return &protocolError{code: packets.CodeTopicNameInvalid, reason: err.Error()}
	}

	msg := c.inboundMessage(p, topic)
	if msg.PayloadFormat != nil && *msg.PayloadFormat == 1 && !utf8.Valid(msg.Payload) {
		return &protocolError{code: packets.CodePayloadFormatInvalid,
			reason: "payload declared UTF-8 but is not"}
	}

	c.broker.stats.publishReceived.Add(1)

	switch p.QoS {
	case 0:
		return c.publishInbound(msg)

	case 1:
		if !c.sess.AcquireRecvQuota() {
			return &protocolError{code: packets.CodeReceiveMaxExceeded,
				reason: "receive maximum exceeded"}
		}
		err := c.publishInbound(msg)
		c.sess.ReleaseRecvQuota()
		if err != nil {
			return err
		}
		ack := packets.NewControlPacket(packets.PubAckType, c.version).(*packets.PubAck)
		ack.ID = p.ID
		return c.WritePacket(ack)

	default: // QoS 2
		if c.sess.Inflight.WasReceived(p.ID) {
			// duplicate delivery of an exchange still awaiting PUBREL
			rec := packets.NewControlPacket(packets.PubRecType, c.version).(*packets.PubRec)
			rec.ID = p.ID
			return c.WritePacket(rec)
		}
		if !c.sess.AcquireRecvQuota() {
			return &protocolError{code: packets.CodeReceiveMaxExceeded,
				reason: "receive maximum exceeded"}
		}
		c.sess.Inflight.MarkReceived(p.ID)
		if err := c.publishInbound(msg); err != nil {
			c.sess.Inflight.ClearReceived(p.ID)
			c.sess.ReleaseRecvQuota()
			return err
		}
		rec := packets.NewControlPacket(packets.PubRecType, c.version).(*packets.PubRec)
		rec.ID = p.ID
		return c.WritePacket(rec)
	}
}

func (c *conn) publishInbound(msg *storage.Message) error {
	if err := c.broker.Publish(msg); err != nil {
		c.logger.Warn("publish failed",
			slog.String("topic", msg.Topic), slog.Any("error", err))
	}
	return nil
}

// inboundMessage converts a PUBLISH packet into the broker message
// form, carrying over the v5 properties that travel with the payload.
func (c *conn) inboundMessage(p *packets.Publish, topic string) *storage.Message {
	now := time.Now()
	msg := &storage.Message{
		Topic:       topic,
		Payload:     p.Payload,
		QoS:         p.QoS,
		Retain:      p.Retain,
		PublishTime: now,
		Origin:      c.sess.ID,
	}

	if props := p.Properties; c.version == packets.V5 && props != nil {
		if props.MessageExpiry != nil {
			msg.MessageExpiry = props.MessageExpiry
			msg.Expiry = now.Add(time.Duration(*props.MessageExpiry) * time.Second)
		}
		msg.PayloadFormat = props.PayloadFormat
		msg.ContentType = props.ContentType
		msg.ResponseTopic = props.ResponseTopic
		msg.CorrelationData = props.CorrelationData
		if len(props.User) > 0 {
			msg.UserProperties = make(map[string]string, len(props.User))
			for _, u := range props.User {
				msg.UserProperties[u.Key] = u.Value
			}
		}
	}
	return msg
}

// handlePubAck completes a QoS 1 outbound exchange.
func (c *conn) handlePubAck(p *packets.PubAck) error {
	if _, ok := c.sess.Inflight.Remove(p.ID); ok {
		c.sess.ReleaseSendQuota()
		c.broker.pump(c.sess)
	}
	return nil
}

// handlePubRec advances a QoS 2 outbound exchange to the release step.
// A failure reason code terminates the exchange instead.
func (c *conn) handlePubRec(p *packets.PubRec) error {
	if p.ReasonCode >= 0x80 {
		if _, ok := c.sess.Inflight.Remove(p.ID); ok {
			c.sess.ReleaseSendQuota()
			c.broker.pump(c.sess)
		}
		return nil
	}
	c.sess.Inflight.UpdateState(p.ID, session.AwaitPubComp)
	rel := packets.NewControlPacket(packets.PubRelType, c.version).(*packets.PubRel)
	rel.ID = p.ID
	return c.WritePacket(rel)
}

// handlePubRel completes the receiver side of a QoS 2 exchange.
func (c *conn) handlePubRel(p *packets.PubRel) error {
	if c.sess.Inflight.WasReceived(p.ID) {
		c.sess.Inflight.ClearReceived(p.ID)
		c.sess.ReleaseRecvQuota()
	}
	comp := packets.NewControlPacket(packets.PubCompType, c.version).(*packets.PubComp)
	comp.ID = p.ID
	return c.WritePacket(comp)
}

// handlePubComp finishes a QoS 2 outbound exchange.
func (c *conn) handlePubComp(p *packets.PubComp) error {
	if _, ok := c.sess.Inflight.Remove(p.ID); ok {
		c.sess.ReleaseSendQuota()
		c.broker.pump(c.sess)
	}
	return nil
}

// handleSubscribe registers each requested filter, answers with a
// SUBACK and replays matching retained messages.
func (c *conn) handleSubscribe(p *packets.Subscribe) error {
	if len(p.Options) == 0 {
		return &protocolError{code: packets.CodeProtocolError, reason: "subscribe without filters"}
	}

	var subID int
	if c.version == packets.V5 && p.Properties != nil && len(p.Properties.SubscriptionIdentifiers) > 0 {
		subID = p.Properties.SubscriptionIdentifiers[0]
	}

	ack := packets.NewControlPacket(packets.SubAckType, c.version).(*packets.SubAck)
	ack.ID = p.ID

	// retained replay is deferred until after the SUBACK is queued
	var replay []*topics.Subscription

	for _, opt := range p.Options {
		if err := topics.ValidateFilter(opt.Topic); err != nil {
			ack.ReasonCodes = append(ack.ReasonCodes, c.subFailureCode(packets.CodeTopicFilterInvalid))
			continue
		}
		if opt.NoLocal && topics.IsShared(opt.Topic) {
			return &protocolError{code: packets.CodeProtocolError,
				reason: "no local on shared subscription"}
		}

		grant := opt.QoS
		if grant > c.broker.limits.MaxQoS {
			grant = c.broker.limits.MaxQoS
		}

		sub := &topics.Subscription{
			ClientID:          c.sess.ID,
			Filter:            opt.Topic,
			QoS:               grant,
			NoLocal:           opt.NoLocal,
			RetainAsPublished: opt.RetainAsPublished,
			RetainHandling:    opt.RetainHandling,
			SubscriptionID:    subID,
		}
		existed := c.broker.tree.Subscribe(sub)
		c.sess.AddSubscription(sub)

		ack.ReasonCodes = append(ack.ReasonCodes, grant)

		if !topics.IsShared(opt.Topic) {
			switch opt.RetainHandling {
			case packets.RetainSendAlways:
				replay = append(replay, sub)
			case packets.RetainSendIfNew:
				if !existed {
					replay = append(replay, sub)
				}
			}
		}
	}

	if err := c.WritePacket(ack); err != nil {
		return err
	}
	for _, sub := range replay {
		c.sendRetained(sub)
	}
	return nil
}

// subFailureCode maps a v5 SUBACK failure to the single v3 failure
// value.
func (c *conn) subFailureCode(code byte) byte {
	if c.version == packets.V5 {
		return code
	}
	return 0x80
}

// sendRetained delivers the retained messages matching a fresh
// subscription, retain flag set.
func (c *conn) sendRetained(sub *topics.Subscription) {
	matches, err := c.broker.retained.Match(context.Background(), sub.Filter)
	if err != nil {
		c.logger.Warn("retained lookup failed",
			slog.String("filter", sub.Filter), slog.Any("error", err))
		return
	}

	now := time.Now()
	for _, m := range matches {
		if m.Expired(now) {
			continue
		}
		msg := storage.CopyMessage(m)
		if msg.QoS > sub.QoS {
			msg.QoS = sub.QoS
		}
		msg.Retain = true
		if sub.SubscriptionID > 0 {
			msg.SubscriptionIDs = []int{sub.SubscriptionID}
		}
		if err := c.broker.deliverToSession(c.sess, msg); err != nil {
			c.logger.Debug("retained delivery failed",
				slog.String("topic", msg.Topic), slog.Any("error", err))
		}
	}
}

// handleUnsubscribe removes filters and answers with an UNSUBACK.
func (c *conn) handleUnsubscribe(p *packets.Unsubscribe) error {
	if len(p.Topics) == 0 {
		return &protocolError{code: packets.CodeProtocolError, reason: "unsubscribe without filters"}
	}

	ack := packets.NewControlPacket(packets.UnsubAckType, c.version).(*packets.UnsubAck)
	ack.ID = p.ID

	for _, filter := range p.Topics {
		removed := c.broker.tree.Unsubscribe(c.sess.ID, filter)
		c.sess.RemoveSubscription(filter)

		code := packets.CodeSuccess
		if !removed {
			code = packets.CodeNoSubscriptionExisted
		}
		if c.version == packets.V5 {
			ack.ReasonCodes = append(ack.ReasonCodes, code)
		}
	}

	return c.WritePacket(ack)
}

// handleDisconnect processes a client DISCONNECT. Reason 0 suppresses
// the will, 0x04 keeps it, and a v5 session expiry override is
// honoured.
func (c *conn) handleDisconnect(p *packets.Disconnect) error {
	if c.version == packets.V5 && p.Properties != nil && p.Properties.SessionExpiryInterval != nil {
		requested := *p.Properties.SessionExpiryInterval
		if c.sess.ExpiryInterval == 0 && requested != 0 {
			return &protocolError{code: packets.CodeProtocolError,
				reason: "session expiry raised from zero on disconnect"}
		}
		c.sess.ExpiryInterval = requested
	}

	graceful := p.ReasonCode != packets.CodeDisconnectWithWill
	c.logger.Info("client disconnected",
		slog.Bool("with_will", !graceful))
	c.teardown(graceful)
	return errCloseNormal
}
