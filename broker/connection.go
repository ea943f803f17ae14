// Copyright (c) AxonMQ
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/axonmq/axonmq/packets"
	"github.com/axonmq/axonmq/session"
)

const (
	connectTimeout = 10 * time.Second
	writeTimeout   = 30 * time.Second
)

// errCloseNormal signals a clean reader-loop exit after DISCONNECT.
var errCloseNormal = errors.New("normal close")

// protocolError aborts a connection with an MQTT reason code.
type protocolError struct {
	code   byte
	reason string
}

func (e *protocolError) Error() string {
	return fmt.Sprintf("%s (0x%02X)", e.reason, e.code)
}

// conn is one client connection: the reader loop, an ordered writer
// goroutine and the keep-alive deadline.
type conn struct {
	broker *Broker
	net    net.Conn
	logger *slog.Logger

	version byte
	sess    *session.Session

	out       chan packets.ControlPacket
	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// ServeConn runs the MQTT state machine over an established transport
// until the connection closes. It blocks for the connection lifetime.
func (b *Broker) ServeConn(netConn net.Conn) {
	c := &conn{
		broker: b,
		net:    netConn,
		logger: b.logger.With(slog.String("remote", netConn.RemoteAddr().String())),
		out:    make(chan packets.ControlPacket, b.limits.OutboundQueueSize),
		stopCh: make(chan struct{}),
	}
	defer c.close()

	if err := c.handshake(); err != nil {
		c.logger.Debug("connect handshake failed", slog.Any("error", err))
		return
	}

	c.wg.Add(1)
	go c.writeLoop()

	b.resumeSession(c.sess)
	c.readLoop()
}

// handshake reads and answers the CONNECT packet.
func (c *conn) handshake() error {
	c.net.SetReadDeadline(time.Now().Add(connectTimeout))

	pkt, err := packets.ReadPacketLimit(c.net, packets.V311, c.broker.limits.MaxPacketSize)
	if err != nil {
		return fmt.Errorf("reading connect: %w", err)
	}
	p, ok := pkt.(*packets.Connect)
	if !ok {
		return fmt.Errorf("first packet is %s, want CONNECT", packets.PacketNames[pkt.Type()])
	}

	c.version = p.ProtocolVersion

	if code := p.Validate(); code != packets.CodeSuccess {
		c.rejectConnect(code)
		return &protocolError{code: code, reason: "invalid connect"}
	}

	clientID := p.ClientID
	assigned := false
	if clientID == "" {
		if !p.CleanStart {
			c.rejectConnect(packets.CodeClientIDNotValid)
			return &protocolError{code: packets.CodeClientIDNotValid, reason: "empty client id without clean start"}
		}
		clientID = uuid.NewString()
		assigned = true
	}

	opts := c.sessionOptions(p)
	sess, present := c.broker.sessions.Attach(clientID, c, opts)
	c.sess = sess
	c.logger = c.logger.With(slog.String("client_id", clientID))

	if err := c.sendConnAck(present, assigned, clientID, opts); err != nil {
		sess.Disconnect(false)
		return fmt.Errorf("writing connack: %w", err)
	}

	c.broker.stats.totalConnections.Add(1)
	c.logger.Info("client connected",
		slog.Int("version", int(c.version)),
		slog.Bool("session_present", present))
	return nil
}

// sessionOptions derives the negotiated session parameters from a
// CONNECT packet and broker limits.
func (c *conn) sessionOptions(p *packets.Connect) session.Options {
	limits := c.broker.limits

	opts := session.Options{
		Version:              c.version,
		CleanStart:           p.CleanStart,
		KeepAlive:            p.KeepAlive,
		ServerReceiveMaximum: limits.ReceiveMaximum,
		ReceiveMaximum:       65535,
	}
	if limits.KeepAliveMax > 0 && (opts.KeepAlive == 0 || opts.KeepAlive > limits.KeepAliveMax) {
		opts.KeepAlive = limits.KeepAliveMax
	}

	if c.version == packets.V5 {
		if props := p.Properties; props != nil {
			if props.SessionExpiryInterval != nil {
				opts.ExpiryInterval = *props.SessionExpiryInterval
			}
			if props.ReceiveMax != nil {
				opts.ReceiveMaximum = *props.ReceiveMax
			}
			if props.MaximumPacketSize != nil {
				opts.MaxPacketSize = *props.MaximumPacketSize
			}
			if props.TopicAliasMax != nil {
				opts.TopicAliasMaximum = *props.TopicAliasMax
			}
		}
	} else if !p.CleanStart {
		// v3 sessions without clean session persist until shutdown
		opts.ExpiryInterval = session.NeverExpires
	}

	if p.WillFlag {
		w := &session.Will{
			Topic:   p.WillTopic,
			Payload: p.WillPayload,
			QoS:     p.WillQoS,
			Retain:  p.WillRetain,
		}
		if wp := p.WillProperties; c.version == packets.V5 && wp != nil {
			if wp.WillDelayInterval != nil {
				w.DelayInterval = *wp.WillDelayInterval
			}
			w.MessageExpiry = wp.MessageExpiry
			w.PayloadFormat = wp.PayloadFormat
			w.ContentType = wp.ContentType
			w.ResponseTopic = wp.ResponseTopic
			w.CorrelationData = wp.CorrelationData
			if len(wp.User) > 0 {
				w.UserProperties = make(map[string]string, len(wp.User))
				for _, u := range wp.User {
					w.UserProperties[u.Key] = u.Value
				}
			}
		}
		opts.Will = w
	}

	return opts
}

func (c *conn) sendConnAck(present, assigned bool, clientID string, opts session.Options) error {
	ack := packets.NewControlPacket(packets.ConnAckType, c.version).(*packets.ConnAck)
	ack.SessionPresent = present
	ack.ReasonCode = packets.CodeSuccess

	if c.version == packets.V5 {
		limits := c.broker.limits
		props := &packets.Properties{}
		props.ReceiveMax = &limits.ReceiveMaximum
		props.TopicAliasMax = &limits.TopicAliasMaximum
		if limits.MaxQoS < 2 {
			props.MaxQoS = &limits.MaxQoS
		}
		if limits.MaxPacketSize > 0 {
			props.MaximumPacketSize = &limits.MaxPacketSize
		}
		if assigned {
			props.AssignedClientID = clientID
		}
		if opts.KeepAlive != c.sess.KeepAlive || c.broker.limits.KeepAliveMax > 0 {
			ka := opts.KeepAlive
			props.ServerKeepAlive = &ka
		}
		ack.Properties = props
	}

	c.net.SetWriteDeadline(time.Now().Add(writeTimeout))
	return ack.Pack(c.net)
}

// rejectConnect answers a failed CONNECT and closes. v3 clients get
// the translated CONNACK return code.
func (c *conn) rejectConnect(code byte) {
	ack := packets.NewControlPacket(packets.ConnAckType, c.version).(*packets.ConnAck)
	if c.version == packets.V5 {
		ack.ReasonCode = code
	} else {
		ack.ReasonCode = v3ConnAckCode(code)
	}
	c.net.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := ack.Pack(c.net); err != nil {
		c.logger.Debug("reject connack write failed", slog.Any("error", err))
	}
}

func v3ConnAckCode(code byte) byte {
	switch code {
	case packets.CodeUnsupportedProtoVersion:
		return packets.V3RefusedBadProtocolVersion
	case packets.CodeClientIDNotValid:
		return packets.V3RefusedIDRejected
	case packets.CodeBadUserNameOrPassword:
		return packets.V3RefusedBadUsernameOrPasword
	case packets.CodeNotAuthorized:
		return packets.V3RefusedNotAuthorized
	default:
		return packets.V3RefusedServerUnavailable
	}
}

// readLoop decodes and dispatches packets until close or error.
func (c *conn) readLoop() {
	for {
		c.armReadDeadline()

		pkt, err := packets.ReadPacketLimit(c.net, c.version, c.broker.limits.MaxPacketSize)
		if err != nil {
			c.handleReadError(err)
			return
		}
		c.sess.Touch()

		if err := c.dispatch(pkt); err != nil {
			if errors.Is(err, errCloseNormal) {
				return
			}
			var perr *protocolError
			if errors.As(err, &perr) {
				c.broker.stats.protocolErrors.Add(1)
				c.logger.Warn("protocol violation", slog.String("reason", perr.reason))
				c.abort(perr.code)
				return
			}
			c.logger.Warn("packet handling failed", slog.Any("error", err))
			c.teardown(false)
			return
		}
	}
}

func (c *conn) armReadDeadline() {
	if c.sess.KeepAlive == 0 {
		c.net.SetReadDeadline(time.Time{})
		return
	}
	window := time.Duration(c.sess.KeepAlive) * time.Second * 3 / 2
	c.net.SetReadDeadline(time.Now().Add(window))
}

func (c *conn) handleReadError(err error) {
	select {
	case <-c.stopCh:
		return
	default:
	}

	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		c.logger.Info("keep-alive timeout")
		c.abort(packets.CodeKeepAliveTimeout)
		return
	}

	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrDeadlineExceeded) {
		c.logger.Debug("connection closed", slog.Any("error", err))
	} else {
		c.broker.stats.protocolErrors.Add(1)
		c.logger.Warn("read failed", slog.Any("error", err))
	}
	c.teardown(false)
}

func (c *conn) dispatch(pkt packets.ControlPacket) error {
	switch p := pkt.(type) {
	case *packets.Publish:
		return c.handlePublish(p)
	case *packets.PubAck:
		return c.handlePubAck(p)
	case *packets.PubRec:
		return c.handlePubRec(p)
	case *packets.PubRel:
		return c.handlePubRel(p)
	case *packets.PubComp:
		return c.handlePubComp(p)
	case *packets.Subscribe:
		return c.handleSubscribe(p)
	case *packets.Unsubscribe:
		return c.handleUnsubscribe(p)
	case *packets.PingReq:
		return c.WritePacket(packets.NewControlPacket(packets.PingRespType, c.version))
	case *packets.Disconnect:
		return c.handleDisconnect(p)
	case *packets.Connect:
		return &protocolError{code: packets.CodeProtocolError, reason: "duplicate CONNECT"}
	case *packets.Auth:
		return &protocolError{code: packets.CodeProtocolError, reason: "extended authentication not supported"}
	default:
		return &protocolError{code: packets.CodeProtocolError, reason: fmt.Sprintf("unexpected %s", packets.PacketNames[p.Type()])}
	}
}

// abort sends a server DISCONNECT (v5 only) and tears the connection
// down without suppressing the will.
func (c *conn) abort(code byte) {
	if c.version == packets.V5 {
		d := packets.NewControlPacket(packets.DisconnectType, packets.V5).(*packets.Disconnect)
		d.ReasonCode = code
		c.net.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := d.Pack(c.net); err != nil {
			c.logger.Debug("disconnect write failed", slog.Any("error", err))
		}
	}
	c.teardown(false)
}

// teardown detaches the session when this connection still owns it.
func (c *conn) teardown(graceful bool) {
	c.close()
	if c.sess == nil {
		return
	}
	if c.sess.Conn() == session.Connection(c) {
		c.broker.stats.disconnections.Add(1)
		c.sess.Disconnect(graceful)
		if c.sess.ExpiryInterval == 0 {
			if w := c.sess.TakeWill(time.Now()); w != nil {
				c.broker.publishWill(c.sess.ID, w)
			}
			if c.sess.Will() != nil {
				// delayed will: the session stays in the store so the
				// sweep publishes the will and expires it
				return
			}
			c.broker.removeSubscriptions(c.sess)
			c.broker.sessions.Detach(c.sess.ID)
		}
	}
}

// writeLoop serializes all egress for the connection.
func (c *conn) writeLoop() {
	defer c.wg.Done()

	for {
		select {
		case pkt := <-c.out:
			c.net.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := pkt.Pack(c.net); err != nil {
				c.logger.Debug("write failed", slog.Any("error", err))
				c.close()
				return
			}
		case <-c.stopCh:
			return
		}
	}
}

// WritePacket queues a packet for ordered egress, blocking while the
// queue is full.
func (c *conn) WritePacket(pkt packets.ControlPacket) error {
	select {
	case c.out <- pkt:
		return nil
	case <-c.stopCh:
		return net.ErrClosed
	}
}

// TryWritePacket queues a packet without blocking; the caller sheds
// the packet when the queue is full.
func (c *conn) TryWritePacket(pkt packets.ControlPacket) error {
	select {
	case c.out <- pkt:
		return nil
	case <-c.stopCh:
		return net.ErrClosed
	default:
		return ErrBackpressure
	}
}

// Close shuts the transport down and stops the writer.
func (c *conn) Close() error {
	c.close()
	return nil
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.stopCh)
		c.net.Close()
	})
}

// RemoteAddr returns the peer address.
func (c *conn) RemoteAddr() string {
	return c.net.RemoteAddr().String()
}
