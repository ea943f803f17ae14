// Copyright (c) AxonMQ
// SPDX-License-Identifier: Apache-2.0

// Package session holds per-client broker state: connection status,
// subscriptions, inflight tracking, offline queue, topic aliases and
// flow-control quotas. Sessions outlive connections according to the
// session expiry interval.
package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/axonmq/axonmq/packets"
	"github.com/axonmq/axonmq/storage"
	"github.com/axonmq/axonmq/topics"
)

// NeverExpires is the session expiry interval meaning the session is
// kept until the broker shuts down.
const NeverExpires uint32 = 0xFFFFFFFF

// Common session errors.
var (
	ErrNotConnected = errors.New("session not connected")
	ErrQueueFull    = errors.New("offline queue full")
)

// State describes the lifecycle of a session.
type State int32

const (
	StateNew State = iota
	StateConnected
	StateDisconnected
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Connection is the transport endpoint a connected session writes to.
type Connection interface {
	WritePacket(pkt packets.ControlPacket) error
	Close() error
	RemoteAddr() string
}

// Will is the will message registered at CONNECT time, published when
// the connection ends without a clean DISCONNECT.
type Will struct {
	Topic           string
	Payload         []byte
	QoS             byte
	Retain          bool
	DelayInterval   uint32
	MessageExpiry   *uint32
	PayloadFormat   *byte
	ContentType     string
	ResponseTopic   string
	CorrelationData []byte
	UserProperties  map[string]string
}

// Options carries the negotiated connection parameters applied to a
// session when a client attaches.
type Options struct {
	Version        byte
	CleanStart     bool
	ExpiryInterval uint32
	KeepAlive      uint16
	// ReceiveMaximum is the client's announced receive maximum, the
	// cap on outbound QoS>0 messages concurrently unacknowledged.
	ReceiveMaximum uint16
	// ServerReceiveMaximum caps inbound QoS>0 messages from the client.
	ServerReceiveMaximum uint16
	// MaxPacketSize is the largest packet the client accepts, 0 for
	// no limit.
	MaxPacketSize uint32
	// TopicAliasMaximum is the highest alias the client accepts on
	// outbound publishes.
	TopicAliasMaximum uint16
	Will              *Will
}

// DefaultOptions returns connection options with protocol defaults.
func DefaultOptions() Options {
	return Options{
		Version:              packets.V311,
		ReceiveMaximum:       65535,
		ServerReceiveMaximum: 1024,
	}
}

// Session is the broker-side state for one client identifier.
type Session struct {
	ID string

	mu   sync.RWMutex
	conn Connection

	state          State
	Version        byte
	CleanStart     bool
	ExpiryInterval uint32
	KeepAlive      uint16
	MaxPacketSize  uint32

	will         *Will
	willDeadline time.Time

	connectedAt    time.Time
	disconnectedAt time.Time
	lastActivity   time.Time

	subs map[string]*topics.Subscription

	// Inflight tracks QoS>0 exchanges in both directions.
	Inflight *Inflight

	queue *queue

	nextPacketID uint32

	outboundAliases map[string]uint16
	inboundAliases  map[uint16]string
	aliasMax        uint16
	nextAlias       uint16

	sendQuota    int32
	sendQuotaMax int32
	recvQuota    int32
	recvQuotaMax int32
}

// New creates a detached session for a client identifier.
func New(clientID string, opts Options) *Session {
	s := &Session{
		ID:              clientID,
		state:           StateNew,
		subs:            make(map[string]*topics.Subscription),
		Inflight:        NewInflight(int(opts.ServerReceiveMaximum)),
		queue:           newQueue(defaultQueueLimit),
		outboundAliases: make(map[string]uint16),
		inboundAliases:  make(map[uint16]string),
	}
	s.applyOptions(opts)
	return s
}

func (s *Session) applyOptions(opts Options) {
	s.Version = opts.Version
	s.CleanStart = opts.CleanStart
	s.ExpiryInterval = opts.ExpiryInterval
	s.KeepAlive = opts.KeepAlive
	s.MaxPacketSize = opts.MaxPacketSize
	s.will = opts.Will
	s.aliasMax = opts.TopicAliasMaximum

	sendMax := int32(opts.ReceiveMaximum)
	if sendMax == 0 {
		sendMax = 65535
	}
	recvMax := int32(opts.ServerReceiveMaximum)
	if recvMax == 0 {
		recvMax = 65535
	}
	s.sendQuotaMax = sendMax
	s.sendQuota = sendMax
	s.recvQuotaMax = recvMax
	s.recvQuota = recvMax
}

// Connect binds a live connection to the session and resets per
// connection state: aliases, quotas and the will delay deadline.
func (s *Session) Connect(conn Connection, opts Options) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conn = conn
	s.state = StateConnected
	s.connectedAt = time.Now()
	s.lastActivity = s.connectedAt
	s.willDeadline = time.Time{}
	s.outboundAliases = make(map[string]uint16)
	s.inboundAliases = make(map[uint16]string)
	s.nextAlias = 0
	s.applyOptions(opts)
}

// Disconnect detaches the connection. When graceful the will message
// is discarded; otherwise the will delay deadline starts ticking.
func (s *Session) Disconnect(graceful bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConnected {
		return
	}
	s.state = StateDisconnected
	s.disconnectedAt = time.Now()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}

	if graceful {
		s.will = nil
		return
	}
	if s.will != nil {
		s.willDeadline = s.disconnectedAt.Add(time.Duration(s.will.DelayInterval) * time.Second)
	}
}

// IsConnected reports whether a live connection is bound.
func (s *Session) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == StateConnected
}

// State returns the session lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Conn returns the bound connection, nil when detached.
func (s *Session) Conn() Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

// WritePacket sends a packet on the bound connection.
func (s *Session) WritePacket(pkt packets.ControlPacket) error {
	s.mu.RLock()
	conn := s.conn
	connected := s.state == StateConnected
	s.mu.RUnlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}
	return conn.WritePacket(pkt)
}

// Touch records client activity for keep-alive accounting.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the time of the last inbound packet.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// ExpiryDeadline returns the absolute time the detached session
// expires, or zero when connected or never expiring.
func (s *Session) ExpiryDeadline() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state != StateDisconnected || s.ExpiryInterval == NeverExpires {
		return time.Time{}
	}
	return s.disconnectedAt.Add(time.Duration(s.ExpiryInterval) * time.Second)
}

// DisconnectedAt returns when the session last lost its connection.
func (s *Session) DisconnectedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.disconnectedAt
}

func (s *Session) markExpired() {
	s.mu.Lock()
	s.state = StateExpired
	s.mu.Unlock()
}

// NextPacketID allocates an outbound packet identifier, skipping zero
// and identifiers still tracked as inflight.
func (s *Session) NextPacketID() uint16 {
	for {
		id := uint16(atomic.AddUint32(&s.nextPacketID, 1) & 0xFFFF)
		if id == 0 {
			continue
		}
		if !s.Inflight.Has(id) {
			return id
		}
	}
}

// Will management.

// Will returns the registered will message, nil when none.
func (s *Session) Will() *Will {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.will
}

// TakeWill removes and returns the will once its delay deadline has
// passed. Returns nil when there is no will or the deadline is still
// in the future.
func (s *Session) TakeWill(now time.Time) *Will {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.will == nil || s.state == StateConnected {
		return nil
	}
	if s.willDeadline.IsZero() || now.Before(s.willDeadline) {
		return nil
	}
	w := s.will
	s.will = nil
	s.willDeadline = time.Time{}
	return w
}

// takeWillForced removes and returns the will regardless of the delay
// deadline. Session expiry publishes the will even when the delay has
// not elapsed.
func (s *Session) takeWillForced() *Will {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.will == nil || s.state == StateConnected {
		return nil
	}
	w := s.will
	s.will = nil
	s.willDeadline = time.Time{}
	return w
}

// ClearWill discards the will without publishing it.
func (s *Session) ClearWill() {
	s.mu.Lock()
	s.will = nil
	s.willDeadline = time.Time{}
	s.mu.Unlock()
}

// Subscription management.

// AddSubscription records a subscription, replacing any previous one
// on the same filter. Returns true when it replaced an existing entry.
func (s *Session) AddSubscription(sub *topics.Subscription) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.subs[sub.Filter]
	s.subs[sub.Filter] = sub
	return existed
}

// RemoveSubscription drops the subscription on a filter. Returns true
// when a subscription was removed.
func (s *Session) RemoveSubscription(filter string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.subs[filter]
	delete(s.subs, filter)
	return ok
}

// Subscription returns the subscription on a filter, nil when absent.
func (s *Session) Subscription(filter string) *topics.Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subs[filter]
}

// Subscriptions returns a snapshot of all subscriptions.
func (s *Session) Subscriptions() []*topics.Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*topics.Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub)
	}
	return out
}

// Topic alias maps. Outbound aliases are assigned by the broker within
// the client's announced maximum; inbound aliases are assigned by the
// client and resolved here.

// OutboundAlias returns the alias assigned to a topic and whether a
// new one was allocated for this call. ok is false when the client
// accepts no aliases or the alias space is exhausted.
func (s *Session) OutboundAlias(topic string) (alias uint16, fresh, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.aliasMax == 0 {
		return 0, false, false
	}
	if alias, found := s.outboundAliases[topic]; found {
		return alias, false, true
	}
	if s.nextAlias >= s.aliasMax {
		return 0, false, false
	}
	s.nextAlias++
	s.outboundAliases[topic] = s.nextAlias
	return s.nextAlias, true, true
}

// SetInboundAlias records a client-assigned alias for a topic.
func (s *Session) SetInboundAlias(alias uint16, topic string) {
	s.mu.Lock()
	s.inboundAliases[alias] = topic
	s.mu.Unlock()
}

// ResolveInboundAlias maps a client alias back to its topic.
func (s *Session) ResolveInboundAlias(alias uint16) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	topic, ok := s.inboundAliases[alias]
	return topic, ok
}

// Flow-control quotas. Send quota covers broker-to-client QoS>0
// publishes, receive quota client-to-broker.

// AcquireSendQuota consumes one unit of send quota. Returns false when
// the client's receive maximum is reached.
func (s *Session) AcquireSendQuota() bool {
	for {
		cur := atomic.LoadInt32(&s.sendQuota)
		if cur <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt32(&s.sendQuota, cur, cur-1) {
			return true
		}
	}
}

// HasSendQuota reports whether at least one unit of send quota is
// available, without consuming it.
func (s *Session) HasSendQuota() bool {
	return atomic.LoadInt32(&s.sendQuota) > 0
}

// ReleaseSendQuota returns one unit of send quota on acknowledgement.
func (s *Session) ReleaseSendQuota() {
	for {
		cur := atomic.LoadInt32(&s.sendQuota)
		if cur >= atomic.LoadInt32(&s.sendQuotaMax) {
			return
		}
		if atomic.CompareAndSwapInt32(&s.sendQuota, cur, cur+1) {
			return
		}
	}
}

// AcquireRecvQuota consumes one unit of receive quota. Returns false
// when the client exceeded the broker's receive maximum.
func (s *Session) AcquireRecvQuota() bool {
	for {
		cur := atomic.LoadInt32(&s.recvQuota)
		if cur <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt32(&s.recvQuota, cur, cur-1) {
			return true
		}
	}
}

// ReleaseRecvQuota returns one unit of receive quota.
func (s *Session) ReleaseRecvQuota() {
	for {
		cur := atomic.LoadInt32(&s.recvQuota)
		if cur >= atomic.LoadInt32(&s.recvQuotaMax) {
			return
		}
		if atomic.CompareAndSwapInt32(&s.recvQuota, cur, cur+1) {
			return
		}
	}
}

// Offline queue. QoS 0 messages are never queued for a detached
// session.

// Enqueue adds a message to the offline queue.
func (s *Session) Enqueue(msg *storage.Message) error {
	if msg.QoS == 0 {
		return nil
	}
	return s.queue.enqueue(msg)
}

// Dequeue removes and returns the oldest queued message, nil when the
// queue is empty.
func (s *Session) Dequeue() *storage.Message {
	return s.queue.dequeue()
}

// DrainQueue removes and returns all queued messages in order.
func (s *Session) DrainQueue() []*storage.Message {
	return s.queue.drain()
}

// QueueLen returns the number of queued messages.
func (s *Session) QueueLen() int {
	return s.queue.len()
}
