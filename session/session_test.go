// Copyright (c) AxonMQ
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axonmq/axonmq/packets"
	"github.com/axonmq/axonmq/storage"
	"github.com/axonmq/axonmq/topics"
)

// fakeConn records written packets for assertions.
type fakeConn struct {
	mu      sync.Mutex
	packets []packets.ControlPacket
	closed  bool
}

func (c *fakeConn) WritePacket(pkt packets.ControlPacket) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.packets = append(c.packets, pkt)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) RemoteAddr() string { return "test:0" }

func (c *fakeConn) written() []packets.ControlPacket {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]packets.ControlPacket(nil), c.packets...)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func TestSessionLifecycle(t *testing.T) {
	s := New("c1", DefaultOptions())
	assert.Equal(t, StateNew, s.State())
	assert.False(t, s.IsConnected())

	conn := &fakeConn{}
	s.Connect(conn, DefaultOptions())
	assert.True(t, s.IsConnected())

	require.NoError(t, s.WritePacket(packets.NewControlPacket(packets.PingRespType, packets.V311)))
	assert.Len(t, conn.written(), 1)

	s.Disconnect(true)
	assert.Equal(t, StateDisconnected, s.State())
	assert.True(t, conn.isClosed())
	assert.ErrorIs(t, s.WritePacket(packets.NewControlPacket(packets.PingRespType, packets.V311)), ErrNotConnected)
}

func TestSessionGracefulDisconnectDropsWill(t *testing.T) {
	opts := DefaultOptions()
	opts.Will = &Will{Topic: "dead/c1", Payload: []byte("gone")}
	s := New("c1", opts)
	s.Connect(&fakeConn{}, opts)

	s.Disconnect(true)
	assert.Nil(t, s.Will())
}

func TestSessionWillDelay(t *testing.T) {
	opts := DefaultOptions()
	opts.Will = &Will{Topic: "dead/c1", Payload: []byte("gone"), DelayInterval: 30}
	s := New("c1", opts)
	s.Connect(&fakeConn{}, opts)
	s.Disconnect(false)

	now := time.Now()
	assert.Nil(t, s.TakeWill(now), "delay not elapsed")

	w := s.TakeWill(now.Add(31 * time.Second))
	require.NotNil(t, w)
	assert.Equal(t, "dead/c1", w.Topic)
	assert.Nil(t, s.TakeWill(now.Add(60*time.Second)), "will taken once")
}

func TestSessionExpiryDeadline(t *testing.T) {
	opts := DefaultOptions()
	opts.ExpiryInterval = 10
	s := New("c1", opts)
	s.Connect(&fakeConn{}, opts)
	assert.True(t, s.ExpiryDeadline().IsZero(), "connected sessions do not expire")

	s.Disconnect(true)
	deadline := s.ExpiryDeadline()
	require.False(t, deadline.IsZero())
	assert.WithinDuration(t, s.DisconnectedAt().Add(10*time.Second), deadline, time.Second)
}

func TestSessionNeverExpires(t *testing.T) {
	opts := DefaultOptions()
	opts.ExpiryInterval = NeverExpires
	s := New("c1", opts)
	s.Connect(&fakeConn{}, opts)
	s.Disconnect(true)
	assert.True(t, s.ExpiryDeadline().IsZero())
}

func TestNextPacketIDSkipsInflight(t *testing.T) {
	s := New("c1", DefaultOptions())

	id := s.NextPacketID()
	assert.Equal(t, uint16(1), id)

	require.NoError(t, s.Inflight.Add(2, &storage.Message{}, Outbound, AwaitPubAck))
	assert.Equal(t, uint16(3), s.NextPacketID())
}

func TestSubscriptions(t *testing.T) {
	s := New("c1", DefaultOptions())

	existed := s.AddSubscription(&topics.Subscription{ClientID: "c1", Filter: "a/+", QoS: 1})
	assert.False(t, existed)
	existed = s.AddSubscription(&topics.Subscription{ClientID: "c1", Filter: "a/+", QoS: 2})
	assert.True(t, existed)

	sub := s.Subscription("a/+")
	require.NotNil(t, sub)
	assert.Equal(t, byte(2), sub.QoS)
	assert.Len(t, s.Subscriptions(), 1)

	assert.True(t, s.RemoveSubscription("a/+"))
	assert.False(t, s.RemoveSubscription("a/+"))
}

func TestOutboundAliasAssignment(t *testing.T) {
	opts := DefaultOptions()
	opts.TopicAliasMaximum = 2
	s := New("c1", opts)

	alias, fresh, ok := s.OutboundAlias("t/1")
	require.True(t, ok)
	assert.True(t, fresh)
	assert.Equal(t, uint16(1), alias)

	alias, fresh, ok = s.OutboundAlias("t/1")
	require.True(t, ok)
	assert.False(t, fresh)
	assert.Equal(t, uint16(1), alias)

	_, _, ok = s.OutboundAlias("t/2")
	assert.True(t, ok)
	_, _, ok = s.OutboundAlias("t/3")
	assert.False(t, ok, "alias space exhausted")
}

func TestOutboundAliasDisabled(t *testing.T) {
	s := New("c1", DefaultOptions())
	_, _, ok := s.OutboundAlias("t/1")
	assert.False(t, ok)
}

func TestInboundAlias(t *testing.T) {
	s := New("c1", DefaultOptions())
	s.SetInboundAlias(3, "sensors/temp")

	topic, ok := s.ResolveInboundAlias(3)
	require.True(t, ok)
	assert.Equal(t, "sensors/temp", topic)

	_, ok = s.ResolveInboundAlias(4)
	assert.False(t, ok)

	// aliases reset on reconnect
	s.Connect(&fakeConn{}, DefaultOptions())
	_, ok = s.ResolveInboundAlias(3)
	assert.False(t, ok)
}

func TestSendQuota(t *testing.T) {
	opts := DefaultOptions()
	opts.ReceiveMaximum = 2
	s := New("c1", opts)

	assert.True(t, s.AcquireSendQuota())
	assert.True(t, s.AcquireSendQuota())
	assert.False(t, s.AcquireSendQuota())

	s.ReleaseSendQuota()
	assert.True(t, s.AcquireSendQuota())

	// releases never exceed the maximum
	s.ReleaseSendQuota()
	s.ReleaseSendQuota()
	s.ReleaseSendQuota()
	assert.True(t, s.AcquireSendQuota())
	assert.True(t, s.AcquireSendQuota())
	assert.False(t, s.AcquireSendQuota())
}

func TestRecvQuota(t *testing.T) {
	opts := DefaultOptions()
	opts.ServerReceiveMaximum = 1
	s := New("c1", opts)

	assert.True(t, s.AcquireRecvQuota())
	assert.False(t, s.AcquireRecvQuota())
	s.ReleaseRecvQuota()
	assert.True(t, s.AcquireRecvQuota())
}

func TestOfflineQueueSkipsQoS0(t *testing.T) {
	s := New("c1", DefaultOptions())

	require.NoError(t, s.Enqueue(&storage.Message{Topic: "a", QoS: 0}))
	assert.Zero(t, s.QueueLen())

	require.NoError(t, s.Enqueue(&storage.Message{Topic: "a", QoS: 1}))
	require.NoError(t, s.Enqueue(&storage.Message{Topic: "b", QoS: 2}))
	assert.Equal(t, 2, s.QueueLen())

	msgs := s.DrainQueue()
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", msgs[0].Topic)
	assert.Zero(t, s.QueueLen())
}

func TestOfflineQueueLimit(t *testing.T) {
	s := New("c1", DefaultOptions())
	s.queue.limit = 1

	require.NoError(t, s.Enqueue(&storage.Message{QoS: 1}))
	assert.ErrorIs(t, s.Enqueue(&storage.Message{QoS: 1}), ErrQueueFull)
}
