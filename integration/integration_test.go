// Copyright (c) AxonMQ
// SPDX-License-Identifier: Apache-2.0

// Package integration exercises the broker end to end through real
// network listeners and the Eclipse Paho client.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axonmq/axonmq/broker"
	"github.com/axonmq/axonmq/router"
	"github.com/axonmq/axonmq/server/tcp"
	"github.com/axonmq/axonmq/server/websocket"
	"github.com/axonmq/axonmq/sparkplug"
	"github.com/axonmq/axonmq/sparkplug/payload"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	broker    *broker.Broker
	sparkplug *sparkplug.Service
	addr      string
}

// startHarness brings up a full broker with the Sparkplug host and an
// optional router engine on a random TCP port.
func startHarness(t *testing.T, procs []router.ProcessorSpec, chains []router.ChainSpec, rules []router.RuleSpec) *harness {
	t.Helper()

	b := broker.New(broker.DefaultLimits(), discardLogger())
	t.Cleanup(func() { b.Close() })

	sp := sparkplug.New(sparkplug.Options{}, b, discardLogger())
	sp.Start()
	t.Cleanup(sp.Close)
	b.SetSparkplugSink(sp.Submit)

	if len(rules) > 0 {
		engine, err := router.Build(procs, chains, rules, b, discardLogger())
		require.NoError(t, err)
		engine.SetDeliverer(b)
		t.Cleanup(engine.Close)
		b.SetForker(engine)
	}

	srv := tcp.New(tcp.Config{
		Address:         "127.0.0.1:0",
		Logger:          discardLogger(),
		ShutdownTimeout: 2 * time.Second,
	}, b)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Listen(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	var addr net.Addr
	require.Eventually(t, func() bool {
		addr = srv.Addr()
		return addr != nil
	}, 2*time.Second, 10*time.Millisecond)

	return &harness{broker: b, sparkplug: sp, addr: addr.String()}
}

func (h *harness) connect(t *testing.T, clientID string, mutate ...func(*paho.ClientOptions)) paho.Client {
	t.Helper()
	opts := paho.NewClientOptions().
		AddBroker("tcp://" + h.addr).
		SetClientID(clientID).
		SetConnectTimeout(5 * time.Second).
		SetAutoReconnect(false)
	for _, m := range mutate {
		m(opts)
	}
	c := paho.NewClient(opts)
	token := c.Connect()
	require.True(t, token.WaitTimeout(5*time.Second), "connect timeout")
	require.NoError(t, token.Error())
	t.Cleanup(func() {
		if c.IsConnected() {
			c.Disconnect(100)
		}
	})
	return c
}

func waitToken(t *testing.T, token paho.Token) {
	t.Helper()
	require.True(t, token.WaitTimeout(5*time.Second), "token timeout")
	require.NoError(t, token.Error())
}

type received struct {
	topic    string
	payload  []byte
	retained bool
}

func subscribe(t *testing.T, c paho.Client, filter string, qos byte) <-chan received {
	t.Helper()
	ch := make(chan received, 16)
	waitToken(t, c.Subscribe(filter, qos, func(_ paho.Client, m paho.Message) {
		ch <- received{topic: m.Topic(), payload: m.Payload(), retained: m.Retained()}
	}))
	return ch
}

func awaitMessage(t *testing.T, ch <-chan received) received {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for message")
		return received{}
	}
}

func TestPubSubAllQoS(t *testing.T) {
	h := startHarness(t, nil, nil, nil)

	sub := h.connect(t, "it-sub")
	pub := h.connect(t, "it-pub")

	for qos := byte(0); qos <= 2; qos++ {
		topic := fmt.Sprintf("it/qos/%d", qos)
		ch := subscribe(t, sub, topic, qos)

		waitToken(t, pub.Publish(topic, qos, false, fmt.Sprintf("payload-%d", qos)))

		m := awaitMessage(t, ch)
		assert.Equal(t, topic, m.topic)
		assert.Equal(t, fmt.Sprintf("payload-%d", qos), string(m.payload))
	}
}

func TestRetainedMessage(t *testing.T) {
	h := startHarness(t, nil, nil, nil)

	pub := h.connect(t, "it-retain-pub")
	waitToken(t, pub.Publish("it/retained", 1, true, "sticky"))

	sub := h.connect(t, "it-retain-sub")
	ch := subscribe(t, sub, "it/retained", 1)

	m := awaitMessage(t, ch)
	assert.Equal(t, "sticky", string(m.payload))
	assert.True(t, m.retained)

	// Empty retained publish clears the slot.
	waitToken(t, pub.Publish("it/retained", 1, true, ""))

	late := h.connect(t, "it-retain-late")
	lateCh := subscribe(t, late, "it/retained", 1)
	select {
	case m := <-lateCh:
		t.Fatalf("unexpected retained message: %q", m.payload)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestOfflineQueueResume(t *testing.T) {
	h := startHarness(t, nil, nil, nil)

	inbox := make(chan received, 16)
	handler := func(_ paho.Client, m paho.Message) {
		inbox <- received{topic: m.Topic(), payload: m.Payload()}
	}

	sub := h.connect(t, "it-resume", func(o *paho.ClientOptions) {
		o.SetCleanSession(false)
		o.SetDefaultPublishHandler(handler)
	})
	waitToken(t, sub.Subscribe("it/queued", 1, handler))
	sub.Disconnect(100)

	require.Eventually(t, func() bool { return !sub.IsConnected() }, 2*time.Second, 20*time.Millisecond)

	pub := h.connect(t, "it-resume-pub")
	waitToken(t, pub.Publish("it/queued", 1, false, "while-away"))

	h.connect(t, "it-resume", func(o *paho.ClientOptions) {
		o.SetCleanSession(false)
		o.SetDefaultPublishHandler(handler)
	})

	select {
	case m := <-inbox:
		assert.Equal(t, "it/queued", m.topic)
		assert.Equal(t, "while-away", string(m.payload))
	case <-time.After(5 * time.Second):
		t.Fatal("queued message not delivered after resume")
	}
}

func TestRouterRepublishChain(t *testing.T) {
	procs := []router.ProcessorSpec{
		{UUID: "p-derive", Config: json.RawMessage(`{"type":"republish","topic":"derived/{{ topic }}"}`)},
	}
	chains := []router.ChainSpec{
		{Name: "derive", Processors: []string{"p-derive"}},
	}
	rules := []router.RuleSpec{
		{Topic: "sensors/#", Chains: []string{"derive"}},
	}
	h := startHarness(t, procs, chains, rules)

	sub := h.connect(t, "it-derived-sub")
	derivedCh := subscribe(t, sub, "derived/#", 0)
	originalCh := subscribe(t, sub, "sensors/#", 0)

	pub := h.connect(t, "it-derived-pub")
	waitToken(t, pub.Publish("sensors/temp", 0, false, "21.5"))

	orig := awaitMessage(t, originalCh)
	assert.Equal(t, "sensors/temp", orig.topic)

	derived := awaitMessage(t, derivedCh)
	assert.Equal(t, "derived/sensors/temp", derived.topic)
	assert.Equal(t, "21.5", string(derived.payload))
}

func TestRouterFilterDropsChainOnly(t *testing.T) {
	procs := []router.ProcessorSpec{
		{UUID: "p-gate", Config: json.RawMessage(`{"type":"filter","condition":"{{ payload.active }}"}`)},
		{UUID: "p-derive", Config: json.RawMessage(`{"type":"republish","topic":"active/{{ topic }}"}`)},
	}
	chains := []router.ChainSpec{
		{Name: "gate", Processors: []string{"p-gate", "p-derive"}},
	}
	rules := []router.RuleSpec{
		{Topic: "devices/#", Chains: []string{"gate"}},
	}
	h := startHarness(t, procs, chains, rules)

	sub := h.connect(t, "it-gate-sub")
	activeCh := subscribe(t, sub, "active/#", 0)
	allCh := subscribe(t, sub, "devices/#", 0)

	pub := h.connect(t, "it-gate-pub")
	waitToken(t, pub.Publish("devices/a", 0, false, `{"active":false}`))
	waitToken(t, pub.Publish("devices/b", 0, false, `{"active":true}`))

	// Both originals reach subscribers regardless of chain outcome.
	first := awaitMessage(t, allCh)
	second := awaitMessage(t, allCh)
	assert.ElementsMatch(t, []string{"devices/a", "devices/b"},
		[]string{first.topic, second.topic})

	derived := awaitMessage(t, activeCh)
	assert.Equal(t, "active/devices/b", derived.topic)

	select {
	case m := <-activeCh:
		t.Fatalf("filtered message leaked: %s", m.topic)
	case <-time.After(300 * time.Millisecond):
	}
}

func seqPtr(v uint64) *uint64 { return &v }

func TestSparkplugIngestAndRebirth(t *testing.T) {
	h := startHarness(t, nil, nil, nil)

	edge := h.connect(t, "it-edge")
	cmdCh := subscribe(t, edge, "spBv1.0/plant/NCMD/press-1", 0)

	nbirth, err := payload.Marshal(&payload.Payload{
		Timestamp: uint64(time.Now().UnixMilli()),
		Seq:       seqPtr(0),
		Metrics: []payload.Metric{
			{Name: "bdSeq", DataType: payload.TypeUInt64, Value: uint64(0)},
			{Name: "Node Control/Rebirth", DataType: payload.TypeBoolean, Value: false},
			{Name: "temperature", DataType: payload.TypeDouble, Value: 20.0},
		},
	})
	require.NoError(t, err)
	waitToken(t, edge.Publish("spBv1.0/plant/NBIRTH/press-1", 0, false, nbirth))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.Eventually(t, func() bool {
		node, err := h.sparkplug.Node(ctx, "plant", "press-1")
		return err == nil && node.Online
	}, 5*time.Second, 50*time.Millisecond)

	ndata, err := payload.Marshal(&payload.Payload{
		Timestamp: uint64(time.Now().UnixMilli()),
		Seq:       seqPtr(1),
		Metrics: []payload.Metric{
			{Name: "temperature", DataType: payload.TypeDouble, Value: 23.5},
		},
	})
	require.NoError(t, err)
	waitToken(t, edge.Publish("spBv1.0/plant/NDATA/press-1", 0, false, ndata))

	require.Eventually(t, func() bool {
		node, err := h.sparkplug.Node(ctx, "plant", "press-1")
		if err != nil {
			return false
		}
		for _, m := range node.Metrics {
			if m.Name == "temperature" && m.Value == 23.5 {
				return true
			}
		}
		return false
	}, 5*time.Second, 50*time.Millisecond)

	// Data for an unborn node triggers a rebirth command back over MQTT.
	ghostCh := subscribe(t, edge, "spBv1.0/plant/NCMD/ghost", 0)
	waitToken(t, edge.Publish("spBv1.0/plant/NDATA/ghost", 0, false, ndata))

	cmd := awaitMessage(t, ghostCh)
	p, err := payload.Unmarshal(cmd.payload)
	require.NoError(t, err)
	require.Len(t, p.Metrics, 1)
	assert.Equal(t, "Node Control/Rebirth", p.Metrics[0].Name)
	assert.Equal(t, true, p.Metrics[0].Value)

	// The earlier subscription saw no command for the healthy node.
	select {
	case m := <-cmdCh:
		t.Fatalf("unexpected command for healthy node: %s", m.topic)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestSparkplugHostCommand(t *testing.T) {
	h := startHarness(t, nil, nil, nil)

	edge := h.connect(t, "it-cmd-edge")
	cmdCh := subscribe(t, edge, "spBv1.0/plant/NCMD/press-1", 0)

	nbirth, err := payload.Marshal(&payload.Payload{
		Timestamp: uint64(time.Now().UnixMilli()),
		Seq:       seqPtr(0),
		Metrics: []payload.Metric{
			{Name: "bdSeq", DataType: payload.TypeUInt64, Value: uint64(0)},
			{Name: "setpoint", DataType: payload.TypeDouble, Value: 50.0},
		},
	})
	require.NoError(t, err)
	waitToken(t, edge.Publish("spBv1.0/plant/NBIRTH/press-1", 0, false, nbirth))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.Eventually(t, func() bool {
		_, err := h.sparkplug.Node(ctx, "plant", "press-1")
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)

	results, err := h.sparkplug.SendCommand(ctx, "plant", "press-1", "",
		[]sparkplug.CommandMetric{{Name: "setpoint", Value: 75.5}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)

	cmd := awaitMessage(t, cmdCh)
	p, err := payload.Unmarshal(cmd.payload)
	require.NoError(t, err)
	require.Len(t, p.Metrics, 1)
	assert.Equal(t, "setpoint", p.Metrics[0].Name)
	assert.Equal(t, 75.5, p.Metrics[0].Value)
}

func TestWebSocketTransport(t *testing.T) {
	h := startHarness(t, nil, nil, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	wsAddr := ln.Addr().String()
	ln.Close()

	ws := websocket.New(websocket.Config{
		Address:         wsAddr,
		Logger:          discardLogger(),
		ShutdownTimeout: 2 * time.Second,
	}, h.broker)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ws.Listen(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", wsAddr, 100*time.Millisecond)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 20*time.Millisecond)

	opts := paho.NewClientOptions().
		AddBroker("ws://" + wsAddr + "/mqtt").
		SetClientID("it-ws").
		SetConnectTimeout(5 * time.Second)
	c := paho.NewClient(opts)
	token := c.Connect()
	require.True(t, token.WaitTimeout(5*time.Second))
	require.NoError(t, token.Error())
	defer c.Disconnect(100)

	ch := make(chan received, 1)
	waitToken(t, c.Subscribe("it/ws", 1, func(_ paho.Client, m paho.Message) {
		ch <- received{topic: m.Topic(), payload: m.Payload()}
	}))

	tcpClient := h.connect(t, "it-ws-pub")
	waitToken(t, tcpClient.Publish("it/ws", 1, false, "over-the-wire"))

	m := awaitMessage(t, ch)
	assert.Equal(t, "over-the-wire", string(m.payload))
}
