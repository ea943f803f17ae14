// Copyright (c) AxonMQ
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axonmq/axonmq/broker"
	"github.com/axonmq/axonmq/packets"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBroker(t *testing.T) *broker.Broker {
	t.Helper()
	b := broker.New(broker.DefaultLimits(), discardLogger())
	t.Cleanup(func() { b.Close() })
	return b
}

// startServer runs Listen on a free port and returns the bound address
// plus a stop func that cancels the context and waits for shutdown.
func startServer(t *testing.T, cfg Config) (*Server, string, func() error) {
	t.Helper()
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:0"
	}
	cfg.Logger = discardLogger()
	cfg.ShutdownTimeout = 2 * time.Second

	srv := New(cfg, newTestBroker(t))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Listen(ctx) }()

	var addr net.Addr
	require.Eventually(t, func() bool {
		addr = srv.Addr()
		return addr != nil
	}, 2*time.Second, 10*time.Millisecond)

	stop := func() error {
		cancel()
		select {
		case err := <-errCh:
			// put the result back for the cleanup wait below
			errCh <- err
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("server did not stop")
			return nil
		}
	}
	t.Cleanup(func() { cancel(); <-errCh })
	return srv, addr.String(), stop
}

func mqttConnect(t *testing.T, conn net.Conn, clientID string) *packets.ConnAck {
	t.Helper()
	p := packets.NewControlPacket(packets.ConnectType, packets.V311).(*packets.Connect)
	p.ProtocolName = "MQTT"
	p.ProtocolVersion = packets.V311
	p.CleanStart = true
	p.ClientID = clientID

	conn.SetDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, p.Pack(conn))
	pkt, err := packets.ReadPacket(conn, packets.V311)
	require.NoError(t, err)
	ack, ok := pkt.(*packets.ConnAck)
	require.True(t, ok, "expected CONNACK")
	return ack
}

func TestListenAcceptsMQTTConnect(t *testing.T) {
	_, addr, _ := startServer(t, Config{})

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	ack := mqttConnect(t, conn, "tcp-client")
	assert.Equal(t, packets.CodeSuccess, ack.ReasonCode)
}

func TestListenTLS(t *testing.T) {
	pair := newTestTLS(t, tls.NoClientCert)
	_, addr, _ := startServer(t, Config{TLSConfig: pair.Server})

	conn, err := tls.Dial("tcp", addr, pair.Client)
	require.NoError(t, err)
	defer conn.Close()

	ack := mqttConnect(t, conn, "tls-client")
	assert.Equal(t, packets.CodeSuccess, ack.ReasonCode)
}

func TestListenTLSMutualAuth(t *testing.T) {
	pair := newTestTLS(t, tls.RequireAndVerifyClientCert)
	_, addr, _ := startServer(t, Config{TLSConfig: pair.Server})

	conn, err := tls.Dial("tcp", addr, pair.Client)
	require.NoError(t, err)
	defer conn.Close()

	ack := mqttConnect(t, conn, "mtls-client")
	assert.Equal(t, packets.CodeSuccess, ack.ReasonCode)
}

func TestListenTLSRejectsMissingClientCert(t *testing.T) {
	pair := newTestTLS(t, tls.RequireAndVerifyClientCert)
	_, addr, _ := startServer(t, Config{TLSConfig: pair.Server})

	bare := newTestTLS(t, tls.NoClientCert)
	bare.Client.RootCAs = pair.Client.RootCAs

	conn, err := tls.Dial("tcp", addr, bare.Client)
	if err != nil {
		return
	}
	defer conn.Close()

	// The server tears the connection down at handshake completion.
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	if err := conn.Handshake(); err != nil {
		return
	}
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	assert.Error(t, err)
}

func TestConnectionLimit(t *testing.T) {
	_, addr, _ := startServer(t, Config{MaxConnections: 1})

	first, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	defer first.Close()
	ack := mqttConnect(t, first, "holder")
	require.Equal(t, packets.CodeSuccess, ack.ReasonCode)

	second, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	defer second.Close()

	// Rejected connections are closed before any MQTT exchange.
	second.SetDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err = second.Read(buf)
	assert.Error(t, err)
}

func TestGracefulShutdown(t *testing.T) {
	_, addr, stop := startServer(t, Config{})

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	mqttConnect(t, conn, "draining")
	conn.Close()

	assert.NoError(t, stop())
}

func TestAddrBeforeListen(t *testing.T) {
	srv := New(Config{Address: "127.0.0.1:0", Logger: discardLogger()}, newTestBroker(t))
	assert.Nil(t, srv.Addr())
}
