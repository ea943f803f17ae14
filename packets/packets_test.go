// Copyright (c) AxonMQ
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, pkt ControlPacket, version byte) ControlPacket {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, pkt.Pack(&buf))
	out, err := ReadPacket(&buf, version)
	require.NoError(t, err)
	return out
}

func TestConnectRoundTripV311(t *testing.T) {
	in := &Connect{
		FixedHeader:     FixedHeader{PacketType: ConnectType},
		ProtocolName:    "MQTT",
		ProtocolVersion: V311,
		CleanStart:      true,
		KeepAlive:       30,
		ClientID:        "client-1",
		WillFlag:        true,
		WillQoS:         1,
		WillTopic:       "will/topic",
		WillPayload:     []byte("gone"),
		UsernameFlag:    true,
		Username:        "alice",
		PasswordFlag:    true,
		Password:        []byte("secret"),
	}
	out := roundTrip(t, in, V311).(*Connect)
	assert.Equal(t, "MQTT", out.ProtocolName)
	assert.Equal(t, V311, out.ProtocolVersion)
	assert.True(t, out.CleanStart)
	assert.Equal(t, uint16(30), out.KeepAlive)
	assert.Equal(t, "client-1", out.ClientID)
	assert.Equal(t, "will/topic", out.WillTopic)
	assert.Equal(t, []byte("gone"), out.WillPayload)
	assert.Equal(t, "alice", out.Username)
	assert.Equal(t, []byte("secret"), out.Password)
	assert.Equal(t, CodeSuccess, out.Validate())
}

func TestConnectRoundTripV5(t *testing.T) {
	sei := uint32(3600)
	rm := uint16(20)
	in := &Connect{
		FixedHeader:     FixedHeader{PacketType: ConnectType},
		ProtocolName:    "MQTT",
		ProtocolVersion: V5,
		CleanStart:      true,
		KeepAlive:       60,
		ClientID:        "v5-client",
		Properties: &Properties{
			SessionExpiryInterval: &sei,
			ReceiveMax:            &rm,
		},
	}
	out := roundTrip(t, in, V5).(*Connect)
	require.NotNil(t, out.Properties)
	require.NotNil(t, out.Properties.SessionExpiryInterval)
	assert.Equal(t, uint32(3600), *out.Properties.SessionExpiryInterval)
	require.NotNil(t, out.Properties.ReceiveMax)
	assert.Equal(t, uint16(20), *out.Properties.ReceiveMax)
}

func TestConnectValidate(t *testing.T) {
	cases := []struct {
		name string
		pkt  Connect
		want byte
	}{
		{
			name: "reserved bit set",
			pkt:  Connect{ProtocolName: "MQTT", ProtocolVersion: V311, ReservedBit: 1},
			want: CodeMalformedPacket,
		},
		{
			name: "bad protocol name",
			pkt:  Connect{ProtocolName: "HTTP", ProtocolVersion: V311},
			want: CodeProtocolError,
		},
		{
			name: "version mismatch",
			pkt:  Connect{ProtocolName: "MQTT", ProtocolVersion: 0x07},
			want: CodeUnsupportedProtoVersion,
		},
		{
			name: "will qos too high",
			pkt:  Connect{ProtocolName: "MQTT", ProtocolVersion: V5, WillFlag: true, WillQoS: 3},
			want: CodeMalformedPacket,
		},
		{
			name: "nul in client id",
			pkt:  Connect{ProtocolName: "MQTT", ProtocolVersion: V5, ClientID: "a\x00b"},
			want: CodeMalformedPacket,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.pkt.Validate())
		})
	}
}

func TestPublishRoundTripV311(t *testing.T) {
	in := &Publish{
		FixedHeader: FixedHeader{PacketType: PublishType, QoS: 1, Retain: true},
		Version:     V311,
		TopicName:   "sensors/temp",
		ID:          7,
		Payload:     []byte(`{"v":21.5}`),
	}
	out := roundTrip(t, in, V311).(*Publish)
	assert.Equal(t, "sensors/temp", out.TopicName)
	assert.Equal(t, uint16(7), out.ID)
	assert.Equal(t, byte(1), out.QoS)
	assert.True(t, out.Retain)
	assert.Equal(t, []byte(`{"v":21.5}`), out.Payload)
}

func TestPublishRoundTripV5Properties(t *testing.T) {
	me := uint32(120)
	in := &Publish{
		FixedHeader: FixedHeader{PacketType: PublishType, QoS: 2},
		Version:     V5,
		TopicName:   "a/b",
		ID:          99,
		Properties: &Properties{
			MessageExpiry:           &me,
			ContentType:             "application/json",
			SubscriptionIdentifiers: []int{3, 17},
			User:                    []User{{"k", "v"}},
		},
		Payload: []byte("data"),
	}
	out := roundTrip(t, in, V5).(*Publish)
	require.NotNil(t, out.Properties)
	require.NotNil(t, out.Properties.MessageExpiry)
	assert.Equal(t, uint32(120), *out.Properties.MessageExpiry)
	assert.Equal(t, "application/json", out.Properties.ContentType)
	assert.Equal(t, []int{3, 17}, out.Properties.SubscriptionIdentifiers)
	assert.Equal(t, []User{{"k", "v"}}, out.Properties.User)
	assert.Equal(t, []byte("data"), out.Payload)
}

func TestPublishQoS0HasNoPacketID(t *testing.T) {
	in := &Publish{
		FixedHeader: FixedHeader{PacketType: PublishType},
		Version:     V311,
		TopicName:   "t",
		Payload:     []byte("x"),
	}
	out := roundTrip(t, in, V311).(*Publish)
	assert.Equal(t, uint16(0), out.ID)
	assert.Equal(t, []byte("x"), out.Payload)
}

func TestPubAckRoundTrip(t *testing.T) {
	in := &PubAck{FixedHeader: FixedHeader{PacketType: PubAckType}, ack: ack{Version: V311, ID: 11}}
	out := roundTrip(t, in, V311).(*PubAck)
	assert.Equal(t, uint16(11), out.ID)

	in5 := &PubAck{
		FixedHeader: FixedHeader{PacketType: PubAckType},
		ack:         ack{Version: V5, ID: 12, ReasonCode: CodeQuotaExceeded},
	}
	out5 := roundTrip(t, in5, V5).(*PubAck)
	assert.Equal(t, uint16(12), out5.ID)
	assert.Equal(t, CodeQuotaExceeded, out5.ReasonCode)
}

func TestPubAckV5ShortFormIsTwoBytes(t *testing.T) {
	in := &PubAck{FixedHeader: FixedHeader{PacketType: PubAckType}, ack: ack{Version: V5, ID: 5}}
	enc := in.Encode()
	// success with no properties omits the reason code and property block
	assert.Equal(t, 2, in.RemainingLength)
	assert.Len(t, enc, 4)
}

func TestPubRelFlags(t *testing.T) {
	in := &PubRel{FixedHeader: FixedHeader{PacketType: PubRelType}, ack: ack{Version: V311, ID: 3}}
	enc := in.Encode()
	assert.Equal(t, byte(PubRelType<<4|0x02), enc[0])
}

func TestSubscribeRoundTripV5(t *testing.T) {
	in := &Subscribe{
		FixedHeader: FixedHeader{PacketType: SubscribeType},
		Version:     V5,
		ID:          42,
		Properties:  &Properties{SubscriptionIdentifiers: []int{9}},
		Options: []SubOptions{
			{Topic: "a/+/c", QoS: 2, NoLocal: true, RetainAsPublished: true, RetainHandling: RetainSendIfNew},
			{Topic: "d/#", QoS: 0},
		},
	}
	out := roundTrip(t, in, V5).(*Subscribe)
	assert.Equal(t, uint16(42), out.ID)
	require.Len(t, out.Options, 2)
	assert.Equal(t, "a/+/c", out.Options[0].Topic)
	assert.Equal(t, byte(2), out.Options[0].QoS)
	assert.True(t, out.Options[0].NoLocal)
	assert.True(t, out.Options[0].RetainAsPublished)
	assert.Equal(t, RetainSendIfNew, out.Options[0].RetainHandling)
	assert.Equal(t, "d/#", out.Options[1].Topic)
	require.NotNil(t, out.Properties)
	assert.Equal(t, []int{9}, out.Properties.SubscriptionIdentifiers)
}

func TestSubAckRoundTrip(t *testing.T) {
	in := &SubAck{
		FixedHeader: FixedHeader{PacketType: SubAckType},
		Version:     V5,
		ID:          42,
		ReasonCodes: []byte{CodeGrantedQoS2, CodeTopicFilterInvalid},
	}
	out := roundTrip(t, in, V5).(*SubAck)
	assert.Equal(t, uint16(42), out.ID)
	assert.Equal(t, []byte{CodeGrantedQoS2, CodeTopicFilterInvalid}, out.ReasonCodes)
}

func TestUnsubscribeRoundTrip(t *testing.T) {
	in := &Unsubscribe{
		FixedHeader: FixedHeader{PacketType: UnsubscribeType},
		Version:     V311,
		ID:          8,
		Topics:      []string{"a/b", "c/#"},
	}
	out := roundTrip(t, in, V311).(*Unsubscribe)
	assert.Equal(t, uint16(8), out.ID)
	assert.Equal(t, []string{"a/b", "c/#"}, out.Topics)
}

func TestDisconnectRoundTrip(t *testing.T) {
	in := &Disconnect{FixedHeader: FixedHeader{PacketType: DisconnectType}, Version: V311}
	out := roundTrip(t, in, V311).(*Disconnect)
	assert.Equal(t, CodeSuccess, out.ReasonCode)

	in5 := &Disconnect{
		FixedHeader: FixedHeader{PacketType: DisconnectType},
		Version:     V5,
		ReasonCode:  CodeSessionTakenOver,
	}
	out5 := roundTrip(t, in5, V5).(*Disconnect)
	assert.Equal(t, CodeSessionTakenOver, out5.ReasonCode)
}

func TestPropertiesEncodeWritesIdentifiers(t *testing.T) {
	sei := uint32(10)
	p := &Properties{SessionExpiryInterval: &sei, AssignedClientID: "generated"}
	enc := p.Encode()
	// VBI length prefix, then 0x11 (session expiry) and its uint32,
	// then 0x12 (assigned client id) and its string
	require.Greater(t, len(enc), 1)
	body := enc[1:]
	assert.Equal(t, SessionExpiryIntervalProp, body[0])
	assert.Equal(t, []byte{0, 0, 0, 10}, body[1:5])
	assert.Equal(t, AssignedClientIDProp, body[5])
}

func TestReadPacketLimitRejectsOversize(t *testing.T) {
	in := &Publish{
		FixedHeader: FixedHeader{PacketType: PublishType},
		Version:     V311,
		TopicName:   "t",
		Payload:     bytes.Repeat([]byte("x"), 1024),
	}
	var buf bytes.Buffer
	require.NoError(t, in.Pack(&buf))
	_, err := ReadPacketLimit(&buf, V311, 100)
	assert.ErrorIs(t, err, ErrPacketTooLarge)
}

func TestPingRoundTrip(t *testing.T) {
	out := roundTrip(t, &PingReq{FixedHeader: FixedHeader{PacketType: PingReqType}}, V311)
	assert.Equal(t, byte(PingReqType), out.Type())
}

func TestValidateUTF8(t *testing.T) {
	assert.NoError(t, ValidateUTF8("normal/topic"))
	assert.Error(t, ValidateUTF8("bad\x00topic"))
	assert.Error(t, ValidateUTF8(string([]byte{0xff, 0xfe})))
}
