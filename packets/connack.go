// Copyright (c) AxonMQ
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"bytes"
	"fmt"
	"io"

	"github.com/axonmq/axonmq/packets/codec"
)

// ConnAck is an internal representation of the fields of the MQTT
// CONNACK packet. ReasonCode carries the v3 return code or the v5
// reason code depending on Version.
type ConnAck struct {
	FixedHeader
	Version        byte
	SessionPresent bool
	ReasonCode     byte
	Properties     *Properties
}

func (ca *ConnAck) Type() byte { return ConnAckType }

func (ca *ConnAck) String() string {
	return ca.FixedHeader.String() + " " +
		fmt.Sprintf("session_present: %t reason_code: %d", ca.SessionPresent, ca.ReasonCode)
}

func (ca *ConnAck) Encode() []byte {
	var body bytes.Buffer
	body.WriteByte(codec.EncodeBool(ca.SessionPresent))
	body.WriteByte(ca.ReasonCode)
	if ca.Version == V5 {
		body.Write(ca.Properties.Encode())
	}
	ca.FixedHeader.RemainingLength = body.Len()
	return append(ca.FixedHeader.Encode(), body.Bytes()...)
}

func (ca *ConnAck) Pack(w io.Writer) error {
	_, err := w.Write(ca.Encode())
	return err
}

func (ca *ConnAck) Unpack(r io.Reader, v byte) error {
	ca.Version = v
	flags, err := codec.DecodeByte(r)
	if err != nil {
		return err
	}
	ca.SessionPresent = flags&0x01 > 0
	if ca.ReasonCode, err = codec.DecodeByte(r); err != nil {
		return err
	}
	if v == V5 {
		ca.Properties = &Properties{}
		return ca.Properties.Unpack(r)
	}
	return nil
}

func (ca *ConnAck) Details() Details {
	return Details{Type: ConnAckType}
}
