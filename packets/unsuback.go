// Copyright (c) AxonMQ
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"bytes"
	"fmt"
	"io"

	"github.com/axonmq/axonmq/packets/codec"
)

// UnsubAck is an internal representation of the fields of the MQTT
// UNSUBACK packet. ReasonCodes is empty for v3 responses.
type UnsubAck struct {
	FixedHeader
	Version     byte
	ID          uint16
	Properties  *Properties
	ReasonCodes []byte
}

func (ua *UnsubAck) Type() byte { return UnsubAckType }

func (ua *UnsubAck) String() string {
	return ua.FixedHeader.String() + " " + fmt.Sprintf("packet_id: %d reason_codes: %v", ua.ID, ua.ReasonCodes)
}

func (ua *UnsubAck) Encode() []byte {
	var body bytes.Buffer
	body.Write(codec.EncodeUint16(ua.ID))
	if ua.Version == V5 {
		body.Write(ua.Properties.Encode())
		body.Write(ua.ReasonCodes)
	}
	ua.FixedHeader.RemainingLength = body.Len()
	return append(ua.FixedHeader.Encode(), body.Bytes()...)
}

func (ua *UnsubAck) Pack(w io.Writer) error {
	_, err := w.Write(ua.Encode())
	return err
}

func (ua *UnsubAck) Unpack(r io.Reader, v byte) error {
	ua.Version = v
	var err error
	if ua.ID, err = codec.DecodeUint16(r); err != nil {
		return err
	}
	if v != V5 {
		return nil
	}
	ua.Properties = &Properties{}
	if err := unpackProps(r, ua.Properties); err != nil {
		return err
	}
	for {
		code, err := codec.DecodeByte(r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		ua.ReasonCodes = append(ua.ReasonCodes, code)
	}
}

func (ua *UnsubAck) Details() Details {
	return Details{Type: UnsubAckType, ID: ua.ID}
}
