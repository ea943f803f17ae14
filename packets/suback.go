// Copyright (c) AxonMQ
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"bytes"
	"fmt"
	"io"

	"github.com/axonmq/axonmq/packets/codec"
)

// SubAck is an internal representation of the fields of the MQTT
// SUBACK packet. ReasonCodes holds one entry per requested filter.
type SubAck struct {
	FixedHeader
	Version     byte
	ID          uint16
	Properties  *Properties
	ReasonCodes []byte
}

func (sa *SubAck) Type() byte { return SubAckType }

func (sa *SubAck) String() string {
	return sa.FixedHeader.String() + " " + fmt.Sprintf("packet_id: %d reason_codes: %v", sa.ID, sa.ReasonCodes)
}

func (sa *SubAck) Encode() []byte {
	var body bytes.Buffer
	body.Write(codec.EncodeUint16(sa.ID))
	if sa.Version == V5 {
		body.Write(sa.Properties.Encode())
	}
	body.Write(sa.ReasonCodes)
	sa.FixedHeader.RemainingLength = body.Len()
	return append(sa.FixedHeader.Encode(), body.Bytes()...)
}

func (sa *SubAck) Pack(w io.Writer) error {
	_, err := w.Write(sa.Encode())
	return err
}

func (sa *SubAck) Unpack(r io.Reader, v byte) error {
	sa.Version = v
	var err error
	if sa.ID, err = codec.DecodeUint16(r); err != nil {
		return err
	}
	if v == V5 {
		sa.Properties = &Properties{}
		if err := unpackProps(r, sa.Properties); err != nil {
			return err
		}
	}
	for {
		code, err := codec.DecodeByte(r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		sa.ReasonCodes = append(sa.ReasonCodes, code)
	}
}

func (sa *SubAck) Details() Details {
	return Details{Type: SubAckType, ID: sa.ID}
}
