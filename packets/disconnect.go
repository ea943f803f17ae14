// Copyright (c) AxonMQ
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"bytes"
	"fmt"
	"io"

	"github.com/axonmq/axonmq/packets/codec"
)

// Disconnect is an internal representation of the fields of the MQTT
// DISCONNECT packet. In v3 the packet has no body; the v5 reason code
// and properties are omitted on the wire when the reason is normal and
// there are no properties.
type Disconnect struct {
	FixedHeader
	Version    byte
	ReasonCode byte
	Properties *Properties
}

func (d *Disconnect) Type() byte { return DisconnectType }

func (d *Disconnect) String() string {
	return d.FixedHeader.String() + " " + fmt.Sprintf("reason_code: %d", d.ReasonCode)
}

func (d *Disconnect) Encode() []byte {
	var body bytes.Buffer
	if d.Version == V5 {
		hasProps := d.Properties != nil && len(d.Properties.encodeBody()) > 0
		if d.ReasonCode != CodeSuccess || hasProps {
			body.WriteByte(d.ReasonCode)
			if hasProps {
				body.Write(d.Properties.Encode())
			}
		}
	}
	d.FixedHeader.RemainingLength = body.Len()
	return append(d.FixedHeader.Encode(), body.Bytes()...)
}

func (d *Disconnect) Pack(w io.Writer) error {
	_, err := w.Write(d.Encode())
	return err
}

func (d *Disconnect) Unpack(r io.Reader, v byte) error {
	d.Version = v
	if v != V5 || d.FixedHeader.RemainingLength == 0 {
		return nil
	}
	var err error
	if d.ReasonCode, err = codec.DecodeByte(r); err != nil {
		return err
	}
	if d.FixedHeader.RemainingLength > 1 {
		d.Properties = &Properties{}
		return d.Properties.Unpack(r)
	}
	return nil
}

func (d *Disconnect) Details() Details {
	return Details{Type: DisconnectType}
}
