// Copyright (c) AxonMQ
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"bytes"
	"fmt"
	"io"

	"github.com/axonmq/axonmq/packets/codec"
)

// ack carries the fields shared by PUBACK, PUBREC, PUBREL and PUBCOMP.
// In v3 the body is just the packet identifier. In v5 a reason code and
// properties follow; both may be omitted on the wire when the reason is
// success and there are no properties.
type ack struct {
	Version    byte
	ID         uint16
	ReasonCode byte
	Properties *Properties
}

func (a *ack) encode(fh *FixedHeader) []byte {
	var body bytes.Buffer
	body.Write(codec.EncodeUint16(a.ID))
	if a.Version == V5 {
		hasProps := a.Properties != nil && len(a.Properties.encodeBody()) > 0
		if a.ReasonCode != CodeSuccess || hasProps {
			body.WriteByte(a.ReasonCode)
			if hasProps {
				body.Write(a.Properties.Encode())
			}
		}
	}
	fh.RemainingLength = body.Len()
	return append(fh.Encode(), body.Bytes()...)
}

func (a *ack) unpack(r io.Reader, v byte, remaining int) error {
	a.Version = v
	var err error
	if a.ID, err = codec.DecodeUint16(r); err != nil {
		return err
	}
	if v != V5 || remaining == 2 {
		return nil
	}
	if a.ReasonCode, err = codec.DecodeByte(r); err != nil {
		return err
	}
	if remaining > 3 {
		a.Properties = &Properties{}
		return a.Properties.Unpack(r)
	}
	return nil
}

func (a *ack) str(fh FixedHeader) string {
	return fh.String() + " " + fmt.Sprintf("packet_id: %d reason_code: %d", a.ID, a.ReasonCode)
}

// PubAck is the response to a QoS 1 PUBLISH.
type PubAck struct {
	FixedHeader
	ack
}

func (p *PubAck) Type() byte     { return PubAckType }
func (p *PubAck) String() string { return p.ack.str(p.FixedHeader) }
func (p *PubAck) Encode() []byte { return p.ack.encode(&p.FixedHeader) }
func (p *PubAck) Pack(w io.Writer) error {
	_, err := w.Write(p.Encode())
	return err
}
func (p *PubAck) Unpack(r io.Reader, v byte) error {
	return p.ack.unpack(r, v, p.FixedHeader.RemainingLength)
}
func (p *PubAck) Details() Details { return Details{Type: PubAckType, ID: p.ID, QoS: 1} }

// PubRec is the first response in the QoS 2 exchange.
type PubRec struct {
	FixedHeader
	ack
}

func (p *PubRec) Type() byte     { return PubRecType }
func (p *PubRec) String() string { return p.ack.str(p.FixedHeader) }
func (p *PubRec) Encode() []byte { return p.ack.encode(&p.FixedHeader) }
func (p *PubRec) Pack(w io.Writer) error {
	_, err := w.Write(p.Encode())
	return err
}
func (p *PubRec) Unpack(r io.Reader, v byte) error {
	return p.ack.unpack(r, v, p.FixedHeader.RemainingLength)
}
func (p *PubRec) Details() Details { return Details{Type: PubRecType, ID: p.ID, QoS: 2} }

// PubRel is the release step of the QoS 2 exchange. Its fixed header
// flags are always 0010.
type PubRel struct {
	FixedHeader
	ack
}

func (p *PubRel) Type() byte { return PubRelType }
func (p *PubRel) String() string {
	return p.ack.str(p.FixedHeader)
}
func (p *PubRel) Encode() []byte {
	p.FixedHeader.QoS = 1
	return p.ack.encode(&p.FixedHeader)
}
func (p *PubRel) Pack(w io.Writer) error {
	_, err := w.Write(p.Encode())
	return err
}
func (p *PubRel) Unpack(r io.Reader, v byte) error {
	return p.ack.unpack(r, v, p.FixedHeader.RemainingLength)
}
func (p *PubRel) Details() Details { return Details{Type: PubRelType, ID: p.ID, QoS: 2} }

// PubComp completes the QoS 2 exchange.
type PubComp struct {
	FixedHeader
	ack
}

func (p *PubComp) Type() byte     { return PubCompType }
func (p *PubComp) String() string { return p.ack.str(p.FixedHeader) }
func (p *PubComp) Encode() []byte { return p.ack.encode(&p.FixedHeader) }
func (p *PubComp) Pack(w io.Writer) error {
	_, err := w.Write(p.Encode())
	return err
}
func (p *PubComp) Unpack(r io.Reader, v byte) error {
	return p.ack.unpack(r, v, p.FixedHeader.RemainingLength)
}
func (p *PubComp) Details() Details { return Details{Type: PubCompType, ID: p.ID, QoS: 2} }
