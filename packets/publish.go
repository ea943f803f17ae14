// Copyright (c) AxonMQ
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/axonmq/axonmq/packets/codec"
)

// ErrPublishInvalidLength represents an invalid PUBLISH body length.
var ErrPublishInvalidLength = errors.New("error unpacking publish, payload length < 0")

// Publish is an internal representation of the fields of the PUBLISH
// MQTT packet.
type Publish struct {
	FixedHeader
	Version    byte
	TopicName  string
	ID         uint16
	Properties *Properties
	Payload    []byte
}

func (pkt *Publish) Type() byte { return PublishType }

func (pkt *Publish) String() string {
	return fmt.Sprintf("%s topic_name: %s packet_id: %d payload_len: %d",
		pkt.FixedHeader, pkt.TopicName, pkt.ID, len(pkt.Payload))
}

func (pkt *Publish) Encode() []byte {
	var body bytes.Buffer
	body.Write(codec.EncodeString(pkt.TopicName))
	if pkt.QoS > 0 {
		body.Write(codec.EncodeUint16(pkt.ID))
	}
	if pkt.Version == V5 {
		body.Write(pkt.Properties.Encode())
	}
	body.Write(pkt.Payload)
	pkt.FixedHeader.RemainingLength = body.Len()
	return append(pkt.FixedHeader.Encode(), body.Bytes()...)
}

func (pkt *Publish) Pack(w io.Writer) error {
	_, err := w.Write(pkt.Encode())
	return err
}

func (pkt *Publish) Unpack(r io.Reader, v byte) error {
	pkt.Version = v
	remaining := pkt.FixedHeader.RemainingLength

	var err error
	if pkt.TopicName, err = codec.DecodeString(r); err != nil {
		return err
	}
	remaining -= 2 + len(pkt.TopicName)

	if pkt.QoS > 0 {
		if pkt.ID, err = codec.DecodeUint16(r); err != nil {
			return err
		}
		remaining -= 2
	}

	if v == V5 {
		pkt.Properties = &Properties{}
		length, err := codec.DecodeVBI(r)
		if err != nil {
			return err
		}
		remaining -= len(codec.EncodeVBI(length)) + length
		if length > 0 {
			block := make([]byte, length)
			if _, err := io.ReadFull(r, block); err != nil {
				return err
			}
			buf := append(codec.EncodeVBI(length), block...)
			if err := pkt.Properties.Unpack(bytes.NewReader(buf)); err != nil {
				return err
			}
		}
	}

	if remaining < 0 {
		return ErrPublishInvalidLength
	}
	pkt.Payload = make([]byte, remaining)
	_, err = io.ReadFull(r, pkt.Payload)
	return err
}

// Copy creates a new Publish with the same topic, payload and
// properties but a fresh fixed header, useful for delivering the same
// content with different QoS or retain flags.
func (pkt *Publish) Copy() *Publish {
	np := &Publish{
		FixedHeader: FixedHeader{PacketType: PublishType},
		Version:     pkt.Version,
		TopicName:   pkt.TopicName,
		Payload:     pkt.Payload,
	}
	if pkt.Properties != nil {
		props := *pkt.Properties
		np.Properties = &props
	}
	return np
}

func (pkt *Publish) Details() Details {
	return Details{Type: PublishType, ID: pkt.ID, QoS: pkt.QoS}
}
