// Copyright (c) AxonMQ
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"bytes"
	"fmt"
	"io"

	"github.com/axonmq/axonmq/packets/codec"
)

// Retain handling modes for v5 subscription options.
const (
	RetainSendAlways byte = 0 // send retained messages on subscribe
	RetainSendIfNew  byte = 1 // send only if the subscription did not exist
	RetainSendNever  byte = 2 // never send retained messages on subscribe
)

// SubOptions describes a single topic filter entry in a SUBSCRIBE
// packet. The v5-only flags are zero for v3 subscriptions.
type SubOptions struct {
	Topic             string
	QoS               byte
	NoLocal           bool
	RetainAsPublished bool
	RetainHandling    byte
}

func (o SubOptions) flags() byte {
	var nl, rap byte
	if o.NoLocal {
		nl = 1
	}
	if o.RetainAsPublished {
		rap = 1
	}
	return o.QoS | nl<<2 | rap<<3 | o.RetainHandling<<4
}

// Subscribe is an internal representation of the fields of the MQTT
// SUBSCRIBE packet.
type Subscribe struct {
	FixedHeader
	Version    byte
	ID         uint16
	Properties *Properties
	Options    []SubOptions
}

func (s *Subscribe) Type() byte { return SubscribeType }

func (s *Subscribe) String() string {
	topics := make([]string, 0, len(s.Options))
	for _, o := range s.Options {
		topics = append(topics, o.Topic)
	}
	return s.FixedHeader.String() + " " + fmt.Sprintf("packet_id: %d topics: %v", s.ID, topics)
}

func (s *Subscribe) Encode() []byte {
	var body bytes.Buffer
	body.Write(codec.EncodeUint16(s.ID))
	if s.Version == V5 {
		body.Write(s.Properties.Encode())
	}
	for _, o := range s.Options {
		body.Write(codec.EncodeString(o.Topic))
		if s.Version == V5 {
			body.WriteByte(o.flags())
		} else {
			body.WriteByte(o.QoS)
		}
	}
	s.FixedHeader.QoS = 1
	s.FixedHeader.RemainingLength = body.Len()
	return append(s.FixedHeader.Encode(), body.Bytes()...)
}

func (s *Subscribe) Pack(w io.Writer) error {
	_, err := w.Write(s.Encode())
	return err
}

func (s *Subscribe) Unpack(r io.Reader, v byte) error {
	s.Version = v
	var err error
	if s.ID, err = codec.DecodeUint16(r); err != nil {
		return err
	}
	if v == V5 {
		s.Properties = &Properties{}
		if err := unpackProps(r, s.Properties); err != nil {
			return err
		}
	}
	for {
		topic, err := codec.DecodeString(r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		flags, err := codec.DecodeByte(r)
		if err != nil {
			return err
		}
		opt := SubOptions{Topic: topic, QoS: flags & 0x03}
		if v == V5 {
			opt.NoLocal = flags&0x04 > 0
			opt.RetainAsPublished = flags&0x08 > 0
			opt.RetainHandling = (flags >> 4) & 0x03
		}
		s.Options = append(s.Options, opt)
	}
}

func (s *Subscribe) Details() Details {
	return Details{Type: SubscribeType, ID: s.ID, QoS: 1}
}

// unpackProps reads a length-delimited property block without
// consuming bytes past it, so list parsing can continue on the same
// reader.
func unpackProps(r io.Reader, p *Properties) error {
	length, err := codec.DecodeVBI(r)
	if err != nil {
		return err
	}
	if length == 0 {
		return nil
	}
	block := make([]byte, length)
	if _, err := io.ReadFull(r, block); err != nil {
		return err
	}
	buf := append(codec.EncodeVBI(length), block...)
	return p.Unpack(bytes.NewReader(buf))
}
