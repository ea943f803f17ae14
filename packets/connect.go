// Copyright (c) AxonMQ
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"bytes"
	"fmt"
	"io"

	"github.com/axonmq/axonmq/packets/codec"
)

const connectFormat = `protocol_version: %d
protocol_name: %s
clean_start: %t
will: %t
will_qos: %d
will_retain: %t
username_flag: %t
password_flag: %t
keepalive: %d
client_id: %s`

// Connect is an internal representation of the fields of the MQTT
// CONNECT packet. For version 5 connections Properties and
// WillProperties carry the CONNECT and will property blocks.
type Connect struct {
	FixedHeader
	ProtocolName    string
	ProtocolVersion byte
	CleanStart      bool
	WillFlag        bool
	WillQoS         byte
	WillRetain      bool
	UsernameFlag    bool
	PasswordFlag    bool
	ReservedBit     byte
	KeepAlive       uint16

	Properties     *Properties
	ClientID       string
	WillProperties *Properties
	WillTopic      string
	WillPayload    []byte
	Username       string
	Password       []byte
}

func (c *Connect) Type() byte { return ConnectType }

func (c *Connect) String() string {
	return c.FixedHeader.String() + " " + fmt.Sprintf(connectFormat, c.ProtocolVersion, c.ProtocolName,
		c.CleanStart, c.WillFlag, c.WillQoS, c.WillRetain, c.UsernameFlag, c.PasswordFlag,
		c.KeepAlive, c.ClientID)
}

// Encode serializes the packet. The protocol version field decides
// whether property blocks are written.
func (c *Connect) Encode() []byte {
	var body bytes.Buffer

	body.Write(codec.EncodeString(c.ProtocolName))
	body.WriteByte(c.ProtocolVersion)
	body.WriteByte(codec.EncodeBool(c.CleanStart)<<1 | codec.EncodeBool(c.WillFlag)<<2 |
		c.WillQoS<<3 | codec.EncodeBool(c.WillRetain)<<5 |
		codec.EncodeBool(c.PasswordFlag)<<6 | codec.EncodeBool(c.UsernameFlag)<<7)
	body.Write(codec.EncodeUint16(c.KeepAlive))
	if c.ProtocolVersion == V5 {
		body.Write(c.Properties.Encode())
	}
	body.Write(codec.EncodeString(c.ClientID))
	if c.WillFlag {
		if c.ProtocolVersion == V5 {
			body.Write(c.WillProperties.Encode())
		}
		body.Write(codec.EncodeString(c.WillTopic))
		body.Write(codec.EncodeBytes(c.WillPayload))
	}
	if c.UsernameFlag {
		body.Write(codec.EncodeString(c.Username))
	}
	if c.PasswordFlag {
		body.Write(codec.EncodeBytes(c.Password))
	}

	c.FixedHeader.RemainingLength = body.Len()
	return append(c.FixedHeader.Encode(), body.Bytes()...)
}

func (c *Connect) Pack(w io.Writer) error {
	_, err := w.Write(c.Encode())
	return err
}

// Unpack decodes the packet body after the fixed header has been read.
// The version argument is ignored; CONNECT carries its own version.
func (c *Connect) Unpack(r io.Reader, _ byte) error {
	var err error
	if c.ProtocolName, err = codec.DecodeString(r); err != nil {
		return err
	}
	if c.ProtocolVersion, err = codec.DecodeByte(r); err != nil {
		return err
	}
	options, err := codec.DecodeByte(r)
	if err != nil {
		return err
	}
	c.ReservedBit = 1 & options
	c.CleanStart = 1&(options>>1) > 0
	c.WillFlag = 1&(options>>2) > 0
	c.WillQoS = 3 & (options >> 3)
	c.WillRetain = 1&(options>>5) > 0
	c.PasswordFlag = 1&(options>>6) > 0
	c.UsernameFlag = 1&(options>>7) > 0
	if c.KeepAlive, err = codec.DecodeUint16(r); err != nil {
		return err
	}
	if c.ProtocolVersion == V5 {
		c.Properties = &Properties{}
		if err := c.Properties.Unpack(r); err != nil {
			return err
		}
	}
	if c.ClientID, err = codec.DecodeString(r); err != nil {
		return err
	}
	if c.WillFlag {
		if c.ProtocolVersion == V5 {
			c.WillProperties = &Properties{}
			if err := c.WillProperties.Unpack(r); err != nil {
				return err
			}
		}
		if c.WillTopic, err = codec.DecodeString(r); err != nil {
			return err
		}
		if c.WillPayload, err = codec.DecodeBytes(r); err != nil {
			return err
		}
	}
	if c.UsernameFlag {
		if c.Username, err = codec.DecodeString(r); err != nil {
			return err
		}
	}
	if c.PasswordFlag {
		if c.Password, err = codec.DecodeBytes(r); err != nil {
			return err
		}
	}

	return nil
}

// Validate checks structural constraints and returns an MQTT 5.0
// reason code, CodeSuccess when the packet is well formed.
func (c *Connect) Validate() byte {
	if c.ReservedBit != 0 {
		return CodeMalformedPacket
	}
	if c.PasswordFlag && !c.UsernameFlag && c.ProtocolVersion != V5 {
		return CodeBadUserNameOrPassword
	}
	switch c.ProtocolName {
	case "MQIsdp":
		if c.ProtocolVersion != V31 {
			return CodeUnsupportedProtoVersion
		}
	case "MQTT":
		if c.ProtocolVersion != V311 && c.ProtocolVersion != V5 {
			return CodeUnsupportedProtoVersion
		}
	default:
		return CodeProtocolError
	}
	if err := ValidateUTF8(c.ClientID); err != nil {
		return CodeMalformedPacket
	}
	if c.WillFlag {
		if c.WillQoS > 2 {
			return CodeMalformedPacket
		}
		if err := ValidateUTF8(c.WillTopic); err != nil {
			return CodeMalformedPacket
		}
	} else if c.WillQoS != 0 || c.WillRetain {
		return CodeMalformedPacket
	}
	return CodeSuccess
}

func (c *Connect) Details() Details {
	return Details{Type: ConnectType}
}
