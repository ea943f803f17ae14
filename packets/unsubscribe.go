// Copyright (c) AxonMQ
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"bytes"
	"fmt"
	"io"

	"github.com/axonmq/axonmq/packets/codec"
)

// Unsubscribe is an internal representation of the fields of the MQTT
// UNSUBSCRIBE packet.
type Unsubscribe struct {
	FixedHeader
	Version    byte
	ID         uint16
	Properties *Properties
	Topics     []string
}

func (u *Unsubscribe) Type() byte { return UnsubscribeType }

func (u *Unsubscribe) String() string {
	return u.FixedHeader.String() + " " + fmt.Sprintf("packet_id: %d topics: %v", u.ID, u.Topics)
}

func (u *Unsubscribe) Encode() []byte {
	var body bytes.Buffer
	body.Write(codec.EncodeUint16(u.ID))
	if u.Version == V5 {
		body.Write(u.Properties.Encode())
	}
	for _, topic := range u.Topics {
		body.Write(codec.EncodeString(topic))
	}
	u.FixedHeader.QoS = 1
	u.FixedHeader.RemainingLength = body.Len()
	return append(u.FixedHeader.Encode(), body.Bytes()...)
}

func (u *Unsubscribe) Pack(w io.Writer) error {
	_, err := w.Write(u.Encode())
	return err
}

func (u *Unsubscribe) Unpack(r io.Reader, v byte) error {
	u.Version = v
	var err error
	if u.ID, err = codec.DecodeUint16(r); err != nil {
		return err
	}
	if v == V5 {
		u.Properties = &Properties{}
		if err := unpackProps(r, u.Properties); err != nil {
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
		u.Topics = append(u.Topics, topic)
	}
}

func (u *Unsubscribe) Details() Details {
	return Details{Type: UnsubscribeType, ID: u.ID, QoS: 1}
}
