// Copyright (c) AxonMQ
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"bytes"
	"fmt"
	"io"

	"github.com/axonmq/axonmq/packets/codec"
)

// Auth is the MQTT 5.0 AUTH packet used for extended authentication
// exchanges.
type Auth struct {
	FixedHeader
	ReasonCode byte
	Properties *Properties
}

func (a *Auth) Type() byte { return AuthType }

func (a *Auth) String() string {
	return a.FixedHeader.String() + " " + fmt.Sprintf("reason_code: %d", a.ReasonCode)
}

func (a *Auth) Encode() []byte {
	var body bytes.Buffer
	hasProps := a.Properties != nil && len(a.Properties.encodeBody()) > 0
	if a.ReasonCode != CodeSuccess || hasProps {
		body.WriteByte(a.ReasonCode)
		if hasProps {
			body.Write(a.Properties.Encode())
		}
	}
	a.FixedHeader.RemainingLength = body.Len()
	return append(a.FixedHeader.Encode(), body.Bytes()...)
}

func (a *Auth) Pack(w io.Writer) error {
	_, err := w.Write(a.Encode())
	return err
}

func (a *Auth) Unpack(r io.Reader, _ byte) error {
	if a.FixedHeader.RemainingLength == 0 {
		return nil
	}
	var err error
	if a.ReasonCode, err = codec.DecodeByte(r); err != nil {
		return err
	}
	if a.FixedHeader.RemainingLength > 1 {
		a.Properties = &Properties{}
		return a.Properties.Unpack(r)
	}
	return nil
}

func (a *Auth) Details() Details {
	return Details{Type: AuthType}
}
