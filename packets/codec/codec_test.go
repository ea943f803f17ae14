// Copyright (c) AxonMQ
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVBIRoundTrip(t *testing.T) {
	cases := []struct {
		value int
		bytes int
	}{
		{0, 1},
		{127, 1},
		{128, 2},
		{16383, 2},
		{16384, 3},
		{2097151, 3},
		{2097152, 4},
		{268435455, 4},
	}
	for _, tc := range cases {
		enc := EncodeVBI(tc.value)
		assert.Len(t, enc, tc.bytes, "value %d", tc.value)

		dec, err := DecodeVBI(bytes.NewReader(enc))
		require.NoError(t, err)
		assert.Equal(t, tc.value, dec)
	}
}

func TestVBIRejectsFiveBytes(t *testing.T) {
	_, err := DecodeVBI(bytes.NewReader([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0x01}))
	assert.ErrorIs(t, err, ErrMalformedVBI)
}

func TestStringRoundTrip(t *testing.T) {
	enc := EncodeString("sensors/temp")
	dec, err := DecodeString(bytes.NewReader(enc))
	require.NoError(t, err)
	assert.Equal(t, "sensors/temp", dec)
}

func TestUint16Uint32(t *testing.T) {
	v16, err := DecodeUint16(bytes.NewReader(EncodeUint16(0xBEEF)))
	require.NoError(t, err)
	assert.Equal(t, uint16(0xBEEF), v16)

	v32, err := DecodeUint32(bytes.NewReader(EncodeUint32(0xDEADBEEF)))
	require.NoError(t, err)
	assert.Equal(t, uint32(0xDEADBEEF), v32)
}

func TestDecodeBytesShortBuffer(t *testing.T) {
	_, err := DecodeBytes(bytes.NewReader([]byte{0x00, 0x05, 'a', 'b'}))
	assert.Error(t, err)
}
