// Copyright 2025 James Ross
package payloadcodec

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSmallPayloadStoredRaw(t *testing.T) {
	c, err := New(1024)
	require.NoError(t, err)
	defer c.Close()

	encoded := c.Encode(`{"x":1}`)
	require.Equal(t, byte(0x00), encoded[0])

	decoded, err := c.Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, `{"x":1}`, decoded)
}

func TestLargePayloadCompressedRoundTrip(t *testing.T) {
	c, err := New(16)
	require.NoError(t, err)
	defer c.Close()

	payload := strings.Repeat("abcdefgh", 100)
	encoded := c.Encode(payload)
	require.Equal(t, byte(0x01), encoded[0])
	require.Less(t, len(encoded), len(payload))

	decoded, err := c.Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, payload, decoded)
}

func TestZeroThresholdDisablesCompression(t *testing.T) {
	c, err := New(0)
	require.NoError(t, err)
	defer c.Close()

	payload := strings.Repeat("x", 10000)
	encoded := c.Encode(payload)
	require.Equal(t, byte(0x00), encoded[0])
}

func TestDecodeEmptyPayload(t *testing.T) {
	c, err := New(1024)
	require.NoError(t, err)
	defer c.Close()

	decoded, err := c.Decode("")
	require.NoError(t, err)
	require.Equal(t, "", decoded)
}

func TestDecodeUnknownFlagErrors(t *testing.T) {
	c, err := New(1024)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Decode(string([]byte{0x7f}) + "garbage")
	require.Error(t, err)
}
