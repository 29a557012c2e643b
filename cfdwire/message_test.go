package cfdwire_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cfdnet/cfdd/cfdwire"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	sent := cfdwire.Ping{Nonce: 0xdeadbeef}
	require.NoError(t, cfdwire.Encode(&buf, sent))

	env, err := cfdwire.Decode(&buf)
	require.NoError(t, err)
	require.Equal(t, cfdwire.TypePing, env.Type)

	var got cfdwire.Ping
	require.NoError(t, env.Unmarshal(&got))
	require.Equal(t, sent.Nonce, got.Nonce)
}

func TestDecodeRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], cfdwire.MaxPayloadLength+1)
	buf.Write(lenBuf[:])

	_, err := cfdwire.Decode(&buf)
	require.Error(t, err, "a frame claiming to exceed the cap must be rejected before allocation")
}

func TestDecodeMultipleFramesInOrder(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, cfdwire.Encode(&buf, cfdwire.Ping{Nonce: 1}))
	require.NoError(t, cfdwire.Encode(&buf, cfdwire.Pong{Nonce: 1}))

	first, err := cfdwire.Decode(&buf)
	require.NoError(t, err)
	require.Equal(t, cfdwire.TypePing, first.Type)

	second, err := cfdwire.Decode(&buf)
	require.NoError(t, err)
	require.Equal(t, cfdwire.TypePong, second.Type)
}

func TestMissingProtocols(t *testing.T) {
	missing := cfdwire.MissingProtocols([]string{
		"/itchysats/ping/1.0.0",
		"/itchysats/identify/1.0.0",
		"/itchysats/offer/1.0.0",
		"/itchysats/rollover/2.0.0",
		"/itchysats/collab-settlement/1.0.0",
	})
	require.Equal(t, []string{"/itchysats/rollover/1.0.0"}, missing)

	require.Empty(t, cfdwire.MissingProtocols(cfdwire.ExpectedProtocols))
}
