package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cfdnet/cfdd/cfdwire"
)

// TestPeerStatusFlipsAfterMissedPongs pins the liveness rule: three
// missed heartbeats (offlineAfterMisses) flip the maker's status to
// Offline, and fewer leave it Online.
func TestPeerStatusFlipsAfterMissedPongs(t *testing.T) {
	p := newPeer(nil, "maker", "maker:9735", true)
	require.Equal(t, StatusOnline, p.Status())

	p.recordMiss()
	p.recordMiss()
	require.Equal(t, StatusOnline, p.Status(), "fewer than %d misses must not flip the status", offlineAfterMisses)

	p.recordMiss()
	require.Equal(t, StatusOffline, p.Status())
}

// TestServePingAnswersEveryPing drives the maker half of the heartbeat:
// each Ping gets a Pong echoing the nonce.
func TestServePingAnswersEveryPing(t *testing.T) {
	serverStream, clientStream := newSubstreamPair()

	p := newPeer(nil, "taker", "taker:9736", false)
	go p.servePing(context.Background(), serverStream)

	for _, nonce := range []uint64{1, 42, 0xdeadbeef} {
		require.NoError(t, clientStream.Send(cfdwire.Ping{Nonce: nonce}))

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		env, err := clientStream.Next(ctx)
		cancel()
		require.NoError(t, err)
		require.Equal(t, cfdwire.TypePong, env.Type)

		var pong cfdwire.Pong
		require.NoError(t, env.Unmarshal(&pong))
		require.Equal(t, nonce, pong.Nonce)
	}
}
