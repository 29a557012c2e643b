package cfdwire

import (
	"context"
	"fmt"
	"io"
)

// Substream is the engines' entire view of the transport layer: a
// framed duplex byte stream scoped to one protocol instance. The real
// implementation (multiplexed, authenticated connections) is out of
// scope; engines only ever see this interface.
type Substream interface {
	Send(msg Message) error
	Next(ctx context.Context) (Envelope, error)
	Close() error
}

// Transport opens outbound substreams and hands the engine inbound ones
// as they're dispatched, keyed by the protocol name strings from
// a versioned name string (e.g. "/itchysats/rollover/1.0.0").
//
// Real connection multiplexing, handshake authentication and peer
// discovery are out of scope — this interface is the
// daemon's entire boundary against that layer, the same role
// brontide.Conn plus the listener's Accept loop play for lnd's
// server.go. AcceptSubstream is the inbound half: it blocks until the
// transport has a new protocol instance ready to hand off, tagged with
// which peer opened it and which protocol name it's speaking, so the
// daemon can route it to coordinator.Dispatcher without needing to know
// anything about how the bytes got there.
type Transport interface {
	OpenSubstream(ctx context.Context, peer string, protocol string) (Substream, error)
	AcceptSubstream(ctx context.Context) (peer string, protocol string, stream Substream, err error)
}

// frameSubstream adapts a plain io.ReadWriteCloser (whatever the
// transport layer hands back) into a Substream, performing the
// length-delimited JSON framing itself.
type frameSubstream struct {
	rwc io.ReadWriteCloser
}

// NewFrameSubstream wraps a raw duplex stream with cfdwire framing.
func NewFrameSubstream(rwc io.ReadWriteCloser) Substream {
	return &frameSubstream{rwc: rwc}
}

func (f *frameSubstream) Send(msg Message) error {
	return Encode(f.rwc, msg)
}

func (f *frameSubstream) Close() error {
	return f.rwc.Close()
}

// Next blocks for the next frame, honoring ctx cancellation. The
// underlying read can't be interrupted mid-syscall without a
// transport-specific deadline, so on ctx cancellation we close the
// stream to unblock the read — the same "cancellation forces
// disconnect" behavior the engines' timeout handling relies on.
func (f *frameSubstream) Next(ctx context.Context) (Envelope, error) {
	type result struct {
		env Envelope
		err error
	}

	done := make(chan result, 1)
	go func() {
		env, err := Decode(f.rwc)
		done <- result{env, err}
	}()

	select {
	case <-ctx.Done():
		f.rwc.Close()
		return Envelope{}, fmt.Errorf("substream read canceled: %w", ctx.Err())
	case r := <-done:
		return r.env, r.err
	}
}
