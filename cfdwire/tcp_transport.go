package cfdwire

import (
	"context"
	"fmt"
	"net"
)

// StreamOpen is the one frame a dialer sends before handing a fresh
// connection over as a substream: which protocol name the rest of the
// connection's frames are going to speak, and which peer id the dialer
// claims to be. It plays the role a real multiplexer's stream-open
// frame plays (e.g. yamux's SYN), except each instance gets its own
// physical connection rather than a logical stream inside a shared one.
type StreamOpen struct {
	PeerId   string `json:"peer_id"`
	Protocol string `json:"protocol"`
}

func (StreamOpen) MsgType() MessageType { return TypeStreamOpen }

// acceptedStream is what AcceptSubstream hands back: the dialer's
// claimed identity, the protocol it opened, and the substream itself.
type acceptedStream struct {
	peer     string
	protocol string
	stream   Substream
	err      error
}

// TCPTransport is a minimal, unauthenticated stand-in for a real
// multiplexed, authenticated transport: every OpenSubstream dials a
// fresh TCP connection, tags it with a StreamOpen frame, and the
// listener's Accept loop reads that tag back off each inbound
// connection to route it. It exists so the daemon has something to
// actually listen and dial with; it makes no claim of authentication
// or encryption — peer identity is whatever the StreamOpen frame says
// it is, the same trust-the-caller posture lnd's listener has before
// brontide's noise handshake runs.
type TCPTransport struct {
	selfPeerId string
	listener   net.Listener
	accepted   chan acceptedStream
	closed     chan struct{}
}

// NewTCPTransport starts listening on addr (e.g. ":9735") and returns a
// Transport ready to Accept/Open substreams. selfPeerId is stamped into
// every outbound StreamOpen frame.
func NewTCPTransport(selfPeerId, addr string) (*TCPTransport, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}

	t := &TCPTransport{
		selfPeerId: selfPeerId,
		listener:   ln,
		accepted:   make(chan acceptedStream, 16),
		closed:     make(chan struct{}),
	}
	go t.acceptLoop()
	return t, nil
}

func (t *TCPTransport) Addr() net.Addr { return t.listener.Addr() }

func (t *TCPTransport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
				t.accepted <- acceptedStream{err: err}
				return
			}
		}
		go t.handleInbound(conn)
	}
}

func (t *TCPTransport) handleInbound(conn net.Conn) {
	stream := NewFrameSubstream(conn)
	env, err := stream.Next(context.Background())
	if err != nil {
		stream.Close()
		return
	}
	if env.Type != TypeStreamOpen {
		stream.Close()
		return
	}
	var open StreamOpen
	if err := env.Unmarshal(&open); err != nil {
		stream.Close()
		return
	}
	t.accepted <- acceptedStream{peer: open.PeerId, protocol: open.Protocol, stream: stream}
}

// OpenSubstream dials peer and announces protocol via a StreamOpen frame.
func (t *TCPTransport) OpenSubstream(ctx context.Context, peer, protocol string) (Substream, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", peer)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", peer, err)
	}

	stream := NewFrameSubstream(conn)
	if err := stream.Send(StreamOpen{PeerId: t.selfPeerId, Protocol: protocol}); err != nil {
		stream.Close()
		return nil, fmt.Errorf("sending stream-open to %s: %w", peer, err)
	}
	return stream, nil
}

// AcceptSubstream blocks until an inbound connection has announced
// itself, or ctx is canceled.
func (t *TCPTransport) AcceptSubstream(ctx context.Context) (peer, protocol string, stream Substream, err error) {
	select {
	case <-ctx.Done():
		return "", "", nil, ctx.Err()
	case a := <-t.accepted:
		return a.peer, a.protocol, a.stream, a.err
	}
}

// Close stops accepting new connections. In-flight substreams are
// unaffected.
func (t *TCPTransport) Close() error {
	close(t.closed)
	return t.listener.Close()
}
