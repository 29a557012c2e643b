package main

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightningnetwork/lnd/queue"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/cfdnet/cfdd/cfdwire"
	"github.com/cfdnet/cfdd/coordinator"
)

// pingInterval is the Maker's heartbeat cadence.
const pingInterval = 5 * time.Second

// offlineAfterMisses is how many consecutive missed pongs flip a
// taker's view of the maker to Offline.
const offlineAfterMisses = 3

// ConnectionStatus is the value carried on the maker_online_status
// feed.
type ConnectionStatus int

const (
	StatusOffline ConnectionStatus = iota
	StatusOnline
)

func (s ConnectionStatus) String() string {
	if s == StatusOnline {
		return "Online"
	}
	return "Offline"
}

// peer tracks one connected counterparty: its identify handshake
// result and the persistent ping substream used for liveness, loosely
// mirroring lnd's peer.go bundling a connection's bookkeeping into one
// struct per remote party. Which order ids have protocol instances
// running against the peer is tracked by coordinator.Dispatcher, not here.
type peer struct {
	id       string
	addr     string
	outbound bool

	server     *server
	pingStream cfdwire.Substream

	// sendQueue decouples whoever wants a message on the persistent
	// stream from the write itself, lnd's queueHandler ->
	// writeHandler split: writeHandler is the stream's only writer.
	sendQueue *queue.ConcurrentQueue

	missedPongs int32
	status      int32 // atomic ConnectionStatus

	identify    cfdwire.Identify
	identifySet bool

	quit chan struct{}
	wg   sync.WaitGroup
}

func newPeer(s *server, id, addr string, outbound bool) *peer {
	return &peer{
		server:    s,
		id:        id,
		addr:      addr,
		outbound:  outbound,
		sendQueue: queue.NewConcurrentQueue(8),
		status:    int32(StatusOnline),
		quit:      make(chan struct{}),
	}
}

// Status reports the peer's current liveness as last observed by the
// ping handler.
func (p *peer) Status() ConnectionStatus {
	return ConnectionStatus(atomic.LoadInt32(&p.status))
}

// startOutbound dials the maker, performs the identify handshake, and
// starts the ping loop that drives the liveness feed.
func (p *peer) startOutbound(ctx context.Context) error {
	stream, err := p.server.transport.OpenSubstream(ctx, p.addr, coordinator.ProtocolIdentify)
	if err != nil {
		return err
	}
	if err := p.runIdentify(ctx, stream); err != nil {
		stream.Close()
		return err
	}
	stream.Close()

	pingStream, err := p.server.transport.OpenSubstream(ctx, p.addr, coordinator.ProtocolPing)
	if err != nil {
		return err
	}
	p.pingStream = pingStream

	p.sendQueue.Start()
	p.wg.Add(2)
	go p.writeHandler()
	go p.pingHandler()
	return nil
}

// writeHandler is the ping stream's single writer, draining whatever
// the other handlers queued.
func (p *peer) writeHandler() {
	defer p.wg.Done()

	for {
		select {
		case <-p.quit:
			return
		case raw, ok := <-p.sendQueue.ChanOut():
			if !ok {
				return
			}
			msg, ok := raw.(cfdwire.Message)
			if !ok {
				continue
			}
			if err := p.pingStream.Send(msg); err != nil {
				p.recordMiss()
			}
		}
	}
}

// queueMsg hands msg to the writeHandler.
func (p *peer) queueMsg(msg cfdwire.Message) {
	select {
	case p.sendQueue.ChanIn() <- msg:
	case <-p.quit:
	}
}

// runIdentify exchanges Identify on stream and records what the
// counterparty advertises, including which expected protocols it's
// missing.
func (p *peer) runIdentify(ctx context.Context, stream cfdwire.Substream) error {
	own := cfdwire.Identify{
		ProtocolVersion:    "1.0.0",
		AgentVersion:       "cfdd/" + version(),
		PublicKey:          p.server.selfPeerId,
		SupportedProtocols: cfdwire.ExpectedProtocols,
	}
	if err := stream.Send(own); err != nil {
		return err
	}

	env, err := stream.Next(ctx)
	if err != nil {
		return err
	}
	var theirs cfdwire.Identify
	if err := env.Unmarshal(&theirs); err != nil {
		return err
	}

	p.identify = theirs
	p.identifySet = true

	missing := cfdwire.MissingProtocols(theirs.SupportedProtocols)
	if len(missing) > 0 {
		peerLog.Warnf("peer %s is missing expected protocols: %v", p.id, missing)
	}
	return nil
}

// pingHandler sends a Ping every pingInterval and waits for the Pong,
// following lnd's pingHandler shape (fresh nonce per tick,
// queued rather than blocking). offlineAfterMisses consecutive misses
// flips Status to Offline; a subsequent Pong flips it back.
func (p *peer) pingHandler() {
	defer p.wg.Done()

	pingTicker := ticker.New(pingInterval)
	pingTicker.Resume()
	defer pingTicker.Stop()

	for {
		select {
		case <-p.quit:
			return
		case <-pingTicker.Ticks():
			var nonceBuf [8]byte
			if _, err := rand.Read(nonceBuf[:]); err != nil {
				continue
			}
			nonce := binary.BigEndian.Uint64(nonceBuf[:])

			p.queueMsg(cfdwire.Ping{Nonce: nonce})

			ctx, cancel := context.WithTimeout(context.Background(), pingInterval)
			env, err := p.pingStream.Next(ctx)
			cancel()
			if err != nil {
				p.recordMiss()
				continue
			}
			var pong cfdwire.Pong
			if err := env.Unmarshal(&pong); err != nil || pong.Nonce != nonce {
				p.recordMiss()
				continue
			}

			atomic.StoreInt32(&p.missedPongs, 0)
			atomic.StoreInt32(&p.status, int32(StatusOnline))
		}
	}
}

func (p *peer) recordMiss() {
	misses := atomic.AddInt32(&p.missedPongs, 1)
	if misses >= offlineAfterMisses {
		if atomic.SwapInt32(&p.status, int32(StatusOffline)) == int32(StatusOnline) {
			peerLog.Infof("peer %s missed %d pongs, marking Offline", p.id, misses)
		}
	}
}

// servePing answers an inbound ping substream (Maker side): every
// received Ping gets an immediate Pong, until the stream closes.
func (p *peer) servePing(ctx context.Context, stream cfdwire.Substream) {
	for {
		env, err := stream.Next(ctx)
		if err != nil {
			return
		}
		if env.Type != cfdwire.TypePing {
			continue
		}
		var ping cfdwire.Ping
		if err := env.Unmarshal(&ping); err != nil {
			continue
		}
		if err := stream.Send(cfdwire.Pong{Nonce: ping.Nonce}); err != nil {
			return
		}
	}
}

// stop tears down the peer's background loops and closes its
// persistent streams.
func (p *peer) stop() {
	close(p.quit)
	if p.pingStream != nil {
		p.pingStream.Close()
	}
	p.wg.Wait()
	if p.outbound {
		p.sendQueue.Stop()
	}
}
