package coordinator

import (
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btclog"

	"github.com/cfdnet/cfdd/cfdcore"
	"github.com/cfdnet/cfdd/cfdlog"
	"github.com/cfdnet/cfdd/cfdwire"
)

// Protocol name strings: "Protocol names are versioned
// strings", used both to open outbound substreams and to key the inbound
// demultiplexer.
const (
	ProtocolPing             = "/itchysats/ping/1.0.0"
	ProtocolIdentify         = "/itchysats/identify/1.0.0"
	ProtocolOffer            = "/itchysats/offer/1.0.0"
	ProtocolRolloverV1       = "/itchysats/rollover/1.0.0"
	ProtocolRolloverV2       = "/itchysats/rollover/2.0.0"
	ProtocolCollabSettlement = "/itchysats/collab-settlement/1.0.0"
)

var log btclog.Logger = cfdlog.Disabled

// UseLogger installs a logger for this package, following the same
// package-level log-var convention as the rest of the daemon.
func UseLogger(logger btclog.Logger) { log = logger }

// Handler runs one inbound protocol instance to completion: decoding
// whatever the first message on the substream carries, claiming and
// releasing the order's protocol slot, driving the relevant engine, and
// appending the outcome event via the Executor. Handlers are supplied by
// whatever wires up engines to a running daemon; the dispatcher itself
// only routes.
type Handler func(ctx context.Context, peerId string, stream cfdwire.Substream) error

// Dispatcher covers the two responsibilities left beyond the
// ControlTower and Executor: the inbound substream demultiplexer, keyed
// by protocol_name to a handler that runs a new instance of the relevant engine,
// and the disconnect lifecycle hook. It plays the same role lnd's
// htlcswitch.Switch.linkIndex plays for channel links, except keyed by
// protocol name rather than channel ID, since one peer connection
// carries many protocol instances rather than one link per channel.
type Dispatcher struct {
	tower *ControlTower

	mu       sync.RWMutex
	handlers map[string]Handler

	peerMu     sync.Mutex
	peerOrders map[string]map[cfdcore.OrderId]struct{}

	requests OutboundRequests
}

// NewDispatcher wires a Dispatcher to the ControlTower whose slots it
// must release on peer disconnect.
func NewDispatcher(tower *ControlTower) *Dispatcher {
	return &Dispatcher{
		tower:      tower,
		handlers:   make(map[string]Handler),
		peerOrders: make(map[string]map[cfdcore.OrderId]struct{}),
	}
}

// RegisterHandler binds a protocol name to the engine-running closure that
// should run whenever an inbound substream for it arrives. Re-registering
// a protocol name overwrites the previous handler. Protocol versions
// (rollover/1.0.0 vs rollover/2.0.0) are distinct names, so each version
// gets a handler of its own side by side.
func (d *Dispatcher) RegisterHandler(protocolName string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[protocolName] = h
}

// Dispatch routes an inbound substream to its registered handler. The
// caller (the peer connection's substream-accept loop) supplies the
// stable peer id the substream arrived on and the protocol name it was
// opened for.
func (d *Dispatcher) Dispatch(ctx context.Context, peerId, protocolName string, stream cfdwire.Substream) error {
	d.mu.RLock()
	h, ok := d.handlers[protocolName]
	d.mu.RUnlock()

	if !ok {
		stream.Close()
		return fmt.Errorf("no handler registered for protocol %s", protocolName)
	}

	log.Debugf("dispatching inbound substream: peer=%s protocol=%s", peerId, protocolName)
	return h(ctx, peerId, stream)
}

// Track records that orderId's in-flight protocol instance is associated
// with peerId, so that OnPeerDisconnect can find and release it later. A
// handler calls this as soon as it learns the order id (usually on its
// first decoded message) and Untrack when the instance terminates.
func (d *Dispatcher) Track(peerId string, orderId cfdcore.OrderId) {
	d.peerMu.Lock()
	defer d.peerMu.Unlock()

	orders, ok := d.peerOrders[peerId]
	if !ok {
		orders = make(map[cfdcore.OrderId]struct{})
		d.peerOrders[peerId] = orders
	}
	orders[orderId] = struct{}{}
}

// Untrack removes the peer/order association Track recorded.
func (d *Dispatcher) Untrack(peerId string, orderId cfdcore.OrderId) {
	d.peerMu.Lock()
	defer d.peerMu.Unlock()

	if orders, ok := d.peerOrders[peerId]; ok {
		delete(orders, orderId)
		if len(orders) == 0 {
			delete(d.peerOrders, peerId)
		}
	}
}

// OnPeerDisconnect is the disconnect lifecycle hook: a peer going away
// cancels its in-flight protocols and each affected order gets a
// *Failed event. The dispatcher only knows how to release the
// control-tower slots; the caller is responsible for actually appending
// the *Failed events for the orders returned, since only it (holding the
// Executor) can do so.
func (d *Dispatcher) OnPeerDisconnect(peerId string) []cfdcore.OrderId {
	d.peerMu.Lock()
	orders := d.peerOrders[peerId]
	ids := make([]cfdcore.OrderId, 0, len(orders))
	for id := range orders {
		ids = append(ids, id)
	}
	delete(d.peerOrders, peerId)
	d.peerMu.Unlock()

	d.tower.ReleaseAllForPeer(ids)
	log.Infof("peer %s disconnected, released %d in-flight protocol slot(s)", peerId, len(ids))
	return ids
}

// OutboundRequests is the application-facing action surface:
// propose_rollover/propose_settlement, accept/reject for orders,
// rollovers and settlements, and manual commit. The coordinator
// only provides the named surface; the daemon wires each field to a
// closure that has access to the wallet, transport and identity material
// an actual request needs, the same way rpcserver.go's RPC handlers are
// thin wrappers that defer to peer/htlcswitch machinery they don't own.
type OutboundRequests struct {
	ProposeRollover   func(ctx context.Context, orderId cfdcore.OrderId) error
	ProposeSettlement func(ctx context.Context, orderId cfdcore.OrderId) error
	AcceptOrder       func(ctx context.Context, orderId cfdcore.OrderId) error
	RejectOrder       func(ctx context.Context, orderId cfdcore.OrderId) error
	AcceptRollover    func(ctx context.Context, orderId cfdcore.OrderId) error
	RejectRollover    func(ctx context.Context, orderId cfdcore.OrderId) error
	AcceptSettlement  func(ctx context.Context, orderId cfdcore.OrderId) error
	RejectSettlement  func(ctx context.Context, orderId cfdcore.OrderId) error
	Commit            func(ctx context.Context, orderId cfdcore.OrderId) error
}

// SetOutboundRequests installs the daemon's concrete implementations of
// the action surface.
func (d *Dispatcher) SetOutboundRequests(r OutboundRequests) {
	d.requests = r
}

var errNotWired = fmt.Errorf("outbound request not wired")

func (d *Dispatcher) ProposeRollover(ctx context.Context, orderId cfdcore.OrderId) error {
	if d.requests.ProposeRollover == nil {
		return errNotWired
	}
	return d.requests.ProposeRollover(ctx, orderId)
}

func (d *Dispatcher) ProposeSettlement(ctx context.Context, orderId cfdcore.OrderId) error {
	if d.requests.ProposeSettlement == nil {
		return errNotWired
	}
	return d.requests.ProposeSettlement(ctx, orderId)
}

func (d *Dispatcher) AcceptOrder(ctx context.Context, orderId cfdcore.OrderId) error {
	if d.requests.AcceptOrder == nil {
		return errNotWired
	}
	return d.requests.AcceptOrder(ctx, orderId)
}

func (d *Dispatcher) RejectOrder(ctx context.Context, orderId cfdcore.OrderId) error {
	if d.requests.RejectOrder == nil {
		return errNotWired
	}
	return d.requests.RejectOrder(ctx, orderId)
}

func (d *Dispatcher) AcceptRollover(ctx context.Context, orderId cfdcore.OrderId) error {
	if d.requests.AcceptRollover == nil {
		return errNotWired
	}
	return d.requests.AcceptRollover(ctx, orderId)
}

func (d *Dispatcher) RejectRollover(ctx context.Context, orderId cfdcore.OrderId) error {
	if d.requests.RejectRollover == nil {
		return errNotWired
	}
	return d.requests.RejectRollover(ctx, orderId)
}

func (d *Dispatcher) AcceptSettlement(ctx context.Context, orderId cfdcore.OrderId) error {
	if d.requests.AcceptSettlement == nil {
		return errNotWired
	}
	return d.requests.AcceptSettlement(ctx, orderId)
}

func (d *Dispatcher) RejectSettlement(ctx context.Context, orderId cfdcore.OrderId) error {
	if d.requests.RejectSettlement == nil {
		return errNotWired
	}
	return d.requests.RejectSettlement(ctx, orderId)
}

func (d *Dispatcher) Commit(ctx context.Context, orderId cfdcore.OrderId) error {
	if d.requests.Commit == nil {
		return errNotWired
	}
	return d.requests.Commit(ctx, orderId)
}
