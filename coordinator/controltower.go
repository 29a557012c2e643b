// Package coordinator implements the protocol dispatcher: per-order
// protocol mutual exclusion, the inbound substream
// demultiplexer, and the executor that is every engine's sole gateway to
// the CFD aggregate.
package coordinator

import (
	"fmt"
	"sync"

	goerrors "github.com/go-errors/errors"

	"github.com/cfdnet/cfdd/cfdcore"
)

// ProtocolKind names which of the three engines holds an order's protocol
// slot.
type ProtocolKind int

const (
	NoProtocol ProtocolKind = iota
	SetupProtocol
	RolloverProtocol
	SettlementProtocol
)

func (k ProtocolKind) String() string {
	switch k {
	case SetupProtocol:
		return "setup"
	case RolloverProtocol:
		return "rollover"
	case SettlementProtocol:
		return "settlement"
	default:
		return "none"
	}
}

// ErrProtocolBusy is returned when a protocol slot is claimed for an order
// that already has one running.
var ErrProtocolBusy = goerrors.New("a protocol instance is already running for this order")

// ControlTower holds the mapping from order id to the running protocol
// instance for each of setup, rollover and settlement: inserting when
// none exists, refusing when one does. It plays the same
// role for protocol instances that lnd's htlcswitch.ControlTower
// plays for in-flight payments: ClaimProtocolSlot stands in for
// ClearForTakeoff, ReleaseProtocolSlot for Success/Fail, and the order_id
// stands in for the payment hash.
type ControlTower struct {
	mu     sync.Mutex
	active map[cfdcore.OrderId]ProtocolKind
}

// NewControlTower returns an empty tower; every order starts with no
// protocol in flight.
func NewControlTower() *ControlTower {
	return &ControlTower{active: make(map[cfdcore.OrderId]ProtocolKind)}
}

// ClaimProtocolSlot atomically checks that no protocol is already running
// for orderId and, if so, marks kind as the one now in flight. A second
// claim for the same order -- whether a duplicate inbound substream or a
// simultaneous rollover/settlement proposal crossing on the wire -- is
// refused with ErrProtocolBusy, resolving the "what if both sides propose
// at once" question by rejecting the later arrival.
func (c *ControlTower) ClaimProtocolSlot(orderId cfdcore.OrderId, kind ProtocolKind) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, busy := c.active[orderId]; busy {
		return fmt.Errorf("%w: %s already running for order %s", ErrProtocolBusy, existing, orderId)
	}
	c.active[orderId] = kind
	return nil
}

// ReleaseProtocolSlot frees orderId's slot. It is called unconditionally
// once a claimed protocol instance terminates, whether it completed,
// failed or was rejected -- the three outcomes lnd's
// ControlTower.Success/Fail collapse into one release path for.
func (c *ControlTower) ReleaseProtocolSlot(orderId cfdcore.OrderId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, orderId)
}

// InFlight reports which protocol, if any, currently holds orderId's slot.
func (c *ControlTower) InFlight(orderId cfdcore.OrderId) (ProtocolKind, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k, ok := c.active[orderId]
	return k, ok
}

// ReleaseAllForPeer is the peer-disconnect hook: it frees the protocol
// slot of every order given. It cancels nothing and appends no events;
// recording each order's failure is left to the caller. The caller
// supplies the set of orders it knows
// are associated with the disconnected peer -- the tower itself tracks no
// peer association, since an order's counterparty is already recorded on
// the aggregate.
func (c *ControlTower) ReleaseAllForPeer(orderIds []cfdcore.OrderId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range orderIds {
		delete(c.active, id)
	}
}
