package cfdaggregate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cfdnet/cfdd/cfdcore"
	"github.com/cfdnet/cfdd/cfdevent"
	"github.com/cfdnet/cfdd/dlctx"
	"github.com/cfdnet/cfdd/feeaccount"
)

// InFlight names the protocol currently running against this order, if
// any. Apply consults it to refuse a second concurrent protocol's
// events, and the daemon's disconnect handling reads it to pick the
// failure event to append. The coordinator's ControlTower does not read
// it; it keeps its own running-task map.
type InFlight int

const (
	NoProtocol InFlight = iota
	SetupInFlight
	RolloverInFlight
	SettlementInFlight
)

func (i InFlight) String() string {
	switch i {
	case SetupInFlight:
		return "setup"
	case RolloverInFlight:
		return "rollover"
	case SettlementInFlight:
		return "settlement"
	default:
		return "none"
	}
}

// Cfd is the aggregate rehydrated from one order's event log. It is an
// immutable value: Apply always returns a new Cfd rather
// than mutating the receiver, so that replay from any prefix of the
// log is safe to run concurrently with the live fold.
type Cfd struct {
	OrderId            cfdcore.OrderId
	CounterpartyPeerId cfdcore.PeerId
	Role               cfdcore.Role
	Position           cfdcore.Position

	OpeningPrice       cfdcore.Price
	Quantity           cfdcore.Usd
	LongLeverage       cfdcore.Leverage
	ShortLeverage      cfdcore.Leverage
	SettlementEventId  cfdcore.PriceEventId
	OpeningFee         cfdcore.OpeningFee
	InitialFundingRate cfdcore.FundingRate
	InitialTxFeeRate   cfdcore.TxFeeRate

	State      State
	InFlight   InFlight
	FeeAccount feeaccount.FeeAccount

	// LatestDlc is populated by the engine that produced it, not by
	// the fold itself: a ContractSetupCompleted/RolloverCompleted
	// event's payload carries only public txids for projections, the
	// full Dlc (including short-lived key material) is attached by
	// SetLatestDlc once the owning engine has it in hand.
	LatestDlc *dlctx.Dlc

	commitConfirmed       bool
	cetTimelockExpired    bool
	refundTimelockExpired bool
	oracleAttested        bool

	LastSequence int64
	LastEventAt  time.Time
}

// New starts a freshly-created aggregate: the Maker constructs one of
// these the instant it accepts a Taker's order, before any event has
// been appended.
func New(orderId cfdcore.OrderId) Cfd {
	return Cfd{OrderId: orderId, State: Created}
}

// SetLatestDlc attaches the in-memory Dlc an engine just built or
// received; it is not derived from the event payload.
func (c Cfd) SetLatestDlc(d *dlctx.Dlc) Cfd {
	c.LatestDlc = d
	return c
}

// Rehydrate loads every event for orderId from store and folds them
// into a Cfd from zero; the log is the only source of truth.
func Rehydrate(ctx context.Context, store cfdevent.Store, orderId cfdcore.OrderId) (Cfd, error) {
	events, err := store.Load(ctx, orderId)
	if err != nil {
		return Cfd{}, fmt.Errorf("loading events for %s: %w", orderId, err)
	}

	cfd := New(orderId)
	for _, e := range events {
		var err error
		cfd, err = Apply(cfd, e)
		if err != nil {
			return Cfd{}, fmt.Errorf("applying event %d (%s): %w", e.Sequence, e.Kind, err)
		}
	}
	return cfd, nil
}

// Apply folds one event into cfd, returning the resulting value.
// Unknown event kinds are a no-op rather than an error, so that a
// future release's additional event kinds don't break an older
// binary's ability to rehydrate the rest of the log.
func Apply(cfd Cfd, e cfdevent.Event) (Cfd, error) {
	next := cfd
	next.LastSequence = e.Sequence
	next.LastEventAt = e.CreatedAt

	if startsProtocol(e.Kind) && cfd.InFlight != NoProtocol {
		return cfd, cfdcore.NewProtocolError(cfdcore.ErrInvalidState,
			fmt.Errorf("order %s: %s already in flight, rejecting %s", cfd.OrderId, cfd.InFlight, e.Kind))
	}

	switch e.Kind {
	case cfdevent.ContractSetupStarted:
		var p ContractSetupStartedPayload
		if err := unmarshal(e, &p); err != nil {
			return cfd, err
		}
		next.CounterpartyPeerId = p.CounterpartyPeerId
		next.Role = p.Role
		next.Position = p.Position
		next.OpeningPrice = p.Price
		next.Quantity = p.Quantity
		next.LongLeverage = p.LongLeverage
		next.ShortLeverage = p.ShortLeverage
		next.OpeningFee = p.OpeningFee
		next.InitialFundingRate = p.InitialFundingRate
		next.InitialTxFeeRate = p.InitialTxFeeRate
		next.SettlementEventId = p.SettlementEventId
		next.FeeAccount = feeaccount.New(p.Position, p.Role)
		next.InFlight = SetupInFlight
		next.State = PendingSetup

	case cfdevent.ContractSetupFailed:
		next.InFlight = NoProtocol
		next.State = SetupFailed

	case cfdevent.ContractSetupRejected:
		next.InFlight = NoProtocol
		next.State = SetupFailed

	case cfdevent.ContractSetupCompleted:
		fa, err := next.FeeAccount.AddOpeningFee(next.OpeningFee)
		if err != nil {
			return cfd, fmt.Errorf("applying opening fee: %w", err)
		}
		// The opening DLC's payout curve already prices in the first
		// funding period, so the account reflects it from the moment
		// setup completes.
		fa = fa.AddFundingFee(feeaccount.CalculateFundingFee(
			next.OpeningPrice, next.Quantity, next.LongLeverage, next.ShortLeverage,
			next.InitialFundingRate, feeaccount.FundingIntervalHours))
		next.FeeAccount = fa
		next.InFlight = NoProtocol
		next.State = PendingOpen

	case cfdevent.LockConfirmed:
		next.State = Open

	case cfdevent.RolloverStarted:
		var p RolloverStartedPayload
		if err := unmarshal(e, &p); err != nil {
			return cfd, err
		}
		next.InFlight = RolloverInFlight
		if p.Initiator == next.Role {
			next.State = OutgoingRolloverProposal
		} else {
			next.State = IncomingRolloverProposal
		}

	case cfdevent.RolloverAccepted:
		// Preserved defect: this transition is taken
		// unconditionally, even when commitConfirmed is already true
		// and the rollover can no longer complete. Do not guard it.
		next.State = RolloverSetup

	case cfdevent.RolloverCompleted:
		var p RolloverCompletedPayload
		if err := unmarshal(e, &p); err != nil {
			return cfd, err
		}
		next.SettlementEventId = p.SettlementEventId
		// The settled fee both peers agreed on during the exchange is
		// authoritative, recorded from this side's own perspective. A
		// retry rollover's payload carries the balance recomputed from
		// the resolved older generation, so resuming here is what keeps
		// accumulated fees an invariant function of the log even when
		// intermediate rollovers were discarded.
		next.FeeAccount = feeaccount.Resume(next.Position, next.Role, p.SettledFee.Balance)
		next.InFlight = NoProtocol
		next.State = Open

	case cfdevent.RolloverRejected, cfdevent.RolloverFailed:
		next.InFlight = NoProtocol
		if next.commitConfirmed {
			next.State = OpenCommitted
		} else {
			next.State = Open
		}

	case cfdevent.SettlementProposed:
		var p SettlementProposedPayload
		if err := unmarshal(e, &p); err != nil {
			return cfd, err
		}
		next.InFlight = SettlementInFlight
		if p.Initiator == next.Role {
			next.State = OutgoingSettlementProposal
		} else {
			next.State = IncomingSettlementProposal
		}

	case cfdevent.SettlementAccepted:
		// stays in {Incoming,Outgoing}SettlementProposal until
		// SettlementCompleted; acceptance alone does not yet close.

	case cfdevent.SettlementRejected:
		next.InFlight = NoProtocol
		if next.commitConfirmed {
			next.State = OpenCommitted
		} else {
			next.State = Open
		}

	case cfdevent.SettlementCompleted:
		next.InFlight = NoProtocol
		next.State = Closed

	case cfdevent.ManualCommit:
		next.commitConfirmed = true
		next.State = OpenCommitted

	case cfdevent.CommitConfirmed:
		next.commitConfirmed = true
		next.State = OpenCommitted

	case cfdevent.CetTimelockExpired:
		next.cetTimelockExpired = true
		if next.oracleAttested && next.State == OpenCommitted {
			next.State = PendingCet
		}

	case cfdevent.OracleAttestationReceived:
		next.oracleAttested = true
		if next.cetTimelockExpired && next.State == OpenCommitted {
			next.State = PendingCet
		}

	case cfdevent.RefundTimelockExpired:
		next.refundTimelockExpired = true
		if next.State == PendingCet || next.State == OpenCommitted {
			next.State = PendingRefund
		}

	case cfdevent.CetConfirmed:
		next.State = Closed

	case cfdevent.RefundConfirmed:
		next.State = Refunded
	}

	return next, nil
}

// startsProtocol reports whether kind begins a new protocol instance
// against the order -- the set the no-two-protocols-per-order invariant
// gates on. A second proposal arriving while one is already in flight
// (a rollover crossing a settlement on the wire, say) is rejected as
// invalid state, never interleaved.
func startsProtocol(kind cfdevent.Kind) bool {
	switch kind {
	case cfdevent.ContractSetupStarted, cfdevent.RolloverStarted, cfdevent.SettlementProposed:
		return true
	default:
		return false
	}
}

func unmarshal(e cfdevent.Event, dst interface{}) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("unmarshalling %s payload: %w", e.Kind, err)
	}
	return nil
}
