package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/cfdnet/cfdd/cfdaggregate"
	"github.com/cfdnet/cfdd/cfdcore"
	"github.com/cfdnet/cfdd/cfdevent"
	"github.com/cfdnet/cfdd/coordinator"
	"github.com/cfdnet/cfdd/dlctx"
	"github.com/cfdnet/cfdd/feeaccount"
	"github.com/cfdnet/cfdd/protocol/rollover"
	"github.com/cfdnet/cfdd/protocol/settlement"
)

// decisionBook records the operator's accept/reject answers ahead of
// the protocol instance that consumes them. Each entry is consumed
// once: an accept_rollover applies to the next inbound proposal for
// that order, then the book falls back to the configured default, the
// same way the maker's is_accepting_rollovers switch
// is the standing answer when no explicit decision was recorded.
type decisionBook struct {
	mu          sync.Mutex
	orders      map[cfdcore.OrderId]bool
	rollovers   map[cfdcore.OrderId]bool
	settlements map[cfdcore.OrderId]bool
}

func newDecisionBook() *decisionBook {
	return &decisionBook{
		orders:      make(map[cfdcore.OrderId]bool),
		rollovers:   make(map[cfdcore.OrderId]bool),
		settlements: make(map[cfdcore.OrderId]bool),
	}
}

func (d *decisionBook) record(m map[cfdcore.OrderId]bool, orderId cfdcore.OrderId, accept bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m[orderId] = accept
}

func (d *decisionBook) consume(m map[cfdcore.OrderId]bool, orderId cfdcore.OrderId, fallback bool) (accepted bool, recorded bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if v, ok := m[orderId]; ok {
		delete(m, orderId)
		return v, true
	}
	return fallback, false
}

func (d *decisionBook) orderDecision(orderId cfdcore.OrderId, fallback bool) (accepted bool, reason string) {
	v, recorded := d.consume(d.orders, orderId, fallback)
	if !v {
		if recorded {
			return false, "order rejected by operator"
		}
		return false, "maker is not accepting orders"
	}
	return true, ""
}

func (d *decisionBook) rolloverDecision(orderId cfdcore.OrderId, fallback bool) bool {
	v, _ := d.consume(d.rollovers, orderId, fallback)
	return v
}

func (d *decisionBook) settlementDecision(orderId cfdcore.OrderId) (reject bool, reason string) {
	v, recorded := d.consume(d.settlements, orderId, true)
	if recorded && !v {
		return true, "settlement rejected by operator"
	}
	return false, ""
}

// wireOutboundRequests installs the daemon's concrete implementations
// of the coordinator's action surface onto the dispatcher. Proposals are
// taker actions that dial the configured maker; accepts/rejects are
// maker decisions recorded for the next inbound proposal; commit works
// on either side.
func (s *server) wireOutboundRequests() {
	s.dispatcher.SetOutboundRequests(coordinator.OutboundRequests{
		ProposeRollover:   s.proposeRollover,
		ProposeSettlement: s.proposeSettlement,
		Commit:            s.manualCommit,
		AcceptOrder: func(ctx context.Context, orderId cfdcore.OrderId) error {
			s.decisions.record(s.decisions.orders, orderId, true)
			return nil
		},
		RejectOrder: func(ctx context.Context, orderId cfdcore.OrderId) error {
			s.decisions.record(s.decisions.orders, orderId, false)
			return nil
		},
		AcceptRollover: func(ctx context.Context, orderId cfdcore.OrderId) error {
			s.decisions.record(s.decisions.rollovers, orderId, true)
			return nil
		},
		RejectRollover: func(ctx context.Context, orderId cfdcore.OrderId) error {
			s.decisions.record(s.decisions.rollovers, orderId, false)
			return nil
		},
		AcceptSettlement: func(ctx context.Context, orderId cfdcore.OrderId) error {
			s.decisions.record(s.decisions.settlements, orderId, true)
			return nil
		},
		RejectSettlement: func(ctx context.Context, orderId cfdcore.OrderId) error {
			s.decisions.record(s.decisions.settlements, orderId, false)
			return nil
		},
	})
}

// proposeRollover is the taker's half of the rollover protocol: dial a
// substream to the maker and drive Propose/Decision/Msg0/Msg1/Msg2 to
// completion. Always dials the newest protocol version; peers that only
// speak /itchysats/rollover/1.0.0 initiate on that name themselves.
func (s *server) proposeRollover(ctx context.Context, orderId cfdcore.OrderId) error {
	cfd, err := coordinator.Rehydrate(ctx, s.executor, orderId)
	if err != nil {
		return err
	}
	currentDlc := s.dlcFor(orderId)
	if currentDlc == nil {
		return fmt.Errorf("order %s has no DLC in memory to roll over", orderId)
	}

	if err := s.tower.ClaimProtocolSlot(orderId, coordinator.RolloverProtocol); err != nil {
		return err
	}
	defer s.tower.ReleaseProtocolSlot(orderId)

	stream, err := s.transport.OpenSubstream(ctx, s.cfg.MakerAddr, coordinator.ProtocolRolloverV2)
	if err != nil {
		return fmt.Errorf("opening rollover substream: %w", err)
	}
	defer stream.Close()
	s.dispatcher.Track(s.cfg.MakerAddr, orderId)
	defer s.dispatcher.Untrack(s.cfg.MakerAddr, orderId)

	if err := appendEvent(ctx, s.executor, orderId, cfdevent.RolloverStarted,
		cfdaggregate.RolloverStartedPayload{
			Initiator:      cfdcore.Taker,
			FromCommitTxid: currentDlc.Commit.Tx.TxHash().String(),
		}); err != nil {
		return err
	}

	result, err := s.rolloverEngine.RunInitiator(ctx, stream, rollover.InitiatorParams{
		SharedParams: rollover.SharedParams{
			OraclePk:           s.oraclePk,
			Position:           canonicalPosition(cfd),
			Quantity:           cfd.Quantity,
			LongLeverage:       cfd.LongLeverage,
			ShortLeverage:      cfd.ShortLeverage,
			NPayouts:           defaultNPayouts,
			MakerAddressScript: currentDlc.MakerAddressScript,
			TakerAddressScript: currentDlc.TakerAddressScript,
		},
		OrderId:    orderId,
		CurrentDlc: currentDlc,
		OwnRole:    cfd.Role,
		Version:    feeaccount.V3,
	})
	if err != nil {
		return appendEvent(ctx, s.executor, orderId, cfdevent.RolloverFailed,
			cfdaggregate.RolloverFailedPayload{Reason: err.Error()})
	}
	if result.Rejected {
		return appendEvent(ctx, s.executor, orderId, cfdevent.RolloverRejected,
			cfdaggregate.RolloverRejectedPayload{Reason: result.RejectReason})
	}

	if err := appendEvent(ctx, s.executor, orderId, cfdevent.RolloverAccepted,
		cfdaggregate.RolloverAcceptedPayload{OracleEventId: result.Dlc.SettlementEventId}); err != nil {
		return err
	}

	// The wire carries the settled balance in the maker's orientation;
	// flip it into this side's own perspective before recording.
	settled := result.SettledFee
	if cfd.Role == cfdcore.Taker {
		settled.Balance = -settled.Balance
	}

	s.setDlc(orderId, result.Dlc, settled)
	return appendEvent(ctx, s.executor, orderId, cfdevent.RolloverCompleted,
		cfdaggregate.RolloverCompletedPayload{
			Version:           result.Version,
			SettledFee:        settled,
			SettlementEventId: result.Dlc.SettlementEventId,
			CommitTxid:        result.Dlc.Commit.Tx.TxHash().String(),
			PriorCommitTxid:   result.PriorCommitTxid,
		})
}

// proposeSettlement is the taker's half of collaborative settlement:
// quote, split, propose, and on acceptance exchange signatures and
// broadcast the settlement transaction.
func (s *server) proposeSettlement(ctx context.Context, orderId cfdcore.OrderId) error {
	cfd, err := coordinator.Rehydrate(ctx, s.executor, orderId)
	if err != nil {
		return err
	}
	currentDlc := s.dlcFor(orderId)
	if currentDlc == nil {
		return fmt.Errorf("order %s has no DLC in memory to settle", orderId)
	}
	if s.priceFeed == nil {
		return fmt.Errorf("no price feed configured, cannot quote a settlement")
	}
	quote, err := s.priceFeed.LatestQuote(ctx)
	if err != nil {
		return fmt.Errorf("fetching settlement quote: %w", err)
	}

	if err := s.tower.ClaimProtocolSlot(orderId, coordinator.SettlementProtocol); err != nil {
		return err
	}
	defer s.tower.ReleaseProtocolSlot(orderId)

	stream, err := s.transport.OpenSubstream(ctx, s.cfg.MakerAddr, coordinator.ProtocolCollabSettlement)
	if err != nil {
		return fmt.Errorf("opening settlement substream: %w", err)
	}
	defer stream.Close()
	s.dispatcher.Track(s.cfg.MakerAddr, orderId)
	defer s.dispatcher.Untrack(s.cfg.MakerAddr, orderId)

	payout := dlctx.PayoutCurveParams{
		Position:      canonicalPosition(cfd),
		Price:         cfd.OpeningPrice,
		Quantity:      cfd.Quantity,
		LongLeverage:  cfd.LongLeverage,
		ShortLeverage: cfd.ShortLeverage,
		NPayouts:      defaultNPayouts,
	}
	// A long taker closes against the ask, a short one against the bid,
	// matching the responder's check.
	settlePrice := quote.Bid
	if cfd.Position == cfdcore.Long {
		settlePrice = quote.Ask
	}
	makerOut, takerOut := dlctx.SettlementSplit(payout, settlePrice)

	if err := appendEvent(ctx, s.executor, orderId, cfdevent.SettlementProposed,
		cfdaggregate.SettlementProposedPayload{
			Initiator:           cfdcore.Taker,
			Bid:                 quote.Bid,
			Ask:                 quote.Ask,
			QuoteTimestamp:      time.Unix(quote.AtUTC, 0),
			ProposedMakerOutput: makerOut,
			ProposedTakerOutput: takerOut,
		}); err != nil {
		return err
	}

	result, err := s.settlementEngine.RunInitiator(ctx, stream, settlement.InitiatorParams{
		LockContext: settlement.LockContext{
			LockTx:                 currentDlc.Lock.Tx,
			LockDescriptor:         currentDlc.Lock.Descriptor,
			OwnIdentitySk:          currentDlc.OwnIdentitySk,
			CounterpartyIdentityPk: currentDlc.CounterpartyIdentityPk,
			MakerAddressScript:     currentDlc.MakerAddressScript,
			TakerAddressScript:     currentDlc.TakerAddressScript,
		},
		OrderId:             orderId,
		Quote:               quote,
		ProposedMakerOutput: makerOut,
		ProposedTakerOutput: takerOut,
		FeeRate:             cfd.InitialTxFeeRate,
	})
	if err != nil {
		return appendEvent(ctx, s.executor, orderId, cfdevent.SettlementRejected,
			cfdaggregate.SettlementRejectedPayload{Reason: err.Error()})
	}
	if result.Rejected {
		return appendEvent(ctx, s.executor, orderId, cfdevent.SettlementRejected,
			cfdaggregate.SettlementRejectedPayload{Reason: result.RejectReason})
	}

	if err := appendEvent(ctx, s.executor, orderId, cfdevent.SettlementAccepted,
		cfdaggregate.SettlementAcceptedPayload{}); err != nil {
		return err
	}

	if s.wallet != nil {
		if err := s.wallet.Broadcast(ctx, result.Tx); err != nil {
			srvrLog.Errorf("broadcasting settlement tx for order %s: %v", orderId, err)
		}
	}

	return appendEvent(ctx, s.executor, orderId, cfdevent.SettlementCompleted,
		cfdaggregate.SettlementCompletedPayload{Txid: result.Tx.TxHash().String()})
}

// manualCommit finalizes and broadcasts the current generation's commit
// transaction, the operator-initiated unilateral exit.
func (s *server) manualCommit(ctx context.Context, orderId cfdcore.OrderId) error {
	dlc := s.dlcFor(orderId)
	if dlc == nil {
		return fmt.Errorf("order %s has no DLC in memory to commit", orderId)
	}
	if len(dlc.Commit.CounterpartySig) == 0 {
		return fmt.Errorf("order %s has no counterparty commit signature", orderId)
	}

	commitTx := dlc.Commit.Tx.Copy()
	ownPk := dlc.OwnIdentitySk.PubKey()

	var makerPk, takerPk *btcec.PublicKey
	var makerSig, takerSig []byte
	if dlc.OwnRole == cfdcore.Maker {
		makerPk, takerPk = ownPk, dlc.CounterpartyIdentityPk
		makerSig, takerSig = dlc.Commit.Sig, dlc.Commit.CounterpartySig
	} else {
		makerPk, takerPk = dlc.CounterpartyIdentityPk, ownPk
		makerSig, takerSig = dlc.Commit.CounterpartySig, dlc.Commit.Sig
	}
	commitTx.TxIn[0].Witness = dlctx.SpendLockWitness(dlc.Lock.Descriptor, makerPk, takerPk, makerSig, takerSig)

	if s.wallet != nil {
		if err := s.wallet.Broadcast(ctx, commitTx); err != nil {
			return fmt.Errorf("broadcasting commit tx for order %s: %w", orderId, err)
		}
	}

	return appendEvent(ctx, s.executor, orderId, cfdevent.ManualCommit, cfdaggregate.ManualCommitPayload{})
}
