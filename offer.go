package main

import (
	"context"
	"fmt"
	"time"

	"github.com/cfdnet/cfdd/cfdaggregate"
	"github.com/cfdnet/cfdd/cfdcore"
	"github.com/cfdnet/cfdd/cfdevent"
	"github.com/cfdnet/cfdd/cfdwire"
	"github.com/cfdnet/cfdd/coordinator"
	"github.com/cfdnet/cfdd/feeaccount"
	"github.com/cfdnet/cfdd/protocol/setup"
)

// orderReceiptTimeout bounds how long either side waits for the other's
// half of the take-order handshake before setup begins.
const orderReceiptTimeout = 5 * time.Second

// defaultRefundTimelock is the block-height delta after which the
// refund transaction becomes valid if an order doesn't pin its own.
const defaultRefundTimelock = 288 * 7 // ~2 weeks at 10 minutes/block

// orderTerms is one offer's worth of negotiated parameters, as the
// taker commits to them. Position is the taker's side; the maker holds
// the counter position.
type orderTerms struct {
	Position          cfdcore.Position
	Price             cfdcore.Price
	Quantity          cfdcore.Usd
	LongLeverage      cfdcore.Leverage
	ShortLeverage     cfdcore.Leverage
	OpeningFee        cfdcore.OpeningFee
	FundingRate       cfdcore.FundingRate
	TxFeeRate         cfdcore.TxFeeRate
	SettlementEventId cfdcore.PriceEventId
	MakerMargin       cfdcore.Amount
	TakerMargin       cfdcore.Amount
	RefundTimelock    uint32
}

func (o orderTerms) wire(orderId cfdcore.OrderId) cfdwire.TakeOrder {
	return cfdwire.TakeOrder{
		OrderId:           orderId.String(),
		Position:          int(o.Position),
		Price:             int64(o.Price),
		Quantity:          int64(o.Quantity),
		LongLeverage:      uint8(o.LongLeverage),
		ShortLeverage:     uint8(o.ShortLeverage),
		OpeningFee:        int64(o.OpeningFee),
		FundingRate:       int64(o.FundingRate),
		TxFeeRate:         uint32(o.TxFeeRate),
		SettlementEventId: string(o.SettlementEventId),
		MakerMargin:       int64(o.MakerMargin),
		TakerMargin:       int64(o.TakerMargin),
		RefundTimelock:    o.RefundTimelock,
	}
}

func termsFromWire(m cfdwire.TakeOrder) orderTerms {
	return orderTerms{
		Position:          cfdcore.Position(m.Position),
		Price:             cfdcore.Price(m.Price),
		Quantity:          cfdcore.Usd(m.Quantity),
		LongLeverage:      cfdcore.Leverage(m.LongLeverage),
		ShortLeverage:     cfdcore.Leverage(m.ShortLeverage),
		OpeningFee:        cfdcore.OpeningFee(m.OpeningFee),
		FundingRate:       cfdcore.FundingRate(m.FundingRate),
		TxFeeRate:         cfdcore.TxFeeRate(m.TxFeeRate),
		SettlementEventId: cfdcore.PriceEventId(m.SettlementEventId),
		MakerMargin:       cfdcore.Amount(m.MakerMargin),
		TakerMargin:       cfdcore.Amount(m.TakerMargin),
		RefundTimelock:    m.RefundTimelock,
	}
}

// setupStartedPayload translates terms into the event that seeds the
// aggregate, from the perspective of ownRole.
func setupStartedPayload(terms orderTerms, ownRole cfdcore.Role, peerId string) cfdaggregate.ContractSetupStartedPayload {
	position := terms.Position
	if ownRole == cfdcore.Maker {
		position = terms.Position.Counter()
	}

	payload := cfdaggregate.ContractSetupStartedPayload{
		Role:               ownRole,
		Position:           position,
		Price:              terms.Price,
		Quantity:           terms.Quantity,
		LongLeverage:       terms.LongLeverage,
		ShortLeverage:      terms.ShortLeverage,
		OpeningFee:         terms.OpeningFee,
		InitialFundingRate: terms.FundingRate,
		InitialTxFeeRate:   terms.TxFeeRate,
		SettlementEventId:  terms.SettlementEventId,
	}
	if pid, err := cfdcore.ParsePeerId(peerId); err == nil {
		payload.CounterpartyPeerId = pid
	}
	return payload
}

func (terms orderTerms) setupParams(ownRole cfdcore.Role, s *server) setup.Params {
	ownMargin, cpMargin := terms.MakerMargin, terms.TakerMargin
	if ownRole == cfdcore.Taker {
		ownMargin, cpMargin = terms.TakerMargin, terms.MakerMargin
	}

	refundTimelock := terms.RefundTimelock
	if refundTimelock == 0 {
		refundTimelock = defaultRefundTimelock
	}

	return setup.Params{
		OwnRole: ownRole,
		// The payout curve's Position is the taker's side on BOTH
		// peers: the curve must come out identical or neither side's
		// signatures verify against the other's transactions.
		Position:           terms.Position,
		OwnMargin:          ownMargin,
		CounterpartyMargin: cpMargin,
		Price:              terms.Price,
		Quantity:           terms.Quantity,
		LongLeverage:       terms.LongLeverage,
		ShortLeverage:      terms.ShortLeverage,
		SettlementEventId:  terms.SettlementEventId,
		OraclePk:           s.oraclePk,
		TxFeeRate:          terms.TxFeeRate,
		RefundTimelock:     refundTimelock,
		NPayouts:           defaultNPayouts,
	}
}

// handleOffer is the maker's side of the offer substream: receive the
// taker's TakeOrder, decide, and on acceptance run contract setup to
// completion over the same substream.
func (s *server) handleOffer(ctx context.Context, peerId string, stream cfdwire.Substream) error {
	defer stream.Close()

	receiptCtx, cancel := context.WithTimeout(ctx, orderReceiptTimeout)
	env, err := stream.Next(receiptCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("awaiting take-order: %w", err)
	}
	if env.Type != cfdwire.TypeTakeOrder {
		return fmt.Errorf("expected %s as the offer substream's first message, got %s", cfdwire.TypeTakeOrder, env.Type)
	}
	var msg cfdwire.TakeOrder
	if err := env.Unmarshal(&msg); err != nil {
		return fmt.Errorf("decoding take-order: %w", err)
	}
	orderId, err := cfdcore.ParseOrderId(msg.OrderId)
	if err != nil {
		return fmt.Errorf("malformed order_id %q: %w", msg.OrderId, err)
	}
	terms := termsFromWire(msg)

	if err := s.tower.ClaimProtocolSlot(orderId, coordinator.SetupProtocol); err != nil {
		return err
	}
	defer s.tower.ReleaseProtocolSlot(orderId)
	s.dispatcher.Track(peerId, orderId)
	defer s.dispatcher.Untrack(peerId, orderId)

	if err := appendEvent(ctx, s.executor, orderId, cfdevent.ContractSetupStarted,
		setupStartedPayload(terms, cfdcore.Maker, peerId)); err != nil {
		return err
	}

	accepted, reason := s.decisions.orderDecision(orderId, s.cfg.IsAcceptingOrders)
	if !accepted {
		stream.Send(cfdwire.OrderDecision{OrderId: msg.OrderId, Accepted: false, Reason: reason})
		return appendEvent(ctx, s.executor, orderId, cfdevent.ContractSetupRejected,
			cfdaggregate.ContractSetupRejectedPayload{Reason: reason})
	}
	if err := stream.Send(cfdwire.OrderDecision{OrderId: msg.OrderId, Accepted: true}); err != nil {
		return appendEvent(ctx, s.executor, orderId, cfdevent.ContractSetupFailed,
			cfdaggregate.ContractSetupFailedPayload{Reason: fmt.Sprintf("sending accept: %v", err)})
	}

	engine := &setup.Engine{Wallet: s.wallet, Oracle: s.oracle}
	dlc, err := engine.Run(ctx, stream, terms.setupParams(cfdcore.Maker, s))
	if err != nil {
		return appendEvent(ctx, s.executor, orderId, cfdevent.ContractSetupFailed,
			cfdaggregate.ContractSetupFailedPayload{Reason: err.Error()})
	}

	s.setDlc(orderId, dlc, feeaccount.CompleteFee{})
	return appendEvent(ctx, s.executor, orderId, cfdevent.ContractSetupCompleted,
		cfdaggregate.ContractSetupCompletedPayload{
			LockTxid:   dlc.Lock.Tx.TxHash().String(),
			CommitTxid: dlc.Commit.Tx.TxHash().String(),
		})
}

// TakeOffer is the taker's entrypoint: mint an order id, open an offer
// substream to the maker, and drive the take-order handshake plus
// contract setup to completion.
func (s *server) TakeOffer(ctx context.Context, makerAddr string, terms orderTerms) (cfdcore.OrderId, error) {
	orderId, err := cfdcore.NewOrderId()
	if err != nil {
		return cfdcore.OrderId{}, err
	}

	stream, err := s.transport.OpenSubstream(ctx, makerAddr, coordinator.ProtocolOffer)
	if err != nil {
		return orderId, fmt.Errorf("opening offer substream: %w", err)
	}
	defer stream.Close()

	return orderId, s.takeOrderOverStream(ctx, stream, makerAddr, orderId, terms)
}

// takeOrderOverStream runs the taker's half of the offer handshake over
// an already-open substream, split out so tests can drive both halves
// over an in-memory pair.
func (s *server) takeOrderOverStream(ctx context.Context, stream cfdwire.Substream, peerId string, orderId cfdcore.OrderId, terms orderTerms) error {
	if err := s.tower.ClaimProtocolSlot(orderId, coordinator.SetupProtocol); err != nil {
		return err
	}
	defer s.tower.ReleaseProtocolSlot(orderId)
	s.dispatcher.Track(peerId, orderId)
	defer s.dispatcher.Untrack(peerId, orderId)

	if err := appendEvent(ctx, s.executor, orderId, cfdevent.ContractSetupStarted,
		setupStartedPayload(terms, cfdcore.Taker, peerId)); err != nil {
		return err
	}

	if err := stream.Send(terms.wire(orderId)); err != nil {
		return appendEvent(ctx, s.executor, orderId, cfdevent.ContractSetupFailed,
			cfdaggregate.ContractSetupFailedPayload{Reason: fmt.Sprintf("sending take-order: %v", err)})
	}

	receiptCtx, cancel := context.WithTimeout(ctx, orderReceiptTimeout)
	env, err := stream.Next(receiptCtx)
	cancel()
	if err != nil {
		return appendEvent(ctx, s.executor, orderId, cfdevent.ContractSetupFailed,
			cfdaggregate.ContractSetupFailedPayload{Reason: fmt.Sprintf("awaiting order decision: %v", err)})
	}
	var decision cfdwire.OrderDecision
	if env.Type != cfdwire.TypeOrderDecision || env.Unmarshal(&decision) != nil {
		return appendEvent(ctx, s.executor, orderId, cfdevent.ContractSetupFailed,
			cfdaggregate.ContractSetupFailedPayload{Reason: fmt.Sprintf("unexpected message %s awaiting order decision", env.Type)})
	}
	if !decision.Accepted {
		return appendEvent(ctx, s.executor, orderId, cfdevent.ContractSetupRejected,
			cfdaggregate.ContractSetupRejectedPayload{Reason: decision.Reason})
	}

	engine := &setup.Engine{Wallet: s.wallet, Oracle: s.oracle}
	dlc, err := engine.Run(ctx, stream, terms.setupParams(cfdcore.Taker, s))
	if err != nil {
		return appendEvent(ctx, s.executor, orderId, cfdevent.ContractSetupFailed,
			cfdaggregate.ContractSetupFailedPayload{Reason: err.Error()})
	}

	s.setDlc(orderId, dlc, feeaccount.CompleteFee{})
	return appendEvent(ctx, s.executor, orderId, cfdevent.ContractSetupCompleted,
		cfdaggregate.ContractSetupCompletedPayload{
			LockTxid:   dlc.Lock.Tx.TxHash().String(),
			CommitTxid: dlc.Commit.Tx.TxHash().String(),
		})
}
