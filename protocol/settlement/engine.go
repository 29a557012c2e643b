package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/cfdnet/cfdd/cfdcore"
	"github.com/cfdnet/cfdd/cfdsig"
	"github.com/cfdnet/cfdd/cfdwire"
	"github.com/cfdnet/cfdd/dlctx"
)

// stepTimeout bounds every Next() call in this protocol, reusing
// rollover's post-decision bound: the message count and payload shape
// (one signature exchange) are the same order of complexity.
const stepTimeout = 60 * time.Second

// maxQuoteAge is how stale a quote may be before the maker rejects a
// proposal: anything older than twice the quote interval is rejected.
func maxQuoteAge(quoteIntervalMinutes int) time.Duration {
	return 2 * time.Duration(quoteIntervalMinutes) * time.Minute
}

// Engine drives one side of the collaborative-settlement protocol over
// a substream. Like rollover, the two sides play asymmetric roles
// (taker proposes, maker decides).
type Engine struct{}

// Result is the outcome of one settlement attempt. A rejected proposal
// is not an error -- a stale or mismatched quote is an ordinary
// negative outcome the caller records as SettlementRejected.
type Result struct {
	Rejected     bool
	RejectReason string
	Tx           *wire.MsgTx
}

// LockContext gathers everything either role needs about the CFD's
// current lock output to spend it directly.
type LockContext struct {
	LockTx                 *wire.MsgTx
	LockDescriptor         *dlctx.Descriptor
	OwnIdentitySk          *secp256k1.PrivateKey
	CounterpartyIdentityPk *secp256k1.PublicKey
	MakerAddressScript     []byte
	TakerAddressScript     []byte
}

// InitiatorParams gathers what the taker needs to propose and complete
// a collaborative settlement.
type InitiatorParams struct {
	LockContext
	OrderId             cfdcore.OrderId
	Quote               cfdcore.Quote
	ProposedMakerOutput cfdcore.Amount
	ProposedTakerOutput cfdcore.Amount
	FeeRate             cfdcore.TxFeeRate
}

// RunInitiator implements the taker's half: propose a price and
// output split, await the maker's decision, and on accept build, sign
// and exchange the settlement transaction.
func (e *Engine) RunInitiator(ctx context.Context, stream cfdwire.Substream, p InitiatorParams) (*Result, error) {
	if err := stream.Send(Propose{
		OrderId:             p.OrderId.String(),
		Bid:                 int64(p.Quote.Bid),
		Ask:                 int64(p.Quote.Ask),
		QuoteTimestamp:      p.Quote.AtUTC,
		ProposedMakerOutput: int64(p.ProposedMakerOutput),
		ProposedTakerOutput: int64(p.ProposedTakerOutput),
	}); err != nil {
		return nil, cfdcore.NewProtocolError(cfdcore.ErrPeerDisconnect, fmt.Errorf("sending propose: %w", err))
	}

	var decision Decision
	if err := nextMessage(ctx, stream, cfdwire.TypeSettlementDecision, &decision); err != nil {
		return nil, err
	}
	if decision.Reject {
		return &Result{Rejected: true, RejectReason: decision.Reason}, nil
	}

	settlementTx, err := dlctx.BuildSettlementTx(
		p.LockTx, p.LockDescriptor, p.ProposedMakerOutput, p.ProposedTakerOutput,
		p.MakerAddressScript, p.TakerAddressScript, p.FeeRate,
	)
	if err != nil {
		return nil, cfdcore.NewProtocolError(cfdcore.ErrWalletFailure, fmt.Errorf("building settlement tx: %w", err))
	}

	sigHash, err := dlctx.SettlementSigHash(settlementTx, p.LockTx, p.LockDescriptor)
	if err != nil {
		return nil, cfdcore.NewProtocolError(cfdcore.ErrWalletFailure, fmt.Errorf("computing settlement sighash: %w", err))
	}
	ownSig := ecdsa.Sign(p.OwnIdentitySk, sigHash).Serialize()

	if err := stream.Send(Msg0{Sig: ownSig}); err != nil {
		return nil, cfdcore.NewProtocolError(cfdcore.ErrPeerDisconnect, fmt.Errorf("sending msg0: %w", err))
	}

	var msg1 Msg1
	if err := nextMessage(ctx, stream, cfdwire.TypeSettlementMsg1, &msg1); err != nil {
		return nil, err
	}
	if err := cfdsig.VerifySignature(settlementTx, p.LockDescriptor, p.LockTx.TxOut[0].Value, msg1.Sig, p.CounterpartyIdentityPk); err != nil {
		return nil, cfdcore.NewProtocolError(cfdcore.ErrVerification, fmt.Errorf("maker settlement sig: %w", err))
	}

	makerPk, takerPk := counterpartyAndOwnPks(p.CounterpartyIdentityPk, p.OwnIdentitySk.PubKey(), cfdcore.Maker)
	dlctx.FinalizeSettlement(settlementTx, p.LockDescriptor, makerPk, takerPk, msg1.Sig, ownSig)

	return &Result{Tx: settlementTx}, nil
}

// ResponderParams gathers what the maker needs to verify and, if
// accepted, complete a proposed settlement.
type ResponderParams struct {
	LockContext
	OwnQuote             cfdcore.Quote
	QuoteIntervalMinutes int
	Payout               dlctx.PayoutCurveParams
	FeeRate              cfdcore.TxFeeRate
	Now                  time.Time

	// OperatorReject short-circuits the quote checks: the maker's
	// operator recorded a reject_settlement for this order before the
	// proposal arrived, so the taker gets an explicit Decision reject
	// rather than a silent disconnect.
	OperatorReject       bool
	OperatorRejectReason string
}

// RunResponder implements the maker's half: verify the proposed
// outputs against its own quote and its freshness, and on accept build,
// sign and exchange the settlement transaction.
func (e *Engine) RunResponder(ctx context.Context, stream cfdwire.Substream, p ResponderParams) (*Result, error) {
	var propose Propose
	if err := nextMessage(ctx, stream, cfdwire.TypeSettlementPropose, &propose); err != nil {
		return nil, err
	}

	if p.OperatorReject {
		reason := p.OperatorRejectReason
		if reason == "" {
			reason = "maker is not accepting settlements"
		}
		if err := stream.Send(Decision{OrderId: propose.OrderId, Reject: true, Reason: reason}); err != nil {
			return nil, cfdcore.NewProtocolError(cfdcore.ErrPeerDisconnect, fmt.Errorf("sending reject: %w", err))
		}
		return &Result{Rejected: true, RejectReason: reason}, nil
	}

	now := p.Now
	if now.IsZero() {
		now = time.Now()
	}

	quoteAge := now.Sub(time.Unix(propose.QuoteTimestamp, 0))
	if quoteAge > maxQuoteAge(p.QuoteIntervalMinutes) {
		reason := fmt.Sprintf("quote is %s old, older than the %s limit", quoteAge, maxQuoteAge(p.QuoteIntervalMinutes))
		if err := stream.Send(Decision{OrderId: propose.OrderId, Reject: true, Reason: reason}); err != nil {
			return nil, cfdcore.NewProtocolError(cfdcore.ErrPeerDisconnect, fmt.Errorf("sending reject: %w", err))
		}
		return &Result{Rejected: true, RejectReason: reason}, nil
	}

	settlePrice := cfdcore.Price(propose.Bid)
	if p.Payout.Position == cfdcore.Long {
		settlePrice = cfdcore.Price(propose.Ask)
	}
	wantMaker, wantTaker := dlctx.SettlementSplit(p.Payout, settlePrice)
	gotMaker, gotTaker := cfdcore.Amount(propose.ProposedMakerOutput), cfdcore.Amount(propose.ProposedTakerOutput)
	if !withinTolerance(wantMaker, gotMaker) || !withinTolerance(wantTaker, gotTaker) {
		reason := fmt.Sprintf("proposed split %d/%d does not match our quote's %d/%d", gotMaker, gotTaker, wantMaker, wantTaker)
		if err := stream.Send(Decision{OrderId: propose.OrderId, Reject: true, Reason: reason}); err != nil {
			return nil, cfdcore.NewProtocolError(cfdcore.ErrPeerDisconnect, fmt.Errorf("sending reject: %w", err))
		}
		return &Result{Rejected: true, RejectReason: reason}, nil
	}

	if err := stream.Send(Decision{OrderId: propose.OrderId}); err != nil {
		return nil, cfdcore.NewProtocolError(cfdcore.ErrPeerDisconnect, fmt.Errorf("sending accept: %w", err))
	}

	settlementTx, err := dlctx.BuildSettlementTx(
		p.LockTx, p.LockDescriptor, gotMaker, gotTaker,
		p.MakerAddressScript, p.TakerAddressScript, p.FeeRate,
	)
	if err != nil {
		return nil, cfdcore.NewProtocolError(cfdcore.ErrWalletFailure, fmt.Errorf("building settlement tx: %w", err))
	}

	var msg0 Msg0
	if err := nextMessage(ctx, stream, cfdwire.TypeSettlementMsg0, &msg0); err != nil {
		return nil, err
	}

	if err := cfdsig.VerifySignature(settlementTx, p.LockDescriptor, p.LockTx.TxOut[0].Value, msg0.Sig, p.CounterpartyIdentityPk); err != nil {
		return nil, cfdcore.NewProtocolError(cfdcore.ErrVerification, fmt.Errorf("taker settlement sig: %w", err))
	}

	sigHash, err := dlctx.SettlementSigHash(settlementTx, p.LockTx, p.LockDescriptor)
	if err != nil {
		return nil, cfdcore.NewProtocolError(cfdcore.ErrWalletFailure, fmt.Errorf("computing settlement sighash: %w", err))
	}
	ownSig := ecdsa.Sign(p.OwnIdentitySk, sigHash).Serialize()

	if err := stream.Send(Msg1{Sig: ownSig}); err != nil {
		return nil, cfdcore.NewProtocolError(cfdcore.ErrPeerDisconnect, fmt.Errorf("sending msg1: %w", err))
	}

	makerPk, takerPk := counterpartyAndOwnPks(p.CounterpartyIdentityPk, p.OwnIdentitySk.PubKey(), cfdcore.Taker)
	dlctx.FinalizeSettlement(settlementTx, p.LockDescriptor, makerPk, takerPk, ownSig, msg0.Sig)

	return &Result{Tx: settlementTx}, nil
}

// withinTolerance allows a handful of satoshis of rounding drift
// between the maker's and taker's independently computed splits
// (each side rounds float payout math to an integer satoshi amount).
const toleranceSats = 5

func withinTolerance(want, got cfdcore.Amount) bool {
	diff := want - got
	if diff < 0 {
		diff = -diff
	}
	return diff <= toleranceSats
}

// counterpartyAndOwnPks orders two identity keys into (maker, taker)
// given which role the counterparty holds.
func counterpartyAndOwnPks(cpPk, ownPk *secp256k1.PublicKey, cpRole cfdcore.Role) (makerPk, takerPk *secp256k1.PublicKey) {
	if cpRole == cfdcore.Maker {
		return cpPk, ownPk
	}
	return ownPk, cpPk
}

func nextMessage(ctx context.Context, stream cfdwire.Substream, want cfdwire.MessageType, dst interface{}) error {
	stepCtx, cancel := context.WithTimeout(ctx, stepTimeout)
	defer cancel()

	env, err := stream.Next(stepCtx)
	if err != nil {
		if stepCtx.Err() != nil {
			return cfdcore.NewProtocolError(cfdcore.ErrProtocolTimeout, fmt.Errorf("awaiting %s: %w", want, err))
		}
		return cfdcore.NewProtocolError(cfdcore.ErrPeerDisconnect, fmt.Errorf("awaiting %s: %w", want, err))
	}
	if env.Type != want {
		return cfdcore.NewProtocolError(cfdcore.ErrMismatch, fmt.Errorf("expected message type %s, got %s", want, env.Type))
	}
	if err := env.Unmarshal(dst); err != nil {
		return cfdcore.NewProtocolError(cfdcore.ErrMismatch, fmt.Errorf("decoding %s payload: %w", want, err))
	}
	return nil
}
