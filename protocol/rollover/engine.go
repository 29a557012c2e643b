package rollover

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/lightningnetwork/lnd/clock"

	"github.com/cfdnet/cfdd/cfdcore"
	"github.com/cfdnet/cfdd/cfdsig"
	"github.com/cfdnet/cfdd/cfdwire"
	"github.com/cfdnet/cfdd/dlctx"
	"github.com/cfdnet/cfdd/feeaccount"
)

// stepTimeout bounds every post-Decision message exchange; decisionTimeout
// bounds the maker's reply to Propose.
const (
	stepTimeout     = 60 * time.Second
	decisionTimeout = 30 * time.Second

	// fallbackHours is the charge applied when the current generation's
	// settlement event has already matured: one funding interval per
	// feeaccount.CalculateFundingFee.
	fallbackHours = 24
)

// Engine drives one side of the rollover protocol over a substream.
// Unlike setup, the two sides play asymmetric roles (taker proposes,
// maker decides), so the engine exposes a method per role rather than
// one symmetric Run.
type Engine struct {
	Wallet cfdcore.Wallet
	Oracle cfdcore.OracleClient

	// Clock supplies "now" for the fee-hours computation and the
	// settle snapshot; nil means the wall clock. Tests pin it to make
	// the funding-hours fallback deterministic.
	Clock clock.Clock
}

func (e *Engine) now() time.Time {
	if e.Clock == nil {
		return time.Now()
	}
	return e.Clock.Now()
}

// SharedParams is the build context common to both roles: everything
// needed to reconstruct the new generation's transactions once the
// oracle event, fee rate and settled balance are known.
type SharedParams struct {
	OraclePk            *secp256k1.PublicKey
	Position            cfdcore.Position
	Quantity            cfdcore.Usd
	LongLeverage        cfdcore.Leverage
	ShortLeverage       cfdcore.Leverage
	NPayouts            int
	MakerAddressScript  []byte
	TakerAddressScript  []byte
}

// Result is the outcome of one rollover attempt. A rejected attempt is
// not an error -- the maker's is_accepting_rollovers switch or its
// from_commit_txid lookup failing are ordinary negative outcomes the
// caller records as RolloverRejected/RolloverFailed, not protocol bugs.
type Result struct {
	Rejected        bool
	RejectReason    string
	Dlc             *dlctx.Dlc
	Version         feeaccount.RolloverVersion
	SettledFee      feeaccount.CompleteFee
	PriorCommitTxid string
}

// InitiatorParams gathers what the taker needs to propose and complete
// a rollover.
type InitiatorParams struct {
	SharedParams
	OrderId    cfdcore.OrderId
	CurrentDlc *dlctx.Dlc
	OwnRole    cfdcore.Role

	// Version mirrors ResponderParams.Version: which rollover protocol
	// name this substream was opened for, recorded into the Result so
	// the caller's RolloverCompleted event carries the accounting
	// behaviour both peers actually ran.
	Version feeaccount.RolloverVersion
}

// RunInitiator implements the taker's half: propose, await the
// maker's decision, and on Confirm build and exchange the new
// generation.
func (e *Engine) RunInitiator(ctx context.Context, stream cfdwire.Substream, p InitiatorParams) (*Result, error) {
	fromTxid := p.CurrentDlc.Commit.Tx.TxHash().String()

	if err := stream.Send(Propose{
		OrderId:        p.OrderId.String(),
		Timestamp:      e.now().Unix(),
		FromCommitTxid: fromTxid,
	}); err != nil {
		return nil, cfdcore.NewProtocolError(cfdcore.ErrPeerDisconnect, fmt.Errorf("sending propose: %w", err))
	}

	var decision Decision
	if err := nextMessage(ctx, stream, decisionTimeout, cfdwire.TypeRolloverDecision, &decision); err != nil {
		return nil, err
	}
	if decision.Reject {
		return &Result{Rejected: true, RejectReason: "maker rejected rollover"}, nil
	}

	newEventId := cfdcore.PriceEventId(decision.OracleEventId)
	result, err := runCommon(ctx, stream, p.SharedParams, commonParams{
		ownRole:        p.OwnRole,
		currentDlc:     p.CurrentDlc,
		newEventId:     newEventId,
		txFeeRate:      cfdcore.TxFeeRate(decision.TxFeeRate),
		fundingRate:    cfdcore.FundingRate(decision.FundingRate),
		settledBalance: cfdcore.SignedAmount(decision.CompleteFee),
		oracle:         e.Oracle,
	})
	if err != nil {
		return nil, err
	}
	result.Version = p.Version
	// decision.CompleteFee is the settled balance in the wire's
	// canonical (maker-side) orientation, the same value runCommon just
	// baked into the payout curve; the caller flips it into its own
	// perspective before recording it.
	result.SettledFee = feeaccount.CompleteFee{
		Balance:   cfdcore.SignedAmount(decision.CompleteFee),
		SettledAt: e.now(),
	}
	return result, nil
}

// ResponderParams gathers what the maker needs to decide and, if
// accepted, complete a rollover.
type ResponderParams struct {
	SharedParams
	OwnRole              cfdcore.Role
	IsAcceptingRollovers bool
	NewEventId           cfdcore.PriceEventId
	TxFeeRate            cfdcore.TxFeeRate
	FundingRate          cfdcore.FundingRate

	// Version selects which fee-settlement behaviour to apply,
	// determined by which rollover protocol name the inbound
	// substream was dispatched on: /itchysats/rollover/1.0.0 peers
	// must still get feeaccount.V1's undercharge, while
	// /itchysats/rollover/2.0.0 peers get the corrected V2/V3
	// accounting.
	Version feeaccount.RolloverVersion

	// Resolve looks up fromCommitTxid in the CFD's history: the
	// current DLC, a prior generation reconstructible from
	// revoked_commit/the event log (a retry rollover), or not found.
	// fromFee is the complete fee baked into the matched generation at
	// the time it was built -- the baseline a retry resumes its
	// accounting from instead of the (possibly further along) current
	// balance, so a retry does not re-charge for the discarded
	// intermediate rollovers.
	Resolve func(fromCommitTxid string) (baseDlc *dlctx.Dlc, fromFee feeaccount.CompleteFee, found bool)
}

// RunResponder implements the maker's half: decide (honoring
// is_accepting_rollovers and the from_commit_txid resolution rules),
// and on Confirm build and exchange the new generation.
func (e *Engine) RunResponder(ctx context.Context, stream cfdwire.Substream, p ResponderParams) (*Result, error) {
	var propose Propose
	if err := nextMessage(ctx, stream, decisionTimeout, cfdwire.TypeRolloverPropose, &propose); err != nil {
		return nil, err
	}

	if !p.IsAcceptingRollovers {
		if err := stream.Send(Decision{OrderId: propose.OrderId, Reject: true}); err != nil {
			return nil, cfdcore.NewProtocolError(cfdcore.ErrPeerDisconnect, fmt.Errorf("sending reject: %w", err))
		}
		return &Result{Rejected: true, RejectReason: "is_accepting_rollovers is false"}, nil
	}

	baseDlc, fromFee, found := p.Resolve(propose.FromCommitTxid)
	if !found {
		return nil, cfdcore.NewProtocolError(cfdcore.ErrInvalidState,
			fmt.Errorf("from_commit_txid %s matches no known DLC generation", propose.FromCommitTxid))
	}

	hours, err := fundingHours(baseDlc.SettlementEventId, p.NewEventId, e.now())
	if err != nil {
		return nil, cfdcore.NewProtocolError(cfdcore.ErrMismatch, fmt.Errorf("computing funding hours: %w", err))
	}
	pendingFee := feeaccount.CalculateFundingFee(
		currentPrice(baseDlc), p.Quantity, p.LongLeverage, p.ShortLeverage, p.FundingRate, hours)
	baseline := feeaccount.Resume(p.Position, p.OwnRole, fromFee.Balance)
	settledFee, _ := baseline.Settle(p.Version, pendingFee, e.now())

	if err := stream.Send(Decision{
		OrderId:       propose.OrderId,
		OracleEventId: string(p.NewEventId),
		TxFeeRate:     uint32(p.TxFeeRate),
		FundingRate:   int64(p.FundingRate),
		CompleteFee:   int64(settledFee.Balance),
	}); err != nil {
		return nil, cfdcore.NewProtocolError(cfdcore.ErrPeerDisconnect, fmt.Errorf("sending confirm: %w", err))
	}

	result, err := runCommon(ctx, stream, p.SharedParams, commonParams{
		ownRole:        p.OwnRole,
		currentDlc:     baseDlc,
		newEventId:     p.NewEventId,
		txFeeRate:      p.TxFeeRate,
		fundingRate:    p.FundingRate,
		settledBalance: settledFee.Balance,
		oracle:         e.Oracle,
	})
	if err != nil {
		return nil, err
	}
	result.Version = p.Version
	result.SettledFee = settledFee
	return result, nil
}

// currentPrice recovers the opening price baked into a DLC's existing
// payout curve; rollover does not renegotiate price, only the
// settlement event and accrued fee.
func currentPrice(d *dlctx.Dlc) cfdcore.Price {
	for _, cets := range d.Cets {
		if len(cets) > 0 {
			return cets[0].PriceRange.Low
		}
	}
	return 0
}

func fundingHours(currentEventId, newEventId cfdcore.PriceEventId, now time.Time) (float64, error) {
	maturity, err := currentEventId.Maturity()
	if err != nil {
		return 0, fmt.Errorf("parsing current event maturity: %w", err)
	}
	if now.After(maturity) {
		return fallbackHours, nil
	}

	hours, err := newEventId.HoursUntil(now)
	if err != nil {
		return 0, fmt.Errorf("parsing new event maturity: %w", err)
	}
	return float64(hours), nil
}

// commonParams is the subset of either role's inputs that the shared
// Msg0/Msg1/Msg2 tail needs once the new generation's terms are fixed.
type commonParams struct {
	ownRole        cfdcore.Role
	currentDlc     *dlctx.Dlc
	newEventId     cfdcore.PriceEventId
	txFeeRate      cfdcore.TxFeeRate
	fundingRate    cfdcore.FundingRate
	settledBalance cfdcore.SignedAmount
	oracle         cfdcore.OracleClient
}

// runCommon builds the new generation's commit/cet/refund set and runs
// the Msg0/Msg1/Msg2 tail shared by both roles: every sub-step mirrors
// contract setup except that the lock is not rebuilt and there is no
// closing ack.
func runCommon(ctx context.Context, stream cfdwire.Substream, sp SharedParams, p commonParams) (*Result, error) {
	revocationSk, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, cfdcore.NewProtocolError(cfdcore.ErrWalletFailure, fmt.Errorf("generating revocation key: %w", err))
	}
	publishSk, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, cfdcore.NewProtocolError(cfdcore.ErrWalletFailure, fmt.Errorf("generating publish key: %w", err))
	}
	ownPunish := cfdcore.PunishSecrets{RevocationSk: revocationSk, PublishSk: publishSk}.Params()

	if err := stream.Send(toWirePunish(ownPunish)); err != nil {
		return nil, cfdcore.NewProtocolError(cfdcore.ErrPeerDisconnect, fmt.Errorf("sending msg0: %w", err))
	}
	var wireCp Msg0
	if err := nextMessage(ctx, stream, stepTimeout, cfdwire.TypeRolloverMsg0, &wireCp); err != nil {
		return nil, err
	}
	cpPunish, err := fromWirePunish(wireCp)
	if err != nil {
		return nil, cfdcore.NewProtocolError(cfdcore.ErrMismatch, fmt.Errorf("decoding counterparty msg0: %w", err))
	}

	announcements, err := p.oracle.GetAnnouncements(ctx, []cfdcore.PriceEventId{p.newEventId})
	if err != nil {
		return nil, cfdcore.NewProtocolError(cfdcore.ErrOracleUnavailable, fmt.Errorf("fetching announcement: %w", err))
	}
	if len(announcements) == 0 {
		return nil, cfdcore.NewProtocolError(cfdcore.ErrOracleUnavailable, fmt.Errorf("no announcement for event %s", p.newEventId))
	}
	announcement := announcements[0]

	cur := p.currentDlc
	var makerPunish, takerPunish cfdcore.PunishParams
	if p.ownRole == cfdcore.Maker {
		makerPunish, takerPunish = ownPunish, cpPunish
	} else {
		makerPunish, takerPunish = cpPunish, ownPunish
	}

	buildParams := dlctx.BuildParams{
		MakerParams: partyParamsFromDlc(cur, cfdcore.Maker, p.ownRole),
		TakerParams: partyParamsFromDlc(cur, cfdcore.Taker, p.ownRole),
		MakerPunish: makerPunish, TakerPunish: takerPunish,
		OwnRole:         p.ownRole,
		OwnIdentitySk:   cur.OwnIdentitySk,
		OwnRevocationSk: revocationSk,
		OwnPublishSk:    publishSk,
		Announcement:    announcement,
		Oracle:          sp.OraclePk,
		Payout: dlctx.PayoutCurveParams{
			Position:          sp.Position,
			Price:             currentPrice(cur),
			Quantity:          sp.Quantity,
			LongLeverage:      sp.LongLeverage,
			ShortLeverage:     sp.ShortLeverage,
			NPayouts:          sp.NPayouts,
			SettledFeeBalance: p.settledBalance,
		},
		FeeRate:            p.txFeeRate,
		RefundTimelock:     cur.RefundTimelock,
		MakerAddressScript: sp.MakerAddressScript,
		TakerAddressScript: sp.TakerAddressScript,
	}

	commitTx, commitDesc, err := dlctx.BuildCommit(cur.Lock.Tx, cur.Lock.Descriptor, buildParams)
	if err != nil {
		return nil, cfdcore.NewProtocolError(cfdcore.ErrWalletFailure, fmt.Errorf("building commit tx: %w", err))
	}
	cets, err := dlctx.BuildCets(commitTx, commitDesc, buildParams)
	if err != nil {
		return nil, cfdcore.NewProtocolError(cfdcore.ErrWalletFailure, fmt.Errorf("building cets: %w", err))
	}
	refundTx, err := dlctx.BuildRefund(commitTx, commitDesc, buildParams)
	if err != nil {
		return nil, cfdcore.NewProtocolError(cfdcore.ErrWalletFailure, fmt.Errorf("building refund tx: %w", err))
	}

	commitSigHash, err := dlctx.CommitSigHash(commitTx, cur.Lock.Tx, cur.Lock.Descriptor)
	if err != nil {
		return nil, cfdcore.NewProtocolError(cfdcore.ErrWalletFailure, fmt.Errorf("computing commit sighash: %w", err))
	}
	ownCommitSig := ecdsa.Sign(cur.OwnIdentitySk, commitSigHash).Serialize()

	refundSigHash, err := dlctx.RefundSigHash(refundTx, commitTx, commitDesc)
	if err != nil {
		return nil, cfdcore.NewProtocolError(cfdcore.ErrWalletFailure, fmt.Errorf("computing refund sighash: %w", err))
	}
	ownRefundSig := ecdsa.Sign(cur.OwnIdentitySk, refundSigHash).Serialize()

	if err := stream.Send(Msg1{
		CommitSig: ownCommitSig,
		RefundSig: ownRefundSig,
		Cets:      map[string][]wireCetSig{string(p.newEventId): toWireCets(cets)},
	}); err != nil {
		return nil, cfdcore.NewProtocolError(cfdcore.ErrPeerDisconnect, fmt.Errorf("sending msg1: %w", err))
	}

	var cpMsg1 Msg1
	if err := nextMessage(ctx, stream, stepTimeout, cfdwire.TypeRolloverMsg1, &cpMsg1); err != nil {
		return nil, err
	}

	if err := cfdsig.VerifySignature(commitTx, cur.Lock.Descriptor, cur.Lock.Tx.TxOut[0].Value, cpMsg1.CommitSig, cur.CounterpartyIdentityPk); err != nil {
		return nil, cfdcore.NewProtocolError(cfdcore.ErrVerification, fmt.Errorf("commit sig: %w", err))
	}
	if err := cfdsig.VerifySignature(refundTx, commitDesc, commitTx.TxOut[0].Value, cpMsg1.RefundSig, cur.CounterpartyIdentityPk); err != nil {
		return nil, cfdcore.NewProtocolError(cfdcore.ErrVerification, fmt.Errorf("refund sig: %w", err))
	}
	cpWireCets, ok := cpMsg1.Cets[string(p.newEventId)]
	if !ok {
		return nil, cfdcore.NewProtocolError(cfdcore.ErrMismatch, fmt.Errorf("counterparty msg1 missing cets for event %s", p.newEventId))
	}
	cpCetSigs, err := fromWireCetSigs(cets, cpWireCets)
	if err != nil {
		return nil, cfdcore.NewProtocolError(cfdcore.ErrMismatch, fmt.Errorf("decoding counterparty cet sigs: %w", err))
	}
	if err := cfdsig.VerifyCets(sp.OraclePk, announcement.NoncePks, cur.CounterpartyIdentityPk,
		commitTx, commitDesc, commitTx.TxOut[0].Value, cpCetSigs); err != nil {
		return nil, cfdcore.NewProtocolError(cfdcore.ErrVerification, fmt.Errorf("cet sigs: %w", err))
	}

	// Keep the counterparty's verified adaptor signatures in the new
	// generation: they, not our own, are what decrypts a CET at
	// attestation time.
	for i := range cets {
		cets[i].AdaptorSig = cpCetSigs[i].AdaptorSig
	}

	if err := stream.Send(Msg2{RevocationSkOfPreviousCommit: cur.OwnRevocationSk.Serialize()}); err != nil {
		return nil, cfdcore.NewProtocolError(cfdcore.ErrPeerDisconnect, fmt.Errorf("sending msg2: %w", err))
	}
	var cpMsg2 Msg2
	if err := nextMessage(ctx, stream, stepTimeout, cfdwire.TypeRolloverMsg2, &cpMsg2); err != nil {
		return nil, err
	}
	cpRevocationSk := secp256k1.PrivKeyFromBytes(cpMsg2.RevocationSkOfPreviousCommit)

	// Revoke: the superseded generation becomes punishable now that
	// both sides' revocation secrets for it are known.
	revoked := append(cur.RevokedCommit, dlctx.RevokedCommit{
		CommitTx:     cur.Commit.Tx,
		Descriptor:   cur.Commit.Descriptor,
		PublishSk:    cur.OwnPublishSk,
		RevocationSk: cpRevocationSk,
		PerCommitFee: p.settledBalance,
	})

	newDlc := &dlctx.Dlc{
		OwnRole:                  cur.OwnRole,
		OwnIdentitySk:            cur.OwnIdentitySk,
		CounterpartyIdentityPk:   cur.CounterpartyIdentityPk,
		OwnRevocationSk:          revocationSk,
		CounterpartyRevocationPk: cpPunish.RevocationPk,
		OwnPublishSk:             publishSk,
		CounterpartyPublishPk:    cpPunish.PublishPk,
		MakerAddressScript:       cur.MakerAddressScript,
		TakerAddressScript:       cur.TakerAddressScript,
		Lock:                     cur.Lock,
		Commit:                   dlctx.Commit{Tx: commitTx, Sig: ownCommitSig, CounterpartySig: cpMsg1.CommitSig, Descriptor: commitDesc},
		Cets:                     map[cfdcore.PriceEventId][]dlctx.Cet{p.newEventId: cets},
		Refund:                   dlctx.Refund{Tx: refundTx, Sig: ownRefundSig, CounterpartySig: cpMsg1.RefundSig},
		MakerLockAmount:          cur.MakerLockAmount,
		TakerLockAmount:          cur.TakerLockAmount,
		RevokedCommit:            revoked,
		SettlementEventId:        p.newEventId,
		RefundTimelock:           cur.RefundTimelock,
	}

	return &Result{Dlc: newDlc, PriorCommitTxid: cur.Commit.Tx.TxHash().String()}, nil
}

// partyParamsFromDlc recovers a party's lock contribution from an
// existing DLC -- rollover never touches the lock transaction, so the
// only fields BuildCommit needs are each side's identity key and its
// share of the lock amount.
func partyParamsFromDlc(d *dlctx.Dlc, role, ownRole cfdcore.Role) cfdcore.PartyParams {
	amount := d.MakerLockAmount
	if role == cfdcore.Taker {
		amount = d.TakerLockAmount
	}

	identityPk := d.CounterpartyIdentityPk
	if role == ownRole {
		identityPk = d.OwnIdentitySk.PubKey()
	}
	return cfdcore.PartyParams{LockAmount: amount, IdentityPk: identityPk}
}

func nextMessage(ctx context.Context, stream cfdwire.Substream, timeout time.Duration, want cfdwire.MessageType, dst interface{}) error {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
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
