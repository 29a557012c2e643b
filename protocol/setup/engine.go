// Package setup implements the contract-setup protocol: the seven-step
// exchange that turns a matched order into a fully signed DLC, with
// neither side ever holding a signature it cannot independently verify
// before the next step.
package setup

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/cfdnet/cfdd/cfdcore"
	"github.com/cfdnet/cfdd/cfdsig"
	"github.com/cfdnet/cfdd/cfdwire"
	"github.com/cfdnet/cfdd/dlctx"
)

// stepTimeout bounds every Next() call in the protocol; exceeding it
// is fatal to the run.
const stepTimeout = 120 * time.Second

// Params gathers everything Run needs to execute one contract-setup
// instance, i.e. everything the order match already settled before the
// protocol starts.
type Params struct {
	OwnRole            cfdcore.Role
	Position           cfdcore.Position
	OwnMargin          cfdcore.Amount
	CounterpartyMargin cfdcore.Amount
	Price              cfdcore.Price
	Quantity           cfdcore.Usd
	LongLeverage       cfdcore.Leverage
	ShortLeverage      cfdcore.Leverage
	SettlementEventId  cfdcore.PriceEventId
	OraclePk           *secp256k1.PublicKey
	TxFeeRate          cfdcore.TxFeeRate
	RefundTimelock     uint32
	NPayouts           int
	MakerAddressScript []byte
	TakerAddressScript []byte
}

// Engine drives one side of the contract-setup protocol over a single
// substream. It is stateless between runs -- every field it needs
// beyond its collaborators travels in Params.
type Engine struct {
	Wallet cfdcore.Wallet
	Oracle cfdcore.OracleClient
}

// Run executes all seven setup steps to completion and returns the
// assembled Dlc. Any verification, timeout or wallet
// failure aborts the run and returns a *cfdcore.ProtocolError; the
// caller is responsible for appending ContractSetupFailed(reason) to
// the CFD's event log (engines never touch the event store directly).
func (e *Engine) Run(ctx context.Context, stream cfdwire.Substream, p Params) (*dlctx.Dlc, error) {
	// Step 1: three fresh keypairs (identity, revocation, publish).
	identitySk, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, cfdcore.NewProtocolError(cfdcore.ErrWalletFailure, fmt.Errorf("generating identity key: %w", err))
	}
	revocationSk, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, cfdcore.NewProtocolError(cfdcore.ErrWalletFailure, fmt.Errorf("generating revocation key: %w", err))
	}
	publishSk, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, cfdcore.NewProtocolError(cfdcore.ErrWalletFailure, fmt.Errorf("generating publish key: %w", err))
	}
	ownPunishSecrets := cfdcore.PunishSecrets{RevocationSk: revocationSk, PublishSk: publishSk}

	// Step 2: wallet-sized party params for our own margin, built
	// around the identity key this instance just generated.
	ownParams, err := e.Wallet.BuildPartyParams(ctx, p.OwnMargin, identitySk.PubKey(), p.TxFeeRate)
	if err != nil {
		return nil, cfdcore.NewProtocolError(cfdcore.ErrWalletFailure, fmt.Errorf("building party params: %w", err))
	}

	// Step 3: exchange Msg0, verify the counterparty's declared margin.
	if err := stream.Send(Msg0{
		PartyParams:  toWirePartyParams(ownParams),
		PunishParams: toWirePunishParams(ownPunishSecrets.Params()),
	}); err != nil {
		return nil, cfdcore.NewProtocolError(cfdcore.ErrPeerDisconnect, fmt.Errorf("sending msg0: %w", err))
	}

	var msg0 Msg0
	if err := nextMessage(ctx, stream, cfdwire.TypeSetupMsg0, &msg0); err != nil {
		return nil, err
	}

	cpParams, err := fromWirePartyParams(msg0.PartyParams)
	if err != nil {
		return nil, cfdcore.NewProtocolError(cfdcore.ErrMismatch, fmt.Errorf("decoding counterparty party params: %w", err))
	}
	cpPunish, err := fromWirePunishParams(msg0.PunishParams)
	if err != nil {
		return nil, cfdcore.NewProtocolError(cfdcore.ErrMismatch, fmt.Errorf("decoding counterparty punish params: %w", err))
	}
	if err := cfdsig.VerifyPartyParams(cpParams, p.CounterpartyMargin); err != nil {
		return nil, cfdcore.NewProtocolError(cfdcore.ErrMismatch, err)
	}

	// Step 4: build our own CFD transactions, then exchange Msg1.
	announcements, err := e.Oracle.GetAnnouncements(ctx, []cfdcore.PriceEventId{p.SettlementEventId})
	if err != nil {
		return nil, cfdcore.NewProtocolError(cfdcore.ErrOracleUnavailable, fmt.Errorf("fetching announcement: %w", err))
	}
	if len(announcements) == 0 {
		return nil, cfdcore.NewProtocolError(cfdcore.ErrOracleUnavailable,
			fmt.Errorf("no announcement for event %s", p.SettlementEventId))
	}
	announcement := announcements[0]

	makerParams, takerParams := ownParams, cpParams
	makerPunish, takerPunish := ownPunishSecrets.Params(), cpPunish
	if p.OwnRole == cfdcore.Taker {
		makerParams, takerParams = cpParams, ownParams
		makerPunish, takerPunish = cpPunish, ownPunishSecrets.Params()
	}

	// Destination scripts default to each party's wallet-supplied change
	// script from Msg0; both sides see the same exchanged params, so the
	// defaults agree. Explicit scripts in Params win (tests pin them).
	makerScript, takerScript := p.MakerAddressScript, p.TakerAddressScript
	if makerScript == nil {
		makerScript = makerParams.ChangeScript
	}
	if takerScript == nil {
		takerScript = takerParams.ChangeScript
	}

	buildParams := dlctx.BuildParams{
		MakerParams: makerParams, TakerParams: takerParams,
		MakerPunish: makerPunish, TakerPunish: takerPunish,
		OwnRole:         p.OwnRole,
		OwnIdentitySk:   identitySk,
		OwnRevocationSk: revocationSk,
		OwnPublishSk:    publishSk,
		Announcement:    announcement,
		Oracle:          p.OraclePk,
		Payout: dlctx.PayoutCurveParams{
			Position:      p.Position,
			Price:         p.Price,
			Quantity:      p.Quantity,
			LongLeverage:  p.LongLeverage,
			ShortLeverage: p.ShortLeverage,
			NPayouts:      p.NPayouts,
		},
		FeeRate:            p.TxFeeRate,
		RefundTimelock:     p.RefundTimelock,
		MakerAddressScript: makerScript,
		TakerAddressScript: takerScript,
	}

	lockTx, lockDesc, err := dlctx.BuildLock(buildParams)
	if err != nil {
		return nil, cfdcore.NewProtocolError(cfdcore.ErrWalletFailure, fmt.Errorf("building lock tx: %w", err))
	}
	commitTx, commitDesc, err := dlctx.BuildCommit(lockTx, lockDesc, buildParams)
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

	commitSigHash, err := dlctx.CommitSigHash(commitTx, lockTx, lockDesc)
	if err != nil {
		return nil, cfdcore.NewProtocolError(cfdcore.ErrWalletFailure, fmt.Errorf("computing commit sighash: %w", err))
	}
	ownCommitSig := ecdsa.Sign(identitySk, commitSigHash).Serialize()

	refundSigHash, err := dlctx.RefundSigHash(refundTx, commitTx, commitDesc)
	if err != nil {
		return nil, cfdcore.NewProtocolError(cfdcore.ErrWalletFailure, fmt.Errorf("computing refund sighash: %w", err))
	}
	ownRefundSig := ecdsa.Sign(identitySk, refundSigHash).Serialize()

	if err := stream.Send(Msg1{
		CommitSig: ownCommitSig,
		RefundSig: ownRefundSig,
		Cets:      map[string][]wireCetSig{string(p.SettlementEventId): toWireCets(cets)},
	}); err != nil {
		return nil, cfdcore.NewProtocolError(cfdcore.ErrPeerDisconnect, fmt.Errorf("sending msg1: %w", err))
	}

	var msg1 Msg1
	if err := nextMessage(ctx, stream, cfdwire.TypeSetupMsg1, &msg1); err != nil {
		return nil, err
	}

	// Step 5: verify the counterparty's commit sig, refund sig, and
	// every CET adaptor sig.
	if err := cfdsig.VerifySignature(commitTx, lockDesc, lockTx.TxOut[0].Value, msg1.CommitSig, cpParams.IdentityPk); err != nil {
		return nil, cfdcore.NewProtocolError(cfdcore.ErrVerification, fmt.Errorf("commit sig: %w", err))
	}
	if err := cfdsig.VerifySignature(refundTx, commitDesc, commitTx.TxOut[0].Value, msg1.RefundSig, cpParams.IdentityPk); err != nil {
		return nil, cfdcore.NewProtocolError(cfdcore.ErrVerification, fmt.Errorf("refund sig: %w", err))
	}

	cpWireCets, ok := msg1.Cets[string(p.SettlementEventId)]
	if !ok {
		return nil, cfdcore.NewProtocolError(cfdcore.ErrMismatch,
			fmt.Errorf("counterparty msg1 missing cets for event %s", p.SettlementEventId))
	}
	cpCetSigs, err := fromWireCetSigs(cets, cpWireCets)
	if err != nil {
		return nil, cfdcore.NewProtocolError(cfdcore.ErrMismatch, fmt.Errorf("decoding counterparty cet sigs: %w", err))
	}
	if err := cfdsig.VerifyCets(p.OraclePk, announcement.NoncePks, cpParams.IdentityPk,
		commitTx, commitDesc, commitTx.TxOut[0].Value, cpCetSigs); err != nil {
		return nil, cfdcore.NewProtocolError(cfdcore.ErrVerification, fmt.Errorf("cet sigs: %w", err))
	}

	// The Dlc keeps the counterparty's adaptor signatures: ours can be
	// recreated from our own key at any time, but only theirs unlocks a
	// CET once the oracle attests. Every one of these was just verified.
	for i := range cets {
		cets[i].AdaptorSig = cpCetSigs[i].AdaptorSig
	}

	// Step 6: wallet signs our own lock inputs; exchange and merge PSBTs.
	ownPkt, err := psbt.NewFromUnsignedTx(lockTx)
	if err != nil {
		return nil, cfdcore.NewProtocolError(cfdcore.ErrWalletFailure, fmt.Errorf("building lock psbt: %w", err))
	}
	ownPkt, err = e.Wallet.Sign(ctx, ownPkt)
	if err != nil {
		return nil, cfdcore.NewProtocolError(cfdcore.ErrWalletFailure, fmt.Errorf("signing lock inputs: %w", err))
	}
	ownPsbtBytes, err := ownPkt.Serialize()
	if err != nil {
		return nil, cfdcore.NewProtocolError(cfdcore.ErrWalletFailure, fmt.Errorf("serializing lock psbt: %w", err))
	}

	if err := stream.Send(Msg2{SignedLockPsbt: ownPsbtBytes}); err != nil {
		return nil, cfdcore.NewProtocolError(cfdcore.ErrPeerDisconnect, fmt.Errorf("sending msg2: %w", err))
	}

	var msg2 Msg2
	if err := nextMessage(ctx, stream, cfdwire.TypeSetupMsg2, &msg2); err != nil {
		return nil, err
	}

	cpPkt, err := psbt.NewFromRawBytes(bytes.NewReader(msg2.SignedLockPsbt), false)
	if err != nil {
		return nil, cfdcore.NewProtocolError(cfdcore.ErrMismatch, fmt.Errorf("parsing counterparty lock psbt: %w", err))
	}

	mergedPkt := mergeLockPsbt(ownPkt, cpPkt)
	finalLockTx, err := psbt.Extract(mergedPkt)
	if err != nil {
		return nil, cfdcore.NewProtocolError(cfdcore.ErrWalletFailure, fmt.Errorf("extracting final lock tx: %w", err))
	}

	// Step 7: exchange the closing acknowledgement.
	if err := stream.Send(Msg3{}); err != nil {
		return nil, cfdcore.NewProtocolError(cfdcore.ErrPeerDisconnect, fmt.Errorf("sending msg3: %w", err))
	}
	var msg3 Msg3
	if err := nextMessage(ctx, stream, cfdwire.TypeSetupMsg3, &msg3); err != nil {
		return nil, err
	}

	dlc := &dlctx.Dlc{
		OwnRole:                  p.OwnRole,
		OwnIdentitySk:            identitySk,
		CounterpartyIdentityPk:   cpParams.IdentityPk,
		OwnRevocationSk:          revocationSk,
		CounterpartyRevocationPk: cpPunish.RevocationPk,
		OwnPublishSk:             publishSk,
		CounterpartyPublishPk:    cpPunish.PublishPk,
		MakerAddressScript:       makerScript,
		TakerAddressScript:       takerScript,
		Lock:                     dlctx.Lock{Tx: finalLockTx, Descriptor: lockDesc},
		Commit:                   dlctx.Commit{Tx: commitTx, Sig: ownCommitSig, CounterpartySig: msg1.CommitSig, Descriptor: commitDesc},
		Cets:                     map[cfdcore.PriceEventId][]dlctx.Cet{p.SettlementEventId: cets},
		Refund:                   dlctx.Refund{Tx: refundTx, Sig: ownRefundSig, CounterpartySig: msg1.RefundSig},
		MakerLockAmount:          makerParams.LockAmount,
		TakerLockAmount:          takerParams.LockAmount,
		SettlementEventId:        p.SettlementEventId,
		RefundTimelock:           p.RefundTimelock,
	}
	return dlc, nil
}

// nextMessage awaits the next envelope on stream, bounded by
// stepTimeout, and decodes it into dst after checking its type tag.
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
		return cfdcore.NewProtocolError(cfdcore.ErrMismatch,
			fmt.Errorf("expected message type %s, got %s", want, env.Type))
	}
	if err := env.Unmarshal(dst); err != nil {
		return cfdcore.NewProtocolError(cfdcore.ErrMismatch, fmt.Errorf("decoding %s payload: %w", want, err))
	}
	return nil
}

// mergeLockPsbt combines two partially-signed copies of the same lock
// PSBT -- each party only finalizes the inputs its own funding UTXOs
// occupy, so the merge is just "take whichever side actually signed
// each input index".
func mergeLockPsbt(own, cp *psbt.Packet) *psbt.Packet {
	merged := own
	for i := range merged.Inputs {
		if i >= len(cp.Inputs) {
			continue
		}
		if len(cp.Inputs[i].FinalScriptWitness) > 0 || len(cp.Inputs[i].PartialSigs) > 0 {
			merged.Inputs[i] = cp.Inputs[i]
		}
	}
	return merged
}
