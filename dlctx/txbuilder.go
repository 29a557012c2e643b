package dlctx

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/cfdnet/cfdd/adaptor"
	"github.com/cfdnet/cfdd/cfdcore"
)

// CetTimelock is the relative locktime, in blocks, that must pass after
// the commit transaction confirms before a CET can be broadcast. The
// refund is gated by the absolute LockTime BuildRefund sets instead.
const CetTimelock = 144 // ~1 day at 10 minutes/block

// Cet is one pre-signed payout for one price bucket.
type Cet struct {
	MakerAmount cfdcore.Amount
	TakerAmount cfdcore.Amount
	AdaptorSig  *adaptor.Signature
	PriceRange  PayoutInterval
	NBits       int
	Txid        chainhash.Hash
	Tx          *wire.MsgTx
}

// RevokedCommit is a past commit generation, kept so its publication
// can be punished after a rollover supersedes it.
// Descriptor is that generation's own commit descriptor: each rollover
// rotates the publish/revocation keys, so a stale commit's output
// script never matches the current generation's.
type RevokedCommit struct {
	CommitTx     *wire.MsgTx
	Descriptor   *Descriptor
	PublishSk    *secp256k1.PrivateKey
	RevocationSk *secp256k1.PrivateKey
	PerCommitFee cfdcore.SignedAmount
}

// Lock is the final signed lock transaction and the descriptor its
// funded output pays to.
type Lock struct {
	Tx         *wire.MsgTx
	Descriptor *Descriptor
}

// Commit is the commit transaction spending the lock's cooperative
// 2-of-2 branch, the counterparty's ordinary ECDSA signature on it,
// and its descriptor. Unlike the CETs, the commit transaction does not
// depend on any oracle outcome, so there is nothing to encrypt it to
// (see DESIGN.md's Open Question resolution).
type Commit struct {
	Tx  *wire.MsgTx
	Sig []byte
	// CounterpartySig is the other side's verified signature, the half
	// of the 2-of-2 we cannot produce ourselves when broadcasting the
	// commit unilaterally.
	CounterpartySig []byte
	Descriptor      *Descriptor
}

// Refund is the timelocked transaction recovering funds if the
// counterparty vanishes.
type Refund struct {
	Tx              *wire.MsgTx
	Sig             []byte
	CounterpartySig []byte
}

// Dlc is the complete post-setup artefact: everything
// either side needs to unilaterally enforce or cooperatively close a
// position, without further communication.
type Dlc struct {
	OwnRole                  cfdcore.Role
	OwnIdentitySk            *secp256k1.PrivateKey
	CounterpartyIdentityPk   *secp256k1.PublicKey
	OwnRevocationSk          *secp256k1.PrivateKey
	CounterpartyRevocationPk *secp256k1.PublicKey
	OwnPublishSk             *secp256k1.PrivateKey
	CounterpartyPublishPk    *secp256k1.PublicKey

	MakerAddressScript []byte
	TakerAddressScript []byte

	Lock   Lock
	Commit Commit
	Cets   map[cfdcore.PriceEventId][]Cet
	Refund Refund

	MakerLockAmount cfdcore.Amount
	TakerLockAmount cfdcore.Amount

	RevokedCommit []RevokedCommit

	SettlementEventId cfdcore.PriceEventId
	RefundTimelock    uint32
}

// BuildParams gathers everything the transaction builder needs to
// assemble a fresh DLC generation.
type BuildParams struct {
	MakerParams, TakerParams           cfdcore.PartyParams
	MakerPunish, TakerPunish           cfdcore.PunishParams
	OwnRole                            cfdcore.Role
	OwnIdentitySk                      *secp256k1.PrivateKey
	OwnRevocationSk, OwnPublishSk      *secp256k1.PrivateKey
	Announcement                       cfdcore.Announcement
	Oracle                             *secp256k1.PublicKey
	Payout                             PayoutCurveParams
	FeeRate                            cfdcore.TxFeeRate
	RefundTimelock                     uint32
	LockOutPoints                      []wire.OutPoint
	MakerAddressScript, TakerAddressScript []byte
}

// BuildLock assembles the unsigned lock transaction: both parties'
// funding inputs, and a single relevant output paying the 2-of-2
// descriptor the sum of both lock amounts, following lnd's
// genFundingPkScript shape generalized from "funding output" to "lock
// output".
func BuildLock(p BuildParams) (*wire.MsgTx, *Descriptor, error) {
	makerPk := makerIdentityPk(p)
	takerPk := takerIdentityPk(p)

	desc, err := LockDescriptor(makerPk, takerPk)
	if err != nil {
		return nil, nil, fmt.Errorf("building lock descriptor: %w", err)
	}

	tx := wire.NewMsgTx(2)
	for _, in := range p.MakerParams.FundingInputs {
		tx.AddTxIn(&wire.TxIn{PreviousOutPoint: in.OutPoint, Sequence: in.SequenceNum})
	}
	for _, in := range p.TakerParams.FundingInputs {
		tx.AddTxIn(&wire.TxIn{PreviousOutPoint: in.OutPoint, Sequence: in.SequenceNum})
	}

	total := int64(p.MakerParams.LockAmount + p.TakerParams.LockAmount)
	tx.AddTxOut(wire.NewTxOut(total, desc.PkScript))

	return tx, desc, nil
}

// BuildCommit assembles the commit transaction spending the lock output
// entirely to the commit descriptor, minus an estimated fee.
func BuildCommit(lockTx *wire.MsgTx, lockDesc *Descriptor, p BuildParams) (*wire.MsgTx, *Descriptor, error) {
	makerPk, takerPk := makerIdentityPk(p), takerIdentityPk(p)

	var ownPunish, cpPunish cfdcore.PunishParams
	if p.OwnRole == cfdcore.Maker {
		ownPunish, cpPunish = p.MakerPunish, p.TakerPunish
	} else {
		ownPunish, cpPunish = p.TakerPunish, p.MakerPunish
	}

	desc, err := CommitDescriptor(makerPk, takerPk, ownPunish.PublishPk, cpPunish.RevocationPk, CetTimelock)
	if err != nil {
		return nil, nil, fmt.Errorf("building commit descriptor: %w", err)
	}

	lockOutIdx, err := findLockOutput(lockTx, lockDesc.PkScript)
	if err != nil {
		return nil, nil, err
	}

	var weight TxWeightEstimator
	weight.AddP2WSHInput().AddP2WSHOutput()
	fee := int64(p.FeeRate) * weight.VSize()

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: lockTx.TxHash(), Index: lockOutIdx},
	})
	tx.AddTxOut(wire.NewTxOut(lockTx.TxOut[lockOutIdx].Value-fee, desc.PkScript))

	return tx, desc, nil
}

// BuildCets assembles one CET per payout interval of the curve, each
// spending the commit output to the maker/taker addresses for that
// bucket, with an adaptor signature encrypted to that bucket's
// attestation point.
func BuildCets(commitTx *wire.MsgTx, commitDesc *Descriptor, p BuildParams) ([]Cet, error) {
	intervals, err := CalculatePayouts(p.Payout)
	if err != nil {
		return nil, fmt.Errorf("calculating payout curve: %w", err)
	}

	nBits := 0
	for n := len(intervals) - 1; n > 0; n >>= 1 {
		nBits++
	}
	if nBits == 0 {
		nBits = 1
	}

	var weight TxWeightEstimator
	weight.AddP2WSHInput().AddP2WPKHOutput().AddP2WPKHOutput()
	fee := cfdcore.Amount(int64(p.FeeRate) * weight.VSize())

	cets := make([]Cet, len(intervals))
	for i, interval := range intervals {
		tx, err := buildCetTx(commitTx, p, interval, fee)
		if err != nil {
			return nil, fmt.Errorf("building cet for bucket %d: %w", i, err)
		}

		digits := adaptor.DigitsForInterval(i, nBits)
		if len(digits) > len(p.Announcement.NoncePks) {
			return nil, fmt.Errorf("announcement has %d nonces, need %d for bucket %d",
				len(p.Announcement.NoncePks), len(digits), i)
		}

		attestPoint, err := adaptor.AttestationPoint(p.Oracle, p.Announcement.NoncePks[:len(digits)], digits)
		if err != nil {
			return nil, fmt.Errorf("computing attestation point for bucket %d: %w", i, err)
		}

		sigHash, err := cetSigHash(tx, commitTx, commitDesc)
		if err != nil {
			return nil, err
		}

		sig, err := adaptor.Create(p.OwnIdentitySk, sigHash, attestPoint)
		if err != nil {
			return nil, fmt.Errorf("creating adaptor signature for bucket %d: %w", i, err)
		}

		cets[i] = Cet{
			MakerAmount: interval.MakerAmount,
			TakerAmount: interval.TakerAmount,
			AdaptorSig:  sig,
			PriceRange:  interval,
			NBits:       nBits,
			Txid:        tx.TxHash(),
			Tx:          tx,
		}
	}

	return cets, nil
}

func buildCetTx(commitTx *wire.MsgTx, p BuildParams, interval PayoutInterval, fee cfdcore.Amount) (*wire.MsgTx, error) {
	commitOutIdx := uint32(0)

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: commitTx.TxHash(), Index: commitOutIdx},
		Sequence:         CetTimelock,
	})

	// Split the estimated fee proportionally so neither output goes
	// negative when one side's share is much smaller than the other's.
	total := interval.MakerAmount + interval.TakerAmount
	var makerFee, takerFee cfdcore.Amount
	if total > 0 {
		makerFee = cfdcore.Amount(int64(fee) * int64(interval.MakerAmount) / int64(total))
		takerFee = fee - makerFee
	}

	if interval.MakerAmount > makerFee {
		tx.AddTxOut(wire.NewTxOut(int64(interval.MakerAmount-makerFee), p.MakerAddressScript))
	}
	if interval.TakerAmount > takerFee {
		tx.AddTxOut(wire.NewTxOut(int64(interval.TakerAmount-takerFee), p.TakerAddressScript))
	}

	return tx, nil
}

// BuildRefund assembles the transaction recovering each party's
// post-fee balance after refund_timelock, spending the commit output
// directly (bypassing CET buckets entirely).
func BuildRefund(commitTx *wire.MsgTx, commitDesc *Descriptor, p BuildParams) (*wire.MsgTx, error) {
	makerAmt, takerAmt := LockAmounts(p.Payout)

	var weight TxWeightEstimator
	weight.AddCommitSpendInput().AddP2WPKHOutput().AddP2WPKHOutput()
	fee := cfdcore.Amount(int64(p.FeeRate) * weight.VSize())

	half := fee / 2

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: commitTx.TxHash(), Index: 0},
		Sequence:         0,
	})
	tx.LockTime = p.RefundTimelock

	tx.AddTxOut(wire.NewTxOut(int64(makerAmt-half), p.MakerAddressScript))
	tx.AddTxOut(wire.NewTxOut(int64(takerAmt-half), p.TakerAddressScript))

	return tx, nil
}

func cetSigHash(cetTx, commitTx *wire.MsgTx, commitDesc *Descriptor) ([]byte, error) {
	return CetSigHash(cetTx, commitTx, commitDesc)
}

// SigHash computes the witness signature hash spendingTx's sole input
// (index 0) must be signed against, given the descriptor and value of
// the output it spends. Every one of commit/CET/refund/settlement has
// exactly one input, so this single helper covers all four --
// the same reason verification takes a (tx, descriptor, spent amount)
// triple.
func SigHash(spendingTx *wire.MsgTx, spentDesc *Descriptor, spentAmount int64) ([]byte, error) {
	fetcher := txscript.NewCannedPrevOutputFetcher(spentDesc.PkScript, spentAmount)
	sigHashes := txscript.NewTxSigHashes(spendingTx, fetcher)
	return txscript.CalcWitnessSigHash(
		spentDesc.RedeemScript, sigHashes, txscript.SigHashAll, spendingTx, 0, spentAmount,
	)
}

// CetSigHash computes the witness signature hash a CET's single input
// (spending the commit output) must be signed against -- exported so
// cfdsig can verify a counterparty's adaptor signature on a CET
// without duplicating the sighash plumbing.
func CetSigHash(cetTx, commitTx *wire.MsgTx, commitDesc *Descriptor) ([]byte, error) {
	return SigHash(cetTx, commitDesc, commitTx.TxOut[0].Value)
}

// CommitSigHash computes the witness signature hash the commit
// transaction's single input (spending the lock output) must be
// signed against.
func CommitSigHash(commitTx, lockTx *wire.MsgTx, lockDesc *Descriptor) ([]byte, error) {
	return SigHash(commitTx, lockDesc, lockTx.TxOut[0].Value)
}

// RefundSigHash computes the witness signature hash the refund
// transaction's single input (spending the commit output via the
// cooperative branch) must be signed against.
func RefundSigHash(refundTx, commitTx *wire.MsgTx, commitDesc *Descriptor) ([]byte, error) {
	return SigHash(refundTx, commitDesc, commitTx.TxOut[0].Value)
}

func findLockOutput(lockTx *wire.MsgTx, pkScript []byte) (uint32, error) {
	for i, out := range lockTx.TxOut {
		if string(out.PkScript) == string(pkScript) {
			return uint32(i), nil
		}
	}
	return 0, fmt.Errorf("lock transaction has no output matching the lock descriptor")
}

func makerIdentityPk(p BuildParams) *btcec.PublicKey {
	return p.MakerParams.IdentityPk
}

func takerIdentityPk(p BuildParams) *btcec.PublicKey {
	return p.TakerParams.IdentityPk
}
