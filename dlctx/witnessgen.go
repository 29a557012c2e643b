package dlctx

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// WitnessType determines which branch of a commit descriptor an input
// spends, the same abstraction lnd's lnwallet.WitnessType gives
// commitment-output spends.
type WitnessType uint16

const (
	// CommitCooperative spends the immediate 2-of-2 branch.
	CommitCooperative WitnessType = iota
	// CommitPunish spends the "I hold the publish key and the
	// counterparty's revealed revocation key" branch, sweeping a stale
	// commit before its CSV delay matures.
	CommitPunish
	// CommitDelayed spends the CSV-delayed cooperative branch after the
	// timelock matures, with no revoked secret in play.
	CommitDelayed
)

// SignDescriptor carries what BuildWitness needs to produce a witness
// stack for one input: the key(s) to sign with and the script being
// spent.
type SignDescriptor struct {
	Descriptor   *Descriptor
	InputAmount  int64
	HashType     txscript.SigHashType
	OwnPublishSk *secp256k1.PrivateKey
	CounterpartyRevocationSk *secp256k1.PrivateKey
}

// WitnessGenerator produces the final witness for a commit-descriptor
// spend, hiding the branch-selection details behind WitnessType, the
// same role lnd's WitnessGenerator func type plays for
// commitment outputs.
type WitnessGenerator func(tx *wire.MsgTx, inputIndex int) (wire.TxWitness, error)

// GenWitnessFunc returns the WitnessGenerator for this spend type,
// following lnd's GenWitnessFunc dispatch-by-type switch.
func (wt WitnessType) GenWitnessFunc(desc SignDescriptor) WitnessGenerator {
	switch wt {
	case CommitPunish:
		return func(tx *wire.MsgTx, inputIndex int) (wire.TxWitness, error) {
			return spendPunishBranch(tx, inputIndex, desc)
		}
	case CommitDelayed:
		return func(tx *wire.MsgTx, inputIndex int) (wire.TxWitness, error) {
			return spendDelayedBranch(tx, inputIndex, desc)
		}
	default:
		return func(tx *wire.MsgTx, inputIndex int) (wire.TxWitness, error) {
			return nil, fmt.Errorf("unsupported witness type: %v", wt)
		}
	}
}

func spendPunishBranch(tx *wire.MsgTx, inputIndex int, desc SignDescriptor) (wire.TxWitness, error) {
	fetcher := txscript.NewCannedPrevOutputFetcher(desc.Descriptor.PkScript, desc.InputAmount)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	hash, err := txscript.CalcWitnessSigHash(
		desc.Descriptor.RedeemScript, sigHashes, desc.HashType, tx, inputIndex, desc.InputAmount,
	)
	if err != nil {
		return nil, err
	}

	sig := ecdsa.Sign(desc.OwnPublishSk, hash)
	sigBytes := append(sig.Serialize(), byte(desc.HashType))
	revSig := ecdsa.Sign(desc.CounterpartyRevocationSk, hash)
	revSigBytes := append(revSig.Serialize(), byte(desc.HashType))

	// OP_IF <sig> OP_IF selects: cooperative-multisig-or-punish branch
	// (outer 0 = else), then inner 1 = punish branch.
	return wire.TxWitness{
		revSigBytes, // checked by OP_CHECKSIG against the revocation key
		sigBytes,    // checked first, by OP_CHECKSIGVERIFY against the publish key
		[]byte{1}, // select inner punish branch
		[]byte{},  // select outer else branch
		desc.Descriptor.RedeemScript,
	}, nil
}

func spendDelayedBranch(tx *wire.MsgTx, inputIndex int, desc SignDescriptor) (wire.TxWitness, error) {
	fetcher := txscript.NewCannedPrevOutputFetcher(desc.Descriptor.PkScript, desc.InputAmount)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	hash, err := txscript.CalcWitnessSigHash(
		desc.Descriptor.RedeemScript, sigHashes, desc.HashType, tx, inputIndex, desc.InputAmount,
	)
	if err != nil {
		return nil, err
	}

	sig := ecdsa.Sign(desc.OwnPublishSk, hash)
	sigBytes := append(sig.Serialize(), byte(desc.HashType))

	return wire.TxWitness{
		sigBytes,
		[]byte{},  // select inner else: delayed branch
		[]byte{},  // select outer else branch
		desc.Descriptor.RedeemScript,
	}, nil
}
