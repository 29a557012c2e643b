// Package dlctx builds the lock, commit, CET and refund transactions
// and their script descriptors. Every
// function here is pure and deterministic: given the same party and
// punish parameters it always produces the same bytes.
package dlctx

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Descriptor pairs a redeem/witness script with its P2WSH output
// script, the shape every multisig- or branch-script output in this
// package is built as.
type Descriptor struct {
	RedeemScript []byte
	PkScript     []byte
}

func witnessScriptHash(redeemScript []byte) ([]byte, error) {
	bldr := txscript.NewScriptBuilder()
	bldr.AddOp(txscript.OP_0)
	scriptHash := sha256.Sum256(redeemScript)
	bldr.AddData(scriptHash[:])
	return bldr.Script()
}

// sortedPubkeys returns the two compressed pubkeys in a fixed order,
// the lexicographically greater key first, so that both parties
// independently derive byte-identical scripts.
func sortedPubkeys(a, b *btcec.PublicKey) (lo, hi []byte) {
	aBytes, bBytes := a.SerializeCompressed(), b.SerializeCompressed()
	if bytes.Compare(aBytes, bBytes) == -1 {
		return bBytes, aBytes
	}
	return aBytes, bBytes
}

// LockDescriptor builds the 2-of-2 multisig descriptor that
// collateralises the position: `OP_2 <pk1> <pk2> OP_2 OP_CHECKMULTISIG`
// wrapped in a P2WSH output, generalized from lnd's
// genMultiSigScript/genFundingPkScript funding-output construction.
func LockDescriptor(makerPk, takerPk *btcec.PublicKey) (*Descriptor, error) {
	lo, hi := sortedPubkeys(makerPk, takerPk)

	bldr := txscript.NewScriptBuilder()
	bldr.AddOp(txscript.OP_2)
	bldr.AddData(lo)
	bldr.AddData(hi)
	bldr.AddOp(txscript.OP_2)
	bldr.AddOp(txscript.OP_CHECKMULTISIG)
	redeemScript, err := bldr.Script()
	if err != nil {
		return nil, err
	}

	pkScript, err := witnessScriptHash(redeemScript)
	if err != nil {
		return nil, err
	}

	return &Descriptor{RedeemScript: redeemScript, PkScript: pkScript}, nil
}

// SpendLockWitness assembles the witness stack that spends a
// LockDescriptor output given both parties' DER signatures, following
// lnd's spendMultiSig (null dummy element, signatures ordered
// to match the sorted pubkeys, redeem script last).
func SpendLockWitness(desc *Descriptor, makerPk, takerPk *btcec.PublicKey, makerSig, takerSig []byte) wire.TxWitness {
	makerBytes, takerBytes := makerPk.SerializeCompressed(), takerPk.SerializeCompressed()

	witness := make(wire.TxWitness, 4)
	witness[0] = nil
	if bytes.Compare(makerBytes, takerBytes) == -1 {
		witness[1] = takerSig
		witness[2] = makerSig
	} else {
		witness[1] = makerSig
		witness[2] = takerSig
	}
	witness[3] = desc.RedeemScript
	return witness
}

// CommitDescriptor builds the punish-enabled branching script the
// commit transaction pays to:
//
//	OP_IF
//	    2 <maker_identity> <taker_identity> 2 OP_CHECKMULTISIG
//	OP_ELSE
//	    OP_IF
//	        <taker_publish> OP_CHECKSIGVERIFY <maker_revocation> OP_CHECKSIG
//	    OP_ELSE
//	        <csv_timelock> OP_CHECKSEQUENCEVERIFY OP_DROP
//	        2 <maker_identity> <taker_identity> 2 OP_CHECKMULTISIG
//	    OP_ENDIF
//	OP_ENDIF
//
// the same "immediate cooperative path OR punish-after-publish OR
// delayed cooperative path" shape as lnd's commitScriptToSelf,
// generalized to a 2-of-2 cooperative branch instead of a single owner
// key, and doubled implicitly: CommitDescriptor is called once per
// party, each keyed to that party's own publish/revocation pair so the
// *counterparty* can punish *this* party's stale broadcast.
func CommitDescriptor(makerIdentity, takerIdentity *btcec.PublicKey,
	publishPk, counterpartyRevocationPk *btcec.PublicKey, csvTimelock uint32) (*Descriptor, error) {

	cooperative, err := cooperativeMultisig(makerIdentity, takerIdentity)
	if err != nil {
		return nil, err
	}

	bldr := txscript.NewScriptBuilder()
	bldr.AddOp(txscript.OP_IF)
	bldr.AddOps(cooperative)
	bldr.AddOp(txscript.OP_ELSE)
	bldr.AddOp(txscript.OP_IF)
	bldr.AddData(publishPk.SerializeCompressed())
	bldr.AddOp(txscript.OP_CHECKSIGVERIFY)
	bldr.AddData(counterpartyRevocationPk.SerializeCompressed())
	bldr.AddOp(txscript.OP_CHECKSIG)
	bldr.AddOp(txscript.OP_ELSE)
	bldr.AddInt64(int64(csvTimelock))
	bldr.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
	bldr.AddOp(txscript.OP_DROP)
	bldr.AddOps(cooperative)
	bldr.AddOp(txscript.OP_ENDIF)
	bldr.AddOp(txscript.OP_ENDIF)

	redeemScript, err := bldr.Script()
	if err != nil {
		return nil, err
	}

	pkScript, err := witnessScriptHash(redeemScript)
	if err != nil {
		return nil, err
	}

	return &Descriptor{RedeemScript: redeemScript, PkScript: pkScript}, nil
}

// cooperativeMultisig returns the raw opcodes for a sorted 2-of-2
// CHECKMULTISIG without wrapping them in a builder/script pair, so
// CommitDescriptor can splice it into each IF branch.
func cooperativeMultisig(a, b *btcec.PublicKey) ([]byte, error) {
	lo, hi := sortedPubkeys(a, b)
	bldr := txscript.NewScriptBuilder()
	bldr.AddOp(txscript.OP_2)
	bldr.AddData(lo)
	bldr.AddData(hi)
	bldr.AddOp(txscript.OP_2)
	bldr.AddOp(txscript.OP_CHECKMULTISIG)
	return bldr.Script()
}

// CetOutputScript returns the output script of one payout branch of a CET: pay
// to the winning party's identity key, with no punish branch (CETs are
// terminal, their outputs are plain P2WPKH-equivalent payouts).
func CetOutputScript(destinationPk *btcec.PublicKey) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(btcutil.Hash160(destinationPk.SerializeCompressed())).
		Script()
}

var errAmountTooSmall = fmt.Errorf("amount must be positive")
