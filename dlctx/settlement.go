package dlctx

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"

	"github.com/cfdnet/cfdd/cfdcore"
)

// Settlement is a collaborative close spending the lock output directly
// to the two proposed outputs, skipping the commit/CET
// path entirely. Unlike Commit/Refund, its amounts are negotiated fresh
// per proposal rather than derived from the payout curve, so it carries
// no descriptor of its own -- it spends the same lock descriptor every
// other close path does.
type Settlement struct {
	Tx *wire.MsgTx
}

// BuildSettlementTx assembles the unsigned transaction spending lockTx's
// lock output to makerAmount/takerAmount, minus an estimated fee split
// proportionally between the two outputs the same way BuildCets splits
// its CET fee.
func BuildSettlementTx(
	lockTx *wire.MsgTx,
	lockDesc *Descriptor,
	makerAmount, takerAmount cfdcore.Amount,
	makerAddressScript, takerAddressScript []byte,
	feeRate cfdcore.TxFeeRate,
) (*wire.MsgTx, error) {
	lockOutIdx, err := findLockOutput(lockTx, lockDesc.PkScript)
	if err != nil {
		return nil, err
	}

	var weight TxWeightEstimator
	weight.AddP2WSHInput().AddP2WPKHOutput().AddP2WPKHOutput()
	fee := cfdcore.Amount(int64(feeRate) * weight.VSize())

	total := makerAmount + takerAmount
	if total == 0 {
		return nil, fmt.Errorf("settlement outputs sum to zero")
	}
	makerFee := cfdcore.Amount(int64(fee) * int64(makerAmount) / int64(total))
	takerFee := fee - makerFee

	if makerAmount <= makerFee || takerAmount <= takerFee {
		return nil, fmt.Errorf("settlement amounts %d/%d too small to cover fee %d", makerAmount, takerAmount, fee)
	}

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: lockTx.TxHash(), Index: lockOutIdx},
	})
	tx.AddTxOut(wire.NewTxOut(int64(makerAmount-makerFee), makerAddressScript))
	tx.AddTxOut(wire.NewTxOut(int64(takerAmount-takerFee), takerAddressScript))

	return tx, nil
}

// SettlementSigHash computes the witness sighash the settlement
// transaction's sole input (spending the lock output) must be signed
// against.
func SettlementSigHash(settlementTx, lockTx *wire.MsgTx, lockDesc *Descriptor) ([]byte, error) {
	return SigHash(settlementTx, lockDesc, lockTx.TxOut[0].Value)
}

// FinalizeSettlement attaches the 2-of-2 witness once both signatures
// are in hand, the same "both sigs known, assemble the witness" step
// BuildLock's counterpart on the setup side performs via mergeLockPsbt,
// except the settlement tx was never put on a PSBT in the first place
//.
func FinalizeSettlement(tx *wire.MsgTx, lockDesc *Descriptor, makerPk, takerPk *btcec.PublicKey, makerSig, takerSig []byte) {
	tx.TxIn[0].Witness = SpendLockWitness(lockDesc, makerPk, takerPk, makerSig, takerSig)
}

// SettlementSplit computes each side's settlement-tx output at an exact
// settlement price, the single-price counterpart of CalculatePayouts'
// bucketed curve: same margin/value formulas, evaluated once instead of
// swept across NPayouts buckets, used by the maker to verify a taker's
// proposed outputs against its own quote.
func SettlementSplit(p PayoutCurveParams, settlePrice cfdcore.Price) (makerAmount, takerAmount cfdcore.Amount) {
	longMargin := marginSats(p.Quantity, p.Price, p.LongLeverage)
	shortMargin := marginSats(p.Quantity, p.Price, p.ShortLeverage)
	total := longMargin + shortMargin

	feeAdjustedLongMargin := longMargin
	if p.Position == cfdcore.Long {
		feeAdjustedLongMargin = cfdcore.Amount(int64(longMargin) + int64(p.SettledFeeBalance))
	} else {
		feeAdjustedLongMargin = cfdcore.Amount(int64(longMargin) - int64(p.SettledFeeBalance))
	}

	longValue := longValueSats(p.Quantity, p.Price, settlePrice, feeAdjustedLongMargin, total)
	shortValue := total - longValue

	if p.Position == cfdcore.Long {
		return shortValue, longValue
	}
	return longValue, shortValue
}
