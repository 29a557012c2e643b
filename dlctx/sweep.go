package dlctx

import (
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"

	"github.com/cfdnet/cfdd/cfdcore"
)

// SweepInput is one punishable output the punisher has detected: a
// stale commit's punish branch, ready to be swept before its CSV delay
// would otherwise let the cheating counterparty reclaim it.
type SweepInput struct {
	OutPoint   wire.OutPoint
	Value      cfdcore.Amount
	SignDesc   SignDescriptor
	WitnessGen WitnessType
}

// DefaultMaxInputsPerTx bounds how many punish outputs one sweep
// transaction batches together, mirroring lnd's
// sweep.DefaultMaxInputsPerTx.
const DefaultMaxInputsPerTx = 100

// witnessSizeUpperBound bounds the witness size for fee estimation,
// following lnd's getInputWitnessSizeUpperBound per-type table.
func witnessSizeUpperBound(wt WitnessType) int {
	switch wt {
	case CommitPunish, CommitDelayed:
		return CommitWitnessSize
	default:
		return MultiSigWitnessSize
	}
}

// PartitionSweepInputs sorts inputs by yield (value minus the fee their
// witness adds) and groups them into batches of up to maxInputsPerTx,
// dropping negative-yield inputs and stopping once a batch's total
// value would be below dust — the same construction as lnd's
// sweep.generateInputPartitionings, generalized from HTLC/commitment
// sweep types to punish-branch sweep types.
func PartitionSweepInputs(inputs []SweepInput, feeRate cfdcore.TxFeeRate, maxInputsPerTx int) [][]SweepInput {
	if maxInputsPerTx <= 0 {
		maxInputsPerTx = DefaultMaxInputsPerTx
	}

	// A batch whose post-fee value can't pay a non-dust P2WPKH output
	// isn't worth broadcasting.
	dustLimit := cfdcore.Amount(txrules.GetDustThreshold(P2WPKHOutputSize, txrules.DefaultRelayFeePerKb))

	yield := func(in SweepInput) int64 {
		size := witnessSizeUpperBound(in.WitnessGen)
		fee := int64(feeRate) * int64(size) / 4
		return int64(in.Value) - fee
	}

	sorted := append([]SweepInput(nil), inputs...)
	sort.Slice(sorted, func(i, j int) bool {
		return yield(sorted[i]) > yield(sorted[j])
	})

	var batches [][]SweepInput
	for len(sorted) > 0 {
		var weight TxWeightEstimator
		weight.AddP2WPKHOutput()

		var batch []SweepInput
		var total cfdcore.Amount

		for _, in := range sorted {
			if len(batch) >= maxInputsPerTx {
				break
			}
			if yield(in) <= 0 {
				break
			}

			weight.AddCommitSpendInput()
			fee := cfdcore.Amount(int64(feeRate) * weight.VSize())
			newTotal := total + in.Value

			if newTotal <= fee {
				break
			}

			batch = append(batch, in)
			total = newTotal - fee
		}

		if len(batch) == 0 {
			break
		}
		if total < dustLimit {
			break
		}

		batches = append(batches, batch)
		sorted = sorted[len(batch):]
	}

	return batches
}

// BuildSweepTx assembles and weight-estimates a transaction spending
// every input in the batch to a single destination script, following
// lnd's createSweepTx shape (single output, CSV sequence per
// input, witness attached per input's generator).
func BuildSweepTx(batch []SweepInput, destScript []byte, feeRate cfdcore.TxFeeRate, currentHeight uint32) (*wire.MsgTx, error) {
	if len(batch) == 0 {
		return nil, fmt.Errorf("cannot build a sweep tx with no inputs")
	}

	var weight TxWeightEstimator
	weight.AddP2WPKHOutput()
	for range batch {
		weight.AddCommitSpendInput()
	}
	fee := cfdcore.Amount(int64(feeRate) * weight.VSize())

	var total cfdcore.Amount
	for _, in := range batch {
		total += in.Value
	}
	if total <= fee {
		return nil, fmt.Errorf("sweep batch value %v does not cover estimated fee %v", total, fee)
	}

	tx := wire.NewMsgTx(2)
	tx.LockTime = currentHeight
	for _, in := range batch {
		tx.AddTxIn(&wire.TxIn{PreviousOutPoint: in.OutPoint, Sequence: wire.MaxTxInSequenceNum - 1})
	}
	tx.AddTxOut(wire.NewTxOut(int64(total-fee), destScript))

	for i, in := range batch {
		genWitness := in.WitnessGen.GenWitnessFunc(in.SignDesc)
		witness, err := genWitness(tx, i)
		if err != nil {
			return nil, fmt.Errorf("generating witness for input %d: %w", i, err)
		}
		tx.TxIn[i].Witness = witness
	}

	return tx, nil
}
