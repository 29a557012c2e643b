// Package cfdsig implements signature verification: the three
// operations every protocol engine calls
// before trusting a counterparty-supplied signature. A verification
// failure here is always fatal to the enclosing protocol step, never
// retried or downgraded to a warning.
package cfdsig

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/wire"

	"github.com/cfdnet/cfdd/adaptor"
	"github.com/cfdnet/cfdd/cfdcore"
	"github.com/cfdnet/cfdd/dlctx"
)

// VerifyAdaptorSignature implements
// `verify_adaptor_signature(tx, spending_descriptor, spent_amount,
// sig, adaptor_point, signer_pk)`.
func VerifyAdaptorSignature(
	tx *wire.MsgTx,
	spendingDescriptor *dlctx.Descriptor,
	spentAmount int64,
	sig *adaptor.Signature,
	adaptorPoint *btcec.PublicKey,
	signerPk *btcec.PublicKey,
) error {
	sigHash, err := dlctx.SigHash(tx, spendingDescriptor, spentAmount)
	if err != nil {
		return fmt.Errorf("computing sighash: %w", err)
	}

	if !adaptor.Verify(sig, signerPk, sigHash, adaptorPoint) {
		return fmt.Errorf("adaptor signature does not verify for tx %s", tx.TxHash())
	}
	return nil
}

// VerifySignature implements `verify_signature(tx, descriptor,
// spent_amount, sig, signer_pk)`: ordinary DER-encoded ECDSA
// verification over the same witness sighash the builder signed.
func VerifySignature(
	tx *wire.MsgTx,
	descriptor *dlctx.Descriptor,
	spentAmount int64,
	sig []byte,
	signerPk *btcec.PublicKey,
) error {
	sigHash, err := dlctx.SigHash(tx, descriptor, spentAmount)
	if err != nil {
		return fmt.Errorf("computing sighash: %w", err)
	}

	parsed, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return fmt.Errorf("parsing signature: %w", err)
	}

	if !parsed.Verify(sigHash, signerPk) {
		return fmt.Errorf("signature does not verify for tx %s", tx.TxHash())
	}
	return nil
}

// CetSig pairs one counterparty adaptor signature with the payout
// interval and digit precision it was produced against, the unit
// verify_cets iterates over.
type CetSig struct {
	Tx         *wire.MsgTx
	PriceRange dlctx.PayoutInterval
	NBits      int
	AdaptorSig *adaptor.Signature
}

// VerifyCets implements `verify_cets((oracle_pk, nonce_pks),
// counterparty_party_params, own_cets, counterparty_cet_sigs,
// commit_descriptor, commit_amount)`: for every (range, adaptor sig)
// pair, recomputes the attestation point the bucket's digit
// decomposition corresponds to and verifies the adaptor signature
// against it, under the counterparty's identity key.
func VerifyCets(
	oraclePk *btcec.PublicKey,
	noncePks []*btcec.PublicKey,
	counterpartyIdentityPk *btcec.PublicKey,
	commitTx *wire.MsgTx,
	commitDescriptor *dlctx.Descriptor,
	commitAmount int64,
	sigs []CetSig,
) error {
	for i, s := range sigs {
		digits := adaptor.DigitsForInterval(i, s.NBits)
		if len(digits) > len(noncePks) {
			return fmt.Errorf("cet %d: need %d nonces, announcement has %d", i, len(digits), len(noncePks))
		}

		attestPoint, err := adaptor.AttestationPoint(oraclePk, noncePks[:len(digits)], digits)
		if err != nil {
			return fmt.Errorf("cet %d: computing attestation point: %w", i, err)
		}

		sigHash, err := dlctx.CetSigHash(s.Tx, commitTx, commitDescriptor)
		if err != nil {
			return fmt.Errorf("cet %d: computing sighash: %w", i, err)
		}

		if !adaptor.Verify(s.AdaptorSig, counterpartyIdentityPk, sigHash, attestPoint) {
			return fmt.Errorf("cet %d: adaptor signature does not verify", i)
		}
	}

	return nil
}

// VerifyPartyParams checks that the counterparty's declared lock
// amount matches the margin the order negotiated; a mismatch is fatal
// to the setup run.
func VerifyPartyParams(counterparty cfdcore.PartyParams, expectedMargin cfdcore.Amount) error {
	if counterparty.LockAmount != expectedMargin {
		return fmt.Errorf("counterparty lock amount %d does not match negotiated margin %d",
			counterparty.LockAmount, expectedMargin)
	}
	return nil
}
