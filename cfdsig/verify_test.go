package cfdsig_test

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/require"

	"github.com/cfdnet/cfdd/adaptor"
	"github.com/cfdnet/cfdd/cfdcore"
	"github.com/cfdnet/cfdd/cfdsig"
	"github.com/cfdnet/cfdd/dlctx"
)

func mustPrivKey(t *testing.T) *secp256k1.PrivateKey {
	t.Helper()
	sk, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	return sk
}

func buildParams(t *testing.T) dlctx.BuildParams {
	t.Helper()

	makerIdentity := mustPrivKey(t)
	takerIdentity := mustPrivKey(t)
	makerPunish := cfdcore.PunishSecrets{RevocationSk: mustPrivKey(t), PublishSk: mustPrivKey(t)}
	takerPunish := cfdcore.PunishSecrets{RevocationSk: mustPrivKey(t), PublishSk: mustPrivKey(t)}
	oracleSk := mustPrivKey(t)

	const nBits = 3
	noncePks := make([]*btcec.PublicKey, nBits)
	for i := range noncePks {
		noncePks[i] = mustPrivKey(t).PubKey()
	}

	makerScript, err := dlctx.CetOutputScript(makerIdentity.PubKey())
	require.NoError(t, err)
	takerScript, err := dlctx.CetOutputScript(takerIdentity.PubKey())
	require.NoError(t, err)

	return dlctx.BuildParams{
		MakerParams: cfdcore.PartyParams{
			LockAmount: 500_000,
			IdentityPk: makerIdentity.PubKey(),
			FundingInputs: []cfdcore.FundingInput{
				{OutPoint: wire.OutPoint{Index: 0}, Value: 500_000},
			},
		},
		TakerParams: cfdcore.PartyParams{
			LockAmount: 500_000,
			IdentityPk: takerIdentity.PubKey(),
			FundingInputs: []cfdcore.FundingInput{
				{OutPoint: wire.OutPoint{Index: 1}, Value: 500_000},
			},
		},
		MakerPunish:     makerPunish.Params(),
		TakerPunish:     takerPunish.Params(),
		OwnRole:         cfdcore.Maker,
		OwnIdentitySk:   makerIdentity,
		OwnRevocationSk: makerPunish.RevocationSk,
		OwnPublishSk:    makerPunish.PublishSk,
		Oracle:          oracleSk.PubKey(),
		Announcement:    cfdcore.Announcement{NoncePks: noncePks},
		Payout: dlctx.PayoutCurveParams{
			Position:      cfdcore.Long,
			Price:         cfdcore.NewPrice(20000),
			Quantity:      cfdcore.NewUsd(1000),
			LongLeverage:  2,
			ShortLeverage: 2,
			NPayouts:      4,
		},
		FeeRate:            1,
		RefundTimelock:     600_000,
		MakerAddressScript: makerScript,
		TakerAddressScript: takerScript,
	}
}

// TestVerifyCetsAcceptsGenuineSignatures exercises C2's verify_cets
// against a full set of CETs built the way contract setup actually
// builds them, confirming every adaptor signature verifies against its
// own bucket's oracle attestation point under the signer's identity
// key -- the property a completed setup stands on.
func TestVerifyCetsAcceptsGenuineSignatures(t *testing.T) {
	p := buildParams(t)

	lockTx, lockDesc, err := dlctx.BuildLock(p)
	require.NoError(t, err)
	commitTx, commitDesc, err := dlctx.BuildCommit(lockTx, lockDesc, p)
	require.NoError(t, err)
	cets, err := dlctx.BuildCets(commitTx, commitDesc, p)
	require.NoError(t, err)

	sigs := make([]cfdsig.CetSig, len(cets))
	for i, c := range cets {
		sigs[i] = cfdsig.CetSig{Tx: c.Tx, PriceRange: c.PriceRange, NBits: c.NBits, AdaptorSig: c.AdaptorSig}
	}

	err = cfdsig.VerifyCets(
		p.Oracle, p.Announcement.NoncePks, p.OwnIdentitySk.PubKey(),
		commitTx, commitDesc, commitTx.TxOut[0].Value, sigs,
	)
	require.NoError(t, err)
}

// TestVerifyCetsRejectsWrongSigner confirms verify_cets is checking
// against the signer it was told to, not just that some valid adaptor
// signature exists for the bucket.
func TestVerifyCetsRejectsWrongSigner(t *testing.T) {
	p := buildParams(t)

	lockTx, lockDesc, err := dlctx.BuildLock(p)
	require.NoError(t, err)
	commitTx, commitDesc, err := dlctx.BuildCommit(lockTx, lockDesc, p)
	require.NoError(t, err)
	cets, err := dlctx.BuildCets(commitTx, commitDesc, p)
	require.NoError(t, err)

	sigs := []cfdsig.CetSig{{Tx: cets[0].Tx, PriceRange: cets[0].PriceRange, NBits: cets[0].NBits, AdaptorSig: cets[0].AdaptorSig}}

	wrongSigner := mustPrivKey(t).PubKey()
	err = cfdsig.VerifyCets(p.Oracle, p.Announcement.NoncePks, wrongSigner, commitTx, commitDesc, commitTx.TxOut[0].Value, sigs)
	require.Error(t, err)
}

// TestVerifySignatureRoundTrip exercises verify_signature's ordinary
// (non-adaptor) ECDSA path using the refund transaction, which (like
// the commit transaction) is never adaptor-signed.
func TestVerifySignatureRoundTrip(t *testing.T) {
	p := buildParams(t)

	lockTx, lockDesc, err := dlctx.BuildLock(p)
	require.NoError(t, err)
	commitTx, commitDesc, err := dlctx.BuildCommit(lockTx, lockDesc, p)
	require.NoError(t, err)
	refundTx, err := dlctx.BuildRefund(commitTx, commitDesc, p)
	require.NoError(t, err)

	sigHash, err := dlctx.RefundSigHash(refundTx, commitTx, commitDesc)
	require.NoError(t, err)

	sig := ecdsaSignDER(p.OwnIdentitySk, sigHash)

	err = cfdsig.VerifySignature(refundTx, commitDesc, commitTx.TxOut[0].Value, sig, p.OwnIdentitySk.PubKey())
	require.NoError(t, err)

	tampered := append([]byte{}, sig...)
	tampered[len(tampered)-1] ^= 0xff
	err = cfdsig.VerifySignature(refundTx, commitDesc, commitTx.TxOut[0].Value, tampered, p.OwnIdentitySk.PubKey())
	require.Error(t, err)
}

// TestVerifyAdaptorSignatureRoundTrip exercises verify_adaptor_signature
// directly against one CET, independent of the VerifyCets loop.
func TestVerifyAdaptorSignatureRoundTrip(t *testing.T) {
	p := buildParams(t)

	lockTx, lockDesc, err := dlctx.BuildLock(p)
	require.NoError(t, err)
	commitTx, commitDesc, err := dlctx.BuildCommit(lockTx, lockDesc, p)
	require.NoError(t, err)
	cets, err := dlctx.BuildCets(commitTx, commitDesc, p)
	require.NoError(t, err)

	cet := cets[0]
	digits := adaptor.DigitsForInterval(0, cet.NBits)
	attestPoint, err := adaptor.AttestationPoint(p.Oracle, p.Announcement.NoncePks[:len(digits)], digits)
	require.NoError(t, err)

	err = cfdsig.VerifyAdaptorSignature(cet.Tx, commitDesc, commitTx.TxOut[0].Value, cet.AdaptorSig, attestPoint, p.OwnIdentitySk.PubKey())
	require.NoError(t, err)
}

func TestVerifyPartyParamsMismatch(t *testing.T) {
	counterparty := cfdcore.PartyParams{LockAmount: 500_000}
	require.NoError(t, cfdsig.VerifyPartyParams(counterparty, 500_000))
	require.Error(t, cfdsig.VerifyPartyParams(counterparty, 400_000))
}

func ecdsaSignDER(sk *secp256k1.PrivateKey, sigHash []byte) []byte {
	return ecdsa.Sign(sk, sigHash).Serialize()
}
