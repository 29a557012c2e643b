package adaptor

import (
	"crypto/sha256"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/require"
)

func mustPrivKey(t *testing.T) *secp256k1.PrivateKey {
	t.Helper()
	sk, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	return sk
}

// TestCreateVerifyRoundTrip checks that a freshly created presignature
// verifies as an adaptor signature under the same adaptor point,
// before anyone has decrypted it -- the property VerifyCets relies on
// at setup time, before any oracle attestation exists.
func TestCreateVerifyRoundTrip(t *testing.T) {
	signerSk := mustPrivKey(t)
	adaptorSk := mustPrivKey(t)
	adaptorPoint := adaptorSk.PubKey()

	msgHash := sha256.Sum256([]byte("commit tx sighash"))

	sig, err := Create(signerSk, msgHash[:], adaptorPoint)
	require.NoError(t, err)

	require.True(t, Verify(sig, signerSk.PubKey(), msgHash[:], adaptorPoint))

	otherMsgHash := sha256.Sum256([]byte("a different sighash"))
	require.False(t, Verify(sig, signerSk.PubKey(), otherMsgHash[:], adaptorPoint))

	wrongPoint := mustPrivKey(t).PubKey()
	require.False(t, Verify(sig, signerSk.PubKey(), msgHash[:], wrongPoint))
}

// TestDecryptVerifyDecryptedRoundTrip checks the full lifecycle a CET
// goes through: presigned at setup time, then decrypted once the
// counterparty's oracle attestation scalar is known, producing an
// ordinary signature that verifies independent of the adaptor
// machinery.
func TestDecryptVerifyDecryptedRoundTrip(t *testing.T) {
	signerSk := mustPrivKey(t)
	tSk := mustPrivKey(t) // stand-in for the oracle's revealed attestation scalar
	adaptorPoint := tSk.PubKey()

	msgHash := sha256.Sum256([]byte("cet sighash"))

	sig, err := Create(signerSk, msgHash[:], adaptorPoint)
	require.NoError(t, err)
	require.True(t, Verify(sig, signerSk.PubKey(), msgHash[:], adaptorPoint))

	var t1 secp256k1.ModNScalar
	t1.Set(&tSk.Key)

	decrypted := Decrypt(sig, &t1)
	require.True(t, VerifyDecrypted(decrypted, signerSk.PubKey(), msgHash[:]))

	// A wrong scalar must not produce a valid ordinary signature.
	var wrongScalar secp256k1.ModNScalar
	wrongScalar.Set(&mustPrivKey(t).Key)
	badDecrypted := Decrypt(sig, &wrongScalar)
	require.False(t, VerifyDecrypted(badDecrypted, signerSk.PubKey(), msgHash[:]))
}

// TestAttestationPointMatchesRevealedScalars builds a small digit-
// decomposed oracle attestation by hand, the way an oracle actually
// produces one: for every digit i the oracle publishes a nonce point
// R_i = k_i*G ahead of time, then at maturity reveals t_i = k_i +
// H(i, digit_i)*x_oracle. AttestationPoint (computed from the public
// nonces and digits alone) must equal the sum of the t_i*G the oracle
// can only produce once it reveals the scalars, and AttestationScalar
// must fold those revealed scalars back into the same total -- this is
// the invariant VerifyCets and Decrypt/Settle depend on at maturity.
func TestAttestationPointMatchesRevealedScalars(t *testing.T) {
	oracleSk := mustPrivKey(t)
	oraclePk := oracleSk.PubKey()

	const nBits = 4
	digits := DigitsForInterval(9, nBits) // 1001

	nonceSks := make([]*secp256k1.PrivateKey, nBits)
	noncePks := make([]*secp256k1.PublicKey, nBits)
	for i := 0; i < nBits; i++ {
		nonceSks[i] = mustPrivKey(t)
		noncePks[i] = nonceSks[i].PubKey()
	}

	point, err := AttestationPoint(oraclePk, noncePks, digits)
	require.NoError(t, err)

	var oracleKey secp256k1.ModNScalar
	oracleKey.Set(&oracleSk.Key)

	scalars := make([][]byte, nBits)
	for i, digit := range digits {
		var e secp256k1.ModNScalar
		e.SetByteSlice(digitMessageHash(i, digit))

		var k secp256k1.ModNScalar
		k.Set(&nonceSks[i].Key)

		// t_i = k_i + e_i*x_oracle
		ti := new(secp256k1.ModNScalar).Set(&e)
		ti.Mul(&oracleKey)
		ti.Add(&k)

		b := ti.Bytes()
		scalars[i] = b[:]
	}

	total, err := AttestationScalar(scalars)
	require.NoError(t, err)

	var totalJ secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(total, &totalJ)
	totalJ.ToAffine()
	totalPoint := secp256k1.NewPublicKey(&totalJ.X, &totalJ.Y)

	require.True(t, point.IsEqual(totalPoint))

	// The same scalar must also decrypt a signature encrypted to this
	// attestation point, end to end.
	signerSk := mustPrivKey(t)
	msgHash := sha256.Sum256([]byte("cet sighash for bucket 9"))

	sig, err := Create(signerSk, msgHash[:], point)
	require.NoError(t, err)

	decrypted := Decrypt(sig, total)
	require.True(t, VerifyDecrypted(decrypted, signerSk.PubKey(), msgHash[:]))
}

func TestDigitsForInterval(t *testing.T) {
	require.Equal(t, []byte{1, 0, 0, 1}, DigitsForInterval(9, 4))
	require.Equal(t, []byte{0, 0, 0, 0}, DigitsForInterval(0, 4))
	require.Equal(t, []byte{1, 1, 1, 1}, DigitsForInterval(15, 4))
	require.Equal(t, []byte{0, 1, 0, 1}, DigitsForInterval(5, 4))
}

func TestAttestationPointRejectsMismatchedLengths(t *testing.T) {
	oraclePk := mustPrivKey(t).PubKey()
	_, err := AttestationPoint(oraclePk, []*secp256k1.PublicKey{mustPrivKey(t).PubKey()}, []byte{0, 1})
	require.Error(t, err)

	_, err = AttestationPoint(oraclePk, nil, nil)
	require.Error(t, err)
}

func TestBucketForPrice(t *testing.T) {
	require.Equal(t, 0, BucketForPrice(10_000, 50_000, 4, 1_000))
	require.Equal(t, 3, BucketForPrice(10_000, 50_000, 4, 1_000_000))
	require.Equal(t, 1, BucketForPrice(10_000, 50_000, 4, 20_000))
	require.Equal(t, 2, BucketForPrice(10_000, 50_000, 4, 35_000))
}
