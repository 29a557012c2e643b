package adaptor

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// DigitsForInterval returns the nBits-bit binary representation of
// bucket, most significant bit first -- the digit decomposition each
// CET's adaptor signature is built against.
func DigitsForInterval(bucket, nBits int) []byte {
	digits := make([]byte, nBits)
	for i := 0; i < nBits; i++ {
		shift := nBits - 1 - i
		digits[i] = byte((bucket >> shift) & 1)
	}
	return digits
}

// digitMessageHash is the per-digit message an oracle signs: the digit
// index and its value, so identical bit values at different positions
// still produce distinct challenges.
func digitMessageHash(index int, digit byte) []byte {
	h := sha256.New()
	var idxBuf [4]byte
	binary.BigEndian.PutUint32(idxBuf[:], uint32(index))
	h.Write(idxBuf[:])
	h.Write([]byte{digit})
	sum := h.Sum(nil)
	return sum
}

// AttestationPoint computes the combined encryption point T for a
// digit-decomposed outcome: the sum, over each digit, of
// (nonce_i + H(i, digit_i)*oraclePk). This is the point CET adaptor
// signatures are encrypted to at setup time, and the point whose
// discrete log the oracle reveals (as a sum of per-digit scalars) at
// maturity — the same "tweak the nonce point by a hash-scaled pubkey
// multiple" step a single-digit Schnorr signature verification uses,
// applied once per digit and summed.
func AttestationPoint(oraclePk *secp256k1.PublicKey, nonces []*secp256k1.PublicKey, digits []byte) (*secp256k1.PublicKey, error) {
	if len(nonces) != len(digits) {
		return nil, fmt.Errorf("have %d nonces for %d digits", len(nonces), len(digits))
	}
	if len(digits) == 0 {
		return nil, fmt.Errorf("no digits to attest to")
	}

	var oraclePkJ secp256k1.JacobianPoint
	oraclePk.AsJacobian(&oraclePkJ)

	var sumJ secp256k1.JacobianPoint
	first := true

	for i, digit := range digits {
		e := new(secp256k1.ModNScalar)
		e.SetByteSlice(digitMessageHash(i, digit))

		var term secp256k1.JacobianPoint
		secp256k1.ScalarMultNonConst(e, &oraclePkJ, &term)

		var nonceJ secp256k1.JacobianPoint
		nonces[i].AsJacobian(&nonceJ)

		var combined secp256k1.JacobianPoint
		secp256k1.AddNonConst(&nonceJ, &term, &combined)

		if first {
			sumJ = combined
			first = false
			continue
		}
		var next secp256k1.JacobianPoint
		secp256k1.AddNonConst(&sumJ, &combined, &next)
		sumJ = next
	}

	sumJ.ToAffine()
	return secp256k1.NewPublicKey(&sumJ.X, &sumJ.Y), nil
}

// AttestationScalar folds the oracle's revealed per-digit scalars for
// an outcome into the single scalar t (with t*G == AttestationPoint's
// result for that outcome) that decrypts a CET's adaptor signature.
func AttestationScalar(scalars [][]byte) (*secp256k1.ModNScalar, error) {
	if len(scalars) == 0 {
		return nil, fmt.Errorf("no attestation scalars given")
	}

	total := new(secp256k1.ModNScalar)
	for _, raw := range scalars {
		var s secp256k1.ModNScalar
		overflow := s.SetByteSlice(raw)
		if overflow {
			return nil, fmt.Errorf("attestation scalar overflows the curve order")
		}
		total.Add(&s)
	}
	return total, nil
}

// AttestDigits is the oracle side of the scheme: given the oracle's
// own key and the per-digit nonce secrets it committed to in the
// announcement, it produces the per-digit scalars t_i = k_i +
// H(i, digit_i)*x_oracle whose sum decrypts the matching adaptor
// signature. The daemon never runs this (the oracle is an external
// collaborator); it exists for in-process test oracles.
func AttestDigits(oracleSk *secp256k1.PrivateKey, nonceSks []*secp256k1.PrivateKey, digits []byte) ([][]byte, error) {
	if len(nonceSks) < len(digits) {
		return nil, fmt.Errorf("have %d nonce secrets for %d digits", len(nonceSks), len(digits))
	}

	var oracleKey secp256k1.ModNScalar
	oracleKey.Set(&oracleSk.Key)

	scalars := make([][]byte, len(digits))
	for i, digit := range digits {
		var e secp256k1.ModNScalar
		e.SetByteSlice(digitMessageHash(i, digit))

		var k secp256k1.ModNScalar
		k.Set(&nonceSks[i].Key)

		ti := new(secp256k1.ModNScalar).Set(&e)
		ti.Mul(&oracleKey)
		ti.Add(&k)

		b := ti.Bytes()
		scalars[i] = b[:]
	}
	return scalars, nil
}

// BucketForPrice maps a settlement price into one of nPayouts buckets
// spanning [low, high), clamped to the valid range at the edges (a
// settlement at or beyond the liquidation bounds still resolves to the
// first/last bucket rather than erroring).
func BucketForPrice(low, high float64, nPayouts int, price float64) int {
	if price <= low {
		return 0
	}
	if price >= high {
		return nPayouts - 1
	}
	width := (high - low) / float64(nPayouts)
	bucket := int((price - low) / width)
	if bucket >= nPayouts {
		bucket = nPayouts - 1
	}
	return bucket
}
