// Package adaptor implements adaptor-signature creation, decryption
// and verification, and the oracle-attestation point arithmetic CET
// construction is built against.
//
// The scheme is the standard linear Schnorr adaptor-signature
// construction: a signer presigns under a tweaked nonce R' = R + T,
// where T is the oracle's announced attestation point for one outcome.
// The presignature only becomes a valid signature once the oracle
// reveals the scalar t with T = t*G, at which point s = s' + t. This is
// the same homomorphic point/scalar addition lnd's
// deriveRevocationPubkey/deriveRevocationPrivKey use to turn a
// commitment point into a revocation key
// (lnwallet/script_utils.go), generalized from "revocation preimage"
// to "oracle attestation scalar".
package adaptor

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Signature is a presigned ("encrypted") Schnorr signature: valid only
// once decrypted with the attestation scalar for the outcome it was
// built against.
type Signature struct {
	R *secp256k1.PublicKey
	S *secp256k1.ModNScalar
}

// Decrypted is an ordinary, broadcastable Schnorr-style signature,
// produced by folding an attestation scalar into a Signature.
type Decrypted struct {
	RPrime *secp256k1.PublicKey
	S      *secp256k1.ModNScalar
}

func challenge(rPrime, pubKey *secp256k1.PublicKey, msgHash []byte) *secp256k1.ModNScalar {
	h := sha256.New()
	h.Write(rPrime.SerializeCompressed())
	h.Write(pubKey.SerializeCompressed())
	h.Write(msgHash)
	digest := h.Sum(nil)

	var e secp256k1.ModNScalar
	e.SetByteSlice(digest)
	return &e
}

func addPoints(a, b *secp256k1.PublicKey) *secp256k1.PublicKey {
	var aJ, bJ, sumJ secp256k1.JacobianPoint
	a.AsJacobian(&aJ)
	b.AsJacobian(&bJ)
	secp256k1.AddNonConst(&aJ, &bJ, &sumJ)
	sumJ.ToAffine()
	return secp256k1.NewPublicKey(&sumJ.X, &sumJ.Y)
}

// Create produces a presigned adaptor signature on msgHash under
// privKey, encrypted to adaptorPoint. Nobody can extract a valid
// signature from it without also knowing adaptorPoint's discrete log.
func Create(privKey *secp256k1.PrivateKey, msgHash []byte, adaptorPoint *secp256k1.PublicKey) (*Signature, error) {
	var k secp256k1.ModNScalar
	var kBytes [32]byte
	for {
		if _, err := rand.Read(kBytes[:]); err != nil {
			return nil, fmt.Errorf("generating adaptor nonce: %w", err)
		}
		overflow := k.SetBytes(&kBytes)
		if overflow == 0 && !k.IsZero() {
			break
		}
	}
	defer k.Zero()

	var rJ secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&k, &rJ)
	rJ.ToAffine()
	r := secp256k1.NewPublicKey(&rJ.X, &rJ.Y)

	rPrime := addPoints(r, adaptorPoint)

	pubKey := privKey.PubKey()
	e := challenge(rPrime, pubKey, msgHash)

	var x secp256k1.ModNScalar
	x.Set(&privKey.Key)

	// s' = k + e*x (mod n)
	sPrime := new(secp256k1.ModNScalar).Set(e)
	sPrime.Mul(&x)
	sPrime.Add(&k)

	return &Signature{R: r, S: sPrime}, nil
}

// Verify checks that sig is a well-formed adaptor signature on msgHash
// under pubKey, encrypted to adaptorPoint, without needing the
// attestation scalar.
func Verify(sig *Signature, pubKey *secp256k1.PublicKey, msgHash []byte, adaptorPoint *secp256k1.PublicKey) bool {
	rPrime := addPoints(sig.R, adaptorPoint)
	e := challenge(rPrime, pubKey, msgHash)

	// Check s'*G == R + e*P.
	var lhsJ secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(sig.S, &lhsJ)
	lhsJ.ToAffine()

	var pubKeyJ secp256k1.JacobianPoint
	pubKey.AsJacobian(&pubKeyJ)

	var eP secp256k1.JacobianPoint
	secp256k1.ScalarMultNonConst(e, &pubKeyJ, &eP)

	var rJ secp256k1.JacobianPoint
	sig.R.AsJacobian(&rJ)

	var rhsJ secp256k1.JacobianPoint
	secp256k1.AddNonConst(&rJ, &eP, &rhsJ)
	rhsJ.ToAffine()

	return lhsJ.X.Equals(&rhsJ.X) && lhsJ.Y.Equals(&rhsJ.Y)
}

// Decrypt folds the revealed attestation scalar t (with t*G ==
// adaptorPoint) into sig, producing an ordinary signature over the
// tweaked nonce R' = R + T.
func Decrypt(sig *Signature, t *secp256k1.ModNScalar) *Decrypted {
	var rJ secp256k1.JacobianPoint
	sig.R.AsJacobian(&rJ)

	var tJ secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(t, &tJ)

	var rPrimeJ secp256k1.JacobianPoint
	secp256k1.AddNonConst(&rJ, &tJ, &rPrimeJ)
	rPrimeJ.ToAffine()
	rPrime := secp256k1.NewPublicKey(&rPrimeJ.X, &rPrimeJ.Y)

	s := new(secp256k1.ModNScalar).Set(sig.S)
	s.Add(t)

	return &Decrypted{RPrime: rPrime, S: s}
}

// VerifyDecrypted checks an ordinary decrypted signature, independent
// of the adaptor machinery: s*G == R' + e*P.
func VerifyDecrypted(sig *Decrypted, pubKey *secp256k1.PublicKey, msgHash []byte) bool {
	e := challenge(sig.RPrime, pubKey, msgHash)

	var lhsJ secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(sig.S, &lhsJ)
	lhsJ.ToAffine()

	var pubKeyJ secp256k1.JacobianPoint
	pubKey.AsJacobian(&pubKeyJ)

	var eP secp256k1.JacobianPoint
	secp256k1.ScalarMultNonConst(e, &pubKeyJ, &eP)

	var rPrimeJ secp256k1.JacobianPoint
	sig.RPrime.AsJacobian(&rPrimeJ)

	var rhsJ secp256k1.JacobianPoint
	secp256k1.AddNonConst(&rPrimeJ, &eP, &rhsJ)
	rhsJ.ToAffine()

	return lhsJ.X.Equals(&rhsJ.X) && lhsJ.Y.Equals(&rhsJ.Y)
}
