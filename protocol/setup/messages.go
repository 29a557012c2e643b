package setup

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/cfdnet/cfdd/adaptor"
	"github.com/cfdnet/cfdd/cfdcore"
	"github.com/cfdnet/cfdd/cfdsig"
	"github.com/cfdnet/cfdd/cfdwire"
	"github.com/cfdnet/cfdd/dlctx"
)

// Wire payload types for the setup protocol. Each
// mirrors a domain type one-for-one but with keys/signatures/txs as
// raw bytes, the same wire/domain split lnd keeps between
// lnwire's messages and lnwallet's channel types.

type wireFundingInput struct {
	Txid        []byte `json:"txid"`
	Vout        uint32 `json:"vout"`
	Value       int64  `json:"value"`
	PkScript    []byte `json:"pk_script"`
	SequenceNum uint32 `json:"sequence_num"`
}

type wirePartyParams struct {
	LockAmount    int64               `json:"lock_amount"`
	IdentityPk    []byte              `json:"identity_pk"`
	ChangeScript  []byte              `json:"change_script"`
	FundingInputs []wireFundingInput  `json:"funding_inputs"`
}

type wirePunishParams struct {
	RevocationPk []byte `json:"revocation_pk"`
	PublishPk    []byte `json:"publish_pk"`
}

// Msg0 carries each side's party and punish params.
type Msg0 struct {
	PartyParams  wirePartyParams  `json:"party_params"`
	PunishParams wirePunishParams `json:"punish_params"`
}

func (Msg0) MsgType() cfdwire.MessageType { return cfdwire.TypeSetupMsg0 }

type wireAdaptorSig struct {
	R []byte `json:"r"`
	S []byte `json:"s"`
}

type wireCetSig struct {
	Low   int64          `json:"low"`
	High  int64          `json:"high"`
	NBits int            `json:"n_bits"`
	Sig   wireAdaptorSig `json:"sig"`
}

// Msg1 carries the sender's own signatures: its ordinary commit
// signature (the cooperative 2-of-2 branch has no oracle dependency,
// so nothing to encrypt), its refund signature, and every CET adaptor
// signature, keyed by oracle event id.
type Msg1 struct {
	CommitSig []byte                   `json:"commit_sig"`
	RefundSig []byte                   `json:"refund_sig"`
	Cets      map[string][]wireCetSig  `json:"cets"`
}

func (Msg1) MsgType() cfdwire.MessageType { return cfdwire.TypeSetupMsg1 }

// Msg2 carries the sender's own signed lock PSBT.
type Msg2 struct {
	SignedLockPsbt []byte `json:"signed_lock_psbt"`
}

func (Msg2) MsgType() cfdwire.MessageType { return cfdwire.TypeSetupMsg2 }

// Msg3 is the closing acknowledgement.
type Msg3 struct{}

func (Msg3) MsgType() cfdwire.MessageType { return cfdwire.TypeSetupMsg3 }

func toWirePartyParams(p cfdcore.PartyParams) wirePartyParams {
	inputs := make([]wireFundingInput, len(p.FundingInputs))
	for i, in := range p.FundingInputs {
		txid := in.OutPoint.Hash
		inputs[i] = wireFundingInput{
			Txid:        txid[:],
			Vout:        in.OutPoint.Index,
			Value:       int64(in.Value),
			PkScript:    in.PkScript,
			SequenceNum: in.SequenceNum,
		}
	}
	return wirePartyParams{
		LockAmount:    int64(p.LockAmount),
		IdentityPk:    p.IdentityPk.SerializeCompressed(),
		ChangeScript:  p.ChangeScript,
		FundingInputs: inputs,
	}
}

func fromWirePartyParams(w wirePartyParams) (cfdcore.PartyParams, error) {
	pk, err := btcec.ParsePubKey(w.IdentityPk)
	if err != nil {
		return cfdcore.PartyParams{}, fmt.Errorf("parsing identity pubkey: %w", err)
	}

	inputs := make([]cfdcore.FundingInput, len(w.FundingInputs))
	for i, in := range w.FundingInputs {
		var txid chainhash.Hash
		copy(txid[:], in.Txid)

		inputs[i] = cfdcore.FundingInput{
			OutPoint:    wire.OutPoint{Hash: txid, Index: in.Vout},
			Value:       cfdcore.Amount(in.Value),
			PkScript:    in.PkScript,
			SequenceNum: in.SequenceNum,
		}
	}

	return cfdcore.PartyParams{
		LockAmount:    cfdcore.Amount(w.LockAmount),
		IdentityPk:    pk,
		ChangeScript:  w.ChangeScript,
		FundingInputs: inputs,
	}, nil
}

func toWirePunishParams(p cfdcore.PunishParams) wirePunishParams {
	return wirePunishParams{
		RevocationPk: p.RevocationPk.SerializeCompressed(),
		PublishPk:    p.PublishPk.SerializeCompressed(),
	}
}

func fromWirePunishParams(w wirePunishParams) (cfdcore.PunishParams, error) {
	rev, err := btcec.ParsePubKey(w.RevocationPk)
	if err != nil {
		return cfdcore.PunishParams{}, fmt.Errorf("parsing revocation pubkey: %w", err)
	}
	pub, err := btcec.ParsePubKey(w.PublishPk)
	if err != nil {
		return cfdcore.PunishParams{}, fmt.Errorf("parsing publish pubkey: %w", err)
	}
	return cfdcore.PunishParams{RevocationPk: rev, PublishPk: pub}, nil
}

func toWireAdaptorSig(sig *adaptor.Signature) wireAdaptorSig {
	sBytes := sig.S.Bytes()
	return wireAdaptorSig{R: sig.R.SerializeCompressed(), S: sBytes[:]}
}

func fromWireAdaptorSig(w wireAdaptorSig) (*adaptor.Signature, error) {
	r, err := btcec.ParsePubKey(w.R)
	if err != nil {
		return nil, fmt.Errorf("parsing adaptor sig R: %w", err)
	}

	var sBytes [32]byte
	copy(sBytes[32-len(w.S):], w.S)

	var s secp256k1.ModNScalar
	if overflow := s.SetBytes(&sBytes); overflow != 0 {
		return nil, fmt.Errorf("adaptor sig S overflows the group order")
	}

	return &adaptor.Signature{R: r, S: &s}, nil
}

func toWireCets(cets []dlctx.Cet) []wireCetSig {
	out := make([]wireCetSig, len(cets))
	for i, c := range cets {
		out[i] = wireCetSig{
			Low: int64(c.PriceRange.Low), High: int64(c.PriceRange.High),
			NBits: c.NBits, Sig: toWireAdaptorSig(c.AdaptorSig),
		}
	}
	return out
}

// fromWireCetSigs pairs the counterparty's wire CET signatures with our
// own locally-built CETs by index -- both sides compute the identical
// payout curve deterministically from the public setup params, so
// index i on the wire always lines up with ownCets[i].
func fromWireCetSigs(ownCets []dlctx.Cet, wireCets []wireCetSig) ([]cfdsig.CetSig, error) {
	if len(wireCets) != len(ownCets) {
		return nil, fmt.Errorf("counterparty sent %d cet sigs, expected %d", len(wireCets), len(ownCets))
	}

	out := make([]cfdsig.CetSig, len(ownCets))
	for i, w := range wireCets {
		sig, err := fromWireAdaptorSig(w.Sig)
		if err != nil {
			return nil, fmt.Errorf("cet %d: %w", i, err)
		}
		out[i] = cfdsig.CetSig{
			Tx:         ownCets[i].Tx,
			PriceRange: ownCets[i].PriceRange,
			NBits:      ownCets[i].NBits,
			AdaptorSig: sig,
		}
	}
	return out, nil
}
