// Package rollover implements the rollover protocol: replacing a
// DLC's commit/cet/refund generation with
// one keyed to a newer oracle event, while the lock output and both
// parties' identity keys carry over unchanged.
package rollover

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/cfdnet/cfdd/adaptor"
	"github.com/cfdnet/cfdd/cfdcore"
	"github.com/cfdnet/cfdd/cfdsig"
	"github.com/cfdnet/cfdd/cfdwire"
	"github.com/cfdnet/cfdd/dlctx"
)

// Propose is the taker's request to roll the CFD forward, naming the
// commit generation it's rolling from.
type Propose struct {
	OrderId        string `json:"order_id"`
	Timestamp      int64  `json:"timestamp"`
	FromCommitTxid string `json:"from_commit_txid"`
}

func (Propose) MsgType() cfdwire.MessageType { return cfdwire.TypeRolloverPropose }

// Decision is the maker's single reply to Propose: either a terminal
// reject, or a confirm carrying the new generation's settlement event
// and the fee terms the taker must build against. One wire type
// carries both variants, the same way lnd's lnwire messages
// use a flags field rather than splitting into two message types for
// a binary choice.
type Decision struct {
	OrderId       string `json:"order_id"`
	Reject        bool   `json:"reject"`
	OracleEventId string `json:"oracle_event_id,omitempty"`
	TxFeeRate     uint32 `json:"tx_fee_rate,omitempty"`
	FundingRate   int64  `json:"funding_rate,omitempty"`
	CompleteFee   int64  `json:"complete_fee,omitempty"`
}

func (Decision) MsgType() cfdwire.MessageType { return cfdwire.TypeRolloverDecision }

// Msg0 carries one side's fresh punish keypair for the new generation.
type Msg0 struct {
	RevocationPk []byte `json:"revocation_pk"`
	PublishPk    []byte `json:"publish_pk"`
}

func (Msg0) MsgType() cfdwire.MessageType { return cfdwire.TypeRolloverMsg0 }

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

// Msg1 carries the sender's commit sig, refund sig and CET adaptor
// sigs for the new generation -- identical shape to setup's Msg1.
// Nothing about the lock is exchanged, since a rollover doesn't rebuild it.
type Msg1 struct {
	CommitSig []byte                  `json:"commit_sig"`
	RefundSig []byte                  `json:"refund_sig"`
	Cets      map[string][]wireCetSig `json:"cets"`
}

func (Msg1) MsgType() cfdwire.MessageType { return cfdwire.TypeRolloverMsg1 }

// Msg2 reveals the revocation secret for the commit generation being
// superseded, so its unilateral publication becomes punishable.
type Msg2 struct {
	RevocationSkOfPreviousCommit []byte `json:"revocation_sk_of_previous_commit"`
}

func (Msg2) MsgType() cfdwire.MessageType { return cfdwire.TypeRolloverMsg2 }

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

func toWirePunish(p cfdcore.PunishParams) Msg0 {
	return Msg0{RevocationPk: p.RevocationPk.SerializeCompressed(), PublishPk: p.PublishPk.SerializeCompressed()}
}

func fromWirePunish(w Msg0) (cfdcore.PunishParams, error) {
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
