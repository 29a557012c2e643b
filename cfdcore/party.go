package cfdcore

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"
)

// FundingInput is one UTXO a party contributes to the lock transaction,
// together with the witness data the wallet needs to later finalize its
// signature on the shared PSBT.
type FundingInput struct {
	OutPoint    wire.OutPoint
	Value       Amount
	PkScript    []byte
	SequenceNum uint32
}

// PartyParams is what a party contributes to a contract: how much it is
// locking, its long-term identity key, where its change and (on
// settlement/refund/CET) payout goes, and the UTXOs that fund its share
// of the lock amount.
type PartyParams struct {
	LockAmount   Amount
	IdentityPk   *btcec.PublicKey
	ChangeScript []byte
	FundingInputs []FundingInput
}

// PunishParams is the pair of keys a party commits to for a single DLC
// generation, enabling the counterparty to punish publication of a
// stale commit transaction. Short-lived: generated per setup/rollover,
// discarded once the DLC is stored.
type PunishParams struct {
	RevocationPk *btcec.PublicKey
	PublishPk    *btcec.PublicKey
}

// PunishSecrets is the private-key half of PunishParams, held only by
// the party that generated them until revealed in a rollover's Msg2.
type PunishSecrets struct {
	RevocationSk *btcec.PrivateKey
	PublishSk    *btcec.PrivateKey
}

func (s PunishSecrets) Params() PunishParams {
	return PunishParams{
		RevocationPk: s.RevocationSk.PubKey(),
		PublishPk:    s.PublishSk.PubKey(),
	}
}
