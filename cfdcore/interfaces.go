package cfdcore

import (
	"context"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Announcement is what the oracle publishes ahead of maturity: one
// nonce public key per digit of the eventual attestation.
type Announcement struct {
	Id       PriceEventId
	NoncePks []*btcec.PublicKey
}

// Attestation is what the oracle publishes at maturity: the settlement
// price plus the per-digit signature scalars that, applied against the
// matching adaptor signature, decrypt it into a valid ordinary signature.
type Attestation struct {
	Id      PriceEventId
	Price   Price
	Scalars [][]byte
}

// OracleClient is the thin collaborator the engines use to fetch
// announcements at setup/rollover time and to be notified of
// attestations at maturity. The core never talks to an oracle directly
// over the network.
type OracleClient interface {
	GetAnnouncements(ctx context.Context, ids []PriceEventId) ([]Announcement, error)
	MonitorAttestations(ctx context.Context, id PriceEventId) (<-chan Attestation, error)
}

// Wallet is the thin collaborator that owns key material, builds and
// signs PSBTs, and broadcasts transactions. The core never generates
// long-term identity keys or touches a UTXO set directly. identityPk is
// supplied by the caller (the per-protocol-instance identity key the
// engine just generated), not the wallet: the wallet only sizes and
// funds the contribution around it.
type Wallet interface {
	BuildPartyParams(ctx context.Context, amount Amount, identityPk *btcec.PublicKey, feeRate TxFeeRate) (PartyParams, error)
	Sign(ctx context.Context, pkt *psbt.Packet) (*psbt.Packet, error)
	Withdraw(ctx context.Context, amount Amount, address string, feeRate TxFeeRate) (chainhash.Hash, error)
	Sync(ctx context.Context) error
	// Broadcast publishes a fully-signed transaction to the network: the
	// commit, CET, refund, settlement or punish-sweep transaction an
	// engine or the punisher has finished assembling.
	Broadcast(ctx context.Context, tx *wire.MsgTx) error
}

// ConfirmationEvent mirrors the shape of lnd's chain-notifier
// confirmation event: a channel that fires once, at the configured
// number of confirmations, or is closed if the output is reorged out
// before reaching that depth.
type ConfirmationEvent struct {
	Confirmed chan struct{}
	NegativeConf chan int32
}

// TimelockExpiry fires once a relative or absolute timelock governing an
// output has matured.
type TimelockExpiry struct {
	Expired chan struct{}
}

// SpendDetail mirrors lnd's chainntfs.SpendDetail: everything a
// watcher needs to inspect whatever transaction spent a registered
// outpoint, which is how the punisher tells a cooperative close from a
// stale unilateral commit broadcast apart.
type SpendDetail struct {
	SpentOutPoint  wire.OutPoint
	SpenderTxHash  chainhash.Hash
	SpendingTx     *wire.MsgTx
	SpendingHeight int32
}

// SpendEvent mirrors lnd's chainntfs.SpendEvent: a one-shot,
// buffered notification fired once the registered outpoint is spent by
// any transaction.
type SpendEvent struct {
	Spend chan *SpendDetail
}

// ChainMonitor watches for the confirmations, timelock expiries, and
// spends that drive a CFD's state machine forward outside of any
// protocol exchange (lock/commit/CET/refund confirmation, CET/refund
// timelock expiry, stale-commit unilateral publication).
type ChainMonitor interface {
	RegisterConfirmationsNtfn(ctx context.Context, txid chainhash.Hash, numConfs uint32) (*ConfirmationEvent, error)
	RegisterTimelockNtfn(ctx context.Context, txid chainhash.Hash, outputIndex uint32, relativeBlocks uint32) (*TimelockExpiry, error)
	RegisterSpendNtfn(ctx context.Context, outpoint wire.OutPoint) (*SpendEvent, error)
}

// Quote is a two-sided price quote used to negotiate collaborative
// settlement.
type Quote struct {
	Bid   Price
	Ask   Price
	AtUTC int64
}

// PriceFeed provides quotes for the collaborative-settlement protocol.
type PriceFeed interface {
	LatestQuote(ctx context.Context) (Quote, error)
}
