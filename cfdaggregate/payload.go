package cfdaggregate

import (
	"time"

	"github.com/cfdnet/cfdd/cfdcore"
	"github.com/cfdnet/cfdd/feeaccount"
)

// Payload types for cfdevent.Event.Payload. Only the fields the
// aggregate fold or a projection needs are carried here -- the DLC's
// private key material is never persisted; it is kept only in the memory
// of the process whose engine produced it: key material is short-lived and revealed only over
// the wire, never duplicated into every projection.

type ContractSetupStartedPayload struct {
	CounterpartyPeerId cfdcore.PeerId
	Role               cfdcore.Role
	Position           cfdcore.Position
	Price              cfdcore.Price
	Quantity           cfdcore.Usd
	LongLeverage       cfdcore.Leverage
	ShortLeverage      cfdcore.Leverage
	OpeningFee         cfdcore.OpeningFee
	InitialFundingRate cfdcore.FundingRate
	InitialTxFeeRate   cfdcore.TxFeeRate
	SettlementEventId  cfdcore.PriceEventId
}

type ContractSetupCompletedPayload struct {
	CommitTxid string
	LockTxid   string
}

type ContractSetupFailedPayload struct {
	Reason string
}

type ContractSetupRejectedPayload struct {
	Reason string
}

type RolloverStartedPayload struct {
	Initiator      cfdcore.Role
	FromCommitTxid string
}

type RolloverAcceptedPayload struct {
	OracleEventId cfdcore.PriceEventId
	TxFeeRate     cfdcore.TxFeeRate
	FundingRate   cfdcore.FundingRate
}

type RolloverCompletedPayload struct {
	Version           feeaccount.RolloverVersion
	SettledFee        feeaccount.CompleteFee
	SettlementEventId cfdcore.PriceEventId
	CommitTxid        string
	PriorCommitTxid   string
}

type RolloverRejectedPayload struct {
	Reason string
}

type RolloverFailedPayload struct {
	Reason string
}

type SettlementProposedPayload struct {
	Initiator           cfdcore.Role
	Bid, Ask            cfdcore.Price
	QuoteTimestamp      time.Time
	ProposedMakerOutput cfdcore.Amount
	ProposedTakerOutput cfdcore.Amount
}

type SettlementAcceptedPayload struct{}

type SettlementRejectedPayload struct {
	Reason string
}

type SettlementCompletedPayload struct {
	Txid string
}

type CommitConfirmedPayload struct {
	Txid string
}

type LockConfirmedPayload struct {
	Txid string
}

type CetTimelockExpiredPayload struct{}

type RefundTimelockExpiredPayload struct{}

type CetConfirmedPayload struct {
	Txid          string
	PriceEventId  cfdcore.PriceEventId
}

type RefundConfirmedPayload struct {
	Txid string
}

type ManualCommitPayload struct{}

type OracleAttestationReceivedPayload struct {
	PriceEventId cfdcore.PriceEventId
	Price        cfdcore.Price
}
