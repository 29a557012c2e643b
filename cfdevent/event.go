// Package cfdevent implements the append-only event log and the
// reactive projector over it.
package cfdevent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cfdnet/cfdd/cfdcore"
)

// Kind enumerates the event kinds of the append-only CFD event log.
type Kind string

const (
	ContractSetupStarted   Kind = "ContractSetupStarted"
	ContractSetupCompleted Kind = "ContractSetupCompleted"
	ContractSetupFailed    Kind = "ContractSetupFailed"
	ContractSetupRejected  Kind = "ContractSetupRejected"

	RolloverStarted   Kind = "RolloverStarted"
	RolloverAccepted  Kind = "RolloverAccepted"
	RolloverCompleted Kind = "RolloverCompleted"
	RolloverRejected  Kind = "RolloverRejected"
	RolloverFailed    Kind = "RolloverFailed"

	SettlementProposed Kind = "SettlementProposed"
	SettlementAccepted Kind = "SettlementAccepted"
	SettlementRejected Kind = "SettlementRejected"
	SettlementCompleted Kind = "SettlementCompleted"

	CommitConfirmed       Kind = "CommitConfirmed"
	LockConfirmed         Kind = "LockConfirmed"
	CetTimelockExpired    Kind = "CetTimelockExpired"
	RefundTimelockExpired Kind = "RefundTimelockExpired"
	CetConfirmed          Kind = "CetConfirmed"
	RefundConfirmed       Kind = "RefundConfirmed"
	ManualCommit           Kind = "ManualCommit"
	OracleAttestationReceived Kind = "OracleAttestationReceived"
)

// Event is one row of the append-only log: (order_id, timestamp,
// kind) plus the sequence number and the opaque payload the persisted
// schema carries.
type Event struct {
	OrderId   cfdcore.OrderId
	Sequence  int64
	CreatedAt time.Time
	Kind      Kind
	Payload   json.RawMessage
}

// NewEvent marshals payload and stamps CreatedAt; Sequence is assigned
// by the Store on Append.
func NewEvent(orderId cfdcore.OrderId, kind Kind, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		OrderId:   orderId,
		CreatedAt: time.Now(),
		Kind:      kind,
		Payload:   raw,
	}, nil
}

// Store is the append-only log interface every engine and the
// coordinator's Executor go through; both the SQLite-backed store and
// the in-memory test double implement it.
type Store interface {
	// Append assigns the next sequence number for event.OrderId and
	// persists it.
	Append(ctx context.Context, event Event) (Event, error)
	// Load returns every event for orderId in sequence order.
	Load(ctx context.Context, orderId cfdcore.OrderId) ([]Event, error)
	// LoadOrderIds returns every order id with at least one event,
	// used to rehydrate all open CFDs at startup.
	LoadOrderIds(ctx context.Context) ([]cfdcore.OrderId, error)
	Close() error
}
