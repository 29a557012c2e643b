package cfdcore

import (
	goerrors "github.com/go-errors/errors"
)

// ErrorKind classifies why a protocol step failed, so engines and the
// coordinator can decide what event to append without string-matching
// error messages.
type ErrorKind int

const (
	// ErrProtocolTimeout: an await on the substream exceeded its bound.
	ErrProtocolTimeout ErrorKind = iota
	// ErrPeerDisconnect: the substream ended mid-protocol.
	ErrPeerDisconnect
	// ErrVerification: an adaptor or ECDSA signature did not verify.
	ErrVerification
	// ErrMismatch: counterparty params inconsistent with the negotiated order.
	ErrMismatch
	// ErrOracleUnavailable: announcement lookup failed; retriable by a
	// higher layer.
	ErrOracleUnavailable
	// ErrWalletFailure: build/sign/broadcast failed.
	ErrWalletFailure
	// ErrInvalidState: the aggregate rejected the requested transition.
	ErrInvalidState
	// ErrNotAcceptingRollovers: explicit reject, not a failure.
	ErrNotAcceptingRollovers
)

func (k ErrorKind) String() string {
	switch k {
	case ErrProtocolTimeout:
		return "protocol timeout"
	case ErrPeerDisconnect:
		return "peer disconnect"
	case ErrVerification:
		return "verification failed"
	case ErrMismatch:
		return "counterparty parameter mismatch"
	case ErrOracleUnavailable:
		return "oracle unavailable"
	case ErrWalletFailure:
		return "wallet failure"
	case ErrInvalidState:
		return "invalid state transition"
	case ErrNotAcceptingRollovers:
		return "not accepting rollovers"
	default:
		return "unknown error"
	}
}

// ProtocolError wraps the underlying cause with the classification that
// determines how the coordinator records it.
type ProtocolError struct {
	Kind  ErrorKind
	Cause error
}

func NewProtocolError(kind ErrorKind, cause error) *ProtocolError {
	return &ProtocolError{Kind: kind, Cause: goerrors.Wrap(cause, 1)}
}

func (e *ProtocolError) Error() string {
	if e.Cause == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Cause.Error()
}

func (e *ProtocolError) Unwrap() error { return e.Cause }

// Fatal reports whether this error must abort the enclosing protocol
// run. Every kind except ErrNotAcceptingRollovers and ErrOracleUnavailable
// is fatal to the protocol instance that produced it; OracleUnavailable
// is retriable at a higher layer.
func (e *ProtocolError) Fatal() bool {
	return e.Kind != ErrOracleUnavailable && e.Kind != ErrNotAcceptingRollovers
}
