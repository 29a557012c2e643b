// Package feeaccount tracks the opening fee and the per-rollover funding
// fees that accrue against one side of a CFD. It is pure value-type
// bookkeeping, following cfdaggregate's
// "replace the whole value, never mutate in place" fold discipline so
// that FeeAccount.Settle snapshots are trivially reproducible from an
// event replay.
package feeaccount

import (
	"fmt"
	"time"

	"github.com/cfdnet/cfdd/cfdcore"
)

// FundingIntervalHours is the settlement interval a FundingRate is
// quoted against; the fee-charge fallback of "24 hours at the current
// funding rate" is exactly one interval under this constant, and it is
// also the initial funding period charged at contract setup.
const FundingIntervalHours = 24

// FundingFee is one funding-interval charge, always expressed as the
// amount the Long side owes the Short side (negative if the rate made
// Short the payer).
type FundingFee struct {
	Amount cfdcore.SignedAmount
	Hours  float64
}

// CalculateFundingFee computes the fee owed for `hours` hours at that
// price and rate. Leverage does not change the notional (margin only
// gates how much collateral secures it), so longLev/shortLev are
// accepted for signature symmetry with the payout math but do not
// enter the formula.
func CalculateFundingFee(price cfdcore.Price, quantity cfdcore.Usd, longLev, shortLev cfdcore.Leverage, rate cfdcore.FundingRate, hours float64) FundingFee {
	_ = longLev
	_ = shortLev

	if hours == 0 || price == 0 {
		return FundingFee{Hours: hours}
	}

	notionalBtc := quantity.Float64() / price.Float64()
	notionalSats := notionalBtc * satsPerBtc
	periods := hours / FundingIntervalHours

	amount := notionalSats * rate.Float64() * periods

	return FundingFee{
		Amount: cfdcore.SignedAmount(amount),
		Hours:  hours,
	}
}

const satsPerBtc = 100_000_000

// RolloverVersion selects which rollover fee-settlement behaviour to
// apply. Versions exist because peers on the wire may run different
// releases; V1's bug must be preserved for compatibility with them
//.
type RolloverVersion int

const (
	// V1 has the preserved defect: it settles the account without
	// first folding in the pending period's funding fee, so it
	// systematically undercharges by one funding period. Do not fix
	// this -- peers still running V1 expect to be undercharged this
	// way, and a unilateral fix would make the two sides' fee
	// accounting disagree.
	V1 RolloverVersion = iota
	V2
	V3
)

// CompleteFee is the fee-account snapshot embedded into a DLC's payout
// curve at settlement.
type CompleteFee struct {
	Balance   cfdcore.SignedAmount
	SettledAt time.Time
}

// FeeAccount accrues the opening fee and successive funding fees for
// one side of a CFD. Balance is signed from the account holder's own
// perspective: positive means the holder owes its counterparty that
// amount.
type FeeAccount struct {
	position cfdcore.Position
	role     cfdcore.Role

	balance         cfdcore.SignedAmount
	openingFeeAdded bool
}

// New starts a zero-balance account for one side of a CFD.
func New(position cfdcore.Position, role cfdcore.Role) FeeAccount {
	return FeeAccount{position: position, role: role}
}

// Resume reconstructs an account at an already-known settled balance
// rather than folding it up from zero. A rollover retry resumes from
// the resolved generation's own from_complete_fee instead of the
// current (possibly ahead-of-it) accumulated balance, so that
// rebuilding from an older DLC does not re-charge for the discarded
// intermediate rollovers. The opening fee is treated as
// already applied, since balance already reflects it.
func Resume(position cfdcore.Position, role cfdcore.Role, balance cfdcore.SignedAmount) FeeAccount {
	return FeeAccount{position: position, role: role, balance: balance, openingFeeAdded: true}
}

func (f FeeAccount) Position() cfdcore.Position { return f.position }
func (f FeeAccount) Role() cfdcore.Role         { return f.role }

// AddOpeningFee applies the one-off setup fee. It is idempotent-once:
// a FeeAccount may only ever have an opening fee applied a single time
// in its history, checked here rather than left to the caller, since
// every replay of the event log must reject a duplicate
// ContractSetupCompleted the same way live processing did.
func (f FeeAccount) AddOpeningFee(fee cfdcore.OpeningFee) (FeeAccount, error) {
	if f.openingFeeAdded {
		return f, fmt.Errorf("opening fee already applied to this account")
	}

	next := f
	next.openingFeeAdded = true

	// The taker pays the maker the opening fee.
	if f.role == cfdcore.Taker {
		next.balance += cfdcore.SignedAmount(fee)
	} else {
		next.balance -= cfdcore.SignedAmount(fee)
	}

	return next, nil
}

// AddFundingFee folds one funding-interval charge into the balance.
// fee.Amount is always long-owes-short; it is translated into the
// account holder's own-balance sign depending on which side they hold.
func (f FeeAccount) AddFundingFee(fee FundingFee) FeeAccount {
	next := f
	if f.position == cfdcore.Long {
		next.balance += fee.Amount
	} else {
		next.balance -= fee.Amount
	}
	return next
}

// Balance returns the current signed balance.
func (f FeeAccount) Balance() cfdcore.SignedAmount {
	return f.balance
}

// Settle snapshots the account into a CompleteFee for embedding into a
// new DLC's payout curve. For V2/V3, pending is folded in first so the
// snapshot reflects the funding period up to and including "now"; for
// V1, pending is deliberately dropped,
// so V1 peers under-settle by exactly one period every rollover.
func (f FeeAccount) Settle(version RolloverVersion, pending FundingFee, now time.Time) (CompleteFee, FeeAccount) {
	settled := f
	if version != V1 {
		settled = f.AddFundingFee(pending)
	}

	return CompleteFee{Balance: settled.balance, SettledAt: now}, settled
}
