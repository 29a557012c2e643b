package cfdcore

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
)

// Amount is an unsigned satoshi quantity.
type Amount = btcutil.Amount

// SignedAmount is a signed satoshi quantity, used wherever a balance can
// run negative (fee account balances, settlement deltas).
type SignedAmount int64

func (s SignedAmount) String() string {
	return Amount(s).String()
}

// usdScale is the fixed-point scale used by Usd and Price: six decimal
// digits, enough precision for a funding rate like 0.00024 applied to a
// five-figure BTC price without drifting under repeated multiplication.
const usdScale = 1_000_000

// Usd is a decimal US-dollar quantity stored as micro-dollars so that
// quantity/price arithmetic in the payout curve is exact integer math,
// never float accumulation error.
type Usd int64

// NewUsd builds a Usd value from a float, rounding to the nearest
// micro-dollar. Only ever called at the boundary (parsing an offer or a
// quote); all internal arithmetic stays in Usd/Price.
func NewUsd(dollars float64) Usd {
	return Usd(dollars*usdScale + 0.5)
}

func (u Usd) Float64() float64 {
	return float64(u) / usdScale
}

func (u Usd) Add(o Usd) Usd { return u + o }
func (u Usd) Sub(o Usd) Usd { return u - o }

func (u Usd) String() string {
	return fmt.Sprintf("%.2f USD", u.Float64())
}

// Price is a positive Usd-per-BTC quantity.
type Price Usd

func NewPrice(dollarsPerBtc float64) Price {
	return Price(NewUsd(dollarsPerBtc))
}

func (p Price) Float64() float64 { return Usd(p).Float64() }

func (p Price) String() string {
	return fmt.Sprintf("%.2f USD/BTC", p.Float64())
}

// Leverage is a small positive integer multiplier.
type Leverage uint8

// FundingRate is a signed per-settlement-interval rate, e.g. 0.00024.
// Stored scaled by usdScale for the same exactness reasons as Usd.
type FundingRate int64

func NewFundingRate(rate float64) FundingRate {
	neg := rate < 0
	if neg {
		rate = -rate
	}
	r := FundingRate(rate*usdScale + 0.5)
	if neg {
		r = -r
	}
	return r
}

func (f FundingRate) Float64() float64 { return float64(f) / usdScale }

// TxFeeRate is expressed in satoshis per virtual byte.
type TxFeeRate uint32

// OpeningFee is a one-off satoshi fee charged at contract setup.
type OpeningFee = Amount

// Position is which side of the CFD a party holds.
type Position int

const (
	Long Position = iota
	Short
)

func (p Position) String() string {
	if p == Long {
		return "long"
	}
	return "short"
}

// Counter returns the opposite position.
func (p Position) Counter() Position {
	if p == Long {
		return Short
	}
	return Long
}

// Role distinguishes the liquidity-providing Maker from the
// position-opening Taker.
type Role int

const (
	Maker Role = iota
	Taker
)

func (r Role) String() string {
	if r == Maker {
		return "maker"
	}
	return "taker"
}
