package dlctx

import (
	"fmt"

	"github.com/cfdnet/cfdd/cfdcore"
)

// PayoutInterval is one equal-width price bucket of the payout curve:
// for any settlement price in [Low, High), the lock total splits
// MakerAmount/TakerAmount between the two parties.
type PayoutInterval struct {
	Low, High          cfdcore.Price
	MakerAmount         cfdcore.Amount
	TakerAmount         cfdcore.Amount
}

// PayoutCurveParams gathers the payout curve's inputs:
// the inverse-CFD economics (price, quantity, leverage per side)
// plus the fee balance settled into this DLC generation and how many
// discrete buckets the curve should be split into.
type PayoutCurveParams struct {
	Position           cfdcore.Position // the taker's position; maker holds the opposite side
	Price              cfdcore.Price
	Quantity           cfdcore.Usd
	LongLeverage       cfdcore.Leverage
	ShortLeverage      cfdcore.Leverage
	NPayouts           int
	SettledFeeBalance  cfdcore.SignedAmount // positive = owed to the maker
}

// satsPerBtc is the number of satoshis in one bitcoin.
const satsPerBtc = 100_000_000

// marginSats returns the BTC margin (in satoshis) a side must post,
// given the quantity and that side's leverage: quantity / (price *
// leverage), the standard inverse-contract margin formula.
func marginSats(quantity cfdcore.Usd, price cfdcore.Price, leverage cfdcore.Leverage) cfdcore.Amount {
	if leverage == 0 || price == 0 {
		return 0
	}
	btc := quantity.Float64() / (price.Float64() * float64(leverage))
	return cfdcore.Amount(btc * satsPerBtc)
}

// longValueSats is the long side's share (in satoshis) of the total
// collateral at settlement price p, under the inverse-contract PnL
// formula `quantity * (1/open_price - 1/p)` added to the long margin,
// clamped to [0, total collateral].
func longValueSats(quantity cfdcore.Usd, openPrice, p cfdcore.Price, longMargin, total cfdcore.Amount) cfdcore.Amount {
	if p <= 0 {
		return total
	}
	pnlBtc := quantity.Float64() * (1/openPrice.Float64() - 1/p.Float64())
	value := float64(longMargin) + pnlBtc*satsPerBtc

	if value < 0 {
		return 0
	}
	if value > float64(total) {
		return total
	}
	return cfdcore.Amount(value)
}

// liquidationPrices returns the price at which the long side's value
// hits zero (below this, the long is fully liquidated) and the price
// at which it hits the total collateral (above this, the short side
// is fully liquidated). These bound the payout curve's domain.
func liquidationPrices(quantity cfdcore.Usd, openPrice cfdcore.Price, longMargin, total cfdcore.Amount) (low, high cfdcore.Price) {
	// Solve longValueSats(p) == 0 and == total for p, both linear in 1/p.
	invOpen := 1 / openPrice.Float64()
	q := quantity.Float64()

	// value(p) = longMargin + q*satsPerBtc*(invOpen - 1/p) == target
	solve := func(target float64) cfdcore.Price {
		denom := q * satsPerBtc
		if denom == 0 {
			return openPrice
		}
		invP := invOpen - (target-float64(longMargin))/denom
		if invP <= 0 {
			return cfdcore.NewPrice(1e12) // effectively unbounded upside
		}
		return cfdcore.NewPrice(1 / invP)
	}

	low = solve(0)
	high = solve(float64(total))
	return low, high
}

// CalculatePayouts generates the payout curve: NPayouts
// equal-width price intervals from the long-liquidation price to the
// short-liquidation price, each assigned a (maker_amount, taker_amount)
// pair summing to the lock total.
func CalculatePayouts(p PayoutCurveParams) ([]PayoutInterval, error) {
	if p.NPayouts <= 0 {
		return nil, fmt.Errorf("n_payouts must be positive, got %d", p.NPayouts)
	}

	longMargin := marginSats(p.Quantity, p.Price, p.LongLeverage)
	shortMargin := marginSats(p.Quantity, p.Price, p.ShortLeverage)
	total := longMargin + shortMargin

	// Settle the accumulated fee balance into the collateral split
	// before generating the curve: a positive balance is owed to the
	// maker, so it shifts value from long's share when the maker holds
	// short (taker long), and vice versa.
	feeAdjustedLongMargin := longMargin
	if p.Position == cfdcore.Long {
		feeAdjustedLongMargin = cfdcore.Amount(int64(longMargin) + int64(p.SettledFeeBalance))
	} else {
		feeAdjustedLongMargin = cfdcore.Amount(int64(longMargin) - int64(p.SettledFeeBalance))
	}

	low, high := liquidationPrices(p.Quantity, p.Price, feeAdjustedLongMargin, total)
	if high <= low {
		return nil, fmt.Errorf("degenerate payout curve: low=%v high=%v", low, high)
	}

	width := (high.Float64() - low.Float64()) / float64(p.NPayouts)

	intervals := make([]PayoutInterval, p.NPayouts)
	for i := 0; i < p.NPayouts; i++ {
		lo := cfdcore.NewPrice(low.Float64() + width*float64(i))
		hi := cfdcore.NewPrice(low.Float64() + width*float64(i+1))
		mid := cfdcore.NewPrice((lo.Float64() + hi.Float64()) / 2)

		longValue := longValueSats(p.Quantity, p.Price, mid, feeAdjustedLongMargin, total)
		shortValue := total - longValue

		// Taker's amount is whichever side it holds; maker takes the
		// rest, and the two always sum to the fixed lock total.
		var makerAmt, takerAmt cfdcore.Amount
		if p.Position == cfdcore.Long {
			takerAmt, makerAmt = longValue, shortValue
		} else {
			takerAmt, makerAmt = shortValue, longValue
		}

		intervals[i] = PayoutInterval{
			Low: lo, High: hi,
			MakerAmount: makerAmt,
			TakerAmount: takerAmt,
		}
	}

	return intervals, nil
}

// LockAmounts returns each side's required lock contribution for the
// given curve parameters, before fee settlement.
func LockAmounts(p PayoutCurveParams) (makerAmount, takerAmount cfdcore.Amount) {
	longMargin := marginSats(p.Quantity, p.Price, p.LongLeverage)
	shortMargin := marginSats(p.Quantity, p.Price, p.ShortLeverage)

	if p.Position == cfdcore.Long {
		return shortMargin, longMargin
	}
	return longMargin, shortMargin
}
