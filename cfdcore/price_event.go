package cfdcore

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PriceEventId names an oracle event: a UTC maturity timestamp plus a
// symbol and precision, e.g. "20261231100000-price-btcusd-18". The
// timestamp is lexically sortable, matching the real oracle naming
// scheme this is patterned on.
type PriceEventId string

// NewPriceEventId builds the canonical id for a maturity time, symbol
// and digit precision.
func NewPriceEventId(maturity time.Time, symbol string, nBits int) PriceEventId {
	return PriceEventId(fmt.Sprintf("%s-price-%s-%d",
		maturity.UTC().Format("20060102150405"), symbol, nBits))
}

// Maturity parses the embedded timestamp.
func (id PriceEventId) Maturity() (time.Time, error) {
	parts := strings.SplitN(string(id), "-", 2)
	if len(parts) != 2 || len(parts[0]) != 14 {
		return time.Time{}, fmt.Errorf("malformed price event id %q", id)
	}
	return time.Parse("20060102150405", parts[0])
}

// NBits returns the digit precision encoded in the trailing segment.
func (id PriceEventId) NBits() (int, error) {
	idx := strings.LastIndex(string(id), "-")
	if idx < 0 {
		return 0, fmt.Errorf("malformed price event id %q", id)
	}
	return strconv.Atoi(string(id)[idx+1:])
}

// HoursUntil returns the whole hours between now and the event's
// maturity, or an error if the id can't be parsed. A non-positive
// result means the event is already in the past.
func (id PriceEventId) HoursUntil(now time.Time) (int, error) {
	maturity, err := id.Maturity()
	if err != nil {
		return 0, err
	}
	return int(maturity.Sub(now).Hours()), nil
}
