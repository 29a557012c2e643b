package cfdcore_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cfdnet/cfdd/cfdcore"
)

func TestPriceEventIdRoundTrip(t *testing.T) {
	maturity := time.Date(2026, 12, 31, 10, 0, 0, 0, time.UTC)
	id := cfdcore.NewPriceEventId(maturity, "btcusd", 18)

	require.Equal(t, cfdcore.PriceEventId("20261231100000-price-btcusd-18"), id)

	parsed, err := id.Maturity()
	require.NoError(t, err)
	require.True(t, parsed.Equal(maturity))

	nBits, err := id.NBits()
	require.NoError(t, err)
	require.Equal(t, 18, nBits)
}

func TestPriceEventIdsSortByMaturity(t *testing.T) {
	earlier := cfdcore.NewPriceEventId(time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC), "btcusd", 20)
	later := cfdcore.NewPriceEventId(time.Date(2026, 11, 1, 9, 0, 0, 0, time.UTC), "btcusd", 20)

	require.Less(t, string(earlier), string(later), "ids must sort lexically by maturity")
}

func TestHoursUntil(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	id := cfdcore.NewPriceEventId(now.Add(48*time.Hour), "btcusd", 20)

	hours, err := id.HoursUntil(now)
	require.NoError(t, err)
	require.Equal(t, 48, hours)

	past := cfdcore.NewPriceEventId(now.Add(-2*time.Hour), "btcusd", 20)
	hours, err = past.HoursUntil(now)
	require.NoError(t, err)
	require.LessOrEqual(t, hours, 0)
}

func TestMaturityRejectsMalformedIds(t *testing.T) {
	_, err := cfdcore.PriceEventId("not-a-real-id").Maturity()
	require.Error(t, err)

	_, err = cfdcore.PriceEventId("").Maturity()
	require.Error(t, err)
}
