package cfdevent_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cfdnet/cfdd/cfdcore"
	"github.com/cfdnet/cfdd/cfdevent"
)

func mustOrderId(t *testing.T) cfdcore.OrderId {
	t.Helper()
	id, err := cfdcore.NewOrderId()
	require.NoError(t, err)
	return id
}

// storeRoundTrip exercises the Store contract against any
// implementation: per-order sequences start at zero and increase
// densely, loads come back in sequence order, and orders don't bleed
// into each other.
func storeRoundTrip(t *testing.T, store cfdevent.Store) {
	t.Helper()
	ctx := context.Background()

	a, b := mustOrderId(t), mustOrderId(t)

	kinds := []cfdevent.Kind{
		cfdevent.ContractSetupStarted,
		cfdevent.ContractSetupCompleted,
		cfdevent.LockConfirmed,
	}
	for _, kind := range kinds {
		e, err := cfdevent.NewEvent(a, kind, map[string]string{"k": string(kind)})
		require.NoError(t, err)
		appended, err := store.Append(ctx, e)
		require.NoError(t, err)
		require.Equal(t, kind, appended.Kind)
	}

	eb, err := cfdevent.NewEvent(b, cfdevent.ContractSetupStarted, nil)
	require.NoError(t, err)
	_, err = store.Append(ctx, eb)
	require.NoError(t, err)

	events, err := store.Load(ctx, a)
	require.NoError(t, err)
	require.Len(t, events, len(kinds))
	for i, e := range events {
		require.Equal(t, int64(i), e.Sequence)
		require.Equal(t, kinds[i], e.Kind)
		require.Equal(t, a, e.OrderId)
	}

	ids, err := store.LoadOrderIds(ctx)
	require.NoError(t, err)
	require.Len(t, ids, 2)

	missing, err := store.Load(ctx, mustOrderId(t))
	require.NoError(t, err)
	require.Empty(t, missing)
}

func TestMemStoreRoundTrip(t *testing.T) {
	storeRoundTrip(t, cfdevent.NewMemStore())
}

func TestSQLStoreRoundTrip(t *testing.T) {
	store, err := cfdevent.OpenSQLStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	storeRoundTrip(t, store)
}

// TestSQLStoreSurvivesReopen pins what MemStore cannot: the log is
// still there, with the same sequences, after a close/reopen cycle --
// the property the daemon's restart-time rehydration depends on.
func TestSQLStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	orderId := mustOrderId(t)

	store, err := cfdevent.OpenSQLStore(dir)
	require.NoError(t, err)

	e, err := cfdevent.NewEvent(orderId, cfdevent.ContractSetupStarted, map[string]int{"n": 1})
	require.NoError(t, err)
	_, err = store.Append(ctx, e)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := cfdevent.OpenSQLStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	events, err := reopened.Load(ctx, orderId)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, cfdevent.ContractSetupStarted, events[0].Kind)
	require.Equal(t, int64(0), events[0].Sequence)

	e2, err := cfdevent.NewEvent(orderId, cfdevent.ContractSetupCompleted, nil)
	require.NoError(t, err)
	appended, err := reopened.Append(ctx, e2)
	require.NoError(t, err)
	require.Equal(t, int64(1), appended.Sequence, "sequence numbering must continue where the previous process stopped")
}
