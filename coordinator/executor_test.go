package coordinator_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cfdnet/cfdd/cfdaggregate"
	"github.com/cfdnet/cfdd/cfdcore"
	"github.com/cfdnet/cfdd/cfdevent"
	"github.com/cfdnet/cfdd/coordinator"
)

func TestExecuteAppendsProducedEvent(t *testing.T) {
	store := cfdevent.NewMemStore()
	exec := coordinator.NewExecutor(store, nil)

	orderId, err := cfdcore.NewOrderId()
	require.NoError(t, err)
	ctx := context.Background()

	result, err := coordinator.Execute(ctx, exec, orderId, func(cfd cfdaggregate.Cfd) (*cfdevent.Event, int, error) {
		require.Equal(t, cfdaggregate.Created, cfd.State)

		event, err := cfdevent.NewEvent(orderId, cfdevent.ContractSetupStarted, struct{}{})
		if err != nil {
			return nil, 0, err
		}
		return &event, 7, nil
	})
	require.NoError(t, err)
	require.Equal(t, 7, result)

	events, err := store.Load(ctx, orderId)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, cfdevent.ContractSetupStarted, events[0].Kind)
}

func TestExecuteSkipsAppendWhenNoEventProduced(t *testing.T) {
	store := cfdevent.NewMemStore()
	exec := coordinator.NewExecutor(store, nil)

	orderId, err := cfdcore.NewOrderId()
	require.NoError(t, err)
	ctx := context.Background()

	_, err = coordinator.Execute(ctx, exec, orderId, func(cfd cfdaggregate.Cfd) (*cfdevent.Event, struct{}, error) {
		return nil, struct{}{}, nil
	})
	require.NoError(t, err)

	events, err := store.Load(ctx, orderId)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestExecutePropagatesClosureError(t *testing.T) {
	store := cfdevent.NewMemStore()
	exec := coordinator.NewExecutor(store, nil)

	orderId, err := cfdcore.NewOrderId()
	require.NoError(t, err)
	ctx := context.Background()

	boom := cfdcore.NewProtocolError(cfdcore.ErrInvalidState, errBoom)
	_, err = coordinator.Execute(ctx, exec, orderId, func(cfd cfdaggregate.Cfd) (*cfdevent.Event, struct{}, error) {
		return nil, struct{}{}, boom
	})
	require.ErrorIs(t, err, boom)
}

var errBoom = errBoomType{}

type errBoomType struct{}

func (errBoomType) Error() string { return "boom" }
