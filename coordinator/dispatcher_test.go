package coordinator_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cfdnet/cfdd/cfdcore"
	"github.com/cfdnet/cfdd/cfdwire"
	"github.com/cfdnet/cfdd/coordinator"
)

type fakeSubstream struct {
	closed bool
}

func (f *fakeSubstream) Send(cfdwire.Message) error                          { return nil }
func (f *fakeSubstream) Next(context.Context) (cfdwire.Envelope, error)      { return cfdwire.Envelope{}, nil }
func (f *fakeSubstream) Close() error                                        { f.closed = true; return nil }

func TestDispatchRoutesToRegisteredHandler(t *testing.T) {
	tower := coordinator.NewControlTower()
	d := coordinator.NewDispatcher(tower)

	var gotPeer string
	d.RegisterHandler(coordinator.ProtocolRolloverV1, func(ctx context.Context, peerId string, stream cfdwire.Substream) error {
		gotPeer = peerId
		return nil
	})

	stream := &fakeSubstream{}
	err := d.Dispatch(context.Background(), "peer-a", coordinator.ProtocolRolloverV1, stream)
	require.NoError(t, err)
	require.Equal(t, "peer-a", gotPeer)
	require.False(t, stream.closed)
}

func TestDispatchClosesSubstreamForUnregisteredProtocol(t *testing.T) {
	tower := coordinator.NewControlTower()
	d := coordinator.NewDispatcher(tower)

	stream := &fakeSubstream{}
	err := d.Dispatch(context.Background(), "peer-a", coordinator.ProtocolCollabSettlement, stream)
	require.Error(t, err)
	require.True(t, stream.closed)
}

func TestOnPeerDisconnectReleasesTrackedOrders(t *testing.T) {
	tower := coordinator.NewControlTower()
	d := coordinator.NewDispatcher(tower)

	orderId, err := cfdcore.NewOrderId()
	require.NoError(t, err)

	require.NoError(t, tower.ClaimProtocolSlot(orderId, coordinator.RolloverProtocol))
	d.Track("peer-a", orderId)

	released := d.OnPeerDisconnect("peer-a")
	require.Equal(t, []cfdcore.OrderId{orderId}, released)

	_, inFlight := tower.InFlight(orderId)
	require.False(t, inFlight)
}

func TestOutboundRequestsErrorWhenUnwired(t *testing.T) {
	tower := coordinator.NewControlTower()
	d := coordinator.NewDispatcher(tower)

	orderId, err := cfdcore.NewOrderId()
	require.NoError(t, err)

	require.Error(t, d.ProposeRollover(context.Background(), orderId))
}

func TestOutboundRequestsDelegateWhenWired(t *testing.T) {
	tower := coordinator.NewControlTower()
	d := coordinator.NewDispatcher(tower)

	orderId, err := cfdcore.NewOrderId()
	require.NoError(t, err)

	var called cfdcore.OrderId
	d.SetOutboundRequests(coordinator.OutboundRequests{
		Commit: func(ctx context.Context, id cfdcore.OrderId) error {
			called = id
			return nil
		},
	})

	require.NoError(t, d.Commit(context.Background(), orderId))
	require.Equal(t, orderId, called)
}
