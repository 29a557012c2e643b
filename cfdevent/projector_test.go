package cfdevent_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cfdnet/cfdd/cfdcore"
	"github.com/cfdnet/cfdd/cfdevent"
)

func stateKindProjection(current interface{}, event cfdevent.Event) interface{} {
	return string(event.Kind)
}

func drain(ch <-chan cfdevent.Update) []cfdevent.Update {
	var out []cfdevent.Update
	for {
		select {
		case u := <-ch:
			out = append(out, u)
		default:
			return out
		}
	}
}

func TestSubscribeDeliversLatestValueFirst(t *testing.T) {
	proj := cfdevent.NewProjector(8)
	feed := cfdevent.NewFeedProjector(cfdevent.FeedCfds, stateKindProjection, proj)
	orderId := mustOrderId(t)

	e, err := cfdevent.NewEvent(orderId, cfdevent.LockConfirmed, nil)
	require.NoError(t, err)
	feed.Handle(e)

	// A subscriber arriving after the fact still sees the feed's
	// current value immediately.
	ch, unsub := proj.Subscribe(cfdevent.FeedCfds)
	defer unsub()

	updates := drain(ch)
	require.Len(t, updates, 1)
	require.Equal(t, string(cfdevent.LockConfirmed), updates[0].Value)
	require.Equal(t, orderId, updates[0].OrderId)
}

func TestFeedSuppressesNoOpUpdates(t *testing.T) {
	proj := cfdevent.NewProjector(8)
	feed := cfdevent.NewFeedProjector(cfdevent.FeedCfds, stateKindProjection, proj)
	orderId := mustOrderId(t)

	ch, unsub := proj.Subscribe(cfdevent.FeedCfds)
	defer unsub()

	e, err := cfdevent.NewEvent(orderId, cfdevent.CommitConfirmed, nil)
	require.NoError(t, err)
	feed.Handle(e)
	feed.Handle(e) // same projected value: must not publish again

	updates := drain(ch)
	require.Len(t, updates, 1, "a no-op fold must not reach subscribers")
}

func TestPublishDropsOldestWhenSubscriberLags(t *testing.T) {
	proj := cfdevent.NewProjector(2)
	orderId := mustOrderId(t)

	ch, unsub := proj.Subscribe(cfdevent.FeedQuote)
	defer unsub()

	for i := 0; i < 5; i++ {
		proj.Publish(cfdevent.FeedQuote, cfdevent.Update{OrderId: orderId, Value: i})
	}

	updates := drain(ch)
	require.Len(t, updates, 2)
	require.Equal(t, 4, updates[len(updates)-1].Value, "the newest update must survive the drops")
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	proj := cfdevent.NewProjector(4)
	orderId := mustOrderId(t)

	ch, unsub := proj.Subscribe(cfdevent.FeedOffers)
	unsub()

	// The channel is closed by unsubscribe; publishing afterwards must
	// not panic or resurrect it.
	proj.Publish(cfdevent.FeedOffers, cfdevent.Update{OrderId: orderId, Value: "x"})

	_, open := <-ch
	require.False(t, open)
}