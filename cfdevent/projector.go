package cfdevent

import (
	"context"
	"reflect"
	"sync"

	"github.com/cfdnet/cfdd/cfdcore"
)

// FeedName identifies one of the daemon's reactive projections.
type FeedName string

const (
	FeedCfds               FeedName = "cfds"
	FeedOffers             FeedName = "offers"
	FeedQuote              FeedName = "quote"
	FeedConnectedTakers    FeedName = "connected_takers"
	FeedMakerOnlineStatus  FeedName = "maker_online_status"
)

// Update is one change pushed to a feed subscriber: Kind names the CFD
// event that drove the update (empty for feeds not order-scoped, such
// as quote or maker_online_status), and Value is the projection's new
// state after folding that event in.
type Update struct {
	OrderId cfdcore.OrderId
	Kind    Kind
	Value   interface{}
}

// subscription is a single client's view onto a feed, following
// chainntfs.ConfirmationEvent's buffered-channel-per-registration shape:
// the channel must be buffered so a slow reader never blocks Publish.
type subscription struct {
	updates chan Update
}

// Projector fans out events appended to a Store into per-feed reactive
// streams. It holds no durable state of its own: beyond distributing
// updates as they occur, it only remembers the last update published
// per feed and order in memory, so Subscribe can replay it.
type Projector struct {
	mu     sync.Mutex
	subs   map[FeedName][]*subscription
	latest map[FeedName]map[cfdcore.OrderId]Update

	bufferSize int
}

// NewProjector constructs a Projector. bufferSize bounds how many
// unread updates a subscriber may accumulate before Publish drops its
// oldest pending update rather than blocking the publisher.
func NewProjector(bufferSize int) *Projector {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Projector{
		subs:       make(map[FeedName][]*subscription),
		latest:     make(map[FeedName]map[cfdcore.OrderId]Update),
		bufferSize: bufferSize,
	}
}

// Subscribe registers interest in feed and returns a channel of updates
// plus an unsubscribe func. The feed's latest value per order is
// delivered immediately, then every subsequent change exactly once.
// The channel is closed by unsubscribe, never by the Projector itself,
// so callers must always call it.
func (p *Projector) Subscribe(feed FeedName) (<-chan Update, func()) {
	sub := &subscription{updates: make(chan Update, p.bufferSize)}

	p.mu.Lock()
	p.subs[feed] = append(p.subs[feed], sub)
	for _, update := range p.latest[feed] {
		select {
		case sub.updates <- update:
		default:
		}
	}
	p.mu.Unlock()

	unsubscribe := func() {
		p.mu.Lock()
		defer p.mu.Unlock()

		peers := p.subs[feed]
		for i, s := range peers {
			if s == sub {
				p.subs[feed] = append(peers[:i], peers[i+1:]...)
				break
			}
		}
		close(sub.updates)
	}

	return sub.updates, unsubscribe
}

// Publish pushes an update to every current subscriber of feed. A full
// subscriber buffer has its oldest entry dropped to make room, rather
// than stalling the publisher -- feeds are a best-effort live view, not
// a durable log; Store is the durable log.
func (p *Projector) Publish(feed FeedName, update Update) {
	p.mu.Lock()
	if p.latest[feed] == nil {
		p.latest[feed] = make(map[cfdcore.OrderId]Update)
	}
	p.latest[feed][update.OrderId] = update
	peers := append([]*subscription(nil), p.subs[feed]...)
	p.mu.Unlock()

	for _, sub := range peers {
		select {
		case sub.updates <- update:
		default:
			select {
			case <-sub.updates:
			default:
			}
			select {
			case sub.updates <- update:
			default:
			}
		}
	}
}

// ProjectionFunc derives a feed's next value from an appended event and
// its current value; FeedCfds and FeedOffers each use one to fold
// cfdaggregate state transitions into the value pushed to subscribers.
type ProjectionFunc func(current interface{}, event Event) interface{}

// FeedProjector drives one feed's ProjectionFunc off a Store, publishing
// through a Projector as events are appended. Engines append events to
// Store directly; FeedProjector.Handle is called with each appended
// event so live feeds stay in sync without re-querying Store.
type FeedProjector struct {
	feed    FeedName
	project ProjectionFunc
	proj    *Projector

	mu      sync.Mutex
	current map[cfdcore.OrderId]interface{}
}

func NewFeedProjector(feed FeedName, project ProjectionFunc, proj *Projector) *FeedProjector {
	return &FeedProjector{
		feed:    feed,
		project: project,
		proj:    proj,
		current: make(map[cfdcore.OrderId]interface{}),
	}
}

// Handle folds event into the per-order current value and publishes
// the result. Call it immediately after a successful Store.Append. An
// event that leaves the projected value unchanged publishes nothing --
// subscribers only ever see transitions, never repeats.
func (f *FeedProjector) Handle(event Event) {
	f.mu.Lock()
	prev, seen := f.current[event.OrderId]
	next := f.project(prev, event)
	f.current[event.OrderId] = next
	f.mu.Unlock()

	if seen && reflect.DeepEqual(prev, next) {
		return
	}

	f.proj.Publish(f.feed, Update{
		OrderId: event.OrderId,
		Kind:    event.Kind,
		Value:   next,
	})
}

// Rehydrate replays every stored event for orderId through the
// projection, used at startup so feeds reflect state accumulated
// before the process started, mirroring the CFD aggregate's own
// load-then-fold rehydration.
func (f *FeedProjector) Rehydrate(ctx context.Context, store Store, orderId cfdcore.OrderId) error {
	events, err := store.Load(ctx, orderId)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var current interface{}
	for _, e := range events {
		current = f.project(current, e)
	}
	f.current[orderId] = current

	return nil
}

// Current returns the feed's present value for orderId.
func (f *FeedProjector) Current(orderId cfdcore.OrderId) interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current[orderId]
}
