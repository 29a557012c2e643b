package coordinator

import (
	"context"
	"fmt"
	"sync"

	"github.com/cfdnet/cfdd/cfdaggregate"
	"github.com/cfdnet/cfdd/cfdcore"
	"github.com/cfdnet/cfdd/cfdevent"
)

// Executor is the coordinator's sole interface to the CFD aggregate:
// Execute loads the aggregate, runs the closure under a per-order
// logical lock, appends the produced event (if any) to the store,
// notifies projection, and returns the residue. All engines mutate the
// aggregate exclusively through it; none ever see cfdevent.Store or
// cfdaggregate.Rehydrate directly.
type Executor struct {
	store cfdevent.Store
	feed  *cfdevent.FeedProjector

	mu         sync.Mutex
	orderLocks map[cfdcore.OrderId]*sync.Mutex
}

// NewExecutor wires an Executor to the event store it appends to and the
// feed projector it notifies after each append. feed may be nil in tests
// that don't care about projection.
func NewExecutor(store cfdevent.Store, feed *cfdevent.FeedProjector) *Executor {
	return &Executor{
		store:      store,
		feed:       feed,
		orderLocks: make(map[cfdcore.OrderId]*sync.Mutex),
	}
}

// lockFor returns the per-order mutex, creating it on first use.
// Distinct orders never block each other; no cross-order ordering is
// guaranteed.
func (e *Executor) lockFor(orderId cfdcore.OrderId) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	l, ok := e.orderLocks[orderId]
	if !ok {
		l = &sync.Mutex{}
		e.orderLocks[orderId] = l
	}
	return l
}

// ExecFunc is the synchronous closure Execute runs against a rehydrated
// aggregate. It must never suspend -- the aggregate is never held
// across a suspension point -- so it takes no context and performs no
// I/O; any event it wants appended is its first return value.
type ExecFunc[T any] func(cfd cfdaggregate.Cfd) (*cfdevent.Event, T, error)

// Execute rehydrates orderId's aggregate, runs fn against it under the
// order's logical lock, appends the event fn produced (if any), notifies
// the feed projector, and returns fn's residue. Execute is a free
// function rather than a method because Go methods cannot carry their
// own type parameters independent of the receiver's.
func Execute[T any](ctx context.Context, e *Executor, orderId cfdcore.OrderId, fn ExecFunc[T]) (T, error) {
	var zero T

	lock := e.lockFor(orderId)
	lock.Lock()
	defer lock.Unlock()

	cfd, err := cfdaggregate.Rehydrate(ctx, e.store, orderId)
	if err != nil {
		return zero, fmt.Errorf("rehydrating order %s: %w", orderId, err)
	}

	event, result, err := fn(cfd)
	if err != nil {
		return zero, err
	}

	if event != nil {
		appended, err := e.store.Append(ctx, *event)
		if err != nil {
			return zero, fmt.Errorf("appending event for order %s: %w", orderId, err)
		}
		if e.feed != nil {
			e.feed.Handle(appended)
		}
	}

	return result, nil
}

// Rehydrate exposes a read-only load of an order's current aggregate
// state, for callers (like the daemon's rollover and settlement handlers,
// loading an order's terms before spinning up an engine) that
// need to inspect state without mutating it and so don't need the
// per-order lock Execute takes.
func Rehydrate(ctx context.Context, e *Executor, orderId cfdcore.OrderId) (cfdaggregate.Cfd, error) {
	return cfdaggregate.Rehydrate(ctx, e.store, orderId)
}

// AllOrderIds returns every order with at least one event, used to drive
// startup rehydration of in-flight protocol state.
func (e *Executor) AllOrderIds(ctx context.Context) ([]cfdcore.OrderId, error) {
	return e.store.LoadOrderIds(ctx)
}
