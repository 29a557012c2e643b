package cfdevent

import (
	"context"
	"sync"

	"github.com/cfdnet/cfdd/cfdcore"
)

// MemStore is an in-memory Store, used in tests the way lnd's
// htlcswitch/mock.go test doubles stand in for persistent
// implementations without pulling in a real database.
type MemStore struct {
	mu     sync.Mutex
	events map[cfdcore.OrderId][]Event
	order  []cfdcore.OrderId
}

func NewMemStore() *MemStore {
	return &MemStore{events: make(map[cfdcore.OrderId][]Event)}
}

func (m *MemStore) Append(_ context.Context, event Event) (Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.events[event.OrderId]
	if !ok {
		m.order = append(m.order, event.OrderId)
	}
	event.Sequence = int64(len(existing))
	m.events[event.OrderId] = append(existing, event)

	return event, nil
}

func (m *MemStore) Load(_ context.Context, orderId cfdcore.OrderId) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	events := m.events[orderId]
	out := make([]Event, len(events))
	copy(out, events)
	return out, nil
}

func (m *MemStore) LoadOrderIds(_ context.Context) ([]cfdcore.OrderId, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]cfdcore.OrderId, len(m.order))
	copy(out, m.order)
	return out, nil
}

func (m *MemStore) Close() error { return nil }
