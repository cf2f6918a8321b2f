package order

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development mode and tests.
// All reads return deep copies so callers can never race on shared state.
type MemoryStore struct {
	mu         sync.RWMutex
	orders     map[string]*ServiceOrder
	deliveries map[string]*OrderDelivery
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:     make(map[string]*ServiceOrder),
		deliveries: make(map[string]*OrderDelivery),
	}
}

func (m *MemoryStore) CreateOrder(ctx context.Context, o *ServiceOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = copyOrder(o)
	return nil
}

func (m *MemoryStore) GetOrder(ctx context.Context, id string) (*ServiceOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return copyOrder(o), nil
}

func (m *MemoryStore) UpdateOrder(ctx context.Context, o *ServiceOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; !ok {
		return ErrOrderNotFound
	}
	m.orders[o.ID] = copyOrder(o)
	return nil
}

func (m *MemoryStore) ListByParticipant(ctx context.Context, userID string, limit int) ([]*ServiceOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*ServiceOrder
	for _, o := range m.orders {
		if o.BuyerID == userID || o.SellerID == userID {
			out = append(out, copyOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CreateDelivery(ctx context.Context, d *OrderDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries[d.ID] = copyDelivery(d)
	return nil
}

func (m *MemoryStore) GetDelivery(ctx context.Context, id string) (*OrderDelivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deliveries[id]
	if !ok {
		return nil, ErrDeliveryNotFound
	}
	return copyDelivery(d), nil
}

func (m *MemoryStore) UpdateDelivery(ctx context.Context, d *OrderDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deliveries[d.ID]; !ok {
		return ErrDeliveryNotFound
	}
	m.deliveries[d.ID] = copyDelivery(d)
	return nil
}

func (m *MemoryStore) DeleteDelivery(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deliveries[id]; !ok {
		return ErrDeliveryNotFound
	}
	delete(m.deliveries, id)
	return nil
}

func (m *MemoryStore) ListDeliveries(ctx context.Context, orderID string) ([]*OrderDelivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*OrderDelivery
	for _, d := range m.deliveries {
		if d.OrderID == orderID {
			out = append(out, copyDelivery(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (m *MemoryStore) ListAutoAcceptDue(ctx context.Context, before time.Time, limit int) ([]*OrderDelivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*OrderDelivery
	for _, d := range m.deliveries {
		if d.Status == DeliveryPending && d.AutoAcceptAt.Before(before) {
			out = append(out, copyDelivery(d))
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func copyOrder(o *ServiceOrder) *ServiceOrder {
	c := *o
	c.Extras = append([]OrderExtra(nil), o.Extras...)
	c.RequirementFiles = append([]string(nil), o.RequirementFiles...)
	c.StartedAt = copyTime(o.StartedAt)
	c.DeliveredAt = copyTime(o.DeliveredAt)
	c.CompletedAt = copyTime(o.CompletedAt)
	c.CancelledAt = copyTime(o.CancelledAt)
	return &c
}

func copyDelivery(d *OrderDelivery) *OrderDelivery {
	c := *d
	c.Files = append([]string(nil), d.Files...)
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
