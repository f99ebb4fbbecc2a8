package order

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/storefront/installsched/internal/platform/events"
)

// -- Mock Repositories --

type mockOrderRepo struct {
	mu     sync.Mutex
	orders map[uuid.UUID]*Order
	// failUpdate makes UpdateStatus return this error.
	failUpdate error
}

func newMockOrderRepo() *mockOrderRepo {
	return &mockOrderRepo{orders: make(map[uuid.UUID]*Order)}
}

func (m *mockOrderRepo) Create(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.orders {
		if existing.Number == o.Number {
			return fmt.Errorf("%w: %s", ErrDuplicate, o.Number)
		}
	}
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	o.CreatedAt = time.Now()
	o.UpdatedAt = o.CreatedAt
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *mockOrderRepo) GetByID(_ context.Context, id uuid.UUID) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("get order %s: %w", id, ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (m *mockOrderRepo) List(_ context.Context, status Status, limit, offset int) ([]*Order, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*Order
	for _, o := range m.orders {
		if status == "" || o.Status == status {
			cp := *o
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Number < result[j].Number })
	total := len(result)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return result[offset:end], total, nil
}

func (m *mockOrderRepo) UpdateStatus(_ context.Context, id uuid.UUID, from, to Status, date *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUpdate != nil {
		return m.failUpdate
	}
	o, ok := m.orders[id]
	if !ok {
		return ErrNotFound
	}
	if from != "" && o.Status != from {
		return ErrStatusConflict
	}
	o.Status = to
	o.InstallationDate = date
	return nil
}

func (m *mockOrderRepo) SetInstallationDate(_ context.Context, id uuid.UUID, date *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return ErrNotFound
	}
	o.InstallationDate = date
	return nil
}

type mockHistoryRepo struct {
	mu      sync.Mutex
	entries []*StatusHistoryEntry
	fail    error
}

func (m *mockHistoryRepo) Append(_ context.Context, e *StatusHistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	e.ID = uuid.New()
	m.entries = append(m.entries, e)
	return nil
}

func (m *mockHistoryRepo) ListByOrder(_ context.Context, orderID uuid.UUID, limit, offset int) ([]*StatusHistoryEntry, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*StatusHistoryEntry
	for _, e := range m.entries {
		if e.OrderID == orderID {
			result = append(result, e)
		}
	}
	return result, len(result), nil
}

type mockPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (m *mockPublisher) Publish(_ context.Context, evt events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
	return nil
}

type mockReleaser struct {
	released []uuid.UUID
	err      error
}

func (m *mockReleaser) ReleaseForOrder(_ context.Context, orderID uuid.UUID, _, _ string) error {
	if m.err != nil {
		return m.err
	}
	m.released = append(m.released, orderID)
	return nil
}
