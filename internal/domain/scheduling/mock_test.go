package scheduling

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/storefront/installsched/internal/domain/order"
	"github.com/storefront/installsched/internal/platform/cache"
	"github.com/storefront/installsched/internal/platform/events"
)

// -- Mock Repositories --

type slotKey struct{ date, slot string }

// mockAppointmentRepo claims slots in a map the way the appointment_slot
// primary key does, so concurrent bookings race on the same guard.
type mockAppointmentRepo struct {
	mu     sync.Mutex
	appts  map[uuid.UUID]*Appointment
	slots  map[slotKey]uuid.UUID
	claims map[uuid.UUID][]slotKey

	failDelete   error
	failComplete error
	failList     error
	listCalls    int

	// afterList runs once the range snapshot is taken, before it is returned.
	afterList func()
}

func newMockAppointmentRepo() *mockAppointmentRepo {
	return &mockAppointmentRepo{
		appts:  make(map[uuid.UUID]*Appointment),
		slots:  make(map[slotKey]uuid.UUID),
		claims: make(map[uuid.UUID][]slotKey),
	}
}

func (m *mockAppointmentRepo) claim(id uuid.UUID, date string, slots []string) error {
	for _, s := range slots {
		if holder, ok := m.slots[slotKey{date, s}]; ok && holder != id {
			return fmt.Errorf("claim slots: %w", ErrSlotTaken)
		}
	}
	keys := make([]slotKey, 0, len(slots))
	for _, s := range slots {
		k := slotKey{date, s}
		m.slots[k] = id
		keys = append(keys, k)
	}
	m.claims[id] = keys
	return nil
}

func (m *mockAppointmentRepo) release(id uuid.UUID) {
	for _, k := range m.claims[id] {
		delete(m.slots, k)
	}
	delete(m.claims, id)
}

func (m *mockAppointmentRepo) Create(_ context.Context, a *Appointment, slots []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.appts {
		if existing.OrderID == a.OrderID {
			return ErrOrderAlreadyScheduled
		}
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if err := m.claim(a.ID, a.ScheduledDate, slots); err != nil {
		return err
	}
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	cp := *a
	m.appts[a.ID] = &cp
	return nil
}

func (m *mockAppointmentRepo) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *mockAppointmentRepo) GetByOrder(_ context.Context, orderID uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.appts {
		if a.OrderID == orderID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrAppointmentNotFound
}

func (m *mockAppointmentRepo) OccupantAt(_ context.Context, date, slot string) (uuid.UUID, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.slots[slotKey{date, slot}]
	return id, ok, nil
}

func (m *mockAppointmentRepo) ListByRange(_ context.Context, from, to string) ([]*Appointment, error) {
	out, err := m.snapshot(from, to)
	m.mu.Lock()
	hook := m.afterList
	m.afterList = nil
	m.mu.Unlock()
	if hook != nil {
		hook()
	}
	return out, err
}

func (m *mockAppointmentRepo) snapshot(from, to string) ([]*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	if m.failList != nil {
		return nil, m.failList
	}
	var out []*Appointment
	for _, a := range m.appts {
		if a.ScheduledDate >= from && a.ScheduledDate <= to {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduledDate != out[j].ScheduledDate {
			return out[i].ScheduledDate < out[j].ScheduledDate
		}
		return out[i].StartSlot < out[j].StartSlot
	})
	return out, nil
}

func (m *mockAppointmentRepo) Reschedule(_ context.Context, id uuid.UUID, date, startSlot string, endSlot *string, slots []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok {
		return ErrAppointmentNotFound
	}
	previous := m.claims[id]
	m.release(id)
	if err := m.claim(id, date, slots); err != nil {
		for _, k := range previous {
			m.slots[k] = id
		}
		m.claims[id] = previous
		return err
	}
	a.ScheduledDate = date
	a.StartSlot = startSlot
	a.EndSlot = endSlot
	a.UpdatedAt = time.Now()
	return nil
}

func (m *mockAppointmentRepo) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failDelete != nil {
		return m.failDelete
	}
	if _, ok := m.appts[id]; !ok {
		return ErrAppointmentNotFound
	}
	m.release(id)
	delete(m.appts, id)
	return nil
}

func (m *mockAppointmentRepo) MarkCompleted(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failComplete != nil {
		return m.failComplete
	}
	a, ok := m.appts[id]
	if !ok {
		return ErrAppointmentNotFound
	}
	a.IsCompleted = true
	return nil
}

func (m *mockAppointmentRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.appts)
}

type mockOrderStore struct {
	mu     sync.Mutex
	orders map[uuid.UUID]*order.Order
	// failUpdate makes UpdateStatus return this error.
	failUpdate error
}

func newMockOrderStore() *mockOrderStore {
	return &mockOrderStore{orders: make(map[uuid.UUID]*order.Order)}
}

func (m *mockOrderStore) add(number string, status order.Status) *order.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := &order.Order{ID: uuid.New(), Number: number, CustomerName: "Customer " + number, Status: status}
	m.orders[o.ID] = o
	cp := *o
	return &cp
}

func (m *mockOrderStore) GetByID(_ context.Context, id uuid.UUID) (*order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("get order %s: %w", id, order.ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (m *mockOrderStore) UpdateStatus(_ context.Context, id uuid.UUID, from, to order.Status, date *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUpdate != nil {
		return m.failUpdate
	}
	o, ok := m.orders[id]
	if !ok {
		return order.ErrNotFound
	}
	if from != "" && o.Status != from {
		return order.ErrStatusConflict
	}
	o.Status = to
	o.InstallationDate = date
	return nil
}

func (m *mockOrderStore) SetInstallationDate(_ context.Context, id uuid.UUID, date *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return order.ErrNotFound
	}
	o.InstallationDate = date
	return nil
}

func (m *mockOrderStore) status(id uuid.UUID) order.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orders[id].Status
}

type mockLedger struct {
	mu      sync.Mutex
	entries []*order.StatusHistoryEntry
	fail    error
}

func (m *mockLedger) Append(_ context.Context, e *order.StatusHistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.entries = append(m.entries, e)
	return nil
}

func (m *mockLedger) last() *order.StatusHistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return nil
	}
	return m.entries[len(m.entries)-1]
}

type mockPublisher struct {
	mu        sync.Mutex
	published []events.Event
}

func (m *mockPublisher) Publish(_ context.Context, evt events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, evt)
	return nil
}

func (m *mockPublisher) types() []events.Type {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]events.Type, 0, len(m.published))
	for _, e := range m.published {
		out = append(out, e.Type)
	}
	return out
}

// -- Fixtures --

// fixedNow is Wednesday 2025-06-11 11:30 UTC.
var fixedNow = time.Date(2025, 6, 11, 11, 30, 0, 0, time.UTC)

const (
	today    = "2025-06-11"
	tomorrow = "2025-06-12"
)

type testEnv struct {
	svc    *Service
	appts  *mockAppointmentRepo
	orders *mockOrderStore
	ledger *mockLedger
	pub    *mockPublisher
	cache  *cache.LRUStore
}

func newTestCalendar(granularity int) *SlotCalendar {
	cal, err := NewSlotCalendar("09:00", "19:00", granularity, time.UTC, ClockFunc(func() time.Time { return fixedNow }))
	if err != nil {
		panic(err)
	}
	return cal
}

func newTestEnv() *testEnv {
	return newTestEnvWithCalendar(newTestCalendar(60))
}

func newTestEnvWithCalendar(cal *SlotCalendar) *testEnv {
	env := &testEnv{
		appts:  newMockAppointmentRepo(),
		orders: newMockOrderStore(),
		ledger: &mockLedger{},
		pub:    &mockPublisher{},
		cache:  cache.NewLRUStore(64, time.Minute),
	}
	env.svc = NewService(cal, env.appts, env.orders, env.ledger, Options{
		OpTimeout:    5 * time.Second,
		MaxRangeDays: 31,
		Cache:        env.cache,
		Publisher:    env.pub,
		Logger:       zerolog.Nop(),
	})
	return env
}
