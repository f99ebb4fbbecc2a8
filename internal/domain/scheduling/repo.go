package scheduling

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/storefront/installsched/internal/domain/order"
)

var (
	ErrAppointmentNotFound   = errors.New("appointment not found")
	ErrSlotTaken             = errors.New("slot already taken")
	ErrOrderAlreadyScheduled = errors.New("order already has an appointment")
)

// AppointmentRepository is the only writer of appointments. Create and
// Reschedule claim every covered slot atomically and return ErrSlotTaken when
// another appointment holds one of them.
type AppointmentRepository interface {
	Create(ctx context.Context, a *Appointment, slots []string) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetByOrder(ctx context.Context, orderID uuid.UUID) (*Appointment, error)
	// OccupantAt returns the appointment covering (date, slot), if any.
	OccupantAt(ctx context.Context, date, slot string) (uuid.UUID, bool, error)
	ListByRange(ctx context.Context, from, to string) ([]*Appointment, error)
	Reschedule(ctx context.Context, id uuid.UUID, date, startSlot string, endSlot *string, slots []string) error
	Delete(ctx context.Context, id uuid.UUID) error
	MarkCompleted(ctx context.Context, id uuid.UUID) error
}

// OrderStore is the part of order persistence scheduling writes through.
type OrderStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*order.Order, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to order.Status, installationDate *time.Time) error
	SetInstallationDate(ctx context.Context, id uuid.UUID, installationDate *time.Time) error
}

type StatusLedger interface {
	Append(ctx context.Context, e *order.StatusHistoryEntry) error
}
