// Package events publishes installation lifecycle notifications for
// downstream consumers (notification senders, installer apps).
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	InstallationBooked      Type = "installation.booked"
	InstallationRescheduled Type = "installation.rescheduled"
	InstallationDeleted     Type = "installation.deleted"
	InstallationReturned    Type = "installation.returned"
	InstallationInstalled   Type = "installation.installed"
	OrderStatusChanged      Type = "order.status_changed"
)

type Event struct {
	ID            uuid.UUID              `json:"id"`
	Type          Type                   `json:"type"`
	OccurredAt    time.Time              `json:"occurred_at"`
	OrderID       uuid.UUID              `json:"order_id"`
	AppointmentID *uuid.UUID             `json:"appointment_id,omitempty"`
	Actor         string                 `json:"actor,omitempty"`
	Data          map[string]interface{} `json:"data,omitempty"`
}

// New stamps an event with a fresh id and the given time.
func New(t Type, orderID uuid.UUID, at time.Time) Event {
	return Event{
		ID:         uuid.New(),
		Type:       t,
		OccurredAt: at.UTC(),
		OrderID:    orderID,
	}
}

// Publisher delivers events. Callers treat delivery as best effort: a failed
// publish never undoes a committed scheduling change.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Fanout publishes to every publisher in order and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, evt Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
