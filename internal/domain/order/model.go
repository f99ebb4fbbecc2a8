package order

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusNew                Status = "new"
	StatusConfirmed          Status = "confirmed"
	StatusInstallationBooked Status = "installation_booked"
	StatusInstalled          Status = "installed"
	StatusCancelled          Status = "cancelled"
	StatusReturned           Status = "returned_from_calendar"
)

var allStatuses = []Status{
	StatusNew, StatusConfirmed, StatusInstallationBooked,
	StatusInstalled, StatusCancelled, StatusReturned,
}

func (s Status) Valid() bool {
	for _, st := range allStatuses {
		if s == st {
			return true
		}
	}
	return false
}

// Backlog reports whether an order in this status is waiting for an
// installation date and may be booked.
func (s Status) Backlog() bool {
	return s == StatusConfirmed || s == StatusReturned
}

// Order is the slice of an order the installation calendar works with.
type Order struct {
	ID               uuid.UUID  `json:"id"`
	Number           string     `json:"order_number"`
	CustomerName     string     `json:"customer_name"`
	Status           Status     `json:"status"`
	InstallationDate *time.Time `json:"installation_date,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// StatusHistoryEntry is one row of the append-only status ledger. Notes is
// free text; rendering it for people is left to the client.
type StatusHistoryEntry struct {
	ID        uuid.UUID `json:"id"`
	OrderID   uuid.UUID `json:"order_id"`
	OldStatus Status    `json:"old_status"`
	NewStatus Status    `json:"new_status"`
	ChangedBy string    `json:"changed_by"`
	ChangedAt time.Time `json:"changed_at"`
	Notes     *string   `json:"notes,omitempty"`
}

// transitions lists the moves order management may make on its own.
// installation_booked, installed and returned_from_calendar are entered only
// through the scheduling services.
var transitions = map[Status][]Status{
	StatusNew:                {StatusConfirmed, StatusCancelled},
	StatusConfirmed:          {StatusCancelled},
	StatusReturned:           {StatusConfirmed, StatusCancelled},
	StatusInstallationBooked: {StatusCancelled},
}

func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
