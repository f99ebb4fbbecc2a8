package scheduling

import (
	"time"

	"github.com/google/uuid"
)

// Appointment is a scheduled installation visit. It covers StartSlot through
// EndSlot inclusive on ScheduledDate; a nil EndSlot means a single slot.
type Appointment struct {
	ID            uuid.UUID `json:"id"`
	OrderID       uuid.UUID `json:"order_id"`
	ScheduledDate string    `json:"scheduled_date"`
	StartSlot     string    `json:"start_slot"`
	EndSlot       *string   `json:"end_slot,omitempty"`
	CreatedBy     string    `json:"created_by"`
	Notes         *string   `json:"notes,omitempty"`
	IsCompleted   bool      `json:"is_completed"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (a *Appointment) Schedule() Schedule {
	s := Schedule{Date: a.ScheduledDate, StartSlot: a.StartSlot, EndSlot: a.StartSlot}
	if a.EndSlot != nil {
		s.EndSlot = *a.EndSlot
	}
	return s
}

type Schedule struct {
	Date      string `json:"date"`
	StartSlot string `json:"start_slot"`
	EndSlot   string `json:"end_slot"`
}

func (s Schedule) String() string {
	if s.EndSlot == "" || s.EndSlot == s.StartSlot {
		return s.Date + " " + s.StartSlot
	}
	return s.Date + " " + s.StartSlot + "-" + s.EndSlot
}

const (
	ReasonInvalidSlot   = "invalid slot"
	ReasonInPast        = "in the past"
	ReasonAlreadyBooked = "already booked"
)

type Availability struct {
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

type SlotState struct {
	Available bool `json:"available"`
	Booked    bool `json:"booked"`
	Past      bool `json:"past"`
}

type CellState string

const (
	CellAnchor  CellState = "anchor"
	CellCovered CellState = "covered"
	CellFree    CellState = "free"
	CellPast    CellState = "past"
)

type CalendarCell struct {
	Slot          string     `json:"slot"`
	State         CellState  `json:"state"`
	Past          bool       `json:"past"`
	AppointmentID *uuid.UUID `json:"appointment_id,omitempty"`
	OrderID       *uuid.UUID `json:"order_id,omitempty"`
	Span          int        `json:"span,omitempty"`
	Completed     bool       `json:"completed,omitempty"`
}

type CalendarDay struct {
	Date  string         `json:"date"`
	Cells []CalendarCell `json:"cells"`
}

// MoveCheck is the answer to "can this appointment start at slot on date".
type MoveCheck struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	Date          string    `json:"date"`
	Slots         []string  `json:"slots"`
	Conflicts     []string  `json:"conflicts"`
	Allowed       bool      `json:"allowed"`
	NoChange      bool      `json:"no_change"`
}

type BookRequest struct {
	OrderID uuid.UUID
	Date    string
	Slot    string
	Notes   string
	Actor   string
}

// WindowRequest books an installation window of DurationMinutes starting at
// Start. Start need not be a slot label; it is resolved to the closest slot at
// or after it.
type WindowRequest struct {
	OrderID         uuid.UUID
	Date            string
	Start           string
	DurationMinutes int
	Notes           string
	Actor           string
}

type RescheduleRequest struct {
	OrderID uuid.UUID
	Date    string
	Slot    string
	Reason  string
	Actor   string
}

type RescheduleResult struct {
	Appointment *Appointment `json:"appointment"`
	Previous    Schedule     `json:"previous"`
	Current     Schedule     `json:"current"`
}

type CancelMode string

const (
	CancelDelete CancelMode = "delete"
	CancelReturn CancelMode = "return"
)

// CancelRequest identifies the appointment either directly or through its
// order. Exactly one of AppointmentID and OrderID is set.
type CancelRequest struct {
	AppointmentID uuid.UUID
	OrderID       uuid.UUID
	Mode          CancelMode
	Reason        string
	Actor         string
}

type CancelResult struct {
	AppointmentID *uuid.UUID `json:"appointment_id,omitempty"`
	OrderID       uuid.UUID  `json:"order_id"`
	Mode          CancelMode `json:"mode"`
	OrderStatus   string     `json:"order_status"`
	Message       string     `json:"message"`
	// Repaired is set when a return only had to finish the order-status half
	// of an earlier partial failure.
	Repaired bool `json:"repaired,omitempty"`
}
