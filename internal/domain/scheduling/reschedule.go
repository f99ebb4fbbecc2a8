package scheduling

import (
	"context"
	"errors"
	"strings"

	"github.com/storefront/installsched/internal/domain/order"
	"github.com/storefront/installsched/internal/platform/events"
)

// Reschedule moves an order's appointment to a new start, keeping its length
// and its id. The order status does not change.
func (s *Service) Reschedule(ctx context.Context, req RescheduleRequest) (*RescheduleResult, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	if err := s.validateDateSlot(req.Date, req.Slot); err != nil {
		return nil, err
	}
	appt, err := s.AppointmentForOrder(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if appt.IsCompleted {
		return nil, newError(CodeInvalidOrderStatus,
			"the installation for order %s on %s was already completed and cannot be moved", req.OrderID, appt.ScheduledDate)
	}
	if appt.ScheduledDate == req.Date && appt.StartSlot == req.Slot {
		return nil, newError(CodeNoChangeRequested,
			"the installation is already scheduled on %s at %s; choose a different date or slot", req.Date, req.Slot)
	}

	previous := appt.Schedule()
	target := s.cal.Relocate(appt, req.Slot)
	if err := s.requireFree(ctx, req.Date, target, appt.ID); err != nil {
		return nil, err
	}

	var end *string
	if len(target) > 1 {
		last := target[len(target)-1]
		end = &last
	}
	if err := s.appts.Reschedule(ctx, appt.ID, req.Date, req.Slot, end, target); err != nil {
		switch {
		case errors.Is(err, ErrSlotTaken):
			e := wrapError(CodeSlotUnavailable, err, "the %s slot on %s was just booked by someone else; pick another slot", req.Slot, req.Date)
			e.Conflicts = target
			return nil, e
		case errors.Is(err, ErrAppointmentNotFound):
			return nil, newError(CodeNotFound, "the installation for order %s no longer exists", req.OrderID)
		}
		return nil, wrapError(CodePersistenceFailure, err, "could not move the installation from %s to %s %s", previous, req.Date, req.Slot)
	}

	appt.ScheduledDate = req.Date
	appt.StartSlot = req.Slot
	appt.EndSlot = end
	appt.UpdatedAt = s.cal.Now()
	current := appt.Schedule()
	s.invalidate(ctx, previous.Date, current.Date)

	start, _ := s.cal.SlotStart(req.Date, req.Slot)
	if err := s.orders.SetInstallationDate(ctx, appt.OrderID, &start); err != nil {
		s.logger.Error().Err(err).
			Str("order_id", appt.OrderID.String()).
			Str("appointment_id", appt.ID.String()).
			Str("date", req.Date).
			Str("slot", req.Slot).
			Msg("failed to update installation date after reschedule")
	}

	note := "installation rescheduled from " + previous.String() + " to " + current.String()
	if r := strings.TrimSpace(req.Reason); r != "" {
		note += ": " + r
	}
	s.record(ctx, appt.OrderID, order.StatusInstallationBooked, order.StatusInstallationBooked, req.Actor, note)
	s.publish(ctx, events.InstallationRescheduled, appt, req.Actor, map[string]interface{}{
		"previous": previous, "current": current, "reason": req.Reason,
	})

	return &RescheduleResult{Appointment: appt, Previous: previous, Current: current}, nil
}
