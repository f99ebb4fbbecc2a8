package scheduling

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/storefront/installsched/internal/domain/order"
	"github.com/storefront/installsched/internal/platform/events"
)

// Cancel removes an installation appointment. In delete mode the order status
// is left alone; in return mode the order goes back to the backlog as
// returned_from_calendar with its installation date cleared.
func (s *Service) Cancel(ctx context.Context, req CancelRequest) (*CancelResult, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	if req.Mode != CancelDelete && req.Mode != CancelReturn {
		return nil, newError(CodeInvalidInput, "cancel mode must be %q or %q, got %q", CancelDelete, CancelReturn, req.Mode)
	}
	byOrder := req.OrderID != uuid.Nil
	if byOrder == (req.AppointmentID != uuid.Nil) {
		return nil, newError(CodeInvalidInput, "give either an appointment or an order to cancel, not both or neither")
	}

	var (
		appt *Appointment
		err  error
	)
	if byOrder {
		appt, err = s.appts.GetByOrder(ctx, req.OrderID)
	} else {
		appt, err = s.appts.GetByID(ctx, req.AppointmentID)
	}
	if errors.Is(err, ErrAppointmentNotFound) {
		if byOrder && req.Mode == CancelReturn {
			return s.repairReturn(ctx, req)
		}
		if byOrder {
			return nil, newError(CodeNotFound, "order %s has no installation appointment to cancel", req.OrderID)
		}
		return nil, newError(CodeNotFound, "appointment %s was not found", req.AppointmentID)
	}
	if err != nil {
		return nil, wrapError(CodePersistenceFailure, err, "could not load the installation to cancel")
	}
	if appt.IsCompleted {
		return nil, newError(CodeInvalidOrderStatus,
			"the installation on %s at %s was already completed and cannot be cancelled", appt.ScheduledDate, appt.StartSlot)
	}

	sched := appt.Schedule()
	if err := s.appts.Delete(ctx, appt.ID); err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, newError(CodeNotFound, "the installation on %s was already removed", sched)
		}
		return nil, wrapError(CodePersistenceFailure, err, "could not remove the installation on %s", sched)
	}
	s.invalidate(ctx, sched.Date)

	apptID := appt.ID
	result := &CancelResult{AppointmentID: &apptID, OrderID: appt.OrderID, Mode: req.Mode}
	reason := strings.TrimSpace(req.Reason)

	if req.Mode == CancelDelete {
		status := order.StatusInstallationBooked
		if o, err := s.orders.GetByID(ctx, appt.OrderID); err == nil {
			status = o.Status
		} else {
			s.logger.Warn().Err(err).Str("order_id", appt.OrderID.String()).Msg("could not load order for history")
		}
		result.OrderStatus = string(status)
		result.Message = "the installation on " + sched.String() + " was deleted"
		s.record(ctx, appt.OrderID, status, status, req.Actor, withReason("installation on "+sched.String()+" deleted", reason))
		s.publish(ctx, events.InstallationDeleted, appt, req.Actor, map[string]interface{}{
			"schedule": sched, "reason": reason,
		})
		return result, nil
	}

	o, err := s.returnToBacklog(ctx, appt.OrderID)
	if err != nil {
		s.logger.Error().Err(err).
			Str("order_id", appt.OrderID.String()).
			Str("appointment_id", appt.ID.String()).
			Str("date", sched.Date).
			Str("slot", sched.StartSlot).
			Msg("appointment deleted but order not returned to backlog")
		s.record(ctx, appt.OrderID, order.StatusInstallationBooked, order.StatusInstallationBooked, req.Actor,
			withReason("installation on "+sched.String()+" deleted, return to backlog pending", reason))
		s.publish(ctx, events.InstallationDeleted, appt, req.Actor, map[string]interface{}{
			"schedule": sched, "reason": reason, "return_pending": true,
		})
		e := wrapError(CodePartialFailure, err,
			"the installation on %s was removed, but order %s could not be returned to the backlog; repeat the return for this order to finish",
			sched, appt.OrderID)
		e.Completed = []string{StepAppointmentDeleted}
		e.Failed = []string{StepOrderStatusUpdate}
		return nil, e
	}

	result.OrderStatus = string(order.StatusReturned)
	result.Message = "the installation on " + sched.String() + " was removed and order " + o.Number + " is back in the backlog"
	s.record(ctx, o.ID, o.Status, order.StatusReturned, req.Actor, withReason("installation on "+sched.String()+" returned to backlog", reason))
	s.publish(ctx, events.InstallationReturned, appt, req.Actor, map[string]interface{}{
		"schedule": sched, "reason": reason,
	})
	return result, nil
}

// returnToBacklog moves a booked order to returned_from_calendar and clears its
// installation date. It returns the order as it was before the change.
func (s *Service) returnToBacklog(ctx context.Context, orderID uuid.UUID) (*order.Order, error) {
	o, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := s.orders.UpdateStatus(ctx, o.ID, o.Status, order.StatusReturned, nil); err != nil {
		return nil, err
	}
	return o, nil
}

// repairReturn finishes a return whose appointment delete already happened:
// the order is still installation_booked but has nothing on the calendar.
func (s *Service) repairReturn(ctx context.Context, req CancelRequest) (*CancelResult, error) {
	o, err := s.loadOrder(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if o.Status != order.StatusInstallationBooked {
		return nil, newError(CodeNotFound, "order %s has no installation appointment to cancel", o.Number)
	}
	if err := s.orders.UpdateStatus(ctx, o.ID, o.Status, order.StatusReturned, nil); err != nil {
		e := wrapError(CodePartialFailure, err, "order %s still could not be returned to the backlog; try again", o.Number)
		e.Completed = []string{StepAppointmentDeleted}
		e.Failed = []string{StepOrderStatusUpdate}
		return nil, e
	}

	s.logger.Info().Str("order_id", o.ID.String()).Msg("completed return of order left booked without appointment")
	s.record(ctx, o.ID, o.Status, order.StatusReturned, req.Actor,
		withReason("order returned to backlog after its installation was removed", strings.TrimSpace(req.Reason)))

	evt := events.New(events.InstallationReturned, o.ID, s.cal.Now())
	evt.Actor = req.Actor
	evt.Data = map[string]interface{}{"repaired": true, "reason": req.Reason}
	if err := s.publisher.Publish(ctx, evt); err != nil {
		s.logger.Warn().Err(err).Str("order_id", o.ID.String()).Msg("failed to publish event")
	}

	return &CancelResult{
		OrderID:     o.ID,
		Mode:        CancelReturn,
		OrderStatus: string(order.StatusReturned),
		Message:     "order " + o.Number + " is back in the backlog",
		Repaired:    true,
	}, nil
}

// ReleaseForOrder deletes the order's appointment, if it has one, without
// touching the order status. Order management calls it when a booked order
// is cancelled.
func (s *Service) ReleaseForOrder(ctx context.Context, orderID uuid.UUID, actor, reason string) error {
	_, err := s.Cancel(ctx, CancelRequest{OrderID: orderID, Mode: CancelDelete, Reason: reason, Actor: actor})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func withReason(note, reason string) string {
	if reason == "" {
		return note
	}
	return note + ": " + reason
}
