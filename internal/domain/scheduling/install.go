package scheduling

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/storefront/installsched/internal/domain/order"
	"github.com/storefront/installsched/internal/platform/events"
)

// MarkInstalled closes a booked installation: the order becomes installed and
// its appointment is flagged completed.
func (s *Service) MarkInstalled(ctx context.Context, orderID uuid.UUID, actor string) (*Appointment, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	o, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status != order.StatusInstallationBooked {
		return nil, newError(CodeInvalidOrderStatus,
			"order %s is %s; only orders with a booked installation can be marked installed", o.Number, o.Status)
	}
	appt, err := s.AppointmentForOrder(ctx, o.ID)
	if err != nil {
		return nil, err
	}

	if err := s.orders.UpdateStatus(ctx, o.ID, o.Status, order.StatusInstalled, o.InstallationDate); err != nil {
		if errors.Is(err, order.ErrStatusConflict) {
			return nil, wrapError(CodeInvalidOrderStatus, err, "order %s changed status while being marked installed", o.Number)
		}
		return nil, wrapError(CodePersistenceFailure, err, "could not mark order %s as installed", o.Number)
	}

	if err := s.appts.MarkCompleted(ctx, appt.ID); err != nil {
		s.logger.Error().Err(err).
			Str("order_id", o.ID.String()).
			Str("appointment_id", appt.ID.String()).
			Msg("order installed but appointment not marked completed")
		e := wrapError(CodePartialFailure, err,
			"order %s is marked installed, but its appointment on %s could not be flagged completed", o.Number, appt.Schedule())
		e.Completed = []string{StepOrderStatusUpdate}
		e.Failed = []string{StepAppointmentCompleted}
		return nil, e
	}
	appt.IsCompleted = true
	s.invalidate(ctx, appt.ScheduledDate)

	s.record(ctx, o.ID, o.Status, order.StatusInstalled, actor, "installation on "+appt.Schedule().String()+" completed")
	s.publish(ctx, events.InstallationInstalled, appt, actor, map[string]interface{}{"schedule": appt.Schedule()})
	return appt, nil
}
