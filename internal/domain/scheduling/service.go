package scheduling

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/storefront/installsched/internal/domain/order"
	"github.com/storefront/installsched/internal/platform/cache"
	"github.com/storefront/installsched/internal/platform/events"
)

const (
	compensationTimeout = 5 * time.Second

	// A window longer than a day cannot fit on any calendar.
	maxWindowMinutes = 24 * 60
)

type Options struct {
	// OpTimeout bounds each operation as a whole. Zero leaves the caller's
	// deadline in charge.
	OpTimeout    time.Duration
	MaxRangeDays int
	Cache        cache.Store
	Publisher    events.Publisher
	Logger       zerolog.Logger
}

type Service struct {
	cal          *SlotCalendar
	appts        AppointmentRepository
	orders       OrderStore
	ledger       StatusLedger
	cache        cache.Store
	publisher    events.Publisher
	logger       zerolog.Logger
	opTimeout    time.Duration
	maxRangeDays int
}

func NewService(cal *SlotCalendar, appts AppointmentRepository, orders OrderStore, ledger StatusLedger, opts Options) *Service {
	s := &Service{
		cal:          cal,
		appts:        appts,
		orders:       orders,
		ledger:       ledger,
		cache:        opts.Cache,
		publisher:    opts.Publisher,
		logger:       opts.Logger,
		opTimeout:    opts.OpTimeout,
		maxRangeDays: opts.MaxRangeDays,
	}
	if s.cache == nil {
		s.cache = cache.Nop{}
	}
	if s.publisher == nil {
		s.publisher = events.Nop{}
	}
	if s.maxRangeDays <= 0 {
		s.maxRangeDays = 62
	}
	return s
}

func (s *Service) Slots() *SlotCalendar { return s.cal }

func (s *Service) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

// compensate runs a rollback step on a context that survives the request's
// cancellation, so a timed-out booking still cleans up after itself.
func (s *Service) compensate(ctx context.Context, fn func(ctx context.Context) error) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()
	return fn(cctx)
}

// -- Lookups --

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := s.appts.GetByID(ctx, id)
	if errors.Is(err, ErrAppointmentNotFound) {
		return nil, newError(CodeNotFound, "appointment %s was not found", id)
	}
	if err != nil {
		return nil, wrapError(CodePersistenceFailure, err, "could not load appointment %s", id)
	}
	return a, nil
}

func (s *Service) AppointmentForOrder(ctx context.Context, orderID uuid.UUID) (*Appointment, error) {
	a, err := s.appts.GetByOrder(ctx, orderID)
	if errors.Is(err, ErrAppointmentNotFound) {
		return nil, newError(CodeNotFound, "order %s has no installation appointment", orderID)
	}
	if err != nil {
		return nil, wrapError(CodePersistenceFailure, err, "could not load the appointment for order %s", orderID)
	}
	return a, nil
}

func (s *Service) loadOrder(ctx context.Context, id uuid.UUID) (*order.Order, error) {
	o, err := s.orders.GetByID(ctx, id)
	if errors.Is(err, order.ErrNotFound) {
		return nil, newError(CodeOrderNotFound, "order %s was not found", id)
	}
	if err != nil {
		return nil, wrapError(CodePersistenceFailure, err, "could not load order %s", id)
	}
	return o, nil
}

// -- Booking --

// Book places a single-slot installation for an order waiting in the backlog.
func (s *Service) Book(ctx context.Context, req BookRequest) (*Appointment, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	if err := s.validateDateSlot(req.Date, req.Slot); err != nil {
		return nil, err
	}
	return s.book(ctx, req.OrderID, req.Date, []string{req.Slot}, req.Notes, req.Actor)
}

// BookWindow books an installation window, which may cover several slots.
func (s *Service) BookWindow(ctx context.Context, req WindowRequest) (*Appointment, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	if err := s.validateDate(req.Date); err != nil {
		return nil, err
	}
	if _, ok := parseClock(req.Start); !ok {
		return nil, newError(CodeInvalidInput, "start time %q is not a valid HH:MM time", req.Start)
	}
	if req.DurationMinutes < 0 {
		return nil, newError(CodeInvalidInput, "duration must not be negative, got %d minutes", req.DurationMinutes)
	}
	if req.DurationMinutes > maxWindowMinutes {
		return nil, newError(CodeInvalidInput, "duration must be at most %d minutes, got %d", maxWindowMinutes, req.DurationMinutes)
	}
	slots := s.cal.Window(req.Start, req.DurationMinutes)
	if len(slots) == 0 {
		return nil, newError(CodeServerConfig, "the slot calendar has no slots")
	}
	return s.book(ctx, req.OrderID, req.Date, slots, req.Notes, req.Actor)
}

func (s *Service) book(ctx context.Context, orderID uuid.UUID, date string, slots []string, notes, actor string) (*Appointment, error) {
	o, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !o.Status.Backlog() {
		return nil, newError(CodeInvalidOrderStatus,
			"order %s is %s; only confirmed or returned orders can be booked", o.Number, o.Status)
	}

	if err := s.requireFree(ctx, date, slots, uuid.Nil); err != nil {
		return nil, err
	}

	appt := &Appointment{
		OrderID:       o.ID,
		ScheduledDate: date,
		StartSlot:     slots[0],
		CreatedBy:     actor,
	}
	if len(slots) > 1 {
		end := slots[len(slots)-1]
		appt.EndSlot = &end
	}
	if n := strings.TrimSpace(notes); n != "" {
		appt.Notes = &n
	}
	sched := appt.Schedule()

	if err := s.appts.Create(ctx, appt, slots); err != nil {
		switch {
		case errors.Is(err, ErrSlotTaken):
			e := wrapError(CodeSlotUnavailable, err, "the %s slot on %s was just booked by someone else; pick another slot", sched.StartSlot, date)
			e.Conflicts = slots
			return nil, e
		case errors.Is(err, ErrOrderAlreadyScheduled):
			return nil, wrapError(CodeInvalidOrderStatus, err, "order %s already has an installation appointment", o.Number)
		}
		return nil, wrapError(CodePersistenceFailure, err, "could not save the installation for order %s on %s", o.Number, sched)
	}

	start, _ := s.cal.SlotStart(date, slots[0])
	if err := s.orders.UpdateStatus(ctx, o.ID, o.Status, order.StatusInstallationBooked, &start); err != nil {
		return nil, s.rollbackBooking(ctx, o, appt, err)
	}
	s.invalidate(ctx, date)

	note := "installation booked for " + sched.String()
	s.record(ctx, o.ID, o.Status, order.StatusInstallationBooked, actor, note)
	s.publish(ctx, events.InstallationBooked, appt, actor, map[string]interface{}{
		"date": date, "start_slot": sched.StartSlot, "end_slot": sched.EndSlot,
	})
	return appt, nil
}

// rollbackBooking deletes an appointment whose order could not be advanced.
func (s *Service) rollbackBooking(ctx context.Context, o *order.Order, appt *Appointment, cause error) error {
	log := s.logger.With().
		Str("order_id", o.ID.String()).
		Str("appointment_id", appt.ID.String()).
		Str("date", appt.ScheduledDate).
		Str("slot", appt.StartSlot).
		Logger()

	rbErr := s.compensate(ctx, func(cctx context.Context) error {
		err := s.appts.Delete(cctx, appt.ID)
		s.invalidate(cctx, appt.ScheduledDate)
		return err
	})
	if rbErr != nil {
		log.Error().Err(cause).AnErr("rollback_error", rbErr).Msg("booking rollback failed")
		e := wrapError(CodePersistenceFailure, cause,
			"order %s could not be moved to installation_booked and the appointment on %s at %s could not be removed; it must be cleaned up manually",
			o.Number, appt.ScheduledDate, appt.StartSlot)
		e.RollbackFailed = true
		e.RollbackErr = rbErr
		return e
	}
	log.Warn().Err(cause).Msg("booking rolled back")
	return wrapError(CodePersistenceFailure, cause,
		"order %s could not be moved to installation_booked; the booking on %s at %s was undone",
		o.Number, appt.ScheduledDate, appt.StartSlot)
}

// -- Side effects --

// record appends to the status ledger. Failures are logged and never fail the
// operation.
func (s *Service) record(ctx context.Context, orderID uuid.UUID, from, to order.Status, actor, notes string) {
	entry := &order.StatusHistoryEntry{
		OrderID:   orderID,
		OldStatus: from,
		NewStatus: to,
		ChangedBy: actor,
		ChangedAt: s.cal.Now().UTC(),
	}
	if notes != "" {
		entry.Notes = &notes
	}
	if err := s.ledger.Append(ctx, entry); err != nil {
		s.logger.Error().Err(err).
			Str("order_id", orderID.String()).
			Str("old_status", string(from)).
			Str("new_status", string(to)).
			Msg("failed to append status history")
	}
}

func (s *Service) publish(ctx context.Context, t events.Type, appt *Appointment, actor string, data map[string]interface{}) {
	evt := events.New(t, appt.OrderID, s.cal.Now())
	id := appt.ID
	evt.AppointmentID = &id
	evt.Actor = actor
	evt.Data = data
	if err := s.publisher.Publish(ctx, evt); err != nil {
		s.logger.Warn().Err(err).
			Str("order_id", appt.OrderID.String()).
			Str("appointment_id", appt.ID.String()).
			Str("event", string(t)).
			Msg("failed to publish event")
	}
}

// -- Validation --

func (s *Service) validateDate(date string) error {
	if _, ok := parseDate(date); !ok {
		return newError(CodeInvalidInput, "date %q is not a valid date (YYYY-MM-DD)", date)
	}
	return nil
}

func (s *Service) validateDateSlot(date, slot string) error {
	if err := s.validateDate(date); err != nil {
		return err
	}
	if !s.cal.Valid(slot) {
		return newError(CodeInvalidInput, "slot %q is not one of the calendar slots (%s to %s)",
			slot, s.cal.labels[0], s.cal.labels[len(s.cal.labels)-1])
	}
	return nil
}
