package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/storefront/installsched/internal/platform/events"
)

var (
	ErrInvalidInput      = errors.New("invalid order input")
	ErrInvalidTransition = errors.New("status transition not allowed")
)

// Steps named in a PartialFailureError.
const (
	StepSlotReleased      = "appointment_deleted"
	StepOrderStatusUpdate = "order_status_update"
)

// PartialFailureError reports a status change that stopped after some of its
// steps took effect. Repeating the same change finishes it.
type PartialFailureError struct {
	Message   string
	Completed []string
	Failed    []string
	Err       error
}

func (e *PartialFailureError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *PartialFailureError) Unwrap() error { return e.Err }

// ScheduleReleaser frees the calendar slot held by an order that is being
// cancelled while booked.
type ScheduleReleaser interface {
	ReleaseForOrder(ctx context.Context, orderID uuid.UUID, actor, reason string) error
}

type Options struct {
	Publisher events.Publisher
	Logger    zerolog.Logger
	Now       func() time.Time
}

type Service struct {
	orders    Repository
	history   HistoryRepository
	releaser  ScheduleReleaser
	publisher events.Publisher
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(orders Repository, history HistoryRepository, opts Options) *Service {
	s := &Service{
		orders:    orders,
		history:   history,
		publisher: opts.Publisher,
		logger:    opts.Logger,
		now:       opts.Now,
	}
	if s.publisher == nil {
		s.publisher = events.Nop{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// SetReleaser wires the scheduling side after both services exist.
func (s *Service) SetReleaser(r ScheduleReleaser) {
	s.releaser = r
}

func (s *Service) Create(ctx context.Context, o *Order) error {
	o.Number = strings.TrimSpace(o.Number)
	o.CustomerName = strings.TrimSpace(o.CustomerName)
	if o.Number == "" {
		return fmt.Errorf("%w: order_number is required", ErrInvalidInput)
	}
	if o.CustomerName == "" {
		return fmt.Errorf("%w: customer_name is required", ErrInvalidInput)
	}
	if o.Status == "" {
		o.Status = StatusNew
	}
	// Orders enter the system before they are scheduled.
	if o.Status != StatusNew && o.Status != StatusConfirmed {
		return fmt.Errorf("%w: an order can only be created as %s or %s", ErrInvalidInput, StatusNew, StatusConfirmed)
	}
	o.InstallationDate = nil
	return s.orders.Create(ctx, o)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Order, error) {
	return s.orders.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, status Status, limit, offset int) ([]*Order, int, error) {
	if status != "" && !status.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}
	return s.orders.List(ctx, status, limit, offset)
}

func (s *Service) History(ctx context.Context, orderID uuid.UUID, limit, offset int) ([]*StatusHistoryEntry, int, error) {
	if _, err := s.orders.GetByID(ctx, orderID); err != nil {
		return nil, 0, err
	}
	return s.history.ListByOrder(ctx, orderID, limit, offset)
}

// ChangeStatus applies an order-management transition. Cancelling a booked
// order releases its installation slot first.
func (s *Service) ChangeStatus(ctx context.Context, id uuid.UUID, to Status, actor, notes string) (*Order, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, to)
	}
	o, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(o.Status, to) {
		return nil, fmt.Errorf("%w: order %s cannot move from %s to %s", ErrInvalidTransition, o.Number, o.Status, to)
	}

	date := o.InstallationDate
	released := false
	if o.Status == StatusInstallationBooked && to == StatusCancelled {
		if s.releaser != nil {
			if err := s.releaser.ReleaseForOrder(ctx, o.ID, actor, notes); err != nil {
				return nil, fmt.Errorf("release installation slot for order %s: %w", o.Number, err)
			}
			released = true
		}
		date = nil
	}

	if err := s.orders.UpdateStatus(ctx, o.ID, o.Status, to, date); err != nil {
		if released {
			s.logger.Error().Err(err).
				Str("order_id", o.ID.String()).
				Str("new_status", string(to)).
				Msg("installation slot released but order status not updated")
			return nil, &PartialFailureError{
				Message: fmt.Sprintf("the installation slot of order %s was released, but the order could not be moved to %s; repeat the change to finish",
					o.Number, to),
				Completed: []string{StepSlotReleased},
				Failed:    []string{StepOrderStatusUpdate},
				Err:       err,
			}
		}
		return nil, err
	}

	entry := &StatusHistoryEntry{
		OrderID:   o.ID,
		OldStatus: o.Status,
		NewStatus: to,
		ChangedBy: actor,
		ChangedAt: s.now().UTC(),
	}
	if notes != "" {
		entry.Notes = &notes
	}
	if err := s.history.Append(ctx, entry); err != nil {
		s.logger.Error().Err(err).Str("order_id", o.ID.String()).Msg("failed to append status history")
	}

	evt := events.New(events.OrderStatusChanged, o.ID, entry.ChangedAt)
	evt.Actor = actor
	evt.Data = map[string]interface{}{"old_status": o.Status, "new_status": to}
	if err := s.publisher.Publish(ctx, evt); err != nil {
		s.logger.Warn().Err(err).Str("order_id", o.ID.String()).Str("event", string(evt.Type)).Msg("failed to publish event")
	}

	o.Status = to
	o.InstallationDate = date
	o.UpdatedAt = entry.ChangedAt
	return o, nil
}
