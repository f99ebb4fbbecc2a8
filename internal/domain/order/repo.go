package order

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound       = errors.New("order not found")
	ErrStatusConflict = errors.New("order status changed concurrently")
	ErrDuplicate      = errors.New("order number already exists")
)

type Repository interface {
	Create(ctx context.Context, o *Order) error
	GetByID(ctx context.Context, id uuid.UUID) (*Order, error)
	List(ctx context.Context, status Status, limit, offset int) ([]*Order, int, error)
	// UpdateStatus moves the order to "to" and sets installation_date. When
	// from is non-empty the update only applies while the order is still in
	// that status, otherwise ErrStatusConflict is returned.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status, installationDate *time.Time) error
	SetInstallationDate(ctx context.Context, id uuid.UUID, installationDate *time.Time) error
}

type HistoryRepository interface {
	Append(ctx context.Context, e *StatusHistoryEntry) error
	ListByOrder(ctx context.Context, orderID uuid.UUID, limit, offset int) ([]*StatusHistoryEntry, int, error)
}
