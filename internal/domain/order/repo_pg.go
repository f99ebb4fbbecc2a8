package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/storefront/installsched/internal/platform/db"
)

// =========== Order Repository ===========

type orderRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &orderRepoPG{pool: pool} }

const orderCols = `id, order_number, customer_name, status, installation_date, created_at, updated_at`

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.Number, &o.CustomerName, &o.Status, &o.InstallationDate, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan order: %w", err)
	}
	return &o, nil
}

func (r *orderRepoPG) Create(ctx context.Context, o *Order) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO installation_order (id, order_number, customer_name, status, installation_date)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`,
		o.ID, o.Number, o.CustomerName, o.Status, o.InstallationDate,
	).Scan(&o.CreatedAt, &o.UpdatedAt)
	if _, ok := db.UniqueViolation(err); ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, o.Number)
	}
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (r *orderRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	return scanOrder(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+orderCols+` FROM installation_order WHERE id = $1`, id))
}

func (r *orderRepoPG) List(ctx context.Context, status Status, limit, offset int) ([]*Order, int, error) {
	where := ``
	var args []interface{}
	if status != "" {
		where = ` WHERE status = $1`
		args = append(args, status)
	}

	var total int
	if err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT COUNT(*) FROM installation_order`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count orders: %w", err)
	}

	query := fmt.Sprintf(`SELECT `+orderCols+` FROM installation_order`+where+
		` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	rows, err := db.Conn(ctx, r.pool).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var items []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, o)
	}
	return items, total, rows.Err()
}

func (r *orderRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status, installationDate *time.Time) error {
	q := db.Conn(ctx, r.pool)
	var (
		tag pgconn.CommandTag
		err error
	)
	if from == "" {
		tag, err = q.Exec(ctx, `
			UPDATE installation_order SET status = $2, installation_date = $3, updated_at = NOW()
			WHERE id = $1`, id, to, installationDate)
	} else {
		tag, err = q.Exec(ctx, `
			UPDATE installation_order SET status = $3, installation_date = $4, updated_at = NOW()
			WHERE id = $1 AND status = $2`, id, from, to, installationDate)
	}
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := r.GetByID(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: expected %s", ErrStatusConflict, from)
}

func (r *orderRepoPG) SetInstallationDate(ctx context.Context, id uuid.UUID, installationDate *time.Time) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE installation_order SET installation_date = $2, updated_at = NOW() WHERE id = $1`,
		id, installationDate)
	if err != nil {
		return fmt.Errorf("update installation date: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// =========== Status History Repository ===========

type historyRepoPG struct{ pool *pgxpool.Pool }

func NewHistoryRepoPG(pool *pgxpool.Pool) HistoryRepository { return &historyRepoPG{pool: pool} }

const historyCols = `id, order_id, old_status, new_status, changed_by, changed_at, notes`

func (r *historyRepoPG) Append(ctx context.Context, e *StatusHistoryEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.ChangedAt.IsZero() {
		e.ChangedAt = time.Now().UTC()
	}
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO order_status_history (id, order_id, old_status, new_status, changed_by, changed_at, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.OrderID, e.OldStatus, e.NewStatus, e.ChangedBy, e.ChangedAt, e.Notes)
	if err != nil {
		return fmt.Errorf("append status history: %w", err)
	}
	return nil
}

func (r *historyRepoPG) ListByOrder(ctx context.Context, orderID uuid.UUID, limit, offset int) ([]*StatusHistoryEntry, int, error) {
	var total int
	if err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT COUNT(*) FROM order_status_history WHERE order_id = $1`, orderID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count status history: %w", err)
	}
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+historyCols+` FROM order_status_history
		WHERE order_id = $1 ORDER BY changed_at, id LIMIT $2 OFFSET $3`, orderID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list status history: %w", err)
	}
	defer rows.Close()

	var items []*StatusHistoryEntry
	for rows.Next() {
		var e StatusHistoryEntry
		if err := rows.Scan(&e.ID, &e.OrderID, &e.OldStatus, &e.NewStatus, &e.ChangedBy, &e.ChangedAt, &e.Notes); err != nil {
			return nil, 0, fmt.Errorf("scan status history: %w", err)
		}
		items = append(items, &e)
	}
	return items, total, rows.Err()
}
