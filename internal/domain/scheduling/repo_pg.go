package scheduling

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/storefront/installsched/internal/platform/db"
)

type appointmentRepoPG struct{ pool *pgxpool.Pool }

func NewAppointmentRepoPG(pool *pgxpool.Pool) AppointmentRepository {
	return &appointmentRepoPG{pool: pool}
}

const apptCols = `id, order_id, scheduled_date::text, start_slot, end_slot, created_by, notes,
	is_completed, created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(&a.ID, &a.OrderID, &a.ScheduledDate, &a.StartSlot, &a.EndSlot, &a.CreatedBy, &a.Notes,
		&a.IsCompleted, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAppointmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan appointment: %w", err)
	}
	return &a, nil
}

// mapWriteError turns unique violations into the repository sentinels.
func mapWriteError(err error, op string) error {
	if constraint, ok := db.UniqueViolation(err); ok {
		if constraint == "appointment_order_id_key" {
			return ErrOrderAlreadyScheduled
		}
		return fmt.Errorf("%s: %w (%s)", op, ErrSlotTaken, constraint)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (r *appointmentRepoPG) claimSlots(ctx context.Context, id uuid.UUID, date string, slots []string) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO appointment_slot (scheduled_date, slot_label, appointment_id)
		SELECT $1::date, label, $3 FROM unnest($2::text[]) AS label`,
		date, slots, id)
	if err != nil {
		return mapWriteError(err, "claim slots")
	}
	return nil
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment, slots []string) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		err := db.Conn(ctx, r.pool).QueryRow(ctx, `
			INSERT INTO appointment (id, order_id, scheduled_date, start_slot, end_slot, created_by, notes)
			VALUES ($1, $2, $3::date, $4, $5, $6, $7)
			RETURNING created_at, updated_at`,
			a.ID, a.OrderID, a.ScheduledDate, a.StartSlot, a.EndSlot, a.CreatedBy, a.Notes,
		).Scan(&a.CreatedAt, &a.UpdatedAt)
		if err != nil {
			return mapWriteError(err, "insert appointment")
		}
		return r.claimSlots(ctx, a.ID, a.ScheduledDate, slots)
	})
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return scanAppointment(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+apptCols+` FROM appointment WHERE id = $1`, id))
}

func (r *appointmentRepoPG) GetByOrder(ctx context.Context, orderID uuid.UUID) (*Appointment, error) {
	return scanAppointment(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+apptCols+` FROM appointment WHERE order_id = $1`, orderID))
}

func (r *appointmentRepoPG) OccupantAt(ctx context.Context, date, slot string) (uuid.UUID, bool, error) {
	var id uuid.UUID
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT appointment_id FROM appointment_slot WHERE scheduled_date = $1::date AND slot_label = $2`,
		date, slot).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("query slot occupant: %w", err)
	}
	return id, true, nil
}

func (r *appointmentRepoPG) ListByRange(ctx context.Context, from, to string) ([]*Appointment, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+apptCols+` FROM appointment
		WHERE scheduled_date BETWEEN $1::date AND $2::date
		ORDER BY scheduled_date, start_slot`, from, to)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	defer rows.Close()

	var items []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

// Reschedule moves the appointment in place. The old slot claims are dropped
// and the new ones taken in the same transaction, so a move onto slots the
// appointment already holds never conflicts with itself.
func (r *appointmentRepoPG) Reschedule(ctx context.Context, id uuid.UUID, date, startSlot string, endSlot *string, slots []string) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		q := db.Conn(ctx, r.pool)
		tag, err := q.Exec(ctx, `
			UPDATE appointment SET scheduled_date = $2::date, start_slot = $3, end_slot = $4, updated_at = NOW()
			WHERE id = $1`, id, date, startSlot, endSlot)
		if err != nil {
			return mapWriteError(err, "update appointment")
		}
		if tag.RowsAffected() == 0 {
			return ErrAppointmentNotFound
		}
		if _, err := q.Exec(ctx, `DELETE FROM appointment_slot WHERE appointment_id = $1`, id); err != nil {
			return fmt.Errorf("release slots: %w", err)
		}
		return r.claimSlots(ctx, id, date, slots)
	})
}

func (r *appointmentRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM appointment WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (r *appointmentRepoPG) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE appointment SET is_completed = TRUE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("complete appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}
