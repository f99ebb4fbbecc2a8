package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestTxFromContext_Empty(t *testing.T) {
	if tx := TxFromContext(context.Background()); tx != nil {
		t.Error("expected no transaction on a bare context")
	}
}

func TestUniqueViolation(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "23505", ConstraintName: "appointment_slot_pkey"}
	wrapped := fmt.Errorf("insert appointment_slot: %w", pgErr)

	name, ok := UniqueViolation(wrapped)
	if !ok {
		t.Fatal("expected wrapped 23505 to be reported as a unique violation")
	}
	if name != "appointment_slot_pkey" {
		t.Errorf("expected constraint appointment_slot_pkey, got %s", name)
	}

	if _, ok := UniqueViolation(&pgconn.PgError{Code: "23503"}); ok {
		t.Error("foreign key violation must not be reported as unique violation")
	}
	if _, ok := UniqueViolation(errors.New("boom")); ok {
		t.Error("plain error must not be reported as unique violation")
	}
}
