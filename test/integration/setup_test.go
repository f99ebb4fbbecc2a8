//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/storefront/installsched/internal/domain/order"
	"github.com/storefront/installsched/internal/domain/scheduling"
	"github.com/storefront/installsched/internal/platform/cache"
	"github.com/storefront/installsched/internal/platform/db"
)

// connStr points at the server shared by every test. Each test migrates its
// own schema so tests never see each other's rows.
var connStr string

func TestMain(m *testing.M) {
	ctx := context.Background()

	cleanup := func() {}
	connStr = os.Getenv("DATABASE_URL")
	if connStr == "" {
		var err error
		connStr, cleanup, err = startPostgresContainer(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "no DATABASE_URL and failed to start postgres: %v\n", err)
			os.Exit(1)
		}
	}

	code := m.Run()
	cleanup()
	os.Exit(code)
}

// findMigrationsDir locates the migrations directory relative to this file.
func findMigrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// newSchemaPool migrates a fresh schema and returns a pool bound to it. The
// schema is dropped when the test ends.
func newSchemaPool(t *testing.T) (*pgxpool.Pool, string) {
	t.Helper()
	ctx := context.Background()
	schema := "it_" + strings.ReplaceAll(uuid.NewString()[:8], "-", "")

	admin, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := db.NewMigrator(admin, findMigrationsDir(), schema).Up(ctx); err != nil {
		admin.Close()
		t.Fatalf("migrate %s: %v", schema, err)
	}

	pool, err := db.NewPool(ctx, connStr, schema, 10, 1)
	if err != nil {
		admin.Close()
		t.Fatalf("pool for %s: %v", schema, err)
	}
	t.Cleanup(func() {
		pool.Close()
		if _, err := admin.Exec(context.Background(), fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schema)); err != nil {
			t.Logf("warning: failed to drop schema %s: %v", schema, err)
		}
		admin.Close()
	})
	return pool, schema
}

type stack struct {
	pool   *pgxpool.Pool
	orders *order.Service
	sched  *scheduling.Service
}

// newStack wires the services over a fresh schema with a clock fixed at now.
func newStack(t *testing.T, now time.Time) *stack {
	t.Helper()
	pool, _ := newSchemaPool(t)
	cal, err := scheduling.NewSlotCalendar("09:00", "19:00", 60, time.UTC,
		scheduling.ClockFunc(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("calendar: %v", err)
	}

	orderRepo := order.NewRepoPG(pool)
	historyRepo := order.NewHistoryRepoPG(pool)
	orderSvc := order.NewService(orderRepo, historyRepo, order.Options{Logger: zerolog.Nop()})
	schedSvc := scheduling.NewService(cal, scheduling.NewAppointmentRepoPG(pool), orderRepo, historyRepo, scheduling.Options{
		OpTimeout: 10 * time.Second,
		Cache:     cache.NewLRUStore(64, time.Minute),
		Logger:    zerolog.Nop(),
	})
	orderSvc.SetReleaser(schedSvc)
	return &stack{pool: pool, orders: orderSvc, sched: schedSvc}
}

func (s *stack) createOrder(t *testing.T, number string, status order.Status) *order.Order {
	t.Helper()
	o := &order.Order{Number: number, CustomerName: "Customer " + number, Status: status}
	if err := s.orders.Create(context.Background(), o); err != nil {
		t.Fatalf("create order %s: %v", number, err)
	}
	return o
}
