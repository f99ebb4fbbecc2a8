package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/storefront/installsched/internal/config"
	"github.com/storefront/installsched/internal/domain/scheduling"
	"github.com/storefront/installsched/internal/platform/auth"
	"github.com/storefront/installsched/internal/platform/cache"
	"github.com/storefront/installsched/internal/platform/db"
	"github.com/storefront/installsched/internal/platform/events"
)

func testConfig() *config.Config {
	return &config.Config{
		Env:                 "development",
		Timezone:            "UTC",
		SlotFirst:           "09:00",
		SlotLast:            "19:00",
		SlotGranularityMins: 60,
		OpTimeout:           5 * time.Second,
		MaxRangeDays:        31,
		CacheBackend:        "lru",
		RequestTimeout:      5 * time.Second,
		CORSOrigins:         []string{"http://localhost:3000"},
	}
}

// A nil pool is fine as long as no route reaches the database.
func testRouter(t *testing.T, cfg *config.Config) http.Handler {
	t.Helper()
	svcs, err := newServices(cfg, nil, cache.Nop{}, events.Nop{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new services: %v", err)
	}
	return newRouter(cfg, zerolog.Nop(), nil, svcs)
}

func TestNewSlotCalendar_FromConfig(t *testing.T) {
	cal, err := newSlotCalendar(testConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cal.Len() != 11 {
		t.Errorf("expected 11 slots, got %d", cal.Len())
	}

	cfg := testConfig()
	cfg.SlotFirst = "20:00"
	if _, err := newSlotCalendar(cfg); err == nil {
		t.Error("expected error for inverted slot bounds")
	}
}

func TestRouter_Health(t *testing.T) {
	e := testRouter(t, testConfig())
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), version) {
		t.Errorf("expected version in body, got %s", rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected request id header")
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected security headers")
	}
}

func TestRouter_JWTModeRejectsAnonymous(t *testing.T) {
	cfg := testConfig()
	cfg.Env = "production"
	cfg.AuthSigningKey = "secret"
	e := testRouter(t, cfg)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/slots", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestRouter_DevAuthReachesHandlers(t *testing.T) {
	e := testRouter(t, testConfig())
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/slots?from=bad", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a malformed range, got %d", rec.Code)
	}
}

func TestRouter_LiveFeed(t *testing.T) {
	e := testRouter(t, testConfig())
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/live", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a plain GET on the live feed, got %d", rec.Code)
	}

	cfg := testConfig()
	cfg.Env = "production"
	cfg.AuthSigningKey = "secret"
	rec = httptest.NewRecorder()
	testRouter(t, cfg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/live", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without a token, got %d", rec.Code)
	}
}

func TestRouter_InstallerCannotBook(t *testing.T) {
	cfg := testConfig()
	cfg.Env = "production"
	cfg.AuthSigningKey = "secret"
	e := testRouter(t, cfg)

	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "inst-4",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: []string{auth.RoleInstaller},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.AuthSigningKey))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/"+uuid.NewString()+"/installation", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for installer booking, got %d", rec.Code)
	}
}

func TestPrintGrid(t *testing.T) {
	grid := map[string]map[string]scheduling.SlotState{
		"2025-06-12": {
			"09:00": {Past: true},
			"10:00": {Booked: true},
			"11:00": {Available: true},
		},
		"2025-06-11": {
			"09:00": {Available: true},
			"10:00": {Available: true},
			"11:00": {Available: true},
		},
	}
	var buf bytes.Buffer
	printGrid(&buf, []string{"09:00", "10:00", "11:00"}, grid)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header plus two rows, got %d lines:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[1], "2025-06-11") {
		t.Errorf("expected rows sorted by date, got %q", lines[1])
	}
	if fields := strings.Fields(lines[2]); len(fields) != 4 || fields[1] != "-" || fields[2] != "X" || fields[3] != "." {
		t.Errorf("unexpected row: %q", lines[2])
	}
}

func TestPrintMigrationStatus(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	printMigrationStatus(&buf, []db.MigrationStatus{
		{Version: 1, Name: "001_orders.sql", Applied: true, AppliedAt: &at},
		{Version: 2, Name: "002_appointments.sql"},
	})
	out := buf.String()
	if !strings.Contains(out, "applied") || !strings.Contains(out, "2025-06-01 12:00:00") {
		t.Errorf("expected applied row, got:\n%s", out)
	}
	if !strings.Contains(out, "pending") {
		t.Errorf("expected pending row, got:\n%s", out)
	}
}
