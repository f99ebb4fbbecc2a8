package db

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

const healthTimeout = 3 * time.Second

type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireDuration string `json:"acquire_duration"`
}

// HealthReport is the /health/db body. SchemaVersion is the highest applied
// migration, 0 when none has run.
type HealthReport struct {
	Status        string    `json:"status"`
	Error         string    `json:"error,omitempty"`
	Schema        string    `json:"schema"`
	SchemaVersion int       `json:"schema_version"`
	Pool          PoolStats `json:"pool"`
}

func (r HealthReport) Healthy() bool { return r.Status == "healthy" }

func poolStats(pool *pgxpool.Pool) PoolStats {
	stat := pool.Stat()
	return PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// Check pings the database and reads the applied schema version.
func Check(ctx context.Context, pool *pgxpool.Pool, schema string) HealthReport {
	if schema == "" {
		schema = "public"
	}
	report := HealthReport{Status: "healthy", Schema: schema, Pool: poolStats(pool)}

	if err := pool.Ping(ctx); err != nil {
		report.Status = "unhealthy"
		report.Error = err.Error()
		return report
	}
	if !schemaPattern.MatchString(schema) {
		report.Status = "unhealthy"
		report.Error = fmt.Sprintf("invalid schema name: %s", schema)
		return report
	}

	var version *int
	err := pool.QueryRow(ctx, fmt.Sprintf(`SELECT max(version) FROM %s.schema_migrations`, schema)).Scan(&version)
	switch {
	case err == nil:
		if version != nil {
			report.SchemaVersion = *version
		}
	case errors.Is(err, pgx.ErrNoRows):
	default:
		// No tracking table yet means the schema was never migrated.
		report.Status = "degraded"
		report.Error = "schema_migrations unreadable: " + err.Error()
	}
	return report
}

// HealthHandler answers 200 for a healthy or degraded database and 503 when
// the ping fails.
func HealthHandler(pool *pgxpool.Pool, schema string) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), healthTimeout)
		defer cancel()

		report := Check(ctx, pool, schema)
		if report.Status == "unhealthy" {
			return c.JSON(http.StatusServiceUnavailable, report)
		}
		return c.JSON(http.StatusOK, report)
	}
}
