package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/storefront/installsched/internal/config"
	"github.com/storefront/installsched/internal/domain/order"
	"github.com/storefront/installsched/internal/domain/scheduling"
	"github.com/storefront/installsched/internal/platform/auth"
	"github.com/storefront/installsched/internal/platform/cache"
	"github.com/storefront/installsched/internal/platform/db"
	"github.com/storefront/installsched/internal/platform/events"
	"github.com/storefront/installsched/internal/platform/live"
	"github.com/storefront/installsched/internal/platform/logging"
	"github.com/storefront/installsched/internal/platform/middleware"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "installsched-server",
		Short: "Installation scheduling API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(orderCmd())
	rootCmd.AddCommand(slotsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the scheduling API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// openPool loads the config and connects. Callers close the pool.
func openPool(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBSchema, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")
			target, _ := cmd.Flags().GetInt("to")

			ctx := context.Background()
			cfg, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			if schema == "" {
				schema = cfg.DBSchema
			}

			migrator := db.NewMigrator(pool, dir, schema)
			fmt.Printf("Running migrations on schema: %s\n", schema)

			count, err := migrator.UpTo(ctx, target)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "", "Target schema (defaults to DB_SCHEMA)")
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	upCmd.Flags().Int("to", 0, "Stop after this version (0 applies everything)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			cfg, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			if schema == "" {
				schema = cfg.DBSchema
			}

			statuses, err := db.NewMigrator(pool, dir, schema).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			printMigrationStatus(os.Stdout, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("schema", "", "Target schema (defaults to DB_SCHEMA)")
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Rollback last migration (not supported)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("WARNING: migrate down is destructive and not supported by the built-in runner.")
			fmt.Println("Write a new forward migration that reverts the change instead.")
			return nil
		},
	})

	return cmd
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func orderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Manage installation orders",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create an order, e.g. to seed the backlog",
		RunE: func(cmd *cobra.Command, args []string) error {
			number, _ := cmd.Flags().GetString("number")
			customer, _ := cmd.Flags().GetString("customer")
			status, _ := cmd.Flags().GetString("status")
			if number == "" {
				return fmt.Errorf("--number is required")
			}

			ctx := context.Background()
			cfg, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			logger, closeLog := logging.New(logging.OptionsFromConfig(cfg))
			defer closeLog()

			svc := order.NewService(order.NewRepoPG(pool), order.NewHistoryRepoPG(pool), order.Options{Logger: logger})
			o := &order.Order{Number: number, CustomerName: customer, Status: order.Status(status)}
			if err := svc.Create(ctx, o); err != nil {
				return err
			}
			fmt.Printf("Created order %s (%s) with status %s\n", o.Number, o.ID, o.Status)
			return nil
		},
	}
	createCmd.Flags().String("number", "", "Order number")
	createCmd.Flags().String("customer", "", "Customer name")
	createCmd.Flags().String("status", string(order.StatusConfirmed), "Initial status (new or confirmed)")

	cmd.AddCommand(createCmd)
	return cmd
}

func slotsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slots",
		Short: "Inspect slot availability",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Print the availability grid for a date range",
		RunE: func(cmd *cobra.Command, args []string) error {
			from, _ := cmd.Flags().GetString("from")
			to, _ := cmd.Flags().GetString("to")

			ctx := context.Background()
			cfg, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			cal, err := newSlotCalendar(cfg)
			if err != nil {
				return err
			}
			if from == "" {
				from = cal.Today()
			}
			if to == "" {
				to = from
			}
			svc := scheduling.NewService(cal,
				scheduling.NewAppointmentRepoPG(pool),
				order.NewRepoPG(pool),
				order.NewHistoryRepoPG(pool),
				scheduling.Options{OpTimeout: cfg.OpTimeout, MaxRangeDays: cfg.MaxRangeDays, Logger: zerolog.Nop()},
			)
			grid, err := svc.ListAvailability(ctx, from, to)
			if err != nil {
				return err
			}
			printGrid(os.Stdout, cal.Labels(), grid)
			return nil
		},
	}
	listCmd.Flags().String("from", "", "First date (YYYY-MM-DD, defaults to today)")
	listCmd.Flags().String("to", "", "Last date (YYYY-MM-DD, defaults to --from)")

	cmd.AddCommand(listCmd)
	return cmd
}

// printGrid writes one row per date: "." free, "X" booked, "-" past.
func printGrid(w io.Writer, labels []string, grid map[string]map[string]scheduling.SlotState) {
	dates := make([]string, 0, len(grid))
	for d := range grid {
		dates = append(dates, d)
	}
	sort.Strings(dates)

	fmt.Fprintf(w, "%-10s", "DATE")
	for _, l := range labels {
		fmt.Fprintf(w, " %-5s", l)
	}
	fmt.Fprintln(w)
	for _, d := range dates {
		fmt.Fprintf(w, "%-10s", d)
		for _, l := range labels {
			st := grid[d][l]
			mark := "."
			switch {
			case st.Booked:
				mark = "X"
			case st.Past:
				mark = "-"
			}
			fmt.Fprintf(w, " %-5s", mark)
		}
		fmt.Fprintln(w)
	}
}

func newSlotCalendar(cfg *config.Config) (*scheduling.SlotCalendar, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	return scheduling.NewSlotCalendar(cfg.SlotFirst, cfg.SlotLast, cfg.SlotGranularityMins, loc, scheduling.SystemClock)
}

// services is everything the HTTP layer routes to.
type services struct {
	orders *order.Service
	sched  *scheduling.Service
	feed   *live.Hub
}

func newServices(cfg *config.Config, pool *pgxpool.Pool, store cache.Store, pub events.Publisher, logger zerolog.Logger) (*services, error) {
	cal, err := newSlotCalendar(cfg)
	if err != nil {
		return nil, err
	}

	// Live clients see every event the broker does.
	feed := live.NewHub(logger.With().Str("component", "live").Logger())
	pub = events.Fanout{pub, feed}

	orderRepo := order.NewRepoPG(pool)
	historyRepo := order.NewHistoryRepoPG(pool)

	orderSvc := order.NewService(orderRepo, historyRepo, order.Options{
		Publisher: pub,
		Logger:    logger.With().Str("component", "orders").Logger(),
	})
	schedSvc := scheduling.NewService(cal, scheduling.NewAppointmentRepoPG(pool), orderRepo, historyRepo, scheduling.Options{
		OpTimeout:    cfg.OpTimeout,
		MaxRangeDays: cfg.MaxRangeDays,
		Cache:        store,
		Publisher:    pub,
		Logger:       logger.With().Str("component", "scheduling").Logger(),
	})
	orderSvc.SetReleaser(schedSvc)

	return &services{orders: orderSvc, sched: schedSvc, feed: feed}, nil
}

// newRouter wires middleware and routes. pool may be nil, which leaves out
// /health/db.
func newRouter(cfg *config.Config, logger zerolog.Logger, pool *pgxpool.Pool, svcs *services) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Dev-User"},
	}))

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool, cfg.DBSchema))
	}

	apiV1 := e.Group("/api/v1")
	if cfg.RateLimitRPS > 0 {
		apiV1.Use(echomw.RateLimiter(echomw.NewRateLimiterMemoryStoreWithConfig(echomw.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(cfg.RateLimitRPS),
			Burst:     cfg.RateLimitBurst,
			ExpiresIn: 3 * time.Minute,
		})))
	}
	apiV1.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	apiV1.Use(authMiddleware(cfg))
	apiV1.Use(middleware.Audit(logger))

	order.NewHandler(svcs.orders).RegisterRoutes(apiV1)
	scheduling.NewHandler(svcs.sched).RegisterRoutes(apiV1)

	// The live feed holds its connection open, so it sits outside the
	// request timeout.
	liveGroup := e.Group("/api/v1/live", authMiddleware(cfg), middleware.Audit(logger),
		auth.RequireRole(auth.RoleOperator, auth.RoleInstaller))
	live.NewHandler(svcs.feed, cfg.CORSOrigins).RegisterRoutes(liveGroup)

	return e
}

func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	if cfg.ResolvedAuthMode() == "development" {
		return auth.DevAuthMiddleware()
	}
	return auth.JWTMiddleware(auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
	})
}

func newPublisher(cfg *config.Config, logger zerolog.Logger) (events.Publisher, func() error) {
	if cfg.AMQPURL == "" {
		logger.Info().Msg("AMQP_URL not set; installation events are not published")
		return events.Nop{}, func() error { return nil }
	}
	p, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	if err != nil {
		logger.Warn().Err(err).Msg("event broker unavailable; installation events are not published")
		return events.Nop{}, func() error { return nil }
	}
	logger.Info().Str("exchange", cfg.AMQPExchange).Msg("publishing installation events")
	return p, p.Close
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Logger
	logger, closeLog := logging.New(logging.OptionsFromConfig(cfg))
	defer closeLog()
	if strings.EqualFold(cfg.ResolvedAuthMode(), "development") {
		logger.Warn().Msg("development auth is active; requests without a token get admin access")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBSchema, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Occupancy cache
	store, closeCache, err := cache.NewStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.CacheBackend).Msg("failed to open cache")
	}
	defer closeCache()

	pub, closePub := newPublisher(cfg, logger)
	defer closePub()

	svcs, err := newServices(cfg, pool, store, pub, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid slot calendar")
	}
	defer svcs.feed.Close()
	e := newRouter(cfg, logger, pool, svcs)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("timezone", cfg.Timezone).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
