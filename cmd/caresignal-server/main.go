package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/caresignal/caresignal/internal/config"
	"github.com/caresignal/caresignal/internal/domain/alert"
	"github.com/caresignal/caresignal/internal/domain/escalation"
	"github.com/caresignal/caresignal/internal/domain/intervention"
	"github.com/caresignal/caresignal/internal/domain/webhook"
	"github.com/caresignal/caresignal/internal/platform/db"
	"github.com/caresignal/caresignal/internal/platform/dispatch"
	"github.com/caresignal/caresignal/internal/platform/events"
	"github.com/caresignal/caresignal/internal/platform/middleware"
	"github.com/caresignal/caresignal/internal/platform/telemetry"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "caresignal-server",
		Short: "Clinical alert lifecycle and escalation engine",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the alert engine and operator API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
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
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	// migrate down - keep as warning
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Rollback last migration (not supported)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("WARNING: migrate down is destructive and not supported by the built-in runner.")
			fmt.Println("Restore from a backup or write a forward migration instead.")
			return nil
		},
	})

	return cmd
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Telemetry
	tp := telemetry.NewTelemetryProvider(telemetry.TelemetryConfig{
		ServiceName:    "caresignal",
		ServiceVersion: version,
		Environment:    cfg.Env,
	})

	// Internal event stream connecting the lifecycle pipelines
	bus := events.NewBus(events.DefaultBuffer, logger)

	// Alert lifecycle: factory, workflow engine, SLA tracker
	alertRepo := alert.NewPgRepo(pool)
	alertSvc := alert.NewService(alertRepo, bus)
	alertHandler := alert.NewHandler(alertSvc)

	tracker := alert.NewSLATracker(alertRepo, bus, logger)
	tracker.Interval = cfg.SLASweepInterval
	tracker.BatchSize = cfg.SLASweepBatch

	// Intervention templates; planned interventions bump template usage
	templateRepo := intervention.NewPgRepo(pool)
	templateSvc := intervention.NewService(templateRepo)
	templateHandler := intervention.NewHandler(templateSvc)
	alertSvc.SetUsageRecorder(templateSvc)

	// Escalation rules and engine
	escRepo := escalation.NewPgRepo(pool)
	escSvc := escalation.NewService(escRepo)
	engine := escalation.NewEngine(escRepo, alertSvc, escalation.LogSink{Logger: logger}, logger)
	engine.DefaultRole = cfg.DefaultEscalationRole
	engine.SweepInterval = cfg.EscalationSweepInterval
	escHandler := escalation.NewHandler(escSvc, engine)

	// Webhook configuration and delivery
	whRepo := webhook.NewPgRepo(pool)
	whSvc := webhook.NewService(whRepo)
	dispatcher := dispatch.NewDispatcher(whRepo, logger)
	dispatcher.PollInterval = cfg.DispatchPollInterval
	dispatcher.BatchSize = cfg.DispatchBatch
	dispatcher.Workers = cfg.DispatchWorkers
	dispatcher.Observer = tp.DeliveryCounter
	whHandler := webhook.NewHandler(whSvc, dispatcher)

	// Event subscriptions. Escalation evaluation and webhook fan-out are
	// decoupled from the publishing workflow; a slow consumer only fills
	// its own buffer.
	bus.Subscribe("escalation", engine.HandleEvent)
	bus.Subscribe("dispatch", dispatcher.HandleEvent)
	bus.Subscribe("telemetry", func(_ context.Context, ev events.Event) {
		switch ev.Type {
		case events.AlertCreated:
			tp.AlertOperationCounter(ev.Alert.Category, "created")
		case events.AlertAcknowledged:
			tp.AlertOperationCounter(ev.Alert.Category, "acknowledged")
		case events.AlertStarted:
			tp.AlertOperationCounter(ev.Alert.Category, "started")
		case events.AlertResolved:
			tp.AlertOperationCounter(ev.Alert.Category, "resolved")
		case events.AlertDismissed:
			tp.AlertOperationCounter(ev.Alert.Category, "dismissed")
		case events.AlertSLABreached:
			tp.SLABreachCounter(ev.Alert.Priority, ev.Alert.Category)
		case events.AlertEscalated:
			// trigger keys look like "sla_breach:<alert>"; the label wants
			// the trigger type, not the instance
			tp.EscalationCounter(strings.SplitN(ev.TriggerKey, ":", 2)[0], "fired")
		}
	})

	// Background engines
	engineCtx, engineCancel := context.WithCancel(ctx)
	defer engineCancel()
	go bus.Start(engineCtx)
	go tracker.Start(engineCtx)
	go engine.Start(engineCtx)
	go dispatcher.Start(engineCtx)
	go healthGauges(engineCtx, pool, alertSvc, whSvc, tp)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit("1M"))
	e.Use(middleware.RequestTimeout(30 * time.Second))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Content-Type", "X-Request-ID", "X-Actor-ID", "X-Actor-Role"},
	}))
	e.Use(tp.TracingMiddleware())
	e.Use(tp.MetricsMiddleware())

	// API group
	apiV1 := e.Group("/api/v1")

	// Actor/audit middleware — the auth boundary. Identity arrives via
	// headers from the out-of-scope auth layer in front of this service.
	apiV1.Use(middleware.Actor(logger))

	// Rate limiting middleware
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	// Routes
	alertHandler.RegisterRoutes(apiV1)
	templateHandler.RegisterRoutes(apiV1)
	escHandler.RegisterRoutes(apiV1)
	whHandler.RegisterRoutes(apiV1)

	e.GET("/healthz", db.HealthHandler(pool))
	e.GET("/metrics", tp.PrometheusHandler())

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if cfg.TLSEnabled {
			if err := e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile); err != nil && err != http.ErrServerClosed {
				logger.Fatal().Err(err).Msg("server error")
			}
			return
		}
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	engineCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// healthGauges refreshes the pool, open-alert, and dispatch-backlog gauges on
// a fixed cadence for the /metrics endpoint.
func healthGauges(ctx context.Context, pool *pgxpool.Pool, alerts *alert.Service, webhooks *webhook.Service, tp *telemetry.TelemetryProvider) {
	hm := tp.HealthMetrics()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stat := pool.Stat()
			hm.SetDBPoolActive(int64(stat.AcquiredConns()))
			hm.SetDBPoolIdle(int64(stat.IdleConns()))

			if open, err := alerts.CountOpen(ctx); err == nil {
				hm.SetOpenAlertsTotal(open)
			}
			if _, pending, err := webhooks.ListNotifications(ctx, map[string]string{"status": webhook.NotificationPending}, 1, 0); err == nil {
				hm.SetDispatchBacklog(int64(pending))
			}
		}
	}
}
