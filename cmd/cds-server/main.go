package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cds/cds/internal/config"
	"github.com/cds/cds/internal/domain/evaluation"
	"github.com/cds/cds/internal/domain/rules"
	"github.com/cds/cds/internal/platform/breaker"
	"github.com/cds/cds/internal/platform/cache"
	"github.com/cds/cds/internal/platform/db"
	"github.com/cds/cds/internal/platform/middleware"
	"github.com/cds/cds/internal/platform/telemetry"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "cds-server",
		Short: "Clinical decision support engine",
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
		Short: "Start the CDS API server",
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

	// Metrics
	metrics := telemetry.NewCollector(telemetry.Config{
		HitRateTarget: cfg.CacheHitRateTarget,
	})

	// Cache backend: Redis when configured, in-process otherwise.
	var store cache.Store
	if cfg.RedisURL != "" {
		redisStore, err := cache.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisStore.Close()
		store = redisStore
		logger.Info().Msg("connected to redis")
	} else {
		store = cache.NewMemoryStore()
		logger.Warn().Msg("REDIS_URL not set, using in-process cache")
	}

	// Circuit breaker guarding the cache backend.
	br := breaker.New(breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		ResetTimeout:     cfg.BreakerResetTimeout(),
		OnStateChange: func(s breaker.State) {
			metrics.RecordBreakerState(s)
			logger.Warn().Str("state", s.String()).Msg("cache breaker state change")
		},
	})

	alertCache := cache.New(store, br, cache.Config{
		TTLByHook: map[string]time.Duration{
			string(evaluation.HookMedicationPrescribe): time.Duration(cfg.CacheTTLPrescribeS) * time.Second,
			string(evaluation.HookOrderSelect):         time.Duration(cfg.CacheTTLPrescribeS) * time.Second,
			string(evaluation.HookOrderSign):           time.Duration(cfg.CacheTTLPrescribeS) * time.Second,
			string(evaluation.HookEncounterStart):      time.Duration(cfg.CacheTTLEncounterS) * time.Second,
			string(evaluation.HookEncounterDischarge):  time.Duration(cfg.CacheTTLEncounterS) * time.Second,
			string(evaluation.HookPatientView):         time.Duration(cfg.CacheTTLViewS) * time.Second,
		},
		DefaultTTL: time.Duration(cfg.CacheTTLViewS) * time.Second,
	}, logger)

	// Rule set
	interactions, err := rules.NewInteractionRepoPG(pool).ListActive(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load drug interaction table")
	}
	logger.Info().Int("pairs", len(interactions)).Msg("loaded drug interaction table")

	registry := evaluation.NewRegistry()
	registry.MustRegister(
		rules.NewDrugInteractionRule(interactions),
		rules.NewAllergyConflictRule(),
		rules.NewDuplicateTherapyRule(),
		rules.NewRenalDosingRule(),
		rules.NewPolypharmacyRule(),
	)

	// Engine
	repo := evaluation.NewPatientDataRepoPG(pool)
	provider := evaluation.NewContextProvider(repo, time.Duration(cfg.LabLookbackDays)*24*time.Hour)
	evaluator := evaluation.NewEvaluator(metrics, logger, cfg.RuleTimeout(), cfg.SlowEvalThreshold())
	svc := evaluation.NewService(provider, registry, evaluator, alertCache, metrics, logger, cfg.SlowEvalThreshold())
	handler := evaluation.NewHandler(svc, metrics)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RequestTimeout(cfg.EvalTimeout()))
	handler.RegisterRoutes(apiV1)

	// Operational endpoints
	e.GET("/metrics", metrics.PrometheusHandler())
	e.GET("/health", healthHandler(br, metrics))
	e.GET("/health/db", db.HealthHandler(pool))

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
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
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// healthHandler reports the engine's own health: degraded when the metrics
// snapshot raises alert flags or the cache breaker is open, healthy
// otherwise. Database reachability has its own endpoint.
func healthHandler(br *breaker.Breaker, metrics *telemetry.Collector) echo.HandlerFunc {
	return func(c echo.Context) error {
		snap := metrics.Snapshot()
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":        string(snap.Health),
			"version":       "0.1.0",
			"breaker_state": br.State().String(),
		})
	}
}
