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

	"github.com/medledger/medledger/internal/config"
	"github.com/medledger/medledger/internal/domain/audit"
	"github.com/medledger/medledger/internal/domain/emergency"
	"github.com/medledger/medledger/internal/domain/engine"
	"github.com/medledger/medledger/internal/domain/identity"
	"github.com/medledger/medledger/internal/domain/ledger"
	"github.com/medledger/medledger/internal/domain/records"
	"github.com/medledger/medledger/internal/platform/auth"
	"github.com/medledger/medledger/internal/platform/blobstore"
	"github.com/medledger/medledger/internal/platform/db"
	"github.com/medledger/medledger/internal/platform/middleware"
	"github.com/medledger/medledger/internal/platform/notification"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "medledger-server",
		Short: "Patient-controlled health record access ledger",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(verifyChainCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the access ledger API server",
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

	return cmd
}

func verifyChainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify-chain",
		Short: "Verify a patient's audit chain end to end",
		RunE: func(cmd *cobra.Command, args []string) error {
			patientArg, _ := cmd.Flags().GetString("patient")
			patient, err := identity.Parse(patientArg)
			if err != nil {
				return fmt.Errorf("--patient: %w", err)
			}

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

			logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
			trail := audit.NewTrail(audit.NewPGStore(pool), logger)
			checked, err := trail.VerifyChain(ctx, patient)
			if err != nil {
				return fmt.Errorf("chain verification failed after %d entries: %w", checked, err)
			}
			fmt.Printf("Chain OK: %d entries verified for patient %s.\n", checked, patient)
			return nil
		},
	}
	cmd.Flags().String("patient", "", "Patient ledger address")
	cmd.MarkFlagRequired("patient")
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
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Domain wiring. The Postgres stores are the system of record; the
	// engine serializes every mutation per patient.
	accountStore := ledger.NewPGStore(pool)
	ledgerSvc := ledger.NewService(accountStore)

	recordStore := records.NewPGStore(pool)
	recordsSvc := records.NewService(recordStore)

	trail := audit.NewTrail(audit.NewPGStore(pool), logger)

	maxLevel := ledger.LevelRead
	if cfg.EmergencyMaxLevel == "write" {
		maxLevel = ledger.LevelWrite
	}
	verifier := emergency.NewJWTVerifier(cfg.AuthSecret)
	emergencyCtl := emergency.NewController(verifier, emergency.Policy{
		TTL:           cfg.EmergencyTTL(),
		MaxLevel:      maxLevel,
		VerifyTimeout: cfg.VerifyTimeout(),
	}, logger)

	blobs := blobstore.NewMemStore()
	notifier := notification.NewLogNotifier(logger)

	eng := engine.New(engine.Config{
		RequireRegistration: cfg.RequireRegistration,
		Tx:                  db.NewPoolTxRunner(pool),
	}, ledgerSvc, accountStore, recordsSvc, trail, emergencyCtl, blobs, notifier, logger)

	// Expire stale emergency sessions in the background. The engine audits
	// each expiry on the owning patient's chain.
	sweepCtx, sweepCancel := context.WithCancel(ctx)
	defer sweepCancel()
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				for _, s := range eng.SweepEmergencySessions(sweepCtx) {
					logger.Info().Str("session_id", s.ID.String()).Msg("emergency session expired")
				}
			}
		}
	}()

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Actor"},
	}))

	// Health checks stay outside auth.
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	// API group: rate limit, caller identity, access log.
	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))
	if cfg.IsDev() {
		apiV1.Use(auth.DevMiddleware())
	} else {
		apiV1.Use(auth.Middleware(auth.Config{SigningKey: []byte(cfg.AuthSecret)}))
	}
	apiV1.Use(middleware.AccessLog(logger))

	adminV1 := e.Group("/admin/v1")
	if cfg.IsDev() {
		adminV1.Use(auth.DevMiddleware())
	} else {
		adminV1.Use(auth.Middleware(auth.Config{SigningKey: []byte(cfg.AuthSecret)}))
	}
	adminV1.Use(middleware.AccessLog(logger))

	handler := engine.NewHandler(eng)
	handler.RegisterRoutes(apiV1, adminV1)

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
