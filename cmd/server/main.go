package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/taskboard-billing/backend/internal/billing"
	"github.com/PortNumber53/taskboard-billing/backend/internal/config"
	"github.com/PortNumber53/taskboard-billing/backend/internal/entitlement"
	"github.com/PortNumber53/taskboard-billing/backend/internal/handlers"
	"github.com/PortNumber53/taskboard-billing/backend/internal/httpserver"
	"github.com/PortNumber53/taskboard-billing/backend/internal/logging"
	"github.com/PortNumber53/taskboard-billing/backend/internal/migrations"
	"github.com/PortNumber53/taskboard-billing/backend/internal/store"
	"github.com/PortNumber53/taskboard-billing/backend/internal/webhook"
	"github.com/PortNumber53/taskboard-billing/backend/internal/worker"
)

func main() {
	// Best-effort: load environment variables from .env-style files in local
	// development. These calls are safe to ignore in production environments.
	_ = godotenv.Load(
		"../.env",
		".env",
	)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "server"})

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	logDBTarget("primary", cfg.DatabaseURL)
	configureDB(db)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}

	if err := runMigrationsWithDirtyFix(db, "primary"); err != nil {
		log.Fatal().Err(err).Msg("failed to apply database migrations")
	}

	st, err := store.New(db)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create store")
	}

	reconciler := billing.NewReconciler(st, cfg.Fallback)
	entitlements := entitlement.NewService(st, nil)
	verifier := webhook.NewVerifier(cfg.WebhookSecret)
	if !verifier.Enabled() {
		log.Warn().Msg("webhook signing secret not set; signatures will not be verified")
	}

	srv := httpserver.New(cfg, httpserver.Deps{
		DB:      db,
		Billing: handlers.NewBillingHandler(st, entitlements, st, reconciler),
		Webhook: handlers.NewWebhookHandler(verifier, webhook.NewRouter(reconciler)),
		Sweeper: worker.New(worker.DefaultConfig(), st),
	})

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-shutdownCtx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("graceful shutdown failed")
		}
	}()

	log.Info().Str("addr", cfg.ServerAddress).Msg("backend starting")
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("server exited with error")
		os.Exit(1)
	}
}

func configureDB(db *sql.DB) {
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
}

func runMigrationsWithDirtyFix(db *sql.DB, name string) error {
	err := migrations.Up(db)
	if err == nil {
		return nil
	}
	if !migrations.IsDirty(err) {
		return err
	}

	log.Warn().Str("db", name).Err(err).Msg("dirty database detected, attempting to fix")
	if fixErr := migrations.FixDirtyDatabase(db); fixErr != nil {
		log.Error().Str("db", name).Err(fixErr).Msg("failed to fix dirty database")
		return err
	}
	return migrations.Up(db)
}

func logDBTarget(name, dsn string) {
	// Avoid logging secrets: only log hostname + database path.
	u, err := url.Parse(dsn)
	if err != nil {
		log.Info().Str("db", name).Err(err).Msg("database configured (dsn parse error)")
		return
	}
	log.Info().Str("db", name).Str("host", u.Hostname()).Str("database", strings.TrimPrefix(u.Path, "/")).Msg("database configured")
}
