// Darkhound orchestrator server: SSH security-hunting sessions, hunt
// modules, AI reporting, and the HTTP/WS gateway driving it all.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/darkhound/darkhound/pkg/ai"
	"github.com/darkhound/darkhound/pkg/api"
	"github.com/darkhound/darkhound/pkg/auth"
	"github.com/darkhound/darkhound/pkg/cleanup"
	"github.com/darkhound/darkhound/pkg/config"
	"github.com/darkhound/darkhound/pkg/database"
	"github.com/darkhound/darkhound/pkg/events"
	"github.com/darkhound/darkhound/pkg/hunt"
	"github.com/darkhound/darkhound/pkg/intel"
	"github.com/darkhound/darkhound/pkg/masking"
	"github.com/darkhound/darkhound/pkg/session"
	"github.com/darkhound/darkhound/pkg/store"
	"github.com/darkhound/darkhound/pkg/version"
)

// Exit codes: 0 clean shutdown, 2 configuration error, 3 database
// unreachable, 4 migration failure.
const (
	exitConfig    = 2
	exitDatabase  = 3
	exitMigration = 4
)

func main() {
	envFile := flag.String("env-file", ".env", "Path to environment file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load env file, continuing with existing environment",
			"path", *envFile, "error", err)
	} else {
		slog.Info("Loaded environment", "path", *envFile)
	}

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(exitConfig)
	}

	sealer, err := auth.NewSealer(cfg.Auth.SealKey)
	if err != nil {
		slog.Error("Invalid credential seal key", "error", err)
		os.Exit(exitConfig)
	}

	// 2. Database
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Invalid database configuration", "error", err)
		os.Exit(exitConfig)
	}
	dbClient, err := database.Connect(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(exitDatabase)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	if err := database.Migrate(ctx, dbClient.DB(), dbConfig.Database); err != nil {
		slog.Error("Failed to apply migrations", "error", err)
		os.Exit(exitMigration)
	}
	slog.Info("Connected to PostgreSQL database")

	// 3. Event bus and stores
	bus := events.NewBus()
	defer bus.Close()

	ctrlStore := store.New(dbClient.DB())
	intelStore := intel.NewStore(dbClient.DB(), bus)

	// 4. Auth service and first-run seeding
	authSvc := auth.NewService(ctrlStore, auth.NewTokens(cfg.Auth))
	if pw := os.Getenv("ADMIN_PASSWORD"); pw != "" {
		username := getEnv("ADMIN_USERNAME", "admin")
		if err := authSvc.Bootstrap(ctx, username, pw); err != nil {
			slog.Error("Failed to seed initial analyst", "error", err)
			os.Exit(exitConfig)
		}
	}
	masker := masking.NewMasker()
	credSource := auth.NewCredentialSource(ctrlStore, sealer, os.Getenv("SSH_FALLBACK_PASSWORD"))
	credSource.Secrets = masker

	// 5. Hunt modules and runner
	registry := hunt.NewRegistry(cfg.Hunt.ModuleDir, cfg.Hunt.DefaultStepTimeout)
	if err := registry.Load(); err != nil {
		slog.Error("Failed to load hunt modules", "error", err)
		os.Exit(exitConfig)
	}
	runner := hunt.NewRunner(bus, cfg.Hunt.DefaultStepTimeout)

	// 6. AI pipeline (optional)
	var reporter hunt.Reporter
	if cfg.AI.Provider != "" {
		driver, err := ai.NewDriver(cfg.AI)
		if err != nil {
			slog.Error("Failed to initialize AI driver", "provider", cfg.AI.Provider, "error", err)
			os.Exit(exitConfig)
		}
		pipeline := ai.NewPipeline(driver, bus, intelStore, cfg.AI)
		pipeline.UseMasker(masker)
		reporter = pipeline
		slog.Info("AI pipeline initialized", "provider", cfg.AI.Provider, "model", cfg.AI.Model)
	} else {
		slog.Info("AI pipeline disabled, hunts run without reports")
	}

	// 7. Session manager
	mgr := session.NewManager(cfg.Hunt, session.ManagerDeps{
		Bus:      bus,
		Dial:     session.NewSSHDialer(ctrlStore.Pins(), cfg.SSH, bus),
		Creds:    credSource,
		Registry: registry,
		Runner:   runner,
		Reporter: reporter,
		Store:    ctrlStore,
	})
	mgr.Start()

	// 8. Retention loop
	retention := cleanup.NewService(cfg.Retention, ctrlStore, intelStore)
	retention.Start(ctx)

	// 9. Gateway
	srv := api.NewServer(cfg.Server, api.Deps{
		Sessions: mgr,
		Store:    ctrlStore,
		Intel:    intelStore,
		Registry: registry,
		Auth:     authSvc,
		Sealer:   sealer,
		Bus:      bus,
		DB:       dbClient.DB(),
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(":" + cfg.Server.Port); err != nil {
			errCh <- err
		}
	}()
	slog.Info("Darkhound started",
		"version", version.Full(), "http_port", cfg.Server.Port, "modules", registry.Count())

	// 10. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 11. Graceful shutdown: drain sessions first (owners close their
	// SSH connections and persist terminal state), then close the
	// gateway, taking WS clients down with 1001.
	retention.Stop()

	drainCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := mgr.Shutdown(drainCtx); err != nil {
		slog.Warn("Session drain incomplete", "error", err)
	} else {
		slog.Info("Sessions drained")
	}

	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("Gateway shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
