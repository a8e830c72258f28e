package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"keygate/internal/config"
	"keygate/internal/db"
	"keygate/internal/delivery"
	"keygate/internal/jobs"
	"keygate/internal/jsonstore"
	"keygate/internal/keys"
	"keygate/internal/logger"
	"keygate/internal/metrics"
	"keygate/internal/pipeline"
	"keygate/internal/preferences"
	"keygate/internal/server"
	"keygate/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "keygate: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Development: cfg.IsDev()})
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	yamlCfg, err := config.LoadYAMLConfig()
	if err != nil {
		return fmt.Errorf("load defaults: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer s.Close()

	manager := keys.NewManager(s, yamlCfg.Defaults)
	prefs := preferences.NewService(s, cfg.AllowPrivateWebhooks)
	dispatcher := delivery.NewDispatcher(delivery.Config{
		Timeout:             cfg.DeliveryTimeout,
		AllowPrivateTargets: cfg.AllowPrivateWebhooks,
	}, log)
	p := pipeline.New(cfg.WorkDir, nil, dispatcher, log)

	metrics.Init(manager, log)

	janitor := jobs.NewTempJanitor(cfg.WorkDir, cfg.JanitorInterval, cfg.TempMaxAge, log)
	go janitor.Start(ctx)

	srv := server.New(cfg, log)
	if err := srv.RegisterRoutes(ctx, server.Deps{
		Store:       s,
		Keys:        manager,
		Preferences: prefs,
		Pipeline:    p,
	}); err != nil {
		return fmt.Errorf("register routes: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	log.Info("Shutting down server...")
	if err := srv.Shutdown(); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("Server exited")
	return nil
}

// openStore returns the Postgres store when DATABASE_URL is set and the JSON
// file store under DATA_DIR otherwise.
func openStore(ctx context.Context, cfg *config.Config, log logger.Logger) (store.Store, error) {
	if cfg.UsePostgres() {
		database, err := db.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		log.Info("Using Postgres store; migrations completed")
		return database, nil
	}

	s, err := jsonstore.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open data dir: %w", err)
	}
	log.Info("Using JSON file store", logger.String("dir", cfg.DataDir))
	return s, nil
}
