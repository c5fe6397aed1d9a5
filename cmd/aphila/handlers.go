package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sevans717/aphila-sub008/internal/app"
	"github.com/sevans717/aphila-sub008/internal/auth"
	"github.com/sevans717/aphila-sub008/internal/config"
	"github.com/sevans717/aphila-sub008/internal/database"
	"github.com/sevans717/aphila-sub008/internal/logging"
)

// runServe starts the application and blocks until ctx is done or a
// termination signal arrives
func runServe(ctx context.Context, configPath string, debug bool) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// STEP 1: Configuration with precedence (file > env > defaults)
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting aphila",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("config", configPath),
		zap.Bool("debug", debug))

	// STEP 2: Signal handling
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// STEP 3: Build and start
	application, err := app.NewApplication(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	if err := application.Start(ctx); err != nil {
		_ = application.Stop(context.Background())
		return fmt.Errorf("failed to start application: %w", err)
	}

	// STEP 4: Wait, then stop within the shutdown budget
	<-ctx.Done()
	logger.Info("shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := application.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}

// runMigrate opens the database, which applies pending migrations. It does
// not need the auth settings serve requires.
func runMigrate(ctx context.Context, configPath string, out io.Writer) error {
	cfg, err := loadUnvalidated(configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	manager, err := database.Open(app.DatabaseConfig(cfg), logger)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	defer func() { _ = manager.Close() }()

	if ctx == nil {
		ctx = context.Background()
	}
	if err := manager.HealthCheck(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "database %s is up to date\n", cfg.Database.Path)
	return nil
}

func runToken(configPath, userID, deviceID string, ttl time.Duration, out io.Writer) error {
	cfg, err := loadUnvalidated(configPath)
	if err != nil {
		return err
	}
	verifier, err := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		return fmt.Errorf("failed to create verifier: %w", err)
	}
	token, err := verifier.Issue(userID, deviceID, ttl)
	if err != nil {
		return fmt.Errorf("failed to issue token: %w", err)
	}
	fmt.Fprintln(out, token)
	return nil
}

func loadUnvalidated(configPath string) (*config.Config, error) {
	cfg := config.LoadFromEnv()
	if configPath == "" {
		return cfg, nil
	}
	cfg, err := config.LoadFromFile(configPath, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	logger, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return logger, nil
}
